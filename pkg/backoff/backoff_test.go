package backoff

import (
	"testing"
	"time"
)

func TestExponentialJitterBounds(t *testing.T) {
	base, max := 100*time.Millisecond, 2*time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{10, 2 * time.Second},
	}
	for _, c := range cases {
		for range 20 {
			got := ExponentialJitter(base, max, c.attempt)
			lo := c.want - c.want/5
			hi := c.want + c.want/5
			if got < lo || got > hi {
				t.Fatalf("attempt %d: got %v, want within [%v, %v]", c.attempt, got, lo, hi)
			}
		}
	}
}

func TestExponentialJitterTinyDuration(t *testing.T) {
	if got := ExponentialJitter(time.Nanosecond, time.Nanosecond, 3); got != time.Nanosecond {
		t.Fatalf("got %v", got)
	}
}
