package backend

import (
	"context"
	"fmt"
	"mirrorq/internal/domain"
	"mirrorq/internal/ports"
	"mirrorq/pkg/backoff"
	"time"

	"github.com/rs/zerolog/log"
)

// Probe inspects a transfer once. done reports that out is final.
type Probe func(ctx context.Context) (out domain.Outcome, done bool, err error)

// Watcher polls a probe until it yields a final outcome and reports it.
// Probe errors back off exponentially; after MaxErrors consecutive errors the
// task is reported failed. When ctx ends nothing is reported.
type Watcher struct {
	Interval    time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxErrors   int
}

func (w Watcher) Watch(ctx context.Context, id string, probe Probe, rep ports.Reporter) {
	interval := w.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		out, done, err := probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			log.Warn().Err(err).Str("task", id).Int("failures", failures).Msg("status probe failed")
			if w.MaxErrors > 0 && failures >= w.MaxErrors {
				report(ctx, rep, id, domain.Failed(fmt.Sprintf("backend unreachable: %v", err)))
				return
			}
			if !sleep(ctx, backoff.ExponentialJitter(w.BaseBackoff, w.MaxBackoff, failures)) {
				return
			}
			continue
		}
		if done {
			report(ctx, rep, id, out)
			return
		}
		failures = 0

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func report(ctx context.Context, rep ports.Reporter, id string, out domain.Outcome) {
	if err := rep.OnTerminal(ctx, id, out); err != nil {
		log.Warn().Err(err).Str("task", id).Msg("terminal report rejected")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
