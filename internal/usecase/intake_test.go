package usecase

import (
	"context"
	"errors"
	"mirrorq/internal/domain"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type claim struct {
	req *domain.Request
	id  string
	err error
}

// scriptQueue replays claims in order and stops the run once exhausted.
type scriptQueue struct {
	claims []claim
	stop   context.CancelFunc
	acked  []string
	dead   map[string]string
}

func (q *scriptQueue) Push(context.Context, domain.Request) (string, error) { return "", nil }

func (q *scriptQueue) Claim(context.Context, string, time.Duration) (*domain.Request, string, error) {
	if len(q.claims) == 0 {
		q.stop()
		return nil, "", nil
	}
	c := q.claims[0]
	q.claims = q.claims[1:]
	return c.req, c.id, c.err
}

func (q *scriptQueue) Ack(_ context.Context, id string) error {
	q.acked = append(q.acked, id)
	return nil
}

func (q *scriptQueue) ToDLQ(_ context.Context, id string, _ domain.Request, reason string) error {
	if q.dead == nil {
		q.dead = map[string]string{}
	}
	q.dead[id] = reason
	return nil
}

type gateSubmitter struct {
	reqs []domain.Request
}

func (s *gateSubmitter) Submit(_ context.Context, req domain.Request) (domain.Handle, error) {
	s.reqs = append(s.reqs, req)
	if req.Owner == "" {
		return domain.Handle{}, domain.ErrInvalidRequest
	}
	return domain.Handle{ID: req.ID, State: domain.StateRunning}, nil
}

func TestIntakeAcksAdmittedAndDeadLettersRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	good := &domain.Request{ID: "a", Kind: domain.KindDownload, Backend: domain.BackendAria2, Owner: "chat", SourceLink: "https://x/a"}
	bad := &domain.Request{ID: "b", Kind: domain.KindDownload, Backend: domain.BackendAria2, SourceLink: "https://x/b"}
	q := &scriptQueue{stop: cancel, claims: []claim{
		{req: good, id: "1-0"},
		{},
		{err: errors.New("connection reset")},
		{req: bad, id: "2-0"},
	}}
	s := &gateSubmitter{}

	err := Intake{Q: q, Submitter: s, ConsumerName: "w1", BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []domain.Request{*good, *bad}, s.reqs)
	require.Equal(t, []string{"1-0"}, q.acked)
	require.Contains(t, q.dead["2-0"], "invalid request")
}

func TestIntakeStopsDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := &scriptQueue{stop: cancel, claims: []claim{{err: errors.New("down")}}}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Intake{Q: q, Submitter: &gateSubmitter{}, BaseBackoff: time.Minute, MaxBackoff: time.Minute}.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), 5*time.Second)
}

type seenSubmitter struct {
	ids map[string]bool
}

func (s *seenSubmitter) Submit(_ context.Context, req domain.Request) (domain.Handle, error) {
	if s.ids[req.ID] {
		return domain.Handle{}, domain.ErrDuplicateTask
	}
	s.ids[req.ID] = true
	return domain.Handle{ID: req.ID, State: domain.StateRunning}, nil
}

func TestIntakeUsesEntryIDForRequestsWithoutID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	anon := domain.Request{Kind: domain.KindDownload, Backend: domain.BackendAria2, Owner: "chat", SourceLink: "https://x/a"}
	first, again := anon, anon
	q := &scriptQueue{stop: cancel, claims: []claim{
		{req: &first, id: "7-0"},
		// reclaimed after a crash between admission and ack
		{req: &again, id: "7-0"},
	}}
	s := &seenSubmitter{ids: map[string]bool{}}

	err := Intake{Q: q, Submitter: s, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, map[string]bool{"7-0": true}, s.ids)
	require.Equal(t, []string{"7-0", "7-0"}, q.acked)
	require.Empty(t, q.dead)
}
