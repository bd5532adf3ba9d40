package backend

import (
	"context"
	"fmt"
	"io"
	"mirrorq/internal/domain"
	"mirrorq/internal/ports"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Meter tracks the progress of one job.
type Meter struct {
	name  atomic.Value
	done  atomic.Int64
	total atomic.Int64
}

func (m *Meter) SetName(name string) { m.name.Store(name) }
func (m *Meter) AddTotal(n int64)    { m.total.Add(n) }
func (m *Meter) Add(n int64)         { m.done.Add(n) }

// Reader counts bytes read from r into the meter.
func (m *Meter) Reader(r io.Reader) io.Reader { return &meteredReader{r: r, m: m} }

func (m *Meter) progress() domain.Progress {
	name, _ := m.name.Load().(string)
	return domain.Progress{Name: name, Completed: m.done.Load(), Total: m.total.Load()}
}

type meteredReader struct {
	r io.Reader
	m *Meter
}

func (r *meteredReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.m.Add(int64(n))
	return n, err
}

// JobFunc performs a transfer and returns a reference to the artifact.
type JobFunc func(ctx context.Context, m *Meter) (string, error)

// Jobs runs one goroutine per transfer and reports each exactly once.
type Jobs struct {
	mu      sync.Mutex
	running map[string]*job
}

type job struct {
	cancel    context.CancelFunc
	cancelled bool
	meter     *Meter
}

func NewJobs() *Jobs {
	return &Jobs{running: make(map[string]*job)}
}

// Go starts fn for t. A job that fails after Cancel is reported cancelled;
// one that still completes is reported completed. If ctx ends first the
// process is shutting down and nothing is reported, which leaves the
// ledger record in place.
func (j *Jobs) Go(ctx context.Context, t domain.Task, rep ports.Reporter, fn JobFunc) error {
	jctx, cancel := context.WithCancel(ctx)
	jb := &job{cancel: cancel, meter: &Meter{}}

	j.mu.Lock()
	if _, ok := j.running[t.ID]; ok {
		j.mu.Unlock()
		cancel()
		return fmt.Errorf("job %s: %w", t.ID, domain.ErrDuplicateTask)
	}
	j.running[t.ID] = jb
	j.mu.Unlock()

	go func() {
		defer cancel()
		ref, err := fn(jctx, jb.meter)
		requested := j.finish(t.ID)

		var out domain.Outcome
		switch {
		case err == nil:
			out = domain.Completed(ref)
		case ctx.Err() != nil:
			log.Info().Str("task", t.ID).Msg("job abandoned on shutdown")
			return
		case requested:
			out = domain.Cancelled()
		default:
			out = domain.Failed(err.Error())
		}
		report(ctx, rep, t.ID, out)
	}()
	return nil
}

func (j *Jobs) Cancel(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	jb, ok := j.running[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	jb.cancelled = true
	jb.cancel()
	return nil
}

func (j *Jobs) Progress(id string) (domain.Progress, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	jb, ok := j.running[id]
	if !ok {
		return domain.Progress{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return jb.meter.progress(), nil
}

func (j *Jobs) finish(id string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	jb := j.running[id]
	delete(j.running, id)
	return jb != nil && jb.cancelled
}
