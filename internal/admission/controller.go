// Package admission decides whether a transfer starts now or waits, and
// promotes waiting transfers when running ones finish.
//
// Two locks are involved. The controller's own mutex covers the pending
// queues, the limits and every check-then-mutate sequence against the
// registry; the registry's mutex covers its map. They are always taken in
// that order. Neither is held while calling a backend or the ledger.
package admission

import (
	"context"
	"fmt"
	"mirrorq/internal/domain"
	"mirrorq/internal/ports"
	"mirrorq/internal/registry"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Ledger is the part of the persistence gateway the controller writes to.
type Ledger interface {
	RecordIncompleteTask(ctx context.Context, rec domain.IncompleteTask) error
	ClearIncompleteTask(ctx context.Context, id string) error
}

type Backends interface {
	Get(kind domain.BackendKind) (ports.Backend, bool)
}

// Observer is called once per terminal task, outside of any lock.
type Observer func(ctx context.Context, ev domain.Event)

type Options struct {
	Limits      domain.Limits
	HistorySize int
	NewID       func() string
	Now         func() time.Time
}

type Controller struct {
	mu      sync.Mutex
	limits  domain.Limits
	pending map[domain.Kind][]domain.Task
	history *history

	// base outlives any single request; backends run their transfers on it.
	base     context.Context
	reg      *registry.Registry
	backends Backends
	ledger   Ledger
	newID    func() string
	now      func() time.Time

	obsMu     sync.RWMutex
	observers []Observer
}

var _ ports.Reporter = (*Controller)(nil)

func New(base context.Context, reg *registry.Registry, backends Backends, ledger Ledger, opts Options) *Controller {
	c := &Controller{
		limits:   opts.Limits,
		pending:  make(map[domain.Kind][]domain.Task),
		history:  newHistory(opts.HistorySize),
		base:     base,
		reg:      reg,
		backends: backends,
		ledger:   ledger,
		newID:    opts.NewID,
		now:      opts.Now,
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

func (c *Controller) Subscribe(o Observer) {
	c.obsMu.Lock()
	c.observers = append(c.observers, o)
	c.obsMu.Unlock()
}

// Submit admits req immediately when the limits allow it, otherwise queues it.
func (c *Controller) Submit(ctx context.Context, req domain.Request) (domain.Handle, error) {
	if err := validate(req); err != nil {
		return domain.Handle{}, err
	}
	if _, ok := c.backends.Get(req.Backend); !ok {
		return domain.Handle{}, fmt.Errorf("%w: %s", domain.ErrUnknownBackend, req.Backend)
	}

	c.mu.Lock()
	id := req.ID
	if id == "" {
		id = c.newID()
	}
	if c.knownLocked(id) {
		c.mu.Unlock()
		log.Ctx(ctx).Error().Str("task", id).Msg("rejected submission with duplicate task id")
		return domain.Handle{}, fmt.Errorf("submit %s: %w", id, domain.ErrDuplicateTask)
	}

	t := newTask(id, req, c.now())
	if !c.admitLocked(t.Kind, t.Owner) {
		c.pending[t.Kind] = append(c.pending[t.Kind], t)
		depth := len(c.pending[t.Kind])
		c.mu.Unlock()

		log.Ctx(ctx).Info().Str("task", id).Str("kind", string(t.Kind)).Str("owner", t.Owner).
			Int("position", depth).Msg("task queued")
		return domain.Handle{ID: id, State: domain.StateQueued}, nil
	}
	t = c.runLocked(t)
	c.mu.Unlock()

	log.Ctx(ctx).Info().Str("task", id).Str("kind", string(t.Kind)).Str("backend", string(t.Backend)).
		Str("owner", t.Owner).Msg("task admitted")
	c.launch(t)
	return domain.Handle{ID: id, State: domain.StateRunning}, nil
}

// OnTerminal records the final outcome of a running task and promotes at
// most one queued task into the capacity it frees.
func (c *Controller) OnTerminal(ctx context.Context, id string, out domain.Outcome) error {
	if !out.State.IsTerminal() {
		return fmt.Errorf("task %s: %w: %q", id, domain.ErrInvalidOutcome, out.State)
	}

	c.mu.Lock()
	t, err := c.reg.Unregister(id)
	if err != nil {
		c.mu.Unlock()
		log.Warn().Str("task", id).Str("state", string(out.State)).Msg("terminal outcome for unknown task ignored")
		return err
	}
	t.State = out.State
	t.FinishedAt = c.now()
	t.Outcome = &out
	c.history.add(t)
	promoted, ok := c.promoteLocked(t.Kind)
	c.mu.Unlock()

	if err := c.ledger.ClearIncompleteTask(ctx, id); err != nil {
		log.Warn().Err(err).Str("task", id).Msg("failed to clear incomplete task record")
	}

	ev := log.Info()
	if out.State == domain.StateFailed {
		ev = log.Warn().Str("reason", out.Reason)
	}
	ev.Str("task", id).Str("state", string(out.State)).Str("artifact", out.ArtifactRef).Msg("task finished")

	c.emit(ctx, domain.Event{Task: t, Outcome: out})
	if ok {
		log.Info().Str("task", promoted.ID).Str("owner", promoted.Owner).Msg("queued task promoted")
		c.launch(promoted)
	}
	return nil
}

// Cancel removes a queued task outright. For a running task it asks the
// backend to stop; capacity is released only when the backend reports.
func (c *Controller) Cancel(ctx context.Context, id string) error {
	c.mu.Lock()
	if t, ok := c.dequeueLocked(id); ok {
		out := domain.Cancelled()
		t.State = out.State
		t.FinishedAt = c.now()
		t.Outcome = &out
		c.history.add(t)
		c.mu.Unlock()

		log.Ctx(ctx).Info().Str("task", id).Msg("queued task cancelled")
		c.emit(ctx, domain.Event{Task: t, Outcome: out})
		return nil
	}

	var (
		t                 domain.Task
		started, repeated bool
	)
	err := c.reg.Update(id, func(rt *domain.Task) {
		repeated = rt.CancelRequested
		started = rt.Started
		rt.CancelRequested = true
		t = *rt
	})
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, domain.ErrNotFound)
	}

	log.Ctx(ctx).Info().Str("task", id).Bool("started", started).Msg("cancellation requested")
	if repeated || !started {
		// launch forwards the request once Start has returned
		return nil
	}
	c.cancelBackend(ctx, t)
	return nil
}

// SetLimits replaces the limits. Running tasks are left alone; queued tasks
// are promoted into any capacity the new limits open up.
func (c *Controller) SetLimits(l domain.Limits) {
	c.mu.Lock()
	c.limits = l
	var promoted []domain.Task
	for _, k := range []domain.Kind{domain.KindDownload, domain.KindUpload} {
		for {
			t, ok := c.promoteLocked(k)
			if !ok {
				break
			}
			promoted = append(promoted, t)
		}
	}
	c.mu.Unlock()

	log.Info().Int("max_downloads", l.MaxDownloads).Int("max_uploads", l.MaxUploads).
		Int("max_per_user", l.MaxPerUser).Int("promoted", len(promoted)).Msg("limits updated")
	for _, t := range promoted {
		c.launch(t)
	}
}

func (c *Controller) Limits() domain.Limits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limits
}

// Lookup finds a task among running, queued and recently finished ones.
func (c *Controller) Lookup(id string) (domain.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.reg.Get(id); ok {
		return t, true
	}
	for _, q := range c.pending {
		if i := indexOf(q, id); i >= 0 {
			return q[i], true
		}
	}
	return c.history.get(id)
}

// Tasks lists running, then queued, then finished tasks. An empty owner
// matches everyone.
func (c *Controller) Tasks(owner string) []domain.Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []domain.Task
	if owner == "" {
		out = c.reg.List()
	} else {
		out = c.reg.ListByOwner(owner)
	}
	for _, k := range []domain.Kind{domain.KindDownload, domain.KindUpload} {
		for _, t := range c.pending[k] {
			if owner == "" || t.Owner == owner {
				out = append(out, t)
			}
		}
	}
	for _, t := range c.history.list() {
		if owner == "" || t.Owner == owner {
			out = append(out, t)
		}
	}
	return out
}

// Pending returns the queue of kind in promotion order.
func (c *Controller) Pending(kind domain.Kind) []domain.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.pending[kind])
}

type Stats struct {
	Running int `json:"running"`
	Queued  int `json:"queued"`
}

func (c *Controller) Stats() map[domain.Kind]Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[domain.Kind]Stats, 2)
	for _, k := range []domain.Kind{domain.KindDownload, domain.KindUpload} {
		out[k] = Stats{Running: c.reg.CountRunning(k), Queued: len(c.pending[k])}
	}
	return out
}

// launch persists the ledger record and starts the backend. It runs with no
// lock held.
func (c *Controller) launch(t domain.Task) {
	ctx := c.base
	if err := c.ledger.RecordIncompleteTask(ctx, domain.IncompleteFromTask(t)); err != nil {
		log.Warn().Err(err).Str("task", t.ID).Msg("failed to record incomplete task")
	}

	b, ok := c.backends.Get(t.Backend)
	if !ok {
		_ = c.OnTerminal(ctx, t.ID, domain.Failed(fmt.Sprintf("backend %s unavailable", t.Backend)))
		return
	}
	if err := b.Start(ctx, t, c); err != nil {
		log.Error().Err(err).Str("task", t.ID).Str("backend", string(t.Backend)).Msg("backend failed to start task")
		_ = c.OnTerminal(ctx, t.ID, domain.Failed(err.Error()))
		return
	}

	var (
		cur     domain.Task
		forward bool
	)
	err := c.reg.Update(t.ID, func(rt *domain.Task) {
		rt.Started = true
		forward = rt.CancelRequested
		cur = *rt
	})
	if err == nil && forward {
		c.cancelBackend(ctx, cur)
	}
}

func (c *Controller) cancelBackend(ctx context.Context, t domain.Task) {
	b, ok := c.backends.Get(t.Backend)
	if !ok {
		return
	}
	if err := b.Cancel(ctx, t); err != nil {
		log.Warn().Err(err).Str("task", t.ID).Msg("backend cancel failed")
	}
}

func (c *Controller) emit(ctx context.Context, ev domain.Event) {
	c.obsMu.RLock()
	obs := slices.Clone(c.observers)
	c.obsMu.RUnlock()

	for _, o := range obs {
		o(ctx, ev)
	}
}

func (c *Controller) knownLocked(id string) bool {
	if _, ok := c.reg.Get(id); ok {
		return true
	}
	for _, q := range c.pending {
		if indexOf(q, id) >= 0 {
			return true
		}
	}
	return c.history.seen(id)
}

func (c *Controller) admitLocked(kind domain.Kind, owner string) bool {
	return c.globalRoomLocked(kind) && c.ownerRoomLocked(kind, owner)
}

func (c *Controller) globalRoomLocked(kind domain.Kind) bool {
	limit := c.limits.Global(kind)
	return limit <= 0 || c.reg.CountRunning(kind) < limit
}

func (c *Controller) ownerRoomLocked(kind domain.Kind, owner string) bool {
	limit := c.limits.MaxPerUser
	return limit <= 0 || c.reg.CountRunningForOwner(kind, owner) < limit
}

// promoteLocked moves the oldest queued task of kind whose owner is below the
// per-user limit into the running set. Owners at their limit are skipped,
// which keeps the relative order of each owner's own entries.
func (c *Controller) promoteLocked(kind domain.Kind) (domain.Task, bool) {
	if !c.globalRoomLocked(kind) {
		return domain.Task{}, false
	}
	q := c.pending[kind]
	for i, t := range q {
		if !c.ownerRoomLocked(kind, t.Owner) {
			continue
		}
		c.pending[kind] = slices.Delete(q, i, i+1)
		return c.runLocked(t), true
	}
	return domain.Task{}, false
}

func (c *Controller) runLocked(t domain.Task) domain.Task {
	t.State = domain.StateRunning
	t.StartedAt = c.now()
	if err := c.reg.Register(t); err != nil {
		// knownLocked ran under the same lock, so this is a bug
		panic(fmt.Sprintf("admission: %v", err))
	}
	return t
}

func (c *Controller) dequeueLocked(id string) (domain.Task, bool) {
	for k, q := range c.pending {
		if i := indexOf(q, id); i >= 0 {
			t := q[i]
			c.pending[k] = slices.Delete(q, i, i+1)
			return t, true
		}
	}
	return domain.Task{}, false
}

func indexOf(q []domain.Task, id string) int {
	return slices.IndexFunc(q, func(t domain.Task) bool { return t.ID == id })
}

func newTask(id string, req domain.Request, now time.Time) domain.Task {
	return domain.Task{
		ID:          id,
		Kind:        req.Kind,
		Backend:     req.Backend,
		Owner:       req.Owner,
		State:       domain.StateQueued,
		Tag:         req.Tag,
		SourceLink:  req.SourceLink,
		OriginRef:   req.OriginRef,
		Destination: req.Destination,
		UploadTo:    req.UploadTo,
		Options:     req.Options,
		CreatedAt:   now,
	}
}

func validate(req domain.Request) error {
	switch {
	case !req.Kind.Valid():
		return fmt.Errorf("%w: kind %q", domain.ErrInvalidRequest, req.Kind)
	case strings.TrimSpace(req.Owner) == "":
		return fmt.Errorf("%w: owner is required", domain.ErrInvalidRequest)
	case strings.TrimSpace(req.SourceLink) == "":
		return fmt.Errorf("%w: source link is required", domain.ErrInvalidRequest)
	}
	return nil
}
