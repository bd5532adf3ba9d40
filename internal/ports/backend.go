package ports

import (
	"context"
	"mirrorq/internal/domain"
)

// Reporter receives the terminal outcome of a task. Adapters call it exactly
// once per started task.
type Reporter interface {
	OnTerminal(ctx context.Context, id string, out domain.Outcome) error
}

// Backend is one transfer engine. Start begins the transfer and returns;
// completion arrives later through the Reporter. When Start returns an error
// the adapter must not report the task.
type Backend interface {
	Kind() domain.BackendKind
	Start(ctx context.Context, t domain.Task, rep Reporter) error
	// Cancel is best effort; the adapter still reports Cancelled or Failed.
	Cancel(ctx context.Context, t domain.Task) error
	Status(ctx context.Context, t domain.Task) (domain.Progress, error)
}
