package ports

import (
	"context"
	"mirrorq/internal/domain"
)

// Notifier delivers messages to task owners through the chat frontend.
type Notifier interface {
	// Interrupted reports tasks that were in flight when the process last
	// stopped, grouped by tag.
	Interrupted(ctx context.Context, owner string, byTag map[string][]domain.IncompleteTask) error
	Terminal(ctx context.Context, ev domain.Event) error
}
