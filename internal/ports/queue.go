package ports

import (
	"context"
	"mirrorq/internal/domain"
	"time"
)

// Intake is a durable queue of submission requests written by the chat
// frontend.
type Intake interface {
	Push(ctx context.Context, req domain.Request) (string, error)
	// Claim returns the next request for consumer, or nil when none arrived
	// within block.
	Claim(ctx context.Context, consumer string, block time.Duration) (*domain.Request, string /*streamID*/, error)
	Ack(ctx context.Context, streamID string) error
	ToDLQ(ctx context.Context, streamID string, req domain.Request, reason string) error
}
