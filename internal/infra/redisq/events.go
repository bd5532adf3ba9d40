package redisq

import (
	"context"
	"encoding/json"
	"mirrorq/internal/domain"
	"mirrorq/internal/ports"

	"github.com/redis/go-redis/v9"
)

// Events publishes owner notifications to a redis stream read by the chat
// frontend.
type Events struct {
	C *Client
}

var _ ports.Notifier = Events{}

type interruptedPayload struct {
	Owner string                             `json:"owner"`
	Tags  map[string][]domain.IncompleteTask `json:"tags"`
}

func (e Events) Interrupted(ctx context.Context, owner string, byTag map[string][]domain.IncompleteTask) error {
	return e.publish(ctx, "interrupted", owner, interruptedPayload{Owner: owner, Tags: byTag})
}

func (e Events) Terminal(ctx context.Context, ev domain.Event) error {
	return e.publish(ctx, "terminal", ev.Task.Owner, ev)
}

func (e Events) publish(ctx context.Context, typ, owner string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return e.C.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: e.C.key(e.C.Cfg.EventsStream),
		MaxLen: e.C.Cfg.EventsMaxLen,
		Approx: true,
		Values: map[string]interface{}{"type": typ, "owner": owner, "event": b},
	}).Err()
}
