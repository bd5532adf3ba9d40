package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mirrorq/internal/domain"
	"mirrorq/internal/ports"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var _ ports.Intake = (*Client)(nil)

// Init creates the intake consumer group, and the stream with it.
func (c *Client) Init(ctx context.Context) error {
	err := c.Rdb.XGroupCreateMkStream(ctx, c.streamKey(), c.Cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (c *Client) streamKey() string { return c.key(c.Cfg.StreamKey) }

func (c *Client) Push(ctx context.Context, req domain.Request) (string, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return c.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.streamKey(),
		Values: map[string]interface{}{"request": b},
	}).Result()
}

// Claim first takes over requests another consumer left pending for longer
// than ClaimMinIdle, then reads new ones. Undecodable entries go straight to
// the dead letter stream.
func (c *Client) Claim(ctx context.Context, consumer string, block time.Duration) (*domain.Request, string, error) {
	msg, ok, err := c.reclaim(ctx, consumer)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		res, err := c.Rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.Cfg.Group,
			Consumer: consumer,
			Streams:  []string{c.streamKey(), ">"},
			Count:    1,
			Block:    block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, "", nil
			}
			return nil, "", err
		}
		if len(res) == 0 || len(res[0].Messages) == 0 {
			return nil, "", nil
		}
		msg = res[0].Messages[0]
	}

	var req domain.Request
	var raw []byte
	switch v := msg.Values["request"].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return nil, "", c.deadLetter(ctx, msg.ID, fmt.Sprint(v), fmt.Sprintf("unexpected request type: %T", v))
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, "", c.deadLetter(ctx, msg.ID, string(raw), err.Error())
	}
	return &req, msg.ID, nil
}

func (c *Client) reclaim(ctx context.Context, consumer string) (redis.XMessage, bool, error) {
	if c.Cfg.ClaimMinIdle <= 0 {
		return redis.XMessage{}, false, nil
	}
	msgs, _, err := c.Rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.streamKey(),
		Group:    c.Cfg.Group,
		Consumer: consumer,
		MinIdle:  c.Cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		return redis.XMessage{}, false, fmt.Errorf("reclaim: %w", err)
	}
	if len(msgs) == 0 {
		return redis.XMessage{}, false, nil
	}
	log.Ctx(ctx).Warn().Str("stream_id", msgs[0].ID).Msg("reclaimed stale request")
	return msgs[0], true, nil
}

func (c *Client) Ack(ctx context.Context, streamID string) error {
	return c.Rdb.XAck(ctx, c.streamKey(), c.Cfg.Group, streamID).Err()
}

func (c *Client) ToDLQ(ctx context.Context, streamID string, req domain.Request, reason string) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.deadLetter(ctx, streamID, string(b), reason)
}

func (c *Client) deadLetter(ctx context.Context, streamID, request, reason string) error {
	if err := c.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.key(c.Cfg.DLQStreamKey),
		Values: map[string]interface{}{"request": request, "reason": reason, "stream_id": streamID},
	}).Err(); err != nil {
		return err
	}
	return c.Ack(ctx, streamID)
}
