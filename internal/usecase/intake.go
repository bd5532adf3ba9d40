package usecase

import (
	"context"
	"errors"
	"mirrorq/internal/domain"
	"mirrorq/internal/ports"
	"mirrorq/pkg/backoff"
	"time"

	"github.com/rs/zerolog/log"
)

// Intake feeds requests from the durable request stream into the
// controller. A request the controller rejects is moved to the dead letter
// stream; it would be rejected again on every redelivery.
type Intake struct {
	Q            ports.Intake
	Submitter    Submitter
	ConsumerName string
	Block        time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

func (in Intake) Run(ctx context.Context) error {
	block := in.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, id, err := in.Q.Claim(ctx, in.ConsumerName, block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			delay := backoff.ExponentialJitter(in.BaseBackoff, in.MaxBackoff, failures)
			log.Ctx(ctx).Warn().Err(err).Dur("retry_in", delay).Msg("failed to claim request")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		failures = 0
		if req == nil {
			continue
		}

		// The entry id names a request across redeliveries, so a request
		// claimed again after a crash is caught as a duplicate.
		fromEntry := req.ID == ""
		if fromEntry {
			req.ID = id
		}
		h, err := in.Submitter.Submit(ctx, *req)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return ctx.Err()
			}
			if fromEntry && errors.Is(err, domain.ErrDuplicateTask) {
				log.Ctx(ctx).Info().Str("task", req.ID).Msg("redelivered request already admitted")
				if err := in.Q.Ack(ctx, id); err != nil {
					log.Ctx(ctx).Error().Err(err).Str("stream_id", id).Msg("failed to ack request")
				}
				continue
			}
			log.Ctx(ctx).Warn().Err(err).Str("stream_id", id).Str("owner", req.Owner).Msg("request rejected")
			if err := in.Q.ToDLQ(ctx, id, *req, err.Error()); err != nil {
				log.Ctx(ctx).Error().Err(err).Str("stream_id", id).Msg("failed to dead letter request")
			}
			continue
		}
		if err := in.Q.Ack(ctx, id); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("stream_id", id).Msg("failed to ack request")
		}
		log.Ctx(ctx).Info().Str("task", h.ID).Str("state", string(h.State)).Str("stream_id", id).Msg("request admitted")
	}
}
