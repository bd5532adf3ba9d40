// Package notify holds owner notifiers that do not depend on a chat
// frontend being attached.
package notify

import (
	"context"
	"errors"
	"mirrorq/internal/domain"
	"mirrorq/internal/ports"
	"sort"

	"github.com/rs/zerolog/log"
)

// Log writes notifications to the process log.
type Log struct{}

var _ ports.Notifier = Log{}

func (Log) Interrupted(ctx context.Context, owner string, byTag map[string][]domain.IncompleteTask) error {
	tags := make([]string, 0, len(byTag))
	for tag := range byTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		for _, rec := range byTag[tag] {
			log.Info().Str("owner", owner).Str("tag", tag).Str("task", rec.ID).
				Str("link", rec.SourceLink).Str("origin", rec.OriginRef).
				Msg("task was interrupted by a restart")
		}
	}
	return nil
}

func (Log) Terminal(ctx context.Context, ev domain.Event) error {
	e := log.Info()
	if ev.Outcome.State == domain.StateFailed {
		e = log.Warn()
	}
	e.Str("owner", ev.Task.Owner).Str("task", ev.Task.ID).Str("state", string(ev.Outcome.State)).
		Str("artifact", ev.Outcome.ArtifactRef).Str("reason", ev.Outcome.Reason).
		Msg("task finished")
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []ports.Notifier

var _ ports.Notifier = Multi(nil)

func (m Multi) Interrupted(ctx context.Context, owner string, byTag map[string][]domain.IncompleteTask) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.Interrupted(ctx, owner, byTag))
	}
	return errors.Join(errs...)
}

func (m Multi) Terminal(ctx context.Context, ev domain.Event) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.Terminal(ctx, ev))
	}
	return errors.Join(errs...)
}
