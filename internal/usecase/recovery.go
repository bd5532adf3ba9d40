package usecase

import (
	"context"
	"mirrorq/internal/domain"
	"mirrorq/internal/ports"
	"slices"

	"github.com/rs/zerolog/log"
)

type Drainer interface {
	DrainIncompleteTasks(ctx context.Context) ([]domain.IncompleteTask, error)
}

// Recovery tells owners about tasks the previous process never finished.
// Tasks are not resumed; the ledger is emptied and each owner gets one
// message listing their interrupted links grouped by tag.
type Recovery struct {
	Ledger   Drainer
	Notifier ports.Notifier
}

// Run must complete before the controller admits its first task, otherwise
// new records could be drained as if they were interrupted.
func (r Recovery) Run(ctx context.Context) (int, error) {
	recs, err := r.Ledger.DrainIncompleteTasks(ctx)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		log.Ctx(ctx).Info().Msg("no interrupted tasks")
		return 0, nil
	}

	byOwner := map[string]map[string][]domain.IncompleteTask{}
	for _, rec := range recs {
		tags, ok := byOwner[rec.Owner]
		if !ok {
			tags = map[string][]domain.IncompleteTask{}
			byOwner[rec.Owner] = tags
		}
		tags[rec.Tag] = append(tags[rec.Tag], rec)
	}

	owners := make([]string, 0, len(byOwner))
	for o := range byOwner {
		owners = append(owners, o)
	}
	slices.Sort(owners)

	for _, owner := range owners {
		if err := r.Notifier.Interrupted(ctx, owner, byOwner[owner]); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("owner", owner).Msg("failed to notify owner about interrupted tasks")
		}
	}
	log.Ctx(ctx).Info().Int("tasks", len(recs)).Int("owners", len(owners)).Msg("interrupted tasks reported")
	return len(recs), nil
}
