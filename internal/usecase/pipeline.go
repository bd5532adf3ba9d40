package usecase

import (
	"context"
	"mirrorq/internal/domain"
	"mirrorq/internal/ports"

	"github.com/rs/zerolog/log"
)

type Submitter interface {
	Submit(ctx context.Context, req domain.Request) (domain.Handle, error)
}

// UploadDestinationOption is the task option a download uses to pass the
// destination on to its chained upload.
const UploadDestinationOption = "upload_destination"

// Pipeline chains a completed download into an upload when the download
// asked for one. The upload is an ordinary submission and obeys the upload
// limits.
type Pipeline struct {
	Submitter Submitter
}

func (p Pipeline) Observe(ctx context.Context, ev domain.Event) {
	t := ev.Task
	if t.Kind != domain.KindDownload || t.UploadTo == "" || ev.Outcome.State != domain.StateCompleted {
		return
	}
	h, err := p.Submitter.Submit(ctx, domain.Request{
		Kind:        domain.KindUpload,
		Backend:     t.UploadTo,
		Owner:       t.Owner,
		SourceLink:  ev.Outcome.ArtifactRef,
		Destination: t.Options[UploadDestinationOption],
		Tag:         t.Tag,
		OriginRef:   t.OriginRef,
	})
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("task", t.ID).Str("backend", string(t.UploadTo)).Msg("failed to submit chained upload")
		return
	}
	log.Ctx(ctx).Info().Str("task", t.ID).Str("upload", h.ID).Str("state", string(h.State)).Msg("chained upload submitted")
}

// Notify forwards terminal events to the owner's chat.
type Notify struct {
	Notifier ports.Notifier
}

func (n Notify) Observe(ctx context.Context, ev domain.Event) {
	if err := n.Notifier.Terminal(ctx, ev); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("task", ev.Task.ID).Msg("failed to notify owner")
	}
}
