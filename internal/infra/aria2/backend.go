package aria2

import (
	"context"
	"fmt"
	"maps"
	"mirrorq/internal/backend"
	"mirrorq/internal/domain"
	"mirrorq/internal/ports"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// Backend downloads direct links through aria2. Metalink and torrent
// downloads hand over to follow-up gids, which are tracked transparently.
type Backend struct {
	client  *Client
	dir     string
	watcher backend.Watcher

	mu   sync.Mutex
	gids map[string]string
}

var _ ports.Backend = (*Backend)(nil)

func New(client *Client, downloadDir string, w backend.Watcher) *Backend {
	return &Backend{client: client, dir: downloadDir, watcher: w, gids: make(map[string]string)}
}

func (b *Backend) Kind() domain.BackendKind { return domain.BackendAria2 }

func (b *Backend) Start(ctx context.Context, t domain.Task, rep ports.Reporter) error {
	opts := maps.Clone(t.Options)
	if opts == nil {
		opts = map[string]string{}
	}
	dir := t.Destination
	if dir == "" {
		dir = filepath.Join(b.dir, t.ID)
	}
	opts["dir"] = dir

	gid, err := b.client.AddURI(ctx, t.SourceLink, opts)
	if err != nil {
		return fmt.Errorf("aria2 add %s: %w", t.SourceLink, err)
	}
	b.setGID(t.ID, gid)
	log.Info().Str("task", t.ID).Str("gid", gid).Msg("aria2 download added")

	go func() {
		b.watcher.Watch(ctx, t.ID, b.probe(t.ID), rep)
		b.mu.Lock()
		delete(b.gids, t.ID)
		b.mu.Unlock()
	}()
	return nil
}

func (b *Backend) Cancel(ctx context.Context, t domain.Task) error {
	gid, ok := b.gid(t.ID)
	if !ok {
		return fmt.Errorf("aria2 task %s: %w", t.ID, domain.ErrNotFound)
	}
	return b.client.ForceRemove(ctx, gid)
}

func (b *Backend) Status(ctx context.Context, t domain.Task) (domain.Progress, error) {
	gid, ok := b.gid(t.ID)
	if !ok {
		return domain.Progress{}, fmt.Errorf("aria2 task %s: %w", t.ID, domain.ErrNotFound)
	}
	st, err := b.client.TellStatus(ctx, gid)
	if err != nil {
		return domain.Progress{}, err
	}
	p := domain.Progress{
		Completed: atoi(st.CompletedLength),
		Total:     atoi(st.TotalLength),
		Speed:     atoi(st.DownloadSpeed),
	}
	if len(st.Files) > 0 {
		p.Name = filepath.Base(st.Files[0].Path)
	}
	return p, nil
}

// probe maps one tellStatus result onto an outcome.
func (b *Backend) probe(id string) backend.Probe {
	return func(ctx context.Context) (domain.Outcome, bool, error) {
		gid, ok := b.gid(id)
		if !ok {
			return domain.Failed("download vanished"), true, nil
		}
		st, err := b.client.TellStatus(ctx, gid)
		if err != nil {
			return domain.Outcome{}, false, err
		}

		switch st.Status {
		case "complete":
			if len(st.FollowedBy) > 0 {
				next := st.FollowedBy[0]
				log.Debug().Str("task", id).Str("gid", gid).Str("next", next).Msg("aria2 download followed by new gid")
				b.setGID(id, next)
				b.forget(ctx, gid)
				return domain.Outcome{}, false, nil
			}
			b.forget(ctx, gid)
			ref := st.Dir
			if len(st.Files) > 0 && st.Files[0].Path != "" {
				ref = st.Files[0].Path
			}
			return domain.Completed(ref), true, nil
		case "error":
			b.forget(ctx, gid)
			reason := st.ErrorMessage
			if reason == "" {
				reason = "aria2 download error"
			}
			return domain.Failed(reason), true, nil
		case "removed":
			b.forget(ctx, gid)
			return domain.Cancelled(), true, nil
		}
		return domain.Outcome{}, false, nil
	}
}

func (b *Backend) forget(ctx context.Context, gid string) {
	if err := b.client.RemoveDownloadResult(ctx, gid); err != nil {
		log.Debug().Err(err).Str("gid", gid).Msg("aria2 removeDownloadResult failed")
	}
}

func (b *Backend) gid(id string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	gid, ok := b.gids[id]
	return gid, ok
}

func (b *Backend) setGID(id, gid string) {
	b.mu.Lock()
	b.gids[id] = gid
	b.mu.Unlock()
}
