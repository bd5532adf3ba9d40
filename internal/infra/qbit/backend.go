// Package qbit downloads torrents and magnets through a qBittorrent WebUI.
package qbit

import (
	"context"
	"fmt"
	"maps"
	"mirrorq/internal/backend"
	"mirrorq/internal/config"
	"mirrorq/internal/domain"
	"mirrorq/internal/ports"
	"path/filepath"
	"sync"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"
)

// API is the part of the qBittorrent client the backend uses.
type API interface {
	LoginCtx(ctx context.Context) error
	AddTorrentFromUrlCtx(ctx context.Context, url string, options map[string]string) error
	GetTorrentsCtx(ctx context.Context, o qbt.TorrentFilterOptions) ([]qbt.Torrent, error)
	DeleteTorrentsCtx(ctx context.Context, hashes []string, deleteFiles bool) error
}

var _ API = (*qbt.Client)(nil)

func NewClient(cfg config.Qbit) *qbt.Client {
	log.Info().Msgf("using qbittorrent at %s", cfg.Host)
	return qbt.NewClient(qbt.Config{Host: cfg.Host, Username: cfg.Username, Password: cfg.Password})
}

// addGrace is how many polls a freshly added torrent may stay invisible
// while qBittorrent resolves its metadata.
const addGrace = 20

type Backend struct {
	api     API
	dir     string
	watcher backend.Watcher

	mu    sync.Mutex
	tasks map[string]*tracked
}

type tracked struct {
	seen      bool
	misses    int
	cancelled bool
}

var _ ports.Backend = (*Backend)(nil)

func New(api API, downloadDir string, w backend.Watcher) *Backend {
	return &Backend{api: api, dir: downloadDir, watcher: w, tasks: make(map[string]*tracked)}
}

func (b *Backend) Kind() domain.BackendKind { return domain.BackendQbit }

// Login authenticates the WebUI session.
func (b *Backend) Login(ctx context.Context) error {
	if err := b.api.LoginCtx(ctx); err != nil {
		return fmt.Errorf("qbittorrent login: %w", err)
	}
	return nil
}

// Start adds the link tagged with the task id, so the torrent can be found
// again without knowing its hash up front.
func (b *Backend) Start(ctx context.Context, t domain.Task, rep ports.Reporter) error {
	opts := maps.Clone(t.Options)
	if opts == nil {
		opts = map[string]string{}
	}
	dir := t.Destination
	if dir == "" {
		dir = filepath.Join(b.dir, t.ID)
	}
	opts["savepath"] = dir
	opts["tags"] = t.ID

	b.mu.Lock()
	if _, ok := b.tasks[t.ID]; ok {
		b.mu.Unlock()
		return fmt.Errorf("qbittorrent task %s: %w", t.ID, domain.ErrDuplicateTask)
	}
	b.tasks[t.ID] = &tracked{}
	b.mu.Unlock()

	if err := b.api.AddTorrentFromUrlCtx(ctx, t.SourceLink, opts); err != nil {
		b.drop(t.ID)
		return fmt.Errorf("qbittorrent add: %w", err)
	}
	log.Info().Str("task", t.ID).Str("savepath", dir).Msg("torrent added")

	go func() {
		b.watcher.Watch(ctx, t.ID, b.probe(t.ID), rep)
		b.drop(t.ID)
	}()
	return nil
}

func (b *Backend) Cancel(ctx context.Context, t domain.Task) error {
	b.mu.Lock()
	tr, ok := b.tasks[t.ID]
	if ok {
		tr.cancelled = true
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("qbittorrent task %s: %w", t.ID, domain.ErrNotFound)
	}

	torrents, err := b.api.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Tag: t.ID})
	if err != nil {
		return err
	}
	if len(torrents) == 0 {
		return nil
	}
	return b.api.DeleteTorrentsCtx(ctx, hashes(torrents), true)
}

func (b *Backend) Status(ctx context.Context, t domain.Task) (domain.Progress, error) {
	torrents, err := b.api.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Tag: t.ID})
	if err != nil {
		return domain.Progress{}, err
	}
	if len(torrents) == 0 {
		return domain.Progress{}, fmt.Errorf("qbittorrent task %s: %w", t.ID, domain.ErrNotFound)
	}
	tor := torrents[0]
	return domain.Progress{
		Name:      tor.Name,
		Completed: tor.Completed,
		Total:     tor.Size,
		Speed:     tor.DlSpeed,
	}, nil
}

func (b *Backend) probe(id string) backend.Probe {
	return func(ctx context.Context) (domain.Outcome, bool, error) {
		torrents, err := b.api.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Tag: id})
		if err != nil {
			return domain.Outcome{}, false, err
		}

		b.mu.Lock()
		tr := b.tasks[id]
		if tr == nil {
			b.mu.Unlock()
			return domain.Failed("torrent vanished"), true, nil
		}
		if len(torrents) == 0 {
			cancelled, seen := tr.cancelled, tr.seen
			tr.misses++
			misses := tr.misses
			b.mu.Unlock()
			switch {
			case cancelled:
				return domain.Cancelled(), true, nil
			case seen:
				return domain.Failed("torrent was removed from qbittorrent"), true, nil
			case misses > addGrace:
				return domain.Failed("torrent never appeared in qbittorrent"), true, nil
			}
			return domain.Outcome{}, false, nil
		}
		tr.seen = true
		b.mu.Unlock()

		tor := torrents[0]
		switch {
		case tor.State == qbt.TorrentStateError || tor.State == qbt.TorrentStateMissingFiles:
			b.delete(ctx, id, torrents, true)
			return domain.Failed(fmt.Sprintf("torrent %s: %s", tor.Name, tor.State)), true, nil
		case tor.Progress >= 1:
			// the files stay, only the torrent leaves the client
			b.delete(ctx, id, torrents, false)
			ref := tor.ContentPath
			if ref == "" {
				ref = filepath.Join(tor.SavePath, tor.Name)
			}
			return domain.Completed(ref), true, nil
		}
		return domain.Outcome{}, false, nil
	}
}

func (b *Backend) delete(ctx context.Context, id string, torrents []qbt.Torrent, withFiles bool) {
	if err := b.api.DeleteTorrentsCtx(ctx, hashes(torrents), withFiles); err != nil {
		log.Warn().Err(err).Str("task", id).Msg("failed to remove torrent from qbittorrent")
	}
}

func (b *Backend) drop(id string) {
	b.mu.Lock()
	delete(b.tasks, id)
	b.mu.Unlock()
}

func hashes(torrents []qbt.Torrent) []string {
	out := make([]string, len(torrents))
	for i, t := range torrents {
		out[i] = t.Hash
	}
	return out
}
