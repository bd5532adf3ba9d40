package qbit

import (
	"context"
	"errors"
	"mirrorq/internal/backend"
	"mirrorq/internal/domain"
	"sync"
	"testing"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/stretchr/testify/require"
)

// stubAPI keeps torrents by tag and lets tests drive their state.
type stubAPI struct {
	mu       sync.Mutex
	addErr   error
	added    map[string]map[string]string
	torrents map[string]qbt.Torrent
	deleted  map[string]bool
}

func newStubAPI() *stubAPI {
	return &stubAPI{added: map[string]map[string]string{}, torrents: map[string]qbt.Torrent{}, deleted: map[string]bool{}}
}

func (s *stubAPI) LoginCtx(context.Context) error { return nil }

func (s *stubAPI) AddTorrentFromUrlCtx(_ context.Context, url string, opts map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return s.addErr
	}
	s.added[opts["tags"]] = opts
	return nil
}

func (s *stubAPI) GetTorrentsCtx(_ context.Context, o qbt.TorrentFilterOptions) ([]qbt.Torrent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.torrents[o.Tag]; ok {
		return []qbt.Torrent{t}, nil
	}
	return nil, nil
}

func (s *stubAPI) DeleteTorrentsCtx(_ context.Context, hashes []string, deleteFiles bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tag, t := range s.torrents {
		for _, h := range hashes {
			if t.Hash == h {
				delete(s.torrents, tag)
				s.deleted[h] = deleteFiles
			}
		}
	}
	return nil
}

func (s *stubAPI) set(tag string, t qbt.Torrent) {
	s.mu.Lock()
	s.torrents[tag] = t
	s.mu.Unlock()
}

type chanReporter chan domain.Outcome

func (c chanReporter) OnTerminal(_ context.Context, _ string, out domain.Outcome) error {
	c <- out
	return nil
}

func waitOutcome(t *testing.T, c chanReporter) domain.Outcome {
	t.Helper()
	select {
	case out := <-c:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal report")
	}
	return domain.Outcome{}
}

var fast = backend.Watcher{Interval: time.Millisecond, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxErrors: 3}

func TestTorrentCompletes(t *testing.T) {
	api := newStubAPI()
	b := New(api, "/dl", fast)
	rep := make(chanReporter, 1)
	task := domain.Task{ID: "t1", SourceLink: "magnet:?xt=urn:btih:abc"}
	api.set("t1", qbt.Torrent{Hash: "abc", Name: "linux.iso", Progress: 0.5, Size: 100, Completed: 50, DlSpeed: 10})

	require.NoError(t, b.Start(context.Background(), task, rep))
	api.mu.Lock()
	require.Equal(t, "/dl/t1", api.added["t1"]["savepath"])
	api.mu.Unlock()

	p, err := b.Status(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, domain.Progress{Name: "linux.iso", Completed: 50, Total: 100, Speed: 10}, p)

	api.set("t1", qbt.Torrent{Hash: "abc", Name: "linux.iso", Progress: 1, ContentPath: "/dl/t1/linux.iso"})
	require.Equal(t, domain.Completed("/dl/t1/linux.iso"), waitOutcome(t, rep))

	api.mu.Lock()
	defer api.mu.Unlock()
	require.False(t, api.deleted["abc"], "completed torrent keeps its files")
}

func TestTorrentErrorFails(t *testing.T) {
	api := newStubAPI()
	b := New(api, "/dl", fast)
	rep := make(chanReporter, 1)
	api.set("t1", qbt.Torrent{Hash: "abc", Name: "x", State: qbt.TorrentStateMissingFiles})

	require.NoError(t, b.Start(context.Background(), domain.Task{ID: "t1", SourceLink: "magnet:?x"}, rep))
	out := waitOutcome(t, rep)
	require.Equal(t, domain.StateFailed, out.State)
	require.Contains(t, out.Reason, "missingFiles")
}

func TestCancelDeletesTorrentAndFiles(t *testing.T) {
	api := newStubAPI()
	b := New(api, "/dl", fast)
	rep := make(chanReporter, 1)
	task := domain.Task{ID: "t1", SourceLink: "magnet:?x"}
	api.set("t1", qbt.Torrent{Hash: "abc", Progress: 0.1})

	require.NoError(t, b.Start(context.Background(), task, rep))
	require.NoError(t, b.Cancel(context.Background(), task))
	require.Equal(t, domain.Cancelled(), waitOutcome(t, rep))

	api.mu.Lock()
	defer api.mu.Unlock()
	require.True(t, api.deleted["abc"])
}

func TestRemovedExternallyFails(t *testing.T) {
	api := newStubAPI()
	b := New(api, "/dl", fast)
	rep := make(chanReporter, 1)
	api.set("t1", qbt.Torrent{Hash: "abc", Progress: 0.1})

	require.NoError(t, b.Start(context.Background(), domain.Task{ID: "t1", SourceLink: "magnet:?x"}, rep))
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.tasks["t1"] != nil && b.tasks["t1"].seen
	}, time.Second, time.Millisecond)
	require.NoError(t, api.DeleteTorrentsCtx(context.Background(), []string{"abc"}, false))

	require.Equal(t, domain.Failed("torrent was removed from qbittorrent"), waitOutcome(t, rep))
}

func TestTorrentThatNeverAppearsFails(t *testing.T) {
	api := newStubAPI()
	b := New(api, "/dl", fast)
	rep := make(chanReporter, 1)
	require.NoError(t, b.Start(context.Background(), domain.Task{ID: "t1", SourceLink: "magnet:?x"}, rep))
	require.Equal(t, domain.Failed("torrent never appeared in qbittorrent"), waitOutcome(t, rep))
}

func TestAddErrorIsReturned(t *testing.T) {
	api := newStubAPI()
	api.addErr = errors.New("torrent file not valid")
	b := New(api, "/dl", fast)
	rep := make(chanReporter, 1)
	err := b.Start(context.Background(), domain.Task{ID: "t1", SourceLink: "magnet:?x"}, rep)
	require.ErrorContains(t, err, "torrent file not valid")

	// the id is free again
	api.addErr = nil
	api.set("t1", qbt.Torrent{Hash: "abc", Progress: 0.1})
	require.NoError(t, b.Start(context.Background(), domain.Task{ID: "t1", SourceLink: "magnet:?x"}, rep))
	require.ErrorIs(t, b.Start(context.Background(), domain.Task{ID: "t1"}, rep), domain.ErrDuplicateTask)
}
