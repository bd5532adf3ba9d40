package registry

import (
	"fmt"
	"mirrorq/internal/domain"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func task(id string, kind domain.Kind, owner string, at time.Time) domain.Task {
	return domain.Task{ID: id, Kind: kind, Owner: owner, State: domain.StateRunning, CreatedAt: at}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := New()
	now := time.Now()

	require.NoError(t, r.Register(task("a", domain.KindDownload, "u1", now)))
	err := r.Register(task("a", domain.KindUpload, "u2", now))
	require.ErrorIs(t, err, domain.ErrDuplicateTask)

	got, ok := r.Get("a")
	require.True(t, ok)
	require.Equal(t, domain.KindDownload, got.Kind)
}

func TestUnregister(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(task("a", domain.KindDownload, "u1", time.Now())))

	got, err := r.Unregister("a")
	require.NoError(t, err)
	require.Equal(t, "a", got.ID)

	_, err = r.Unregister("a")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, ok := r.Get("a")
	require.False(t, ok)
}

func TestCounts(t *testing.T) {
	r := New()
	now := time.Now()
	require.NoError(t, r.Register(task("d1", domain.KindDownload, "u1", now)))
	require.NoError(t, r.Register(task("d2", domain.KindDownload, "u2", now)))
	require.NoError(t, r.Register(task("d3", domain.KindDownload, "u1", now)))
	require.NoError(t, r.Register(task("up", domain.KindUpload, "u1", now)))

	require.Equal(t, 3, r.CountRunning(domain.KindDownload))
	require.Equal(t, 1, r.CountRunning(domain.KindUpload))
	require.Equal(t, 2, r.CountRunningForOwner(domain.KindDownload, "u1"))
	require.Equal(t, 0, r.CountRunningForOwner(domain.KindUpload, "u2"))
	require.Equal(t, 4, r.Len())
}

func TestListByOwnerIsOrderedSnapshot(t *testing.T) {
	r := New()
	base := time.Now()
	require.NoError(t, r.Register(task("late", domain.KindDownload, "u1", base.Add(2*time.Second))))
	require.NoError(t, r.Register(task("early", domain.KindDownload, "u1", base)))
	require.NoError(t, r.Register(task("other", domain.KindDownload, "u2", base)))

	got := r.ListByOwner("u1")
	require.Len(t, got, 2)
	require.Equal(t, "early", got[0].ID)
	require.Equal(t, "late", got[1].ID)

	// mutating the snapshot leaves the registry alone
	got[0].Owner = "changed"
	stored, _ := r.Get("early")
	require.Equal(t, "u1", stored.Owner)
}

func TestUpdate(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(task("a", domain.KindDownload, "u1", time.Now())))

	require.NoError(t, r.Update("a", func(t *domain.Task) {
		t.CancelRequested = true
		t.ID = "hijack"
	}))
	got, ok := r.Get("a")
	require.True(t, ok)
	require.True(t, got.CancelRequested)

	require.ErrorIs(t, r.Update("missing", func(*domain.Task) {}), domain.ErrNotFound)
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("t%d", i)
			_ = r.Register(task(id, domain.KindDownload, "u", time.Now()))
			_ = r.List()
			_ = r.CountRunning(domain.KindDownload)
			if i%2 == 0 {
				_, _ = r.Unregister(id)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 25, r.Len())
}
