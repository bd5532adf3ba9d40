package persistence

import (
	"context"
	"mirrorq/internal/config"
	"mirrorq/internal/domain"
	"mirrorq/internal/infra/redisq"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func openRedis(t *testing.T, policy Policy) (*Gateway, *miniredis.Miniredis, string) {
	t.Helper()
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	store := redisq.New(config.Redis{Addr: mr.Addr(), KeyPrefix: "bot"})
	g, err := Open(context.Background(), store, Options{BotID: "bot1", DataDir: dir, Policy: policy})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g, mr, dir
}

func openUnreachable(t *testing.T, policy Policy) (*Gateway, error) {
	t.Helper()
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	store := redisq.New(config.Redis{Addr: addr})
	t.Cleanup(func() { _ = store.Close() })
	return Open(context.Background(), store, Options{BotID: "bot1", DataDir: t.TempDir(), Policy: policy})
}

func TestHealthyLedgerRoundTrip(t *testing.T) {
	g, _, _ := openRedis(t, FailOpen)
	ctx := context.Background()
	require.Equal(t, ModeHealthy, g.Mode())

	rec := domain.IncompleteTask{ID: "t1", Owner: "chat", SourceLink: "magnet:?1", Tag: "@a", OriginRef: "m/1"}
	require.NoError(t, g.RecordIncompleteTask(ctx, rec))
	require.NoError(t, g.RecordIncompleteTask(ctx, domain.IncompleteTask{ID: "t2", Owner: "chat"}))
	require.NoError(t, g.ClearIncompleteTask(ctx, "t2"))
	require.NoError(t, g.ClearIncompleteTask(ctx, "never-recorded"))

	recs, err := g.DrainIncompleteTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, []domain.IncompleteTask{rec}, recs)

	recs, err = g.DrainIncompleteTasks(ctx)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestDegradedGatewayIsNoop(t *testing.T) {
	g, err := openUnreachable(t, FailOpen)
	require.NoError(t, err)
	require.Equal(t, ModeDegraded, g.Mode())
	require.Error(t, g.Cause())

	ctx := context.Background()
	require.NoError(t, g.RecordIncompleteTask(ctx, domain.IncompleteTask{ID: "t1"}))
	require.NoError(t, g.ClearIncompleteTask(ctx, "t1"))
	require.NoError(t, g.UpsertSettings(ctx, domain.Settings{}))
	require.NoError(t, g.AddContact(ctx, "1"))

	recs, err := g.DrainIncompleteTasks(ctx)
	require.NoError(t, err)
	require.Empty(t, recs)

	users, err := g.RestoreUsers(ctx)
	require.NoError(t, err)
	require.Empty(t, users)
}

func TestFailClosedRefusesToOpen(t *testing.T) {
	g, err := openUnreachable(t, FailClosed)
	require.Error(t, err)
	require.Nil(t, g)
}

func TestDisabledGateway(t *testing.T) {
	dir := t.TempDir()
	g, err := Open(context.Background(), nil, Options{DataDir: dir})
	require.NoError(t, err)
	require.Equal(t, ModeDisabled, g.Mode())
	require.NoError(t, g.Close())

	ctx := context.Background()
	require.NoError(t, g.RecordIncompleteTask(ctx, domain.IncompleteTask{ID: "x"}))
	// attachments still land on disk
	require.NoError(t, g.UpsertUserAttachment(ctx, "5", domain.AttachmentThumb, []byte("jpg")))
	data, err := os.ReadFile(filepath.Join(dir, "Thumbnails", "5.jpg"))
	require.NoError(t, err)
	require.Equal(t, []byte("jpg"), data)
}

func TestRestoreUsersWritesAttachments(t *testing.T) {
	g, _, dir := openRedis(t, FailOpen)
	ctx := context.Background()

	require.NoError(t, g.UpsertUserAttachment(ctx, "42", domain.AttachmentThumb, []byte("thumb")))
	require.NoError(t, g.UpsertUserAttachment(ctx, "42", domain.AttachmentRclone, []byte("[remote]")))
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "Thumbnails")))
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "rclone")))

	users, err := g.RestoreUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)

	thumb := users[0].Paths[domain.AttachmentThumb]
	require.Equal(t, filepath.Join(dir, "Thumbnails", "42.jpg"), thumb)
	data, err := os.ReadFile(thumb)
	require.NoError(t, err)
	require.Equal(t, []byte("thumb"), data)

	data, err = os.ReadFile(filepath.Join(dir, "rclone", "42.conf"))
	require.NoError(t, err)
	require.Equal(t, []byte("[remote]"), data)
}

func TestUpsertPrivateFileRefreshesDeployConfig(t *testing.T) {
	g, mr, dir := openRedis(t, FailOpen)
	ctx := context.Background()

	path := filepath.Join(dir, "config.env")
	require.NoError(t, os.WriteFile(path, []byte("BOT_TOKEN=abc\nQUEUE_ALL=3\n"), 0o600))
	require.NoError(t, g.UpsertPrivateFile(ctx, path))

	require.Equal(t, "BOT_TOKEN=abc\nQUEUE_ALL=3\n", mr.HGet("bot:settings:bot1:files", "config__env"))
	require.Equal(t, "3", mr.HGet("bot:settings:bot1:deploy", "QUEUE_ALL"))

	// a missing file is stored as an empty blob
	require.NoError(t, g.UpsertPrivateFile(ctx, filepath.Join(dir, "token.pickle")))
	require.True(t, mr.Exists("bot:settings:bot1:files"))
}

func TestInvalidAttachmentKind(t *testing.T) {
	g, _, _ := openRedis(t, FailOpen)
	err := g.UpsertUserAttachment(context.Background(), "1", domain.AttachmentKind("avatar"), nil)
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestEscapeFileName(t *testing.T) {
	require.Equal(t, "token__pickle", EscapeFileName("token.pickle"))
	require.Equal(t, "accounts__zip", EscapeFileName("accounts.zip"))
}

func TestUnsafeUserIDsNeverLeaveDataDir(t *testing.T) {
	g, mr, dir := openRedis(t, FailOpen)
	ctx := context.Background()

	for _, id := range []string{"../../x", "a/b", `a\b`, "..", ""} {
		err := g.UpsertUserAttachment(ctx, id, domain.AttachmentThumb, []byte("jpg"))
		require.ErrorIs(t, err, domain.ErrInvalidRequest, id)
	}
	_, err := os.Stat(filepath.Join(dir, "..", "x.jpg"))
	require.True(t, os.IsNotExist(err))

	// a tampered store must not redirect restores either
	require.NoError(t, g.UpsertUserAttachment(ctx, "7", domain.AttachmentThumb, []byte("ok")))
	mr.HSet("bot:user:../evil", "thumb", "bad")
	_, err = mr.SAdd("bot:users", "../evil")
	require.NoError(t, err)

	users, err := g.RestoreUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "7", users[0].ID)
	_, err = os.Stat(filepath.Join(dir, "evil.jpg"))
	require.True(t, os.IsNotExist(err))
}
