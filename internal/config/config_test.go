package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	c, err := Parse("")
	require.NoError(t, err)

	require.Equal(t, "mirrorq", c.Bot.ID)
	require.Equal(t, "redis", c.Store.Driver)
	require.Equal(t, "fail-open", c.Store.Policy)
	require.Equal(t, 256, c.Queue.HistorySize)
	require.Zero(t, c.Queue.MaxDownloads)
	require.Equal(t, 3*time.Second, c.Watch.Interval)
	require.Equal(t, []string{"*"}, c.API.CORSOrigins)
	require.False(t, c.Drive.Enabled())
	require.False(t, c.Redis.Intake)
	require.Equal(t, "requests:dead", c.Redis.DLQStreamKey)
	require.Equal(t, 5*time.Minute, c.Redis.ClaimMinIdle)
}

func TestParseReadsDotenvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.env")
	require.NoError(t, os.WriteFile(path, []byte(
		"Queue_MaxDownloads=4\nQueue_MaxPerUser=2\nRedis_Address=redis:6380\nDrive_RefreshToken=tok\n",
	), 0o600))

	// dotenv never overrides the real environment
	t.Setenv("Queue_MaxDownloads", "7")
	for _, k := range []string{"Queue_MaxPerUser", "Redis_Address", "Drive_RefreshToken"} {
		t.Cleanup(func() { os.Unsetenv(k) })
	}

	c, err := Parse(path)
	require.NoError(t, err)
	require.Equal(t, 7, c.Queue.MaxDownloads)
	require.Equal(t, 2, c.Queue.MaxPerUser)
	require.Equal(t, "redis:6380", c.Redis.Addr)
	require.True(t, c.Drive.Enabled())
}

func TestParseMissingFileIsFine(t *testing.T) {
	_, err := Parse(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
}

func TestParseRejectsBadValue(t *testing.T) {
	t.Setenv("Queue_MaxUploads", "many")
	_, err := Parse("")
	require.Error(t, err)
}
