package streamtape

import (
	"context"
	"errors"
	"fmt"
	"mirrorq/internal/backend"
	"mirrorq/internal/domain"
	"mirrorq/internal/ports"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
)

var allowedExts = []string{
	".avi", ".mkv", ".mpg", ".mpeg", ".vob", ".wmv", ".flv", ".mp4", ".mov", ".m4v",
	".m2v", ".divx", ".3gp", ".webm", ".ogv", ".ogg", ".ts", ".ogm",
}

func Allowed(name string) bool {
	return slices.Contains(allowedExts, strings.ToLower(filepath.Ext(name)))
}

var errNotVideo = errors.New("file type is not accepted by streamtape")

func FileLink(id string) string { return "https://streamtape.to/v/" + id }

// FolderRef names an uploaded folder; Streamtape has no public folder page.
func FolderRef(id string) string { return "streamtape:folder/" + id }

// Backend uploads a local file or directory. Directories are mirrored as
// folders; files with other extensions are skipped.
type Backend struct {
	client *Client
	jobs   *backend.Jobs
}

var _ ports.Backend = (*Backend)(nil)

func New(c *Client) *Backend {
	return &Backend{client: c, jobs: backend.NewJobs()}
}

func (b *Backend) Kind() domain.BackendKind { return domain.BackendStreamtape }

func (b *Backend) Start(ctx context.Context, t domain.Task, rep ports.Reporter) error {
	path := t.SourceLink
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("streamtape source: %w", err)
	}
	return b.jobs.Go(ctx, t, rep, func(ctx context.Context, m *backend.Meter) (string, error) {
		m.SetName(filepath.Base(path))
		return b.upload(ctx, path, t.Destination, m)
	})
}

func (b *Backend) Cancel(_ context.Context, t domain.Task) error { return b.jobs.Cancel(t.ID) }

func (b *Backend) Status(_ context.Context, t domain.Task) (domain.Progress, error) {
	return b.jobs.Progress(t.ID)
}

func (b *Backend) upload(ctx context.Context, path, parent string, m *backend.Meter) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if fi.IsDir() {
		id, err := b.uploadFolder(ctx, path, parent, m)
		if err != nil {
			return "", err
		}
		return FolderRef(id), nil
	}
	if !Allowed(path) {
		return "", fmt.Errorf("%s: %w", filepath.Base(path), errNotVideo)
	}
	m.AddTotal(fi.Size())
	folder := parent
	if folder == "" {
		// a lone file gets a folder named after it
		name := filepath.Base(path)
		if folder, err = b.client.CreateFolder(ctx, strings.TrimSuffix(name, filepath.Ext(name)), ""); err != nil {
			return "", err
		}
	}
	id, err := b.uploadFile(ctx, path, folder, m)
	if err != nil {
		return "", err
	}
	return FileLink(id), nil
}

func (b *Backend) uploadFolder(ctx context.Context, dir, parent string, m *backend.Meter) (string, error) {
	folder, err := b.client.CreateFolder(ctx, filepath.Base(dir), parent)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if _, err := b.uploadFolder(ctx, p, folder, m); err != nil {
				return "", err
			}
			continue
		}
		if !Allowed(e.Name()) {
			log.Debug().Str("file", p).Msg("skipping file with disallowed extension")
			continue
		}
		if info, err := e.Info(); err == nil {
			m.AddTotal(info.Size())
		}
		if _, err := b.uploadFile(ctx, p, folder, m); err != nil {
			return "", err
		}
	}
	return folder, nil
}

func (b *Backend) uploadFile(ctx context.Context, path, folder string, m *backend.Meter) (string, error) {
	ul, err := b.client.UploadURL(ctx, folder)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", err
	}

	id, err := b.client.Upload(ctx, ul, m.Reader(f), fi.Size())
	if err != nil {
		return "", err
	}
	if err := b.client.Rename(ctx, id, filepath.Base(path)); err != nil {
		log.Warn().Err(err).Str("file", id).Msg("streamtape rename failed")
	}
	return id, nil
}
