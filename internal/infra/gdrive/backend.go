package gdrive

import (
	"context"
	"fmt"
	"mirrorq/internal/backend"
	"mirrorq/internal/domain"
	"mirrorq/internal/ports"
	"net/url"
	"regexp"

	"github.com/rs/zerolog/log"
	"google.golang.org/api/drive/v3"
)

var linkID = regexp.MustCompile(`https://drive\.google\.com/(?:drive(?:.*?)/folders/|file(?:.*?)?/d/)([-\w]+)`)

// ParseID extracts the file or folder id from a Drive link. Both path style
// links and links carrying an id query parameter are accepted.
func ParseID(link string) (string, error) {
	if m := linkID.FindStringSubmatch(link); m != nil {
		return m[1], nil
	}
	u, err := url.Parse(link)
	if err == nil {
		if id := u.Query().Get("id"); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: no drive id in %q", domain.ErrInvalidRequest, link)
}

func FolderLink(id string) string { return "https://drive.google.com/drive/folders/" + id }

func FileLink(id string) string { return "https://drive.google.com/file/d/" + id + "/view" }

type Backend struct {
	api      API
	folderID string
	jobs     *backend.Jobs
}

var _ ports.Backend = (*Backend)(nil)

// New clones into folderID unless a task names its own destination folder.
func New(api API, folderID string) *Backend {
	return &Backend{api: api, folderID: folderID, jobs: backend.NewJobs()}
}

func (b *Backend) Kind() domain.BackendKind { return domain.BackendDrive }

func (b *Backend) Start(ctx context.Context, t domain.Task, rep ports.Reporter) error {
	id, err := ParseID(t.SourceLink)
	if err != nil {
		return err
	}
	dest := t.Destination
	if dest == "" {
		dest = b.folderID
	}
	return b.jobs.Go(ctx, t, rep, func(ctx context.Context, m *backend.Meter) (string, error) {
		return b.clone(ctx, t.ID, id, dest, m)
	})
}

func (b *Backend) Cancel(_ context.Context, t domain.Task) error { return b.jobs.Cancel(t.ID) }

func (b *Backend) Status(_ context.Context, t domain.Task) (domain.Progress, error) {
	return b.jobs.Progress(t.ID)
}

func (b *Backend) clone(ctx context.Context, taskID, id, dest string, m *backend.Meter) (string, error) {
	meta, err := b.api.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("drive get %s: %w", id, err)
	}
	m.SetName(meta.Name)

	if meta.MimeType != folderMime {
		m.AddTotal(meta.Size)
		cp, err := b.api.Copy(ctx, meta.Id, meta.Name, dest)
		if err != nil {
			return "", fmt.Errorf("drive copy %s: %w", meta.Name, err)
		}
		m.Add(meta.Size)
		if cp.WebViewLink != "" {
			return cp.WebViewLink, nil
		}
		return FileLink(cp.Id), nil
	}

	root, err := b.api.CreateFolder(ctx, meta.Name, dest)
	if err != nil {
		return "", fmt.Errorf("drive create folder %s: %w", meta.Name, err)
	}
	files, folders, err := b.cloneFolder(ctx, meta.Id, root.Id, m)
	if err != nil {
		return "", err
	}
	log.Info().Str("task", taskID).Int("files", files).Int("folders", folders).Msg("drive folder cloned")
	return FolderLink(root.Id), nil
}

// cloneFolder copies the children of src into dst, page by page.
func (b *Backend) cloneFolder(ctx context.Context, src, dst string, m *backend.Meter) (files, folders int, err error) {
	token := ""
	for {
		page, err := b.api.List(ctx, src, token)
		if err != nil {
			return files, folders, fmt.Errorf("drive list %s: %w", src, err)
		}
		for _, f := range page.Files {
			if err := ctx.Err(); err != nil {
				return files, folders, err
			}
			f = resolveShortcut(f)
			if f.MimeType == folderMime {
				sub, err := b.api.CreateFolder(ctx, f.Name, dst)
				if err != nil {
					return files, folders, fmt.Errorf("drive create folder %s: %w", f.Name, err)
				}
				nf, nd, err := b.cloneFolder(ctx, f.Id, sub.Id, m)
				files, folders = files+nf, folders+nd+1
				if err != nil {
					return files, folders, err
				}
				continue
			}
			m.AddTotal(f.Size)
			if _, err := b.api.Copy(ctx, f.Id, f.Name, dst); err != nil {
				return files, folders, fmt.Errorf("drive copy %s: %w", f.Name, err)
			}
			m.Add(f.Size)
			files++
		}
		if page.NextPageToken == "" {
			return files, folders, nil
		}
		token = page.NextPageToken
	}
}

// resolveShortcut points a shortcut entry at its target.
func resolveShortcut(f *drive.File) *drive.File {
	if f.MimeType != shortcutMime || f.ShortcutDetails == nil {
		return f
	}
	return &drive.File{
		Id:       f.ShortcutDetails.TargetId,
		Name:     f.Name,
		MimeType: f.ShortcutDetails.TargetMimeType,
		Size:     f.Size,
	}
}
