// Package gdrive clones Google Drive files and folders into a destination
// folder owned by the bot's account.
package gdrive

import (
	"context"
	"errors"
	"fmt"
	"mirrorq/internal/config"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const (
	folderMime   = "application/vnd.google-apps.folder"
	shortcutMime = "application/vnd.google-apps.shortcut"
	fileFields   = "id, name, mimeType, size, webViewLink, shortcutDetails"
)

// API is the set of Drive calls a clone needs.
type API interface {
	Get(ctx context.Context, id string) (*drive.File, error)
	List(ctx context.Context, parentID, pageToken string) (*drive.FileList, error)
	CreateFolder(ctx context.Context, name, parentID string) (*drive.File, error)
	Copy(ctx context.Context, id, name, parentID string) (*drive.File, error)
}

// Service implements API on the Drive v3 REST client. Every call covers
// shared drives.
type Service struct {
	srv *drive.Service
}

var _ API = (*Service)(nil)

// NewService authenticates with a service account file when one is
// configured, otherwise with the OAuth refresh token.
func NewService(ctx context.Context, cfg config.Drive, extra ...option.ClientOption) (*Service, error) {
	var opts []option.ClientOption
	switch {
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile), option.WithScopes(drive.DriveScope))
	case cfg.RefreshToken != "":
		oc := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{drive.DriveScope},
		}
		opts = append(opts, option.WithTokenSource(oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})))
	case len(extra) == 0:
		return nil, errors.New("drive: no credentials configured")
	}
	opts = append(opts, extra...)

	srv, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("drive service: %w", err)
	}
	log.Info().Msg("google drive client ready")
	return &Service{srv: srv}, nil
}

func (s *Service) Get(ctx context.Context, id string) (*drive.File, error) {
	return s.srv.Files.Get(id).SupportsAllDrives(true).Fields(fileFields).Context(ctx).Do()
}

func (s *Service) List(ctx context.Context, parentID, pageToken string) (*drive.FileList, error) {
	call := s.srv.Files.List().
		Q(fmt.Sprintf("'%s' in parents and trashed = false", parentID)).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		PageSize(200).
		Fields("nextPageToken, files(" + fileFields + ")").
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Do()
}

func (s *Service) CreateFolder(ctx context.Context, name, parentID string) (*drive.File, error) {
	f := &drive.File{Name: name, MimeType: folderMime}
	if parentID != "" {
		f.Parents = []string{parentID}
	}
	return s.srv.Files.Create(f).SupportsAllDrives(true).Fields("id, name, webViewLink").Context(ctx).Do()
}

func (s *Service) Copy(ctx context.Context, id, name, parentID string) (*drive.File, error) {
	f := &drive.File{Name: name}
	if parentID != "" {
		f.Parents = []string{parentID}
	}
	return s.srv.Files.Copy(id, f).SupportsAllDrives(true).Fields("id, name, size, webViewLink").Context(ctx).Do()
}
