package ports

import (
	"context"
	"mirrorq/internal/domain"
)

// Store is a durable backend behind the persistence gateway.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	UpsertSettings(ctx context.Context, s domain.Settings) error
	UpsertPrivateFile(ctx context.Context, botID, name string, data []byte) error
	UpsertDeployConfig(ctx context.Context, botID string, cfg map[string]string) error

	UpsertUserAttachment(ctx context.Context, userID string, kind domain.AttachmentKind, data []byte) error
	Users(ctx context.Context) ([]domain.UserDoc, error)

	RecordIncompleteTask(ctx context.Context, rec domain.IncompleteTask) error
	ClearIncompleteTask(ctx context.Context, id string) error
	// DrainIncompleteTasks returns every record and deletes them in one operation.
	DrainIncompleteTasks(ctx context.Context) ([]domain.IncompleteTask, error)
	IncompleteTasks(ctx context.Context) ([]domain.IncompleteTask, error)

	AddContact(ctx context.Context, id string) (bool, error)
	RemoveContact(ctx context.Context, id string) error
	Contacts(ctx context.Context) ([]string, error)

	UpsertFeed(ctx context.Context, f domain.Feed) error
	DeleteFeed(ctx context.Context, owner string) error
	Feeds(ctx context.Context) ([]domain.Feed, error)
}
