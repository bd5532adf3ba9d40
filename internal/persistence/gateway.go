// Package persistence is the durable side of the bot: settings, user
// attachments, known contacts, feeds and the incomplete-task ledger.
//
// If the store cannot be reached when the gateway opens, the fail-open
// policy puts the gateway into degraded mode for the rest of the process:
// every call succeeds without effect. Nothing written in that mode survives
// a restart, so the mode is logged loudly once and exposed through Mode.
package persistence

import (
	"context"
	"fmt"
	"mirrorq/internal/domain"
	"mirrorq/internal/ports"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Mode string

const (
	ModeHealthy  Mode = "healthy"
	ModeDegraded Mode = "degraded"
	// ModeDisabled means no store was configured at all.
	ModeDisabled Mode = "disabled"
)

type Policy string

const (
	FailOpen   Policy = "fail-open"
	FailClosed Policy = "fail-closed"
)

type Options struct {
	BotID   string
	DataDir string
	Policy  Policy
}

type Gateway struct {
	store ports.Store
	mode  Mode
	cause error
	opts  Options
}

// Open pings store and decides the gateway mode. A nil store yields a
// disabled gateway. Under FailClosed a failed ping is returned as an error.
func Open(ctx context.Context, store ports.Store, opts Options) (*Gateway, error) {
	if opts.Policy == "" {
		opts.Policy = FailOpen
	}
	g := &Gateway{store: store, mode: ModeHealthy, opts: opts}
	if store == nil {
		g.mode = ModeDisabled
		log.Warn().Msg("no persistence store configured; settings and the incomplete task ledger are not durable")
		return g, nil
	}

	if err := store.Ping(ctx); err != nil {
		if opts.Policy == FailClosed {
			return nil, fmt.Errorf("persistence store unreachable: %w", err)
		}
		g.mode = ModeDegraded
		g.cause = err
		log.Error().Err(err).Str("policy", string(opts.Policy)).
			Msg("PERSISTENCE DEGRADED: store unreachable, all persistence calls are no-ops until restart; interrupted tasks will not be reported")
		return g, nil
	}
	log.Info().Msg("persistence store connected")
	return g, nil
}

func (g *Gateway) Mode() Mode { return g.mode }

// Cause is the connect error that put the gateway into degraded mode.
func (g *Gateway) Cause() error { return g.cause }

func (g *Gateway) live() bool { return g.mode == ModeHealthy }

func (g *Gateway) Close() error {
	if g.store == nil {
		return nil
	}
	return g.store.Close()
}

func (g *Gateway) UpsertSettings(ctx context.Context, s domain.Settings) error {
	if !g.live() {
		return nil
	}
	if s.ID == "" {
		s.ID = g.opts.BotID
	}
	if err := g.store.UpsertSettings(ctx, s); err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}
	return nil
}

// UpsertPrivateFile stores the file at path under the bot's settings. A
// missing file stores an empty blob. Storing config.env also refreshes the
// deploy config.
func (g *Gateway) UpsertPrivateFile(ctx context.Context, path string) error {
	if !g.live() {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read private file: %w", err)
	}
	name := filepath.Base(path)
	if err := g.store.UpsertPrivateFile(ctx, g.opts.BotID, EscapeFileName(name), data); err != nil {
		return fmt.Errorf("upsert private file %s: %w", name, err)
	}
	if name == "config.env" {
		return g.UpsertDeployConfig(ctx, path)
	}
	return nil
}

// UpsertDeployConfig replaces the stored deploy config with the key/value
// pairs of the dotenv file at path.
func (g *Gateway) UpsertDeployConfig(ctx context.Context, path string) error {
	if !g.live() {
		return nil
	}
	cfg, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("read deploy config: %w", err)
	}
	if err := g.store.UpsertDeployConfig(ctx, g.opts.BotID, cfg); err != nil {
		return fmt.Errorf("upsert deploy config: %w", err)
	}
	return nil
}

// UpsertUserAttachment writes data to the user's local attachment path and
// mirrors it into the store.
func (g *Gateway) UpsertUserAttachment(ctx context.Context, userID string, kind domain.AttachmentKind, data []byte) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: attachment kind %q", domain.ErrInvalidRequest, kind)
	}
	if !domain.ValidUserID(userID) {
		return fmt.Errorf("%w: user id %q", domain.ErrInvalidRequest, userID)
	}
	if err := writeFile(kind.Path(g.opts.DataDir, userID), data); err != nil {
		return err
	}
	if !g.live() {
		return nil
	}
	if err := g.store.UpsertUserAttachment(ctx, userID, kind, data); err != nil {
		return fmt.Errorf("upsert %s of user %s: %w", kind, userID, err)
	}
	return nil
}

// RestoreUsers loads user documents and writes their attachments back to
// disk, returning the documents with local paths filled in.
func (g *Gateway) RestoreUsers(ctx context.Context) ([]domain.UserDoc, error) {
	if !g.live() {
		return nil, nil
	}
	users, err := g.store.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	restored := users[:0]
	for i := range users {
		u := &users[i]
		if !domain.ValidUserID(u.ID) {
			log.Warn().Str("user", u.ID).Msg("skipping stored user with unsafe id")
			continue
		}
		u.Paths = make(map[domain.AttachmentKind]string, len(u.Attachments))
		for kind, data := range u.Attachments {
			p := kind.Path(g.opts.DataDir, u.ID)
			if err := writeFile(p, data); err != nil {
				return nil, err
			}
			u.Paths[kind] = p
		}
		log.Debug().Str("user", u.ID).Int("attachments", len(u.Paths)).Msg("restored user data")
		restored = append(restored, *u)
	}
	log.Info().Int("users", len(restored)).Msg("users data has been imported from the store")
	return restored, nil
}

func (g *Gateway) RecordIncompleteTask(ctx context.Context, rec domain.IncompleteTask) error {
	if !g.live() {
		return nil
	}
	if err := g.store.RecordIncompleteTask(ctx, rec); err != nil {
		return fmt.Errorf("record incomplete task %s: %w", rec.ID, err)
	}
	return nil
}

func (g *Gateway) ClearIncompleteTask(ctx context.Context, id string) error {
	if !g.live() {
		return nil
	}
	if err := g.store.ClearIncompleteTask(ctx, id); err != nil {
		return fmt.Errorf("clear incomplete task %s: %w", id, err)
	}
	return nil
}

// DrainIncompleteTasks returns every ledger record and empties the ledger.
// Call it once at startup, before admission begins.
func (g *Gateway) DrainIncompleteTasks(ctx context.Context) ([]domain.IncompleteTask, error) {
	if !g.live() {
		return nil, nil
	}
	recs, err := g.store.DrainIncompleteTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("drain incomplete tasks: %w", err)
	}
	return recs, nil
}

// IncompleteTasks lists the ledger without draining it.
func (g *Gateway) IncompleteTasks(ctx context.Context) ([]domain.IncompleteTask, error) {
	if !g.live() {
		return nil, nil
	}
	return g.store.IncompleteTasks(ctx)
}

func (g *Gateway) AddContact(ctx context.Context, id string) error {
	if !g.live() {
		return nil
	}
	added, err := g.store.AddContact(ctx, id)
	if err != nil {
		return fmt.Errorf("add contact %s: %w", id, err)
	}
	if added {
		log.Info().Str("user", id).Msg("new contact added")
	}
	return nil
}

func (g *Gateway) RemoveContact(ctx context.Context, id string) error {
	if !g.live() {
		return nil
	}
	return g.store.RemoveContact(ctx, id)
}

func (g *Gateway) Contacts(ctx context.Context) ([]string, error) {
	if !g.live() {
		return nil, nil
	}
	return g.store.Contacts(ctx)
}

func (g *Gateway) UpsertFeed(ctx context.Context, f domain.Feed) error {
	if !g.live() {
		return nil
	}
	return g.store.UpsertFeed(ctx, f)
}

func (g *Gateway) DeleteFeed(ctx context.Context, owner string) error {
	if !g.live() {
		return nil
	}
	return g.store.DeleteFeed(ctx, owner)
}

func (g *Gateway) Feeds(ctx context.Context) ([]domain.Feed, error) {
	if !g.live() {
		return nil, nil
	}
	return g.store.Feeds(ctx)
}

// EscapeFileName makes a file name safe as a document field name.
func EscapeFileName(name string) string {
	return strings.ReplaceAll(name, ".", "__")
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create attachment dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write attachment: %w", err)
	}
	return nil
}
