// Package sqlite is a single-file store for deployments without redis.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"mirrorq/internal/domain"
	"mirrorq/internal/ports"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

var _ ports.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	id TEXT PRIMARY KEY,
	config TEXT,
	aria2_options TEXT,
	qbit_options TEXT
);

CREATE TABLE IF NOT EXISTS private_files (
	bot_id TEXT NOT NULL,
	name TEXT NOT NULL,
	data BLOB,
	PRIMARY KEY (bot_id, name)
);

CREATE TABLE IF NOT EXISTS deploy_config (
	bot_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT,
	PRIMARY KEY (bot_id, key)
);

CREATE TABLE IF NOT EXISTS user_attachments (
	user_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	data BLOB,
	PRIMARY KEY (user_id, kind)
);

CREATE TABLE IF NOT EXISTS incomplete_tasks (
	id TEXT PRIMARY KEY,
	owner TEXT,
	source_link TEXT,
	tag TEXT,
	origin_ref TEXT
);

CREATE TABLE IF NOT EXISTS contacts (
	id TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS feeds (
	owner TEXT PRIMARY KEY,
	data TEXT
);
`

// Open creates the database file at path if needed and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; WAL lets readers proceed
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `
		PRAGMA busy_timeout = 5000;
		PRAGMA journal_mode = WAL;
	`); err != nil {
		log.Warn().Err(err).Msg("sqlite pragmas not applied")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	log.Info().Msgf("sqlite store at %s", path)
	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) UpsertSettings(ctx context.Context, st domain.Settings) error {
	cfg, err := json.Marshal(st.Config)
	if err != nil {
		return err
	}
	aria, err := json.Marshal(st.Aria2Options)
	if err != nil {
		return err
	}
	qbit, err := json.Marshal(st.QbitOptions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (id, config, aria2_options, qbit_options) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET config = excluded.config,
			aria2_options = excluded.aria2_options, qbit_options = excluded.qbit_options`,
		st.ID, string(cfg), string(aria), string(qbit))
	return err
}

func (s *Store) UpsertPrivateFile(ctx context.Context, botID, name string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO private_files (bot_id, name, data) VALUES (?, ?, ?)
		ON CONFLICT(bot_id, name) DO UPDATE SET data = excluded.data`,
		botID, name, data)
	return err
}

func (s *Store) UpsertDeployConfig(ctx context.Context, botID string, cfg map[string]string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM deploy_config WHERE bot_id = ?`, botID); err != nil {
			return err
		}
		for k, v := range cfg {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO deploy_config (bot_id, key, value) VALUES (?, ?, ?)`, botID, k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeployConfig returns the stored deploy config of botID.
func (s *Store) DeployConfig(ctx context.Context, botID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM deploy_config WHERE bot_id = ?`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cfg := map[string]string{}
	for rows.Next() {
		var k string
		var v sql.NullString
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		cfg[k] = v.String
	}
	return cfg, rows.Err()
}

func (s *Store) UpsertUserAttachment(ctx context.Context, userID string, kind domain.AttachmentKind, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_attachments (user_id, kind, data) VALUES (?, ?, ?)
		ON CONFLICT(user_id, kind) DO UPDATE SET data = excluded.data`,
		userID, string(kind), data)
	return err
}

func (s *Store) Users(ctx context.Context) ([]domain.UserDoc, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, kind, data FROM user_attachments ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.UserDoc
	for rows.Next() {
		var id, kind string
		var data []byte
		if err := rows.Scan(&id, &kind, &data); err != nil {
			return nil, err
		}
		if len(users) == 0 || users[len(users)-1].ID != id {
			users = append(users, domain.UserDoc{ID: id, Attachments: map[domain.AttachmentKind][]byte{}})
		}
		if k := domain.AttachmentKind(kind); k.Valid() {
			users[len(users)-1].Attachments[k] = data
		}
	}
	return users, rows.Err()
}

func (s *Store) RecordIncompleteTask(ctx context.Context, rec domain.IncompleteTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incomplete_tasks (id, owner, source_link, tag, origin_ref) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET owner = excluded.owner, source_link = excluded.source_link,
			tag = excluded.tag, origin_ref = excluded.origin_ref`,
		rec.ID, rec.Owner, rec.SourceLink, rec.Tag, rec.OriginRef)
	return err
}

func (s *Store) ClearIncompleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM incomplete_tasks WHERE id = ?`, id)
	return err
}

func (s *Store) DrainIncompleteTasks(ctx context.Context) ([]domain.IncompleteTask, error) {
	var recs []domain.IncompleteTask
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		recs, err = queryLedger(ctx, tx)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM incomplete_tasks`)
		return err
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *Store) IncompleteTasks(ctx context.Context) ([]domain.IncompleteTask, error) {
	return queryLedger(ctx, s.db)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryLedger(ctx context.Context, q querier) ([]domain.IncompleteTask, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, owner, source_link, tag, origin_ref FROM incomplete_tasks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := []domain.IncompleteTask{}
	for rows.Next() {
		var rec domain.IncompleteTask
		var owner, link, tag, origin sql.NullString
		if err := rows.Scan(&rec.ID, &owner, &link, &tag, &origin); err != nil {
			return nil, err
		}
		rec.Owner, rec.SourceLink, rec.Tag, rec.OriginRef = owner.String, link.String, tag.String, origin.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *Store) AddContact(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO contacts (id) VALUES (?)`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) RemoveContact(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM contacts WHERE id = ?`, id)
	return err
}

func (s *Store) Contacts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM contacts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) UpsertFeed(ctx context.Context, f domain.Feed) error {
	b, err := json.Marshal(f.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO feeds (owner, data) VALUES (?, ?)
		ON CONFLICT(owner) DO UPDATE SET data = excluded.data`, f.Owner, string(b))
	return err
}

func (s *Store) DeleteFeed(ctx context.Context, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM feeds WHERE owner = ?`, owner)
	return err
}

func (s *Store) Feeds(ctx context.Context) ([]domain.Feed, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT owner, data FROM feeds ORDER BY owner`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var feeds []domain.Feed
	for rows.Next() {
		var f domain.Feed
		var raw string
		if err := rows.Scan(&f.Owner, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &f.Data); err != nil {
			return nil, fmt.Errorf("decode feed %s: %w", f.Owner, err)
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

func (s *Store) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Error().Err(rbErr).Msg("sqlite rollback failed")
		}
		return err
	}
	return tx.Commit()
}
