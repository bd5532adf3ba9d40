package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"mirrorq/internal/domain"
	"mirrorq/internal/ports"
	"slices"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var _ ports.Store = (*Client)(nil)

const (
	ledgerKey   = "tasks:incomplete"
	usersKey    = "users"
	contactsKey = "pm_users"
	feedsKey    = "rss"
)

func (c *Client) UpsertSettings(ctx context.Context, s domain.Settings) error {
	m := map[string]any{}
	for field, v := range map[string]map[string]string{
		"config":        s.Config,
		"aria2_options": s.Aria2Options,
		"qbit_options":  s.QbitOptions,
	} {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		m[field] = b
	}
	return c.Rdb.HSet(ctx, c.key("settings", s.ID), m).Err()
}

func (c *Client) UpsertPrivateFile(ctx context.Context, botID, name string, data []byte) error {
	return c.Rdb.HSet(ctx, c.key("settings", botID, "files"), name, data).Err()
}

func (c *Client) UpsertDeployConfig(ctx context.Context, botID string, cfg map[string]string) error {
	key := c.key("settings", botID, "deploy")
	_, err := c.Rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		if len(cfg) > 0 {
			m := make(map[string]any, len(cfg))
			for k, v := range cfg {
				m[k] = v
			}
			p.HSet(ctx, key, m)
		}
		return nil
	})
	return err
}

func (c *Client) UpsertUserAttachment(ctx context.Context, userID string, kind domain.AttachmentKind, data []byte) error {
	_, err := c.Rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, c.key("user", userID), string(kind), data)
		p.SAdd(ctx, c.key(usersKey), userID)
		return nil
	})
	return err
}

func (c *Client) Users(ctx context.Context) ([]domain.UserDoc, error) {
	ids, err := c.Rdb.SMembers(ctx, c.key(usersKey)).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = c.Rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, c.key("user", id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	users := make([]domain.UserDoc, 0, len(ids))
	for i, id := range ids {
		u := domain.UserDoc{ID: id, Attachments: map[domain.AttachmentKind][]byte{}}
		for k, v := range cmds[i].Val() {
			if kind := domain.AttachmentKind(k); kind.Valid() {
				u.Attachments[kind] = []byte(v)
			}
		}
		users = append(users, u)
	}
	return users, nil
}

func (c *Client) RecordIncompleteTask(ctx context.Context, rec domain.IncompleteTask) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.Rdb.HSet(ctx, c.key(ledgerKey), rec.ID, b).Err()
}

func (c *Client) ClearIncompleteTask(ctx context.Context, id string) error {
	return c.Rdb.HDel(ctx, c.key(ledgerKey), id).Err()
}

// DrainIncompleteTasks reads and deletes the ledger inside one MULTI/EXEC.
// The ledger is gone once EXEC returns, so undecodable entries are dropped
// rather than failing the whole drain.
func (c *Client) DrainIncompleteTasks(ctx context.Context) ([]domain.IncompleteTask, error) {
	key := c.key(ledgerKey)
	var all *redis.MapStringStringCmd
	_, err := c.Rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		all = p.HGetAll(ctx, key)
		p.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeLedger(ctx, all.Val()), nil
}

func (c *Client) IncompleteTasks(ctx context.Context) ([]domain.IncompleteTask, error) {
	h, err := c.Rdb.HGetAll(ctx, c.key(ledgerKey)).Result()
	if err != nil {
		return nil, err
	}
	return decodeLedger(ctx, h), nil
}

func decodeLedger(ctx context.Context, h map[string]string) []domain.IncompleteTask {
	recs := make([]domain.IncompleteTask, 0, len(h))
	for id, raw := range h {
		var rec domain.IncompleteTask
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("task", id).Msg("skipping undecodable ledger entry")
			continue
		}
		rec.ID = id
		recs = append(recs, rec)
	}
	slices.SortFunc(recs, func(a, b domain.IncompleteTask) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return recs
}

func (c *Client) AddContact(ctx context.Context, id string) (bool, error) {
	n, err := c.Rdb.SAdd(ctx, c.key(contactsKey), id).Result()
	return n > 0, err
}

func (c *Client) RemoveContact(ctx context.Context, id string) error {
	return c.Rdb.SRem(ctx, c.key(contactsKey), id).Err()
}

func (c *Client) Contacts(ctx context.Context) ([]string, error) {
	ids, err := c.Rdb.SMembers(ctx, c.key(contactsKey)).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return ids, nil
}

func (c *Client) UpsertFeed(ctx context.Context, f domain.Feed) error {
	b, err := json.Marshal(f.Data)
	if err != nil {
		return err
	}
	return c.Rdb.HSet(ctx, c.key(feedsKey), f.Owner, b).Err()
}

func (c *Client) DeleteFeed(ctx context.Context, owner string) error {
	return c.Rdb.HDel(ctx, c.key(feedsKey), owner).Err()
}

func (c *Client) Feeds(ctx context.Context) ([]domain.Feed, error) {
	h, err := c.Rdb.HGetAll(ctx, c.key(feedsKey)).Result()
	if err != nil {
		return nil, err
	}
	feeds := make([]domain.Feed, 0, len(h))
	for owner, raw := range h {
		f := domain.Feed{Owner: owner}
		if err := json.Unmarshal([]byte(raw), &f.Data); err != nil {
			return nil, fmt.Errorf("decode feed %s: %w", owner, err)
		}
		feeds = append(feeds, f)
	}
	slices.SortFunc(feeds, func(a, b domain.Feed) int {
		switch {
		case a.Owner < b.Owner:
			return -1
		case a.Owner > b.Owner:
			return 1
		}
		return 0
	})
	return feeds, nil
}
