package redisq

import (
	"context"
	"fmt"
	"mirrorq/internal/config"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Client struct {
	Cfg config.Redis
	Rdb *redis.Client
}

func New(cfg config.Redis) *Client {
	log.Info().Msgf("connecting to redis at %s", cfg.Addr)
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Client{Cfg: cfg, Rdb: c}
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.Rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	log.Ctx(ctx).Info().Msg("connected to redis")
	return nil
}

func (c *Client) Close() error { return c.Rdb.Close() }

func (c *Client) key(parts ...string) string {
	if c.Cfg.KeyPrefix == "" {
		return strings.Join(parts, ":")
	}
	return c.Cfg.KeyPrefix + ":" + strings.Join(parts, ":")
}
