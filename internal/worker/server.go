// internal/worker/server.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mirrorq/internal/admission"
	"mirrorq/internal/api"
	"mirrorq/internal/backend"
	"mirrorq/internal/config"
	"mirrorq/internal/domain"
	"mirrorq/internal/infra/aria2"
	"mirrorq/internal/infra/gdrive"
	"mirrorq/internal/infra/qbit"
	"mirrorq/internal/infra/redisq"
	"mirrorq/internal/infra/s3"
	"mirrorq/internal/infra/sqlite"
	"mirrorq/internal/infra/streamtape"
	"mirrorq/internal/notify"
	"mirrorq/internal/persistence"
	"mirrorq/internal/ports"
	"mirrorq/internal/registry"
	"mirrorq/internal/usecase"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

type Config struct {
	ConfigPath   string
	Port         int
	ConsumerName string
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

// OpenStore returns the store selected by Store_Driver, or nil for "none".
func OpenStore(ctx context.Context, cfg *config.Config) (ports.Store, error) {
	switch cfg.Store.Driver {
	case "redis":
		return redisq.New(cfg.Redis), nil
	case "sqlite":
		return sqlite.Open(ctx, cfg.SQLite.Path)
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// Run composes the service and blocks until SIGINT or SIGTERM.
func Run(cfg Config) error {
	appCfg, err := config.Parse(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := OpenStore(ctx, appCfg)
	if err != nil {
		return err
	}
	gateway, err := persistence.Open(ctx, store, persistence.Options{
		BotID:   appCfg.Bot.ID,
		DataDir: appCfg.Bot.DataDir,
		Policy:  persistence.Policy(appCfg.Store.Policy),
	})
	if err != nil {
		return err
	}
	defer gateway.Close()

	if err := syncDeployConfig(ctx, gateway, cfg.ConfigPath); err != nil {
		log.Warn().Err(err).Msg("failed to store deploy config")
	}
	if _, err := gateway.RestoreUsers(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to restore users")
	}

	var rdb *redisq.Client
	if c, ok := store.(*redisq.Client); ok {
		rdb = c
	} else if appCfg.Redis.Intake {
		rdb = redisq.New(appCfg.Redis)
		defer rdb.Close()
	}

	notifiers := notify.Multi{notify.Log{}}
	if rdb != nil {
		notifiers = append(notifiers, redisq.Events{C: rdb})
	}

	// Recovery must finish before anything is admitted.
	if _, err := (usecase.Recovery{Ledger: gateway, Notifier: notifiers}).Run(ctx); err != nil {
		log.Error().Err(err).Msg("failed to report interrupted tasks")
	}

	backends, err := buildBackends(ctx, appCfg)
	if err != nil {
		return err
	}
	set := backend.NewSet(backends...)
	if len(set.Kinds()) == 0 {
		log.Warn().Msg("no backend configured; every submission will be rejected")
	}

	ctl := admission.New(ctx, registry.New(), set, gateway, admission.Options{
		Limits: domain.Limits{
			MaxDownloads: appCfg.Queue.MaxDownloads,
			MaxUploads:   appCfg.Queue.MaxUploads,
			MaxPerUser:   appCfg.Queue.MaxPerUser,
		},
		HistorySize: appCfg.Queue.HistorySize,
	})
	ctl.Subscribe(usecase.Pipeline{Submitter: ctl}.Observe)
	ctl.Subscribe(usecase.Notify{Notifier: notifiers}.Observe)

	if appCfg.Redis.Intake {
		if err := rdb.Init(ctx); err != nil {
			return err
		}
		intake := usecase.Intake{
			Q:            rdb,
			Submitter:    ctl,
			ConsumerName: cfg.ConsumerName,
			BaseBackoff:  cfg.BaseBackoff,
			MaxBackoff:   cfg.MaxBackoff,
		}
		go func() {
			if err := intake.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Ctx(ctx).Error().Err(err).Msg("intake stopped with error")
			}
		}()
		log.Info().Msgf("intake consuming stream: %s, group: %s", appCfg.Redis.StreamKey, appCfg.Redis.Group)
	}

	port := cfg.Port
	if port == 0 {
		port = appCfg.API.Port
	}
	server := api.NewServer(ctl, set, api.Options{
		CORSOrigins: appCfg.API.CORSOrigins,
		Health:      func() string { return string(gateway.Mode()) },
	})
	return server.Run(ctx, port)
}

// syncDeployConfig mirrors the dotenv file the process started from into
// the store, as the bot's private file and deploy config.
func syncDeployConfig(ctx context.Context, g *persistence.Gateway, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if filepath.Base(path) != "config.env" {
		return g.UpsertDeployConfig(ctx, path)
	}
	return g.UpsertPrivateFile(ctx, path)
}

func buildBackends(ctx context.Context, cfg *config.Config) ([]ports.Backend, error) {
	w := backend.Watcher{
		Interval:    cfg.Watch.Interval,
		BaseBackoff: cfg.Watch.BaseBackoff,
		MaxBackoff:  cfg.Watch.MaxBackoff,
		MaxErrors:   cfg.Watch.MaxErrors,
	}
	var bs []ports.Backend

	if cfg.Aria2.RPCURL != "" {
		bs = append(bs, aria2.New(aria2.NewClient(cfg.Aria2.RPCURL, cfg.Aria2.Secret), cfg.Bot.DownloadDir, w))
	}
	if cfg.Qbit.Host != "" {
		qb := qbit.New(qbit.NewClient(cfg.Qbit), cfg.Bot.DownloadDir, w)
		if err := qb.Login(ctx); err != nil {
			return nil, err
		}
		bs = append(bs, qb)
	}
	if cfg.Drive.Enabled() {
		svc, err := gdrive.NewService(ctx, cfg.Drive)
		if err != nil {
			return nil, err
		}
		bs = append(bs, gdrive.New(svc, cfg.Drive.FolderID))
	}
	if cfg.Streamtape.Login != "" {
		bs = append(bs, streamtape.New(streamtape.NewClient(cfg.Streamtape.Login, cfg.Streamtape.Key)))
	}
	if cfg.S3.Bucket != "" {
		bs = append(bs, s3.New(s3.NewClient(cfg.S3), cfg.S3.Bucket))
	}

	for _, b := range bs {
		log.Info().Str("backend", string(b.Kind())).Msg("backend enabled")
	}
	return bs, nil
}
