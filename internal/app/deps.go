package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/talkie/backend/internal/auth"
	"github.com/talkie/backend/internal/call"
	"github.com/talkie/backend/internal/config"
	"github.com/talkie/backend/internal/db"
	"github.com/talkie/backend/internal/directory"
	"github.com/talkie/backend/internal/localstore"
	"github.com/talkie/backend/internal/notify"
	"github.com/talkie/backend/internal/reconciler"
	"github.com/talkie/backend/internal/storage"
	"github.com/talkie/backend/internal/talk"
)

type cleanupFunc func()

// openDirectory connects the configured directory backend.
func openDirectory(ctx context.Context, cfg config.Config, logger *slog.Logger) (directory.Directory, cleanupFunc, error) {
	switch cfg.Directory {
	case config.DirectoryMemory:
		return directory.NewMemory(), func() {}, nil
	case config.DirectoryRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		return directory.NewRedis(rdb, logger), func() { _ = rdb.Close() }, nil
	case config.DirectoryPostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		dir := directory.NewPostgres(pool,
			directory.WithPollInterval(cfg.DirectoryPollInterval),
			directory.WithPostgresLogger(logger),
		)
		return dir, func() {
			dir.Close()
			pool.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported directory backend %q", cfg.Directory)
	}
}

// migrationFiles prefers an on-disk migrations directory and falls back to the
// bundled schema.
func migrationFiles(dir string) (fs.FS, error) {
	if dir == "" {
		return directory.Migrations(), nil
	}
	if !filepath.IsAbs(dir) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("determine working directory: %w", err)
		}
		dir = filepath.Join(wd, dir)
	}
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return directory.Migrations(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat migrations directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("migrations path %s is not a directory", dir)
	}
	return os.DirFS(dir), nil
}

// buildBlobs returns the profile image resolver and, when a bucket is
// configured, the S3 store behind it.
func buildBlobs(ctx context.Context, cfg config.Config) (storage.BlobResolver, *storage.S3Storage, error) {
	if !cfg.ObjectStore.Enabled() {
		return storage.Unavailable{}, nil, nil
	}
	s3, err := storage.NewS3Storage(ctx, cfg.ObjectStore)
	if err != nil {
		return nil, nil, err
	}
	return storage.NewCachingResolver(s3, cfg.Reconciler.ImageCacheTTL), s3, nil
}

func buildNotifier(cfg config.Config) notify.Notifier {
	if cfg.Push.URL == "" {
		return notify.Disabled{}
	}
	return notify.NewHTTPNotifier(cfg.Push.URL, notify.WithRate(cfg.Push.Rate, cfg.Push.Burst))
}

// components is everything the run command drives.
type components struct {
	reconciler *reconciler.Reconciler
	talk       *talk.Controller
	local      *localstore.SQLite
}

// buildComponents wires the talk controller and the reconciler for cfg.UserID.
func buildComponents(ctx context.Context, cfg config.Config, dir directory.Directory, session reconciler.Session, logger *slog.Logger) (components, cleanupFunc, error) {
	local, err := localstore.OpenSQLite(cfg.CachePath)
	if err != nil {
		return components{}, nil, err
	}
	cleanup := func() { _ = local.Close() }

	blobs, _, err := buildBlobs(ctx, cfg)
	if err != nil {
		cleanup()
		return components{}, nil, err
	}
	notifier := buildNotifier(cfg)

	controller := talk.NewController(cfg.UserID, cfg.Reconciler.TalkMaxHold, talk.Dependencies{
		Tokens:    auth.NewTokenIssuer(cfg.LiveKit.APIKey, cfg.LiveKit.APISecret, cfg.LiveKit.TokenTTL),
		Session:   call.NewLiveKit(cfg.LiveKit.URL),
		Directory: dir,
		Notifier:  notifier,
		Logger:    logger,
	})

	rec := reconciler.New(reconciler.Config{
		UserID:                 cfg.UserID,
		SpeakerClearDelay:      cfg.Reconciler.SpeakerClearDelay,
		ImageMaxBytes:          cfg.Reconciler.ImageMaxBytes,
		SerializerStallTimeout: cfg.Reconciler.SerializerStallTimeout,
	}, reconciler.Dependencies{
		Directory: dir,
		Local:     local,
		Blobs:     blobs,
		Calls:     controller,
		Notifier:  notifier,
		Session:   session,
		Observer:  reconciler.LogObserver{Logger: logger},
		Logger:    logger,
	})

	return components{reconciler: rec, talk: controller, local: local}, cleanup, nil
}
