package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/dirsync/internal/config"
	"github.com/alexjbarnes/dirsync/internal/remote"
	"github.com/alexjbarnes/dirsync/internal/remote/boltstore"
	"github.com/alexjbarnes/dirsync/internal/remote/contentcache"
	"github.com/alexjbarnes/dirsync/internal/remote/s3store"
	"github.com/spf13/afero"
)

// backend is a remote store that can also create root projects.
type backend interface {
	remote.Client
	CreateProject(ctx context.Context, name string) (*remote.Entity, error)
}

// openBackend opens the configured store and its content cache. The
// returned func closes both.
func openBackend(ctx context.Context, cfg *config.Config, fsys afero.Fs, logger *slog.Logger) (backend, func() error, error) {
	cache, err := contentcache.Open(cfg.CacheDir, fsys)
	if err != nil {
		return nil, nil, err
	}

	logger.Debug("content cache opened", slog.String("dir", cfg.CacheDir), slog.Int("entries", cache.Len()))

	switch cfg.Backend {
	case config.BackendS3:
		clientCfg := s3store.ClientConfig{Region: cfg.S3Region, Endpoint: cfg.S3Endpoint}
		if cfg.HasCredentials() {
			clientCfg.AccessKey = cfg.Username
			clientCfg.SecretKey = cfg.Password
		}

		api, err := s3store.NewClient(ctx, clientCfg)
		if err != nil {
			cache.Close()
			return nil, nil, err
		}

		logger.Info("Using S3 store",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("prefix", cfg.S3Prefix),
			slog.Bool("static_credentials", cfg.HasCredentials()),
		)

		return s3store.New(api, cfg.S3Bucket, cfg.S3Prefix, fsys, cache, logger), cache.Close, nil

	default:
		store, err := boltstore.Open(cfg.StorePath, fsys, cache, logger)
		if err != nil {
			cache.Close()
			return nil, nil, fmt.Errorf("opening store: %w", err)
		}

		if cfg.Username != "" || cfg.Password != "" {
			logger.Debug("credentials are not used by the bolt store")
		}

		logger.Info("Using local store", slog.String("path", cfg.StorePath))

		return store, func() error { return errors.Join(store.Close(), cache.Close()) }, nil
	}
}
