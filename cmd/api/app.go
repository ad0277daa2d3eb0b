package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"github.com/shubham-635/imageProcessing/internal/batch"
	"github.com/shubham-635/imageProcessing/internal/config"
	"github.com/shubham-635/imageProcessing/internal/db"
	"github.com/shubham-635/imageProcessing/internal/jobs"
	"github.com/shubham-635/imageProcessing/internal/metrics"
	"github.com/shubham-635/imageProcessing/internal/pipeline"
	"github.com/shubham-635/imageProcessing/internal/publish"
	"github.com/shubham-635/imageProcessing/internal/transcode"
)

// app はプロセス内で共有する依存関係をまとめたものです。
type app struct {
	logger    *slog.Logger
	store     jobs.Store
	manager   *jobs.Manager
	service   *batch.Service
	collector *metrics.Collector
	// localDir はローカル公開時の配信ルートです。S3 の場合は空。
	localDir string

	closers []func(context.Context) error
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger, collector: metrics.NewCollector()}

	store, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, closeStore)

	publisher, localDir, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.localDir = localDir

	transcoder := transcode.New(transcode.Options{
		Quality:  cfg.JPEGQuality,
		MaxBytes: cfg.MaxImageBytes,
	})
	items, err := pipeline.NewItemProcessor(transcoder, publisher, store, pipeline.ItemOptions{
		URLConcurrency: cfg.URLConcurrency,
		FetchTimeout:   cfg.FetchTimeout,
		UploadTimeout:  cfg.UploadTimeout,
		Metrics:        a.collector,
		Logger:         logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	runner, err := pipeline.New(store, items, a.collector, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	manager, err := jobs.NewManager(cfg, store, runner, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("setup job manager: %w", err)
	}
	a.manager = manager
	a.closers = append(a.closers, manager.Shutdown)

	service, err := batch.NewService(store, manager, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.service = service
	return a, nil
}

// Close は作成した順と逆順に後始末します。
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}

// buildStore は STORE_BACKEND に応じたストアを作成します。
func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (jobs.Store, func(context.Context) error, error) {
	switch cfg.StoreBackend {
	case config.StoreRedis:
		opt, err := redis.ParseURL(cfg.StoreRedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse store redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("connect to store redis: %w", err)
		}
		logger.Info("using redis store", "addr", opt.Addr, "ttl", cfg.RecordTTL())
		return jobs.NewRedisStore(rdb, cfg.RecordTTL()), func(context.Context) error { return rdb.Close() }, nil

	case config.StoreSurrealDB:
		client, err := db.NewClient(ctx, db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := client.InitSchema(ctx); err != nil {
			_ = client.Close(ctx)
			return nil, nil, fmt.Errorf("initialize schema: %w", err)
		}
		return db.NewSurrealStore(client), client.Close, nil

	case config.StoreMemory:
		logger.Warn("using in-memory store, records are lost on restart")
		return jobs.NewMemoryStore(), func(context.Context) error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// buildPublisher は PUBLISHER に応じた公開先を作成します。
// ローカル公開の場合は配信用ディレクトリも返します。
func buildPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (pipeline.Publisher, string, error) {
	switch cfg.Publisher {
	case config.PublisherS3:
		pub, err := publish.NewS3Publisher(ctx, publish.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3Key,
			SecretAccessKey: cfg.S3Secret,
			Endpoint:        cfg.S3Endpoint,
			PublicBaseURL:   cfg.S3PublicBaseURL,
			PresignExpiry:   cfg.S3PresignExpiry,
			ContentType:     transcode.ContentType,
		}, nil, logger)
		if err != nil {
			return nil, "", fmt.Errorf("setup s3 publisher: %w", err)
		}
		logger.Info("publishing to s3", "bucket", cfg.S3Bucket, "endpoint", cfg.S3Endpoint)
		return pub, "", nil

	case config.PublisherLocal:
		pub, err := publish.NewLocalPublisher(cfg.LocalPublishDir, cfg.PublicBaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("setup local publisher: %w", err)
		}
		logger.Info("publishing to local disk", "dir", pub.Dir(), "base_url", cfg.PublicBaseURL)
		return pub, pub.Dir(), nil
	}
	return nil, "", errors.New("unknown publisher " + cfg.Publisher)
}
