package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/papermerge/s3-worker/internal/config"
	"github.com/papermerge/s3-worker/internal/metrics"
	"github.com/papermerge/s3-worker/internal/preview"
	"github.com/papermerge/s3-worker/internal/rasterize"
	"github.com/papermerge/s3-worker/internal/tasks"
	"github.com/papermerge/s3-worker/internal/util"
	"github.com/papermerge/s3-worker/pkg/domain"
	"github.com/papermerge/s3-worker/pkg/queue"
	"github.com/papermerge/s3-worker/pkg/storage"
	"github.com/papermerge/s3-worker/pkg/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("S3WORKER_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	previewStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to init database", "err", err)
		os.Exit(1)
	}

	gateway, err := storage.NewMinioStore(storage.Options{
		Endpoint:  cfg.StorageEndpoint,
		AccessKey: cfg.StorageAccessKey,
		SecretKey: cfg.StorageSecretKey,
		Bucket:    cfg.StorageBucket,
		Region:    cfg.StorageRegion,
		UseSSL:    cfg.StorageUseSSL,
	})
	if err != nil {
		logger.Error("failed to init object storage", "err", err)
		os.Exit(1)
	}

	taskQueue, err := queue.NewRedisTaskQueue(queue.Config{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     cfg.QueueStream,
		Group:      cfg.QueueGroup,
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: cfg.QueueRetryDelay(),
	})
	if err != nil {
		logger.Error("failed to init task queue", "err", err)
		os.Exit(1)
	}

	workerMetrics := metrics.New()

	pipeline := preview.New(preview.Config{
		Store:        previewStore,
		Gateway:      gateway,
		Renderer:     rasterize.NewLocalRenderer(),
		MediaRoot:    cfg.MediaRoot,
		ObjectPrefix: cfg.ObjectPrefix,
		SizePx: map[domain.PreviewSize]int{
			domain.SizeSM: cfg.PreviewSizeSM,
			domain.SizeMD: cfg.PreviewSizeMD,
			domain.SizeLG: cfg.PreviewSizeLG,
			domain.SizeXL: cfg.PreviewSizeXL,
		},
		ThumbnailPx:     cfg.ThumbnailSize,
		PresignExpiry:   cfg.PresignExpiry(),
		SyncConcurrency: cfg.SyncConcurrency,
		Metrics:         workerMetrics,
		Logger:          logger,
	})

	dispatcher := tasks.NewDispatcher(pipeline, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	taskQueue.Start(ctx, cfg.QueueConcurrency, dispatcher.Handle)
	slog.Info("worker consuming", "stream", cfg.QueueStream, "group", cfg.QueueGroup, "concurrency", cfg.QueueConcurrency)

	mux := http.NewServeMux()
	mux.Handle("/metrics", workerMetrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		slog.Info("metrics server listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "err", err)
	}
}
