// Command s3w is the operator CLI: it runs storage operations directly
// against the configured backend, or enqueues them for the worker fleet.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/papermerge/s3-worker/internal/config"
	"github.com/papermerge/s3-worker/internal/preview"
	"github.com/papermerge/s3-worker/internal/rasterize"
	"github.com/papermerge/s3-worker/internal/tasks"
	"github.com/papermerge/s3-worker/internal/util"
	"github.com/papermerge/s3-worker/pkg/domain"
	"github.com/papermerge/s3-worker/pkg/queue"
	"github.com/papermerge/s3-worker/pkg/storage"
	"github.com/papermerge/s3-worker/pkg/store"
)

const usage = `usage: s3w <command> [args]

commands:
  upload <relative-path>        upload one file from the media root
  add-doc-vers <uuid>...        upload document version source files
  remove-doc-vers <uuid>...     delete document versions from storage
  doc-thumbnail <uuid>          generate a document thumbnail
  page-previews <uuid>...       generate page previews
  remove-doc-thumbnail <uuid>   delete a document's thumbnails
  remove-page-previews <uuid>.. delete page previews
  delete <key>...               delete stored keys (prefix match)
  sync                          upload every local file missing from storage
  presign <key> [-expiry 1h]    print a presigned GET URL
  enqueue <task> <uuid>...      enqueue a task instead of running it here
  list <prefix>                 list stored keys under a prefix
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load(os.Getenv("S3WORKER_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx := context.Background()
	command, args := os.Args[1], os.Args[2:]

	if command == "enqueue" {
		if err := enqueue(ctx, cfg, args); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
		return
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
		fmt.Fprintf(os.Stderr, "FATAL: failed to init object storage: %v\n", err)
		os.Exit(1)
	}

	pipelineCfg := preview.Config{
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
		Logger:          logger,
	}

	// Generation commands need the status store; pure storage commands
	// work without a database.
	switch command {
	case "doc-thumbnail", "page-previews":
		previewStore, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: failed to init database: %v\n", err)
			os.Exit(1)
		}
		pipelineCfg.Store = previewStore
	}
	pipeline := preview.New(pipelineCfg)

	if err := run(ctx, pipeline, gateway, command, args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, pipeline *preview.Pipeline, gateway storage.Gateway, command string, args []string) error {
	switch command {
	case "upload":
		if len(args) != 1 {
			return fmt.Errorf("upload expects one relative path")
		}
		return pipeline.UploadFile(ctx, args[0])
	case "add-doc-vers":
		return pipeline.AddDocVers(ctx, args)
	case "remove-doc-vers":
		return pipeline.RemoveDocVers(ctx, args)
	case "doc-thumbnail":
		return withOneUUID(ctx, args, pipeline.GenerateDocThumbnail)
	case "page-previews":
		for _, raw := range args {
			if err := withOneUUID(ctx, []string{raw}, pipeline.GeneratePagePreview); err != nil {
				return err
			}
		}
		return nil
	case "remove-doc-thumbnail":
		if len(args) != 1 {
			return fmt.Errorf("remove-doc-thumbnail expects one uuid")
		}
		return pipeline.RemoveDocThumbnail(ctx, args[0])
	case "remove-page-previews":
		return pipeline.RemovePageThumbnail(ctx, args)
	case "sync":
		return pipeline.Sync(ctx)
	case "presign":
		fs := flag.NewFlagSet("presign", flag.ExitOnError)
		expiry := fs.Duration("expiry", 0, "URL lifetime, e.g. 30m (default from config)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("presign expects one object key")
		}
		url, err := pipeline.PresignURL(ctx, fs.Arg(0), *expiry)
		if err != nil {
			return err
		}
		fmt.Println(url)
		return nil
	case "delete":
		if len(args) == 0 {
			return fmt.Errorf("delete expects at least one key")
		}
		for _, key := range args {
			if err := gateway.DeleteByPrefix(ctx, key); err != nil {
				return err
			}
		}
		return nil
	case "list":
		if len(args) != 1 {
			return fmt.Errorf("list expects one prefix")
		}
		keys, err := gateway.List(ctx, args[0])
		if err != nil {
			return err
		}
		for _, key := range keys {
			fmt.Println(key)
		}
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func enqueue(ctx context.Context, cfg config.FileConfig, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("enqueue expects a task name")
	}
	taskQueue, err := queue.NewRedisTaskQueue(queue.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   cfg.QueueStream,
		Group:    cfg.QueueGroup,
	})
	if err != nil {
		return err
	}
	producer := tasks.NewProducer(taskQueue)

	name, ids := args[0], args[1:]
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch name {
	case tasks.TaskAddDocVers:
		return producer.AddDocVers(ctx, ids)
	case tasks.TaskRemoveDocVers:
		return producer.RemoveDocVers(ctx, ids)
	case tasks.TaskRemoveDocThumbnail:
		if len(ids) != 1 {
			return fmt.Errorf("%s expects one uuid", name)
		}
		return producer.RemoveDocThumbnail(ctx, ids[0])
	case tasks.TaskRemoveDocsThumbnail:
		return producer.RemoveDocsThumbnail(ctx, ids)
	case tasks.TaskRemovePageThumbnail:
		return producer.RemovePageThumbnail(ctx, ids)
	case tasks.TaskGenerateDocThumbnail:
		if len(ids) != 1 {
			return fmt.Errorf("%s expects one uuid", name)
		}
		return producer.GenerateDocThumbnail(ctx, ids[0])
	case tasks.TaskGeneratePageImage:
		if len(ids) != 1 {
			return fmt.Errorf("%s expects one uuid", name)
		}
		return producer.GeneratePageImage(ctx, ids[0])
	case tasks.TaskSync:
		return producer.Sync(ctx)
	default:
		return fmt.Errorf("unknown task %q", name)
	}
}

func withOneUUID(ctx context.Context, args []string, fn func(context.Context, uuid.UUID) error) error {
	if len(args) != 1 {
		return fmt.Errorf("expects one uuid")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("parse uuid %q: %w", args[0], err)
	}
	return fn(ctx, id)
}
