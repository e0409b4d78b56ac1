package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gen-mind/EchoMind/internal/bus"
	"github.com/gen-mind/EchoMind/internal/config"
	"github.com/gen-mind/EchoMind/internal/connectors/gmail"
	"github.com/gen-mind/EchoMind/internal/connectors/registry"
	"github.com/gen-mind/EchoMind/internal/db"
	"github.com/gen-mind/EchoMind/internal/storage"
	"github.com/gen-mind/EchoMind/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a connector sync worker.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func runWorker() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	busConn, err := bus.Connect(cfg.NatsURL, cfg.NatsStream, "echomind-worker")
	if err != nil {
		return err
	}
	defer busConn.Close()

	objects, err := storage.New(ctx, storage.Config{
		Endpoint:  cfg.ObjectStoreEndpoint,
		Region:    cfg.ObjectStoreRegion,
		AccessKey: cfg.ObjectStoreAccessKey,
		SecretKey: cfg.ObjectStoreSecretKey,
		Bucket:    cfg.ObjectStoreBucket,
	})
	if err != nil {
		return err
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		return err
	}

	reg := registry.NewRegistry()
	if err := reg.Register(gmail.Definition{}); err != nil {
		return err
	}

	w := worker.New(db.NewStore(pool), objects, reg)
	sub, err := w.Subscribe(busConn, cfg.WorkerQueueGroup)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Drain() }()

	slog.Info("worker started",
		"queue_group", cfg.WorkerQueueGroup, "kinds", reg.Kinds())
	<-ctx.Done()
	return nil
}
