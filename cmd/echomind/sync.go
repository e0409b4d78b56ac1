package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gen-mind/EchoMind/internal/bus"
	"github.com/gen-mind/EchoMind/internal/config"
	"github.com/gen-mind/EchoMind/internal/db"
	"github.com/gen-mind/EchoMind/internal/orchestrator"
)

var syncCmd = &cobra.Command{
	Use:   "sync <connector-id>",
	Short: "Trigger a sync for one connector outside the scheduled cycle.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid connector id %q", args[0])
		}
		return runSync(id)
	},
}

func runSync(connectorID int64) error {
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

	busConn, err := bus.Connect(cfg.NatsURL, cfg.NatsStream, "echomind-cli")
	if err != nil {
		return err
	}
	defer busConn.Close()

	svc := orchestrator.NewService(db.NewStore(pool), busConn, 1)
	session, err := svc.TriggerManualSync(ctx, connectorID)
	if err != nil {
		return err
	}

	slog.Info("sync triggered", "connector_id", connectorID, "session", session)
	return nil
}
