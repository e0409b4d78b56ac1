package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gen-mind/EchoMind/internal/config"
	"github.com/gen-mind/EchoMind/internal/db"
	"github.com/gen-mind/EchoMind/internal/orchestrator"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print connector sync counts by status.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStats()
	},
}

func runStats() error {
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

	svc := orchestrator.NewService(db.NewStore(pool), nil, 1)
	stats, err := svc.SyncStats(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}
