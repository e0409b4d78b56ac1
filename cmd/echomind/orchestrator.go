package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gen-mind/EchoMind/internal/config"
	"github.com/gen-mind/EchoMind/internal/orchestrator"
)

const shutdownTimeout = 30 * time.Second

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Run the sync orchestrator daemon.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOrchestrator()
	},
}

func runOrchestrator() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	daemon := orchestrator.NewDaemon(cfg)
	if err := daemon.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return daemon.Shutdown(shutdownCtx)
}
