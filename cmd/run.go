package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openpaw/openpaw/internal/config"
	"github.com/openpaw/openpaw/internal/telemetry"
	"github.com/openpaw/openpaw/internal/workspace"
)

func runCmd() *cobra.Command {
	var workspaceDir string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a workspace agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := filepath.Abs(workspaceDir)
			if err != nil {
				return err
			}

			cfg, err := config.Load(globalConfig, filepath.Join(root, "agent.yaml"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Workspace)
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			defer func() {
				if err := shutdownTelemetry(context.Background()); err != nil {
					slog.Error("telemetry shutdown", "error", err)
				}
			}()

			ws, err := workspace.New(root, cfg)
			if err != nil {
				return fmt.Errorf("build workspace: %w", err)
			}
			return ws.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&workspaceDir, "workspace", "w", ".", "workspace directory")
	return cmd
}
