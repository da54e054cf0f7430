package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ledgerlens/ledgerlens/pkg/mcp"
	"github.com/ledgerlens/ledgerlens/pkg/schedule"
	"github.com/ledgerlens/ledgerlens/pkg/server"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the analysis HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			go a.syncLoop(ctx, a.cfg.SyncInterval)
			if a.cfg.Schedule.Enabled {
				runner := schedule.NewRunner(a.schedules, a.orch, a.cfg.Schedule.PollInterval, a.log)
				go runner.Run(ctx)
			}

			srv := server.New(a.cfg, a.orch, a.schedules, a.metrics, a.log)
			a.log.Infof("starting ledgerlens with config: %q", configPath)
			return srv.ListenAndServe(ctx)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newMCPCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve ledgerlens tools over MCP (stdio)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			go a.syncLoop(ctx, a.cfg.SyncInterval)

			opts := mcp.Options{
				DefaultDaysBack: a.cfg.Analysis.DefaultDaysBack,
				Version:         version,
				Logger:          a.log,
			}
			var logs mcp.LogSearcher
			if a.auditor != nil {
				logs = a.auditor
			}
			return mcp.New(a.orch, logs, opts).Run(ctx, os.Stdin, os.Stdout)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
