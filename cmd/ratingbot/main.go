// Command ratingbot watches delivery-platform restaurant ratings and tells
// subscribed Telegram chats when one changes.
//
// Usage:
//
//	ratingbot run --config ./config.yaml
//	ratingbot check --config ./config.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"ratingbot/internal/app"
	"ratingbot/internal/config"
)

func main() {
	_ = godotenv.Load(".env")

	var cfgPath string
	root := &cobra.Command{
		Use:           "ratingbot",
		Short:         "Restaurant rating change notifier for Telegram",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to config file (JSON or YAML)")

	root.AddCommand(runCmd(&cfgPath))
	root.AddCommand(checkCmd(&cfgPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		if errors.Is(err, config.ErrConfigMissing) {
			fmt.Fprintln(os.Stderr, "hint: set BOT_TOKEN or telegram.token")
		}
		os.Exit(1)
	}
}

func runCmd(cfgPath *string) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start polling and serving bot commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, *cfgPath)
			if err != nil {
				return err
			}
			// The run context outlives the signal so Stop can drain a tick.
			if err := a.Start(context.Background()); err != nil {
				sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
				defer scancel()
				_ = a.Stop(sctx, app.StopStartup)
				return err
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
			defer scancel()
			_ = a.Stop(sctx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func checkCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and print the effective sections",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok: %s\n", *cfgPath)
			fmt.Fprintf(out, "  schedule: %s (workers=%d)\n", cfg.Poll.Schedule, cfg.Poll.Workers)
			fmt.Fprintf(out, "  storage:  %s\n", cfg.Storage.Driver)
			fmt.Fprintf(out, "  subjects: %d configured, default postal code %s\n", len(cfg.Poll.Subjects), cfg.Source.DefaultPostalCode)
			fmt.Fprintf(out, "  ops:      enabled=%t addr=%s\n", cfg.Ops.Enabled, cfg.Ops.Addr)
			return nil
		},
	}
}
