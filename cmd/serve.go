package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/humanloop/internal/channels"
	"github.com/nextlevelbuilder/humanloop/internal/channels/telegram"
	"github.com/nextlevelbuilder/humanloop/internal/config"
	"github.com/nextlevelbuilder/humanloop/internal/escalation"
	"github.com/nextlevelbuilder/humanloop/internal/mcp"
	"github.com/nextlevelbuilder/humanloop/internal/tracing"
)

type serveOptions struct {
	transport string
	listen    string
}

func serveCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}
	cmd.Flags().StringVar(&opts.transport, "transport", "", "MCP transport: stdio or http (overrides config)")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "listen address for the http transport (overrides config)")
	return cmd
}

func runServe(opts serveOptions) error {
	// stdout belongs to the MCP stdio transport.
	setupLogging(os.Stderr)

	cfg, cfgPath, err := loadValidConfig()
	if err != nil {
		slog.Error("cannot start", "error", err)
		return err
	}
	if opts.transport != "" {
		cfg.MCP.Transport = opts.transport
	}
	if opts.listen != "" {
		cfg.MCP.Listen = opts.listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	tg, err := telegram.New(cfg.Telegram)
	if err != nil {
		return fmt.Errorf("telegram channel: %w", err)
	}
	ch := channels.NewRateLimited(tg, cfg.Telegram.SendRatePerMinute)

	stores, err := openStores(cfg)
	if err != nil {
		return fmt.Errorf("history store: %w", err)
	}
	defer stores.Close()

	allow := channels.NewAllowlist(cfg.EffectiveAllowFrom())
	svc := escalation.NewService(ch, allow, stores.History, escalation.OptionsFromConfig(cfg))
	server := mcp.NewServer(svc, Version)

	slog.Info("humanloop starting",
		"version", Version,
		"transport", cfg.MCP.Transport,
		"chat_id", cfg.Telegram.ChatID,
		"allowed_senders", allow.Len(),
		"history", cfg.Database.Driver,
	)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error { return svc.Run(runCtx) })

	if _, statErr := os.Stat(cfgPath); statErr == nil {
		watcher, err := config.NewWatcher(cfgPath, cfg, func(fresh *config.Config) {
			allow.Replace(fresh.EffectiveAllowFrom())
			slog.Info("allowlist reloaded", "allowed_senders", allow.Len())
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		} else {
			g.Go(func() error { return watcher.Run(runCtx) })
		}
	}

	g.Go(func() error {
		// The stdio client closing its end ends the whole process.
		defer cancel()
		return mcp.Serve(runCtx, server, cfg.MCP.Transport, cfg.MCP.Listen, os.Stdin, os.Stdout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("humanloop stopped", "error", err)
		return err
	}
	slog.Info("humanloop stopped", "pending", svc.Pending())
	return nil
}
