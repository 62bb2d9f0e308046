package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/humanloop/internal/channels"
	"github.com/nextlevelbuilder/humanloop/internal/channels/telegram"
	"github.com/nextlevelbuilder/humanloop/internal/escalation"
)

func askCmd() *cobra.Command {
	var (
		contextText string
		timeoutSec  int
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Send one escalation from the command line and wait for the answer",
		Long: "Sends the question to the configured Telegram chat, waits for an allowed\n" +
			"user to reply and prints the result as JSON. Exits non-zero when the\n" +
			"escalation was not answered.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(strings.Join(args, " "), contextText, timeoutSec)
		},
	}
	cmd.Flags().StringVar(&contextText, "context", "", "extra context shown under the question")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 0, "seconds to wait (default: escalation.default_timeout_sec)")
	return cmd
}

func runAsk(question, contextText string, timeoutSec int) error {
	setupLogging(os.Stderr)

	cfg, _, err := loadValidConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tg, err := telegram.New(cfg.Telegram)
	if err != nil {
		return fmt.Errorf("telegram channel: %w", err)
	}
	stores, err := openStores(cfg)
	if err != nil {
		return fmt.Errorf("history store: %w", err)
	}
	defer stores.Close()

	svc := escalation.NewService(tg, channels.NewAllowlist(cfg.EffectiveAllowFrom()), stores.History, escalation.OptionsFromConfig(cfg))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- svc.Run(runCtx) }()

	res, err := svc.Escalate(ctx, escalation.Request{Question: question, Context: contextText, TimeoutSec: timeoutSec})
	cancel()
	<-done
	if err != nil {
		return err
	}
	if err := printJSON(res); err != nil {
		return err
	}
	if res.Status != escalation.StatusAnswered {
		return errors.New(res.Error)
	}
	return nil
}
