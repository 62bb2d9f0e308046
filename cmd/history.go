package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/humanloop/internal/channels"
	"github.com/nextlevelbuilder/humanloop/internal/config"
	"github.com/nextlevelbuilder/humanloop/internal/store"
)

func historyCmd() *cobra.Command {
	var (
		statuses []string
		limit    int
		since    time.Duration
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded escalations (requires a history database)",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.HistoryFilter{Statuses: statuses, Limit: limit}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			return withHistory(func(ctx context.Context, h store.HistoryStore) error {
				recs, err := h.List(ctx, filter)
				if err != nil {
					return fmt.Errorf("list history: %w", err)
				}
				if asJSON {
					return printJSON(recs)
				}
				printHistoryTable(recs)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only show these statuses (answered, timeout, cancelled, send_failed, submitted, expired)")
	cmd.Flags().IntVarP(&limit, "limit", "n", store.DefaultHistoryLimit, "maximum rows to show")
	cmd.Flags().DurationVar(&since, "since", 0, "only show escalations newer than this (e.g. 24h)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	cmd.AddCommand(historyShowCmd())
	return cmd
}

func historyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <correlation-id>",
		Short: "Show one recorded escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(func(ctx context.Context, h store.HistoryStore) error {
				rec, err := h.Get(ctx, args[0])
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("no escalation %q in history", args[0])
				}
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
}

func withHistory(fn func(ctx context.Context, h store.HistoryStore) error) error {
	cfg, err := loadHistoryConfig()
	if err != nil {
		return err
	}
	stores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()
	if stores.History == nil {
		return fmt.Errorf("no history database configured (set database.driver to sqlite or postgres)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, stores.History)
}

// loadHistoryConfig loads config without requiring Telegram credentials:
// reading history works on a machine that never talks to the bot.
func loadHistoryConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func printHistoryTable(recs []store.EscalationRecord) {
	if len(recs) == 0 {
		fmt.Println("No escalations recorded.")
		return
	}
	fmt.Printf("%-32s  %-11s  %-19s  %-40s  %s\n", "ID", "STATUS", "CREATED", "QUESTION", "ANSWER")
	for _, r := range recs {
		answer := "-"
		if r.Answer != nil {
			answer = channels.Truncate(oneLine(*r.Answer), 40)
		}
		fmt.Printf("%-32s  %-11s  %-19s  %-40s  %s\n",
			r.ID,
			r.Status,
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			channels.Truncate(oneLine(r.Question), 40),
			answer,
		)
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
