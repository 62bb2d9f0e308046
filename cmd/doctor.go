package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/humanloop/internal/channels/telegram"
	"github.com/nextlevelbuilder/humanloop/internal/config"
	"github.com/nextlevelbuilder/humanloop/internal/store/pg"
	"github.com/nextlevelbuilder/humanloop/internal/store/sqlite"
	"github.com/nextlevelbuilder/humanloop/internal/upgrade"
	"github.com/nextlevelbuilder/humanloop/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, Telegram connectivity and history store health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(offline)
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip checks that call the Telegram Bot API")
	return cmd
}

func runDoctor(offline bool) {
	fmt.Println("humanloop doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using env only)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Validation: %s\n", err)
	} else {
		fmt.Println("  Validation: OK")
	}

	fmt.Println()
	fmt.Println("  Telegram:")
	checkSecret("Token:", cfg.Telegram.Token)
	checkValue("Chat:", cfg.Telegram.ChatID)
	allow := cfg.EffectiveAllowFrom()
	if len(allow) == 0 {
		fmt.Printf("    %-12s NONE (no one can answer)\n", "Allowlist:")
	} else {
		fmt.Printf("    %-12s %v\n", "Allowlist:", allow)
	}
	if !offline && cfg.Telegram.Token != "" {
		checkTelegram(cfg.Telegram)
	}

	fmt.Println()
	fmt.Println("  MCP:")
	fmt.Printf("    %-12s %s\n", "Transport:", cfg.MCP.Transport)
	if cfg.MCP.Transport == "http" {
		fmt.Printf("    %-12s %s\n", "Listen:", cfg.MCP.Listen)
	}

	fmt.Println()
	fmt.Println("  History:")
	fmt.Printf("    %-12s %s\n", "Driver:", cfg.Database.Driver)
	switch cfg.Database.Driver {
	case "sqlite":
		checkSQLite(config.ExpandHome(cfg.Database.SQLitePath))
	case "postgres":
		checkPostgres(cfg.Database.PostgresDSN)
	}

	fmt.Println()
	fmt.Println("  Telemetry:")
	if cfg.Telemetry.Enabled {
		fmt.Printf("    %-12s %s (%s)\n", "Endpoint:", cfg.Telemetry.Endpoint, cfg.Telemetry.Protocol)
	} else {
		fmt.Printf("    %-12s disabled\n", "Status:")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkSecret(label, value string) {
	if value == "" {
		fmt.Printf("    %-12s (not configured)\n", label)
		return
	}
	if len(value) <= 8 {
		fmt.Printf("    %-12s ***\n", label)
		return
	}
	fmt.Printf("    %-12s %s***%s\n", label, value[:4], value[len(value)-4:])
}

func checkValue(label, value string) {
	if value == "" {
		fmt.Printf("    %-12s (not configured)\n", label)
		return
	}
	fmt.Printf("    %-12s %s\n", label, value)
}

func checkTelegram(cfg config.TelegramConfig) {
	tg, err := telegram.New(cfg)
	if err != nil {
		fmt.Printf("    %-12s FAILED (%s)\n", "Bot:", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	username, err := tg.Ping(ctx)
	if err != nil {
		fmt.Printf("    %-12s UNREACHABLE (%s)\n", "Bot:", err)
		return
	}
	fmt.Printf("    %-12s @%s (OK)\n", "Bot:", username)
}

func checkSQLite(path string) {
	fmt.Printf("    %-12s %s", "Path:", path)
	h, err := sqlite.Open(path)
	if err != nil {
		fmt.Printf(" (OPEN FAILED: %s)\n", err)
		return
	}
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Ping(ctx); err != nil {
		fmt.Printf(" (PING FAILED: %s)\n", err)
		return
	}
	fmt.Println(" (OK)")
}

func checkPostgres(dsn string) {
	if dsn == "" {
		fmt.Printf("    %-12s HUMANLOOP_POSTGRES_DSN not set\n", "Status:")
		return
	}
	db, err := pg.OpenDB(dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()
	fmt.Printf("    %-12s connected\n", "Status:")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := upgrade.CheckSchema(ctx, db)
	switch {
	case err != nil:
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
	case s.Dirty:
		fmt.Printf("    %-12s v%d (DIRTY, run: humanloop migrate force %d)\n", "Schema:", s.CurrentVersion, s.CurrentVersion-1)
	case s.Compatible:
		fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
	default:
		fmt.Printf("    %-12s v%d (migration needed, run: humanloop migrate up)\n", "Schema:", s.CurrentVersion)
	}
}
