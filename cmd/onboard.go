package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/humanloop/internal/channels/telegram"
	"github.com/nextlevelbuilder/humanloop/internal/config"
	"github.com/nextlevelbuilder/humanloop/internal/store/pg"
)

func onboardCmd() *cobra.Command {
	var (
		auto        bool
		saveSecrets bool
	)
	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Create a config file interactively (or from env with --auto)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if auto || (canAutoOnboard() && !isTerminal()) {
				if !runAutoOnboard(cfgPath, saveSecrets) {
					return errors.New("auto-onboard failed")
				}
				return nil
			}
			return runOnboard(cfgPath, saveSecrets)
		},
	}
	cmd.Flags().BoolVar(&auto, "auto", false, "non-interactive setup from HUMANLOOP_* environment variables")
	cmd.Flags().BoolVar(&saveSecrets, "save-token", false, "write the bot token into the config file (default: keep it in env only)")
	return cmd
}

// canAutoOnboard reports whether the environment already carries enough to
// build a config (e.g. in a container).
func canAutoOnboard() bool {
	return firstEnv("HUMANLOOP_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN") != "" &&
		firstEnv("HUMANLOOP_TELEGRAM_CHAT_ID", "TELEGRAM_CHAT_ID") != ""
}

func isTerminal() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func runOnboard(cfgPath string, saveSecrets bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	allowFrom := strings.Join(cfg.Telegram.AllowFrom, ",")
	timeout := strconv.Itoa(cfg.Escalation.DefaultTimeoutSec)
	driver := cfg.Database.Driver
	transport := cfg.MCP.Transport
	verify := true

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather. Kept in env (HUMANLOOP_TELEGRAM_TOKEN) unless --save-token.").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Telegram.Token).
				Validate(required("bot token")),
			huh.NewInput().
				Title("Chat id").
				Description("Numeric chat id, or @channelname. A private chat id also becomes the allowed user.").
				Value(&cfg.Telegram.ChatID).
				Validate(required("chat id")),
			huh.NewInput().
				Title("Allowed senders").
				Description("Comma-separated user ids or @usernames allowed to answer. Empty = private chat owner.").
				Value(&allowFrom),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Default timeout (seconds)").
				Value(&timeout).
				Validate(positiveInt),
			huh.NewSelect[string]().
				Title("MCP transport").
				Options(
					huh.NewOption("stdio (spawned by the MCP client)", "stdio"),
					huh.NewOption("streamable HTTP", "http"),
				).
				Value(&transport),
			huh.NewSelect[string]().
				Title("Escalation history").
				Options(
					huh.NewOption("None", "none"),
					huh.NewOption("SQLite file", "sqlite"),
					huh.NewOption("Postgres (HUMANLOOP_POSTGRES_DSN)", "postgres"),
				).
				Value(&driver),
			huh.NewConfirm().
				Title("Verify the bot token now?").
				Value(&verify),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("onboard form: %w", err)
	}

	cfg.Telegram.AllowFrom = splitList(allowFrom)
	cfg.Escalation.DefaultTimeoutSec, _ = strconv.Atoi(timeout)
	cfg.MCP.Transport = transport
	cfg.Database.Driver = driver

	if verify {
		fmt.Print("Verifying bot token...")
		username, err := pingBot(cfg.Telegram)
		if err != nil {
			fmt.Println(" FAILED")
			return err
		}
		fmt.Printf(" OK (@%s)\n", username)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Printf("Warning: %v\n", err)
	}
	return saveOnboardConfig(cfgPath, cfg, saveSecrets)
}

// runAutoOnboard builds a config purely from env vars. Returns false on a
// fatal error.
func runAutoOnboard(cfgPath string, saveSecrets bool) bool {
	fmt.Println("Auto-onboard: environment variables detected, running non-interactive setup...")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %v\n", err)
		return false
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  %v\n", err)
		return false
	}

	fmt.Print("  Verifying bot token...")
	username, err := pingBot(cfg.Telegram)
	if err != nil {
		fmt.Println(" FAILED")
		fmt.Printf("  Error: %v\n", err)
		return false
	}
	fmt.Printf(" OK (@%s)\n", username)

	if cfg.Database.PostgresDSN != "" && cfg.Database.Driver == "none" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.Driver == "postgres" {
		if !autoMigrate(cfg.Database.PostgresDSN) {
			return false
		}
	}

	if err := saveOnboardConfig(cfgPath, cfg, saveSecrets); err != nil {
		fmt.Printf("  Warning: could not save config: %v\n", err)
	}
	fmt.Println("Auto-onboard complete.")
	return true
}

// autoMigrate waits for Postgres (a container may still be starting) and
// applies pending migrations.
func autoMigrate(dsn string) bool {
	fmt.Print("  Testing Postgres connection...")
	var pgErr error
	for attempt := 1; attempt <= 5; attempt++ {
		db, err := pg.OpenDB(dsn)
		if err == nil {
			db.Close()
			pgErr = nil
			break
		}
		pgErr = err
		if attempt < 5 {
			fmt.Printf(" retry %d/5...", attempt)
			time.Sleep(2 * time.Second)
		}
	}
	if pgErr != nil {
		fmt.Println(" FAILED")
		fmt.Printf("  Error: %v\n", pgErr)
		return false
	}
	fmt.Println(" OK")

	fmt.Print("  Running migrations...")
	m, err := newMigrator(dsn)
	if err != nil {
		fmt.Printf(" error: %v\n", err)
		fmt.Println("  Continuing without migration (run manually: humanloop migrate up)")
		return true
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		fmt.Printf(" error: %v\n", err)
		fmt.Println("  Continuing without migration (run manually: humanloop migrate up)")
		return true
	}
	v, _, _ := m.Version()
	fmt.Printf(" OK (version: %d)\n", v)
	return true
}

func saveOnboardConfig(cfgPath string, cfg *config.Config, saveSecrets bool) error {
	save := config.Save
	if saveSecrets {
		save = config.SaveWithSecrets
	}
	if err := save(cfgPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("Config saved to %s\n", cfgPath)
	if !saveSecrets {
		fmt.Println("Export the bot token before starting: export HUMANLOOP_TELEGRAM_TOKEN=...")
	}
	return nil
}

func pingBot(cfg config.TelegramConfig) (string, error) {
	tg, err := telegram.New(cfg)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return tg.Ping(ctx)
}

func required(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

func positiveInt(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return errors.New("must be a positive number of seconds")
	}
	return nil
}

func splitList(s string) config.FlexibleStringSlice {
	var out config.FlexibleStringSlice
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
