package cmd

import (
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/humanloop/internal/config"
	"github.com/nextlevelbuilder/humanloop/internal/store"
	"github.com/nextlevelbuilder/humanloop/internal/store/pg"
	"github.com/nextlevelbuilder/humanloop/internal/store/sqlite"
)

// loadValidConfig loads the config file (plus env overrides) and rejects
// configurations that cannot run an escalation.
func loadValidConfig() (*config.Config, string, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, err
	}
	return cfg, cfgPath, nil
}

// openStores opens the configured history backend. History is nil when the
// driver is "none".
func openStores(cfg *config.Config) (*store.Stores, error) {
	if !cfg.HistoryEnabled() {
		return &store.Stores{}, nil
	}

	switch cfg.Database.Driver {
	case "sqlite":
		path := config.ExpandHome(cfg.Database.SQLitePath)
		h, err := sqlite.Open(path)
		if err != nil {
			return nil, err
		}
		slog.Info("history store opened", "driver", "sqlite", "path", path)
		return &store.Stores{History: h}, nil
	case "postgres":
		h, err := pg.Open(cfg.Database.PostgresDSN)
		if err != nil {
			return nil, err
		}
		slog.Info("history store opened", "driver", "postgres")
		return &store.Stores{History: h}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}
