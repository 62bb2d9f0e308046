package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/humanloop/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config (file + env) with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return printJSON(cfg.MaskedCopy())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check that the effective config can run the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := loadValidConfig(); err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path in use",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})
	return cmd
}
