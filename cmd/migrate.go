package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/groupwatch/internal/config"
	"github.com/nextlevelbuilder/groupwatch/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending store schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			dbPath := filepath.Join(config.ExpandHome(cfg.Core.StoreDir), "messages.db")
			st, err := store.Open(context.Background(), dbPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			fmt.Printf("store ready at %s\n", dbPath)
			return nil
		},
	}
}
