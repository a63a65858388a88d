package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/climatoology/climatoology/store"
)

func init() {
	RootCmd.AddCommand(migrateCmd)
}

// migrateCmd creates or updates the database schema and exits. Deployments
// that separate migration from serving run this from an init container; the
// gateway migrates on startup anyway.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		st, err := store.Open(cfg.Database.DSN(), logger)
		if err != nil {
			return fmt.Errorf("failed to open computation store: %w", err)
		}
		defer st.Close()

		if err := st.Migrate(); err != nil {
			return fmt.Errorf("failed to migrate computation store: %w", err)
		}
		logger.Info("schema is up to date")
		return nil
	},
}
