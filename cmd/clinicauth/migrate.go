package main

import (
	"fmt"

	migrations "github.com/PaulFidika/clinicauth/migrations/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the audit trail tables in audit.database_url",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dryRun {
				for _, name := range migrations.Names() {
					printf(cmd, "%s\n", name)
				}
				return nil
			}
			if cfg.Audit.DatabaseURL == "" {
				return fmt.Errorf("audit.database_url is required (or set DATABASE_URL)")
			}
			pool, err := pgxpool.New(cmd.Context(), cfg.Audit.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect audit database: %w", err)
			}
			defer pool.Close()

			for _, name := range migrations.Names() {
				sql, err := migrations.UpSQL(name)
				if err != nil {
					return err
				}
				if _, err := pool.Exec(cmd.Context(), sql); err != nil {
					return fmt.Errorf("apply %s: %w", name, err)
				}
				log.WithField("migration", name).Info("migration applied")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List migrations without applying them")
	return cmd
}
