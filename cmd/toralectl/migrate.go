package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/torale/core/internal/config"
	"github.com/torale/core/internal/store/pg"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openConfiguredDB()
			if err != nil {
				return err
			}
			defer db.Close()
			if err := pg.Migrate(db); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func migrateDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back every applied migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openConfiguredDB()
			if err != nil {
				return err
			}
			defer db.Close()
			if err := pg.MigrateDown(db); err != nil {
				return err
			}
			fmt.Println("migrations rolled back")
			return nil
		},
	}
}

func openConfiguredDB() (*sql.DB, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	db, err := pg.OpenDB(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return db, nil
}
