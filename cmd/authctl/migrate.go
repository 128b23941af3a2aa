package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"befunny.io/auth/internal/migrate"
	"befunny.io/auth/internal/store/pg"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the PostgreSQL schema",
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: withManager(func(cmd *cobra.Command, mgr *migrate.Manager) error {
			applied, err := mgr.Up(cmd.Context())
			if err != nil {
				return err
			}
			return printNames(cmd, "applied", applied)
		}),
	})
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Revert the latest migration",
		RunE: withManager(func(cmd *cobra.Command, mgr *migrate.Manager) error {
			name, err := mgr.Down(cmd.Context())
			if errors.Is(err, migrate.ErrNothingApplied) {
				cmd.Println("nothing to revert")
				return nil
			}
			if err != nil {
				return err
			}
			cmd.Printf("reverted %s\n", name)
			return nil
		}),
	})
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Apply pending seeds",
		RunE: withManager(func(cmd *cobra.Command, mgr *migrate.Manager) error {
			seeded, err := mgr.Seed(cmd.Context())
			if err != nil {
				return err
			}
			return printNames(cmd, "seeded", seeded)
		}),
	})
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List applied migrations",
		RunE: withManager(func(cmd *cobra.Command, mgr *migrate.Manager) error {
			history, err := mgr.Status(cmd.Context())
			if err != nil {
				return err
			}
			for _, item := range history {
				cmd.Println(item)
			}
			return nil
		}),
	})
}

func withManager(fn func(*cobra.Command, *migrate.Manager) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if cfg.PostgresDSN == "" {
			return errors.New("missing DSN: provide via --dsn or AUTH_POSTGRES_DSN")
		}
		store, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer store.Close()
		if err := fn(cmd, migrate.NewManager(store.DB())); err != nil {
			return fmt.Errorf("migrate %s: %w", cmd.Name(), err)
		}
		return nil
	}
}

func printNames(cmd *cobra.Command, verb string, names []string) error {
	if len(names) == 0 {
		cmd.Printf("nothing %s\n", verb)
		return nil
	}
	for _, name := range names {
		cmd.Printf("%s %s\n", verb, name)
	}
	return nil
}
