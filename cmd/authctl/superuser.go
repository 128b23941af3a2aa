package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"befunny.io/auth/internal/app"
	"befunny.io/auth/internal/auth"
	"befunny.io/auth/internal/config"
)

var createSuperuserCmd = &cobra.Command{
	Use:   "createsuperuser",
	Short: "Create or repair the administrator account",
	Long: `Ensures the account exists, holds the admin role and that the role
carries every permission the HTTP API exposes. Running it again is safe;
the password of an existing account is not changed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		creds := auth.Credentials{Login: cfg.AdminLogin, Password: cfg.AdminPassword}
		if creds.Login == "" {
			return errors.New("admin login is required (--login or AUTH_ADMIN_LOGIN)")
		}
		if len(creds.Password) > auth.MaxPasswordBytes {
			return fmt.Errorf("password must be at most %d bytes", auth.MaxPasswordBytes)
		}

		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.SyncPermissions(ctx); err != nil {
			return fmt.Errorf("sync permissions: %w", err)
		}
		if err := a.EnsureDefaultRole(ctx, cfg.DefaultRole); err != nil {
			return fmt.Errorf("default role: %w", err)
		}
		user, err := auth.EnsureSuperuser(ctx, a.Issuer, a.Admin, creds)
		if err != nil {
			return err
		}
		perms := 0
		if user.Role != nil {
			perms = len(user.Role.Permissions)
		}
		cmd.Printf("superuser %q ready (role %s, %d permissions)\n", user.Login, auth.SuperuserRole, perms)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(createSuperuserCmd)

	createSuperuserCmd.Flags().String("login", "", "administrator login (default $AUTH_ADMIN_LOGIN)")
	_ = v.BindPFlag(config.AdminLoginKey, createSuperuserCmd.Flags().Lookup("login"))

	createSuperuserCmd.Flags().String("password", "", "administrator password (default $AUTH_ADMIN_PASSWORD)")
	_ = v.BindPFlag(config.AdminPasswordKey, createSuperuserCmd.Flags().Lookup("password"))
}

// buildApp assembles the service against the configured backends and makes
// sure the schema exists.
func buildApp(cmd *cobra.Command) (*app.App, error) {
	if cfg.PostgresDSN == "" {
		return nil, errors.New("missing DSN: provide via --dsn or AUTH_POSTGRES_DSN")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	a, err := app.Build(cmd.Context(), cfg, version)
	if err != nil {
		return nil, err
	}
	if err := a.Migrate(cmd.Context()); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}
