package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var permissionsCmd = &cobra.Command{
	Use:   "permissions",
	Short: "Manage the permission catalogue",
}

var permissionsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Register a permission for every HTTP API route",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		added, err := a.SyncPermissions(cmd.Context())
		if err != nil {
			return fmt.Errorf("sync permissions: %w", err)
		}
		cmd.Printf("%d permissions added\n", added)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(permissionsCmd)
	permissionsCmd.AddCommand(permissionsSyncCmd)
}
