package main

import (
	"github.com/spf13/cobra"
)

var permissionsCmd = &cobra.Command{
	Use:   "permissions [permission...]",
	Short: "Show what the signed-in user may do",
	Example: `  carmarket permissions
  carmarket permissions publish:vehicle delete:vehicle`,
	RunE: runPermissions,
}

func init() {
	rootCmd.AddCommand(permissionsCmd)
}

func runPermissions(cmd *cobra.Command, args []string) error {
	if err := requireSession(cmd); err != nil {
		return err
	}
	ctx := commandContext(cmd)

	if len(args) > 0 {
		got := apiClient.Permissions.Check(ctx, args...)
		embedded := make(map[string]bool, len(args))
		for _, p := range args {
			embedded[p] = apiClient.Auth.HasPermission(p)
		}

		if jsonOutput {
			printJSON(map[string]interface{}{
				"backend": got,
				"token":   embedded,
			})
			return nil
		}
		for _, p := range args {
			if got[p] {
				printSuccess("  ✓ %s", p)
			} else {
				printWarning("  ✗ %s", p)
			}
			if embedded[p] != got[p] {
				printInfo("    token claims disagree (token grants: %t)", embedded[p])
			}
		}
		return nil
	}

	granted, err := apiClient.Permissions.Fetch(ctx)
	if err != nil {
		return err
	}
	vehicle := apiClient.Permissions.VehiclePermissions(ctx)

	if jsonOutput {
		printJSON(map[string]interface{}{
			"permissions": granted,
			"vehicle":     vehicle,
		})
		return nil
	}

	printInfo("Granted permissions:")
	for _, p := range granted {
		printInfo("  %s", p)
	}
	printInfo("Listings: create=%t read=%t update=%t delete=%t publish=%t",
		vehicle.CanCreate, vehicle.CanRead, vehicle.CanUpdate, vehicle.CanDelete, vehicle.CanPublish)
	return nil
}
