package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fieldproof/fieldproof/internal/license"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Establish a local session for a user, tenant, and device",
	Long: `Store the identity used for all subsequent commands. The device is
registered against the user's license; registration fails when the license
is missing, expired, or the device ceiling is reached.

Example:
  fp login --user u-17 --tenant t-acme --device tablet-04 --role member \
      --perm "batch_*" --perm photo_create`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		tenantID, _ := cmd.Flags().GetString("tenant")
		deviceID, _ := cmd.Flags().GetString("device")
		role, _ := cmd.Flags().GetString("role")
		perms, _ := cmd.Flags().GetStringArray("perm")
		platform, _ := cmd.Flags().GetString("platform")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		_, err = a.validator.RegisterDevice(cmd.Context(), userID, license.DeviceInfo{
			DeviceID: deviceID,
			Platform: platform,
		})
		if err != nil {
			return fmt.Errorf("device registration failed: %w", err)
		}

		if _, err := a.validator.Validate(cmd.Context(), userID, deviceID); err != nil {
			return fmt.Errorf("license check failed: %w", err)
		}

		s := &Session{
			UserID:      userID,
			TenantID:    tenantID,
			DeviceID:    deviceID,
			Role:        role,
			Permissions: perms,
		}
		if err := saveSession(s); err != nil {
			return err
		}

		fmt.Printf("Logged in as %s (tenant %s, device %s, role %s)\n", userID, tenantID, deviceID, role)
		if len(perms) > 0 {
			fmt.Printf("Permissions: %s\n", strings.Join(perms, ", "))
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Discard the local session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.Remove(sessionPath()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove session: %w", err)
		}
		fmt.Println("Logged out")
		return nil
	},
}

func init() {
	loginCmd.Flags().String("user", "", "user id")
	loginCmd.Flags().String("tenant", "", "tenant id")
	loginCmd.Flags().String("device", "", "device id")
	loginCmd.Flags().String("platform", runtime.GOOS, "device platform label")
	loginCmd.Flags().String("role", "member", "role: owner, admin, member, viewer")
	loginCmd.Flags().StringArray("perm", nil, "granted permission (repeatable, supports trailing *)")
	_ = loginCmd.MarkFlagRequired("user")
	_ = loginCmd.MarkFlagRequired("tenant")
	_ = loginCmd.MarkFlagRequired("device")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
