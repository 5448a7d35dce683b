package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Manage device registrations for the logged-in user",
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := loadSession()
		if err != nil {
			return err
		}

		devices, err := a.licenses.DevicesByUser(cmd.Context(), s.UserID)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("No devices registered")
			return nil
		}
		for _, d := range devices {
			state := syncedStyle.Render("active")
			if !d.Active {
				state = dimStyle.Render("revoked")
			}
			marker := "  "
			if d.DeviceID == s.DeviceID {
				marker = "* "
			}
			fmt.Printf("%s%-20s %-10s %s  last active %s\n", marker, d.DeviceID, d.Platform,
				state, d.LastActiveAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var devicesRevokeCmd = &cobra.Command{
	Use:   "revoke <device-id>",
	Short: "Deactivate a device, freeing a license seat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := loadSession()
		if err != nil {
			return err
		}

		if err := a.validator.RevokeDevice(cmd.Context(), s.UserID, args[0]); err != nil {
			return err
		}
		fmt.Printf("Device %s revoked\n", args[0])
		return nil
	},
}

var devicesReactivateCmd = &cobra.Command{
	Use:   "reactivate <device-id>",
	Short: "Reactivate a revoked device (subject to the device ceiling)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := loadSession()
		if err != nil {
			return err
		}

		if err := a.validator.ReactivateDevice(cmd.Context(), s.UserID, args[0]); err != nil {
			return err
		}
		fmt.Printf("Device %s reactivated\n", args[0])
		return nil
	},
}

func init() {
	devicesCmd.AddCommand(devicesListCmd, devicesRevokeCmd, devicesReactivateCmd)
	rootCmd.AddCommand(devicesCmd)
}
