package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the local audit trail for the active tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		tc, err := requireSession(a)
		if err != nil {
			return err
		}

		entries, err := a.audit.List(cmd.Context(), tc.TenantID, limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No audit entries")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %-20s %-10s %-36s %s\n",
				e.CreatedAt.Format("2006-01-02 15:04:05"), e.Operation, e.Resource,
				e.ResourceID, dimStyle.Render(e.UserID))
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().Int("limit", 50, "max entries to show")
	rootCmd.AddCommand(auditCmd)
}
