package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/fieldproof/fieldproof/internal/entity"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true)
	dimStyle      = lipgloss.NewStyle().Faint(true)
	syncedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	conflictStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
)

func init() {
	// Respect NO_COLOR and dumb terminals.
	lipgloss.SetColorProfile(termenv.EnvColorProfile())
}

func renderSyncState(s entity.SyncState) string {
	switch s {
	case entity.SyncSynced:
		return syncedStyle.Render(string(s))
	case entity.SyncPending:
		return pendingStyle.Render(string(s))
	case entity.SyncError:
		return errorStyle.Render(string(s))
	case entity.SyncConflict:
		return conflictStyle.Render(string(s))
	default:
		return string(s)
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depths, conflicts, and license state",
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
		tc, err := requireSession(a)
		if err != nil {
			return err
		}

		stats, err := a.queue.Stats(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Println(headerStyle.Render("Sync queue"))
		fmt.Printf("  queued      %d\n", stats.Queued)
		fmt.Printf("  processing  %d\n", stats.Processing)
		fmt.Printf("  completed   %d\n", stats.Completed)
		if stats.Failed > 0 {
			fmt.Printf("  failed      %s\n", errorStyle.Render(fmt.Sprintf("%d", stats.Failed)))
		} else {
			fmt.Printf("  failed      0\n")
		}
		if stats.Conflict > 0 {
			fmt.Printf("  conflict    %s\n", conflictStyle.Render(fmt.Sprintf("%d", stats.Conflict)))
		} else {
			fmt.Printf("  conflict    0\n")
		}

		records, err := a.resolver.Records().List(cmd.Context(), tc.TenantID, false, 10)
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Println(headerStyle.Render("Unresolved conflicts"))
		if len(records) == 0 {
			fmt.Println(dimStyle.Render("  none"))
		}
		for _, rec := range records {
			fmt.Printf("  %s  %s %s (%s)\n", rec.ID, rec.EntityType, rec.EntityID,
				strings.Join(rec.ConflictingFields, ", "))
		}

		fmt.Println()
		fmt.Println(headerStyle.Render("License"))
		res, err := a.validator.Validate(cmd.Context(), s.UserID, s.DeviceID)
		if err != nil {
			fmt.Printf("  %s\n", errorStyle.Render(err.Error()))
			return nil
		}
		fmt.Printf("  %s license, %d/%d active devices\n",
			res.License.Type, res.ActiveDevices, res.License.MaxDevices)
		if res.License.ExpiresAt != nil {
			fmt.Printf("  expires %s\n", res.License.ExpiresAt.Format("2006-01-02"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
