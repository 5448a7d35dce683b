package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fieldproof/fieldproof/internal/conflict"
	"github.com/fieldproof/fieldproof/internal/entity"
	"github.com/fieldproof/fieldproof/internal/queue"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflict records",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
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

		records, err := a.resolver.Records().List(cmd.Context(), tc.TenantID, all, limit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No conflicts")
			return nil
		}
		for _, rec := range records {
			state := conflictStyle.Render("unresolved")
			if rec.Resolved {
				state = dimStyle.Render("resolved/" + string(rec.StrategyUsed))
			}
			fmt.Printf("%s  %-7s %-36s %-22s %s\n", rec.ID, rec.EntityType, rec.EntityID,
				truncate(strings.Join(rec.ConflictingFields, ","), 22), state)
		}
		return nil
	},
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <record-id>",
	Short: "Show both sides of a conflict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		tc, err := requireSession(a)
		if err != nil {
			return err
		}

		rec, err := a.resolver.Records().Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := a.guard.AssertAccess(tc, rec.TenantID); err != nil {
			return err
		}

		fmt.Printf("%s %s — conflicting fields: %s\n\n", rec.EntityType, rec.EntityID,
			strings.Join(rec.ConflictingFields, ", "))
		fmt.Println(headerStyle.Render("Local"))
		fmt.Println(indentJSON(rec.LocalSnapshot))
		fmt.Println(headerStyle.Render("Remote"))
		fmt.Println(indentJSON(rec.RemoteSnapshot))
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <record-id>",
	Short: "Resolve a held conflict",
	Long: `Resolve a conflict with a chosen strategy, or with an explicit
override document (--file). The resolved data is written locally and the
parked task re-queued so the next pass pushes it.

  fp conflicts resolve rec-123 --strategy timestamp
  fp conflicts resolve rec-123 --strategy merge
  fp conflicts resolve rec-123 --file fixed.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategyFlag, _ := cmd.Flags().GetString("strategy")
		file, _ := cmd.Flags().GetString("file")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		tc, _, err := requireLicense(cmd.Context(), a)
		if err != nil {
			return err
		}

		rec, err := a.resolver.Records().Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := a.guard.AssertAccess(tc, rec.TenantID); err != nil {
			return err
		}

		var override json.RawMessage
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read override: %w", err)
			}
			if !json.Valid(data) {
				return fmt.Errorf("override %s is not valid JSON", file)
			}
			override = data
		}

		outcome, err := a.resolver.ResolveManually(cmd.Context(), rec.ID, conflict.Strategy(strategyFlag), override)
		if err != nil {
			return err
		}

		// Write the winning document back into the local row.
		switch rec.EntityType {
		case entity.TypeBatch:
			var b entity.Batch
			if err := json.Unmarshal(outcome.Merged, &b); err != nil {
				return fmt.Errorf("resolved batch is malformed: %w", err)
			}
			b.ID = rec.EntityID
			b.TenantID = rec.TenantID
			b.SyncState = entity.SyncPending
			if err := a.repo.UpdateBatch(cmd.Context(), tc, &b); err != nil {
				return err
			}
		case entity.TypePhoto:
			var p entity.Photo
			if err := json.Unmarshal(outcome.Merged, &p); err != nil {
				return fmt.Errorf("resolved photo is malformed: %w", err)
			}
			p.ID = rec.EntityID
			p.TenantID = rec.TenantID
			p.SyncState = entity.SyncPending
			if err := a.repo.UpdatePhoto(cmd.Context(), tc, &p); err != nil {
				return err
			}
		}

		// Re-queue the parked task so the next pass pushes the resolution.
		parked, err := a.queue.List(cmd.Context(), queue.StatusConflict, 100)
		if err != nil {
			return err
		}
		for _, t := range parked {
			if t.EntityID == rec.EntityID {
				if err := a.queue.ResetFailed(cmd.Context(), t.ID); err != nil {
					return err
				}
				fmt.Printf("Task %s re-queued\n", t.ID)
			}
		}

		fmt.Printf("Resolved %s with %s\n", rec.ID, outcome.StrategyUsed)
		return nil
	},
}

func indentJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "  ", "  "); err != nil {
		return "  " + string(raw)
	}
	return "  " + buf.String()
}

func init() {
	conflictsListCmd.Flags().Bool("all", false, "include resolved records")
	conflictsListCmd.Flags().Int("limit", 50, "max records to list")

	conflictsResolveCmd.Flags().String("strategy", "timestamp", "strategy: timestamp or merge (ignored with --file)")
	conflictsResolveCmd.Flags().String("file", "", "JSON document that wins outright")

	conflictsCmd.AddCommand(conflictsListCmd, conflictsShowCmd, conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
