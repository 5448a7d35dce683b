package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fieldproof/fieldproof/internal/entity"
	"github.com/fieldproof/fieldproof/internal/queue"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Manage capture batches",
}

var batchCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a batch and queue its upload",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		meta, _ := cmd.Flags().GetStringToString("meta")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		tc, _, err := requireLicense(cmd.Context(), a)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		b := &entity.Batch{
			ID:        uuid.New().String(),
			TenantID:  tc.TenantID,
			OwnerID:   tc.UserID,
			Name:      name,
			Status:    "open",
			SyncState: entity.SyncPending,
			Metadata:  meta,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := a.repo.CreateBatch(cmd.Context(), tc, b); err != nil {
			return err
		}

		if err := enqueueBatchUpload(cmd, a, tc.TenantID, b.ID, "create"); err != nil {
			return err
		}
		fmt.Printf("Created batch %s (%s)\n", b.ID, b.Name)
		return nil
	},
}

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		stateFlag, _ := cmd.Flags().GetString("state")
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

		batches, err := a.repo.ListBatches(cmd.Context(), tc, entity.SyncState(stateFlag), limit)
		if err != nil {
			return err
		}
		if len(batches) == 0 {
			fmt.Println("No batches")
			return nil
		}
		for _, b := range batches {
			fmt.Printf("%s  %-24s %-10s %s\n", b.ID, truncate(b.Name, 24), b.Status, renderSyncState(b.SyncState))
		}
		return nil
	},
}

var batchAnnotateCmd = &cobra.Command{
	Use:   "annotate <batch-id>",
	Short: "Attach a reviewer note and queue the update",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		tc, _, err := requireLicense(cmd.Context(), a)
		if err != nil {
			return err
		}

		b, err := a.repo.GetBatch(cmd.Context(), tc, args[0])
		if err != nil {
			return err
		}
		b.Annotations = append(b.Annotations, entity.Annotation{
			ID:        uuid.New().String(),
			Author:    tc.UserID,
			Text:      text,
			CreatedAt: time.Now().UTC(),
		})
		b.SyncState = entity.SyncPending
		if err := a.repo.UpdateBatch(cmd.Context(), tc, b); err != nil {
			return err
		}

		if err := enqueueBatchUpload(cmd, a, tc.TenantID, b.ID, "update"); err != nil {
			return err
		}
		fmt.Printf("Annotated batch %s\n", b.ID)
		return nil
	},
}

var batchCompleteCmd = &cobra.Command{
	Use:   "complete <batch-id>",
	Short: "Mark a batch completed and queue the update",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		tc, _, err := requireLicense(cmd.Context(), a)
		if err != nil {
			return err
		}

		b, err := a.repo.GetBatch(cmd.Context(), tc, args[0])
		if err != nil {
			return err
		}
		b.Status = "completed"
		b.SyncState = entity.SyncPending
		if err := a.repo.UpdateBatch(cmd.Context(), tc, b); err != nil {
			return err
		}

		if err := enqueueBatchUpload(cmd, a, tc.TenantID, b.ID, "update"); err != nil {
			return err
		}
		fmt.Printf("Completed batch %s\n", b.ID)
		return nil
	},
}

var batchDeleteCmd = &cobra.Command{
	Use:   "delete <batch-id>",
	Short: "Delete a batch locally and queue the remote delete",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		tc, _, err := requireLicense(cmd.Context(), a)
		if err != nil {
			return err
		}

		if err := a.repo.DeleteBatch(cmd.Context(), tc, args[0]); err != nil {
			return err
		}

		task := &queue.Task{
			Kind:        queue.KindBatchDelete,
			EntityID:    args[0],
			TenantID:    tc.TenantID,
			Operation:   "delete",
			Priority:    queue.PriorityHigh,
			MaxAttempts: queue.DefaultMaxAttempts,
		}
		if err := enqueue(cmd, a, task); err != nil {
			return err
		}
		fmt.Printf("Deleted batch %s\n", args[0])
		return nil
	},
}

func enqueueBatchUpload(cmd *cobra.Command, a *app, tenantID, batchID, op string) error {
	task := &queue.Task{
		Kind:        queue.KindBatchUpload,
		EntityID:    batchID,
		TenantID:    tenantID,
		Operation:   op,
		Priority:    queue.PriorityNormal,
		MaxAttempts: queue.DefaultMaxAttempts,
	}
	return enqueue(cmd, a, task)
}

// enqueue adds a task, treating an idempotency hit as success.
func enqueue(cmd *cobra.Command, a *app, t *queue.Task) error {
	err := a.queue.Enqueue(cmd.Context(), t)
	if errors.Is(err, queue.ErrDuplicateTask) {
		return nil
	}
	return err
}

// truncate shortens s to n display runes. Slicing on runes keeps
// multi-byte names valid UTF-8.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	batchCreateCmd.Flags().String("name", "", "batch name")
	batchCreateCmd.Flags().StringToString("meta", nil, "metadata key=value pairs")
	_ = batchCreateCmd.MarkFlagRequired("name")

	batchListCmd.Flags().String("state", "", "filter by sync state: pending, synced, error, conflict")
	batchListCmd.Flags().Int("limit", 50, "max batches to list")

	batchAnnotateCmd.Flags().String("text", "", "annotation text")
	_ = batchAnnotateCmd.MarkFlagRequired("text")

	batchCmd.AddCommand(batchCreateCmd, batchListCmd, batchAnnotateCmd, batchCompleteCmd, batchDeleteCmd)
	rootCmd.AddCommand(batchCmd)
}
