package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fieldproof/fieldproof/internal/entity"
	"github.com/fieldproof/fieldproof/internal/queue"
)

var photoCmd = &cobra.Command{
	Use:   "photo",
	Short: "Manage photos within a batch",
}

var photoAddCmd = &cobra.Command{
	Use:   "add <batch-id> <file>",
	Short: "Register a captured photo and queue its upload",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		path, err := filepath.Abs(args[1])
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("photo file: %w", err)
		}

		now := time.Now().UTC()
		p := &entity.Photo{
			ID:        uuid.New().String(),
			BatchID:   args[0],
			TenantID:  tc.TenantID,
			OwnerID:   tc.UserID,
			FilePath:  path,
			Status:    "captured",
			SyncState: entity.SyncPending,
			Metadata:  meta,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := a.repo.CreatePhoto(cmd.Context(), tc, p); err != nil {
			return err
		}

		task := &queue.Task{
			Kind:        queue.KindPhotoUpload,
			EntityID:    p.ID,
			TenantID:    tc.TenantID,
			Operation:   "create",
			Priority:    queue.PriorityNormal,
			MaxAttempts: queue.DefaultMaxAttempts,
		}
		if err := enqueue(cmd, a, task); err != nil {
			return err
		}
		fmt.Printf("Added photo %s to batch %s\n", p.ID, p.BatchID)
		return nil
	},
}

var photoListCmd = &cobra.Command{
	Use:   "list <batch-id>",
	Short: "List photos in a batch",
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

		photos, err := a.repo.ListPhotos(cmd.Context(), tc, args[0])
		if err != nil {
			return err
		}
		if len(photos) == 0 {
			fmt.Println("No photos")
			return nil
		}
		for _, p := range photos {
			fmt.Printf("%s  %-10s %s  %s\n", p.ID, p.Status, renderSyncState(p.SyncState), filepath.Base(p.FilePath))
		}
		return nil
	},
}

var photoSetStatusCmd = &cobra.Command{
	Use:   "set-status <photo-id> <status>",
	Short: "Set review status (captured, approved, rejected) and queue the update",
	Args:  cobra.ExactArgs(2),
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

		p, err := a.repo.GetPhoto(cmd.Context(), tc, args[0])
		if err != nil {
			return err
		}
		p.Status = args[1]
		p.SyncState = entity.SyncPending
		if err := a.repo.UpdatePhoto(cmd.Context(), tc, p); err != nil {
			return err
		}

		task := &queue.Task{
			Kind:        queue.KindPhotoUpload,
			EntityID:    p.ID,
			TenantID:    tc.TenantID,
			Operation:   "update",
			Priority:    queue.PriorityNormal,
			MaxAttempts: queue.DefaultMaxAttempts,
		}
		if err := enqueue(cmd, a, task); err != nil {
			return err
		}
		fmt.Printf("Photo %s is now %s\n", p.ID, p.Status)
		return nil
	},
}

func init() {
	photoAddCmd.Flags().StringToString("meta", nil, "metadata key=value pairs")

	photoCmd.AddCommand(photoAddCmd, photoListCmd, photoSetStatusCmd)
	rootCmd.AddCommand(photoCmd)
}
