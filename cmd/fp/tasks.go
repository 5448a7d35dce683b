package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldproof/fieldproof/internal/queue"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect the sync task queue",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sync tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFlag, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		tasks, err := a.queue.List(cmd.Context(), queue.Status(statusFlag), limit)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks")
			return nil
		}
		for _, t := range tasks {
			line := fmt.Sprintf("%s  %-15s %-36s %-10s attempts=%d/%d",
				t.ID, t.Kind, t.EntityID, t.Status, t.Attempts, t.MaxAttempts)
			if t.LastError != "" {
				line += "  " + dimStyle.Render(truncate(t.LastError, 60))
			}
			fmt.Println(line)
		}
		return nil
	},
}

var tasksRetryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Put a failed or conflicted task back in the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.queue.ResetFailed(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Task %s re-queued\n", args[0])
		return nil
	},
}

func init() {
	tasksListCmd.Flags().String("status", "", "filter: queued, processing, completed, failed, conflict")
	tasksListCmd.Flags().Int("limit", 50, "max tasks to list")

	tasksCmd.AddCommand(tasksListCmd, tasksRetryCmd)
	rootCmd.AddCommand(tasksCmd)
}
