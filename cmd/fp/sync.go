package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldproof/fieldproof/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass against the backend",
	Long: `Recover any tasks stranded in processing state, then run a single
bounded sync pass. The pass stops early when connectivity is lost; stranded
tasks are picked up by the next run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if _, _, err := requireLicense(cmd.Context(), a); err != nil {
			return err
		}

		recovered, err := a.queue.RecoverStale(cmd.Context())
		if err != nil {
			return err
		}
		if recovered > 0 {
			fmt.Printf("Recovered %d interrupted task(s)\n", recovered)
		}

		if cfg.RemoteBaseURL == "" {
			return errors.New("remote_base_url is not configured")
		}
		remote := syncer.NewHTTPRemote(cfg.RemoteBaseURL, cfg.RemoteTimeout, a.logger)
		orch := syncer.New(a.queue, remote, a.resolver, a.repo, syncer.Config{
			Budget:      cfg.PassBudget,
			BackoffBase: cfg.BackoffBase,
			Strategy:    cfg.Strategy(),
			Logger:      a.logger,
		})

		stats, err := orch.RunPass(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Pass: %d processed, %d completed, %d requeued, %d failed, %d conflicts (%s)\n",
			stats.Processed, stats.Completed, stats.Requeued, stats.Failed, stats.Conflicts,
			stats.Duration.Round(time.Millisecond))
		if stats.Aborted {
			fmt.Println(dimStyle.Render("Backend unreachable; remaining work will retry later"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
