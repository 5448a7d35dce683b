package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fieldproof/fieldproof/internal/monitor"
	"github.com/fieldproof/fieldproof/internal/spool"
	"github.com/fieldproof/fieldproof/internal/syncer"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run continuously: recover interrupted work, watch the spool directory
for new tasks, and push queued work every sync interval. With monitoring
enabled, a localhost WebSocket feed broadcasts task and conflict events.

Example:
  fp daemon
  fp daemon --monitor --monitor-port 7317`,
	RunE: func(cmd *cobra.Command, args []string) error {
		monitorFlag, _ := cmd.Flags().GetBool("monitor")
		monitorPort, _ := cmd.Flags().GetInt("monitor-port")
		if monitorFlag {
			cfg.MonitorEnabled = true
		}
		if cmd.Flags().Changed("monitor-port") {
			cfg.MonitorPort = monitorPort
		}
		return runDaemon(cmd.Context())
	},
}

func runDaemon(ctx context.Context) error {
	logger := daemonLogger()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	a.logger = logger

	tc, sess, err := requireLicense(ctx, a)
	if err != nil {
		return err
	}
	logger.Printf("Session: user=%s tenant=%s device=%s", sess.UserID, tc.TenantID, sess.DeviceID)

	if cfg.RemoteBaseURL == "" {
		return errors.New("remote_base_url is not configured")
	}

	// Anything stranded in processing by a crash goes back in the queue.
	recovered, err := a.queue.RecoverStale(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.Printf("Recovered %d interrupted task(s)", recovered)
	}

	remote := syncer.NewHTTPRemote(cfg.RemoteBaseURL, cfg.RemoteTimeout, logger)
	orch := syncer.New(a.queue, remote, a.resolver, a.repo, syncer.Config{
		Budget:      cfg.PassBudget,
		BackoffBase: cfg.BackoffBase,
		Strategy:    cfg.Strategy(),
		Logger:      logger,
	})

	var mon *monitor.Server
	if cfg.MonitorEnabled {
		mon = monitor.NewServer(&monitor.Config{Port: cfg.MonitorPort, Logger: logger})
		if err := mon.Start(); err != nil {
			return err
		}
		defer func() {
			if err := mon.Stop(); err != nil {
				logger.Printf("Monitor stop: %v", err)
			}
		}()
		orch.SetNotifier(mon)
		logger.Printf("Monitor feed: ws://%s/ws", mon.Addr())
	}

	// Spool ingestion nudges the pass loop so new work doesn't wait a full
	// interval.
	trigger := make(chan struct{}, 1)
	nudge := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	watcher, err := spool.New(cfg.SpoolDir, a.queue, a.guard, &spool.Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	watcher.Enqueued = nudge

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcherErr := make(chan error, 1)
	go func() {
		watcherErr <- watcher.Start(ctx)
	}()

	syncTicker := time.NewTicker(cfg.SyncInterval)
	defer syncTicker.Stop()
	purgeTicker := time.NewTicker(time.Hour)
	defer purgeTicker.Stop()

	runPass := func() {
		// License is re-validated each pass; the 5-minute cache keeps this
		// cheap while daemon-long revocations still bite.
		if _, err := a.validator.Validate(ctx, sess.UserID, sess.DeviceID); err != nil {
			logger.Printf("Skipping pass, license check failed: %v", err)
			return
		}
		stats, err := orch.RunPass(ctx)
		if errors.Is(err, syncer.ErrPassInProgress) {
			return
		}
		if err != nil {
			logger.Printf("Pass error: %v", err)
			return
		}
		if mon != nil {
			if qs, err := a.queue.Stats(ctx); err == nil {
				mon.PublishStats(qs)
			}
		}
		if stats.Processed > 0 && !stats.Aborted {
			// Budget may have cut the pass short; keep going while there is
			// ready work.
			nudge()
		}
	}

	logger.Printf("Daemon started (interval %s, budget %d)", cfg.SyncInterval, cfg.PassBudget)
	runPass()

	for {
		select {
		case <-ctx.Done():
			logger.Println("Shutting down")
			if err := watcher.Stop(); err != nil {
				logger.Printf("Watcher stop: %v", err)
			}
			return nil

		case err := <-watcherErr:
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("spool watcher: %w", err)
			}

		case <-trigger:
			runPass()

		case <-syncTicker.C:
			runPass()

		case <-purgeTicker.C:
			cutoff := time.Now().Add(-cfg.PurgeAfter)
			if n, err := a.queue.PurgeCompleted(ctx, cutoff); err != nil {
				logger.Printf("Purge error: %v", err)
			} else if n > 0 {
				logger.Printf("Purged %d completed task(s)", n)
			}
		}
	}
}

// daemonLogger writes to stderr, and additionally to a rotated log file
// when configured.
func daemonLogger() *log.Logger {
	out := io.Writer(os.Stderr)
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	return log.New(out, "[fp] ", log.LstdFlags)
}

func init() {
	daemonCmd.Flags().Bool("monitor", false, "enable the WebSocket monitor feed")
	daemonCmd.Flags().Int("monitor-port", 7317, "monitor feed port")

	rootCmd.AddCommand(daemonCmd)
}
