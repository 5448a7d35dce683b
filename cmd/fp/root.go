package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fieldproof/fieldproof/internal/audit"
	"github.com/fieldproof/fieldproof/internal/config"
	"github.com/fieldproof/fieldproof/internal/conflict"
	"github.com/fieldproof/fieldproof/internal/entity"
	"github.com/fieldproof/fieldproof/internal/license"
	"github.com/fieldproof/fieldproof/internal/queue"
	"github.com/fieldproof/fieldproof/internal/store"
	"github.com/fieldproof/fieldproof/internal/tenant"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "fp",
	Short: "Offline-first sync for QC photo batches",
	Long: `fp stores inspection batches and photo metadata locally and pushes
them to the backend when connectivity allows. All work is durable: captures
land in SQLite first, a task queue carries them out, and conflicts are
detected and resolved rather than silently overwritten.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.fieldproof/config.yaml)")
}

// app bundles the wired components most commands need.
type app struct {
	db        *store.DB
	guard     *tenant.Guard
	audit     *audit.Logger
	repo      *entity.Repo
	queue     *queue.Queue
	licenses  *license.Store
	validator *license.Validator
	resolver  *conflict.Resolver
	logger    *log.Logger
}

// openApp opens the database and wires everything up. Callers must Close.
func openApp() (*app, error) {
	logger := log.New(os.Stderr, "[fp] ", log.LstdFlags)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	db.SetQueryTimeout(cfg.QueryTimeout)

	auditLog := audit.NewLogger(db, logger)
	guard := tenant.NewGuard(auditLog, logger)
	licStore := license.NewStore(db)

	return &app{
		db:        db,
		guard:     guard,
		audit:     auditLog,
		repo:      entity.NewRepo(db, guard, logger),
		queue:     queue.New(db, logger),
		licenses:  licStore,
		validator: license.NewValidator(licStore, logger),
		resolver:  conflict.NewResolver(db, logger),
		logger:    logger,
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Printf("Error closing database: %v", err)
	}
}

// Session is the persisted identity from `fp login`. It names exactly one
// tenant; switching tenants means logging in again.
type Session struct {
	UserID      string   `yaml:"user_id"`
	TenantID    string   `yaml:"tenant_id"`
	DeviceID    string   `yaml:"device_id"`
	Role        string   `yaml:"role"`
	Permissions []string `yaml:"permissions,omitempty"`
}

func sessionPath() string {
	return filepath.Join(config.DefaultDir(), "session.yaml")
}

func loadSession() (*Session, error) {
	data, err := os.ReadFile(sessionPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("not logged in (run `fp login`)")
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	var s Session
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}
	return &s, nil
}

func saveSession(s *Session) error {
	if err := os.MkdirAll(config.DefaultDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := os.WriteFile(sessionPath(), data, 0o600); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

// requireSession loads the stored session into the guard and returns the
// tenant context for the active identity.
func requireSession(a *app) (tenant.Context, error) {
	s, err := loadSession()
	if err != nil {
		return tenant.Context{}, err
	}
	tc := tenant.Context{
		UserID:      s.UserID,
		TenantID:    s.TenantID,
		Role:        s.Role,
		Permissions: s.Permissions,
	}
	if err := a.guard.SetSession(tc); err != nil {
		return tenant.Context{}, err
	}
	return tc, nil
}

// requireLicense validates the session's license and device. Sync and
// mutation commands refuse to run without a passing validation.
func requireLicense(ctx context.Context, a *app) (tenant.Context, *Session, error) {
	s, err := loadSession()
	if err != nil {
		return tenant.Context{}, nil, err
	}
	tc, err := requireSession(a)
	if err != nil {
		return tenant.Context{}, nil, err
	}
	if _, err := a.validator.Validate(ctx, s.UserID, s.DeviceID); err != nil {
		return tenant.Context{}, nil, fmt.Errorf("license check failed: %w", err)
	}
	return tc, s, nil
}
