// Package license enforces per-account device ceilings and license status.
//
// Validation results are memoized per (user, device) for a short TTL; any
// registration, revocation, or license status change invalidates the
// affected user's entries immediately rather than waiting for expiry.
package license

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldproof/fieldproof/internal/store"
)

// Validation failures, surfaced synchronously so the application can block
// the user-facing action.
var (
	ErrNoLicense           = errors.New("no license found")
	ErrLicenseExpired      = errors.New("license expired")
	ErrDeviceNotRegistered = errors.New("device not registered")
	ErrDeviceLimitExceeded = errors.New("device limit exceeded")
	ErrLicenseSuspended    = errors.New("license suspended")
)

// Status of a license grant.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

// License is the grant controlling feature access and the device ceiling
// for an account.
type License struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"` // user or tenant
	Type       string     `json:"type"`
	Status     Status     `json:"status"`
	MaxDevices int        `json:"max_devices"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Features   []string   `json:"features,omitempty"`
}

// HasFeature reports whether the license grants a named feature.
func (l *License) HasFeature(name string) bool {
	for _, f := range l.Features {
		if f == name {
			return true
		}
	}
	return false
}

// Device binds a physical install to a user. Devices are deactivated on
// revocation, never deleted, so the registration history survives.
type Device struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	DeviceID     string    `json:"device_id"` // stable per install
	Platform     string    `json:"platform"`
	RegisteredAt time.Time `json:"registered_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Active       bool      `json:"is_active"`
}

// DeviceInfo is what a client reports when registering.
type DeviceInfo struct {
	DeviceID string
	Platform string
}

// Store persists licenses and device registrations.
type Store struct {
	db *store.DB
}

// NewStore creates the license store.
func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

// PutLicense inserts or replaces a license.
func (s *Store) PutLicense(ctx context.Context, l *License) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if l.Status == "" {
		l.Status = StatusActive
	}
	features, err := json.Marshal(append([]string{}, l.Features...))
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}

	qctx, cancel := s.db.WithTimeout(ctx)
	defer cancel()

	_, err = s.db.Conn().ExecContext(qctx, `
		INSERT INTO licenses (id, owner_id, type, status, max_devices, expires_at, features)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			type = excluded.type,
			status = excluded.status,
			max_devices = excluded.max_devices,
			expires_at = excluded.expires_at,
			features = excluded.features`,
		l.ID, l.OwnerID, l.Type, string(l.Status), l.MaxDevices,
		store.TimeToNull(l.ExpiresAt), string(features),
	)
	if err != nil {
		return fmt.Errorf("failed to store license: %w", err)
	}
	return nil
}

// LicenseByOwner returns the owner's license, or nil when absent.
func (s *Store) LicenseByOwner(ctx context.Context, ownerID string) (*License, error) {
	qctx, cancel := s.db.WithTimeout(ctx)
	defer cancel()

	var l License
	var status, features string
	var expiresAt sql.NullString
	err := s.db.Conn().QueryRowContext(qctx, `
		SELECT id, owner_id, type, status, max_devices, expires_at, features
		FROM licenses WHERE owner_id = ?`, ownerID).
		Scan(&l.ID, &l.OwnerID, &l.Type, &status, &l.MaxDevices, &expiresAt, &features)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load license for %s: %w", ownerID, err)
	}
	l.Status = Status(status)
	l.ExpiresAt = store.NullToTime(expiresAt)
	if err := json.Unmarshal([]byte(features), &l.Features); err != nil {
		return nil, fmt.Errorf("failed to unmarshal features: %w", err)
	}
	return &l, nil
}

// SetLicenseStatus updates a license's status, returning its owner id so
// the validator can invalidate cached results.
func (s *Store) SetLicenseStatus(ctx context.Context, licenseID string, status Status) (string, error) {
	qctx, cancel := s.db.WithTimeout(ctx)
	defer cancel()

	var ownerID string
	err := s.db.Conn().QueryRowContext(qctx,
		`SELECT owner_id FROM licenses WHERE id = ?`, licenseID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoLicense
	}
	if err != nil {
		return "", fmt.Errorf("failed to load license %s: %w", licenseID, err)
	}

	if _, err := s.db.Conn().ExecContext(qctx,
		`UPDATE licenses SET status = ? WHERE id = ?`, string(status), licenseID); err != nil {
		return "", fmt.Errorf("failed to update license status: %w", err)
	}
	return ownerID, nil
}

// UpsertDevice registers a device or, when the stable device id is already
// known for the user, refreshes last_active_at and reactivation is NOT
// implied: an inactive device stays inactive until explicitly reactivated.
func (s *Store) UpsertDevice(ctx context.Context, userID string, info DeviceInfo) (*Device, error) {
	if userID == "" || info.DeviceID == "" {
		return nil, fmt.Errorf("user_id and device_id are required")
	}

	now := time.Now().UTC()

	qctx, cancel := s.db.WithTimeout(ctx)
	defer cancel()

	existing, err := s.DeviceByUser(ctx, userID, info.DeviceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if _, err := s.db.Conn().ExecContext(qctx,
			`UPDATE devices SET last_active_at = ? WHERE id = ?`,
			store.FormatTime(now), existing.ID); err != nil {
			return nil, fmt.Errorf("failed to touch device: %w", err)
		}
		existing.LastActiveAt = now
		return existing, nil
	}

	d := &Device{
		ID:           uuid.New().String(),
		UserID:       userID,
		DeviceID:     info.DeviceID,
		Platform:     info.Platform,
		RegisteredAt: now,
		LastActiveAt: now,
		Active:       true,
	}
	if d.Platform == "" {
		d.Platform = "unknown"
	}

	_, err = s.db.Conn().ExecContext(qctx, `
		INSERT INTO devices (id, user_id, device_id, platform, registered_at, last_active_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, 1)`,
		d.ID, d.UserID, d.DeviceID, d.Platform,
		store.FormatTime(d.RegisteredAt), store.FormatTime(d.LastActiveAt))
	if err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}
	return d, nil
}

// DeviceByUser returns the user's registration for a stable device id,
// or nil when unknown.
func (s *Store) DeviceByUser(ctx context.Context, userID, deviceID string) (*Device, error) {
	qctx, cancel := s.db.WithTimeout(ctx)
	defer cancel()

	d, err := scanDevice(s.db.Conn().QueryRowContext(qctx, `
		SELECT `+deviceColumns+` FROM devices
		WHERE user_id = ? AND device_id = ?`, userID, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	return d, nil
}

// DevicesByUser lists all of a user's registrations, newest first.
func (s *Store) DevicesByUser(ctx context.Context, userID string) ([]*Device, error) {
	qctx, cancel := s.db.WithTimeout(ctx)
	defer cancel()

	rows, err := s.db.Conn().QueryContext(qctx, `
		SELECT `+deviceColumns+` FROM devices
		WHERE user_id = ? ORDER BY registered_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return devices, nil
}

// ActiveDeviceCount counts the user's active registrations.
func (s *Store) ActiveDeviceCount(ctx context.Context, userID string) (int, error) {
	qctx, cancel := s.db.WithTimeout(ctx)
	defer cancel()

	var n int
	err := s.db.Conn().QueryRowContext(qctx,
		`SELECT COUNT(*) FROM devices WHERE user_id = ? AND is_active = 1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active devices: %w", err)
	}
	return n, nil
}

// SetDeviceActive activates or deactivates a registration.
func (s *Store) SetDeviceActive(ctx context.Context, userID, deviceID string, active bool) error {
	qctx, cancel := s.db.WithTimeout(ctx)
	defer cancel()

	flag := 0
	if active {
		flag = 1
	}
	res, err := s.db.Conn().ExecContext(qctx, `
		UPDATE devices SET is_active = ? WHERE user_id = ? AND device_id = ?`,
		flag, userID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDeviceNotRegistered
	}
	return nil
}

const deviceColumns = `id, user_id, device_id, platform, registered_at, last_active_at, is_active`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var registeredAt, lastActiveAt string
	var active int
	err := row.Scan(&d.ID, &d.UserID, &d.DeviceID, &d.Platform, &registeredAt, &lastActiveAt, &active)
	if err != nil {
		return nil, err
	}
	d.RegisteredAt = store.ParseTime(registeredAt)
	d.LastActiveAt = store.ParseTime(lastActiveAt)
	d.Active = active != 0
	return &d, nil
}
