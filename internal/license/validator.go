package license

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// CacheTTL is how long a validation outcome is trusted before recomputing.
const CacheTTL = 5 * time.Minute

// Result is a successful validation outcome.
type Result struct {
	License       *License
	Device        *Device
	ActiveDevices int
	CachedAt      time.Time
}

type cacheKey struct {
	userID   string
	deviceID string
}

type cacheEntry struct {
	result    *Result
	err       error
	expiresAt time.Time
}

// Validator enforces the license and device ceiling. The full check runs
// on every validation (active device count is re-counted, not assumed);
// only the short-TTL cache amortizes it.
type Validator struct {
	store  *Store
	logger *log.Logger

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry

	ttl time.Duration
	now func() time.Time
}

// NewValidator creates a Validator over the license store.
// If logger is nil, a default stderr logger is used.
func NewValidator(store *Store, logger *log.Logger) *Validator {
	if logger == nil {
		logger = log.New(os.Stderr, "[license] ", log.LstdFlags)
	}
	return &Validator{
		store:  store,
		logger: logger,
		cache:  make(map[cacheKey]cacheEntry),
		ttl:    CacheTTL,
		now:    time.Now,
	}
}

// RegisterDevice registers (or touches) the user's device and re-validates.
// Registration is idempotent per stable device id: re-registering updates
// last_active_at instead of creating a duplicate. The user's cached
// validations are invalidated immediately.
func (v *Validator) RegisterDevice(ctx context.Context, userID string, info DeviceInfo) (*Device, error) {
	d, err := v.store.UpsertDevice(ctx, userID, info)
	if err != nil {
		return nil, err
	}
	v.InvalidateUser(userID)
	v.logger.Printf("device %s registered for %s (%s)", info.DeviceID, userID, d.Platform)
	return d, nil
}

// RevokeDevice deactivates a registration and invalidates the user's
// cached validations. The row is kept for history.
func (v *Validator) RevokeDevice(ctx context.Context, userID, deviceID string) error {
	if err := v.store.SetDeviceActive(ctx, userID, deviceID, false); err != nil {
		return err
	}
	v.InvalidateUser(userID)
	v.logger.Printf("device %s revoked for %s", deviceID, userID)
	return nil
}

// ReactivateDevice re-enables a previously revoked registration.
func (v *Validator) ReactivateDevice(ctx context.Context, userID, deviceID string) error {
	if err := v.store.SetDeviceActive(ctx, userID, deviceID, true); err != nil {
		return err
	}
	v.InvalidateUser(userID)
	return nil
}

// SetLicenseStatus changes a license's status with write-through cache
// invalidation for the owner.
func (v *Validator) SetLicenseStatus(ctx context.Context, licenseID string, status Status) error {
	ownerID, err := v.store.SetLicenseStatus(ctx, licenseID, status)
	if err != nil {
		return err
	}
	v.InvalidateUser(ownerID)
	return nil
}

// Validate checks whether the user may use the app from the given device.
//
// A non-expired cached outcome for (user, device) is returned as-is.
// Otherwise the full chain runs: license present → not expired/suspended →
// device registered and active → active device count within the ceiling.
// Verdicts, success or failure, are cached for the TTL. Infrastructure
// errors (store I/O) are not: the next call recomputes instead of locking
// the user out for the TTL after a momentary fault.
func (v *Validator) Validate(ctx context.Context, userID, deviceID string) (*Result, error) {
	key := cacheKey{userID: userID, deviceID: deviceID}

	v.mu.Lock()
	if e, ok := v.cache[key]; ok && v.now().Before(e.expiresAt) {
		v.mu.Unlock()
		return e.result, e.err
	}
	v.mu.Unlock()

	result, err := v.validate(ctx, userID, deviceID)

	if err == nil || isVerdict(err) {
		v.mu.Lock()
		v.cache[key] = cacheEntry{result: result, err: err, expiresAt: v.now().Add(v.ttl)}
		v.mu.Unlock()
	}

	return result, err
}

// isVerdict reports whether err is a license decision rather than a
// failure to decide.
func isVerdict(err error) bool {
	return errors.Is(err, ErrNoLicense) ||
		errors.Is(err, ErrLicenseExpired) ||
		errors.Is(err, ErrLicenseSuspended) ||
		errors.Is(err, ErrDeviceNotRegistered) ||
		errors.Is(err, ErrDeviceLimitExceeded)
}

func (v *Validator) validate(ctx context.Context, userID, deviceID string) (*Result, error) {
	lic, err := v.store.LicenseByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return nil, ErrNoLicense
	}

	switch lic.Status {
	case StatusActive:
		// fall through to the expiry check
	case StatusSuspended:
		return nil, ErrLicenseSuspended
	default:
		return nil, fmt.Errorf("%w: status %s", ErrLicenseExpired, lic.Status)
	}
	if lic.ExpiresAt != nil && v.now().After(*lic.ExpiresAt) {
		return nil, ErrLicenseExpired
	}

	device, err := v.store.DeviceByUser(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil || !device.Active {
		return nil, ErrDeviceNotRegistered
	}

	active, err := v.store.ActiveDeviceCount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if active > lic.MaxDevices {
		return nil, fmt.Errorf("%w: %d active, limit %d", ErrDeviceLimitExceeded, active, lic.MaxDevices)
	}

	return &Result{
		License:       lic,
		Device:        device,
		ActiveDevices: active,
		CachedAt:      v.now(),
	}, nil
}

// InvalidateUser drops every cached outcome for the user, across all of
// their devices.
func (v *Validator) InvalidateUser(userID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k := range v.cache {
		if k.userID == userID {
			delete(v.cache, k)
		}
	}
}
