// Package config wraps the single FamilyConfig row and process-level
// options behind a mutex-guarded in-memory struct, persisted to the
// store's family table and announced over the event bus on save.
// Grounded on the teacher's internal/config/wrapper.go (guarded struct +
// Subscribe), thinned down from syncthing's many-folder/many-device
// config to this engine's single-family config.
package config

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/familyvault/engine/internal/events"
	"github.com/familyvault/engine/internal/store"
)

// FamilyConfig mirrors spec §3. At most one row exists per device.
type FamilyConfig struct {
	FamilyID       string    `db:"family_id"`
	FamilySecret   []byte    `db:"family_secret"`
	ThisDeviceID   string    `db:"this_device_id"`
	ThisDeviceName string    `db:"this_device_name"`
	CreatedAt      time.Time `db:"created_at"`
}

// Device mirrors the devices table: the durable record of every peer
// this device has ever paired with or connected to, per spec §3's
// Device type, enriched with the cumulative transfer counters the
// session layer tracks per connection.
type Device struct {
	DeviceID      string     `db:"device_id"`
	Name          string     `db:"name"`
	Type          string     `db:"type"`
	PublicAddress *string    `db:"public_address"`
	LastSeenAt    *time.Time `db:"last_seen_at"`
	Trusted       bool       `db:"trusted"`
	BytesSent     int64      `db:"bytes_sent"`
	BytesReceived int64      `db:"bytes_received"`
}

// Options holds process-level tunables not stored in FamilyConfig:
// cache directory, chunk size, ports. These are supplied at startup by
// the shell and are not persisted.
type Options struct {
	CacheDir           string
	CacheSoftCapBytes  int64
	ChunkSizeBytes     int
	DiscoveryPort      int
	SessionPort        int
	MaxTextSizeKB      int
	StoreMaintInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		CacheSoftCapBytes:  2 << 30, // 2 GiB
		ChunkSizeBytes:     256 * 1024,
		DiscoveryPort:      21027,
		SessionPort:        22027,
		MaxTextSizeKB:      256,
		StoreMaintInterval: 10 * time.Minute,
	}
}

// Wrapper guards the optional FamilyConfig and fixed Options for the
// lifetime of one engine instance.
type Wrapper struct {
	mu      sync.RWMutex
	store   *store.Store
	bus     *events.Bus
	options Options
	family  *FamilyConfig
}

func Load(s *store.Store, bus *events.Bus, opts Options) (*Wrapper, error) {
	w := &Wrapper{store: s, bus: bus, options: opts}

	var fc FamilyConfig
	err := s.Get(&fc, `
		SELECT family_id, family_secret, this_device_id, this_device_name, created_at
		FROM family WHERE id = 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return w, nil // no family configured yet, not an error.
		}
		return nil, fmt.Errorf("config: load family row: %w", err)
	}
	w.family = &fc
	return w, nil
}

// IsFamilyConfigured reports whether createFamily or a successful join
// has populated this device's FamilyConfig.
func (w *Wrapper) IsFamilyConfigured() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.family != nil
}

func (w *Wrapper) FamilyConfig() (FamilyConfig, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.family == nil {
		return FamilyConfig{}, false
	}
	return *w.family, true
}

func (w *Wrapper) Options() Options {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.options
}

// CreateFamily generates a fresh family secret and this device's stable
// id, persists it, and returns the resulting config.
func (w *Wrapper) CreateFamily(deviceName string) (FamilyConfig, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return FamilyConfig{}, fmt.Errorf("config: generate family secret: %w", err)
	}
	familyIDBytes := make([]byte, 8)
	if _, err := rand.Read(familyIDBytes); err != nil {
		return FamilyConfig{}, fmt.Errorf("config: generate family id: %w", err)
	}

	fc := FamilyConfig{
		FamilyID:       hex.EncodeToString(familyIDBytes),
		FamilySecret:   secret,
		ThisDeviceID:   uuid.New().String(),
		ThisDeviceName: deviceName,
		CreatedAt:      time.Now(),
	}
	if err := w.save(fc); err != nil {
		return FamilyConfig{}, err
	}
	return fc, nil
}

// AdoptFamily stores a config received from a pairing Host, marking this
// device as a joined family member.
func (w *Wrapper) AdoptFamily(familyID string, secret []byte, deviceName string) (FamilyConfig, error) {
	fc := FamilyConfig{
		FamilyID:       familyID,
		FamilySecret:   secret,
		ThisDeviceID:   uuid.New().String(),
		ThisDeviceName: deviceName,
		CreatedAt:      time.Now(),
	}
	if err := w.save(fc); err != nil {
		return FamilyConfig{}, err
	}
	return fc, nil
}

func (w *Wrapper) save(fc FamilyConfig) error {
	if _, err := w.store.Exec(`
		INSERT INTO family(id, family_id, family_secret, this_device_id, this_device_name, created_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			family_id = excluded.family_id,
			family_secret = excluded.family_secret,
			this_device_id = excluded.this_device_id,
			this_device_name = excluded.this_device_name,
			created_at = excluded.created_at`,
		fc.FamilyID, fc.FamilySecret, fc.ThisDeviceID, fc.ThisDeviceName, fc.CreatedAt); err != nil {
		return fmt.Errorf("config: persist family config: %w", err)
	}

	w.mu.Lock()
	w.family = &fc
	w.mu.Unlock()

	w.bus.Log(events.ConfigSaved, map[string]interface{}{"familyId": fc.FamilyID})
	return nil
}

// UpsertDevice records a peer device's identity the first time it is
// seen, preserving its accumulated byte counters on later re-pairing.
func (w *Wrapper) UpsertDevice(deviceID, name, deviceType string, trusted bool) error {
	_, err := w.store.Exec(`
		INSERT INTO devices(device_id, name, type, trusted)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			trusted = excluded.trusted`,
		deviceID, name, deviceType, trusted)
	if err != nil {
		return fmt.Errorf("config: upsert device %s: %w", deviceID, err)
	}
	return nil
}

// RecordDeviceStats updates a device's last-seen timestamp and adds the
// given byte counts to its running totals, called when a session to that
// device closes with its final counter values.
func (w *Wrapper) RecordDeviceStats(deviceID string, bytesSent, bytesReceived int64, seenAt time.Time) error {
	_, err := w.store.Exec(`
		UPDATE devices SET
			last_seen_at = ?,
			bytes_sent = bytes_sent + ?,
			bytes_received = bytes_received + ?
		WHERE device_id = ?`, seenAt, bytesSent, bytesReceived, deviceID)
	if err != nil {
		return fmt.Errorf("config: record device stats for %s: %w", deviceID, err)
	}
	return nil
}

// ListDevices returns every known peer device, most recently seen first.
func (w *Wrapper) ListDevices() ([]Device, error) {
	var devices []Device
	err := w.store.Select(&devices, `
		SELECT device_id, name, type, public_address, last_seen_at, trusted, bytes_sent, bytes_received
		FROM devices ORDER BY last_seen_at DESC NULLS LAST`)
	return devices, err
}
