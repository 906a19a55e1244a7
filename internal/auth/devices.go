// Package auth implements the gateway credential spine: the master token,
// in-memory webchat sessions, the paired-device store, the pairing
// handshake, and the optional cloud JWT path.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	tokenBytes       = 24
	deviceExpiry     = 30 * 24 * time.Hour
	maxDeviceNameLen = 64
)

// PairedDevice is a trusted client holding a persistent opaque token.
type PairedDevice struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Token    string     `json:"token"`
	PairedAt time.Time  `json:"pairedAt"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// Expired reports whether the device has been inactive past the 30-day
// window. Devices that never authenticated age from PairedAt.
func (d *PairedDevice) Expired(now time.Time) bool {
	ref := d.PairedAt
	if d.LastSeen != nil {
		ref = *d.LastSeen
	}
	return now.Sub(ref) > deviceExpiry
}

// DeviceStore persists paired devices to a single JSON file, replaced
// atomically on every mutation.
type DeviceStore struct {
	mu      sync.RWMutex
	path    string
	devices map[string]*PairedDevice // keyed by token
}

func NewDeviceStore(path string) (*DeviceStore, error) {
	s := &DeviceStore{path: path, devices: make(map[string]*PairedDevice)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DeviceStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read devices: %w", err)
	}
	var list []*PairedDevice
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parse devices: %w", err)
	}
	for _, d := range list {
		s.devices[d.Token] = d
	}
	return nil
}

func (s *DeviceStore) saveLocked() error {
	list := make([]*PairedDevice, 0, len(s.devices))
	for _, d := range s.devices {
		list = append(list, d)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".devices-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// NewToken mints an opaque device token: 24 random bytes, base64url.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// SanitizeDeviceName strips control characters and bounds the length.
func SanitizeDeviceName(name string) string {
	var sb strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			continue
		}
		sb.WriteRune(r)
	}
	out := strings.TrimSpace(sb.String())
	if len(out) > maxDeviceNameLen {
		out = out[:maxDeviceNameLen]
	}
	if out == "" {
		out = "device"
	}
	return out
}

// Add creates and persists a new paired device, returning it with a fresh
// token.
func (s *DeviceStore) Add(name string) (*PairedDevice, error) {
	token, err := NewToken()
	if err != nil {
		return nil, err
	}
	d := &PairedDevice{
		ID:       uuid.NewString(),
		Name:     SanitizeDeviceName(name),
		Token:    token,
		PairedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.Token] = d
	if err := s.saveLocked(); err != nil {
		delete(s.devices, d.Token)
		return nil, err
	}
	return d, nil
}

// FindByName returns the newest non-expired device with the given
// (sanitized) name. Used by idempotent auto-pairing.
func (s *DeviceStore) FindByName(name string) (*PairedDevice, bool) {
	name = SanitizeDeviceName(name)
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *PairedDevice
	for _, d := range s.devices {
		if d.Name != name || d.Expired(now) {
			continue
		}
		if best == nil || d.PairedAt.After(best.PairedAt) {
			best = d
		}
	}
	if best == nil {
		return nil, false
	}
	cp := *best
	return &cp, true
}

// Authenticate resolves a bearer token to a device, refusing expired ones,
// and updates lastSeen on success.
func (s *DeviceStore) Authenticate(token string) (*PairedDevice, bool) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[token]
	if !ok || d.Expired(now) {
		return nil, false
	}
	d.LastSeen = &now
	// lastSeen is bookkeeping; a failed write must not fail auth.
	_ = s.saveLocked()
	cp := *d
	return &cp, true
}

// Verify reports whether the token maps to a live device without touching
// lastSeen.
func (s *DeviceStore) Verify(token string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[token]
	return ok && !d.Expired(time.Now())
}

// List returns all devices with tokens redacted.
func (s *DeviceStore) List() []PairedDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PairedDevice, 0, len(s.devices))
	for _, d := range s.devices {
		cp := *d
		cp.Token = ""
		out = append(out, cp)
	}
	return out
}

// Remove deletes a device by ID.
func (s *DeviceStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, d := range s.devices {
		if d.ID == id {
			delete(s.devices, token)
			return s.saveLocked()
		}
	}
	return fmt.Errorf("device %s not found", id)
}

// PruneExpired drops devices past the inactivity window.
func (s *DeviceStore) PruneExpired() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, d := range s.devices {
		if d.Expired(now) {
			delete(s.devices, token)
			removed++
		}
	}
	if removed > 0 {
		_ = s.saveLocked()
	}
	return removed
}
