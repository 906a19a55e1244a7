package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

const (
	pairingCodeDigits = 6
	pairingCodeTTL    = 5 * time.Minute
	maxPendingCodes   = 32
)

var (
	ErrCodeInvalid  = errors.New("pairing code invalid or expired")
	ErrTooManyCodes = errors.New("too many pending pairing requests")
)

type pendingPair struct {
	deviceName string
	expires    time.Time
}

// PairingService runs the two-step pairing handshake: a device asks to
// pair and receives a short numeric code, the operator confirms the code,
// and only then is a token minted. Devices on a trusted network skip the
// code and pair automatically.
type PairingService struct {
	mu      sync.Mutex
	pending map[string]pendingPair // code -> request
	devices *DeviceStore
	now     func() time.Time
}

func NewPairingService(devices *DeviceStore) *PairingService {
	return &PairingService{
		pending: make(map[string]pendingPair),
		devices: devices,
		now:     time.Now,
	}
}

func newPairingCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < pairingCodeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", pairingCodeDigits, n), nil
}

// Begin registers a pairing request and returns the numeric code the
// operator must confirm.
func (p *PairingService) Begin(deviceName string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for code, req := range p.pending {
		if now.After(req.expires) {
			delete(p.pending, code)
		}
	}
	if len(p.pending) >= maxPendingCodes {
		return "", ErrTooManyCodes
	}

	code, err := newPairingCode()
	if err != nil {
		return "", err
	}
	p.pending[code] = pendingPair{
		deviceName: SanitizeDeviceName(deviceName),
		expires:    now.Add(pairingCodeTTL),
	}
	return code, nil
}

// Complete exchanges a confirmed code for a device token. Codes are
// single-use. A non-empty deviceName from the client replaces the name
// recorded when the code was issued.
func (p *PairingService) Complete(code, deviceName string) (*PairedDevice, error) {
	p.mu.Lock()
	req, ok := p.pending[code]
	if ok {
		delete(p.pending, code)
	}
	p.mu.Unlock()

	if !ok || p.now().After(req.expires) {
		return nil, ErrCodeInvalid
	}
	name := req.deviceName
	if deviceName != "" {
		name = deviceName
	}
	return p.devices.Add(name)
}

// VerifyToken reports whether a token belongs to a live paired device.
func (p *PairingService) VerifyToken(token string) bool {
	return p.devices.Verify(token)
}

// AutoPair pairs a device without a code. Callers must have already
// checked that the client address sits on a trusted network. Repeated
// calls with the same device name return the existing device rather than
// minting a new token; the second return reports which case applied.
func (p *PairingService) AutoPair(deviceName string) (d *PairedDevice, existing bool, err error) {
	if d, ok := p.devices.FindByName(deviceName); ok {
		return d, true, nil
	}
	d, err = p.devices.Add(deviceName)
	return d, false, err
}

// Pending returns the number of outstanding pairing codes.
func (p *PairingService) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	n := 0
	for code, req := range p.pending {
		if now.After(req.expires) {
			delete(p.pending, code)
			continue
		}
		n++
	}
	return n
}
