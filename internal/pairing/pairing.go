// Package pairing implements the host/joiner PIN pairing flow and QR
// handoff from spec §5.6. Grounded on the teacher's device introduction
// flow in lib/connections (accept-then-verify handshake) combined with
// syncthing's discovery/QR device-id presentation, adapted to a
// numeric-PIN family secret exchange instead of certificate fingerprints.
package pairing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/vitrun/qart/qr"
)

const (
	pinDigits        = 6
	maxFailures      = 3
	failureWindow    = 60 * time.Second
	lockoutDuration  = 5 * time.Minute
	hkdfInfo         = "familyvault-pairing-v1"
	familySecretSize = 32
)

// PIN is a freshly issued one-time pairing code, valid until Expires.
type PIN struct {
	Code    string
	Expires time.Time
}

// Host issues and validates PINs, with brute-force lockout per spec
// §5.6: 3 failures within 60s locks out further attempts for 5 minutes.
type Host struct {
	mu       sync.Mutex
	current  *PIN
	failures []time.Time
	lockedAt time.Time
}

func NewHost() *Host {
	return &Host{}
}

// IssuePIN generates a new random 6-digit PIN valid for ttl.
func (h *Host) IssuePIN(ttl time.Duration) (PIN, error) {
	n, err := randDigits(pinDigits)
	if err != nil {
		return PIN{}, fmt.Errorf("pairing: generate pin: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = &PIN{Code: n, Expires: time.Now().Add(ttl)}
	return *h.current, nil
}

func randDigits(n int) (string, error) {
	max := 1
	for i := 0; i < n; i++ {
		max *= 10
	}
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	v := (uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])) % uint32(max)
	return fmt.Sprintf("%0*d", n, v), nil
}

// Cancel tears down any outstanding PIN, rejecting further attempts
// against it without waiting for expiry.
func (h *Host) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = nil
}

// ErrLocked is returned while a lockout from repeated failures is active.
var ErrLocked = fmt.Errorf("pairing: too many failed attempts, locked out")

// ErrInvalidPIN is returned when the supplied PIN doesn't match or expired.
var ErrInvalidPIN = fmt.Errorf("pairing: invalid or expired pin")

// Validate checks code against the currently issued PIN in constant time,
// applying the lockout policy on repeated failure.
func (h *Host) Validate(code string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.lockedAt.IsZero() {
		if time.Since(h.lockedAt) < lockoutDuration {
			return ErrLocked
		}
		h.lockedAt = time.Time{}
		h.failures = nil
	}

	if h.current == nil || time.Now().After(h.current.Expires) {
		return ErrInvalidPIN
	}
	if subtle.ConstantTimeCompare([]byte(code), []byte(h.current.Code)) == 1 {
		h.current = nil
		h.failures = nil
		return nil
	}

	now := time.Now()
	cutoff := now.Add(-failureWindow)
	kept := h.failures[:0]
	for _, t := range h.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	h.failures = append(kept, now)
	if len(h.failures) >= maxFailures {
		h.lockedAt = now
	}
	return ErrInvalidPIN
}

// DeriveFamilySecret derives a 32-byte family secret from the PIN and a
// caller-supplied salt, using
// HKDF-SHA256 so the weak PIN entropy is stretched with a domain-separated
// context string rather than used directly as key material.
func DeriveFamilySecret(pin, salt string) ([]byte, error) {
	hk := hkdf.New(sha256.New, []byte(pin), []byte(salt), []byte(hkdfInfo))
	secret := make([]byte, familySecretSize)
	if _, err := hk.Read(secret); err != nil {
		return nil, fmt.Errorf("pairing: derive secret: %w", err)
	}
	return secret, nil
}

// ChallengeHMAC computes HMAC-SHA256(secret, nonce), used by the session
// layer's auth handshake.
func ChallengeHMAC(secret, nonce []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(nonce)
	return mac.Sum(nil)
}

// PairingURI builds the fv://pair handoff URI encoded into the host's QR
// code, per spec §5.6.
func PairingURI(host string, port int, pin string) string {
	v := url.Values{}
	v.Set("host", host)
	v.Set("port", strconv.Itoa(port))
	v.Set("pin", pin)
	return "fv://pair?" + v.Encode()
}

// ParsePairingURI is the Joiner side's decode of a scanned QR payload.
func ParsePairingURI(uri string) (host string, port int, pin string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", 0, "", fmt.Errorf("pairing: parse uri: %w", err)
	}
	if u.Scheme != "fv" {
		return "", 0, "", fmt.Errorf("pairing: unsupported uri scheme %q", u.Scheme)
	}
	q := u.Query()
	host = q.Get("host")
	pin = q.Get("pin")
	port, err = strconv.Atoi(q.Get("port"))
	if err != nil {
		return "", 0, "", fmt.Errorf("pairing: invalid port in uri: %w", err)
	}
	if host == "" || pin == "" {
		return "", 0, "", fmt.Errorf("pairing: uri missing host or pin")
	}
	return host, port, pin, nil
}

// EncodeQR renders uri as a QR code PNG for the host to display.
func EncodeQR(uri string) ([]byte, error) {
	code, err := qr.Encode(uri, qr.L)
	if err != nil {
		return nil, fmt.Errorf("pairing: encode qr: %w", err)
	}
	return code.PNG(), nil
}
