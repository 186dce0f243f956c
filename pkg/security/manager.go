package security

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SessionDropper discards transport session state for an endpoint so the
// next exchange requires a fresh handshake.
type SessionDropper interface {
	DropSession(endpoint string) error
}

// Config configures a Manager.
type Config struct {
	// TrustAnchors validate X.509 client chains.
	TrustAnchors []*x509.Certificate

	// CNPolicy matches certificate common names to endpoint names.
	CNPolicy CNPolicy

	// AllowUnsecured admits NONE-mode sessions for endpoints with no
	// SecurityInfo.
	AllowUnsecured bool

	// Logger is optional.
	Logger *slog.Logger

	// Now is the clock used for certificate validity; defaults to time.Now.
	Now func() time.Time
}

// binding records the credentials a session was authenticated with.
type binding struct {
	endpoint    string
	fp          Fingerprint
	invalidated bool
}

// Manager authenticates sessions against a Store and supervises which
// credentials each live session was established with.
type Manager struct {
	store   Store
	config  Config
	dropper SessionDropper
	logger  *slog.Logger

	mu       sync.RWMutex
	bindings map[string]*binding // session id -> binding
}

// NewManager creates a manager over store.
func NewManager(store Store, config Config) *Manager {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Manager{
		store:    store,
		config:   config,
		logger:   config.Logger,
		bindings: make(map[string]*binding),
	}
}

// SetSessionDropper sets the transport collaborator used on invalidation.
func (m *Manager) SetSessionDropper(d SessionDropper) {
	m.mu.Lock()
	m.dropper = d
	m.mu.Unlock()
}

// Store returns the underlying store.
func (m *Manager) Store() Store { return m.store }

// PSKKey returns the key for a PSK identity hint. It backs the transport's
// PSK callback.
func (m *Manager) PSKKey(identity string) ([]byte, error) {
	info, err := m.store.GetByIdentity(identity)
	if err != nil {
		m.debugLog("unknown psk identity", "identity", identity)
		return nil, fmt.Errorf("%w: unknown psk identity %q", ErrAuthFailure, identity)
	}
	return info.PSKKey, nil
}

// Authenticate checks the credential material presented during the
// handshake, before any endpoint name is known. PSK identities and raw
// public keys must be stored; X.509 chains must validate against the trust
// anchors. The returned
// info is the stored entry when one can be located by the credentials.
func (m *Manager) Authenticate(c Credentials) (*SecurityInfo, error) {
	switch c.Mode {
	case ModePSK:
		info, err := m.store.GetByIdentity(c.PSKIdentity)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown psk identity %q", ErrAuthFailure, c.PSKIdentity)
		}
		return info, nil

	case ModeRPK:
		if len(c.PublicKey) == 0 {
			return nil, fmt.Errorf("%w: no public key presented", ErrAuthFailure)
		}
		info, err := m.store.GetByPublicKey(c.PublicKey)
		if err != nil {
			m.debugLog("unknown public key", "error", err)
			return nil, fmt.Errorf("%w: unknown public key", ErrAuthFailure)
		}
		return info, nil

	case ModeX509:
		if err := VerifyChain(c.Certificates, m.config.TrustAnchors, m.config.Now()); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAuthFailure, err)
		}
		cn := c.Certificates[0].Subject.CommonName
		if info, err := m.store.Get(cn); err == nil {
			return info, nil
		}
		return &SecurityInfo{Endpoint: cn, Mode: ModeX509}, nil

	case ModeNone:
		if !m.config.AllowUnsecured {
			return nil, fmt.Errorf("%w: unsecured sessions not allowed", ErrAuthFailure)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("%w: unknown mode %s", ErrAuthFailure, c.Mode)
}

// Authorize checks that the session credentials belong to endpoint. It is
// called when a register request names the endpoint.
func (m *Manager) Authorize(endpoint string, c Credentials) (*SecurityInfo, error) {
	info, err := m.store.Get(endpoint)
	if errors.Is(err, ErrNotFound) {
		if c.Mode == ModeNone && m.config.AllowUnsecured {
			return nil, nil
		}
		m.debugLog("no security info", "endpoint", endpoint, "mode", c.Mode)
		return nil, fmt.Errorf("%w: no security info for %q", ErrAuthFailure, endpoint)
	}
	if err != nil {
		return nil, err
	}

	if info.Mode != c.Mode {
		return nil, fmt.Errorf("%w: %q expects %s, session is %s", ErrAuthFailure, endpoint, info.Mode, c.Mode)
	}

	switch c.Mode {
	case ModePSK:
		if info.PSKIdentity != c.PSKIdentity {
			return nil, fmt.Errorf("%w: psk identity %q does not belong to %q", ErrAuthFailure, c.PSKIdentity, endpoint)
		}
	case ModeRPK:
		if !bytes.Equal(info.PublicKey, c.PublicKey) {
			return nil, fmt.Errorf("%w: public key mismatch for %q", ErrAuthFailure, endpoint)
		}
	case ModeX509:
		if err := VerifyChain(c.Certificates, m.config.TrustAnchors, m.config.Now()); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAuthFailure, err)
		}
		cn := c.Certificates[0].Subject.CommonName
		if !m.config.CNPolicy.Matches(cn, endpoint) {
			return nil, fmt.Errorf("%w: %w: cn %q endpoint %q (%s)", ErrAuthFailure, ErrNameMismatch, cn, endpoint, m.config.CNPolicy)
		}
	}
	return info, nil
}

// Add stores info. Sessions bound to the endpoint's previous credentials
// fail Verify from now on.
func (m *Manager) Add(info *SecurityInfo) (*SecurityInfo, error) {
	prev, err := m.store.Add(info)
	if err != nil {
		return nil, err
	}
	m.debugLog("security info added", "endpoint", info.Endpoint, "mode", info.Mode, "replaced", prev != nil)
	return prev, nil
}

// Remove deletes the endpoint's SecurityInfo. With invalidateSession every
// session bound to the endpoint is marked stale and the transport is told to
// drop its state; without it existing sessions stay trusted.
func (m *Manager) Remove(endpoint string, invalidateSession bool) (*SecurityInfo, error) {
	removed, err := m.store.Remove(endpoint)
	if err != nil {
		return nil, err
	}
	if !invalidateSession {
		m.debugLog("security info removed", "endpoint", endpoint)
		return removed, nil
	}

	m.mu.Lock()
	n := 0
	for _, b := range m.bindings {
		if b.endpoint == endpoint {
			b.invalidated = true
			n++
		}
	}
	dropper := m.dropper
	m.mu.Unlock()

	m.debugLog("security info removed, sessions invalidated", "endpoint", endpoint, "sessions", n)
	if dropper != nil {
		if err := dropper.DropSession(endpoint); err != nil {
			m.debugLog("drop session failed", "endpoint", endpoint, "error", err)
		}
	}
	return removed, nil
}

// Bind records that sessionID was authorized for endpoint with its current
// stored credentials.
func (m *Manager) Bind(sessionID, endpoint string) error {
	if sessionID == "" {
		return ErrUnknownSession
	}
	info, err := m.store.Get(endpoint)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	m.mu.Lock()
	m.bindings[sessionID] = &binding{endpoint: endpoint, fp: fingerprint(info)}
	m.mu.Unlock()
	return nil
}

// Verify fails fast with ErrSessionInvalidated when sessionID was
// invalidated, was bound to another endpoint, or the endpoint's stored
// credentials changed since Bind.
func (m *Manager) Verify(sessionID, endpoint string) error {
	m.mu.RLock()
	b, ok := m.bindings[sessionID]
	var snapshot binding
	if ok {
		snapshot = *b
	}
	m.mu.RUnlock()

	if !ok {
		return ErrUnknownSession
	}
	if snapshot.invalidated {
		return ErrSessionInvalidated
	}
	if snapshot.endpoint != endpoint {
		return fmt.Errorf("%w: session bound to %q", ErrSessionInvalidated, snapshot.endpoint)
	}

	info, err := m.store.Get(endpoint)
	if errors.Is(err, ErrNotFound) {
		// Removed without invalidation: the session stays trusted.
		return nil
	}
	if err != nil {
		return err
	}
	if fingerprint(info) != snapshot.fp {
		return fmt.Errorf("%w: credentials changed", ErrSessionInvalidated)
	}
	return nil
}

// Unbind forgets sessionID.
func (m *Manager) Unbind(sessionID string) {
	m.mu.Lock()
	delete(m.bindings, sessionID)
	m.mu.Unlock()
}

func (m *Manager) debugLog(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Debug(msg, args...)
	}
}
