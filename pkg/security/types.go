// Package security maps endpoints to credential material, authenticates and
// authorizes inbound secure sessions, and tracks which credentials each
// session was established with so stale sessions can be refused.
package security

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
)

// Security errors.
var (
	ErrNotFound           = errors.New("security info not found")
	ErrDuplicateIdentity  = errors.New("psk identity already in use")
	ErrInvalidInfo        = errors.New("invalid security info")
	ErrAuthFailure        = errors.New("authentication failed")
	ErrSessionInvalidated = errors.New("session invalidated")
	ErrUnknownSession     = errors.New("unknown session")
)

// Mode is the credential kind of a secure session.
type Mode uint8

const (
	ModeNone Mode = iota
	ModePSK
	ModeRPK
	ModeX509
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "NONE"
	case ModePSK:
		return "PSK"
	case ModeRPK:
		return "RPK"
	case ModeX509:
		return "X509"
	default:
		return fmt.Sprintf("MODE(%d)", m)
	}
}

// ParseMode parses a mode name as produced by String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "NONE", "none", "":
		return ModeNone, nil
	case "PSK", "psk":
		return ModePSK, nil
	case "RPK", "rpk":
		return ModeRPK, nil
	case "X509", "x509":
		return ModeX509, nil
	}
	return ModeNone, fmt.Errorf("%w: unknown mode %q", ErrInvalidInfo, s)
}

// SecurityInfo is the credential material expected from an endpoint.
type SecurityInfo struct {
	Endpoint string
	Mode     Mode

	// PSK
	PSKIdentity string
	PSKKey      []byte

	// RPK: DER encoded SubjectPublicKeyInfo.
	PublicKey []byte
}

// Validate checks that the fields required by Mode are present.
func (s *SecurityInfo) Validate() error {
	if s == nil || s.Endpoint == "" {
		return fmt.Errorf("%w: endpoint required", ErrInvalidInfo)
	}
	switch s.Mode {
	case ModeNone, ModeX509:
	case ModePSK:
		if s.PSKIdentity == "" || len(s.PSKKey) == 0 {
			return fmt.Errorf("%w: psk identity and key required", ErrInvalidInfo)
		}
	case ModeRPK:
		if len(s.PublicKey) == 0 {
			return fmt.Errorf("%w: public key required", ErrInvalidInfo)
		}
	default:
		return fmt.Errorf("%w: mode %s", ErrInvalidInfo, s.Mode)
	}
	return nil
}

// Clone returns a deep copy.
func (s *SecurityInfo) Clone() *SecurityInfo {
	if s == nil {
		return nil
	}
	c := *s
	c.PSKKey = bytes.Clone(s.PSKKey)
	c.PublicKey = bytes.Clone(s.PublicKey)
	return &c
}

// Credentials is what a peer presented when establishing its session.
type Credentials struct {
	Mode        Mode
	PSKIdentity string

	// PublicKey is the presented raw public key (DER SubjectPublicKeyInfo).
	PublicKey []byte

	// Certificates is the presented chain, leaf first.
	Certificates []*x509.Certificate
}

// DuplicateIdentityError reports a PSK identity already reserved by another
// endpoint.
type DuplicateIdentityError struct {
	Identity string
	Owner    string
	Endpoint string
}

func (e *DuplicateIdentityError) Error() string {
	return fmt.Sprintf("psk identity %q already in use by %q (adding for %q)", e.Identity, e.Owner, e.Endpoint)
}

func (e *DuplicateIdentityError) Unwrap() error { return ErrDuplicateIdentity }
