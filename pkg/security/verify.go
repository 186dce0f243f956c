package security

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Certificate verification errors.
var (
	ErrCertExpired     = errors.New("certificate has expired")
	ErrCertNotYetValid = errors.New("certificate is not yet valid")
	ErrInvalidChain    = errors.New("invalid certificate chain")
	ErrNameMismatch    = errors.New("certificate common name mismatch")
	ErrNoTrustAnchors  = errors.New("no trust anchors configured")
)

// CNPolicy decides whether a certificate common name names an endpoint.
type CNPolicy uint8

const (
	// CNEqual requires the common name to equal the endpoint name.
	CNEqual CNPolicy = iota

	// CNPrefix requires the endpoint name to start with the common name.
	CNPrefix
)

// Matches applies the policy.
func (p CNPolicy) Matches(commonName, endpoint string) bool {
	if commonName == "" {
		return false
	}
	switch p {
	case CNPrefix:
		return strings.HasPrefix(endpoint, commonName)
	default:
		return commonName == endpoint
	}
}

// String returns the policy name.
func (p CNPolicy) String() string {
	if p == CNPrefix {
		return "prefix"
	}
	return "equal"
}

// ParseCNPolicy parses "equal" or "prefix".
func ParseCNPolicy(s string) (CNPolicy, error) {
	switch s {
	case "", "equal":
		return CNEqual, nil
	case "prefix":
		return CNPrefix, nil
	}
	return CNEqual, fmt.Errorf("unknown cn policy %q", s)
}

// VerifyChain checks that chain (leaf first) is currently valid and chains
// to one of the trust anchors.
func VerifyChain(chain []*x509.Certificate, anchors []*x509.Certificate, now time.Time) error {
	if len(chain) == 0 || chain[0] == nil {
		return fmt.Errorf("%w: no peer certificate", ErrInvalidChain)
	}
	if len(anchors) == 0 {
		return ErrNoTrustAnchors
	}
	leaf := chain[0]

	if now.Before(leaf.NotBefore) {
		return ErrCertNotYetValid
	}
	if now.After(leaf.NotAfter) {
		return ErrCertExpired
	}

	roots := x509.NewCertPool()
	for _, a := range anchors {
		roots.AddCert(a)
	}
	inter := x509.NewCertPool()
	for _, c := range chain[1:] {
		inter.AddCert(c)
	}

	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := leaf.Verify(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChain, err)
	}
	return nil
}

// VerifyPeerCertificate returns a TLS/DTLS verification callback that
// validates the presented chain against anchors.
func VerifyPeerCertificate(anchors []*x509.Certificate) func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		chain, err := ParseChain(rawCerts)
		if err != nil {
			return err
		}
		return VerifyChain(chain, anchors, time.Now())
	}
}

// ParseChain parses DER certificates.
func ParseChain(rawCerts [][]byte) ([]*x509.Certificate, error) {
	if len(rawCerts) == 0 {
		return nil, fmt.Errorf("%w: no peer certificate", ErrInvalidChain)
	}
	chain := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		c, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("parse peer certificate: %w", err)
		}
		chain = append(chain, c)
	}
	return chain, nil
}
