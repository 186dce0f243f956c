// Package cert issues and loads the X.509 material used by DTLS certificate
// mode: a certificate authority, server certificates and device
// certificates whose common name is the device endpoint name.
package cert

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"time"
)

// Certificate validity periods.
const (
	// AuthorityValidity is the validity of a generated CA.
	AuthorityValidity = 20 * 365 * 24 * time.Hour

	// LeafValidity is the validity of issued server and device certificates.
	LeafValidity = 365 * 24 * time.Hour
)

// Errors.
var (
	ErrInvalidCert = errors.New("invalid certificate")
	ErrNoAuthority = errors.New("authority has no private key")
)

// KeyPair holds an ECDSA P-256 key pair.
type KeyPair struct {
	PrivateKey *ecdsa.PrivateKey
	PublicKey  *ecdsa.PublicKey
}

// Authority signs server and device certificates. Its certificate is the
// trust anchor given to the security manager.
type Authority struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
}

// Pool returns a pool holding only the authority certificate.
func (a *Authority) Pool() *x509.CertPool {
	if a == nil || a.Certificate == nil {
		return nil
	}
	pool := x509.NewCertPool()
	pool.AddCert(a.Certificate)
	return pool
}

// Issued is a certificate with its private key.
type Issued struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey

	// Issuer is the signing authority certificate.
	Issuer *x509.Certificate
}

// CommonName returns the subject common name. For device certificates it
// is the endpoint name.
func (i *Issued) CommonName() string {
	if i == nil || i.Certificate == nil {
		return ""
	}
	return i.Certificate.Subject.CommonName
}

// Chain returns the certificate followed by its issuer.
func (i *Issued) Chain() []*x509.Certificate {
	chain := []*x509.Certificate{i.Certificate}
	if i.Issuer != nil {
		chain = append(chain, i.Issuer)
	}
	return chain
}

// TLSCertificate converts the certificate for use in DTLS configs.
func (i *Issued) TLSCertificate() tls.Certificate {
	if i == nil || i.Certificate == nil || i.PrivateKey == nil {
		return tls.Certificate{}
	}
	raw := [][]byte{i.Certificate.Raw}
	if i.Issuer != nil {
		raw = append(raw, i.Issuer.Raw)
	}
	return tls.Certificate{
		Certificate: raw,
		PrivateKey:  i.PrivateKey,
		Leaf:        i.Certificate,
	}
}

// ExpiresAt returns when the certificate expires.
func (i *Issued) ExpiresAt() time.Time {
	if i == nil || i.Certificate == nil {
		return time.Time{}
	}
	return i.Certificate.NotAfter
}
