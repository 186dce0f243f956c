package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"

	"github.com/pion/dtls/v3"
	"github.com/pion/transport/v4/udp"

	"github.com/mash-protocol/lwm2m-go/pkg/request"
	"github.com/mash-protocol/lwm2m-go/pkg/security"
)

// ErrUnsupportedMode is returned when no client configuration can be
// built for a peer's security mode.
var ErrUnsupportedMode = errors.New("unsupported security mode")

// DTLSOptions configures the server side of DTLS sessions.
type DTLSOptions struct {
	// Certificates are presented to X.509 clients.
	Certificates []tls.Certificate

	// IdentityHint is sent to PSK clients.
	IdentityHint string

	// RequireClientCert rejects sessions without a PSK or certificate.
	RequireClientCert bool
}

// DefaultCipherSuites are the LwM2M mandatory suites.
var DefaultCipherSuites = []dtls.CipherSuiteID{
	dtls.TLS_PSK_WITH_AES_128_CCM_8,
	dtls.TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8,
	dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
}

// DTLSConfig builds a server configuration. Without certificates the
// server speaks PSK, with keys looked up through mgr; with certificates it
// authenticates presented chains through mgr.
func DTLSConfig(mgr *security.Manager, opts DTLSOptions) *dtls.Config {
	clientAuth := dtls.RequestClientCert
	if opts.RequireClientCert {
		clientAuth = dtls.RequireAnyClientCert
	}
	cfg := &dtls.Config{
		CipherSuites: DefaultCipherSuites,
		Certificates: opts.Certificates,
		ClientAuth:   clientAuth,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return nil
			}
			chain, err := security.ParseChain(rawCerts)
			if err != nil {
				return err
			}
			_, err = mgr.Authenticate(security.Credentials{Mode: security.ModeX509, Certificates: chain})
			return err
		},
	}
	// pion rejects configs that offer PSK and certificates together.
	if len(opts.Certificates) == 0 {
		cfg.PSK = func(identity []byte) ([]byte, error) {
			return mgr.PSKKey(string(identity))
		}
		if opts.IdentityHint != "" {
			cfg.PSKIdentityHint = []byte(opts.IdentityHint)
		}
	}
	return cfg
}

// ListenDTLS listens for DTLS sessions on a UDP address.
func ListenDTLS(address string, cfg *dtls.Config) (net.Listener, error) {
	laddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	return dtls.Listen("udp", laddr, cfg)
}

// ListenUDP listens for unsecured sessions, one net.Conn per remote
// address.
func ListenUDP(address string) (net.Listener, error) {
	laddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	return udp.Listen("udp", laddr)
}

// DTLSDialer opens server-initiated DTLS sessions using the device's
// stored PSK.
func DTLSDialer(store security.Store) Dialer {
	return func(ctx context.Context, peer request.Peer) (net.Conn, error) {
		info, err := store.Get(peer.Endpoint)
		if err != nil {
			return nil, err
		}
		if info.Mode != security.ModePSK {
			return nil, fmt.Errorf("%w: %s for %s", ErrUnsupportedMode, info.Mode, peer.Endpoint)
		}
		raddr, err := net.ResolveUDPAddr("udp", peer.Address)
		if err != nil {
			return nil, err
		}
		key := info.PSKKey
		conn, err := dtls.Dial("udp", raddr, &dtls.Config{
			CipherSuites:    []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_CCM_8},
			PSKIdentityHint: []byte(info.PSKIdentity),
			PSK:             func([]byte) ([]byte, error) { return key, nil },
		})
		if err != nil {
			return nil, err
		}
		if err := conn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

// UDPDialer opens unsecured sessions.
func UDPDialer() Dialer {
	var d net.Dialer
	return func(ctx context.Context, peer request.Peer) (net.Conn, error) {
		return d.DialContext(ctx, "udp", peer.Address)
	}
}

// DTLSCredentials reports what a DTLS peer presented. Connections that are
// not DTLS are unsecured.
func DTLSCredentials(conn net.Conn) (security.Credentials, error) {
	dc, ok := conn.(*dtls.Conn)
	if !ok {
		return security.Credentials{Mode: security.ModeNone}, nil
	}
	state, ok := dc.ConnectionState()
	if !ok {
		return security.Credentials{}, fmt.Errorf("dtls handshake incomplete for %s", conn.RemoteAddr())
	}
	if len(state.IdentityHint) > 0 {
		return security.Credentials{Mode: security.ModePSK, PSKIdentity: string(state.IdentityHint)}, nil
	}
	if len(state.PeerCertificates) > 0 {
		// pion/dtls negotiates X.509 certificates only.
		chain, err := security.ParseChain(state.PeerCertificates)
		if err != nil {
			return security.Credentials{}, fmt.Errorf("peer certificate from %s: %w", conn.RemoteAddr(), err)
		}
		return security.Credentials{Mode: security.ModeX509, Certificates: chain}, nil
	}
	return security.Credentials{Mode: security.ModeNone}, nil
}
