package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDropper struct {
	mock.Mock
}

func (m *mockDropper) DropSession(endpoint string) error {
	args := m.Called(endpoint)
	return args.Error(0)
}

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newTestCA(t *testing.T, name string) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCA{cert: cert, key: key}
}

func (ca *testCA) issue(t *testing.T, cn string, notAfter time.Time) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func x509Creds(c *x509.Certificate) Credentials {
	return Credentials{Mode: ModeX509, Certificates: []*x509.Certificate{c}}
}

func TestManagerPSK(t *testing.T) {
	m := NewManager(NewMemoryStore(), Config{})
	_, err := m.Add(pskInfo("X", "A"))
	require.NoError(t, err)

	key, err := m.PSKKey("A")
	require.NoError(t, err)
	assert.Equal(t, []byte("key-X"), key)

	_, err = m.PSKKey("B")
	assert.ErrorIs(t, err, ErrAuthFailure)

	info, err := m.Authenticate(Credentials{Mode: ModePSK, PSKIdentity: "A"})
	require.NoError(t, err)
	assert.Equal(t, "X", info.Endpoint)

	_, err = m.Authenticate(Credentials{Mode: ModePSK, PSKIdentity: "B"})
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestManagerAuthorizeBadEndpoint(t *testing.T) {
	m := NewManager(NewMemoryStore(), Config{})
	_, err := m.Add(pskInfo("X", "A"))
	require.NoError(t, err)
	_, err = m.Add(pskInfo("Y", "B"))
	require.NoError(t, err)

	_, err = m.Authorize("X", Credentials{Mode: ModePSK, PSKIdentity: "A"})
	require.NoError(t, err)

	// Identity A registering as Y.
	_, err = m.Authorize("Y", Credentials{Mode: ModePSK, PSKIdentity: "A"})
	assert.ErrorIs(t, err, ErrAuthFailure)

	// Unknown endpoint.
	_, err = m.Authorize("Z", Credentials{Mode: ModePSK, PSKIdentity: "A"})
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestManagerAuthorizeRPK(t *testing.T) {
	m := NewManager(NewMemoryStore(), Config{})
	_, err := m.Add(&SecurityInfo{Endpoint: "R", Mode: ModeRPK, PublicKey: []byte{1, 2, 3}})
	require.NoError(t, err)

	_, err = m.Authorize("R", Credentials{Mode: ModeRPK, PublicKey: []byte{1, 2, 3}})
	require.NoError(t, err)

	_, err = m.Authorize("R", Credentials{Mode: ModeRPK, PublicKey: []byte{9}})
	assert.ErrorIs(t, err, ErrAuthFailure)

	_, err = m.Authenticate(Credentials{Mode: ModeRPK})
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestManagerAuthenticateRPK(t *testing.T) {
	m := NewManager(NewMemoryStore(), Config{})
	_, err := m.Add(&SecurityInfo{Endpoint: "R", Mode: ModeRPK, PublicKey: []byte{1, 2, 3}})
	require.NoError(t, err)

	info, err := m.Authenticate(Credentials{Mode: ModeRPK, PublicKey: []byte{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, "R", info.Endpoint)

	_, err = m.Authenticate(Credentials{Mode: ModeRPK, PublicKey: []byte{4, 5, 6}})
	assert.ErrorIs(t, err, ErrAuthFailure, "a key no entry holds")

	_, err = m.Remove("R", true)
	require.NoError(t, err)
	_, err = m.Authenticate(Credentials{Mode: ModeRPK, PublicKey: []byte{1, 2, 3}})
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestManagerAuthorizeModeMismatch(t *testing.T) {
	ca := newTestCA(t, "root")
	m := NewManager(NewMemoryStore(), Config{TrustAnchors: []*x509.Certificate{ca.cert}})
	_, err := m.Add(&SecurityInfo{Endpoint: "dev", Mode: ModeRPK, PublicKey: []byte{1}})
	require.NoError(t, err)

	_, err = m.Authorize("dev", x509Creds(ca.issue(t, "dev", time.Now().Add(time.Hour))))
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestManagerAuthorizeUnsecured(t *testing.T) {
	strict := NewManager(NewMemoryStore(), Config{})
	_, err := strict.Authorize("open", Credentials{Mode: ModeNone})
	assert.ErrorIs(t, err, ErrAuthFailure)
	_, err = strict.Authenticate(Credentials{Mode: ModeNone})
	assert.ErrorIs(t, err, ErrAuthFailure)

	lax := NewManager(NewMemoryStore(), Config{AllowUnsecured: true})
	info, err := lax.Authorize("open", Credentials{Mode: ModeNone})
	require.NoError(t, err)
	assert.Nil(t, info)

	// Secured endpoints cannot fall back to NONE.
	_, err = lax.Add(pskInfo("X", "A"))
	require.NoError(t, err)
	_, err = lax.Authorize("X", Credentials{Mode: ModeNone})
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestManagerX509(t *testing.T) {
	ca := newTestCA(t, "root")
	rogue := newTestCA(t, "rogue")
	m := NewManager(NewMemoryStore(), Config{TrustAnchors: []*x509.Certificate{ca.cert}})
	_, err := m.Add(&SecurityInfo{Endpoint: "dev-1", Mode: ModeX509})
	require.NoError(t, err)

	valid := ca.issue(t, "dev-1", time.Now().Add(time.Hour))

	t.Run("Valid", func(t *testing.T) {
		info, err := m.Authenticate(x509Creds(valid))
		require.NoError(t, err)
		assert.Equal(t, "dev-1", info.Endpoint)
		_, err = m.Authorize("dev-1", x509Creds(valid))
		require.NoError(t, err)
	})

	t.Run("BadCN", func(t *testing.T) {
		_, err := m.Add(&SecurityInfo{Endpoint: "dev-2", Mode: ModeX509})
		require.NoError(t, err)
		_, err = m.Authorize("dev-2", x509Creds(valid))
		assert.ErrorIs(t, err, ErrAuthFailure)
		assert.ErrorIs(t, err, ErrNameMismatch)
	})

	t.Run("Untrusted", func(t *testing.T) {
		c := rogue.issue(t, "dev-1", time.Now().Add(time.Hour))
		_, err := m.Authenticate(x509Creds(c))
		assert.ErrorIs(t, err, ErrAuthFailure)
		assert.ErrorIs(t, err, ErrInvalidChain)
	})

	t.Run("SelfSigned", func(t *testing.T) {
		_, err := m.Authorize("dev-1", x509Creds(rogue.cert))
		assert.ErrorIs(t, err, ErrAuthFailure)
	})

	t.Run("Expired", func(t *testing.T) {
		c := ca.issue(t, "dev-1", time.Now().Add(-time.Minute))
		_, err := m.Authorize("dev-1", x509Creds(c))
		assert.ErrorIs(t, err, ErrCertExpired)
	})

	t.Run("NoChain", func(t *testing.T) {
		_, err := m.Authenticate(Credentials{Mode: ModeX509})
		assert.ErrorIs(t, err, ErrInvalidChain)
	})
}

func TestManagerX509PrefixPolicy(t *testing.T) {
	ca := newTestCA(t, "root")
	m := NewManager(NewMemoryStore(), Config{
		TrustAnchors: []*x509.Certificate{ca.cert},
		CNPolicy:     CNPrefix,
	})
	_, err := m.Add(&SecurityInfo{Endpoint: "acme-0042", Mode: ModeX509})
	require.NoError(t, err)

	_, err = m.Authorize("acme-0042", x509Creds(ca.issue(t, "acme-", time.Now().Add(time.Hour))))
	require.NoError(t, err)

	_, err = m.Authorize("acme-0042", x509Creds(ca.issue(t, "other-", time.Now().Add(time.Hour))))
	assert.ErrorIs(t, err, ErrNameMismatch)
}

func TestManagerRemoveWithInvalidation(t *testing.T) {
	m := NewManager(NewMemoryStore(), Config{})
	dropper := &mockDropper{}
	dropper.On("DropSession", "X").Return(nil).Once()
	m.SetSessionDropper(dropper)

	_, err := m.Add(pskInfo("X", "A"))
	require.NoError(t, err)
	require.NoError(t, m.Bind("s1", "X"))
	require.NoError(t, m.Verify("s1", "X"))

	_, err = m.Remove("X", true)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Verify("s1", "X"), ErrSessionInvalidated)
	dropper.AssertExpectations(t)

	// Identity is free again.
	_, err = m.Add(pskInfo("Y", "A"))
	require.NoError(t, err)
}

func TestManagerRemoveWithoutInvalidation(t *testing.T) {
	m := NewManager(NewMemoryStore(), Config{})
	dropper := &mockDropper{}
	m.SetSessionDropper(dropper)

	_, err := m.Add(pskInfo("X", "A"))
	require.NoError(t, err)
	require.NoError(t, m.Bind("s1", "X"))

	_, err = m.Remove("X", false)
	require.NoError(t, err)
	assert.NoError(t, m.Verify("s1", "X"))
	dropper.AssertNotCalled(t, "DropSession", mock.Anything)

	_, err = m.Remove("X", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerVerifyCredentialChange(t *testing.T) {
	m := NewManager(NewMemoryStore(), Config{})
	_, err := m.Add(pskInfo("X", "A"))
	require.NoError(t, err)
	require.NoError(t, m.Bind("s1", "X"))

	_, err = m.Add(pskInfo("X", "B"))
	require.NoError(t, err)
	assert.ErrorIs(t, m.Verify("s1", "X"), ErrSessionInvalidated)

	// Re-binding after a fresh handshake trusts the new credentials.
	require.NoError(t, m.Bind("s2", "X"))
	assert.NoError(t, m.Verify("s2", "X"))
}

func TestManagerVerifyUnknownAndMismatch(t *testing.T) {
	m := NewManager(NewMemoryStore(), Config{AllowUnsecured: true})
	assert.ErrorIs(t, m.Verify("nope", "X"), ErrUnknownSession)
	assert.ErrorIs(t, m.Bind("", "X"), ErrUnknownSession)

	require.NoError(t, m.Bind("s1", "X"))
	assert.ErrorIs(t, m.Verify("s1", "Y"), ErrSessionInvalidated)

	m.Unbind("s1")
	assert.ErrorIs(t, m.Verify("s1", "X"), ErrUnknownSession)
}

func TestCNPolicy(t *testing.T) {
	assert.True(t, CNEqual.Matches("a", "a"))
	assert.False(t, CNEqual.Matches("a", "ab"))
	assert.True(t, CNPrefix.Matches("a", "ab"))
	assert.False(t, CNPrefix.Matches("", "ab"))

	p, err := ParseCNPolicy("prefix")
	require.NoError(t, err)
	assert.Equal(t, CNPrefix, p)
	_, err = ParseCNPolicy("glob")
	assert.Error(t, err)
}
