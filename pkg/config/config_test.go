package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/lwm2m-go/pkg/presence"
	"github.com/mash-protocol/lwm2m-go/pkg/request"
	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, presence.DefaultAwakeDuration, cfg.Presence.AwakeDuration)
	assert.InDelta(t, presence.DefaultTolerance, cfg.Presence.Tolerance, 1e-9)
	assert.Equal(t, request.DefaultConfig().ResponseTimeout, cfg.Request.ResponseTimeout)

	f, err := cfg.ContentFormat()
	require.NoError(t, err)
	assert.Equal(t, wire.FormatCBOR, f)
}

func TestParseFullDocument(t *testing.T) {
	doc := `
listen: 127.0.0.1:15684
name: dm-lab
format: json
dtls:
  enabled: true
  identity_hint: lab
security:
  database: /var/lib/lwm2m/security.db
  age_identity_file: /etc/lwm2m/age.key
  cn_policy: prefix
registration:
  default_lifetime: 10m
  sweep_interval: 5s
presence:
  awake_duration: 30s
  tolerance: 0.1
request:
  response_timeout: 4s
  max_retransmit: 2
bootstrap:
  config_file: /etc/lwm2m/bootstrap.yaml
mqtt:
  broker: tcp://localhost:1883
  prefix: fleet
  qos: 1
discovery:
  enabled: true
protocol_log: /tmp/lwm2m.mlog
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:15684", cfg.Listen)
	assert.Equal(t, "lab", cfg.DTLS.IdentityHint)
	assert.Equal(t, "prefix", cfg.Security.CNPolicy)
	assert.Equal(t, 10*time.Minute, cfg.Registration.DefaultLifetime)
	assert.Equal(t, "fleet", cfg.MQTT.Prefix)
	assert.Equal(t, "/tmp/lwm2m.mlog", cfg.ProtocolLog)

	f, err := cfg.ContentFormat()
	require.NoError(t, err)
	assert.Equal(t, wire.FormatJSON, f)

	reg := cfg.RegistrationConfig()
	assert.Equal(t, 5*time.Second, reg.SweepInterval)

	pres := cfg.PresenceConfig()
	assert.Equal(t, 30*time.Second, pres.AwakeDuration)
	assert.InDelta(t, 0.1, pres.Tolerance, 1e-9)

	req := cfg.RequestConfig()
	assert.Equal(t, 4*time.Second, req.ResponseTimeout)
	assert.Equal(t, 2, req.MaxRetransmit)
	assert.Equal(t, request.DefaultConfig().AckTimeout, req.AckTimeout, "unset fields keep defaults")

	assert.Equal(t, []string{"psk"}, cfg.SecurityModes())
}

func TestDTLSMovesDefaultListenToSecurePort(t *testing.T) {
	cfg, err := Parse([]byte("dtls:\n  enabled: true\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultSecureListen, cfg.Listen)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("lisen: :5683\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"UnknownFormat", "format: tlv\n"},
		{"CertWithoutKey", "dtls:\n  enabled: true\n  cert_file: a.pem\n"},
		{"CertWithoutDTLS", "dtls:\n  cert_file: a.pem\n  key_file: a.key\n"},
		{"UnknownCNPolicy", "security:\n  cn_policy: suffix\n"},
		{"AgeWithoutDatabase", "security:\n  age_identity_file: age.key\n"},
		{"ZeroAwake", "presence:\n  awake_duration: 0s\n"},
		{"ToleranceAboveOne", "presence:\n  tolerance: 1.5\n"},
		{"NegativeRetransmit", "request:\n  max_retransmit: -1\n"},
		{"LowRandomFactor", "request:\n  ack_random_factor: 0.5\n"},
		{"SecretWithoutBootstrap", "bootstrap:\n  master_secret_file: secret\n"},
		{"BadQoS", "mqtt:\n  qos: 3\n"},
		{"LongAdvertisedName", "name: " + strings.Repeat("a", 64) + "\ndiscovery:\n  enabled: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestSecurityModes(t *testing.T) {
	cfg := Default()
	assert.Equal(t, []string{"nosec"}, cfg.SecurityModes())

	cfg.DTLS.Enabled = true
	cfg.DTLS.CertFile, cfg.DTLS.KeyFile = "c.pem", "k.pem"
	cfg.Security.AllowUnsecured = true
	assert.Equal(t, []string{"nosec", "x509"}, cfg.SecurityModes())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: from-file\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
