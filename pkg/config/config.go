// Package config loads the lwm2m-server daemon configuration from YAML.
//
// Durations use Go syntax ("30s", "2m"). Missing sections fall back to the
// defaults of the component they configure.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mash-protocol/lwm2m-go/pkg/discovery"
	"github.com/mash-protocol/lwm2m-go/pkg/presence"
	"github.com/mash-protocol/lwm2m-go/pkg/registration"
	"github.com/mash-protocol/lwm2m-go/pkg/request"
	"github.com/mash-protocol/lwm2m-go/pkg/security"
	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Default listen addresses.
const (
	DefaultListen       = ":5683"
	DefaultSecureListen = ":5684"
)

// Config is the daemon configuration.
type Config struct {
	// Listen is the UDP address devices send to.
	Listen string `yaml:"listen"`

	// Name identifies this server in advertisements and MQTT client ids.
	Name string `yaml:"name"`

	// Format names the content format used for reads and writes:
	// cbor, json, text or opaque.
	Format string `yaml:"format"`

	DTLS         DTLS         `yaml:"dtls"`
	Security     Security     `yaml:"security"`
	Registration Registration `yaml:"registration"`
	Presence     Presence     `yaml:"presence"`
	Request      Request      `yaml:"request"`
	Bootstrap    Bootstrap    `yaml:"bootstrap"`
	MQTT         MQTT         `yaml:"mqtt"`
	Discovery    Discovery    `yaml:"discovery"`

	// ProtocolLog is a file receiving the CBOR protocol capture.
	ProtocolLog string `yaml:"protocol_log"`
}

// DTLS configures the secure transport. Disabled means plain UDP.
type DTLS struct {
	Enabled      bool   `yaml:"enabled"`
	IdentityHint string `yaml:"identity_hint"`

	// CertFile and KeyFile switch the server to certificate mode.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	RequireClientCert bool `yaml:"require_client_cert"`
}

// Security configures device credential storage and checks.
type Security struct {
	// Database is a SQLite file. Empty keeps credentials in memory.
	Database string `yaml:"database"`

	// AgeIdentityFile holds an AGE-SECRET-KEY used to seal PSK keys.
	AgeIdentityFile string `yaml:"age_identity_file"`

	// TrustAnchors are PEM files validating X.509 clients.
	TrustAnchors []string `yaml:"trust_anchors"`

	// CNPolicy is "equal" or "prefix".
	CNPolicy string `yaml:"cn_policy"`

	AllowUnsecured bool `yaml:"allow_unsecured"`
}

// Registration configures the registration store.
type Registration struct {
	DefaultLifetime time.Duration `yaml:"default_lifetime"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// Presence configures queue mode tracking.
type Presence struct {
	AwakeDuration time.Duration `yaml:"awake_duration"`
	Tolerance     float64       `yaml:"tolerance"`
}

// Request configures downlink timing.
type Request struct {
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	AckRandomFactor  float64       `yaml:"ack_random_factor"`
	MaxRetransmit    int           `yaml:"max_retransmit"`
	ResponseTimeout  time.Duration `yaml:"response_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// Bootstrap enables the bootstrap interface.
type Bootstrap struct {
	// ConfigFile is the YAML file of per-endpoint bootstrap configs.
	// Empty disables bootstrap.
	ConfigFile string `yaml:"config_file"`

	// MasterSecretFile holds the secret PSK keys are derived from.
	MasterSecretFile string `yaml:"master_secret_file"`
	Salt             string `yaml:"salt"`
}

// MQTT configures lifecycle event forwarding. Empty Broker disables it.
type MQTT struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
	QoS      byte   `yaml:"qos"`
	Retained bool   `yaml:"retained"`
}

// Discovery configures mDNS advertisement.
type Discovery struct {
	Enabled   bool          `yaml:"enabled"`
	Interface string        `yaml:"interface"`
	TTL       time.Duration `yaml:"ttl"`
	Bootstrap bool          `yaml:"bootstrap"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	reg := registration.DefaultConfig()
	pres := presence.DefaultConfig()
	req := request.DefaultConfig()
	return &Config{
		Listen: DefaultListen,
		Name:   "lwm2m-server",
		Format: "cbor",
		Security: Security{
			CNPolicy: security.CNEqual.String(),
		},
		Registration: Registration{
			DefaultLifetime: reg.DefaultLifetime,
			SweepInterval:   reg.SweepInterval,
		},
		Presence: Presence{
			AwakeDuration: pres.AwakeDuration,
			Tolerance:     pres.Tolerance,
		},
		Request: Request{
			AckTimeout:       req.AckTimeout,
			AckRandomFactor:  req.AckRandomFactor,
			MaxRetransmit:    req.MaxRetransmit,
			ResponseTimeout:  req.ResponseTimeout,
			HandshakeTimeout: req.HandshakeTimeout,
		},
		MQTT: MQTT{Prefix: "lwm2m"},
		Discovery: Discovery{
			TTL: discovery.DefaultTTL,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.DTLS.Enabled && cfg.Listen == DefaultListen {
		cfg.Listen = DefaultSecureListen
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("%w: listen address required", ErrInvalid)
	}
	if _, err := c.ContentFormat(); err != nil {
		return err
	}
	if (c.DTLS.CertFile == "") != (c.DTLS.KeyFile == "") {
		return fmt.Errorf("%w: dtls cert_file and key_file go together", ErrInvalid)
	}
	if c.DTLS.CertFile != "" && !c.DTLS.Enabled {
		return fmt.Errorf("%w: dtls certificates configured with dtls disabled", ErrInvalid)
	}
	if _, err := security.ParseCNPolicy(c.Security.CNPolicy); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Security.AgeIdentityFile != "" && c.Security.Database == "" {
		return fmt.Errorf("%w: age identity needs a security database", ErrInvalid)
	}
	if c.Registration.DefaultLifetime <= 0 || c.Registration.SweepInterval <= 0 {
		return fmt.Errorf("%w: registration durations must be positive", ErrInvalid)
	}
	if c.Presence.AwakeDuration <= 0 {
		return fmt.Errorf("%w: presence awake_duration must be positive", ErrInvalid)
	}
	if c.Presence.Tolerance < 0 || c.Presence.Tolerance > 1 {
		return fmt.Errorf("%w: presence tolerance must be within [0,1]", ErrInvalid)
	}
	r := c.Request
	if r.AckTimeout <= 0 || r.ResponseTimeout <= 0 || r.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: request timeouts must be positive", ErrInvalid)
	}
	if r.AckRandomFactor < 1 {
		return fmt.Errorf("%w: request ack_random_factor must be at least 1", ErrInvalid)
	}
	if r.MaxRetransmit < 0 {
		return fmt.Errorf("%w: request max_retransmit must not be negative", ErrInvalid)
	}
	if c.Bootstrap.MasterSecretFile != "" && c.Bootstrap.ConfigFile == "" {
		return fmt.Errorf("%w: bootstrap master secret without config_file", ErrInvalid)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: mqtt qos must be 0, 1 or 2", ErrInvalid)
	}
	if c.Discovery.Enabled {
		if err := discovery.ValidateInstanceName(c.Name); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return nil
}

// ContentFormat resolves Format.
func (c *Config) ContentFormat() (wire.ContentFormat, error) {
	switch c.Format {
	case "", "cbor":
		return wire.FormatCBOR, nil
	case "json":
		return wire.FormatJSON, nil
	case "text":
		return wire.FormatText, nil
	case "opaque":
		return wire.FormatOpaque, nil
	default:
		return 0, fmt.Errorf("%w: unknown format %q", ErrInvalid, c.Format)
	}
}

// RegistrationConfig returns the store configuration.
func (c *Config) RegistrationConfig() registration.Config {
	cfg := registration.DefaultConfig()
	cfg.DefaultLifetime = c.Registration.DefaultLifetime
	cfg.SweepInterval = c.Registration.SweepInterval
	return cfg
}

// PresenceConfig returns the tracker configuration.
func (c *Config) PresenceConfig() presence.Config {
	cfg := presence.DefaultConfig()
	cfg.AwakeDuration = c.Presence.AwakeDuration
	cfg.Tolerance = c.Presence.Tolerance
	return cfg
}

// RequestConfig returns the request layer configuration.
func (c *Config) RequestConfig() request.Config {
	cfg := request.DefaultConfig()
	cfg.AckTimeout = c.Request.AckTimeout
	cfg.AckRandomFactor = c.Request.AckRandomFactor
	cfg.MaxRetransmit = c.Request.MaxRetransmit
	cfg.ResponseTimeout = c.Request.ResponseTimeout
	cfg.HandshakeTimeout = c.Request.HandshakeTimeout
	return cfg
}

// SecurityModes lists the modes the server accepts, for advertisement.
func (c *Config) SecurityModes() []string {
	var modes []string
	if !c.DTLS.Enabled || c.Security.AllowUnsecured {
		modes = append(modes, discovery.SecurityNoSec)
	}
	if c.DTLS.Enabled {
		if c.DTLS.CertFile != "" {
			modes = append(modes, discovery.SecurityX509)
		} else {
			modes = append(modes, discovery.SecurityPSK)
		}
	}
	return modes
}
