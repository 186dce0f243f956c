package discovery

import (
	"errors"
	"fmt"
	"time"
)

// Service type constants for mDNS.
const (
	// ServiceTypeServer is the service type of management servers.
	ServiceTypeServer = "_lwm2m._udp"

	// ServiceTypeBootstrap is the service type of bootstrap servers.
	ServiceTypeBootstrap = "_lwm2m-bs._udp"

	// Domain is the mDNS domain.
	Domain = "local"

	// DefaultPort is the unsecured port; DefaultSecurePort the DTLS one.
	DefaultPort       = 5683
	DefaultSecurePort = 5684
)

// TXT record keys.
const (
	TXTKeyVersion  = "ver"
	TXTKeySecurity = "sec"
	TXTKeyFormats  = "fmt"
	TXTKeyPath     = "path"
)

// Security mode names used in the sec record.
const (
	SecurityNoSec = "nosec"
	SecurityPSK   = "psk"
	SecurityRPK   = "rpk"
	SecurityX509  = "x509"
)

// Defaults.
const (
	DefaultVersion = "1.1"
	DefaultTTL     = 120 * time.Second
	BrowseTimeout  = 10 * time.Second

	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63

	// MaxTXTValueLen is the limit of one TXT string including its key.
	MaxTXTValueLen = 255
)

// Errors.
var (
	ErrMissingRequired     = errors.New("missing required field")
	ErrInvalidTXTRecord    = errors.New("invalid TXT record")
	ErrInstanceNameTooLong = errors.New("instance name too long")
	ErrInvalidPort         = errors.New("invalid port")
	ErrNotAdvertising      = errors.New("not advertising")
)

// ServiceKind selects the advertised service type.
type ServiceKind uint8

const (
	KindServer ServiceKind = iota
	KindBootstrap
)

// ServiceType returns the DNS-SD service type.
func (k ServiceKind) ServiceType() string {
	if k == KindBootstrap {
		return ServiceTypeBootstrap
	}
	return ServiceTypeServer
}

// String returns the kind name.
func (k ServiceKind) String() string {
	if k == KindBootstrap {
		return "bootstrap"
	}
	return "server"
}

// ServerInfo describes an advertised server.
type ServerInfo struct {
	Kind ServiceKind

	// Name is the instance name.
	Name string
	Port uint16

	Version string

	// SecurityModes lists accepted modes (SecurityPSK, ...).
	SecurityModes []string

	// Formats lists supported content format numbers.
	Formats []uint16

	// Path is an optional resource path prefix.
	Path string
}

// Validate checks the info before it is advertised.
func (i *ServerInfo) Validate() error {
	if i.Name == "" {
		return fmt.Errorf("%w: name", ErrMissingRequired)
	}
	if err := ValidateInstanceName(i.Name); err != nil {
		return err
	}
	if i.Port == 0 {
		return ErrInvalidPort
	}
	if len(i.SecurityModes) == 0 {
		return fmt.Errorf("%w: security modes", ErrMissingRequired)
	}
	for _, m := range i.SecurityModes {
		switch m {
		case SecurityNoSec, SecurityPSK, SecurityRPK, SecurityX509:
		default:
			return fmt.Errorf("%w: security mode %q", ErrInvalidTXTRecord, m)
		}
	}
	return nil
}

// ServerService is a server found by browsing.
type ServerService struct {
	ServerInfo

	InstanceName string
	Host         string
	Addresses    []string
}
