// Package bootstrap computes and delivers bootstrap configurations:
// security entries, server entries, access control entries and deletions.
//
// Bootstrapping is independent of registration. The coordinator keeps no
// state about devices beyond an in-progress marker per endpoint.
package bootstrap

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/mash-protocol/lwm2m-go/pkg/codec"
	"github.com/mash-protocol/lwm2m-go/pkg/security"
	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// Object ids written during bootstrap.
const (
	ObjectSecurity uint16 = 0
	ObjectServer   uint16 = 1
	ObjectACL      uint16 = 2
	ObjectDevice   uint16 = 3
)

// Config errors.
var (
	ErrInvalidConfig = errors.New("invalid bootstrap config")
	ErrNoConfig      = errors.New("no bootstrap config")
)

// Permission is an access right bitmask.
type Permission uint8

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermExecute
	PermDelete
	PermCreate

	PermAll = PermRead | PermWrite | PermExecute | PermDelete | PermCreate
)

var permNames = []struct {
	p    Permission
	name string
}{
	{PermRead, "read"},
	{PermWrite, "write"},
	{PermExecute, "execute"},
	{PermDelete, "delete"},
	{PermCreate, "create"},
}

// Has reports whether all bits of q are set.
func (p Permission) Has(q Permission) bool { return p&q == q }

// String lists the granted rights ("read|write").
func (p Permission) String() string {
	var parts []string
	for _, n := range permNames {
		if p.Has(n.p) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParsePermission parses a single right name.
func ParsePermission(s string) (Permission, error) {
	for _, n := range permNames {
		if n.name == s {
			return n.p, nil
		}
	}
	if s == "all" {
		return PermAll, nil
	}
	return 0, fmt.Errorf("%w: permission %q", ErrInvalidConfig, s)
}

// ServerSecurity is one security object instance.
type ServerSecurity struct {
	URI             string
	BootstrapServer bool
	Mode            security.Mode

	// PublicKeyOrIdentity is the PSK identity or the device's public key
	// or certificate.
	PublicKeyOrIdentity []byte
	ServerPublicKey     []byte
	SecretKey           []byte

	ShortServerID uint16

	// DeriveKey asks the coordinator to fill SecretKey (and an empty
	// identity) from its KeyDeriver.
	DeriveKey bool
}

// ServerInfo is one server object instance.
type ServerInfo struct {
	ShortServerID    uint16
	Lifetime         time.Duration
	DefaultMinPeriod time.Duration
	DefaultMaxPeriod time.Duration
	Binding          string
	NotifyStoring    bool
}

// ACL is one access control object instance.
type ACL struct {
	ObjectID    uint16
	InstanceID  uint16
	Owner       uint16
	Permissions map[uint16]Permission // short server id -> rights
}

// Config is a bootstrap configuration. Map keys are object instance ids.
type Config struct {
	Deletes  []wire.Path
	Security map[uint16]ServerSecurity
	Servers  map[uint16]ServerInfo
	ACLs     map[uint16]ACL
}

// NewConfig returns an empty config.
func NewConfig() *Config {
	return &Config{
		Security: make(map[uint16]ServerSecurity),
		Servers:  make(map[uint16]ServerInfo),
		ACLs:     make(map[uint16]ACL),
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := NewConfig()
	out.Deletes = slices.Clone(c.Deletes)
	for id, s := range c.Security {
		s.PublicKeyOrIdentity = bytes.Clone(s.PublicKeyOrIdentity)
		s.ServerPublicKey = bytes.Clone(s.ServerPublicKey)
		s.SecretKey = bytes.Clone(s.SecretKey)
		out.Security[id] = s
	}
	maps.Copy(out.Servers, c.Servers)
	for id, a := range c.ACLs {
		a.Permissions = maps.Clone(a.Permissions)
		out.ACLs[id] = a
	}
	return out
}

// Validate checks internal consistency: at most one bootstrap server entry,
// every non-bootstrap security entry has a matching server entry, and short
// server ids are unique.
func (c *Config) Validate() error {
	bs := 0
	ssids := make(map[uint16]bool)
	for id, s := range c.Security {
		if s.URI == "" {
			return fmt.Errorf("%w: security %d has no uri", ErrInvalidConfig, id)
		}
		if s.BootstrapServer {
			bs++
			continue
		}
		if ssids[s.ShortServerID] {
			return fmt.Errorf("%w: duplicate short server id %d", ErrInvalidConfig, s.ShortServerID)
		}
		ssids[s.ShortServerID] = true
	}
	if bs > 1 {
		return fmt.Errorf("%w: %d bootstrap server entries", ErrInvalidConfig, bs)
	}
	for ssid := range ssids {
		if !c.hasServer(ssid) {
			return fmt.Errorf("%w: no server entry for short server id %d", ErrInvalidConfig, ssid)
		}
	}
	return nil
}

func (c *Config) hasServer(ssid uint16) bool {
	for _, s := range c.Servers {
		if s.ShortServerID == ssid {
			return true
		}
	}
	return false
}

// Write is one bootstrap write: an instance path and its resources.
type Write struct {
	Path wire.Path
	Node codec.Node
}

// Writes renders the config as instance writes in delivery order: security,
// then server, then ACL instances, each by ascending instance id.
func (c *Config) Writes() []Write {
	var out []Write
	for _, id := range sortedKeys(c.Security) {
		out = append(out, securityWrite(id, c.Security[id]))
	}
	for _, id := range sortedKeys(c.Servers) {
		out = append(out, serverWrite(id, c.Servers[id]))
	}
	for _, id := range sortedKeys(c.ACLs) {
		out = append(out, aclWrite(id, c.ACLs[id]))
	}
	return out
}

func sortedKeys[V any](m map[uint16]V) []uint16 {
	keys := slices.Collect(maps.Keys(m))
	slices.Sort(keys)
	return keys
}

// SecurityModeResource maps a credential kind to the security object's
// mode resource value.
func SecurityModeResource(m security.Mode) int64 {
	switch m {
	case security.ModePSK:
		return 0
	case security.ModeRPK:
		return 1
	case security.ModeX509:
		return 2
	default:
		return 3
	}
}

// SecurityModeFromResource is the inverse of SecurityModeResource.
func SecurityModeFromResource(v int64) security.Mode {
	switch v {
	case 0:
		return security.ModePSK
	case 1:
		return security.ModeRPK
	case 2:
		return security.ModeX509
	default:
		return security.ModeNone
	}
}

type recorder struct {
	base wire.Path
	recs []codec.Record
}

func (r *recorder) add(res uint16, v codec.Value) {
	p, _ := r.base.Append(res)
	r.recs = append(r.recs, codec.Record{Path: p, Value: v})
}

func (r *recorder) addInstance(res, inst uint16, v codec.Value) {
	p, _ := r.base.Append(res)
	p, _ = p.Append(inst)
	r.recs = append(r.recs, codec.Record{Path: p, Value: v})
}

func (r *recorder) write() Write {
	return Write{Path: r.base, Node: codec.Node{Path: r.base, Records: r.recs}}
}

func securityWrite(id uint16, s ServerSecurity) Write {
	r := &recorder{base: wire.NewPath(ObjectSecurity, id)}
	r.add(0, codec.StringValue(s.URI))
	r.add(1, codec.BoolValue(s.BootstrapServer))
	r.add(2, codec.IntValue(SecurityModeResource(s.Mode)))
	r.add(3, codec.OpaqueValue(s.PublicKeyOrIdentity))
	r.add(4, codec.OpaqueValue(s.ServerPublicKey))
	r.add(5, codec.OpaqueValue(s.SecretKey))
	if !s.BootstrapServer {
		r.add(10, codec.IntValue(int64(s.ShortServerID)))
	}
	return r.write()
}

func serverWrite(id uint16, s ServerInfo) Write {
	r := &recorder{base: wire.NewPath(ObjectServer, id)}
	r.add(0, codec.IntValue(int64(s.ShortServerID)))
	r.add(1, codec.IntValue(int64(s.Lifetime/time.Second)))
	if s.DefaultMinPeriod > 0 {
		r.add(2, codec.IntValue(int64(s.DefaultMinPeriod/time.Second)))
	}
	if s.DefaultMaxPeriod > 0 {
		r.add(3, codec.IntValue(int64(s.DefaultMaxPeriod/time.Second)))
	}
	r.add(6, codec.BoolValue(s.NotifyStoring))
	binding := s.Binding
	if binding == "" {
		binding = "U"
	}
	r.add(7, codec.StringValue(binding))
	return r.write()
}

func aclWrite(id uint16, a ACL) Write {
	r := &recorder{base: wire.NewPath(ObjectACL, id)}
	r.add(0, codec.IntValue(int64(a.ObjectID)))
	r.add(1, codec.IntValue(int64(a.InstanceID)))
	for _, ssid := range sortedKeys(a.Permissions) {
		r.addInstance(2, ssid, codec.IntValue(int64(a.Permissions[ssid])))
	}
	r.add(3, codec.IntValue(int64(a.Owner)))
	return r.write()
}
