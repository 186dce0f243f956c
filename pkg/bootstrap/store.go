package bootstrap

import (
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mash-protocol/lwm2m-go/pkg/security"
	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// DefaultEndpoint is the config key used for endpoints without their own
// entry.
const DefaultEndpoint = "*"

// ConfigStore supplies bootstrap configurations.
type ConfigStore interface {
	// Get returns the config for endpoint or ErrNoConfig. creds are the
	// credentials the device bootstrapped with.
	Get(endpoint string, creds security.Credentials) (*Config, error)
}

// MemoryConfigStore is an in-memory ConfigStore.
type MemoryConfigStore struct {
	mu      sync.RWMutex
	configs map[string]*Config
}

// NewMemoryConfigStore creates an empty store.
func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{configs: make(map[string]*Config)}
}

// Add sets the config for endpoint (DefaultEndpoint for the fallback).
func (s *MemoryConfigStore) Add(endpoint string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.configs[endpoint] = cfg.Clone()
	s.mu.Unlock()
	return nil
}

// Remove deletes the config for endpoint.
func (s *MemoryConfigStore) Remove(endpoint string) {
	s.mu.Lock()
	delete(s.configs, endpoint)
	s.mu.Unlock()
}

// Get returns a copy of the endpoint's config.
func (s *MemoryConfigStore) Get(endpoint string, _ security.Credentials) (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cfg, ok := s.configs[endpoint]; ok {
		return cfg.Clone(), nil
	}
	if cfg, ok := s.configs[DefaultEndpoint]; ok {
		return cfg.Clone(), nil
	}
	return nil, fmt.Errorf("%w for %q", ErrNoConfig, endpoint)
}

// FileStore is a ConfigStore loaded from a YAML file.
//
//	endpoints:
//	  sensor-1:
//	    delete: ["/"]
//	    security:
//	      0: {uri: "coaps://bs.example:5684", bootstrap: true, mode: psk, identity: sensor-1, key: "00112233"}
//	      1: {uri: "coaps://dm.example:5684", mode: psk, derive_key: true, short_server_id: 101}
//	    servers:
//	      0: {short_server_id: 101, lifetime: 300, binding: UQ}
//	    acls:
//	      0: {object: 3, instance: 0, owner: 101, permissions: {101: [read, write, execute]}}
type FileStore struct {
	path string

	mu  sync.RWMutex
	mem *MemoryConfigStore
}

type fileDoc struct {
	Endpoints map[string]fileConfig `yaml:"endpoints"`
}

type fileConfig struct {
	Delete   []string                `yaml:"delete"`
	Security map[uint16]fileSecurity `yaml:"security"`
	Servers  map[uint16]fileServer   `yaml:"servers"`
	ACLs     map[uint16]fileACL      `yaml:"acls"`
}

type fileSecurity struct {
	URI             string `yaml:"uri"`
	Bootstrap       bool   `yaml:"bootstrap"`
	Mode            string `yaml:"mode"`
	Identity        string `yaml:"identity"`
	PublicKey       string `yaml:"public_key"`
	ServerPublicKey string `yaml:"server_public_key"`
	Key             string `yaml:"key"`
	DeriveKey       bool   `yaml:"derive_key"`
	ShortServerID   uint16 `yaml:"short_server_id"`
}

type fileServer struct {
	ShortServerID uint16 `yaml:"short_server_id"`
	Lifetime      int    `yaml:"lifetime"`
	MinPeriod     int    `yaml:"min_period"`
	MaxPeriod     int    `yaml:"max_period"`
	Binding       string `yaml:"binding"`
	NotifyStoring bool   `yaml:"notify_storing"`
}

type fileACL struct {
	Object      uint16              `yaml:"object"`
	Instance    uint16              `yaml:"instance"`
	Owner       uint16              `yaml:"owner"`
	Permissions map[uint16][]string `yaml:"permissions"`
}

// NewFileStore loads path.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file. On error the previous contents stay in effect.
func (s *FileStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read bootstrap config: %w", err)
	}
	mem, err := ParseYAML(data)
	if err != nil {
		return fmt.Errorf("%s: %w", s.path, err)
	}
	s.mu.Lock()
	s.mem = mem
	s.mu.Unlock()
	return nil
}

// Get returns the endpoint's config.
func (s *FileStore) Get(endpoint string, creds security.Credentials) (*Config, error) {
	s.mu.RLock()
	mem := s.mem
	s.mu.RUnlock()
	return mem.Get(endpoint, creds)
}

// ParseYAML parses the FileStore document format.
func ParseYAML(data []byte) (*MemoryConfigStore, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	mem := NewMemoryConfigStore()
	for ep, fc := range doc.Endpoints {
		cfg, err := fc.toConfig()
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", ep, err)
		}
		if err := mem.Add(ep, cfg); err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", ep, err)
		}
	}
	return mem, nil
}

func (fc fileConfig) toConfig() (*Config, error) {
	cfg := NewConfig()
	for _, d := range fc.Delete {
		p, err := wire.ParsePath(d)
		if err != nil {
			return nil, fmt.Errorf("%w: delete %q", ErrInvalidConfig, d)
		}
		cfg.Deletes = append(cfg.Deletes, p)
	}
	for id, fs := range fc.Security {
		mode, err := security.ParseMode(fs.Mode)
		if err != nil {
			return nil, err
		}
		sec := ServerSecurity{
			URI:             fs.URI,
			BootstrapServer: fs.Bootstrap,
			Mode:            mode,
			DeriveKey:       fs.DeriveKey,
			ShortServerID:   fs.ShortServerID,
		}
		if fs.Identity != "" {
			sec.PublicKeyOrIdentity = []byte(fs.Identity)
		}
		if sec.PublicKeyOrIdentity == nil && fs.PublicKey != "" {
			if sec.PublicKeyOrIdentity, err = decodeHex("public_key", fs.PublicKey); err != nil {
				return nil, err
			}
		}
		if sec.ServerPublicKey, err = decodeHex("server_public_key", fs.ServerPublicKey); err != nil {
			return nil, err
		}
		if sec.SecretKey, err = decodeHex("key", fs.Key); err != nil {
			return nil, err
		}
		cfg.Security[id] = sec
	}
	for id, fs := range fc.Servers {
		cfg.Servers[id] = ServerInfo{
			ShortServerID:    fs.ShortServerID,
			Lifetime:         time.Duration(fs.Lifetime) * time.Second,
			DefaultMinPeriod: time.Duration(fs.MinPeriod) * time.Second,
			DefaultMaxPeriod: time.Duration(fs.MaxPeriod) * time.Second,
			Binding:          fs.Binding,
			NotifyStoring:    fs.NotifyStoring,
		}
	}
	for id, fa := range fc.ACLs {
		acl := ACL{ObjectID: fa.Object, InstanceID: fa.Instance, Owner: fa.Owner, Permissions: make(map[uint16]Permission)}
		for ssid, names := range fa.Permissions {
			var perm Permission
			for _, n := range names {
				p, err := ParsePermission(n)
				if err != nil {
					return nil, err
				}
				perm |= p
			}
			acl.Permissions[ssid] = perm
		}
		cfg.ACLs[id] = acl
	}
	return cfg, nil
}

func decodeHex(field, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, field, err)
	}
	return b, nil
}
