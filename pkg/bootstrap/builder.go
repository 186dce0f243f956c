package bootstrap

import (
	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// Builder composes a Config. Instance ids are assigned in call order unless
// set explicitly.
type Builder struct {
	cfg *Config
}

// NewBuilder starts an empty config.
func NewBuilder() *Builder {
	return &Builder{cfg: NewConfig()}
}

// DeleteAll deletes everything the device allows before writing.
func (b *Builder) DeleteAll() *Builder {
	return b.Delete(wire.RootPath)
}

// Delete adds paths to delete before writing.
func (b *Builder) Delete(paths ...wire.Path) *Builder {
	b.cfg.Deletes = append(b.cfg.Deletes, paths...)
	return b
}

// BootstrapServer adds the bootstrap server's own security entry.
func (b *Builder) BootstrapServer(s ServerSecurity) *Builder {
	s.BootstrapServer = true
	b.cfg.Security[nextID(b.cfg.Security)] = s
	return b
}

// Server adds a management server: its security entry and server entry,
// sharing the short server id.
func (b *Builder) Server(sec ServerSecurity, info ServerInfo) *Builder {
	sec.BootstrapServer = false
	if info.ShortServerID == 0 {
		info.ShortServerID = sec.ShortServerID
	}
	sec.ShortServerID = info.ShortServerID
	b.cfg.Security[nextID(b.cfg.Security)] = sec
	b.cfg.Servers[nextID(b.cfg.Servers)] = info
	return b
}

// WithACL adds an access control entry.
func (b *Builder) WithACL(acl ACL) *Builder {
	b.cfg.ACLs[nextID(b.cfg.ACLs)] = acl
	return b
}

// Build validates and returns the config.
func (b *Builder) Build() (*Config, error) {
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}
	return b.cfg.Clone(), nil
}

// FullProvisioning is the common case: a bootstrap server entry plus one
// management server.
func FullProvisioning(bs ServerSecurity, dm ServerSecurity, info ServerInfo) (*Config, error) {
	return NewBuilder().BootstrapServer(bs).Server(dm, info).Build()
}

func nextID[V any](m map[uint16]V) uint16 {
	var id uint16
	for {
		if _, used := m[id]; !used {
			return id
		}
		id++
	}
}
