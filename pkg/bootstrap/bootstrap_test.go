package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/lwm2m-go/pkg/codec"
	"github.com/mash-protocol/lwm2m-go/pkg/security"
	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

type recordingSender struct {
	mu     sync.Mutex
	reqs   []*wire.Request
	answer func(req *wire.Request) (*wire.Response, error)
}

func (s *recordingSender) Send(_ context.Context, req *wire.Request) (*wire.Response, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	if s.answer != nil {
		return s.answer(req)
	}
	switch req.Operation {
	case wire.OpBootstrapDelete:
		return wire.NewResponse(wire.StatusDeleted), nil
	default:
		return wire.NewResponse(wire.StatusChanged), nil
	}
}

func (s *recordingSender) ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.reqs))
	for i, r := range s.reqs {
		out[i] = r.Operation.String() + " " + r.Path
	}
	return out
}

func bsEntry() ServerSecurity {
	return ServerSecurity{URI: "coaps://bs.example:5684", Mode: security.ModePSK, PublicKeyOrIdentity: []byte("dev"), SecretKey: []byte{1, 2}}
}

func dmEntry() (ServerSecurity, ServerInfo) {
	return ServerSecurity{URI: "coaps://dm.example:5684", Mode: security.ModePSK, ShortServerID: 101, DeriveKey: true},
		ServerInfo{Lifetime: 300 * time.Second, Binding: "UQ"}
}

func TestFullProvisioning(t *testing.T) {
	sec, info := dmEntry()
	cfg, err := FullProvisioning(bsEntry(), sec, info)
	require.NoError(t, err)

	require.Len(t, cfg.Security, 2)
	assert.True(t, cfg.Security[0].BootstrapServer)
	assert.Equal(t, uint16(101), cfg.Security[1].ShortServerID)
	assert.Equal(t, uint16(101), cfg.Servers[0].ShortServerID)

	writes := cfg.Writes()
	require.Len(t, writes, 3)
	assert.Equal(t, wire.NewPath(0, 0), writes[0].Path)
	assert.Equal(t, wire.NewPath(0, 1), writes[1].Path)
	assert.Equal(t, wire.NewPath(1, 0), writes[2].Path)

	v, ok := writes[1].Node.Value(wire.NewPath(0, 1, 10))
	require.True(t, ok)
	ssid, _ := v.Int()
	assert.Equal(t, int64(101), ssid)

	v, ok = writes[2].Node.Value(wire.NewPath(1, 0, 1))
	require.True(t, ok)
	lt, _ := v.Int()
	assert.Equal(t, int64(300), lt)
}

func TestBuilderACL(t *testing.T) {
	sec, info := dmEntry()
	cfg, err := NewBuilder().
		Server(sec, info).
		WithACL(ACL{ObjectID: 3, InstanceID: 0, Owner: 101, Permissions: map[uint16]Permission{101: PermRead | PermWrite, 102: PermRead}}).
		Build()
	require.NoError(t, err)

	writes := cfg.Writes()
	acl := writes[len(writes)-1]
	assert.Equal(t, wire.NewPath(2, 0), acl.Path)

	v, ok := acl.Node.Value(wire.NewPath(2, 0, 2, 101))
	require.True(t, ok)
	perm, _ := v.Int()
	assert.Equal(t, int64(PermRead|PermWrite), perm)

	v, ok = acl.Node.Value(wire.NewPath(2, 0, 3))
	require.True(t, ok)
	owner, _ := v.Int()
	assert.Equal(t, int64(101), owner)
}

func TestValidate(t *testing.T) {
	_, err := NewBuilder().BootstrapServer(bsEntry()).BootstrapServer(bsEntry()).Build()
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg := NewConfig()
	cfg.Security[0] = ServerSecurity{URI: "coap://x", ShortServerID: 1}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig, "missing server entry")

	cfg.Servers[0] = ServerInfo{ShortServerID: 1}
	assert.NoError(t, cfg.Validate())

	cfg.Security[1] = ServerSecurity{ShortServerID: 2}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig, "missing uri")
}

func TestPermission(t *testing.T) {
	assert.Equal(t, "read|write", (PermRead | PermWrite).String())
	assert.Equal(t, "none", Permission(0).String())
	p, err := ParsePermission("execute")
	require.NoError(t, err)
	assert.Equal(t, PermExecute, p)
	p, err = ParsePermission("all")
	require.NoError(t, err)
	assert.True(t, p.Has(PermCreate|PermDelete))
	_, err = ParsePermission("fly")
	assert.Error(t, err)
}

func TestKeyDeriver(t *testing.T) {
	d, err := NewKeyDeriver([]byte("0123456789abcdef0123"), []byte("salt"))
	require.NoError(t, err)

	a, err := d.Derive("dev-1", 101)
	require.NoError(t, err)
	assert.Len(t, a, DerivedKeyLength)

	again, err := d.Derive("dev-1", 101)
	require.NoError(t, err)
	assert.Equal(t, a, again)

	other, err := d.Derive("dev-2", 101)
	require.NoError(t, err)
	assert.NotEqual(t, a, other)

	_, err = NewKeyDeriver([]byte("short"), nil)
	assert.Error(t, err)
}

func newCoordinator(t *testing.T, store ConfigStore) *Coordinator {
	t.Helper()
	d, err := NewKeyDeriver([]byte("0123456789abcdef0123"), nil)
	require.NoError(t, err)
	c := NewCoordinator(CoordinatorConfig{Store: store, Deriver: d})
	t.Cleanup(c.Close)
	return c
}

func TestComputeConfigDerivesKeys(t *testing.T) {
	sec, info := dmEntry()
	cfg, err := FullProvisioning(bsEntry(), sec, info)
	require.NoError(t, err)

	store := NewMemoryConfigStore()
	require.NoError(t, store.Add(DefaultEndpoint, cfg))
	c := newCoordinator(t, store)

	got, err := c.ComputeConfig(context.Background(), "dev-7", security.Credentials{}, "s1")
	require.NoError(t, err)
	dm := got.Security[1]
	assert.Len(t, dm.SecretKey, DerivedKeyLength)
	assert.Equal(t, []byte("dev-7"), dm.PublicKeyOrIdentity)

	infos := ProvisionedSecurity("dev-7", got)
	require.Len(t, infos, 1)
	assert.Equal(t, "dev-7", infos[0].PSKIdentity)
	assert.Equal(t, dm.SecretKey, infos[0].PSKKey)

	// The stored template is untouched.
	again, err := store.Get("dev-7", security.Credentials{})
	require.NoError(t, err)
	assert.Empty(t, again.Security[1].SecretKey)
}

func TestComputeConfigMissing(t *testing.T) {
	c := newCoordinator(t, NewMemoryConfigStore())
	_, err := c.ComputeConfig(context.Background(), "nobody", security.Credentials{}, "")
	assert.ErrorIs(t, err, ErrNoConfig)

	noStore := NewCoordinator(CoordinatorConfig{})
	defer noStore.Close()
	_, err = noStore.ComputeConfig(context.Background(), "nobody", security.Credentials{}, "")
	assert.ErrorIs(t, err, ErrNoConfig)
}

func TestApplyOrder(t *testing.T) {
	sec, info := dmEntry()
	cfg, err := NewBuilder().DeleteAll().BootstrapServer(bsEntry()).Server(sec, info).Build()
	require.NoError(t, err)

	c := newCoordinator(t, nil)
	events := make(chan Event, 4)
	c.Events().Subscribe(nil, func(e Event) { events <- e })

	sender := &recordingSender{}
	require.NoError(t, c.Apply(context.Background(), "dev", sender, cfg))

	assert.Equal(t, []string{
		"BootstrapDelete /",
		"BootstrapWrite /0/0",
		"BootstrapWrite /0/1",
		"BootstrapWrite /1/0",
		"BootstrapFinish /",
	}, sender.ops())

	// Write payloads decode with the default registry.
	w := sender.reqs[2]
	assert.Equal(t, wire.FormatCBOR, w.Format)
	n, err := codec.DefaultRegistry().Decode(w.Format, w.Payload, wire.NewPath(0, 1))
	require.NoError(t, err)
	v, ok := n.Value(wire.NewPath(0, 1, 0))
	require.True(t, ok)
	uri, _ := v.Str()
	assert.Equal(t, "coaps://dm.example:5684", uri)

	assert.Equal(t, EventStarted, (<-events).Kind)
	assert.Equal(t, EventFinished, (<-events).Kind)
	assert.False(t, c.InProgress("dev"))
}

func TestApplyAbortsOnErrorStatus(t *testing.T) {
	sec, info := dmEntry()
	cfg, err := NewBuilder().Server(sec, info).Build()
	require.NoError(t, err)

	c := newCoordinator(t, nil)
	sender := &recordingSender{answer: func(req *wire.Request) (*wire.Response, error) {
		if req.Operation == wire.OpBootstrapWrite && req.Path == "/1/0" {
			return wire.NewResponse(wire.StatusBadRequest), nil
		}
		return wire.NewResponse(wire.StatusChanged), nil
	}}

	err = c.Apply(context.Background(), "dev", sender, cfg)
	var ae *ApplyError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, wire.OpBootstrapWrite, ae.Step)
	assert.Equal(t, wire.NewPath(1, 0), ae.Path)
	assert.Equal(t, wire.StatusBadRequest, ae.Status)
	assert.ErrorIs(t, err, ErrRejected)
	assert.NotContains(t, sender.ops(), "BootstrapFinish /")
}

func TestApplyTransportError(t *testing.T) {
	c := newCoordinator(t, nil)
	boom := errors.New("timeout")
	sender := &recordingSender{answer: func(*wire.Request) (*wire.Response, error) { return nil, boom }}

	err := c.Apply(context.Background(), "dev", sender, NewConfig())
	assert.ErrorIs(t, err, boom)
	var ae *ApplyError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, wire.OpBootstrapFinish, ae.Step)
}

func TestApplyConcurrentSameEndpointRejected(t *testing.T) {
	c := newCoordinator(t, nil)
	release := make(chan struct{})
	entered := make(chan struct{})
	blocking := &recordingSender{answer: func(*wire.Request) (*wire.Response, error) {
		close(entered)
		<-release
		return wire.NewResponse(wire.StatusChanged), nil
	}}

	done := make(chan error, 1)
	go func() { done <- c.Apply(context.Background(), "dev", blocking, NewConfig()) }()
	<-entered
	assert.True(t, c.InProgress("dev"))

	err := c.Apply(context.Background(), "dev", &recordingSender{}, NewConfig())
	assert.ErrorIs(t, err, ErrBootstrapInProgress)

	// Another endpoint proceeds independently.
	require.NoError(t, c.Apply(context.Background(), "other", &recordingSender{}, NewConfig()))

	close(release)
	require.NoError(t, <-done)
	assert.False(t, c.InProgress("dev"))
}

func TestTryBeginReservesEndpoint(t *testing.T) {
	c := newCoordinator(t, nil)

	require.NoError(t, c.TryBegin("dev"))
	assert.True(t, c.InProgress("dev"))
	assert.ErrorIs(t, c.TryBegin("dev"), ErrBootstrapInProgress)
	assert.ErrorIs(t, c.Apply(context.Background(), "dev", &recordingSender{}, NewConfig()), ErrBootstrapInProgress)

	sender := &recordingSender{}
	require.NoError(t, c.ApplyReserved(context.Background(), "dev", sender, NewConfig()))
	assert.False(t, c.InProgress("dev"), "delivery releases the reservation")

	require.NoError(t, c.TryBegin("dev"))
	c.Release("dev")
	assert.False(t, c.InProgress("dev"))
}

const yamlDoc = `
endpoints:
  "*":
    delete: ["/"]
    security:
      0: {uri: "coaps://bs.example:5684", bootstrap: true, mode: psk, identity: bs, key: "0011"}
      1: {uri: "coaps://dm.example:5684", mode: psk, derive_key: true, short_server_id: 101}
    servers:
      0: {short_server_id: 101, lifetime: 300, binding: UQ}
    acls:
      0: {object: 3, instance: 0, owner: 101, permissions: {101: [read, write, execute]}}
  special:
    security:
      0: {uri: "coap://dm.example:5683", mode: none, short_server_id: 7}
    servers:
      0: {short_server_id: 7, lifetime: 60}
`

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootstrap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	fs, err := NewFileStore(path)
	require.NoError(t, err)

	cfg, err := fs.Get("anything", security.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, []wire.Path{wire.RootPath}, cfg.Deletes)
	assert.Equal(t, []byte{0x00, 0x11}, cfg.Security[0].SecretKey)
	assert.True(t, cfg.Security[1].DeriveKey)
	assert.Equal(t, 300*time.Second, cfg.Servers[0].Lifetime)
	assert.Equal(t, PermRead|PermWrite|PermExecute, cfg.ACLs[0].Permissions[101])

	cfg, err = fs.Get("special", security.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, security.ModeNone, cfg.Security[0].Mode)
	assert.Empty(t, cfg.Deletes)

	// A broken file keeps the previous contents.
	require.NoError(t, os.WriteFile(path, []byte("endpoints: ["), 0o600))
	assert.Error(t, fs.Reload())
	_, err = fs.Get("special", security.Credentials{})
	assert.NoError(t, err)
}

func TestParseYAMLErrors(t *testing.T) {
	_, err := ParseYAML([]byte(`endpoints: {x: {delete: ["/a"]}}`))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = ParseYAML([]byte(`endpoints: {x: {security: {0: {uri: u, mode: psk, key: "zz"}}}}`))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewFileStore(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
