package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mash-protocol/lwm2m-go/pkg/codec"
	"github.com/mash-protocol/lwm2m-go/pkg/eventbus"
	"github.com/mash-protocol/lwm2m-go/pkg/security"
	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// Coordinator errors.
var (
	ErrBootstrapInProgress = errors.New("bootstrap already in progress")
	ErrRejected            = errors.New("device rejected bootstrap step")
)

// Sender delivers one bootstrap request to the device and waits for its
// response.
type Sender interface {
	Send(ctx context.Context, req *wire.Request) (*wire.Response, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, req *wire.Request) (*wire.Response, error)

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	return f(ctx, req)
}

// ApplyError reports the step that failed. Status is set when the device
// answered with an error code; Err when delivery failed.
type ApplyError struct {
	Step   wire.Operation
	Path   wire.Path
	Status wire.Status
	Err    error
}

func (e *ApplyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bootstrap %s %s: %v", e.Step, e.Path, e.Err)
	}
	return fmt.Sprintf("bootstrap %s %s: device answered %s", e.Step, e.Path, e.Status)
}

func (e *ApplyError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrRejected
}

// EventKind is a bootstrap session transition.
type EventKind uint8

const (
	EventStarted EventKind = iota + 1
	EventFinished
	EventFailed
)

// String returns the kind name.
func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "STARTED"
	case EventFinished:
		return "FINISHED"
	case EventFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Event reports bootstrap progress for an endpoint.
type Event struct {
	Kind     EventKind
	Endpoint string
	Err      error
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Store ConfigStore

	// Deriver fills keys for entries with DeriveKey. Optional.
	Deriver *KeyDeriver

	// Codecs encodes instance writes. Defaults to codec.DefaultRegistry.
	Codecs *codec.Registry

	// Format of write payloads. Defaults to CBOR.
	Format wire.ContentFormat

	Logger *slog.Logger
}

// Coordinator computes and applies bootstrap configurations.
type Coordinator struct {
	config CoordinatorConfig
	logger *slog.Logger
	events *eventbus.Bus[Event]

	mu       sync.Mutex
	sessions map[string]time.Time // endpoint -> start
}

// NewCoordinator creates a coordinator.
func NewCoordinator(config CoordinatorConfig) *Coordinator {
	if config.Codecs == nil {
		config.Codecs = codec.DefaultRegistry()
	}
	if config.Format == 0 && config.Codecs != nil {
		if _, ok := config.Codecs.Lookup(wire.FormatCBOR); ok {
			config.Format = wire.FormatCBOR
		}
	}
	return &Coordinator{
		config:   config,
		logger:   config.Logger,
		events:   eventbus.New[Event](),
		sessions: make(map[string]time.Time),
	}
}

// Events returns the bootstrap event bus.
func (c *Coordinator) Events() *eventbus.Bus[Event] { return c.events }

// Close drains the event bus.
func (c *Coordinator) Close() { c.events.Close() }

// ComputeConfig builds the config for endpoint. It does not consult or
// modify registration state.
func (c *Coordinator) ComputeConfig(ctx context.Context, endpoint string, creds security.Credentials, session string) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.config.Store == nil {
		return nil, ErrNoConfig
	}
	cfg, err := c.config.Store.Get(endpoint, creds)
	if err != nil {
		return nil, err
	}

	for id, sec := range cfg.Security {
		if !sec.DeriveKey {
			continue
		}
		if c.config.Deriver == nil {
			return nil, fmt.Errorf("%w: security %d asks for key derivation but no deriver is configured", ErrInvalidConfig, id)
		}
		key, err := c.config.Deriver.Derive(endpoint, sec.ShortServerID)
		if err != nil {
			return nil, err
		}
		sec.SecretKey = key
		if len(sec.PublicKeyOrIdentity) == 0 {
			sec.PublicKeyOrIdentity = []byte(endpoint)
		}
		cfg.Security[id] = sec
	}

	c.debugLog("bootstrap config computed", "endpoint", endpoint, "session", session,
		"deletes", len(cfg.Deletes), "security", len(cfg.Security), "servers", len(cfg.Servers), "acls", len(cfg.ACLs))
	return cfg, nil
}

// Apply delivers cfg: a delete for each path, a write for each instance and
// the final finish. The first failure aborts and is returned as
// *ApplyError. Only one Apply may run per endpoint at a time; a concurrent
// call fails with ErrBootstrapInProgress.
func (c *Coordinator) Apply(ctx context.Context, endpoint string, sender Sender, cfg *Config) error {
	if err := c.TryBegin(endpoint); err != nil {
		return err
	}
	return c.ApplyReserved(ctx, endpoint, sender, cfg)
}

// TryBegin reserves endpoint for a bootstrap, failing with
// ErrBootstrapInProgress while another one holds it. The reservation is
// released by ApplyReserved, or by Release when delivery never starts.
func (c *Coordinator) TryBegin(endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[endpoint]; ok {
		return fmt.Errorf("%w for %q", ErrBootstrapInProgress, endpoint)
	}
	c.sessions[endpoint] = time.Now()
	return nil
}

// Release drops a reservation taken with TryBegin.
func (c *Coordinator) Release(endpoint string) {
	c.mu.Lock()
	delete(c.sessions, endpoint)
	c.mu.Unlock()
}

// ApplyReserved is Apply for an endpoint already reserved with TryBegin.
// The reservation is released when delivery ends.
func (c *Coordinator) ApplyReserved(ctx context.Context, endpoint string, sender Sender, cfg *Config) (err error) {
	defer func() {
		c.Release(endpoint)
		if err != nil {
			c.events.Publish(Event{Kind: EventFailed, Endpoint: endpoint, Err: err})
			c.debugLog("bootstrap failed", "endpoint", endpoint, "error", err)
		} else {
			c.events.Publish(Event{Kind: EventFinished, Endpoint: endpoint})
			c.debugLog("bootstrap finished", "endpoint", endpoint)
		}
	}()
	c.events.Publish(Event{Kind: EventStarted, Endpoint: endpoint})

	for _, p := range cfg.Deletes {
		req := &wire.Request{Operation: wire.OpBootstrapDelete, Path: p.String()}
		if err := c.step(ctx, sender, req, p); err != nil {
			return err
		}
	}

	for _, w := range cfg.Writes() {
		payload, err := c.config.Codecs.Encode(c.config.Format, w.Node)
		if err != nil {
			return &ApplyError{Step: wire.OpBootstrapWrite, Path: w.Path, Err: err}
		}
		req := &wire.Request{
			Operation: wire.OpBootstrapWrite,
			Path:      w.Path.String(),
			Format:    c.config.Format,
			Payload:   payload,
		}
		if err := c.step(ctx, sender, req, w.Path); err != nil {
			return err
		}
	}

	return c.step(ctx, sender, &wire.Request{Operation: wire.OpBootstrapFinish, Path: "/"}, wire.RootPath)
}

// Bootstrap computes and applies the endpoint's config.
func (c *Coordinator) Bootstrap(ctx context.Context, endpoint string, creds security.Credentials, session string, sender Sender) (*Config, error) {
	cfg, err := c.ComputeConfig(ctx, endpoint, creds, session)
	if err != nil {
		return nil, err
	}
	if err := c.Apply(ctx, endpoint, sender, cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// InProgress reports whether a bootstrap is running for endpoint.
func (c *Coordinator) InProgress(endpoint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[endpoint]
	return ok
}

// ProvisionedSecurity returns SecurityInfo entries matching the PSK
// credentials cfg hands out for management servers, so a caller can admit
// the device once it registers.
func ProvisionedSecurity(endpoint string, cfg *Config) []*security.SecurityInfo {
	var out []*security.SecurityInfo
	for _, id := range sortedKeys(cfg.Security) {
		sec := cfg.Security[id]
		if sec.BootstrapServer || sec.Mode != security.ModePSK || len(sec.SecretKey) == 0 {
			continue
		}
		out = append(out, &security.SecurityInfo{
			Endpoint:    endpoint,
			Mode:        security.ModePSK,
			PSKIdentity: string(sec.PublicKeyOrIdentity),
			PSKKey:      append([]byte(nil), sec.SecretKey...),
		})
	}
	return out
}

func (c *Coordinator) step(ctx context.Context, sender Sender, req *wire.Request, p wire.Path) error {
	resp, err := sender.Send(ctx, req)
	if err != nil {
		return &ApplyError{Step: req.Operation, Path: p, Err: err}
	}
	if resp == nil {
		return &ApplyError{Step: req.Operation, Path: p, Err: errors.New("no response")}
	}
	if !resp.IsSuccess() {
		return &ApplyError{Step: req.Operation, Path: p, Status: resp.Status}
	}
	return nil
}

func (c *Coordinator) debugLog(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}
