package registration

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/mash-protocol/lwm2m-go/pkg/eventbus"
	"github.com/mash-protocol/lwm2m-go/pkg/ident"
)

// Store errors.
var (
	ErrNotFound      = errors.New("registration not found")
	ErrInvalidParams = errors.New("invalid registration parameters")
	ErrClosed        = errors.New("registration store closed")
)

// Defaults.
const (
	DefaultLifetime      = 86400 * time.Second
	DefaultSweepInterval = time.Second
	DefaultShards        = 32
)

// Config configures a Store.
type Config struct {
	// DefaultLifetime applies when a register request carries none.
	DefaultLifetime time.Duration

	// SweepInterval is the background expiry period used by Start.
	SweepInterval time.Duration

	// Shards is the number of lock shards.
	Shards int

	// IDs issues registration ids. Defaults to a random source.
	IDs ident.Source

	// Clock defaults to time.Now.
	Clock func() time.Time

	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DefaultLifetime: DefaultLifetime,
		SweepInterval:   DefaultSweepInterval,
		Shards:          DefaultShards,
	}
}

// TeardownFunc releases state attached to a registration that is going
// away. Hooks run synchronously while the endpoint is locked and must not
// call back into the Store.
type TeardownFunc func(reg *Registration, reason Reason)

type shard struct {
	mu   sync.Mutex
	regs map[string]*Registration // endpoint -> registration
}

// Store is the registration table.
type Store struct {
	config Config
	logger *slog.Logger
	shards []*shard

	// Secondary indexes; values are endpoint names. Entries are written
	// under the owning shard lock and re-validated on read.
	byID       sync.Map
	byAddress  sync.Map
	byIdentity sync.Map

	events *eventbus.Bus[Event]

	hookMu   sync.RWMutex
	teardown []TeardownFunc

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStore creates a store with the default configuration.
func NewStore() *Store {
	return NewStoreWithConfig(DefaultConfig())
}

// NewStoreWithConfig creates a store.
func NewStoreWithConfig(config Config) *Store {
	if config.DefaultLifetime <= 0 {
		config.DefaultLifetime = DefaultLifetime
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.Shards <= 0 {
		config.Shards = DefaultShards
	}
	if config.IDs == nil {
		config.IDs = ident.NewRandomSource()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	s := &Store{
		config: config,
		logger: config.Logger,
		shards: make([]*shard, config.Shards),
		events: eventbus.New[Event](),
	}
	for i := range s.shards {
		s.shards[i] = &shard{regs: make(map[string]*Registration)}
	}
	return s
}

// Events returns the lifecycle event bus.
func (s *Store) Events() *eventbus.Bus[Event] { return s.events }

// Subscribe registers a lifecycle listener.
func (s *Store) Subscribe(predicate func(Event) bool, handler func(Event)) eventbus.Handle {
	return s.events.Subscribe(predicate, handler)
}

// Unsubscribe removes a lifecycle listener.
func (s *Store) Unsubscribe(h eventbus.Handle) {
	s.events.Unsubscribe(h)
}

// OnTeardown adds a hook run whenever a registration is removed.
func (s *Store) OnTeardown(fn TeardownFunc) {
	s.hookMu.Lock()
	s.teardown = append(s.teardown, fn)
	s.hookMu.Unlock()
}

func (s *Store) shardFor(endpoint string) *shard {
	h := fnv.New32a()
	h.Write([]byte(endpoint))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Register creates a registration, replacing any existing one for the
// endpoint. The replaced registration is torn down and announced as
// deregistered (ReasonReplaced, or ReasonExpired if it had already lapsed)
// before the new registration is announced.
func (s *Store) Register(p RegisterParams) (*Registration, error) {
	if p.Endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint required", ErrInvalidParams)
	}
	if p.Lifetime < 0 {
		return nil, fmt.Errorf("%w: negative lifetime", ErrInvalidParams)
	}
	if p.Lifetime == 0 {
		p.Lifetime = s.config.DefaultLifetime
	}
	if p.Binding == "" {
		p.Binding = BindingUDP
	}

	now := s.config.Clock()
	reg := &Registration{
		ID:           s.config.IDs.NewID(),
		Endpoint:     p.Endpoint,
		Lifetime:     p.Lifetime,
		Binding:      p.Binding,
		Address:      p.Address,
		LwM2MVersion: p.LwM2MVersion,
		SessionID:    p.SessionID,
		Identity:     p.Identity,
		Version:      1,
		RegisteredAt: now,
		LastUpdate:   now,
	}
	reg.Links = p.Links
	reg.Attributes = p.Attributes
	reg = reg.Clone()

	sh := s.shardFor(p.Endpoint)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if old, ok := sh.regs[p.Endpoint]; ok {
		reason := ReasonReplaced
		if old.IsExpired(now) {
			reason = ReasonExpired
		}
		s.removeLocked(sh, old, reason)
	}

	sh.regs[reg.Endpoint] = reg
	s.index(reg)
	s.events.Publish(Event{Kind: EventRegistered, Registration: reg.Clone()})
	s.debugLog("registered", "endpoint", reg.Endpoint, "id", reg.ID, "lifetime", reg.Lifetime, "binding", reg.Binding)
	return reg.Clone(), nil
}

// Update applies u to the registration. Unknown or lapsed ids return
// ErrNotFound.
func (s *Store) Update(id string, u Update) (*Registration, error) {
	sh, ep, ok := s.locate(id)
	if !ok {
		return nil, ErrNotFound
	}
	if u.Lifetime != nil && *u.Lifetime <= 0 {
		return nil, fmt.Errorf("%w: lifetime must be positive", ErrInvalidParams)
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	reg, ok := sh.regs[ep]
	if !ok || reg.ID != id {
		return nil, ErrNotFound
	}
	now := s.config.Clock()
	if reg.IsExpired(now) {
		s.removeLocked(sh, reg, ReasonExpired)
		return nil, ErrNotFound
	}

	prev := reg.Clone()
	s.unindex(reg)
	u.apply(reg)
	reg.Version++
	reg.LastUpdate = now
	s.index(reg)

	s.events.Publish(Event{Kind: EventUpdated, Registration: reg.Clone(), Previous: prev})
	s.debugLog("updated", "endpoint", reg.Endpoint, "id", reg.ID, "version", reg.Version)
	return reg.Clone(), nil
}

// Deregister removes the registration explicitly.
func (s *Store) Deregister(id string) (*Registration, error) {
	sh, ep, ok := s.locate(id)
	if !ok {
		return nil, ErrNotFound
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	reg, ok := sh.regs[ep]
	if !ok || reg.ID != id {
		return nil, ErrNotFound
	}
	if reg.IsExpired(s.config.Clock()) {
		s.removeLocked(sh, reg, ReasonExpired)
		return nil, ErrNotFound
	}
	s.removeLocked(sh, reg, ReasonExplicit)
	return reg.Clone(), nil
}

// Get returns the registration with id.
func (s *Store) Get(id string) (*Registration, error) {
	_, ep, ok := s.locate(id)
	if !ok {
		return nil, ErrNotFound
	}
	reg, err := s.GetByEndpoint(ep)
	if err != nil || reg.ID != id {
		return nil, ErrNotFound
	}
	return reg, nil
}

// GetByEndpoint returns the active registration for an endpoint name.
func (s *Store) GetByEndpoint(endpoint string) (*Registration, error) {
	sh := s.shardFor(endpoint)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	reg, ok := sh.regs[endpoint]
	if !ok {
		return nil, ErrNotFound
	}
	if reg.IsExpired(s.config.Clock()) {
		s.removeLocked(sh, reg, ReasonExpired)
		return nil, ErrNotFound
	}
	return reg.Clone(), nil
}

// GetByAddress returns the registration last seen at a transport address.
func (s *Store) GetByAddress(addr string) (*Registration, error) {
	v, ok := s.byAddress.Load(addr)
	if !ok {
		return nil, ErrNotFound
	}
	reg, err := s.GetByEndpoint(v.(string))
	if err != nil || reg.Address != addr {
		return nil, ErrNotFound
	}
	return reg, nil
}

// GetByIdentity returns the registration established with a security
// identity.
func (s *Store) GetByIdentity(identity string) (*Registration, error) {
	v, ok := s.byIdentity.Load(identity)
	if !ok {
		return nil, ErrNotFound
	}
	reg, err := s.GetByEndpoint(v.(string))
	if err != nil || reg.Identity != identity {
		return nil, ErrNotFound
	}
	return reg, nil
}

// All returns a snapshot of the active registrations. Lapsed entries are
// skipped but left for the sweep.
func (s *Store) All() []*Registration {
	now := s.config.Clock()
	var out []*Registration
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, reg := range sh.regs {
			if !reg.IsExpired(now) {
				out = append(out, reg.Clone())
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// Len returns the number of stored registrations, including lapsed ones
// not yet swept.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.regs)
		sh.mu.Unlock()
	}
	return n
}

// ExpireOlderThan removes every registration whose lifetime elapsed at now
// and returns them. Each removal fires a deregistered event with
// ReasonExpired.
func (s *Store) ExpireOlderThan(now time.Time) []*Registration {
	var expired []*Registration
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, reg := range sh.regs {
			if reg.IsExpired(now) {
				s.removeLocked(sh, reg, ReasonExpired)
				expired = append(expired, reg.Clone())
			}
		}
		sh.mu.Unlock()
	}
	return expired
}

// Start runs the background expiry sweep until ctx is done or Stop is
// called.
func (s *Store) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.sweep(ctx)
}

// Stop ends the background sweep.
func (s *Store) Stop() {
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runMu.Unlock()
	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}

// Close stops the sweep and drains the event bus.
func (s *Store) Close() {
	s.Stop()
	s.events.Close()
}

func (s *Store) sweep(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := len(s.ExpireOlderThan(s.config.Clock())); n > 0 {
				s.debugLog("expired registrations", "count", n)
			}
		}
	}
}

// locate resolves a registration id to its endpoint and shard.
func (s *Store) locate(id string) (*shard, string, bool) {
	v, ok := s.byID.Load(id)
	if !ok {
		return nil, "", false
	}
	ep := v.(string)
	return s.shardFor(ep), ep, true
}

// removeLocked deletes reg, runs teardown hooks and publishes the
// deregistration. The shard lock must be held.
func (s *Store) removeLocked(sh *shard, reg *Registration, reason Reason) {
	delete(sh.regs, reg.Endpoint)
	s.unindex(reg)
	s.byID.Delete(reg.ID)

	s.hookMu.RLock()
	hooks := s.teardown
	s.hookMu.RUnlock()
	snapshot := reg.Clone()
	for _, fn := range hooks {
		fn(snapshot, reason)
	}

	s.events.Publish(Event{Kind: EventDeregistered, Reason: reason, Registration: snapshot})
	s.debugLog("deregistered", "endpoint", reg.Endpoint, "id", reg.ID, "reason", reason)
}

func (s *Store) index(reg *Registration) {
	s.byID.Store(reg.ID, reg.Endpoint)
	if reg.Address != "" {
		s.byAddress.Store(reg.Address, reg.Endpoint)
	}
	if reg.Identity != "" {
		s.byIdentity.Store(reg.Identity, reg.Endpoint)
	}
}

// unindex drops the address and identity entries owned by reg.
func (s *Store) unindex(reg *Registration) {
	if reg.Address != "" {
		s.byAddress.CompareAndDelete(reg.Address, reg.Endpoint)
	}
	if reg.Identity != "" {
		s.byIdentity.CompareAndDelete(reg.Identity, reg.Endpoint)
	}
}

func (s *Store) debugLog(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}
