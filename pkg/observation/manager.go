package observation

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mash-protocol/lwm2m-go/pkg/codec"
	"github.com/mash-protocol/lwm2m-go/pkg/eventbus"
	"github.com/mash-protocol/lwm2m-go/pkg/ident"
	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// Defaults.
const (
	DefaultShards       = 32
	DefaultTombstoneTTL = 10 * time.Minute
)

// Config configures a Manager.
type Config struct {
	// Codecs decodes notification payloads. Defaults to codec.DefaultRegistry.
	Codecs *codec.Registry

	// IDs issues observation ids.
	IDs ident.Source

	Shards int

	// TombstoneTTL is how long a removed registration id keeps reporting
	// ErrRegistrationNotFound instead of ErrObservationNotFound.
	TombstoneTTL time.Duration

	Clock  func() time.Time
	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Shards:       DefaultShards,
		TombstoneTTL: DefaultTombstoneTTL,
	}
}

type entry struct {
	obs     *Observation
	lastSeq uint32
	seen    bool
}

type bucket struct {
	byPath map[wire.Path]*entry
}

type shard struct {
	mu         sync.Mutex
	buckets    map[string]*bucket    // registration id -> bucket
	tombstones map[string]time.Time // registration id -> removal time
}

// Manager owns every active observation.
type Manager struct {
	config Config
	logger *slog.Logger
	shards []*shard

	// token string -> registration id
	tokens sync.Map

	events *eventbus.Bus[Event]
}

// NewManager creates a manager with the default configuration.
func NewManager() *Manager {
	return NewManagerWithConfig(DefaultConfig())
}

// NewManagerWithConfig creates a manager.
func NewManagerWithConfig(config Config) *Manager {
	if config.Codecs == nil {
		config.Codecs = codec.DefaultRegistry()
	}
	if config.IDs == nil {
		config.IDs = ident.NewRandomSource()
	}
	if config.Shards <= 0 {
		config.Shards = DefaultShards
	}
	if config.TombstoneTTL <= 0 {
		config.TombstoneTTL = DefaultTombstoneTTL
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	m := &Manager{
		config: config,
		logger: config.Logger,
		shards: make([]*shard, config.Shards),
		events: eventbus.New[Event](),
	}
	for i := range m.shards {
		m.shards[i] = &shard{
			buckets:    make(map[string]*bucket),
			tombstones: make(map[string]time.Time),
		}
	}
	return m
}

// Events returns the observation event bus.
func (m *Manager) Events() *eventbus.Bus[Event] { return m.events }

// Subscribe registers an observation listener.
func (m *Manager) Subscribe(predicate func(Event) bool, handler func(Event)) eventbus.Handle {
	return m.events.Subscribe(predicate, handler)
}

// Unsubscribe removes a listener.
func (m *Manager) Unsubscribe(h eventbus.Handle) {
	m.events.Unsubscribe(h)
}

// Close drains pending events and stops delivery.
func (m *Manager) Close() {
	m.events.Close()
}

func (m *Manager) shardFor(regID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(regID))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// removedLocked reports whether regID was torn down. Expired tombstones are
// pruned as a side effect.
func (m *Manager) removedLocked(sh *shard, regID string) bool {
	at, ok := sh.tombstones[regID]
	if !ok {
		return false
	}
	if m.config.Clock().Sub(at) > m.config.TombstoneTTL {
		delete(sh.tombstones, regID)
		return false
	}
	return true
}

// Add records a new observation. An existing observation on the same path
// of the same registration is replaced and returned.
func (m *Manager) Add(regID string, path wire.Path, token []byte, format wire.ContentFormat) (*Observation, *Observation, error) {
	if len(token) == 0 {
		return nil, nil, ErrInvalidToken
	}
	key := string(token)
	if _, loaded := m.tokens.LoadOrStore(key, regID); loaded {
		return nil, nil, fmt.Errorf("%w: %s", ErrTokenInUse, ident.TokenString(token))
	}

	sh := m.shardFor(regID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if m.removedLocked(sh, regID) {
		m.tokens.CompareAndDelete(key, regID)
		return nil, nil, ErrRegistrationNotFound
	}

	b := sh.buckets[regID]
	if b == nil {
		b = &bucket{byPath: make(map[wire.Path]*entry)}
		sh.buckets[regID] = b
	}

	obs := &Observation{
		ID:             m.config.IDs.NewID(),
		RegistrationID: regID,
		Path:           path,
		Token:          append([]byte(nil), token...),
		Format:         format,
		CreatedAt:      m.config.Clock(),
	}

	var replaced *Observation
	if old, ok := b.byPath[path]; ok {
		replaced = old.obs
		m.tokens.CompareAndDelete(string(old.obs.Token), regID)
		m.events.Publish(Event{Kind: EventCancelled, Observation: replaced.Clone(), Reason: CancelReplaced})
	}
	b.byPath[path] = &entry{obs: obs}

	m.debugLog("observation added",
		"registration", regID, "path", path.String(), "token", ident.TokenString(token))
	m.events.Publish(Event{Kind: EventAdded, Observation: obs.Clone()})

	return obs.Clone(), replaced.Clone(), nil
}

// Get returns the observation holding token.
func (m *Manager) Get(token []byte) (*Observation, bool) {
	v, ok := m.tokens.Load(string(token))
	if !ok {
		return nil, false
	}
	regID := v.(string)
	sh := m.shardFor(regID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := m.findTokenLocked(sh, regID, token)
	if e == nil {
		return nil, false
	}
	return e.obs.Clone(), true
}

// GetObservations returns the registration's observations ordered by path.
func (m *Manager) GetObservations(regID string) []*Observation {
	sh := m.shardFor(regID)
	sh.mu.Lock()
	b := sh.buckets[regID]
	var out []*Observation
	if b != nil {
		out = make([]*Observation, 0, len(b.byPath))
		for _, e := range b.byPath {
			out = append(out, e.obs.Clone())
		}
	}
	sh.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Path.String() < out[j].Path.String() })
	return out
}

// CancelPassive forgets obs locally. Later notifications for its token are
// dropped.
func (m *Manager) CancelPassive(obs *Observation) error {
	if obs == nil {
		return ErrObservationNotFound
	}
	sh := m.shardFor(obs.RegistrationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if m.removedLocked(sh, obs.RegistrationID) {
		return ErrRegistrationNotFound
	}
	e := m.findTokenLocked(sh, obs.RegistrationID, obs.Token)
	if e == nil {
		return ErrObservationNotFound
	}
	m.removeLocked(sh, e, CancelPassive)
	return nil
}

// CancelByPath passively cancels the observation on path and returns it.
func (m *Manager) CancelByPath(regID string, path wire.Path) (*Observation, error) {
	sh := m.shardFor(regID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if m.removedLocked(sh, regID) {
		return nil, ErrRegistrationNotFound
	}
	b := sh.buckets[regID]
	if b == nil {
		return nil, ErrObservationNotFound
	}
	e, ok := b.byPath[path]
	if !ok {
		return nil, ErrObservationNotFound
	}
	m.removeLocked(sh, e, CancelPassive)
	return e.obs.Clone(), nil
}

// RemoveAll drops every observation of a registration and marks the id as
// removed. It is the registration teardown hook.
func (m *Manager) RemoveAll(regID string) []*Observation {
	sh := m.shardFor(regID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.tombstones[regID] = m.config.Clock()
	b := sh.buckets[regID]
	if b == nil {
		return nil
	}
	out := make([]*Observation, 0, len(b.byPath))
	for _, e := range b.byPath {
		out = append(out, e.obs.Clone())
		m.removeLocked(sh, e, CancelTeardown)
	}
	delete(sh.buckets, regID)

	if len(out) > 0 {
		m.debugLog("observations removed", "registration", regID, "count", len(out))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path.String() < out[j].Path.String() })
	return out
}

// Len returns the number of active observations.
func (m *Manager) Len() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for _, b := range sh.buckets {
			n += len(b.byPath)
		}
		sh.mu.Unlock()
	}
	return n
}

// HandleNotification matches a notification to its observation and
// publishes the result. It reports whether the token belonged to an active
// observation of regID. An empty regID matches on token alone.
//
// A non-zero sequence number not newer than the last one delivered for the
// observation is treated as a reordered duplicate and dropped.
func (m *Manager) HandleNotification(regID string, token []byte, format wire.ContentFormat, payload []byte, seq uint32, receivedAt time.Time) bool {
	v, ok := m.tokens.Load(string(token))
	if !ok {
		return false
	}
	owner := v.(string)
	if regID != "" && owner != regID {
		return false
	}

	obs, found := m.Get(token)
	if !found {
		return false
	}

	// Decode outside the lock; obs is a snapshot.
	content, decodeErr := m.config.Codecs.Decode(format, payload, obs.Path)

	sh := m.shardFor(owner)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := m.findTokenLocked(sh, owner, token)
	if e == nil {
		return false
	}
	if seq != 0 {
		if e.seen && !seqNewer(seq, e.lastSeq) {
			m.debugLog("stale notification dropped",
				"registration", owner, "path", obs.Path.String(), "seq", seq, "last", e.lastSeq)
			return true
		}
		e.lastSeq = seq
		e.seen = true
	}

	if decodeErr != nil {
		m.events.Publish(Event{Kind: EventNotifyError, Observation: e.obs.Clone(), Err: decodeErr})
		return true
	}
	m.events.Publish(Event{
		Kind:        EventNotified,
		Observation: e.obs.Clone(),
		Notification: &Notification{
			Observation: e.obs.Clone(),
			Content:     content,
			Sequence:    seq,
			ReceivedAt:  receivedAt,
		},
	})
	return true
}

// seqNewer compares 24-bit observe sequence numbers with wrap-around.
func seqNewer(v, last uint32) bool {
	const mask = 1<<24 - 1
	d := (v - last) & mask
	return d != 0 && d < 1<<23
}

func (m *Manager) findTokenLocked(sh *shard, regID string, token []byte) *entry {
	b := sh.buckets[regID]
	if b == nil {
		return nil
	}
	for _, e := range b.byPath {
		if string(e.obs.Token) == string(token) {
			return e
		}
	}
	return nil
}

func (m *Manager) removeLocked(sh *shard, e *entry, reason CancelReason) {
	regID := e.obs.RegistrationID
	if b := sh.buckets[regID]; b != nil {
		if cur, ok := b.byPath[e.obs.Path]; ok && cur == e {
			delete(b.byPath, e.obs.Path)
		}
		if len(b.byPath) == 0 && reason != CancelTeardown {
			delete(sh.buckets, regID)
		}
	}
	m.tokens.CompareAndDelete(string(e.obs.Token), regID)
	m.events.Publish(Event{Kind: EventCancelled, Observation: e.obs.Clone(), Reason: reason})
}

func (m *Manager) debugLog(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Debug(msg, args...)
	}
}

// MarkRemoved tombstones regID without touching its observations. Later
// calls naming it report ErrRegistrationNotFound.
func (m *Manager) MarkRemoved(regID string) {
	sh := m.shardFor(regID)
	sh.mu.Lock()
	sh.tombstones[regID] = m.config.Clock()
	sh.mu.Unlock()
}
