package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mash-protocol/lwm2m-go/pkg/eventbus"
	"github.com/mash-protocol/lwm2m-go/pkg/registration"
)

// Defaults.
const (
	// DefaultAwakeDuration matches the CoAP MAX_TRANSMIT_WAIT.
	DefaultAwakeDuration = 93 * time.Second

	DefaultTolerance = 0.2
)

// State is the reachability of a queue-mode device.
type State uint8

const (
	StateUnknown State = iota
	StateAwake
	StateSleeping
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateAwake:
		return "AWAKE"
	case StateSleeping:
		return "SLEEPING"
	default:
		return "UNKNOWN"
	}
}

// EventKind is the kind of presence event.
type EventKind uint8

const (
	EventAwake EventKind = iota + 1
	EventSleeping
)

// String returns the kind name.
func (k EventKind) String() string {
	switch k {
	case EventAwake:
		return "AWAKE"
	case EventSleeping:
		return "SLEEPING"
	default:
		return "UNKNOWN"
	}
}

// Event reports a state transition.
type Event struct {
	Kind           EventKind
	RegistrationID string
	Endpoint       string
	At             time.Time
}

// ForRegistration returns a predicate matching events for a registration.
func ForRegistration(regID string) func(Event) bool {
	return func(e Event) bool { return e.RegistrationID == regID }
}

// Config configures a Tracker.
type Config struct {
	// AwakeDuration is how long a device stays reachable after traffic.
	AwakeDuration time.Duration

	// Tolerance is the fraction of AwakeDuration a late timer may overrun
	// before reads report SLEEPING on their own.
	Tolerance float64

	Clock  func() time.Time
	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		AwakeDuration: DefaultAwakeDuration,
		Tolerance:     DefaultTolerance,
	}
}

type entry struct {
	mu       sync.Mutex
	regID    string
	endpoint string
	state    State
	lastSeen time.Time
	gen      uint64
	timer    *time.Timer
	removed  bool
}

// Tracker follows the presence of queue-mode registrations. It satisfies
// request.PresenceGate.
type Tracker struct {
	config  Config
	logger  *slog.Logger
	entries sync.Map // registration id -> *entry
	events  *eventbus.Bus[Event]
}

// NewTracker creates a tracker with the default configuration.
func NewTracker() *Tracker {
	return NewTrackerWithConfig(DefaultConfig())
}

// NewTrackerWithConfig creates a tracker.
func NewTrackerWithConfig(config Config) *Tracker {
	if config.AwakeDuration <= 0 {
		config.AwakeDuration = DefaultAwakeDuration
	}
	if config.Tolerance < 0 {
		config.Tolerance = DefaultTolerance
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Tracker{
		config: config,
		logger: config.Logger,
		events: eventbus.New[Event](),
	}
}

// Events returns the presence event bus.
func (t *Tracker) Events() *eventbus.Bus[Event] { return t.events }

// Subscribe registers a presence listener.
func (t *Tracker) Subscribe(predicate func(Event) bool, handler func(Event)) eventbus.Handle {
	return t.events.Subscribe(predicate, handler)
}

// Unsubscribe removes a presence listener.
func (t *Tracker) Unsubscribe(h eventbus.Handle) {
	t.events.Unsubscribe(h)
}

// Track starts following reg if it is in queue mode. The device counts as
// having just sent traffic. A tracked registration that left queue mode is
// forgotten.
func (t *Tracker) Track(reg *registration.Registration) {
	if !reg.IsQueueMode() {
		t.Remove(reg.ID)
		return
	}
	e := &entry{regID: reg.ID, endpoint: reg.Endpoint}
	actual, loaded := t.entries.LoadOrStore(reg.ID, e)
	if loaded {
		t.touch(actual.(*entry))
		return
	}
	t.touch(e)
}

// Touch records inbound traffic. It reports whether regID is tracked.
func (t *Tracker) Touch(regID string) bool {
	v, ok := t.entries.Load(regID)
	if !ok {
		return false
	}
	t.touch(v.(*entry))
	return true
}

func (t *Tracker) touch(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return
	}

	now := t.config.Clock()
	t.expireLocked(e, now)

	e.lastSeen = now
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
	}
	gen := e.gen
	e.timer = time.AfterFunc(t.config.AwakeDuration, func() { t.fire(e, gen) })

	if e.state != StateAwake {
		e.state = StateAwake
		t.debugLog("device awake", "registration", e.regID, "endpoint", e.endpoint)
		t.events.Publish(Event{Kind: EventAwake, RegistrationID: e.regID, Endpoint: e.endpoint, At: now})
	}
}

func (t *Tracker) fire(e *entry, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || e.gen != gen || e.state != StateAwake {
		return
	}
	t.sleepLocked(e, t.config.Clock())
}

// expireLocked moves an entry whose timer is overdue beyond the tolerance
// to SLEEPING.
func (t *Tracker) expireLocked(e *entry, now time.Time) {
	if e.state != StateAwake {
		return
	}
	limit := t.config.AwakeDuration + time.Duration(float64(t.config.AwakeDuration)*t.config.Tolerance)
	if now.Sub(e.lastSeen) > limit {
		t.sleepLocked(e, now)
	}
}

func (t *Tracker) sleepLocked(e *entry, now time.Time) {
	e.state = StateSleeping
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	t.debugLog("device sleeping", "registration", e.regID, "endpoint", e.endpoint)
	t.events.Publish(Event{Kind: EventSleeping, RegistrationID: e.regID, Endpoint: e.endpoint, At: now})
}

// State returns the current state of regID, StateUnknown if untracked.
func (t *Tracker) State(regID string) State {
	v, ok := t.entries.Load(regID)
	if !ok {
		return StateUnknown
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return StateUnknown
	}
	t.expireLocked(e, t.config.Clock())
	return e.state
}

// IsQueueMode reports whether regID is tracked.
func (t *Tracker) IsQueueMode(regID string) bool {
	_, ok := t.entries.Load(regID)
	return ok
}

// IsAwake reports whether the device can be contacted now. Untracked
// registrations are always reachable.
func (t *Tracker) IsAwake(regID string) bool {
	s := t.State(regID)
	return s != StateSleeping
}

// SleepDeadline returns when regID is due to fall asleep.
func (t *Tracker) SleepDeadline(regID string) (time.Time, bool) {
	v, ok := t.entries.Load(regID)
	if !ok {
		return time.Time{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || e.state != StateAwake {
		return time.Time{}, false
	}
	return e.lastSeen.Add(t.config.AwakeDuration), true
}

// Remove stops tracking regID.
func (t *Tracker) Remove(regID string) {
	v, ok := t.entries.LoadAndDelete(regID)
	if !ok {
		return
	}
	e := v.(*entry)
	e.mu.Lock()
	e.removed = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()
}

// Len returns the number of tracked registrations.
func (t *Tracker) Len() int {
	n := 0
	t.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close stops every timer and drains the event bus.
func (t *Tracker) Close() {
	t.entries.Range(func(k, _ any) bool {
		t.Remove(k.(string))
		return true
	})
	t.events.Close()
}

func (t *Tracker) debugLog(msg string, args ...any) {
	if t.logger != nil {
		t.logger.Debug(msg, args...)
	}
}
