package eventbridge

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/mash-protocol/lwm2m-go/pkg/observation"
	"github.com/mash-protocol/lwm2m-go/pkg/presence"
	"github.com/mash-protocol/lwm2m-go/pkg/registration"
)

// DefaultPrefix is the topic prefix used when Config.Prefix is empty.
const DefaultPrefix = "lwm2m"

// Event names used as the last topic segment.
const (
	EventRegistered       = "registered"
	EventUpdated          = "updated"
	EventDeregistered     = "deregistered"
	EventAwake            = "awake"
	EventSleeping         = "sleeping"
	EventObserveAdded     = "observe-added"
	EventObserveCancelled = "observe-cancelled"
	EventNotify           = "notify"
	EventNotifyError      = "notify-error"
)

// ErrClosed is returned by Attach after Close.
var ErrClosed = errors.New("bridge closed")

// Publisher delivers one payload to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Config configures a Bridge.
type Config struct {
	// Prefix is the first topic segment. Defaults to DefaultPrefix.
	Prefix string

	Clock  func() time.Time
	Logger *slog.Logger
}

// Message is the JSON document published for an event.
type Message struct {
	Event          string    `json:"event"`
	Endpoint       string    `json:"endpoint"`
	RegistrationID string    `json:"registrationId"`
	Reason         string    `json:"reason,omitempty"`
	Lifetime       int64     `json:"lifetime,omitempty"`
	Binding        string    `json:"binding,omitempty"`
	Address        string    `json:"address,omitempty"`
	Path           string    `json:"path,omitempty"`
	Value          string    `json:"value,omitempty"`
	Sequence       uint32    `json:"seq,omitempty"`
	Error          string    `json:"error,omitempty"`
	At             time.Time `json:"at"`
}

// Bridge publishes engine events.
type Bridge struct {
	pub    Publisher
	config Config
	logger *slog.Logger

	mu        sync.Mutex
	endpoints map[string]string // registration id -> endpoint
	closed    bool
	detach    []func()
}

// New creates a bridge publishing through pub.
func New(pub Publisher, config Config) *Bridge {
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	config.Prefix = strings.TrimSuffix(config.Prefix, "/")
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Bridge{
		pub:       pub,
		config:    config,
		logger:    config.Logger,
		endpoints: make(map[string]string),
	}
}

// Attach subscribes to the given sources. Nil sources are skipped.
// Registration events also name the endpoints of observation topics.
func (b *Bridge) Attach(regs *registration.Store, pres *presence.Tracker, obs *observation.Manager) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if regs != nil {
		h := regs.Subscribe(nil, b.onRegistration)
		b.detach = append(b.detach, func() { regs.Unsubscribe(h) })
	}
	if pres != nil {
		h := pres.Subscribe(nil, b.onPresence)
		b.detach = append(b.detach, func() { pres.Unsubscribe(h) })
	}
	if obs != nil {
		h := obs.Subscribe(nil, b.onObservation)
		b.detach = append(b.detach, func() { obs.Unsubscribe(h) })
	}
	return nil
}

// Close unsubscribes from every source. Events already being published
// finish.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	detach := b.detach
	b.detach = nil
	b.mu.Unlock()
	for _, fn := range detach {
		fn()
	}
}

// Topic returns the topic for an endpoint's event.
func (b *Bridge) Topic(endpoint, event string) string {
	return b.config.Prefix + "/" + endpoint + "/" + event
}

func (b *Bridge) onRegistration(e registration.Event) {
	reg := e.Registration
	m := Message{
		Endpoint:       reg.Endpoint,
		RegistrationID: reg.ID,
		Lifetime:       int64(reg.Lifetime / time.Second),
		Binding:        string(reg.Binding),
		Address:        reg.Address,
		At:             b.config.Clock(),
	}
	b.mu.Lock()
	switch e.Kind {
	case registration.EventRegistered:
		m.Event = EventRegistered
		b.endpoints[reg.ID] = reg.Endpoint
	case registration.EventUpdated:
		m.Event = EventUpdated
		b.endpoints[reg.ID] = reg.Endpoint
	case registration.EventDeregistered:
		m.Event = EventDeregistered
		m.Reason = e.Reason.String()
		delete(b.endpoints, reg.ID)
	}
	b.mu.Unlock()
	if m.Event == "" {
		return
	}
	b.publish(m)
}

func (b *Bridge) onPresence(e presence.Event) {
	m := Message{
		Endpoint:       e.Endpoint,
		RegistrationID: e.RegistrationID,
		At:             e.At,
	}
	switch e.Kind {
	case presence.EventAwake:
		m.Event = EventAwake
	case presence.EventSleeping:
		m.Event = EventSleeping
	default:
		return
	}
	b.publish(m)
}

func (b *Bridge) onObservation(e observation.Event) {
	obs := e.Observation
	if obs == nil {
		return
	}
	m := Message{
		Endpoint:       b.endpointOf(obs.RegistrationID),
		RegistrationID: obs.RegistrationID,
		Path:           obs.Path.String(),
		At:             b.config.Clock(),
	}
	switch e.Kind {
	case observation.EventAdded:
		m.Event = EventObserveAdded
	case observation.EventCancelled:
		m.Event = EventObserveCancelled
		m.Reason = e.Reason.String()
	case observation.EventNotified:
		m.Event = EventNotify
		if n := e.Notification; n != nil {
			m.Sequence = n.Sequence
			m.At = n.ReceivedAt
			if v, ok := n.Current(); ok {
				m.Value = v.String()
			}
		}
	case observation.EventNotifyError:
		m.Event = EventNotifyError
		if e.Err != nil {
			m.Error = e.Err.Error()
		}
	default:
		return
	}
	b.publish(m)
}

// endpointOf falls back to the registration id once the registration is
// gone, which happens for teardown cancellations.
func (b *Bridge) endpointOf(regID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ep, ok := b.endpoints[regID]; ok {
		return ep
	}
	return regID
}

func (b *Bridge) publish(m Message) {
	payload, err := json.Marshal(m)
	if err != nil {
		b.debugLog("encode event failed", "event", m.Event, "error", err)
		return
	}
	topic := b.Topic(m.Endpoint, m.Event)
	if err := b.pub.Publish(topic, payload); err != nil {
		b.debugLog("publish failed", "topic", topic, "error", err)
	}
}

func (b *Bridge) debugLog(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, args...)
	}
}
