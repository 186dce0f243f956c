package observation

import (
	"bytes"
	"errors"
	"time"

	"github.com/mash-protocol/lwm2m-go/pkg/codec"
	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// Observation errors.
var (
	ErrObservationNotFound  = errors.New("observation not found")
	ErrRegistrationNotFound = errors.New("registration not found")
	ErrInvalidToken         = errors.New("invalid token")
	ErrTokenInUse           = errors.New("token already in use")
)

// Observation is an active observe subscription.
type Observation struct {
	ID             string
	RegistrationID string
	Path           wire.Path
	Token          []byte
	Format         wire.ContentFormat
	CreatedAt      time.Time
}

// Clone returns a copy.
func (o *Observation) Clone() *Observation {
	if o == nil {
		return nil
	}
	c := *o
	c.Token = bytes.Clone(o.Token)
	return &c
}

// Notification is one decoded notification.
type Notification struct {
	Observation *Observation
	Content     codec.Node
	Sequence    uint32
	ReceivedAt  time.Time
}

// Current returns the value treated as the resource's present state: the
// most recent sample at the observed path, or the most recent sample
// overall when the payload addresses sub-paths.
func (n *Notification) Current() (codec.Value, bool) {
	if v, ok := n.Content.Value(n.Observation.Path); ok {
		return v, true
	}
	r, ok := n.Content.Latest()
	return r.Value, ok
}

// Samples returns every record in payload order.
func (n *Notification) Samples() []codec.Record {
	return n.Content.Records
}

// EventKind is the kind of observation event.
type EventKind uint8

const (
	EventAdded EventKind = iota + 1
	EventNotified
	EventNotifyError
	EventCancelled
)

// String returns the kind name.
func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "ADDED"
	case EventNotified:
		return "NOTIFIED"
	case EventNotifyError:
		return "NOTIFY_ERROR"
	case EventCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// CancelReason says why an observation ended.
type CancelReason uint8

const (
	CancelNone CancelReason = iota
	CancelPassive
	CancelReplaced
	CancelTeardown
)

// String returns the reason name.
func (r CancelReason) String() string {
	switch r {
	case CancelPassive:
		return "passive"
	case CancelReplaced:
		return "replaced"
	case CancelTeardown:
		return "teardown"
	default:
		return "none"
	}
}

// Event is published on the manager's bus.
type Event struct {
	Kind         EventKind
	Observation  *Observation
	Notification *Notification
	Reason       CancelReason
	Err          error
}

// ForRegistration returns a predicate matching events for a registration.
func ForRegistration(regID string) func(Event) bool {
	return func(e Event) bool { return e.Observation.RegistrationID == regID }
}

// ForPath returns a predicate matching events for a registration and path.
func ForPath(regID string, p wire.Path) func(Event) bool {
	return func(e Event) bool {
		return e.Observation.RegistrationID == regID && e.Observation.Path == p
	}
}
