package registration

// EventKind is the lifecycle transition.
type EventKind uint8

const (
	EventRegistered EventKind = iota + 1
	EventUpdated
	EventDeregistered
)

// String returns the kind name.
func (k EventKind) String() string {
	switch k {
	case EventRegistered:
		return "REGISTERED"
	case EventUpdated:
		return "UPDATED"
	case EventDeregistered:
		return "DEREGISTERED"
	default:
		return "UNKNOWN"
	}
}

// Reason says why a registration ended.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonExplicit
	ReasonExpired
	ReasonReplaced
)

// String returns the reason name.
func (r Reason) String() string {
	switch r {
	case ReasonExplicit:
		return "explicit"
	case ReasonExpired:
		return "expired"
	case ReasonReplaced:
		return "replaced"
	default:
		return "none"
	}
}

// Event is a registration lifecycle event. Registration is a snapshot taken
// when the event was published; Previous is set for updates.
type Event struct {
	Kind         EventKind
	Reason       Reason
	Registration *Registration
	Previous     *Registration
}

// ForRegistration returns a predicate matching events for id.
func ForRegistration(id string) func(Event) bool {
	return func(e Event) bool { return e.Registration.ID == id }
}

// ForEndpoint returns a predicate matching events for an endpoint name.
func ForEndpoint(endpoint string) func(Event) bool {
	return func(e Event) bool { return e.Registration.Endpoint == endpoint }
}

// OfKind returns a predicate matching one event kind.
func OfKind(kind EventKind) func(Event) bool {
	return func(e Event) bool { return e.Kind == kind }
}
