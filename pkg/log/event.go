package log

import (
	"time"

	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// Event is a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies the secure session the event belongs to.
	SessionID string `cbor:"2,keyasint,omitempty"`

	Direction Direction `cbor:"3,keyasint"`
	Layer     Layer     `cbor:"4,keyasint"`
	Category  Category  `cbor:"5,keyasint"`

	// RemoteAddr is the peer address (IP:port).
	RemoteAddr string `cbor:"6,keyasint,omitempty"`

	// Endpoint is the device endpoint name, once known.
	Endpoint string `cbor:"7,keyasint,omitempty"`

	// RegistrationID is set for events tied to a registration.
	RegistrationID string `cbor:"8,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Datagram    *DatagramEvent    `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerTransport is the datagram layer (raw bytes).
	LayerTransport Layer = 0
	// LayerWire is the message encoding layer.
	LayerWire Layer = 1
	// LayerEngine is the registration/observation engine.
	LayerEngine Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerEngine:
		return "ENGINE"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	CategoryMessage Category = 0
	CategoryState   Category = 2
	CategoryError   Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// DatagramEvent captures raw datagram bytes at the transport layer.
type DatagramEvent struct {
	Size int `cbor:"1,keyasint"`

	// Data is the raw bytes, possibly truncated.
	Data []byte `cbor:"2,keyasint,omitempty"`

	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// MaxLogDatagramSize caps the bytes kept in a DatagramEvent.
const MaxLogDatagramSize = 4096

// NewDatagramEvent builds a DatagramEvent, truncating large payloads.
func NewDatagramEvent(data []byte) *DatagramEvent {
	ev := &DatagramEvent{Size: len(data)}
	if len(data) > MaxLogDatagramSize {
		ev.Data = append([]byte(nil), data[:MaxLogDatagramSize]...)
		ev.Truncated = true
	} else {
		ev.Data = append([]byte(nil), data...)
	}
	return ev
}

// MessageEvent captures a decoded message at the wire layer.
type MessageEvent struct {
	Type      wire.MessageType `cbor:"1,keyasint"`
	MessageID uint32           `cbor:"2,keyasint"`

	// Requests.
	Operation *wire.Operation `cbor:"3,keyasint,omitempty"`
	Path      string          `cbor:"4,keyasint,omitempty"`

	// Observe requests and notifications.
	Token    []byte  `cbor:"5,keyasint,omitempty"`
	Sequence *uint32 `cbor:"6,keyasint,omitempty"`

	// Responses.
	Status *wire.Status `cbor:"7,keyasint,omitempty"`

	Format      *wire.ContentFormat `cbor:"8,keyasint,omitempty"`
	PayloadSize int                 `cbor:"9,keyasint,omitempty"`
}

// NewMessageEvent summarizes msg.
func NewMessageEvent(msg *wire.Message) *MessageEvent {
	ev := &MessageEvent{Type: msg.Type, MessageID: msg.MessageID}
	switch {
	case msg.Request != nil:
		op := msg.Request.Operation
		ev.Operation = &op
		ev.Path = msg.Request.Path
		ev.Token = msg.Request.Token
		if len(msg.Request.Payload) > 0 {
			f := msg.Request.Format
			ev.Format = &f
			ev.PayloadSize = len(msg.Request.Payload)
		}
	case msg.Response != nil:
		st := msg.Response.Status
		ev.Status = &st
		if len(msg.Response.Payload) > 0 {
			f := msg.Response.Format
			ev.Format = &f
			ev.PayloadSize = len(msg.Response.Payload)
		}
	case msg.Notification != nil:
		seq := msg.Notification.Sequence
		f := msg.Notification.Format
		ev.Token = msg.Notification.Token
		ev.Sequence = &seq
		ev.Format = &f
		ev.PayloadSize = len(msg.Notification.Payload)
	}
	return ev
}

// StateChangeEvent captures lifecycle transitions.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`
	Reason   string      `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	StateEntitySession StateEntity = iota
	StateEntityRegistration
	StateEntityPresence
	StateEntityObservation
	StateEntityBootstrap
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntitySession:
		return "SESSION"
	case StateEntityRegistration:
		return "REGISTRATION"
	case StateEntityPresence:
		return "PRESENCE"
	case StateEntityObservation:
		return "OBSERVATION"
	case StateEntityBootstrap:
		return "BOOTSTRAP"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	Layer   Layer  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`

	// Context describes what was being done.
	Context string `cbor:"4,keyasint,omitempty"`
}
