package server

import (
	"errors"

	"github.com/mash-protocol/lwm2m-go/pkg/codec"
	"github.com/mash-protocol/lwm2m-go/pkg/observation"
	"github.com/mash-protocol/lwm2m-go/pkg/security"
	"github.com/mash-protocol/lwm2m-go/pkg/transport"
	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// State represents the lifecycle state of a server.
type State uint8

const (
	// StateIdle means the server is created but not started.
	StateIdle State = iota

	// StateRunning means the server is accepting traffic.
	StateRunning

	// StateStopped means the server has been stopped.
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Common errors.
var (
	ErrNotStarted           = errors.New("server not started")
	ErrAlreadyStarted       = errors.New("server already started")
	ErrInvalidConfig        = errors.New("invalid server configuration")
	ErrRegistrationNotFound = errors.New("registration not found")
	ErrNoBootstrap          = errors.New("bootstrap not configured")
)

// WriteMode selects between replacing and partially updating a target.
type WriteMode uint8

const (
	WriteReplace WriteMode = iota
	WriteUpdate
)

// String returns the mode name.
func (m WriteMode) String() string {
	if m == WriteUpdate {
		return "UPDATE"
	}
	return "REPLACE"
}

func (m WriteMode) operation() wire.Operation {
	if m == WriteUpdate {
		return wire.OpWriteUpdate
	}
	return wire.OpWriteReplace
}

// Inbound describes where an uplink message came from.
type Inbound struct {
	SessionID  string
	RemoteAddr string

	// Endpoint is the endpoint the session is bound to, if any.
	Endpoint string

	Credentials security.Credentials
}

// InboundFrom describes a transport session.
func InboundFrom(s *transport.Session) Inbound {
	return Inbound{
		SessionID:   s.ID,
		RemoteAddr:  s.RemoteAddr,
		Endpoint:    s.Endpoint(),
		Credentials: s.Credentials,
	}
}

// Response is a device's answer to a downlink request.
type Response struct {
	Status wire.Status
	Format wire.ContentFormat

	// Content is the decoded payload of a successful Read, Observe or
	// CancelObserveActive. HasContent is false when the device sent none.
	Content    codec.Node
	HasContent bool

	// Links is the decoded payload of a successful Discover.
	Links []wire.Link

	Location string

	Raw *wire.Response
}

// IsSuccess reports whether the device accepted the request.
func (r *Response) IsSuccess() bool {
	return r.Status.IsSuccess()
}

// ObserveResponse is the answer to an Observe. Observation is set when the
// device accepted it; Replaced is the observation it superseded.
type ObserveResponse struct {
	*Response
	Observation *observation.Observation
	Replaced    *observation.Observation
}
