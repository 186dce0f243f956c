package request

import (
	"errors"
	"fmt"
	"time"

	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// Request errors.
var (
	ErrTimeout         = errors.New("timeout")
	ErrNoAck           = errors.New("no acknowledgement")
	ErrUnconnectedPeer = errors.New("unconnected peer")
	ErrCancelled       = errors.New("request cancelled")
	ErrUnexpectedReply = errors.New("unexpected reply")
	ErrClosed          = errors.New("request layer closed")
)

// TimeoutKind distinguishes where a request stalled.
type TimeoutKind uint8

const (
	// TimeoutTransport means the request was never acknowledged.
	TimeoutTransport TimeoutKind = iota + 1

	// TimeoutResponse means the request was acknowledged but no
	// application response followed.
	TimeoutResponse

	// TimeoutHandshake means the secure session could not be established.
	TimeoutHandshake
)

// String returns the kind name.
func (k TimeoutKind) String() string {
	switch k {
	case TimeoutTransport:
		return "TRANSPORT"
	case TimeoutResponse:
		return "RESPONSE"
	case TimeoutHandshake:
		return "HANDSHAKE"
	default:
		return "UNKNOWN"
	}
}

// TimeoutError reports a request that ran out of time.
type TimeoutError struct {
	Kind      TimeoutKind
	Operation wire.Operation
	Path      string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: %s timeout after %s", e.Operation, e.Path, e.Kind, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// Timeout reports true; it lets callers treat the error like a net.Error.
func (e *TimeoutError) Timeout() bool { return true }

// IsTimeout reports whether err is a timeout of the given kind. A zero kind
// matches any timeout.
func IsTimeout(err error, kind TimeoutKind) bool {
	var te *TimeoutError
	if !errors.As(err, &te) {
		return false
	}
	return kind == 0 || te.Kind == kind
}
