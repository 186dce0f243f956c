package wire

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Validation errors.
var (
	ErrInvalidMessage   = errors.New("invalid message")
	ErrInvalidOperation = errors.New("invalid operation")
)

// Registration query parameter names.
const (
	ParamEndpoint = "ep"
	ParamLifetime = "lt"
	ParamBinding  = "b"
	ParamVersion  = "lwm2m"
	ParamSMS      = "sms"
	ParamQueue    = "Q"
)

// MessageType identifies the kind of a message.
type MessageType uint8

const (
	MessageTypeUnknown MessageType = iota
	MessageTypeRequest
	MessageTypeResponse
	MessageTypeNotification
	MessageTypeAck
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case MessageTypeRequest:
		return "REQUEST"
	case MessageTypeResponse:
		return "RESPONSE"
	case MessageTypeNotification:
		return "NOTIFICATION"
	case MessageTypeAck:
		return "ACK"
	default:
		return "UNKNOWN"
	}
}

// Message is the envelope for everything sent over a session.
//
// CBOR encoding:
//
//	{
//	  1: type,          // uint8
//	  2: messageId,     // uint32
//	  3: request,       // present for MessageTypeRequest
//	  4: response,      // present for MessageTypeResponse
//	  5: notification   // present for MessageTypeNotification
//	}
type Message struct {
	Type         MessageType   `cbor:"1,keyasint"`
	MessageID    uint32        `cbor:"2,keyasint"`
	Request      *Request      `cbor:"3,keyasint,omitempty"`
	Response     *Response     `cbor:"4,keyasint,omitempty"`
	Notification *Notification `cbor:"5,keyasint,omitempty"`
}

// Validate checks that the body matches the declared type.
func (m *Message) Validate() error {
	switch m.Type {
	case MessageTypeRequest:
		if m.Request == nil {
			return fmt.Errorf("%w: request body missing", ErrInvalidMessage)
		}
		return m.Request.Validate()
	case MessageTypeResponse:
		if m.Response == nil {
			return fmt.Errorf("%w: response body missing", ErrInvalidMessage)
		}
	case MessageTypeNotification:
		if m.Notification == nil {
			return fmt.Errorf("%w: notification body missing", ErrInvalidMessage)
		}
		if len(m.Notification.Token) == 0 {
			return fmt.Errorf("%w: notification without token", ErrInvalidMessage)
		}
	case MessageTypeAck:
	default:
		return fmt.Errorf("%w: type %d", ErrInvalidMessage, m.Type)
	}
	return nil
}

// NewRequestMessage wraps a request.
func NewRequestMessage(msgID uint32, req *Request) *Message {
	return &Message{Type: MessageTypeRequest, MessageID: msgID, Request: req}
}

// NewResponseMessage wraps a response.
func NewResponseMessage(msgID uint32, resp *Response) *Message {
	return &Message{Type: MessageTypeResponse, MessageID: msgID, Response: resp}
}

// NewAck builds a transport acknowledgement for msgID.
func NewAck(msgID uint32) *Message {
	return &Message{Type: MessageTypeAck, MessageID: msgID}
}

// Request is an operation sent in either direction.
//
// CBOR encoding:
//
//	{
//	  1: operation,       // uint8
//	  2: path,            // string, e.g. "/3/0/15"
//	  3: token,           // observation token (Observe/CancelObserve)
//	  4: contentFormat,   // uint16
//	  5: payload,         // bytes
//	  6: params,          // registration query parameters
//	  7: registrationId   // Update/Deregister target
//	}
type Request struct {
	Operation      Operation         `cbor:"1,keyasint"`
	Path           string            `cbor:"2,keyasint,omitempty"`
	Token          []byte            `cbor:"3,keyasint,omitempty"`
	Format         ContentFormat     `cbor:"4,keyasint,omitempty"`
	Payload        []byte            `cbor:"5,keyasint,omitempty"`
	Params         map[string]string `cbor:"6,keyasint,omitempty"`
	RegistrationID string            `cbor:"7,keyasint,omitempty"`
}

// Validate checks if the request is valid.
func (r *Request) Validate() error {
	if !r.Operation.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidOperation, r.Operation)
	}
	if r.Path != "" {
		if _, err := ParsePath(r.Path); err != nil {
			return err
		}
	}
	switch r.Operation {
	case OpRegister:
		if r.Params[ParamEndpoint] == "" {
			return fmt.Errorf("%w: register without endpoint name", ErrInvalidMessage)
		}
	case OpUpdate, OpDeregister:
		if r.RegistrationID == "" {
			return fmt.Errorf("%w: %s without registration id", ErrInvalidMessage, r.Operation)
		}
	case OpObserve, OpCancelObserve:
		if len(r.Token) == 0 {
			return fmt.Errorf("%w: %s without token", ErrInvalidMessage, r.Operation)
		}
	}
	return nil
}

// TargetPath parses the request path. An empty path is the root.
func (r *Request) TargetPath() (Path, error) {
	if r.Path == "" {
		return RootPath, nil
	}
	return ParsePath(r.Path)
}

// Lifetime returns the "lt" parameter, if present and valid.
func (r *Request) Lifetime() (time.Duration, bool) {
	v, ok := r.Params[ParamLifetime]
	if !ok {
		return 0, false
	}
	secs, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// Response answers a request.
//
// CBOR encoding:
//
//	{
//	  1: status,          // uint8
//	  2: contentFormat,   // uint16
//	  3: payload,         // bytes
//	  4: location         // registration id on Register
//	}
type Response struct {
	Status   Status        `cbor:"1,keyasint"`
	Format   ContentFormat `cbor:"2,keyasint,omitempty"`
	Payload  []byte        `cbor:"3,keyasint,omitempty"`
	Location string        `cbor:"4,keyasint,omitempty"`
}

// IsSuccess returns true if the response indicates success.
func (r *Response) IsSuccess() bool {
	return r.Status.IsSuccess()
}

// NewResponse builds a payload-less response.
func NewResponse(status Status) *Response {
	return &Response{Status: status}
}

// Notification carries a new value of an observed resource.
//
// CBOR encoding:
//
//	{
//	  1: token,           // observation token
//	  2: sequence,        // observe sequence number
//	  3: contentFormat,   // uint16
//	  4: payload          // bytes
//	}
type Notification struct {
	Token    []byte        `cbor:"1,keyasint"`
	Sequence uint32        `cbor:"2,keyasint,omitempty"`
	Format   ContentFormat `cbor:"3,keyasint,omitempty"`
	Payload  []byte        `cbor:"4,keyasint,omitempty"`
}
