package wire

import "fmt"

// Status represents a response status code. Values follow the CoAP
// class.detail encoding (class<<5 | detail).
type Status uint8

const (
	// StatusCreated (2.01) indicates a registration or instance was created.
	StatusCreated Status = 65

	// StatusDeleted (2.02) indicates a deletion or deregistration succeeded.
	StatusDeleted Status = 66

	// StatusChanged (2.04) indicates a write, update or execute succeeded.
	StatusChanged Status = 68

	// StatusContent (2.05) indicates the response carries content.
	StatusContent Status = 69

	// StatusContinue (2.31) acknowledges one block of a block-wise transfer.
	StatusContinue Status = 95

	// StatusBadRequest (4.00) indicates a malformed request.
	StatusBadRequest Status = 128

	// StatusUnauthorized (4.01) indicates the peer could not be authenticated.
	StatusUnauthorized Status = 129

	// StatusForbidden (4.03) indicates the peer is not allowed to do this.
	StatusForbidden Status = 131

	// StatusNotFound (4.04) indicates the target does not exist.
	StatusNotFound Status = 132

	// StatusMethodNotAllowed (4.05) indicates the target does not support the operation.
	StatusMethodNotAllowed Status = 133

	// StatusNotAcceptable (4.06) indicates no acceptable content format.
	StatusNotAcceptable Status = 134

	// StatusUnsupportedContentFormat (4.15) indicates the payload format is not supported.
	StatusUnsupportedContentFormat Status = 143

	// StatusInternalServerError (5.00) indicates a failure on the responding side.
	StatusInternalServerError Status = 160
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "CREATED"
	case StatusDeleted:
		return "DELETED"
	case StatusChanged:
		return "CHANGED"
	case StatusContent:
		return "CONTENT"
	case StatusContinue:
		return "CONTINUE"
	case StatusBadRequest:
		return "BAD_REQUEST"
	case StatusUnauthorized:
		return "UNAUTHORIZED"
	case StatusForbidden:
		return "FORBIDDEN"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case StatusNotAcceptable:
		return "NOT_ACCEPTABLE"
	case StatusUnsupportedContentFormat:
		return "UNSUPPORTED_CONTENT_FORMAT"
	case StatusInternalServerError:
		return "INTERNAL_SERVER_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Code returns the dotted class.detail form, e.g. "2.05".
func (s Status) Code() string {
	return fmt.Sprintf("%d.%02d", uint8(s)>>5, uint8(s)&0x1f)
}

// IsSuccess returns true if the status is in the 2.xx class.
func (s Status) IsSuccess() bool {
	return uint8(s)>>5 == 2
}

// IsError returns true if the status is a client or server error.
func (s Status) IsError() bool {
	return !s.IsSuccess()
}
