package codec

import (
	"errors"
	"fmt"

	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// Codec errors. They are always wrapped in *Error.
var (
	ErrUnsupportedFormat = errors.New("unsupported content format")
	ErrUnsupportedValue  = errors.New("value not representable in content format")
	ErrMalformed         = errors.New("malformed payload")
)

// Error is the single error kind returned by this package.
type Error struct {
	Op     string // "encode" or "decode"
	Format wire.ContentFormat
	Path   wire.Path
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("codec %s %s at %s: %v", e.Op, e.Format, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func encodeErr(f wire.ContentFormat, p wire.Path, err error) error {
	return &Error{Op: "encode", Format: f, Path: p, Err: err}
}

func decodeErr(f wire.ContentFormat, p wire.Path, err error) error {
	return &Error{Op: "decode", Format: f, Path: p, Err: err}
}

// IsCodecError reports whether err is (or wraps) a codec error.
func IsCodecError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}
