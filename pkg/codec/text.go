package codec

import (
	"encoding/base64"
	"math"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// Text is the plain text format. It carries exactly one untimestamped
// resource value; decoded values are strings since the format is untyped.
type Text struct{}

func (Text) Format() wire.ContentFormat { return wire.FormatText }

func (Text) Encode(n Node) ([]byte, error) {
	v, err := singleValue(wire.FormatText, n)
	if err != nil {
		return nil, err
	}
	switch v.kind {
	case KindString:
		return []byte(v.s), nil
	case KindBoolean:
		if v.b {
			return []byte("1"), nil
		}
		return []byte("0"), nil
	case KindInteger:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	case KindFloat:
		return []byte(strconv.FormatFloat(v.f, 'g', -1, 64)), nil
	case KindTime:
		return []byte(strconv.FormatInt(v.t.Unix(), 10)), nil
	case KindOpaque:
		return []byte(base64.StdEncoding.EncodeToString(v.o)), nil
	case KindObjectLink:
		return []byte(v.l.String()), nil
	}
	return nil, encodeErr(wire.FormatText, n.Path, ErrUnsupportedValue)
}

func (Text) Decode(data []byte, path wire.Path) (Node, error) {
	if !path.IsResource() && !path.IsResourceInstance() {
		return Node{}, decodeErr(wire.FormatText, path, ErrUnsupportedValue)
	}
	if !utf8.Valid(data) {
		return Node{}, decodeErr(wire.FormatText, path, ErrMalformed)
	}
	return Single(path, StringValue(string(data))), nil
}

// Opaque is the raw byte format for single opaque resources.
type Opaque struct{}

func (Opaque) Format() wire.ContentFormat { return wire.FormatOpaque }

func (Opaque) Encode(n Node) ([]byte, error) {
	v, err := singleValue(wire.FormatOpaque, n)
	if err != nil {
		return nil, err
	}
	b, ok := v.Opaque()
	if !ok {
		return nil, encodeErr(wire.FormatOpaque, n.Path, ErrUnsupportedValue)
	}
	return append([]byte(nil), b...), nil
}

func (Opaque) Decode(data []byte, path wire.Path) (Node, error) {
	if !path.IsResource() && !path.IsResourceInstance() {
		return Node{}, decodeErr(wire.FormatOpaque, path, ErrUnsupportedValue)
	}
	return Single(path, OpaqueValue(data)), nil
}

// singleValue extracts the one value a single-value format can carry.
func singleValue(f wire.ContentFormat, n Node) (Value, error) {
	if len(n.Records) != 1 {
		return Value{}, encodeErr(f, n.Path, ErrUnsupportedValue)
	}
	r := n.Records[0]
	if r.Path != n.Path || !r.Time.IsZero() {
		return Value{}, encodeErr(f, n.Path, ErrUnsupportedValue)
	}
	if !n.Path.IsResource() && !n.Path.IsResourceInstance() {
		return Value{}, encodeErr(f, n.Path, ErrUnsupportedValue)
	}
	return r.Value, nil
}

func uitoa(id uint16) string { return strconv.FormatUint(uint64(id), 10) }

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

func fromUnixSeconds(s float64) time.Time {
	return time.UnixMilli(int64(math.Round(s * 1000)))
}
