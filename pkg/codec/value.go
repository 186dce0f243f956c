package codec

import (
	"bytes"
	"fmt"
	"time"

	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// Kind is the type of a resource value.
type Kind uint8

const (
	KindNone Kind = iota
	KindString
	KindBoolean
	KindInteger
	KindFloat
	KindTime
	KindOpaque
	KindObjectLink
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "STRING"
	case KindBoolean:
		return "BOOLEAN"
	case KindInteger:
		return "INTEGER"
	case KindFloat:
		return "FLOAT"
	case KindTime:
		return "TIME"
	case KindOpaque:
		return "OPAQUE"
	case KindObjectLink:
		return "OBJLNK"
	default:
		return "NONE"
	}
}

// ObjectLink references an object instance ("3:0").
type ObjectLink struct {
	ObjectID   uint16
	InstanceID uint16
}

// String returns the "obj:inst" form.
func (l ObjectLink) String() string {
	return fmt.Sprintf("%d:%d", l.ObjectID, l.InstanceID)
}

// ParseObjectLink parses the "obj:inst" form.
func ParseObjectLink(s string) (ObjectLink, error) {
	var l ObjectLink
	if _, err := fmt.Sscanf(s, "%d:%d", &l.ObjectID, &l.InstanceID); err != nil {
		return ObjectLink{}, fmt.Errorf("object link %q: %w", s, err)
	}
	return l, nil
}

// Value is a typed resource value. The zero Value has KindNone.
type Value struct {
	kind Kind
	s    string
	b    bool
	i    int64
	f    float64
	t    time.Time
	o    []byte
	l    ObjectLink
}

// StringValue creates a string value.
func StringValue(s string) Value { return Value{kind: KindString, s: s} }

// BoolValue creates a boolean value.
func BoolValue(b bool) Value { return Value{kind: KindBoolean, b: b} }

// IntValue creates an integer value.
func IntValue(i int64) Value { return Value{kind: KindInteger, i: i} }

// FloatValue creates a float value.
func FloatValue(f float64) Value { return Value{kind: KindFloat, f: f} }

// TimeValue creates a time value (second precision on the wire).
func TimeValue(t time.Time) Value { return Value{kind: KindTime, t: t.Truncate(time.Second)} }

// OpaqueValue creates an opaque value.
func OpaqueValue(b []byte) Value { return Value{kind: KindOpaque, o: append([]byte(nil), b...)} }

// LinkValue creates an object link value.
func LinkValue(l ObjectLink) Value { return Value{kind: KindObjectLink, l: l} }

// Kind returns the value kind.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string payload; ok is false for other kinds.
func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }

// Bool returns the boolean payload.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBoolean }

// Int returns the integer payload.
func (v Value) Int() (int64, bool) { return v.i, v.kind == KindInteger }

// Float returns the float payload.
func (v Value) Float() (float64, bool) { return v.f, v.kind == KindFloat }

// Time returns the time payload.
func (v Value) Time() (time.Time, bool) { return v.t, v.kind == KindTime }

// Opaque returns the opaque payload.
func (v Value) Opaque() ([]byte, bool) { return v.o, v.kind == KindOpaque }

// Link returns the object link payload.
func (v Value) Link() (ObjectLink, bool) { return v.l, v.kind == KindObjectLink }

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindBoolean:
		return v.b == o.b
	case KindInteger:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindTime:
		return v.t.Equal(o.t)
	case KindOpaque:
		return bytes.Equal(v.o, o.o)
	case KindObjectLink:
		return v.l == o.l
	default:
		return true
	}
}

// String renders the value for logs.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindBoolean:
		return fmt.Sprintf("%t", v.b)
	case KindInteger:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindTime:
		return v.t.UTC().Format(time.RFC3339)
	case KindOpaque:
		return fmt.Sprintf("opaque[%d]", len(v.o))
	case KindObjectLink:
		return v.l.String()
	default:
		return "<none>"
	}
}

// Record is one value at a path, optionally time-stamped.
type Record struct {
	Path  wire.Path
	Value Value

	// Time is zero for untimestamped values.
	Time time.Time
}

// Node is resource content rooted at Path. Records may address Path itself
// or any path below it.
type Node struct {
	Path    wire.Path
	Records []Record
}

// Single wraps one untimestamped value at path.
func Single(path wire.Path, v Value) Node {
	return Node{Path: path, Records: []Record{{Path: path, Value: v}}}
}

// IsTimestamped reports whether any record carries a timestamp.
func (n Node) IsTimestamped() bool {
	for _, r := range n.Records {
		if !r.Time.IsZero() {
			return true
		}
	}
	return false
}

// Latest returns the most recent record. Untimestamped records rank by
// position, later wins.
func (n Node) Latest() (Record, bool) {
	if len(n.Records) == 0 {
		return Record{}, false
	}
	best := n.Records[0]
	for _, r := range n.Records[1:] {
		if !r.Time.Before(best.Time) {
			best = r
		}
	}
	return best, true
}

// Value returns the latest value recorded for path.
func (n Node) Value(path wire.Path) (Value, bool) {
	var (
		found bool
		best  Record
	)
	for _, r := range n.Records {
		if r.Path != path {
			continue
		}
		if !found || !r.Time.Before(best.Time) {
			best, found = r, true
		}
	}
	return best.Value, found
}
