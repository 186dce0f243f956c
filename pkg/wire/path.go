package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidPath is returned for malformed resource paths.
var ErrInvalidPath = errors.New("invalid path")

// MaxPathDepth is object/instance/resource/resource-instance.
const MaxPathDepth = 4

// Path addresses a node in a device's resource tree. The zero value is the
// root path "/". Path is comparable and can be used as a map key.
type Path struct {
	ids   [MaxPathDepth]uint16
	depth uint8
}

// RootPath is "/".
var RootPath = Path{}

// NewPath builds a path from its segments.
// It panics if more than MaxPathDepth segments are given.
func NewPath(ids ...uint16) Path {
	if len(ids) > MaxPathDepth {
		panic(fmt.Sprintf("wire: path depth %d exceeds %d", len(ids), MaxPathDepth))
	}
	var p Path
	copy(p.ids[:], ids)
	p.depth = uint8(len(ids))
	return p
}

// ParsePath parses "/3/0/15" style paths. "/" and "" are the root.
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "/" {
		return RootPath, nil
	}
	if !strings.HasPrefix(s, "/") {
		return Path{}, fmt.Errorf("%w: %q must start with '/'", ErrInvalidPath, s)
	}
	parts := strings.Split(strings.TrimSuffix(s[1:], "/"), "/")
	if len(parts) > MaxPathDepth {
		return Path{}, fmt.Errorf("%w: %q is too deep", ErrInvalidPath, s)
	}
	var p Path
	for i, part := range parts {
		id, err := strconv.ParseUint(part, 10, 16)
		if err != nil {
			return Path{}, fmt.Errorf("%w: %q segment %d", ErrInvalidPath, s, i)
		}
		p.ids[i] = uint16(id)
	}
	p.depth = uint8(len(parts))
	return p, nil
}

// MustParsePath is like ParsePath but panics on error. Intended for constants
// and tests.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the slash-separated form.
func (p Path) String() string {
	if p.depth == 0 {
		return "/"
	}
	var b strings.Builder
	for i := uint8(0); i < p.depth; i++ {
		b.WriteByte('/')
		b.WriteString(strconv.FormatUint(uint64(p.ids[i]), 10))
	}
	return b.String()
}

// Depth returns the number of segments (0 for root).
func (p Path) Depth() int { return int(p.depth) }

// IsRoot reports whether p is "/".
func (p Path) IsRoot() bool { return p.depth == 0 }

// IsObject reports whether p addresses an object ("/3").
func (p Path) IsObject() bool { return p.depth == 1 }

// IsObjectInstance reports whether p addresses an instance ("/3/0").
func (p Path) IsObjectInstance() bool { return p.depth == 2 }

// IsResource reports whether p addresses a resource ("/3/0/15").
func (p Path) IsResource() bool { return p.depth == 3 }

// IsResourceInstance reports whether p addresses a resource instance.
func (p Path) IsResourceInstance() bool { return p.depth == 4 }

// Segment returns segment i and whether it exists.
func (p Path) Segment(i int) (uint16, bool) {
	if i < 0 || i >= int(p.depth) {
		return 0, false
	}
	return p.ids[i], true
}

// ObjectID returns the object id. ok is false for the root path.
func (p Path) ObjectID() (id uint16, ok bool) { return p.Segment(0) }

// InstanceID returns the object instance id.
func (p Path) InstanceID() (id uint16, ok bool) { return p.Segment(1) }

// ResourceID returns the resource id.
func (p Path) ResourceID() (id uint16, ok bool) { return p.Segment(2) }

// Parent returns the enclosing path. The parent of root is root.
func (p Path) Parent() Path {
	if p.depth == 0 {
		return p
	}
	q := p
	q.depth--
	q.ids[q.depth] = 0
	return q
}

// Append returns p extended with id.
func (p Path) Append(id uint16) (Path, error) {
	if p.depth == MaxPathDepth {
		return Path{}, fmt.Errorf("%w: cannot extend %s", ErrInvalidPath, p)
	}
	q := p
	q.ids[q.depth] = id
	q.depth++
	return q, nil
}

// StartsWith reports whether prefix is p or one of its ancestors.
func (p Path) StartsWith(prefix Path) bool {
	if prefix.depth > p.depth {
		return false
	}
	for i := uint8(0); i < prefix.depth; i++ {
		if p.ids[i] != prefix.ids[i] {
			return false
		}
	}
	return true
}

// MarshalText implements encoding.TextMarshaler.
func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Path) UnmarshalText(text []byte) error {
	parsed, err := ParsePath(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
