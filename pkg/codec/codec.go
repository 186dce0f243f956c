package codec

import (
	"sort"
	"sync"

	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// Codec translates a Node to and from one content format.
type Codec interface {
	Format() wire.ContentFormat
	Encode(n Node) ([]byte, error)
	Decode(data []byte, path wire.Path) (Node, error)
}

// Registry selects codecs by content format. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	codecs map[wire.ContentFormat]Codec
}

// NewRegistry creates a registry holding the given codecs.
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{codecs: make(map[wire.ContentFormat]Codec)}
	for _, c := range codecs {
		r.codecs[c.Format()] = c
	}
	return r
}

// DefaultRegistry returns a registry with the text, opaque, JSON and CBOR
// codecs. TLV is recognized as a format but has no codec.
func DefaultRegistry() *Registry {
	return NewRegistry(Text{}, Opaque{}, JSON{}, CBOR{})
}

// Register adds or replaces the codec for its format.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	r.codecs[c.Format()] = c
	r.mu.Unlock()
}

// Lookup returns the codec for f.
func (r *Registry) Lookup(f wire.ContentFormat) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[f]
	return c, ok
}

// Formats lists the supported formats in ascending order.
func (r *Registry) Formats() []wire.ContentFormat {
	r.mu.RLock()
	out := make([]wire.ContentFormat, 0, len(r.codecs))
	for f := range r.codecs {
		out = append(out, f)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Encode encodes n with the codec for f.
func (r *Registry) Encode(f wire.ContentFormat, n Node) ([]byte, error) {
	c, ok := r.Lookup(f)
	if !ok {
		return nil, encodeErr(f, n.Path, ErrUnsupportedFormat)
	}
	return c.Encode(n)
}

// Decode decodes data addressed at path with the codec for f.
func (r *Registry) Decode(f wire.ContentFormat, data []byte, path wire.Path) (Node, error) {
	c, ok := r.Lookup(f)
	if !ok {
		return Node{}, decodeErr(f, path, ErrUnsupportedFormat)
	}
	return c.Decode(data, path)
}

// relativeName renders p relative to base ("15", "15/1" or "" for base itself).
func relativeName(base, p wire.Path) string {
	name := ""
	for i := base.Depth(); i < p.Depth(); i++ {
		id, _ := p.Segment(i)
		if name != "" {
			name += "/"
		}
		name += uitoa(id)
	}
	return name
}

// baseName renders base with a trailing slash ("/3/0/").
func baseName(base wire.Path) string {
	if base.IsRoot() {
		return "/"
	}
	return base.String() + "/"
}

// joinName resolves a base name and a relative name into a path.
func joinName(bn, n string) (wire.Path, error) {
	s := bn + n
	if s == "" {
		s = "/"
	}
	return wire.ParsePath(s)
}
