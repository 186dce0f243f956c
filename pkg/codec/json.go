package codec

import (
	"encoding/base64"
	"math"

	json "github.com/goccy/go-json"

	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// maxExactFloat is the largest integer a float64 carries without loss.
const maxExactFloat = 1 << 53

// JSON is the OMA JSON format: a base name plus a list of entries, each with
// a relative name, one typed value field and an optional timestamp.
type JSON struct{}

type jsonDoc struct {
	BaseName string      `json:"bn,omitempty"`
	BaseTime *float64    `json:"bt,omitempty"`
	Entries  []jsonEntry `json:"e"`
}

type jsonEntry struct {
	Name   string   `json:"n,omitempty"`
	Number *float64 `json:"v,omitempty"`
	Bool   *bool    `json:"bv,omitempty"`
	String *string  `json:"sv,omitempty"`
	Link   *string  `json:"ov,omitempty"`
	Time   *float64 `json:"t,omitempty"`
}

func (JSON) Format() wire.ContentFormat { return wire.FormatJSON }

func (JSON) Encode(n Node) ([]byte, error) {
	doc := jsonDoc{BaseName: baseName(n.Path), Entries: make([]jsonEntry, 0, len(n.Records))}
	for _, r := range n.Records {
		if !r.Path.StartsWith(n.Path) {
			return nil, encodeErr(wire.FormatJSON, n.Path, ErrUnsupportedValue)
		}
		e := jsonEntry{Name: relativeName(n.Path, r.Path)}
		if !r.Time.IsZero() {
			t := unixSeconds(r.Time)
			e.Time = &t
		}
		v := r.Value
		switch v.kind {
		case KindString:
			s := v.s
			e.String = &s
		case KindBoolean:
			b := v.b
			e.Bool = &b
		case KindInteger:
			if v.i > maxExactFloat || v.i < -maxExactFloat {
				return nil, encodeErr(wire.FormatJSON, r.Path, ErrUnsupportedValue)
			}
			f := float64(v.i)
			e.Number = &f
		case KindFloat:
			f := v.f
			e.Number = &f
		case KindTime:
			f := float64(v.t.Unix())
			e.Number = &f
		case KindOpaque:
			s := base64.StdEncoding.EncodeToString(v.o)
			e.String = &s
		case KindObjectLink:
			s := v.l.String()
			e.Link = &s
		default:
			return nil, encodeErr(wire.FormatJSON, r.Path, ErrUnsupportedValue)
		}
		doc.Entries = append(doc.Entries, e)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, encodeErr(wire.FormatJSON, n.Path, err)
	}
	return data, nil
}

func (JSON) Decode(data []byte, path wire.Path) (Node, error) {
	var doc jsonDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return Node{}, decodeErr(wire.FormatJSON, path, ErrMalformed)
	}
	bn := doc.BaseName
	if bn == "" {
		bn = baseName(path)
	}
	n := Node{Path: path, Records: make([]Record, 0, len(doc.Entries))}
	for _, e := range doc.Entries {
		p, err := joinName(bn, e.Name)
		if err != nil || !p.StartsWith(path) {
			return Node{}, decodeErr(wire.FormatJSON, path, ErrMalformed)
		}
		v, ok := e.value()
		if !ok {
			return Node{}, decodeErr(wire.FormatJSON, p, ErrMalformed)
		}
		rec := Record{Path: p, Value: v}
		switch {
		case doc.BaseTime != nil && e.Time != nil:
			rec.Time = fromUnixSeconds(*doc.BaseTime + *e.Time)
		case doc.BaseTime != nil:
			rec.Time = fromUnixSeconds(*doc.BaseTime)
		case e.Time != nil:
			rec.Time = fromUnixSeconds(*e.Time)
		}
		n.Records = append(n.Records, rec)
	}
	return n, nil
}

// value returns the single value carried by the entry.
func (e jsonEntry) value() (Value, bool) {
	set := 0
	var v Value
	if e.Number != nil {
		set++
		f := *e.Number
		if f == math.Trunc(f) && math.Abs(f) <= maxExactFloat {
			v = IntValue(int64(f))
		} else {
			v = FloatValue(f)
		}
	}
	if e.Bool != nil {
		set++
		v = BoolValue(*e.Bool)
	}
	if e.String != nil {
		set++
		v = StringValue(*e.String)
	}
	if e.Link != nil {
		set++
		l, err := ParseObjectLink(*e.Link)
		if err != nil {
			return Value{}, false
		}
		v = LinkValue(l)
	}
	return v, set == 1
}
