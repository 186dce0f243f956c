package codec

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

var (
	senmlEnc cbor.EncMode
	senmlDec cbor.DecMode
)

func init() {
	var err error
	senmlEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	senmlDec, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// CBOR is the SenML-CBOR format: an array of records with integer labels
// (bn=-2, bt=-3, n=0, v=2, vs=3, vb=4, t=6, vd=8) plus the "vlo" object link
// extension. Opaque values travel as byte strings and keep their kind.
type CBOR struct{}

type senmlRecord struct {
	BaseName string   `cbor:"-2,keyasint,omitempty"`
	BaseTime *float64 `cbor:"-3,keyasint,omitempty"`
	Name     string   `cbor:"0,keyasint,omitempty"`
	Value    any      `cbor:"2,keyasint,omitempty"`
	String   *string  `cbor:"3,keyasint,omitempty"`
	Bool     *bool    `cbor:"4,keyasint,omitempty"`
	Time     *float64 `cbor:"6,keyasint,omitempty"`
	Data     *[]byte  `cbor:"8,keyasint,omitempty"`
	Link     *string  `cbor:"vlo,omitempty"`
}

func (CBOR) Format() wire.ContentFormat { return wire.FormatCBOR }

func (CBOR) Encode(n Node) ([]byte, error) {
	recs := make([]senmlRecord, 0, len(n.Records))
	for i, r := range n.Records {
		if !r.Path.StartsWith(n.Path) {
			return nil, encodeErr(wire.FormatCBOR, n.Path, ErrUnsupportedValue)
		}
		rec := senmlRecord{Name: relativeName(n.Path, r.Path)}
		if i == 0 {
			rec.BaseName = baseName(n.Path)
		}
		if !r.Time.IsZero() {
			t := unixSeconds(r.Time)
			rec.Time = &t
		}
		v := r.Value
		switch v.kind {
		case KindString:
			s := v.s
			rec.String = &s
		case KindBoolean:
			b := v.b
			rec.Bool = &b
		case KindInteger:
			rec.Value = v.i
		case KindFloat:
			rec.Value = v.f
		case KindTime:
			rec.Value = v.t.Unix()
		case KindOpaque:
			b := append([]byte{}, v.o...)
			rec.Data = &b
		case KindObjectLink:
			s := v.l.String()
			rec.Link = &s
		default:
			return nil, encodeErr(wire.FormatCBOR, r.Path, ErrUnsupportedValue)
		}
		recs = append(recs, rec)
	}
	data, err := senmlEnc.Marshal(recs)
	if err != nil {
		return nil, encodeErr(wire.FormatCBOR, n.Path, err)
	}
	return data, nil
}

func (CBOR) Decode(data []byte, path wire.Path) (Node, error) {
	var recs []senmlRecord
	if err := senmlDec.Unmarshal(data, &recs); err != nil {
		return Node{}, decodeErr(wire.FormatCBOR, path, ErrMalformed)
	}
	n := Node{Path: path, Records: make([]Record, 0, len(recs))}
	bn := baseName(path)
	var bt *float64
	for _, sr := range recs {
		if sr.BaseName != "" {
			bn = sr.BaseName
		}
		if sr.BaseTime != nil {
			bt = sr.BaseTime
		}
		p, err := joinName(bn, sr.Name)
		if err != nil || !p.StartsWith(path) {
			return Node{}, decodeErr(wire.FormatCBOR, path, ErrMalformed)
		}
		v, ok := sr.value()
		if !ok {
			return Node{}, decodeErr(wire.FormatCBOR, p, ErrMalformed)
		}
		rec := Record{Path: p, Value: v}
		switch {
		case bt != nil && sr.Time != nil:
			rec.Time = fromUnixSeconds(*bt + *sr.Time)
		case bt != nil:
			rec.Time = fromUnixSeconds(*bt)
		case sr.Time != nil:
			rec.Time = fromUnixSeconds(*sr.Time)
		}
		n.Records = append(n.Records, rec)
	}
	return n, nil
}

func (r senmlRecord) value() (Value, bool) {
	set := 0
	var v Value
	if r.Value != nil {
		set++
		switch x := r.Value.(type) {
		case int64:
			v = IntValue(x)
		case uint64:
			v = IntValue(int64(x))
		case float64:
			v = FloatValue(x)
		case float32:
			v = FloatValue(float64(x))
		default:
			return Value{}, false
		}
	}
	if r.String != nil {
		set++
		v = StringValue(*r.String)
	}
	if r.Bool != nil {
		set++
		v = BoolValue(*r.Bool)
	}
	if r.Data != nil {
		set++
		v = OpaqueValue(*r.Data)
	}
	if r.Link != nil {
		set++
		l, err := ParseObjectLink(*r.Link)
		if err != nil {
			return Value{}, false
		}
		v = LinkValue(l)
	}
	return v, set == 1
}
