package wire

// ContentFormat identifies the encoding of a resource payload.
// Numeric values are the registered CoAP content-format identifiers.
type ContentFormat uint16

const (
	// FormatText is plain text (single resource values only).
	FormatText ContentFormat = 0

	// FormatLinkFormat is CoRE link format (registration and discover payloads).
	FormatLinkFormat ContentFormat = 40

	// FormatOpaque is raw bytes (single opaque resource values only).
	FormatOpaque ContentFormat = 42

	// FormatCBOR is a CBOR encoded value.
	FormatCBOR ContentFormat = 60

	// FormatTLV is the OMA type-length-value encoding.
	FormatTLV ContentFormat = 11542

	// FormatJSON is the OMA JSON encoding.
	FormatJSON ContentFormat = 11543
)

// String returns the content format name.
func (f ContentFormat) String() string {
	switch f {
	case FormatText:
		return "TEXT"
	case FormatLinkFormat:
		return "LINK"
	case FormatOpaque:
		return "OPAQUE"
	case FormatCBOR:
		return "CBOR"
	case FormatTLV:
		return "TLV"
	case FormatJSON:
		return "JSON"
	default:
		return "UNKNOWN"
	}
}
