package wire

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidLink is returned for malformed link-format payloads.
var ErrInvalidLink = errors.New("invalid link format")

// Link is one entry of a CoRE link-format list, e.g. `</3/0>;ver=1.1`.
type Link struct {
	// Target is the URI reference between the angle brackets.
	Target string

	// Attributes holds link parameters. A parameter without a value maps to "".
	Attributes map[string]string
}

// Path returns the target as a resource path when it is one.
func (l Link) Path() (Path, bool) {
	p, err := ParsePath(l.Target)
	if err != nil {
		return Path{}, false
	}
	return p, true
}

// String formats the link. Attributes are emitted in sorted key order.
func (l Link) String() string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(l.Target)
	b.WriteByte('>')
	keys := make([]string, 0, len(l.Attributes))
	for k := range l.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(';')
		b.WriteString(k)
		if v := l.Attributes[k]; v != "" {
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return b.String()
}

// FormatLinks renders links in order, comma separated.
func FormatLinks(links []Link) string {
	parts := make([]string, len(links))
	for i, l := range links {
		parts[i] = l.String()
	}
	return strings.Join(parts, ",")
}

// ParseLinks parses a link-format string, preserving entry order. Quoted
// attribute values may contain commas and semicolons.
func ParseLinks(s string) ([]Link, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var links []Link
	for _, entry := range splitUnquoted(s, ',') {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		link, err := parseLink(entry)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, nil
}

func parseLink(entry string) (Link, error) {
	if !strings.HasPrefix(entry, "<") {
		return Link{}, fmt.Errorf("%w: %q", ErrInvalidLink, entry)
	}
	end := strings.IndexByte(entry, '>')
	if end < 0 {
		return Link{}, fmt.Errorf("%w: unterminated target in %q", ErrInvalidLink, entry)
	}
	link := Link{Target: entry[1:end]}
	rest := entry[end+1:]
	if rest == "" {
		return link, nil
	}
	if rest[0] != ';' {
		return Link{}, fmt.Errorf("%w: unexpected %q after target", ErrInvalidLink, rest)
	}
	link.Attributes = make(map[string]string)
	for _, param := range splitUnquoted(rest[1:], ';') {
		param = strings.TrimSpace(param)
		if param == "" {
			continue
		}
		key, value, _ := strings.Cut(param, "=")
		if key == "" {
			return Link{}, fmt.Errorf("%w: empty parameter name in %q", ErrInvalidLink, entry)
		}
		link.Attributes[key] = value
	}
	return link, nil
}

// splitUnquoted splits s on sep, ignoring separators inside double quotes.
func splitUnquoted(s string, sep byte) []string {
	var parts []string
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case sep:
			if !inQuote {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// ObjectLinks returns the links whose targets are resource paths, skipping
// the root link and alternate path entries.
func ObjectLinks(links []Link) []Path {
	var paths []Path
	for _, l := range links {
		p, ok := l.Path()
		if !ok || p.IsRoot() {
			continue
		}
		paths = append(paths, p)
	}
	return paths
}
