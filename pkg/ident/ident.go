// Package ident provides injectable identifier generation for registration
// ids, correlation tokens and endpoint names.
package ident

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	mrand "math/rand"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// TokenLength is the size of generated correlation tokens.
const TokenLength = 8

// Source generates identifiers. Implementations are safe for concurrent use.
type Source interface {
	// NewID returns a fresh opaque identifier.
	NewID() string

	// NewToken returns a fresh correlation token.
	NewToken() []byte
}

type readerSource struct {
	mu sync.Mutex
	r  io.Reader
}

// NewRandomSource returns a Source backed by crypto/rand.
func NewRandomSource() Source {
	return &readerSource{r: rand.Reader}
}

// NewSeededSource returns a deterministic Source for tests. Two sources with
// the same seed produce the same sequence.
func NewSeededSource(seed int64) Source {
	return &readerSource{r: mrand.New(mrand.NewSource(seed))}
}

func (s *readerSource) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := uuid.NewRandomFromReader(s.r)
	if err != nil {
		// crypto/rand and math/rand readers do not fail
		panic(err)
	}
	return id.String()
}

func (s *readerSource) NewToken() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok := make([]byte, TokenLength)
	if _, err := io.ReadFull(s.r, tok); err != nil {
		panic(err)
	}
	return tok
}

// EndpointName derives a readable endpoint name ("prefix-1a2b3c4d") from src.
func EndpointName(src Source, prefix string) string {
	id := strings.ReplaceAll(src.NewID(), "-", "")
	if prefix == "" {
		return id[:8]
	}
	return prefix + "-" + id[:8]
}

// TokenString renders a token for logs and map keys.
func TokenString(tok []byte) string {
	return hex.EncodeToString(tok)
}
