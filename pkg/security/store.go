package security

import (
	"sync"
)

// Store persists SecurityInfo. Implementations must be safe for concurrent
// use and must keep PSK identities unique: Add rejects an identity held by
// another endpoint with *DuplicateIdentityError and leaves the store
// unchanged.
type Store interface {
	// Get returns the info for endpoint or ErrNotFound.
	Get(endpoint string) (*SecurityInfo, error)

	// GetByIdentity returns the info holding a PSK identity or ErrNotFound.
	GetByIdentity(identity string) (*SecurityInfo, error)

	// GetByPublicKey returns an RPK entry holding the raw public key or
	// ErrNotFound.
	GetByPublicKey(key []byte) (*SecurityInfo, error)

	// Add stores info, replacing the endpoint's previous entry (returned).
	Add(info *SecurityInfo) (*SecurityInfo, error)

	// Remove deletes the endpoint's entry and returns it, or ErrNotFound.
	Remove(endpoint string) (*SecurityInfo, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu         sync.RWMutex
	byEndpoint map[string]*SecurityInfo
	byIdentity map[string]string // psk identity -> endpoint
	byKey      map[string]string // rpk public key -> endpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byEndpoint: make(map[string]*SecurityInfo),
		byIdentity: make(map[string]string),
		byKey:      make(map[string]string),
	}
}

// Get returns the info for endpoint.
func (s *MemoryStore) Get(endpoint string) (*SecurityInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.byEndpoint[endpoint]
	if !ok {
		return nil, ErrNotFound
	}
	return info.Clone(), nil
}

// GetByIdentity returns the info holding identity.
func (s *MemoryStore) GetByIdentity(identity string) (*SecurityInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ep, ok := s.byIdentity[identity]
	if !ok {
		return nil, ErrNotFound
	}
	return s.byEndpoint[ep].Clone(), nil
}

// GetByPublicKey returns the RPK entry holding key.
func (s *MemoryStore) GetByPublicKey(key []byte) (*SecurityInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ep, ok := s.byKey[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return s.byEndpoint[ep].Clone(), nil
}

// Add stores info.
func (s *MemoryStore) Add(info *SecurityInfo) (*SecurityInfo, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	info = info.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	if info.Mode == ModePSK {
		if owner, ok := s.byIdentity[info.PSKIdentity]; ok && owner != info.Endpoint {
			return nil, &DuplicateIdentityError{Identity: info.PSKIdentity, Owner: owner, Endpoint: info.Endpoint}
		}
	}

	prev := s.byEndpoint[info.Endpoint]
	if prev != nil {
		s.unindex(prev)
	}
	s.byEndpoint[info.Endpoint] = info
	switch info.Mode {
	case ModePSK:
		s.byIdentity[info.PSKIdentity] = info.Endpoint
	case ModeRPK:
		s.byKey[string(info.PublicKey)] = info.Endpoint
	}
	return prev.Clone(), nil
}

// Remove deletes the endpoint's entry.
func (s *MemoryStore) Remove(endpoint string) (*SecurityInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.byEndpoint[endpoint]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.byEndpoint, endpoint)
	s.unindex(info)
	return info, nil
}

func (s *MemoryStore) unindex(info *SecurityInfo) {
	switch info.Mode {
	case ModePSK:
		delete(s.byIdentity, info.PSKIdentity)
	case ModeRPK:
		if s.byKey[string(info.PublicKey)] == info.Endpoint {
			delete(s.byKey, string(info.PublicKey))
		}
	}
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byEndpoint)
}
