package bootstrap

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

// DerivedKeyLength is the PSK length produced by KeyDeriver.
const DerivedKeyLength = 16

// KeyDeriver derives per-endpoint pre-shared keys from a master secret with
// HKDF-SHA256, so provisioned keys never need to be stored.
type KeyDeriver struct {
	master []byte
	salt   []byte
}

// NewKeyDeriver creates a deriver. The master secret must be at least 16
// bytes.
func NewKeyDeriver(master, salt []byte) (*KeyDeriver, error) {
	if len(master) < 16 {
		return nil, errors.New("master secret too short")
	}
	return &KeyDeriver{master: append([]byte(nil), master...), salt: append([]byte(nil), salt...)}, nil
}

// Derive returns the key for endpoint at a short server id.
func (d *KeyDeriver) Derive(endpoint string, shortServerID uint16) ([]byte, error) {
	info := []byte("lwm2m-psk:" + endpoint + ":" + strconv.Itoa(int(shortServerID)))
	r := hkdf.New(sha256.New, d.master, d.salt, info)
	key := make([]byte, DerivedKeyLength)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
