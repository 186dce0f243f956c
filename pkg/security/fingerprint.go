package security

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// Fingerprint identifies a credential set without retaining the secret.
type Fingerprint [32]byte

// fingerprint hashes the parts of info that authenticate a session. A nil
// info yields the zero fingerprint.
func fingerprint(info *SecurityInfo) Fingerprint {
	var fp Fingerprint
	if info == nil {
		return fp
	}
	h := blake3.New()
	field := func(b []byte) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(b)))
		h.Write(n[:])
		h.Write(b)
	}
	h.Write([]byte{byte(info.Mode)})
	field([]byte(info.Endpoint))
	field([]byte(info.PSKIdentity))
	field(info.PSKKey)
	field(info.PublicKey)
	copy(fp[:], h.Sum(nil))
	return fp
}
