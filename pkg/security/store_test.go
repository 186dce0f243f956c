package security

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pskInfo(ep, identity string) *SecurityInfo {
	return &SecurityInfo{Endpoint: ep, Mode: ModePSK, PSKIdentity: identity, PSKKey: []byte("key-" + ep)}
}

// storeContract runs the Store invariants against any implementation.
func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get("nobody")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetByIdentity("nobody")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Remove("nobody")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("AddAndLookup", func(t *testing.T) {
		s := newStore(t)
		prev, err := s.Add(pskInfo("X", "A"))
		require.NoError(t, err)
		assert.Nil(t, prev)

		got, err := s.Get("X")
		require.NoError(t, err)
		assert.Equal(t, "A", got.PSKIdentity)
		assert.Equal(t, []byte("key-X"), got.PSKKey)

		got, err = s.GetByIdentity("A")
		require.NoError(t, err)
		assert.Equal(t, "X", got.Endpoint)
	})

	t.Run("DuplicateIdentityRejectedWithoutMutation", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Add(pskInfo("X", "A"))
		require.NoError(t, err)

		_, err = s.Add(pskInfo("Y", "A"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDuplicateIdentity)
		var dup *DuplicateIdentityError
		require.True(t, errors.As(err, &dup))
		assert.Equal(t, "X", dup.Owner)
		assert.Equal(t, "Y", dup.Endpoint)

		got, err := s.GetByIdentity("A")
		require.NoError(t, err)
		assert.Equal(t, "X", got.Endpoint)
		_, err = s.Get("Y")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ReplaceReleasesOldIdentity", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Add(pskInfo("X", "A"))
		require.NoError(t, err)

		prev, err := s.Add(pskInfo("X", "B"))
		require.NoError(t, err)
		require.NotNil(t, prev)
		assert.Equal(t, "A", prev.PSKIdentity)

		_, err = s.GetByIdentity("A")
		assert.ErrorIs(t, err, ErrNotFound)

		// A is free for another endpoint now.
		_, err = s.Add(pskInfo("Y", "A"))
		require.NoError(t, err)
	})

	t.Run("RemoveFreesIdentity", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Add(pskInfo("X", "A"))
		require.NoError(t, err)

		removed, err := s.Remove("X")
		require.NoError(t, err)
		assert.Equal(t, "A", removed.PSKIdentity)

		_, err = s.Add(pskInfo("Y", "A"))
		require.NoError(t, err)
	})

	t.Run("SwitchToRPK", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Add(pskInfo("X", "A"))
		require.NoError(t, err)
		_, err = s.Add(&SecurityInfo{Endpoint: "X", Mode: ModeRPK, PublicKey: []byte{1, 2, 3}})
		require.NoError(t, err)

		_, err = s.GetByIdentity("A")
		assert.ErrorIs(t, err, ErrNotFound)
		got, err := s.Get("X")
		require.NoError(t, err)
		assert.Equal(t, ModeRPK, got.Mode)
		assert.Equal(t, []byte{1, 2, 3}, got.PublicKey)

		byKey, err := s.GetByPublicKey([]byte{1, 2, 3})
		require.NoError(t, err)
		assert.Equal(t, "X", byKey.Endpoint)
		_, err = s.GetByPublicKey([]byte{9})
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.Add(pskInfo("X", "A"))
		require.NoError(t, err)
		_, err = s.GetByPublicKey([]byte{1, 2, 3})
		assert.ErrorIs(t, err, ErrNotFound, "replaced key is unindexed")
	})

	t.Run("InvalidInfo", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Add(&SecurityInfo{Endpoint: "X", Mode: ModePSK})
		assert.ErrorIs(t, err, ErrInvalidInfo)
		_, err = s.Add(&SecurityInfo{Mode: ModeNone})
		assert.ErrorIs(t, err, ErrInvalidInfo)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	info := pskInfo("X", "A")
	_, err := s.Add(info)
	require.NoError(t, err)

	info.PSKKey[0] = 'z'
	got, err := s.Get("X")
	require.NoError(t, err)
	assert.Equal(t, []byte("key-X"), got.PSKKey)
	assert.Equal(t, 1, s.Len())
}

func TestSQLiteStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStoreSealed(t *testing.T) {
	sealer, _, err := GenerateAgeSealer()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "security.db")
	s, err := NewSQLiteStore(path, WithSealer(sealer))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Add(pskInfo("X", "A"))
	require.NoError(t, err)

	var raw []byte
	require.NoError(t, s.db.QueryRow(`SELECT psk_key FROM security_info WHERE endpoint = ?`, "X").Scan(&raw))
	assert.NotContains(t, string(raw), "key-X")

	got, err := s.Get("X")
	require.NoError(t, err)
	assert.Equal(t, []byte("key-X"), got.PSKKey)

	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "X", all[0].Endpoint)
}

func TestSQLiteStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	_, err = s.Add(pskInfo("X", "A"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetByIdentity("A")
	require.NoError(t, err)
	assert.Equal(t, "X", got.Endpoint)
}

func TestAgeSealerRoundTrip(t *testing.T) {
	sealer, secretKey, err := GenerateAgeSealer()
	require.NoError(t, err)
	assert.Contains(t, sealer.Recipient(), "age1")

	ct, err := sealer.Seal([]byte("secret"))
	require.NoError(t, err)

	reopened, err := NewAgeSealer(secretKey)
	require.NoError(t, err)
	pt, err := reopened.Open(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), pt)

	other, _, err := GenerateAgeSealer()
	require.NoError(t, err)
	_, err = other.Open(ct)
	assert.Error(t, err)

	_, err = NewAgeSealer("not-a-key")
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeNone, ModePSK, ModeRPK, ModeX509} {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMode("OSCORE")
	assert.ErrorIs(t, err, ErrInvalidInfo)
}
