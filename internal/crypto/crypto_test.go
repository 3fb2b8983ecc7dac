package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	s, err := NewSealer(key)
	require.NoError(t, err)

	sealed, err := s.Seal("sk-upstream-secret")
	require.NoError(t, err)
	require.NotEqual(t, "sk-upstream-secret", string(sealed))

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, "sk-upstream-secret", opened)
}

func TestSealProducesDistinctCiphertexts(t *testing.T) {
	key := make([]byte, 32)
	s, err := NewSealer(key)
	require.NoError(t, err)

	a, err := s.Seal("same-plaintext")
	require.NoError(t, err)
	b, err := s.Seal("same-plaintext")
	require.NoError(t, err)
	require.NotEqual(t, a, b, "fresh nonce per Seal call must avoid ciphertext reuse")
}

func TestOpenRejectsShortInput(t *testing.T) {
	key := make([]byte, 32)
	s, err := NewSealer(key)
	require.NoError(t, err)
	_, err = s.Open([]byte("short"))
	require.Error(t, err)
}

func TestNewSealerRejectsWrongKeyLength(t *testing.T) {
	_, err := NewSealer([]byte("too-short"))
	require.Error(t, err)
}
