package sealer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealer(t *testing.T) {
	s, err := NewFromHex(strings.Repeat("ab", 32))
	require.NoError(t, err)

	sealed, err := s.Seal("AQEDAR-token")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "AQEDAR-token")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "AQEDAR-token", plain)

	sealed[len(sealed)-1] ^= 0xff
	_, err = s.Open(sealed)
	assert.Error(t, err)

	_, err = s.Open([]byte{1, 2})
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestNewFromHex_RejectsBadKeys(t *testing.T) {
	_, err := NewFromHex("zz")
	assert.Error(t, err)
	_, err = NewFromHex(strings.Repeat("ab", 16))
	assert.Error(t, err)
}
