package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("p")
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	assert.True(t, VerifyPassword("p", hash))
	assert.False(t, VerifyPassword("wrong", hash))
}

func TestHashPasswordEmpty(t *testing.T) {
	hash, err := HashPassword("")
	require.NoError(t, err)
	assert.Nil(t, hash)
	assert.False(t, VerifyPassword("", hash))
}

func TestNewAuthTokenUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok := NewAuthToken()
		require.NotEmpty(t, tok)
		assert.False(t, seen[tok])
		seen[tok] = true
	}
}
