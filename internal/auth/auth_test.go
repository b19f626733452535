package auth

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := HashAPIKey("secret-key")
	require.NoError(t, err)
	assert.NotContains(t, hash, "secret-key")

	ok, err := VerifyAPIKey("secret-key", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashIsSalted(t *testing.T) {
	h1, err := HashAPIKey("same-key")
	require.NoError(t, err)
	h2, err := HashAPIKey("same-key")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestVerifyAPIKeyInvalidFormat(t *testing.T) {
	_, err := VerifyAPIKey("key", "not-a-valid-hash")
	require.Error(t, err)
}

func TestAdmin(t *testing.T) {
	t.Run("verifies bearer header", func(t *testing.T) {
		a, err := NewAdmin("admin-secret", testLogger())
		require.NoError(t, err)
		require.True(t, a.Enabled())

		assert.True(t, a.Verify("Bearer admin-secret"))
		assert.True(t, a.Verify("admin-secret"))
		assert.False(t, a.Verify("Bearer wrong"))
		assert.False(t, a.Verify(""))
	})

	t.Run("disabled without a key", func(t *testing.T) {
		a, err := NewAdmin("", testLogger())
		require.NoError(t, err)
		assert.False(t, a.Enabled())
		assert.False(t, a.Verify("Bearer anything"))
	})
}
