package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowAll(t *testing.T) {
	verifier := AllowAll{}
	assert.True(t, verifier.Verify("any-agent", nil, ""))
	assert.True(t, verifier.Verify("", map[string]any{"hostname": "x"}, "key"))
}

func TestSharedKey(t *testing.T) {
	hash, err := HashKey("s3cret")
	require.NoError(t, err)

	verifier := NewSharedKey(hash)
	assert.True(t, verifier.Verify("agent-1", nil, "s3cret"))
	assert.False(t, verifier.Verify("agent-1", nil, "wrong"))
	assert.False(t, verifier.Verify("agent-1", nil, ""))
}

func TestTokenRoundTrip(t *testing.T) {
	config := Config{Secret: "test-secret", TokenTTL: time.Hour}

	token, err := GenerateToken(config, "admin", "admin")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := ValidateToken("test-secret", token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Subject)
	assert.Equal(t, "admin", claims.Role)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	token, err := GenerateToken(Config{Secret: "right"}, "admin", "admin")
	require.NoError(t, err)

	_, err = ValidateToken("wrong", token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenExpired(t *testing.T) {
	token, err := GenerateToken(Config{Secret: "s", TokenTTL: -time.Minute}, "admin", "admin")
	require.NoError(t, err)

	_, err = ValidateToken("s", token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenGarbage(t *testing.T) {
	_, err := ValidateToken("s", "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
