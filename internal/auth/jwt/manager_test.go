package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestManager_GenerateAndValidate(t *testing.T) {
	m := NewManager(testSecret, "mailindex", time.Hour)

	token, err := m.GenerateToken("ops")
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, claims.Role)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, "mailindex", claims.Issuer)
	require.NotNil(t, claims.ExpiresAt)
}

func TestManager_NoExpiry(t *testing.T) {
	m := NewManager(testSecret, "mailindex", 0)
	token, err := m.GenerateToken("ops")
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Nil(t, claims.ExpiresAt)
}

func TestManager_Expired(t *testing.T) {
	m := NewManager(testSecret, "mailindex", time.Nanosecond)
	token, err := m.GenerateToken("ops")
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)

	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestManager_RejectsForeignTokens(t *testing.T) {
	m := NewManager(testSecret, "mailindex", time.Hour)

	_, err := m.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewManager("ffffffffffffffffffffffffffffffff", "mailindex", time.Hour).GenerateToken("ops")
	require.NoError(t, err)
	_, err = m.ValidateToken(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	otherIssuer, err := NewManager(testSecret, "someone-else", time.Hour).GenerateToken("ops")
	require.NoError(t, err)
	_, err = m.ValidateToken(otherIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
