package jwt

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	userID := uuid.New()
	token, err := GenerateAccessToken(userID, "user@example.com", "test-secret", time.Minute)
	require.NoError(t, err)

	claims, err := ValidateToken(token, "test-secret")
	require.NoError(t, err)
	require.Equal(t, userID, claims.UserID)
	require.Equal(t, "user@example.com", claims.Email)
}

func TestValidateWrongSecret(t *testing.T) {
	token, err := GenerateAccessToken(uuid.New(), "user@example.com", "test-secret", time.Minute)
	require.NoError(t, err)

	_, err = ValidateToken(token, "other-secret")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateExpired(t *testing.T) {
	token, err := GenerateAccessToken(uuid.New(), "user@example.com", "test-secret", -time.Minute)
	require.NoError(t, err)

	_, err = ValidateToken(token, "test-secret")
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidateGarbage(t *testing.T) {
	_, err := ValidateToken("not.a.token", "test-secret")
	require.ErrorIs(t, err, ErrInvalidToken)
}
