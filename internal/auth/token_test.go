package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestTokenRoundtrip(t *testing.T) {
	tokens, err := NewTokenService(testSecret, time.Minute)
	require.NoError(t, err)

	signed, err := tokens.Issue(Identity{ID: "u1", Email: "a@b.c"})
	require.NoError(t, err)
	require.NotEmpty(t, signed)

	identity, err := tokens.Validate(signed)
	require.NoError(t, err)
	require.Equal(t, "u1", identity.ID)
	require.Equal(t, "a@b.c", identity.Email)
}

func TestTokenRejectsShortSecret(t *testing.T) {
	_, err := NewTokenService("short", time.Minute)
	require.Error(t, err)
}

func TestTokenRejectsGarbage(t *testing.T) {
	tokens, err := NewTokenService(testSecret, time.Minute)
	require.NoError(t, err)

	_, err = tokens.Validate("not.a.token")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenRejectsWrongSecret(t *testing.T) {
	issuer, err := NewTokenService(testSecret, time.Minute)
	require.NoError(t, err)
	verifier, err := NewTokenService("another-secret-of-proper-size", time.Minute)
	require.NoError(t, err)

	signed, err := issuer.Issue(Identity{ID: "u1"})
	require.NoError(t, err)

	_, err = verifier.Validate(signed)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenRejectsExpired(t *testing.T) {
	tokens, err := NewTokenService(testSecret, time.Minute)
	require.NoError(t, err)
	tokens.ttl = -time.Minute

	signed, err := tokens.Issue(Identity{ID: "u1"})
	require.NoError(t, err)

	_, err = tokens.Validate(signed)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestPasswordHashAndCheck(t *testing.T) {
	hash, err := HashPassword("correct horse battery")
	require.NoError(t, err)
	require.True(t, CheckPassword(hash, "correct horse battery"))
	require.False(t, CheckPassword(hash, "wrong password"))
}

func TestPasswordMinimumLength(t *testing.T) {
	_, err := HashPassword("short")
	require.Error(t, err)
}
