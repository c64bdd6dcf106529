package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParse(t *testing.T) {
	tok, err := Generate(7, "admin", true, time.Hour)
	require.NoError(t, err)

	claims, err := Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, uint(7), claims.UserID)
	assert.Equal(t, "admin", claims.Username)
	assert.True(t, claims.Admin)
	assert.Equal(t, "meshgate", claims.Issuer)
}

func TestParseRejectsExpired(t *testing.T) {
	tok, err := Generate(1, "admin", false, -time.Minute)
	require.NoError(t, err)

	_, err = Parse(tok)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParseRejectsForeignIssuer(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "someone-else",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString(secret())
	require.NoError(t, err)

	_, err = Parse(signed)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("not.a.token")
	assert.ErrorIs(t, err, ErrInvalid)
}
