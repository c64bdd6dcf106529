// Package auth issues and verifies the dashboard's session tokens.
package auth

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "meshgate"

var ErrInvalid = errors.New("invalid token")

// Claims carries the authenticated dashboard identity.
type Claims struct {
	UserID   uint   `json:"uid"`
	Username string `json:"username"`
	Admin    bool   `json:"adm,omitempty"`
	jwt.RegisteredClaims
}

func secret() []byte {
	if s := os.Getenv("JWT_SECRET"); s != "" {
		return []byte(s)
	}
	return []byte("meshgate-insecure-dev-secret")
}

// Generate signs a session token for the user, valid for ttl.
func Generate(userID uint, username string, admin bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		Admin:    admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret())
}

// Parse verifies signature, expiry, signing method and issuer.
func Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return secret(), nil
	}, jwt.WithIssuer(issuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrInvalid
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalid
	}
	return claims, nil
}
