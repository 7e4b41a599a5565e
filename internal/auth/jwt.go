package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// PlayerClaims represents the claims in a session token issued by the
// external auth service. The subject is the player id.
type PlayerClaims struct {
	jwt.RegisteredClaims
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
	IsAdmin  bool   `json:"is_admin"`
}

// Validator verifies session tokens. Issuance is handled by the
// external auth service; this process never signs.
type Validator struct {
	secret []byte
}

// NewValidator creates a token validator with a shared HMAC secret.
func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret)}
}

// Validate validates a session token and returns the player claims.
func (v *Validator) Validate(tokenString string) (*PlayerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &PlayerClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*PlayerClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.PlayerID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
