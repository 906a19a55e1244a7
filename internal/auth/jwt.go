package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrJWTDisabled = errors.New("cloud auth is not configured")

// CloudClaims is the token payload accepted from the cloud relay.
type CloudClaims struct {
	Tier string `json:"tier,omitempty"`
	jwt.RegisteredClaims
}

// CloudVerifier validates HMAC-signed cloud tokens. A zero secret disables
// the path entirely.
type CloudVerifier struct {
	secret []byte
}

func NewCloudVerifier(secret string) *CloudVerifier {
	if secret == "" {
		return &CloudVerifier{}
	}
	return &CloudVerifier{secret: []byte(secret)}
}

func (v *CloudVerifier) Enabled() bool { return len(v.secret) > 0 }

// Verify parses and validates the token, returning its claims.
func (v *CloudVerifier) Verify(tokenString string) (*CloudClaims, error) {
	if !v.Enabled() {
		return nil, ErrJWTDisabled
	}

	claims := &CloudClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}), jwt.WithLeeway(30*time.Second))
	if err != nil {
		return nil, fmt.Errorf("cloud token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("cloud token: invalid")
	}
	if claims.Subject == "" {
		return nil, errors.New("cloud token: missing subject")
	}
	return claims, nil
}
