package admin

import (
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Issuer is stamped on every admin token.
const Issuer = "relayd"

// Claims carries the operator name in Subject.
type Claims struct {
	jwt.RegisteredClaims
}

// MintToken signs an HS256 token for subject valid for ttl.
func MintToken(key []byte, subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("token subject is empty")
	}
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// ParseToken validates signature, algorithm, issuer and expiry.
func ParseToken(key []byte, token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{},
		func(*jwt.Token) (interface{}, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
