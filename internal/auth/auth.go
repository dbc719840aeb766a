// Package auth verifies bearer credentials and maps them to user identifiers.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthorized is wrapped by every credential failure.
	ErrUnauthorized = errors.New("unauthorized")

	ErrMissingToken = fmt.Errorf("missing token: %w", ErrUnauthorized)
	ErrInvalidToken = fmt.Errorf("invalid token: %w", ErrUnauthorized)
	ErrExpiredToken = fmt.Errorf("expired token: %w", ErrUnauthorized)
)

// Verifier resolves a bearer token to the user it was issued for.
type Verifier interface {
	Verify(token string) (int64, error)
}

// Claims is the token payload.
type Claims struct {
	UserID int64 `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTVerifier returns a verifier for tokens signed with secret. A non-empty
// issuer is required to match the iss claim.
func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Verify parses token and returns its user id.
func (v *JWTVerifier) Verify(token string) (int64, error) {
	if token == "" {
		return 0, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return 0, ErrExpiredToken
	case err != nil:
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	case !parsed.Valid:
		return 0, ErrInvalidToken
	}
	if claims.UserID <= 0 {
		return 0, fmt.Errorf("%w: missing user_id claim", ErrInvalidToken)
	}
	return claims.UserID, nil
}

// Issue signs a token for userID valid for ttl. Account services own issuance in
// production; this is used by tooling and tests.
func (v *JWTVerifier) Issue(userID int64, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// BearerToken extracts the token from an Authorization header value. It
// returns "" when the header is absent or uses another scheme.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
