package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// MinSecretLength is the shortest accepted HMAC secret.
	MinSecretLength = 32

	// DefaultTokenTTL applies when GenerateToken is given no TTL.
	DefaultTokenTTL = 24 * time.Hour

	// Issuer is stamped into every token.
	Issuer = "broute-bridge"

	bearerPrefix = "Bearer "
)

// Claims are the JWT claims the API accepts.
type Claims struct {
	jwt.RegisteredClaims
}

// GenerateToken creates a signed HS256 token for subject.
//
// Parameters:
//   - subject: Who the token is for (e.g. "grafana")
//   - secret: HMAC secret, at least MinSecretLength characters
//   - ttl: Lifetime; zero means DefaultTokenTTL
//
// Returns:
//   - string: The compact serialised token
//   - error: ErrSecretTooShort, or a signing error
func GenerateToken(subject, secret string, ttl time.Duration) (string, error) {
	if len(secret) < MinSecretLength {
		return "", ErrSecretTooShort
	}
	if subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ParseToken validates tokenString and returns its claims.
// It checks the signature method, signature, expiry and subject.
func ParseToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	return claims, nil
}

// TokenFromRequest extracts a bearer token from the Authorization header.
// When allowQuery is set, a "token" query parameter is accepted as well,
// for clients such as browsers that cannot set headers on WebSocket upgrades.
func TokenFromRequest(r *http.Request, allowQuery bool) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		if !strings.HasPrefix(h, bearerPrefix) {
			return "", fmt.Errorf("%w: unsupported authorization scheme", ErrTokenInvalid)
		}
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix)), nil
	}
	if allowQuery {
		if t := r.URL.Query().Get("token"); t != "" {
			return t, nil
		}
	}
	return "", ErrMissingToken
}
