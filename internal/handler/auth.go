package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ReadScope is the only scope read tokens carry.
const ReadScope = "ledger:read"

const readTokenIssuer = "intentledger"

// ReadClaims are the JWT claims of a read token.
type ReadClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// ReadTokens issues and verifies HS256 bearer tokens for the read endpoints.
type ReadTokens struct {
	secret []byte
}

// NewReadTokens creates a ReadTokens. The secret must be at least 32 bytes.
func NewReadTokens(secret string) (*ReadTokens, error) {
	if len(secret) < 32 {
		return nil, errors.New("read token secret must be at least 32 bytes")
	}
	return &ReadTokens{secret: []byte(secret)}, nil
}

// Issue creates a signed read token for subject.
func (t *ReadTokens) Issue(subject string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now().UTC()
	claims := ReadClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    readTokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Scope: ReadScope,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign read token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a read token.
func (t *ReadTokens) Verify(tokenStr string) (*ReadClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&ReadClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithIssuer(readTokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify read token: %w", err)
	}
	claims, ok := token.Claims.(*ReadClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid read token claims")
	}
	if claims.Scope != ReadScope {
		return nil, errors.New("token lacks read scope")
	}
	return claims, nil
}

// RequireRead aborts with 401 unless the request carries a valid read token.
func (t *ReadTokens) RequireRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
			return
		}
		if _, err := t.Verify(strings.TrimPrefix(authHeader, "Bearer ")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}
