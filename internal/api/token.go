package api

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when no channel token is presented.
	ErrMissingToken = errors.New("api: missing channel token")
	// ErrInvalidToken is returned when the token is malformed or its
	// signature does not verify.
	ErrInvalidToken = errors.New("api: invalid channel token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("api: channel token expired")
)

type contextKey string

const claimsKey contextKey = "channel_claims"

// ChannelClaims bind a channel token to the session it was minted for and
// the client that validated the pairing code.
type ChannelClaims struct {
	SessionID string `json:"sid"`
	ClientID  string `json:"cid"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and validates the HS256 tokens that gate the session
// channel and dispatch endpoints. A successful pairing-code validation is
// the only way to obtain one.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates an issuer with the given secret. An empty secret
// draws an ephemeral one from the CSPRNG; tokens then do not survive a
// process restart, matching the volatility of the session store.
func NewTokenIssuer(secret []byte) (*TokenIssuer, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("api: generate token secret: %w", err)
		}
	}
	return &TokenIssuer{secret: secret}, nil
}

// Issue mints a token for the session/client pair, expiring when the
// session does.
func (t *TokenIssuer) Issue(sessionID, clientID string, expiresAt time.Time) (string, error) {
	now := time.Now()
	claims := ChannelClaims{
		SessionID: sessionID,
		ClientID:  clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Validate parses and verifies a token string.
func (t *TokenIssuer) Validate(tokenStr string) (*ChannelClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &ChannelClaims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*ChannelClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// claimsFrom extracts validated claims from the request context.
func claimsFrom(r *http.Request) (*ChannelClaims, error) {
	claims, ok := r.Context().Value(claimsKey).(*ChannelClaims)
	if !ok || claims == nil {
		return nil, ErrMissingToken
	}
	return claims, nil
}

// authMiddleware validates the Bearer token (or, for WebSocket upgrades, the
// token query parameter) and stashes the claims in the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := bearerToken(r)
		if tokenStr == "" {
			tokenStr = r.URL.Query().Get("token")
		}
		if tokenStr == "" {
			writeError(w, http.StatusUnauthorized, ErrMissingToken.Error())
			return
		}
		claims, err := s.tokens.Validate(tokenStr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		// The token must name a session that is still live. Ended and
		// expired sessions are rejected even though the store retains
		// them for a grace window.
		if _, err := s.store.LiveSession(claims.SessionID); err != nil {
			writeError(w, http.StatusUnauthorized, "session no longer active")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
