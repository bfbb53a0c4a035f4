package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errBadToken = errors.New("server: invalid token")

type ctxKey int

const principalKey ctxKey = iota

// principal is the authenticated identity attached to a request context.
type principal struct {
	UserID int64
	Name   string
}

func principalFrom(ctx context.Context) (principal, bool) {
	p, ok := ctx.Value(principalKey).(principal)
	return p, ok
}

// issueToken mints an HMAC-signed token for a principal.
func (s *Server) issueToken(userID int64, name string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  strconv.FormatInt(userID, 10),
		"name": name,
		"iat":  now.Unix(),
		"exp":  now.Add(s.tokenTTL).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.tokenSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// verifyToken validates a token and returns the principal it names.
func (s *Server) verifyToken(raw string) (principal, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.tokenSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !tok.Valid {
		return principal{}, errBadToken
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return principal{}, errBadToken
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return principal{}, errBadToken
	}
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || id <= 0 {
		return principal{}, errBadToken
	}
	name, _ := claims["name"].(string)
	return principal{UserID: id, Name: name}, nil
}

// requestToken extracts the bearer token from a request. Websocket clients
// cannot set headers from every environment, so ?token= is accepted too.
func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if raw, ok := strings.CutPrefix(h, "Bearer "); ok {
			return raw
		}
	}
	return r.URL.Query().Get("token")
}

// authenticate wraps a handler, rejecting requests without a valid token and
// attaching the principal to the context otherwise.
func (s *Server) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := requestToken(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		p, err := s.verifyToken(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	}
}
