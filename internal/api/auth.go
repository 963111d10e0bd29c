package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// Claims are carried by operator bearer tokens.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// MintToken signs an HS256 operator token for subject.
func MintToken(secret []byte, issuer, subject, role string, ttl time.Duration, now time.Time) (string, error) {
	if role != RoleOperator && role != RoleAdmin {
		return "", fmt.Errorf("api: unknown role %q", role)
	}
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("api: signing token: %w", err)
	}
	return signed, nil
}

func (s *Server) parseToken(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return s.opts.JWTSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.opts.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

type operatorKey struct{}

// operatorFrom returns the token subject of an authorized request.
func operatorFrom(ctx context.Context) string {
	v, _ := ctx.Value(operatorKey{}).(string)
	return v
}

func (s *Server) operatorOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || raw == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing bearer token", Code: "unauthorized"})
			return
		}

		claims, err := s.parseToken(raw)
		if err != nil {
			code := "unauthorized"
			if errors.Is(err, jwt.ErrTokenExpired) {
				code = "token_expired"
			}
			s.logger.Debug("api: auth failed", "err", err)
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid token", Code: code})
			return
		}

		if claims.Role != RoleOperator && claims.Role != RoleAdmin {
			s.logger.Debug("api: forbidden role", "subject", claims.Subject, "role", claims.Role)
			writeJSON(w, http.StatusForbidden, errorBody{Error: "operator role required", Code: "forbidden"})
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorKey{}, claims.Subject)))
	}
}
