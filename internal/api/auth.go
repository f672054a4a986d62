package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/auth"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// MinSecretLength is the shortest accepted HS256 signing secret.
const MinSecretLength = 32

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

// TokenVerifier issues and verifies HS256 bearer tokens whose subject is
// the user id.
type TokenVerifier struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// NewTokenVerifier creates a verifier. An empty issuer disables the issuer
// check.
func NewTokenVerifier(secret, issuer string) (*TokenVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d characters", MinSecretLength)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	return &TokenVerifier{
		secret: []byte(secret),
		issuer: issuer,
		parser: jwt.NewParser(opts...),
	}, nil
}

// Issue signs a token for subject valid for ttl.
func (v *TokenVerifier) Issue(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify validates the token and returns its subject.
func (v *TokenVerifier) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

func extractToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

type userKey struct{}

// UserID returns the authenticated user of the request, if any.
func UserID(ctx context.Context) string {
	if ref, ok := ctx.Value(userKey{}).(*string); ok {
		return *ref
	}
	return ""
}

// authMiddleware requires a valid bearer token. The subject is written into
// the request-scoped slot created by trackingMiddleware so the request is
// attributed to the user.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractToken(r)
		if err == nil {
			var subject string
			subject, err = s.tokens.Verify(token)
			if err == nil {
				ctx := r.Context()
				if ref, ok := ctx.Value(userKey{}).(*string); ok {
					*ref = subject
				} else {
					ctx = context.WithValue(ctx, userKey{}, &subject)
				}
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}

		s.logger.Debug("Request rejected by authentication",
			zap.String("path", r.URL.Path),
			zap.String("source_address", ClientAddress(r.Context())),
			zap.Error(err),
		)
		w.Header().Set("WWW-Authenticate", `Bearer realm="qrguard"`)
		s.sendError(w, http.StatusUnauthorized, err.Error())
	})
}

// require wraps handler with an RBAC permission check.
func (s *Server) require(perm auth.Permission, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.components.RBAC.RequirePermission(UserID(r.Context()), perm); err != nil {
			s.sendError(w, http.StatusForbidden, err.Error())
			return
		}
		handler(w, r)
	})
}
