package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"go.uber.org/zap"

	"github.com/evolvecharge/funnel/internal/platform/httpx"
	"github.com/evolvecharge/funnel/internal/platform/observability"
	"github.com/evolvecharge/funnel/internal/platform/requestctx"
)

const (
	defaultRoleClaim     = "role"
	defaultVerifyTimeout = 5 * time.Second
	bypassUID            = "local-admin"
)

var (
	// ErrTokenExpired signals that the provided Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals that the provided Firebase ID token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator guards the back-office routes.
type Authenticator struct {
	verifier  TokenVerifier
	roleClaim string
	bypass    bool
	timeout   time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithRoleClaim overrides the custom claim used for role extraction.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithBypass admits every request as a synthetic admin. Callers only enable it for local runs.
func WithBypass(enabled bool) Option {
	return func(a *Authenticator) { a.bypass = enabled }
}

// WithVerificationTimeout bounds token verification.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator constructs an Authenticator. A nil verifier rejects every request unless
// bypass is enabled.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:  verifier,
		roleClaim: defaultRoleClaim,
		timeout:   defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireRoles verifies the bearer token and admits identities holding any of roles.
func (a *Authenticator) RequireRoles(roles ...string) func(http.Handler) http.Handler {
	allowed := make([]string, 0, len(roles))
	for _, role := range roles {
		if role = normaliseRole(role); role != "" {
			allowed = append(allowed, role)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a != nil && a.bypass {
				identity := &Identity{UID: bypassUID, Roles: append([]string(nil), allowed...), Bypassed: true}
				next.ServeHTTP(w, admit(r, identity))
				return
			}

			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeAuthError(w, r, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}
			if a == nil || a.verifier == nil {
				writeAuthError(w, r, http.StatusUnauthorized, "unauthenticated", "authorization service unavailable")
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
			token, err := a.verifier.VerifyIDToken(ctx, tokenStr)
			cancel()
			if err != nil {
				writeVerificationError(w, r, err)
				return
			}

			identity := &Identity{
				UID:   token.UID,
				Email: claimAsString(token.Claims, "email"),
				Roles: rolesFromClaims(token.Claims, a.roleClaim),
			}
			if len(allowed) > 0 && !identity.HasAnyRole(allowed...) {
				writeAuthError(w, r, http.StatusForbidden, "insufficient_role", "identity does not have required role")
				return
			}

			next.ServeHTTP(w, admit(r, identity))
		})
	}
}

func admit(r *http.Request, identity *Identity) *http.Request {
	ctx := WithIdentity(r.Context(), identity)
	logger := requestctx.Logger(ctx).With(zap.String("user_id", observability.SanitizeUserID(identity.UID)))
	return r.WithContext(requestctx.WithLogger(ctx, logger))
}

func rolesFromClaims(claims map[string]any, key string) []string {
	var out []string
	seen := map[string]struct{}{}
	add := func(role string) {
		role = normaliseRole(role)
		if role == "" {
			return
		}
		if _, dup := seen[role]; dup {
			return
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}

	switch v := claims[key].(type) {
	case string:
		add(v)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	case []string:
		for _, s := range v {
			add(s)
		}
	case map[string]any:
		for role, flag := range v {
			if enabled, ok := flag.(bool); ok && enabled {
				add(role)
			}
		}
	}
	return out
}

func claimAsString(claims map[string]any, key string) string {
	if s, ok := claims[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeAuthError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, status))
}

func writeVerificationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		writeAuthError(w, r, http.StatusUnauthorized, "token_expired", "firebase id token expired")
	default:
		writeAuthError(w, r, http.StatusUnauthorized, "invalid_token", "firebase id token invalid")
	}
}
