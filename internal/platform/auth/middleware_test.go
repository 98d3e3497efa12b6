package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubTokenVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

func serve(t *testing.T, handler http.Handler, authorization string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/orders", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	code, _ := body["error"].(string)
	return code
}

func TestRequireRolesAllowsStaffToken(t *testing.T) {
	verifier := &stubTokenVerifier{
		token: &firebaseauth.Token{
			UID: "uid-123",
			Claims: map[string]any{
				"role":  []any{"Staff", "staff"},
				"email": "ops@evolvecharge.example",
			},
		},
	}
	authn := NewAuthenticator(verifier)

	var identity *Identity
	handler := authn.RequireRoles(RoleAdmin, RoleStaff)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := serve(t, handler, "Bearer token-value")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if verifier.received != "token-value" {
		t.Fatalf("expected verifier to receive token-value, got %s", verifier.received)
	}
	if identity == nil || identity.UID != "uid-123" || identity.Email != "ops@evolvecharge.example" {
		t.Fatalf("unexpected identity %+v", identity)
	}
	if len(identity.Roles) != 1 || !identity.HasRole(RoleStaff) {
		t.Fatalf("expected deduplicated staff role, got %v", identity.Roles)
	}
}

func TestRequireRolesRejectsCustomerToken(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{UID: "uid-9", Claims: map[string]any{"role": "user"}}}
	handler := NewAuthenticator(verifier).RequireRoles(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	rr := serve(t, handler, "Bearer t")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "insufficient_role" {
		t.Fatalf("expected insufficient_role, got %s", code)
	}
}

func TestRequireRolesMapClaim(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{UID: "uid-1", Claims: map[string]any{
		"roles": map[string]any{"admin": true, "staff": false},
	}}}
	handler := NewAuthenticator(verifier, WithRoleClaim("roles")).RequireRoles(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	if rr := serve(t, handler, "Bearer t"); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRequireRolesExpiredToken(t *testing.T) {
	handler := NewAuthenticator(&stubTokenVerifier{err: ErrTokenExpired}).RequireRoles(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not execute on expired token")
	}))

	rr := serve(t, handler, "Bearer expired-token")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "token_expired" {
		t.Fatalf("expected token_expired error, got %s", code)
	}
}

func TestRequireRolesMissingHeader(t *testing.T) {
	handler := NewAuthenticator(&stubTokenVerifier{}).RequireRoles(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))
	for _, header := range []string{"", "Basic abc", "Bearer   "} {
		rr := serve(t, handler, header)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, rr.Code)
		}
	}
}

func TestRequireRolesBypass(t *testing.T) {
	var identity *Identity
	handler := NewAuthenticator(nil, WithBypass(true)).RequireRoles(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rr := serve(t, handler, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if identity == nil || !identity.Bypassed || !identity.HasRole(RoleAdmin) {
		t.Fatalf("expected bypass admin identity, got %+v", identity)
	}
}
