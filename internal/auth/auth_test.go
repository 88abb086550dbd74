package auth

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func signed(t *testing.T, secret, subject, scope string, ttl time.Duration) string {
	t.Helper()
	claims := Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "fam",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestStaticTokenGrantsAllPermissions(t *testing.T) {
	svc := NewService(Config{Tokens: []string{" secret "}})
	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer secret")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !subject.HasPermission(PermissionControl) || subject.Method != "token" {
		t.Fatalf("unexpected subject: %+v", subject)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer other"); err != ErrInvalidToken {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), "Basic abc"); err != ErrMissingToken {
		t.Fatalf("expected missing token, got %v", err)
	}
}

func TestJWTScopesBecomePermissions(t *testing.T) {
	svc := NewService(Config{JWTSecret: "k", Issuer: "fam"})
	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer "+signed(t, "k", "console", PermissionRead, time.Minute))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Name != "console" || !subject.HasPermission(PermissionRead) || subject.HasPermission(PermissionControl) {
		t.Fatalf("unexpected subject: %+v", subject)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer "+signed(t, "wrong", "x", "", time.Minute)); err != ErrInvalidToken {
		t.Fatalf("expected signature failure, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer "+signed(t, "k", "x", "", -time.Minute)); err != ErrInvalidToken {
		t.Fatalf("expected expiry failure, got %v", err)
	}
}

func TestMiddlewareEnforcesPermissionsAndAudits(t *testing.T) {
	var buf bytes.Buffer
	svc := NewService(Config{JWTSecret: "k"}).WithAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:  {PermissionRead},
			http.MethodPost: {PermissionControl},
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if SubjectFromContext(r.Context()) == nil {
			t.Errorf("subject missing from context")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	readOnly := "Bearer " + signed(t, "k", "viewer", PermissionRead, time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/suppliers", nil)
	req.Header.Set("Authorization", readOnly)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/suppliers/x/start", nil)
	req.Header.Set("Authorization", readOnly)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/suppliers", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	logs := buf.String()
	for _, want := range []string{"api_request", "permission_denied", "access_denied"} {
		if !strings.Contains(logs, want) {
			t.Fatalf("audit log missing %s: %s", want, logs)
		}
	}
}

func TestDisabledModePassesThrough(t *testing.T) {
	svc := NewService(Config{})
	if svc.Mode() != ModeDisabled {
		t.Fatalf("expected disabled mode")
	}
	called := false
	svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Fatalf("handler should be called when auth is disabled")
	}
}

func TestActorFallsBackToAnonymous(t *testing.T) {
	if got := Actor(context.Background()); got != "anonymous" {
		t.Fatalf("unexpected actor %q", got)
	}
	ctx := WithSubject(context.Background(), &Subject{Name: "console"})
	if got := Actor(ctx); got != "console" {
		t.Fatalf("unexpected actor %q", got)
	}
}
