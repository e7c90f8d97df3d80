package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	pkgAuth "github.com/angelmondragon/rampledger/pkg/auth"
	"github.com/angelmondragon/rampledger/pkg/config"
	"github.com/angelmondragon/rampledger/pkg/enums"
	"github.com/angelmondragon/rampledger/pkg/logger"
)

func testJWT() config.JWTConfig {
	return config.JWTConfig{Secret: "secret", Issuer: "rampledger", ExpirationMinutes: 30}
}

func echoIdentity() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(OperatorFromContext(r.Context()) + "|" + RoleFromContext(r.Context())))
	})
}

func TestAuthSeedsOperator(t *testing.T) {
	cfg := testJWT()
	token, err := pkgAuth.MintAccessToken(cfg, time.Now(), pkgAuth.AccessTokenPayload{Operator: "ops@ramp.test", Role: enums.OperatorRoleAdmin})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	Auth(cfg, nil)(echoIdentity()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "ops@ramp.test|admin" {
		t.Fatalf("unexpected identity %q", rec.Body.String())
	}
}

func TestAuthRejectsMissingAndForeignTokens(t *testing.T) {
	cfg := testJWT()
	foreign := cfg
	foreign.Secret = "other"
	token, err := pkgAuth.MintAccessToken(foreign, time.Now(), pkgAuth.AccessTokenPayload{Operator: "ops", Role: enums.OperatorRoleAdmin})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	for _, header := range []string{"", "Bearer " + token, "Bearer garbage"} {
		req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		Auth(cfg, nil)(echoIdentity()).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%q: expected 401, got %d", header, rec.Code)
		}
	}
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole(nil, enums.OperatorRoleAdmin)(echoIdentity())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithOperator(req.Context(), "m", string(enums.OperatorRoleMerchant)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithOperator(req.Context(), "a", string(enums.OperatorRoleAdmin)))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestIPAllowList(t *testing.T) {
	prefixes, err := ParseAllowList([]string{"203.0.113.0/24", " 198.51.100.7 ", ""})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(prefixes) != 2 {
		t.Fatalf("expected 2 prefixes, got %d", len(prefixes))
	}
	handler := IPAllowList(prefixes, nil)(echoIdentity())

	cases := map[string]int{
		"203.0.113.44:443":         http.StatusOK,
		"198.51.100.7:80":          http.StatusOK,
		"198.51.100.8:80":          http.StatusForbidden,
		"[::ffff:203.0.113.5]:443": http.StatusOK,
		"garbage":                  http.StatusForbidden,
	}
	for remote, want := range cases {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("%s: expected %d, got %d", remote, want, rec.Code)
		}
	}

	if _, err := ParseAllowList([]string{"10.0.0.0/99"}); err == nil {
		t.Fatal("expected invalid prefix error")
	}
}

func TestIPAllowListEmptyAllowsAll(t *testing.T) {
	handler := IPAllowList(nil, nil)(echoIdentity())
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "8.8.8.8:1"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRequestIDAndLogging(t *testing.T) {
	buf := &bytes.Buffer{}
	logg := logger.New(logger.Options{ServiceName: "test", Output: buf})
	handler := RequestID(logg)(Logging(logg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	req := httptest.NewRequest(http.MethodGet, "/api/tx/TX1", nil)
	req.Header.Set(requestIDHeader, "req-abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get(requestIDHeader) != "req-abc" {
		t.Fatalf("expected request id echoed, got %q", rec.Header().Get(requestIDHeader))
	}
	line := buf.String()
	for _, want := range []string{`"request_id":"req-abc"`, `"status":418`, `"path":"/api/tx/TX1"`, "request.complete"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %s in log line %s", want, line)
		}
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected a minted request id")
	}
}

func TestRecovererReturns500(t *testing.T) {
	handler := Recoverer(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
