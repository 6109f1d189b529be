package hmacauth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func signedRequest(secret, caller, body string, now time.Time) *http.Request {
	ts := strconv.FormatInt(now.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	req.Header.Set(HeaderCaller, caller)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(secret, ts, caller, []byte(body)))
	return req
}

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	body := `{"hello":"world"}`
	now := time.Unix(1_700_000_000, 0)

	v := &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}

	req := signedRequest("secret", "alice", body, now)
	rec := httptest.NewRecorder()

	var gotCaller, gotBody string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCaller, _ = CallerFromContext(r.Context())
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	})

	v.Middleware(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotCaller != "alice" {
		t.Fatalf("expected caller alice, got %q", gotCaller)
	}
	if gotBody != body {
		t.Fatalf("body not restored for handler: %q", gotBody)
	}
}

func TestMiddleware_RejectsInvalidSignature(t *testing.T) {
	body := `{"foo":"bar"}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	v := &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	req.Header.Set(HeaderCaller, "alice")
	req.Header.Set(HeaderSignature, "deadbeef")
	req.Header.Set(HeaderTimestamp, ts)
	rec := httptest.NewRecorder()

	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_SignatureBindsCaller(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{Secret: "secret", MaxSkew: time.Minute, Now: func() time.Time { return now }}

	req := signedRequest("secret", "alice", `{}`, now)
	req.Header.Set(HeaderCaller, "mallory")
	rec := httptest.NewRecorder()
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_PerCallerSecrets(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{
		CallerSecrets: map[string]string{"alice": "alice-secret"},
		MaxSkew:       time.Minute,
		Now:           func() time.Time { return now },
	}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	cases := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"own secret", signedRequest("alice-secret", "alice", `{}`, now), http.StatusNoContent},
		{"wrong secret", signedRequest("secret", "alice", `{}`, now), http.StatusUnauthorized},
		{"unknown caller", signedRequest("alice-secret", "bob", `{}`, now), http.StatusUnauthorized},
		{"stale", signedRequest("alice-secret", "alice", `{}`, now.Add(-2*time.Minute)), http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			v.Middleware(ok).ServeHTTP(rec, tc.req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestMiddleware_RequiresCallerEvenWhenDisabled(t *testing.T) {
	v := &Verifier{}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := CallerFromContext(r.Context())
		_, _ = io.WriteString(w, caller)
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	v.Middleware(ok).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req.Header.Set(HeaderCaller, "dev")
	rec = httptest.NewRecorder()
	v.Middleware(ok).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "dev" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestMiddleware_LimitsBody(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{Secret: "secret", MaxSkew: time.Minute, MaxBodyBytes: 4, Now: func() time.Time { return now }}

	rec := httptest.NewRecorder()
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, signedRequest("secret", "alice", `{"too":"long"}`, now))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}
