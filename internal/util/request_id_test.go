package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithRequestIDKeepsCallerProvidedID(t *testing.T) {
	const upstream = "edge-7f2a91"
	var seen string
	handler := WithRequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromRequest(r)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/magic-link", nil)
	req.Header.Set("X-Request-Id", upstream)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != upstream {
		t.Fatalf("handler saw request id %q, want %q", seen, upstream)
	}
	if got := rec.Header().Get("X-Request-Id"); got != upstream {
		t.Fatalf("response echoed %q, want %q", got, upstream)
	}
}

func TestWithRequestIDMintsOneWhenAbsent(t *testing.T) {
	var seen string
	handler := WithRequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromRequest(r)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if seen == "" {
		t.Fatal("no request id reached the handler")
	}
	if got := rec.Header().Get("X-Request-Id"); got != seen {
		t.Fatalf("response header %q does not match context id %q", got, seen)
	}
}

func TestRequestIDAccessorsToleranceForBareValues(t *testing.T) {
	if got := RequestIDFromRequest(nil); got != "" {
		t.Fatalf("nil request: got %q", got)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	if got := RequestIDFromRequest(req); got != "" {
		t.Fatalf("request outside middleware: got %q", got)
	}
}
