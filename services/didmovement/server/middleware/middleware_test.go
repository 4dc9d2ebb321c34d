package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || res.Header().Get(HeaderRequestID) != seen {
		t.Fatalf("expected generated id to be echoed, got %q / %q", seen, res.Header().Get(HeaderRequestID))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "caller-7")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if seen != "caller-7" || res.Header().Get(HeaderRequestID) != "caller-7" {
		t.Fatalf("expected caller id to propagate, got %q", seen)
	}
}

func TestCORS(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://app.example"}})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/did_init", nil)
	req.Header.Set("Origin", "https://app.example")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusNoContent {
		t.Fatalf("preflight: got %d", res.Code)
	}
	if res.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Fatalf("listed origin not echoed: %q", res.Header().Get("Access-Control-Allow-Origin"))
	}

	req = httptest.NewRequest(http.MethodGet, "/records", nil)
	req.Header.Set("Origin", "https://evil.example")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK || res.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unlisted origin must not be allowed: %d %q", res.Code, res.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestObservabilityRecordsStatus(t *testing.T) {
	obs := NewObservability(ObservabilityConfig{Enabled: true, LogRequests: true}, nil)
	handler := obs.Middleware("did_init")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusConflict, "DidAlreadyExists", "exists")
	}))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/did_init", nil))
	if res.Code != http.StatusConflict {
		t.Fatalf("unexpected status %d", res.Code)
	}
}
