package rpc

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func corsHandler(allowed ...string) http.Handler {
	cfg := DefaultCORSConfig()
	cfg.AllowedOrigins = allowed
	return CORSMiddleware(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestCORSAllowedOrigin(t *testing.T) {
	h := corsHandler("https://dapp.example")
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Origin", "https://dapp.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://dapp.example" {
		t.Fatalf("allow-origin header: %q", got)
	}
}

func TestCORSDisallowedOrigin(t *testing.T) {
	h := corsHandler("https://dapp.example")
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("disallowed origin got CORS headers: %q", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := corsHandler("https://dapp.example")
	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://dapp.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Fatalf("preflight missing allow-methods")
	}
	if rec.Header().Get("Access-Control-Allow-Headers") == "" {
		t.Fatalf("preflight missing allow-headers")
	}
}

func TestCORSMultipleOriginsRejected(t *testing.T) {
	h := corsHandler("*")
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Add("Origin", "https://a.example")
	req.Header.Add("Origin", "https://b.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("multiple origins: status %d, want 400", rec.Code)
	}
}

func TestCORSNoOriginPassesThrough(t *testing.T) {
	h := corsHandler() // empty allow-list
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("same-origin request blocked: %d", rec.Code)
	}
}
