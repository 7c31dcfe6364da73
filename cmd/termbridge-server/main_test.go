package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/opentermio/termbridge/internal/config"
)

func TestAuthorized_NoTokenAllowsAny(t *testing.T) {
	tw, err := config.WatchTokenFile("")
	if err != nil {
		t.Fatalf("WatchTokenFile: %v", err)
	}
	defer tw.Close()

	r := httptest.NewRequest(http.MethodGet, "/s/ns/id", nil)
	if !authorized(r, tw) {
		t.Fatal("expected requests to be authorized when no token is configured")
	}
}

func TestAuthorized_BearerHeaderMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("secret"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	tw, err := config.WatchTokenFile(path)
	if err != nil {
		t.Fatalf("WatchTokenFile: %v", err)
	}
	defer tw.Close()

	r := httptest.NewRequest(http.MethodGet, "/s/ns/id", nil)
	r.Header.Set("Authorization", "Bearer secret")
	if !authorized(r, tw) {
		t.Fatal("expected matching bearer header to authorize")
	}

	r2 := httptest.NewRequest(http.MethodGet, "/s/ns/id", nil)
	r2.Header.Set("Authorization", "Bearer wrong")
	if authorized(r2, tw) {
		t.Fatal("expected mismatched bearer header to be rejected")
	}
}

func TestMaxInt(t *testing.T) {
	if maxInt(1, 5) != 5 {
		t.Fatal("expected maxInt(1, 5) == 5")
	}
	if maxInt(5, 1) != 5 {
		t.Fatal("expected maxInt(5, 1) == 5")
	}
}

