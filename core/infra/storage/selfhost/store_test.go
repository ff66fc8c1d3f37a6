package selfhost

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/packgrant/packgrant/core/packs"
)

func newRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "packs"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "packs", "lobby.zip"), []byte("lobby bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return root
}

func TestResolveAndFetch(t *testing.T) {
	store, err := New(newRoot(t), "http://cdn.example.net:7270/packs/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	asset := packs.Asset{Name: "lobby", Key: "packs/lobby.zip"}
	uri, err := store.ResolveDownloadURI(context.Background(), asset)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if uri != "http://cdn.example.net:7270/packs/packs/lobby.zip" {
		t.Fatalf("unexpected uri %s", uri)
	}
	rc, err := store.Fetch(context.Background(), asset)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "lobby bytes" {
		t.Fatalf("unexpected data %q", data)
	}

	missing := packs.Asset{Name: "gone", Key: "packs/gone.zip"}
	if _, err := store.ResolveDownloadURI(context.Background(), missing); !errors.Is(err, packs.ErrStorageFault) {
		t.Fatalf("expected storage fault, got %v", err)
	}
	if _, err := store.Fetch(context.Background(), missing); !errors.Is(err, packs.ErrStorageFault) {
		t.Fatalf("expected storage fault, got %v", err)
	}
}

func TestRejectsKeysOutsideRoot(t *testing.T) {
	store, err := New(newRoot(t), "http://cdn.example.net")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, key := range []string{"", "/etc/passwd", "../secret.zip", "packs/../../secret.zip", `packs\lobby.zip`, "."} {
		if _, err := store.Fetch(context.Background(), packs.Asset{Name: "x", Key: key}); !errors.Is(err, packs.ErrMalformedDescriptor) {
			t.Fatalf("key %q: expected malformed descriptor, got %v", key, err)
		}
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New("", "http://x"); err == nil {
		t.Fatalf("expected root error")
	}
	if _, err := New(t.TempDir(), "ftp://x"); err == nil {
		t.Fatalf("expected base url error")
	}
}

func TestHandlerServesZip(t *testing.T) {
	store, _ := New(newRoot(t), "http://cdn.example.net")
	srv := httptest.NewServer(http.StripPrefix("/packs", NewHandler(store, false)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/packs/packs/lobby.zip")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(data) != "lobby bytes" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, data)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/zip" {
		t.Fatalf("unexpected content type %q", ct)
	}

	for _, p := range []string{"/packs/packs/missing.zip", "/packs/packs", "/packs/../go.mod"} {
		resp, err := http.Get(srv.URL + p)
		if err != nil {
			t.Fatalf("get %s: %v", p, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", p, resp.StatusCode)
		}
	}
}

func TestHandlerValidOnly(t *testing.T) {
	store, _ := New(newRoot(t), "http://cdn.example.net")
	h := NewHandler(store, true)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/packs/lobby.zip", nil))
	if rec.Code != http.StatusBadRequest || rec.Body.String() != "Please use a Minecraft client\n" {
		t.Fatalf("expected client rejection, got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "text/plain" {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}

	req := httptest.NewRequest(http.MethodGet, "/packs/lobby.zip", nil)
	req.Header.Set("User-Agent", "Minecraft Java/1.21.1")
	req.Header.Set("X-Minecraft-UUID", "6a1f0c34b0d94e4c9c2f1e7b8a9d0c11")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "lobby bytes" {
		t.Fatalf("expected pack, got %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/packs/lobby.zip", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
