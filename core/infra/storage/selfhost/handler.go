package selfhost

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/packgrant/packgrant/core/infra/logging"
)

const (
	clientAgentPrefix = "Minecraft Java/"
	clientUUIDHeader  = "X-Minecraft-UUID"
	invalidClientBody = "Please use a Minecraft client\n"
)

// Handler serves files under the store root. Mount it behind
// http.StripPrefix so the request path is the file key.
type Handler struct {
	store     *Store
	validOnly bool
}

func NewHandler(store *Store, validOnly bool) *Handler {
	return &Handler{store: store, validOnly: validOnly}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.validOnly && !fromGameClient(r) {
		logging.Info("selfhost", "rejecting invalid request", "path", r.URL.Path, "remote", r.RemoteAddr)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(invalidClientBody))
		return
	}
	key, err := cleanKey(strings.TrimPrefix(r.URL.Path, "/"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	// #nosec G304 -- key is cleaned and confined to the root.
	f, err := os.Open(filepath.Join(h.store.root, filepath.FromSlash(key)))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logging.Error("selfhost", "open failed", "key", key, "error", err)
		}
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	logging.Info("selfhost", "serving pack", "key", key, "remote", r.RemoteAddr)
	w.Header().Set("Content-Type", "application/zip")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func fromGameClient(r *http.Request) bool {
	return strings.HasPrefix(r.UserAgent(), clientAgentPrefix) && r.Header.Get(clientUUIDHeader) != ""
}
