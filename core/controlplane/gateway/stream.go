package gateway

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/packgrant/packgrant/core/infra/logging"
	"github.com/packgrant/packgrant/core/packs"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
	envOrigins   = "PACKGRANT_ALLOWED_ORIGINS"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:  isAllowedOrigin,
	Subprotocols: []string{wsAPIKeyProtocol},
}

// Hub fans engine events out to websocket clients. Slow clients drop events
// instead of blocking the engine.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan packs.Event]struct{}
	dropped atomic.Int64
}

var _ packs.EventSink = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{clients: map[chan packs.Event]struct{}{}}
}

func (h *Hub) Publish(evt packs.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) subscribe() chan packs.Event {
	ch := make(chan packs.Event, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan packs.Event) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// Dropped counts events skipped because a client buffer was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Clients returns the number of connected listeners.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("gateway", "ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer ws.Close()
	logging.Info("gateway", "ws connected", "remote", r.RemoteAddr)

	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)

	// Reader loop only exists to notice the client closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt := <-ch:
			data, err := json.Marshal(evt)
			if err != nil {
				logging.Error("gateway", "event marshal failed", "error", err)
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func isAllowedOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients often omit Origin.
		return true
	}
	raw := strings.TrimSpace(os.Getenv(envOrigins))
	if raw == "*" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	if raw == "" {
		host := strings.ToLower(u.Hostname())
		switch host {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		return host == strings.ToLower(requestHostname(r.Host))
	}
	for _, allowed := range strings.Split(raw, ",") {
		if strings.TrimSpace(allowed) == origin {
			return true
		}
	}
	return false
}

func requestHostname(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if host, _, err := net.SplitHostPort(hostport); err == nil && host != "" {
		return host
	}
	return hostport
}
