// Package gateway exposes the pack resolution engine over HTTP.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/packgrant/packgrant/core/catalog"
	"github.com/packgrant/packgrant/core/infra/logging"
	infraMetrics "github.com/packgrant/packgrant/core/infra/metrics"
	"github.com/packgrant/packgrant/core/packs"
)

const (
	maxBodyBytes    = 64 << 10
	shutdownTimeout = 10 * time.Second
	// SelfHostPrefix is where self-hosted pack files are served.
	SelfHostPrefix = "/packs/"
)

// Options wires the gateway to the engine and its collaborators.
type Options struct {
	Resolver *packs.Resolver
	Catalog  *catalog.Catalog
	Hub      *Hub
	Metrics  infraMetrics.GatewayMetrics
	Auth     *APIKeyAuth
	// SelfHost serves pack files under SelfHostPrefix when set.
	SelfHost http.Handler
	// OnInvalidate runs for an asset after its cached hash was dropped.
	OnInvalidate func(packs.Asset)
}

// Server holds the HTTP handlers.
type Server struct {
	resolver     *packs.Resolver
	catalog      *catalog.Catalog
	hub          *Hub
	metrics      infraMetrics.GatewayMetrics
	auth         *APIKeyAuth
	selfHost     http.Handler
	onInvalidate func(packs.Asset)
	started      time.Time
}

func New(opts Options) (*Server, error) {
	if opts.Resolver == nil {
		return nil, errors.New("resolver required")
	}
	if opts.Catalog == nil {
		return nil, errors.New("catalog required")
	}
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	return &Server{
		resolver:     opts.Resolver,
		catalog:      opts.Catalog,
		hub:          opts.Hub,
		metrics:      opts.Metrics,
		auth:         opts.Auth,
		selfHost:     opts.SelfHost,
		onInvalidate: opts.OnInvalidate,
		started:      time.Now(),
	}, nil
}

// Handler builds the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/resolve", s.instrumented("/api/v1/resolve", s.handleResolve))
	mux.HandleFunc("POST /api/v1/outcome", s.instrumented("/api/v1/outcome", s.handleOutcome))
	mux.HandleFunc("POST /api/v1/flush", s.instrumented("/api/v1/flush", s.handleFlush))

	mux.HandleFunc("GET /api/v1/packs", s.instrumented("/api/v1/packs", s.handleListPacks))
	mux.HandleFunc("POST /api/v1/packs/{name}/invalidate", s.instrumented("/api/v1/packs/{name}/invalidate", s.handleInvalidatePack))
	mux.HandleFunc("POST /api/v1/catalog/reload", s.instrumented("/api/v1/catalog/reload", s.handleReloadCatalog))

	mux.HandleFunc("GET /api/v1/stream", s.instrumented("/api/v1/stream", s.handleStream))

	if s.selfHost != nil {
		mux.Handle(SelfHostPrefix, http.StripPrefix(SelfHostPrefix[:len(SelfHostPrefix)-1], s.selfHost))
	}
	return apiKeyMiddleware(s.auth, mux)
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Pack downloads from the self-host handler can be large.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return serve(ctx, srv, "http")
}

// ServeMetrics runs the Prometheus endpoint until ctx ends.
func ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", infraMetrics.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return serve(ctx, srv, "metrics")
}

func serve(ctx context.Context, srv *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info("gateway", name+" listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logging.Error("gateway", name+" server error", "error", err)
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown: %w", name, err)
		}
		return nil
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking support to the underlying writer when available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record metrics.
func (s *Server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
		}
	}
}
