// Package gateway exposes the package installer over HTTP and streams
// operation events to websocket clients.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cordum/mpk/core/infra/logging"
	infraMetrics "github.com/cordum/mpk/core/infra/metrics"
	"github.com/cordum/mpk/core/mpk/installer"
)

const (
	defaultRateLimitRPS   = 50
	defaultRateLimitBurst = 100
	defaultMaxUpload      = int64(512 << 20)
	multipartMemory       = int64(32 << 20)

	wsAPIKeyProtocol = "mpk-api-key"

	envAllowedOrigins = "MPK_ALLOWED_ORIGINS"
	envRateLimitRPS   = "MPK_API_RATE_LIMIT_RPS"
	envRateLimitBurst = "MPK_API_RATE_LIMIT_BURST"

	shutdownTimeout = 10 * time.Second
)

// Server routes HTTP requests to an installer.Service.
type Server struct {
	svc       *installer.Service
	auth      AuthProvider
	metrics   infraMetrics.GatewayMetrics
	hub       *Hub
	limiter   *tokenBucket
	maxUpload int64
	uploadDir string
	started   time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithAuth requires requests under /api/ to pass provider.
func WithAuth(provider AuthProvider) Option {
	return func(s *Server) { s.auth = provider }
}

// WithMetrics records request metrics.
func WithMetrics(m infraMetrics.GatewayMetrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithHub replaces the event hub. The installer must publish to the same hub
// for stream clients to see its events.
func WithHub(h *Hub) Option {
	return func(s *Server) {
		if h != nil {
			s.hub = h
		}
	}
}

// WithMaxUploadBytes caps the size of uploaded archives.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithUploadDir sets where uploaded archives are spooled.
func WithUploadDir(dir string) Option {
	return func(s *Server) { s.uploadDir = dir }
}

// WithRateLimit overrides the env configured API rate limit. rps <= 0
// disables limiting.
func WithRateLimit(rps, burst int) Option {
	return func(s *Server) { s.limiter = newTokenBucket(rps, burst) }
}

// New builds a Server over svc.
func New(svc *installer.Service, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, errors.New("installer service required")
	}
	s := &Server{
		svc:       svc,
		metrics:   infraMetrics.Noop{},
		maxUpload: defaultMaxUpload,
		started:   time.Now().UTC(),
		limiter:   newTokenBucketFromEnv(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = NewHub(s.metrics)
	}
	return s, nil
}

// Hub returns the event hub serving /api/v1/stream.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the routed and wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"uptime_seconds": int64(time.Since(s.started).Seconds()),
		})
	})

	mux.HandleFunc("GET /api/v1/packages", s.instrumented("/api/v1/packages", s.handleListPackages))
	mux.HandleFunc("GET /api/v1/packages/{id}", s.instrumented("/api/v1/packages/{id}", s.handleGetPackage))
	mux.HandleFunc("DELETE /api/v1/packages/{id}", s.instrumented("/api/v1/packages/{id}", s.handleUninstall))
	mux.HandleFunc("POST /api/v1/packages/{id}/verify", s.instrumented("/api/v1/packages/{id}/verify", s.handleVerify))
	mux.HandleFunc("POST /api/v1/packages/install", s.instrumented("/api/v1/packages/install", s.handleInstall))
	mux.HandleFunc("POST /api/v1/packages/parse", s.instrumented("/api/v1/packages/parse", s.handleParse))

	mux.HandleFunc("GET /api/v1/operations", s.instrumented("/api/v1/operations", s.handleListOperations))
	mux.HandleFunc("GET /api/v1/operations/{id}", s.instrumented("/api/v1/operations/{id}", s.handleGetOperation))

	mux.HandleFunc("/api/v1/stream", s.instrumented("/api/v1/stream", s.handleStream))

	return corsMiddleware(s.rateLimitMiddleware(apiKeyMiddleware(s.auth, mux)))
}

// ListenAndServe serves Handler on addr until ctx ends, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	logging.Info("gateway", "http listening", "addr", addr)
	return serve(ctx, srv)
}

// ServeMetrics exposes the Prometheus registry on addr until ctx ends.
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
	logging.Info("gateway", "metrics listening", "addr", addr+"/metrics")
	return serve(ctx, srv)
}

func serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Error("gateway", "shutdown failed", "addr", srv.Addr, "error", err)
			return err
		}
		return nil
	}
}

type tokenBucket struct {
	tokens chan struct{}
}

func newTokenBucket(rps, burst int) *tokenBucket {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	tb := &tokenBucket{tokens: make(chan struct{}, burst)}
	for i := 0; i < burst; i++ {
		tb.tokens <- struct{}{}
	}
	interval := time.Second / time.Duration(rps)
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			select {
			case tb.tokens <- struct{}{}:
			default:
			}
		}
	}()
	return tb
}

func newTokenBucketFromEnv() *tokenBucket {
	rps := defaultRateLimitRPS
	burst := defaultRateLimitBurst
	if val := os.Getenv(envRateLimitRPS); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			rps = parsed
		}
	}
	if val := os.Getenv(envRateLimitBurst); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			burst = parsed
		}
	}
	return newTokenBucket(rps, burst)
}

func (tb *tokenBucket) Allow() bool {
	if tb == nil {
		return true
	}
	select {
	case <-tb.tokens:
		return true
	default:
		return false
	}
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !isAllowedOrigin(r) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAllowedOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients usually omit Origin.
		return true
	}
	allowed, allowAll := allowedOriginsFromEnv()
	if allowAll {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	if len(allowed) == 0 {
		host := strings.ToLower(u.Hostname())
		switch host {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		reqHost := strings.ToLower(requestHostname(r.Host))
		return reqHost != "" && host == reqHost
	}
	_, ok := allowed[origin]
	return ok
}

func allowedOriginsFromEnv() (map[string]struct{}, bool) {
	raw := strings.TrimSpace(os.Getenv(envAllowedOrigins))
	if raw == "" {
		return nil, false
	}
	if raw == "*" {
		return nil, true
	}
	set := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			set[p] = struct{}{}
		}
	}
	return set, false
}

func requestHostname(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil && host != "" {
		return host
	}
	return hostport
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

// Flush preserves streaming support if the wrapped writer implements it.
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
		s.metrics.ObserveRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
	}
}
