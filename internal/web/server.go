// Package web serves the gateway REST API and the live event stream.
package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"agent-gateway/internal/agent"
	"agent-gateway/internal/eventbus"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithRateLimit limits API requests per client IP. A zero rate disables
// limiting.
func WithRateLimit(perMinute, burst int) ServerOption {
	return func(s *Server) {
		if perMinute > 0 {
			s.limiter = newClientLimiter(perMinute, burst)
		}
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the gateway API.
type Server struct {
	agents         *agent.Coordinator
	stream         *stream
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	limiter        *clientLimiter
	version        string
	wg             sync.WaitGroup
	done           chan struct{}
	unsubEvents    func()
}

// NewServer creates a new web server.
func NewServer(agents *agent.Coordinator, bus *eventbus.Bus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		agents: agents,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
		done:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.stream = newStream(s.logger)
	if s.limiter != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.limiter.sweep(s.done)
		}()
	}

	s.unsubEvents = bus.OnAll(s.stream.publish)

	s.routes()
	return s
}

// Stop disconnects stream clients and waits for background goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.stream.close()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/agents", s.handleAPIListAgents)
	s.mux.HandleFunc("POST /api/agents", s.handleAPICreateAgent)
	s.mux.HandleFunc("GET /api/agents/{id}", s.handleAPIGetAgent)
	s.mux.HandleFunc("PUT /api/agents/{id}", s.handleAPIUpdateAgent)
	s.mux.HandleFunc("DELETE /api/agents/{id}", s.handleAPIDeleteAgent)

	s.mux.HandleFunc("GET /api/assets", s.handleAPIListAssets)
	s.mux.HandleFunc("POST /api/assets", s.handleAPICreateAsset)
	s.mux.HandleFunc("GET /api/assets/{id}", s.handleAPIGetAsset)
	s.mux.HandleFunc("PUT /api/assets/{id}", s.handleAPIUpdateAsset)
	s.mux.HandleFunc("DELETE /api/assets/{id}", s.handleAPIDeleteAsset)
	s.mux.HandleFunc("PUT /api/assets/{id}/attributes/{name}", s.handleAPIWriteAttribute)

	s.mux.HandleFunc("GET /api/protocols", s.handleAPIProtocols)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP applies the origin check to every request, then the API key
// and rate limit to /api/ requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(w, r) {
		return
	}
	// Browsers cannot set headers on the websocket upgrade, so /ws relies
	// on the origin check alone.
	if strings.HasPrefix(r.URL.Path, "/api/") && !s.gateAPI(w, r) {
		return
	}
	s.mux.ServeHTTP(w, r)
}

// checkOrigin answers CORS preflights and rejects mutating cross-origin
// requests from unknown origins. It reports whether to continue.
func (s *Server) checkOrigin(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if len(s.allowedOrigins) == 0 || origin == "" {
		return true
	}
	allowed := s.isOriginAllowed(origin)
	switch {
	case r.Method == http.MethodOptions && allowed:
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		h.Set("Access-Control-Max-Age", "3600")
		w.WriteHeader(http.StatusNoContent)
		return false
	case r.Method == http.MethodGet:
		return true
	case !allowed:
		http.Error(w, "Forbidden", http.StatusForbidden)
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	return true
}

func (s *Server) gateAPI(w http.ResponseWriter, r *http.Request) bool {
	if s.apiKey != "" {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return false
		}
	}
	if s.limiter != nil && !s.limiter.allow(clientIP(r)) {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
