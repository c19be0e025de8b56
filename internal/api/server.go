package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog/log"

	"safe-code-runner/internal/config"
	"safe-code-runner/internal/monitor"
)

// Server is the HTTP front of the execution service.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	exec       Executor
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, exec Executor, metrics *monitor.Metrics, detector *monitor.Detector) *Server {
	s := &Server{
		handlers:  NewHandlers(exec, metrics, detector),
		exec:      exec,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if !cfg.Security.AuthEnabled() {
		log.Warn().Msg("no API keys or JWT secret configured, execution endpoints accept every request")
	}

	compress := func(h http.HandlerFunc) http.Handler { return h }
	if cfg.Server.Compression {
		compress = func(h http.HandlerFunc) http.Handler { return gzhttp.GzipHandler(h) }
	}

	apiMux := http.NewServeMux()
	apiMux.Handle("POST /run-code", compress(s.handlers.HandleRun))
	apiMux.Handle("POST /api/run-code", compress(s.handlers.HandleRun))
	apiMux.HandleFunc("POST /run-code/stream", s.handlers.HandleRunStream)
	apiMux.Handle("GET /languages", compress(s.handlers.HandleLanguages))

	authedAPI := AuthMiddleware(cfg.Security)(apiMux)

	// Health and metrics bypass auth.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled && metrics != nil {
		mux.Handle("GET "+cfg.Metrics.Path, metrics.Handler())
	}
	mux.Handle("/", authedAPI)

	// Outermost last.
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.exec.Stats()
	status, code := "ok", http.StatusOK
	if h, ok := s.exec.(interface{ Healthy(context.Context) bool }); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if !h.Healthy(ctx) {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, HealthResponse{
		Status:  status,
		Backend: stats.Backend,
		Stats:   stats,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}
