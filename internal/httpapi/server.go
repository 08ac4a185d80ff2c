// Package httpapi is the HTTP front end: JSON routes over the service, live
// events as SSE and websocket streams, and Prometheus metrics.
package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/chaz8081/coldsend/internal/config"
	"github.com/chaz8081/coldsend/internal/service"
	"github.com/chaz8081/coldsend/internal/telemetry"
)

// Server serves the API for one service.
type Server struct {
	svc      *service.Service
	cfg      config.ServerConfig
	upgrader websocket.Upgrader

	// keepAlive is the SSE comment and websocket ping interval.
	keepAlive time.Duration
}

// New creates the server and its upload directory.
func New(svc *service.Service, cfg config.ServerConfig) (*Server, error) {
	if cfg.UploadDir != "" {
		if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
			return nil, fmt.Errorf("httpapi: create upload dir: %w", err)
		}
	}
	return &Server{
		svc: svc,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API is LAN-local and already sends Access-Control-Allow-Origin: *.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		keepAlive: 25 * time.Second,
	}, nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Origin", "X-Requested-With", "Content-Type", "Accept", "Authorization", "Cache-Control"},
		MaxAge:         300,
	}))

	r.Method(http.MethodGet, "/metrics", telemetry.MetricsHandler())

	r.Route("/api", func(r chi.Router) {
		s.handle(r, http.MethodGet, "/health", "health", s.handleHealth)
		s.handle(r, http.MethodGet, "/status", "status", s.handleStatus)

		s.handle(r, http.MethodPost, "/scan-devices", "scan_devices", s.handleScan)
		s.handle(r, http.MethodGet, "/discovered-devices", "discovered_devices", s.handleDiscovered)
		s.handle(r, http.MethodPost, "/connect-device", "connect_device", s.handleConnect)
		s.handle(r, http.MethodPost, "/disconnect-device", "disconnect_device", s.handleDisconnect)
		s.handle(r, http.MethodPost, "/set-protocol", "set_protocol", s.handleSetProtocol)
		s.handle(r, http.MethodPost, "/set-connection-mode", "set_connection_mode", s.handleSetMode)

		s.handle(r, http.MethodPost, "/send-text", "send_text", s.handleSendText)
		s.handle(r, http.MethodPost, "/send-file", "send_file", s.handleSendFile)
		s.handle(r, http.MethodPost, "/broadcast-text", "broadcast_text", s.handleBroadcastText)
		s.handle(r, http.MethodGet, "/jobs/{id}", "job", s.handleJob)

		s.handle(r, http.MethodGet, "/events", "events", s.handleEvents)
		s.handle(r, http.MethodGet, "/ws", "ws", s.handleWS)

		r.NotFound(apiNotFound)
		r.MethodNotAllowed(apiNotFound)
	})

	return r
}

func (s *Server) handle(r chi.Router, method, pattern, route string, h http.HandlerFunc) {
	r.Method(method, pattern, telemetry.Instrument(route, h))
}

func apiNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error":  "Not found",
		"path":   r.URL.RequestURI(),
		"method": r.Method,
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		// Streams live for minutes; their duration is noise.
		if strings.HasSuffix(r.URL.Path, "/events") || strings.HasSuffix(r.URL.Path, "/ws") {
			return
		}
		slog.Debug("[HTTP] request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"took", time.Since(start), "request_id", chimw.GetReqID(r.Context()))
	})
}
