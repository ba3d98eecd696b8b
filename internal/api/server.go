// Package api provides the HTTP server: login, the websocket endpoint,
// uploads, downloads and static resources.
package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"go.uber.org/zap"

	"github.com/fruitsalade/livedrive/internal/auth"
	"github.com/fruitsalade/livedrive/internal/engine"
	"github.com/fruitsalade/livedrive/internal/logging"
	"github.com/fruitsalade/livedrive/internal/metrics"
	"github.com/fruitsalade/livedrive/internal/protocol"
	"github.com/fruitsalade/livedrive/internal/quota"
	"github.com/fruitsalade/livedrive/internal/sharing"
)

// Config holds the HTTP layer settings.
type Config struct {
	ResDir        string
	IncomingDir   string
	MaxFileSize   int64 // 0 = unlimited
	NoLogin       bool
	SessionTTL    time.Duration
	KeepAlive     time.Duration
	PushTimeout   time.Duration
	PushRetry     time.Duration
	LoginCooldown time.Duration

	// WebDAV is mounted at /webdav/ when set.
	WebDAV http.Handler
}

// Server is the HTTP server.
type Server struct {
	cfg      Config
	engine   *engine.Engine
	sessions *auth.Store
	links    *sharing.LinkStore
	limiter  *quota.RateLimiter
	gate     *auth.Gate
	upgrader websocket.Upgrader
	markdown goldmark.Markdown
}

// NewServer creates a new server.
func NewServer(cfg Config, eng *engine.Engine, sessions *auth.Store, links *sharing.LinkStore) *Server {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 20 * time.Second
	}
	if cfg.PushRetry <= 0 {
		cfg.PushRetry = 50 * time.Millisecond
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = time.Second
	}
	return &Server{
		cfg:      cfg,
		engine:   eng,
		sessions: sessions,
		links:    links,
		limiter:  quota.NewRateLimiter(cfg.LoginCooldown, 1),
		gate:     &auth.Gate{Store: sessions, NoLogin: cfg.NoLogin, TTL: cfg.SessionTTL},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithParserOptions(parser.WithAutoHeadingID()),
		),
	}
}

// Limiter returns the login rate limiter so its buckets can be swept.
func (s *Server) Limiter() *quota.RateLimiter {
	return s.limiter
}

// Handler returns the HTTP handler with logging, metrics and recovery
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /login", quota.RateLimitMiddleware(s.limiter)(http.HandlerFunc(s.handleLogin)))
	mux.HandleFunc("POST /adduser", s.handleAddUser)
	mux.HandleFunc("POST /logout", s.handleLogout)
	mux.HandleFunc("GET /websocket", s.handleSocket)
	mux.HandleFunc("GET /$/{token}", s.handleShortlink)
	mux.HandleFunc("GET /{$}", s.handleIndex)
	if s.cfg.ResDir != "" {
		mux.Handle("GET /!/", http.StripPrefix("/!/", http.FileServer(http.Dir(s.cfg.ResDir))))
	}

	// WebDAV (has its own auth)
	if s.cfg.WebDAV != nil {
		mux.Handle("/webdav/", s.cfg.WebDAV)
		mux.Handle("/webdav", s.cfg.WebDAV)
	}

	// Protected endpoints
	protected := http.NewServeMux()
	protected.HandleFunc("POST /upload", s.handleUpload)
	protected.HandleFunc("GET /~/{path...}", s.handleDownload)
	protected.HandleFunc("GET /_/{path...}", s.handleInline)

	authed := s.gate.Middleware(protected)
	mux.Handle("POST /upload", authed)
	mux.Handle("GET /~/", authed)
	mux.Handle("GET /_/", authed)

	return metrics.Middleware(logging.Middleware(recovery(mux)))
}

func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logging.WithContext(r.Context()).Error("handler panicked",
					zap.Any("panic", err),
					zap.ByteString("stack", debug.Stack()),
				)
				http.Error(w, "Internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:      "ok",
		Connections: s.engine.Views().Len(),
		Watches:     len(s.engine.Watched()),
	})
}

// ─── Client shell ───────────────────────────────────────────────────────────

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.cfg.NoLogin {
		if _, err := s.sessions.SessionFromRequest(r); err != nil {
			sess, err := s.sessions.CreateSession(r.Context(), "", true)
			if err != nil {
				s.sendError(w, http.StatusInternalServerError, "session error")
				return
			}
			auth.SetCookie(w, r, sess.Token, s.cfg.SessionTTL)
		}
	}
	if s.cfg.ResDir == "" {
		s.sendError(w, http.StatusNotFound, "no client resources configured")
		return
	}
	index := filepath.Join(s.cfg.ResDir, "index.html")
	if _, err := os.Stat(index); err != nil {
		s.sendError(w, http.StatusNotFound, "client shell not found")
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, index)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
