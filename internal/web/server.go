package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/asheshgoplani/term-engine/internal/logging"
	"github.com/asheshgoplani/term-engine/internal/session"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr          string
	Token               string
	ReadOnly            bool
	PushVAPIDPublicKey  string
	PushVAPIDPrivateKey string
	PushVAPIDSubject    string
}

// SessionManager is the slice of the session manager the web surface needs.
// Tests substitute fakes.
type SessionManager interface {
	Spawn(id string, opts session.Options) error
	Kill(id string)
	GetTerminal(id string) (session.Snapshot, bool)
	GetTerminalSnapshot(id string) (session.TerminalSnapshot, bool)
	GetAllTerminalSnapshots() []session.Snapshot
	Write(id string, data []byte)
	Resize(id string, cols, rows uint16)
	SetBuffering(id string, enabled bool)
	FlushBuffer(id string)
	Subscribe(topic session.Topic, fn func(payload any)) func()
}

// Server exposes live sessions over HTTP and WebSocket.
type Server struct {
	cfg        Config
	mgr        SessionManager
	httpServer *http.Server
	push       *pushService
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates a server bound to mgr with base routes and middleware.
func NewServer(cfg Config, mgr SessionManager) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:7070"
	}

	s := &Server{cfg: cfg, mgr: mgr}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	if cfg.PushVAPIDPublicKey != "" && cfg.PushVAPIDPrivateKey != "" {
		s.push = newPushService(cfg, mgr)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/session/", s.handleSessionByID)
	mux.HandleFunc("/api/push/config", s.handlePushConfig)
	mux.HandleFunc("/api/push/subscribe", s.handlePushSubscribe)
	mux.HandleFunc("/api/push/unsubscribe", s.handlePushUnsubscribe)
	mux.HandleFunc("/ws/session/", s.handleSessionWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks until shutdown or error.
// Returns nil on graceful shutdown.
func (s *Server) Start() error {
	if s.push != nil {
		s.push.Start()
	}
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		// Signal long-lived WS handlers to stop promptly.
		s.cancelBase()
	}
	if s.push != nil {
		s.push.Stop()
	}

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	// Live WebSockets may block graceful shutdown. Force close as a
	// fallback so Ctrl+C exits promptly.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr == nil {
			return nil
		} else {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
	}

	return err
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{
		"ok":       true,
		"readOnly": s.cfg.ReadOnly,
		"time":     time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleSessions lists every live session on GET and spawns one on POST.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	switch r.Method {
	case http.MethodGet:
		snaps := s.mgr.GetAllTerminalSnapshots()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"sessions": snaps})

	case http.MethodPost:
		if s.cfg.ReadOnly {
			writeAPIError(w, http.StatusForbidden, "READ_ONLY", "server is read-only")
			return
		}
		var req struct {
			ID      string   `json:"id"`
			Kind    string   `json:"kind,omitempty"`
			AgentID string   `json:"agentId,omitempty"`
			Type    string   `json:"type,omitempty"`
			Command string   `json:"command,omitempty"`
			Args    []string `json:"args,omitempty"`
			Env     []string `json:"env,omitempty"`
			Dir     string   `json:"dir,omitempty"`
			Cols    uint16   `json:"cols,omitempty"`
			Rows    uint16   `json:"rows,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
			return
		}
		if req.ID == "" {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session id is required")
			return
		}
		err := s.mgr.Spawn(req.ID, session.Options{
			Kind:    req.Kind,
			AgentID: req.AgentID,
			Type:    req.Type,
			Command: req.Command,
			Args:    req.Args,
			Env:     req.Env,
			Dir:     req.Dir,
			Cols:    req.Cols,
			Rows:    req.Rows,
		})
		if err != nil {
			writeAPIError(w, http.StatusConflict, "SPAWN_FAILED", err.Error())
			return
		}
		snap, _ := s.mgr.GetTerminal(req.ID)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(snap)

	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

// handleSessionByID serves one session: GET returns the full snapshot with
// scrollback; POST subpaths control buffering and flushing.
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	const prefix = "/api/session/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session id is required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		snap, ok := s.mgr.GetTerminalSnapshot(id)
		if !ok {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)

	case action == "buffering" && r.Method == http.MethodPost:
		if s.cfg.ReadOnly {
			writeAPIError(w, http.StatusForbidden, "READ_ONLY", "server is read-only")
			return
		}
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
			return
		}
		if _, ok := s.mgr.GetTerminal(id); !ok {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
			return
		}
		s.mgr.SetBuffering(id, req.Enabled)
		w.WriteHeader(http.StatusNoContent)

	case action == "" && r.Method == http.MethodDelete:
		if s.cfg.ReadOnly {
			writeAPIError(w, http.StatusForbidden, "READ_ONLY", "server is read-only")
			return
		}
		if _, ok := s.mgr.GetTerminal(id); !ok {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
			return
		}
		s.mgr.Kill(id)
		w.WriteHeader(http.StatusNoContent)

	case action == "flush" && r.Method == http.MethodPost:
		if s.cfg.ReadOnly {
			writeAPIError(w, http.StatusForbidden, "READ_ONLY", "server is read-only")
			return
		}
		if _, ok := s.mgr.GetTerminal(id); !ok {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
			return
		}
		s.mgr.FlushBuffer(id)
		w.WriteHeader(http.StatusNoContent)

	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func (s *Server) authorizeRequest(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}

	queryToken := strings.TrimSpace(r.URL.Query().Get("token"))
	if queryToken != "" && secureEqual(queryToken, s.cfg.Token) {
		return true
	}

	headerToken := bearerToken(r.Header.Get("Authorization"))
	if headerToken != "" && secureEqual(headerToken, s.cfg.Token) {
		return true
	}

	return false
}

func bearerToken(authHeader string) string {
	authHeader = strings.TrimSpace(authHeader)
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
