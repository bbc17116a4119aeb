// Package gateway implements the HTTP + WebSocket gateway (C10): the
// single process entrypoint that wires every other component behind
// bearer-auth middleware.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vibe80/vibe80/internal/agent"
	"github.com/vibe80/vibe80/internal/attachments"
	"github.com/vibe80/vibe80/internal/auth"
	"github.com/vibe80/vibe80/internal/metrics"
	"github.com/vibe80/vibe80/internal/router"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/internal/worktree"
	"github.com/vibe80/vibe80/internal/workspace"
)

// AgentCommand describes how to spawn one provider's agent binary.
type AgentCommand struct {
	Cmd string
	Args []string
	// EnvKey is the environment variable the decoded provider credential
	// is written under when a supervisor is spawned for this provider.
	EnvKey string
}

// Config holds every gateway-level tunable, mirroring the subset of
// config.Config a running gateway needs at boot.
type Config struct {
	Host string
	Port int

	AllowedOrigins    []string
	HTTPReadTimeout   time.Duration
	HTTPIdleTimeout   time.Duration
	WSReadBufferSize  int
	WSWriteBufferSize int

	HandoffTokenTTL  time.Duration
	MonoAuthTokenTTL time.Duration

	WorkspaceRootDirectory string
	PromptTimeout          time.Duration
	TurnCancelGracePeriod  time.Duration

	AttachmentsMaxUploadBytes int64

	// AgentCommands maps a provider key ("codex", "claude", …) to how its
	// subprocess is spawned; only providers enabled at boot are present.
	AgentCommands map[string]AgentCommand

	ownershipTTL time.Duration // defaulted in New; exposed for tests
}

// Deps collects every already-built component the gateway composes.
type Deps struct {
	Store      *storage.Store
	Keys       *auth.KeyManager
	Refresh    *auth.RefreshService
	Tokens     *auth.TokenStore
	Workspaces *workspace.Service
	Sessions   *session.Service
	Worktrees  *worktree.Service
	Agents     *agent.Registry
	Metrics    *metrics.Collector
	Explorer   *attachments.Explorer
}

// Server is the composition root of C10: one HTTP server multiplexing
// every REST endpoint plus the session-scoped WebSocket route.
type Server struct {
	cfg  Config
	deps Deps

	httpServer *http.Server
	upgrader   websocket.Upgrader

	ownership *ownershipCache

	routersMu sync.Mutex
	routers   map[string]*router.SessionRouter

	done chan struct{}
}

func New(cfg Config, deps Deps) *Server {
	if cfg.ownershipTTL <= 0 {
		cfg.ownershipTTL = 30 * time.Second
	}
	if cfg.WSReadBufferSize <= 0 {
		cfg.WSReadBufferSize = 1024
	}
	if cfg.WSWriteBufferSize <= 0 {
		cfg.WSWriteBufferSize = 1024
	}

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		ownership: newOwnershipCache(cfg.ownershipTTL),
		routers:   make(map[string]*router.SessionRouter),
		done:      make(chan struct{}),
	}
	if deps.Metrics != nil && deps.Agents != nil {
		deps.Agents.SetMetrics(deps.Metrics)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.WSReadBufferSize,
		WriteBufferSize: cfg.WSWriteBufferSize,
		CheckOrigin:     func(r *http.Request) bool { return isOriginAllowed(r.Header.Get("Origin"), cfg.AllowedOrigins) },
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	addr := cfg.Host
	if cfg.Port != 0 {
		addr = strings.TrimSuffix(addr, ":") + ":" + strconv.Itoa(cfg.Port)
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.corsMiddleware(mux),
		ReadTimeout:  cfg.HTTPReadTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
		// WriteTimeout is deliberately zero: a nonzero value sets a
		// deadline on the underlying net.Conn before the handler even
		// runs, which would kill every long-lived WebSocket connection.
		WriteTimeout: 0,
	}

	return s
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("POST /api/workspaces", s.handleCreateWorkspace)
	mux.HandleFunc("POST /api/workspaces/login", s.handleWorkspaceLogin)
	mux.HandleFunc("POST /api/workspaces/refresh", s.handleWorkspaceRefresh)
	mux.HandleFunc("GET /api/workspaces/{id}", s.requireAuth(s.requireWorkspacePathOwnership(s.handleGetWorkspace)))
	mux.HandleFunc("PATCH /api/workspaces/{id}", s.requireAuth(s.requireWorkspacePathOwnership(s.handlePatchWorkspace)))

	mux.HandleFunc("POST /api/session", s.requireAuth(s.handleCreateSession))
	mux.HandleFunc("GET /api/session/{id}", s.requireAuth(s.requireSessionOwnership(s.handleGetSession)))
	mux.HandleFunc("GET /api/sessions", s.requireAuth(s.handleListSessions))

	mux.HandleFunc("POST /api/worktree", s.requireAuth(s.handleCreateWorktree))
	mux.HandleFunc("DELETE /api/worktree/{id}", s.requireAuth(s.handleCloseWorktree))
	mux.HandleFunc("GET /api/worktree/{id}/diff", s.requireAuth(s.handleWorktreeDiff))
	mux.HandleFunc("GET /api/worktree/{id}/file", s.requireAuth(s.handleWorktreeFile))

	mux.HandleFunc("GET /api/branches", s.requireAuth(s.handleListBranches))
	mux.HandleFunc("POST /api/branches", s.requireAuth(s.handleCreateBranch))
	mux.HandleFunc("POST /api/branches/fetch", s.requireAuth(s.handleFetchBranches))
	mux.HandleFunc("POST /api/branches/switch", s.requireAuth(s.handleSwitchBranch))

	mux.HandleFunc("GET /api/models", s.requireAuth(s.handleListModels))

	mux.HandleFunc("POST /api/attachments/upload", s.requireAuth(s.handleUploadAttachment))
	mux.HandleFunc("GET /api/attachments/file", s.requireAuth(s.handleAttachmentFile))
	mux.HandleFunc("GET /api/attachments", s.requireAuth(s.handleListAttachments))

	mux.HandleFunc("POST /api/handoff/create", s.requireAuth(s.handleCreateHandoff))
	mux.HandleFunc("POST /api/handoff/consume", s.handleConsumeHandoff)

	mux.HandleFunc("GET /api/metrics", s.requireAuth(s.handleMetrics))

	mux.HandleFunc("GET /ws/session/{id}", s.handleSessionWS)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// corsMiddleware applies exact and wildcard-subdomain origin matching to
// the HTTP surface; the WebSocket upgrader applies the same logic
// independently via CheckOrigin since it never calls this handler.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && isOriginAllowed(origin, s.cfg.AllowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isOriginAllowed matches origin against allowed, including exact
// matches, a bare "*" wildcard, and "https://*.example.com"-style
// wildcard-subdomain patterns.
func isOriginAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}
	for _, pattern := range allowed {
		if pattern == "*" || pattern == origin {
			return true
		}
		if matchWildcardOrigin(origin, pattern) {
			return true
		}
	}
	return false
}

// matchWildcardOrigin matches a pattern like "https://*.example.com"
// against origin: the prefix and suffix must match exactly, and the
// segment the wildcard covers must not itself contain a "/" (which would
// let "https://evil.com/https://x.example.com" slip through).
func matchWildcardOrigin(origin, pattern string) bool {
	idx := strings.Index(pattern, "*.")
	if idx == -1 {
		return false
	}
	prefix := pattern[:idx]
	suffix := pattern[idx+1:]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return middle != "" && !strings.Contains(middle, "/")
}

func (s *Server) routerFor(sessionID string) *router.SessionRouter {
	s.routersMu.Lock()
	defer s.routersMu.Unlock()
	r, ok := s.routers[sessionID]
	if !ok {
		r = router.NewSessionRouter(sessionID, s.deps.Store)
		r.SetMetrics(s.deps.Metrics)
		s.routers[sessionID] = r
	}
	return r
}

// Start begins serving. It blocks until the listener returns, normally
// because Stop called httpServer.Shutdown.
func (s *Server) Start() error {
	slog.Info("gateway: listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests, stops every live agent supervisor, and
// closes the storage handle.
func (s *Server) Stop(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}

	s.routersMu.Lock()
	for id := range s.routers {
		delete(s.routers, id)
	}
	s.routersMu.Unlock()

	s.deps.Agents.StopAll()
	s.deps.Tokens.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	return s.deps.Store.Close()
}

