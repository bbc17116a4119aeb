package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vibe80/vibe80/internal/apperr"
)

type contextKey int

const workspaceIDKey contextKey = iota

func withWorkspaceID(ctx context.Context, workspaceID string) context.Context {
	return context.WithValue(ctx, workspaceIDKey, workspaceID)
}

func workspaceIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(workspaceIDKey).(string)
	return id, ok
}

// requireAuth validates the bearer access token via C4 and attaches the
// resolved workspaceId to the request context, gating every non-public
// handler on a valid claims match.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			apperr.WriteJSON(w, apperr.Auth("missing bearer token"))
			return
		}
		workspaceID, err := s.deps.Keys.Validate(token)
		if err != nil {
			apperr.WriteJSON(w, apperr.Auth("invalid or expired access token"))
			return
		}
		next(w, r.WithContext(withWorkspaceID(r.Context(), workspaceID)))
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// requireWorkspacePathOwnership asserts the {id} path value matches the
// token's workspaceId; workspace resources are keyed by their own id so
// no extra lookup is needed.
func (s *Server) requireWorkspacePathOwnership(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workspaceID, _ := workspaceIDFromContext(r.Context())
		if r.PathValue("id") != workspaceID {
			apperr.WriteJSON(w, apperr.Forbidden("workspace id does not match the authenticated workspace"))
			return
		}
		next(w, r)
	}
}

// requireSessionOwnership resolves the {id} session's owning workspace
// (through C3, behind the ownership cache) and rejects a mismatch.
func (s *Server) requireSessionOwnership(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workspaceID, _ := workspaceIDFromContext(r.Context())
		sessionID := r.PathValue("id")
		if sessionID == "" {
			sessionID = r.URL.Query().Get("sessionId")
		}
		owner, err := s.sessionOwner(r.Context(), sessionID)
		if err != nil {
			apperr.WriteJSON(w, err)
			return
		}
		if owner != workspaceID {
			apperr.WriteJSON(w, apperr.Forbidden("session does not belong to the authenticated workspace"))
			return
		}
		next(w, r)
	}
}

func (s *Server) sessionOwner(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", apperr.Validation("sessionId is required")
	}
	if owner, ok := s.ownership.get("session:" + sessionID); ok {
		return owner, nil
	}
	sess, err := s.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return "", apperr.Internal("read session", err)
	}
	if sess == nil {
		return "", apperr.NotFound("session not found")
	}
	s.ownership.set("session:"+sessionID, sess.WorkspaceID)
	return sess.WorkspaceID, nil
}

// ownershipCache is a small in-process TTL cache mapping a resource key
// ("session:"+id) to its owning workspaceId, avoiding a C3 round trip on
// every request.
type ownershipCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]ownershipEntry
}

type ownershipEntry struct {
	workspaceID string
	expiresAt   time.Time
}

func newOwnershipCache(ttl time.Duration) *ownershipCache {
	return &ownershipCache{ttl: ttl, entries: make(map[string]ownershipEntry)}
}

func (c *ownershipCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.workspaceID, true
}

func (c *ownershipCache) set(key, workspaceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = ownershipEntry{workspaceID: workspaceID, expiresAt: time.Now().Add(c.ttl)}
}
