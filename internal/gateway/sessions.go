package gateway

import (
	"net/http"

	"github.com/vibe80/vibe80/internal/apperr"
)

type createSessionRequest struct {
	RepoURL string   `json:"repoUrl"`
	Name    string   `json:"name"`
	Env     []string `json:"env"`
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
	RepoURL   string `json:"repoUrl"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	workspaceID, _ := workspaceIDFromContext(r.Context())
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	if req.RepoURL == "" {
		apperr.WriteJSON(w, apperr.Validation("repoUrl is required"))
		return
	}

	created, err := s.deps.Sessions.CreateSession(r.Context(), workspaceID, req.RepoURL, req.Name, req.Env)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": created.Session.ID,
		"repoUrl":   created.Session.RepoURL,
		"name":      created.Session.Name,
		"createdAt": created.Session.CreatedAt,
		"messages":  []any{},
		"defaultWorktree": worktreeResponse(created.Default),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	sess, err := s.deps.Store.GetSession(r.Context(), sessionID)
	if err != nil {
		apperr.WriteJSON(w, apperr.Internal("read session", err))
		return
	}
	if sess == nil {
		apperr.WriteJSON(w, apperr.NotFound("session not found"))
		return
	}

	worktrees, err := s.deps.Worktrees.ListWorktrees(r.Context(), sessionID)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	resp := make([]map[string]any, 0, len(worktrees))
	for _, wt := range worktrees {
		resp = append(resp, worktreeResponse(wt))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sess.ID,
		"repoUrl":   sess.RepoURL,
		"name":      sess.Name,
		"createdAt": sess.CreatedAt,
		"worktrees": resp,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	workspaceID, _ := workspaceIDFromContext(r.Context())
	sessions, err := s.deps.Sessions.ListSessions(r.Context(), workspaceID)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	resp := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, sessionResponse{SessionID: sess.ID, RepoURL: sess.RepoURL, Name: sess.Name, CreatedAt: sess.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": resp})
}
