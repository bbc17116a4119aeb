package gateway

import (
	"net/http"
	"strings"

	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/storage"
)

func (s *Server) requireSessionFromQuery(w http.ResponseWriter, r *http.Request) (*storage.Session, bool) {
	workspaceID, _ := workspaceIDFromContext(r.Context())
	sessionID := r.URL.Query().Get("sessionId")
	owner, err := s.sessionOwner(r.Context(), sessionID)
	if err != nil {
		apperr.WriteJSON(w, err)
		return nil, false
	}
	if owner != workspaceID {
		apperr.WriteJSON(w, apperr.Forbidden("session does not belong to the authenticated workspace"))
		return nil, false
	}
	sess, err := s.deps.Store.GetSession(r.Context(), sessionID)
	if err != nil || sess == nil {
		apperr.WriteJSON(w, apperr.NotFound("session not found"))
		return nil, false
	}
	return sess, true
}

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	workspaceID, _ := workspaceIDFromContext(r.Context())
	sess, ok := s.requireSessionFromQuery(w, r)
	if !ok {
		return
	}

	out, err := sandbox.Output(sandbox.InvocationConfig{
		WorkspaceID: workspaceID,
		Cwd:         sess.RepositoryDir,
		AllowRO:     []string{sess.RepositoryDir},
		Cmd:         "git",
		Args:        []string{"branch", "-a", "--format=%(refname:short)"},
	})
	if err != nil {
		apperr.WriteJSON(w, apperr.External("list branches", err))
		return
	}

	branches := make([]string, 0)
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			branches = append(branches, line)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
}

type createBranchRequest struct {
	SessionID      string `json:"sessionId"`
	BranchName     string `json:"branchName"`
	StartingBranch string `json:"startingBranch"`
}

func (s *Server) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	workspaceID, _ := workspaceIDFromContext(r.Context())
	var req createBranchRequest
	if err := decodeJSON(r, &req); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	if req.BranchName == "" {
		apperr.WriteJSON(w, apperr.Validation("branchName is required"))
		return
	}

	owner, err := s.sessionOwner(r.Context(), req.SessionID)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	if owner != workspaceID {
		apperr.WriteJSON(w, apperr.Forbidden("session does not belong to the authenticated workspace"))
		return
	}
	sess, err := s.deps.Store.GetSession(r.Context(), req.SessionID)
	if err != nil || sess == nil {
		apperr.WriteJSON(w, apperr.NotFound("session not found"))
		return
	}

	base := req.StartingBranch
	if base == "" {
		base = "HEAD"
	}
	if _, err := sandbox.Output(sandbox.InvocationConfig{
		WorkspaceID: workspaceID,
		Cwd:         sess.RepositoryDir,
		AllowRW:     []string{sess.RepositoryDir},
		Cmd:         "git",
		Args:        []string{"branch", req.BranchName, base},
	}); err != nil {
		apperr.WriteJSON(w, apperr.External("create branch", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type fetchBranchesRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleFetchBranches(w http.ResponseWriter, r *http.Request) {
	workspaceID, _ := workspaceIDFromContext(r.Context())
	var req fetchBranchesRequest
	if err := decodeJSON(r, &req); err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	owner, err := s.sessionOwner(r.Context(), req.SessionID)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	if owner != workspaceID {
		apperr.WriteJSON(w, apperr.Forbidden("session does not belong to the authenticated workspace"))
		return
	}
	sess, err := s.deps.Store.GetSession(r.Context(), req.SessionID)
	if err != nil || sess == nil {
		apperr.WriteJSON(w, apperr.NotFound("session not found"))
		return
	}

	if _, err := sandbox.Output(sandbox.InvocationConfig{
		WorkspaceID: workspaceID,
		Cwd:         sess.RepositoryDir,
		AllowRW:     []string{sess.RepositoryDir},
		Network:     "tcp:22,443",
		Cmd:         "git",
		Args:        []string{"fetch", "--all"},
	}); err != nil {
		apperr.WriteJSON(w, apperr.External("git fetch", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type switchBranchRequest struct {
	SessionID  string `json:"sessionId"`
	WorktreeID string `json:"worktreeId"`
	Branch     string `json:"branch"`
}

func (s *Server) handleSwitchBranch(w http.ResponseWriter, r *http.Request) {
	workspaceID, _ := workspaceIDFromContext(r.Context())
	var req switchBranchRequest
	if err := decodeJSON(r, &req); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	if req.Branch == "" {
		apperr.WriteJSON(w, apperr.Validation("branch is required"))
		return
	}

	owner, err := s.sessionOwner(r.Context(), req.SessionID)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	if owner != workspaceID {
		apperr.WriteJSON(w, apperr.Forbidden("session does not belong to the authenticated workspace"))
		return
	}
	sess, err := s.deps.Store.GetSession(r.Context(), req.SessionID)
	if err != nil || sess == nil {
		apperr.WriteJSON(w, apperr.NotFound("session not found"))
		return
	}

	worktreeDir := sess.WorktreesDir + "/" + req.WorktreeID
	if req.WorktreeID == "" || req.WorktreeID == storage.MainWorktreeID {
		worktreeDir = sess.RepositoryDir
	}

	if _, err := sandbox.Output(sandbox.InvocationConfig{
		WorkspaceID: workspaceID,
		Cwd:         worktreeDir,
		AllowRW:     []string{worktreeDir},
		AllowRO:     []string{sess.RepositoryDir},
		Cmd:         "git",
		Args:        []string{"checkout", req.Branch},
	}); err != nil {
		apperr.WriteJSON(w, apperr.External("git checkout", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
