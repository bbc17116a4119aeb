package gateway

import (
	"errors"
	"net/http"

	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/attachments"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/internal/worktree"
)

func worktreeResponse(wt storage.Worktree) map[string]any {
	cfg := wt.Config()
	return map[string]any{
		"worktreeId":       wt.ID,
		"sessionId":        wt.SessionID,
		"branchName":       wt.BranchName,
		"status":           wt.Status,
		"provider":         wt.Provider,
		"parentWorktreeId": wt.ParentWorktreeID,
		"createdAt":        wt.CreatedAt,
		"color":            wt.Color,
		"config":           cfg,
	}
}

// translateWorktreeErr maps a *worktree.WorktreeError's stable code to an
// HTTP-classified *apperr.Error; apperr.WriteJSON only recognises its own
// error type, so every other error surface needs this kind of adapter.
func translateWorktreeErr(err error) error {
	var we *worktree.WorktreeError
	if !errors.As(err, &we) {
		return err
	}
	switch we.Code {
	case "MAX_WORKTREES_EXCEEDED", "BRANCH_ALREADY_EXISTS", "BRANCH_ALREADY_CHECKED_OUT", "WORKTREE_DIRTY":
		return apperr.WithCode(apperr.KindConflict, we.Code, we.Message)
	case "INVALID_BRANCH_NAME":
		return apperr.WithCode(apperr.KindValidation, we.Code, we.Message)
	case "CANNOT_REMOVE_PRIMARY":
		return apperr.WithCode(apperr.KindForbidden, we.Code, we.Message)
	default:
		return apperr.WithCode(apperr.KindExternal, we.Code, we.Message)
	}
}

type createWorktreeRequest struct {
	SessionID        string `json:"sessionId"`
	Context          string `json:"context"`
	StartingBranch   string `json:"startingBranch"`
	SourceWorktreeID string `json:"sourceWorktreeId"`
	BranchName       string `json:"branchName"`
	CreateBranch     bool   `json:"createBranch"`
	Color            string `json:"color"`
	Provider         string `json:"provider"`

	// Config fields (§3 Worktree.config), threaded through to the
	// supervisor's spawn config when the agent is started.
	Model           string `json:"model"`
	ReasoningEffort string `json:"reasoningEffort"`
	InternetAccess  bool   `json:"internetAccess"`
	DenyCredentials bool   `json:"denyCredentials"`
}

func (s *Server) handleCreateWorktree(w http.ResponseWriter, r *http.Request) {
	workspaceID, _ := workspaceIDFromContext(r.Context())
	var req createWorktreeRequest
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

	wt, err := s.deps.Worktrees.CreateWorktree(r.Context(), workspaceID, req.SessionID, worktree.CreateSpec{
		Context:        req.Context,
		StartingBranch: req.StartingBranch,
		SourceWorktree: req.SourceWorktreeID,
		BranchName:     req.BranchName,
		CreateBranch:   req.CreateBranch,
		Color:          req.Color,
		Config: storage.WorktreeConfig{
			Model:            req.Model,
			ReasoningEffort:  req.ReasoningEffort,
			InternetAccess:   req.InternetAccess,
			DenyCredentials:  req.DenyCredentials,
			ParentWorktreeID: req.SourceWorktreeID,
		},
	})
	if err != nil {
		apperr.WriteJSON(w, translateWorktreeErr(err))
		return
	}

	if req.Provider != "" {
		wt.Provider = req.Provider
		_ = s.deps.Store.SaveWorktree(r.Context(), *wt)
	}

	s.routerFor(req.SessionID).BroadcastSessionEvent("worktree_created", worktreeResponse(*wt))
	writeJSON(w, http.StatusOK, worktreeResponse(*wt))
}

func (s *Server) handleCloseWorktree(w http.ResponseWriter, r *http.Request) {
	workspaceID, _ := workspaceIDFromContext(r.Context())
	worktreeID := r.PathValue("id")
	sessionID := r.URL.Query().Get("sessionId")
	force := r.URL.Query().Get("force") == "true"

	owner, err := s.sessionOwner(r.Context(), sessionID)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	if owner != workspaceID {
		apperr.WriteJSON(w, apperr.Forbidden("session does not belong to the authenticated workspace"))
		return
	}

	if err := s.deps.Worktrees.CloseWorktree(r.Context(), workspaceID, sessionID, worktreeID, force); err != nil {
		apperr.WriteJSON(w, translateWorktreeErr(err))
		return
	}

	s.routerFor(sessionID).BroadcastSessionEvent("worktree_closed", map[string]string{"worktreeId": worktreeID})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorktreeDiff(w http.ResponseWriter, r *http.Request) {
	workspaceID, _ := workspaceIDFromContext(r.Context())
	worktreeID := r.PathValue("id")
	sessionID := r.URL.Query().Get("sessionId")

	owner, err := s.sessionOwner(r.Context(), sessionID)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	if owner != workspaceID {
		apperr.WriteJSON(w, apperr.Forbidden("session does not belong to the authenticated workspace"))
		return
	}

	sess, err := s.deps.Store.GetSession(r.Context(), sessionID)
	if err != nil || sess == nil {
		apperr.WriteJSON(w, apperr.NotFound("session not found"))
		return
	}
	worktreeDir := sess.WorktreesDir + "/" + worktreeID
	if worktreeID == storage.MainWorktreeID {
		worktreeDir = sess.RepositoryDir
	}

	out, err := sandbox.Output(sandbox.InvocationConfig{
		WorkspaceID: workspaceID,
		Cwd:         worktreeDir,
		AllowRO:     []string{worktreeDir, sess.RepositoryDir},
		Cmd:         "git",
		Args:        []string{"diff", "HEAD"},
	})
	if err != nil {
		apperr.WriteJSON(w, apperr.External("git diff", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"diff": string(out)})
}

func (s *Server) handleWorktreeFile(w http.ResponseWriter, r *http.Request) {
	workspaceID, _ := workspaceIDFromContext(r.Context())
	worktreeID := r.PathValue("id")
	sessionID := r.URL.Query().Get("sessionId")
	relPath := r.URL.Query().Get("path")

	owner, err := s.sessionOwner(r.Context(), sessionID)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	if owner != workspaceID {
		apperr.WriteJSON(w, apperr.Forbidden("session does not belong to the authenticated workspace"))
		return
	}

	sess, err := s.deps.Store.GetSession(r.Context(), sessionID)
	if err != nil || sess == nil {
		apperr.WriteJSON(w, apperr.NotFound("session not found"))
		return
	}
	root := sess.WorktreesDir + "/" + worktreeID
	if worktreeID == storage.MainWorktreeID {
		root = sess.RepositoryDir
	}

	resolved, err := attachments.ResolvePath(root, relPath)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	data, err := s.deps.Explorer.Read(r.Context(), workspaceID, root, resolved)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}
