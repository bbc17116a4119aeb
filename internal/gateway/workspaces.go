package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/auth"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/internal/workspace"
)

type createWorkspaceRequest struct {
	Providers workspace.Providers `json:"providers"`
}

type createWorkspaceResponse struct {
	WorkspaceID     string `json:"workspaceId"`
	WorkspaceSecret string `json:"workspaceSecret"`
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req createWorkspaceRequest
	if err := decodeJSON(r, &req); err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	id, secret, err := s.deps.Workspaces.CreateWorkspace(r.Context(), req.Providers)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	writeJSON(w, http.StatusOK, createWorkspaceResponse{WorkspaceID: id, WorkspaceSecret: secret})
}

type loginRequest struct {
	WorkspaceID     string `json:"workspaceId"`
	WorkspaceSecret string `json:"workspaceSecret"`
}

type tokenPairResponse struct {
	AccessToken     string `json:"accessToken"`
	AccessTokenExp  int64  `json:"accessTokenExp"`
	RefreshToken    string `json:"refreshToken"`
	RefreshTokenExp int64  `json:"refreshTokenExp"`
}

func (s *Server) handleWorkspaceLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	if req.WorkspaceID == "" || req.WorkspaceSecret == "" {
		apperr.WriteJSON(w, apperr.Validation("workspaceId and workspaceSecret are required"))
		return
	}

	ok, err := s.deps.Workspaces.VerifyWorkspaceSecret(r.Context(), req.WorkspaceID, req.WorkspaceSecret)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	if !ok {
		apperr.WriteJSON(w, apperr.Auth("invalid workspace credentials"))
		return
	}

	pair, err := s.deps.Refresh.IssueTokens(r.Context(), req.WorkspaceID)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenPairFromPair(pair))
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleWorkspaceRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	if req.RefreshToken == "" {
		apperr.WriteJSON(w, apperr.Validation("refreshToken is required"))
		return
	}

	pair, err := s.deps.Refresh.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenPairFromPair(pair))
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID, _ := workspaceIDFromContext(r.Context())
	providers, err := s.deps.Workspaces.ReadWorkspaceConfig(r.Context(), workspaceID)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspaceId": workspaceID, "providers": providers})
}

type patchWorkspaceRequest struct {
	Providers workspace.Providers `json:"providers"`
}

func (s *Server) handlePatchWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID, _ := workspaceIDFromContext(r.Context())
	var req patchWorkspaceRequest
	if err := decodeJSON(r, &req); err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	active, err := s.activeProviders(r.Context(), workspaceID)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	if err := s.deps.Workspaces.UpdateWorkspace(r.Context(), workspaceID, req.Providers, active); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// activeProviders lists every provider key in use by a non-terminal
// worktree anywhere in the workspace, the input UpdateWorkspace needs to
// refuse disabling a provider still in active use.
func (s *Server) activeProviders(ctx context.Context, workspaceID string) (map[string]bool, error) {
	sessions, err := s.deps.Sessions.ListSessions(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	active := make(map[string]bool)
	for _, sess := range sessions {
		worktrees, err := s.deps.Worktrees.ListWorktrees(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		for _, wt := range worktrees {
			if wt.Provider == "" {
				continue
			}
			switch wt.Status {
			case storage.WorktreeStopped, storage.WorktreeError:
				continue
			}
			active[wt.Provider] = true
		}
	}
	return active, nil
}

func tokenPairFromPair(p *auth.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:     p.AccessToken,
		AccessTokenExp:  p.AccessTokenExp.UnixMilli(),
		RefreshToken:    p.RefreshToken,
		RefreshTokenExp: p.RefreshTokenExp.UnixMilli(),
	}
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return apperr.Validation("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid JSON body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
