package gateway

import (
	"net/http"

	"github.com/vibe80/vibe80/internal/apperr"
)

type createHandoffRequest struct {
	SessionID string `json:"sessionId"`
}

type createHandoffResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

func (s *Server) handleCreateHandoff(w http.ResponseWriter, r *http.Request) {
	workspaceID, _ := workspaceIDFromContext(r.Context())
	var req createHandoffRequest
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

	tok, err := s.deps.Tokens.CreateHandoffToken(workspaceID, req.SessionID, s.cfg.HandoffTokenTTL)
	if err != nil {
		apperr.WriteJSON(w, apperr.Internal("create handoff token", err))
		return
	}
	writeJSON(w, http.StatusOK, createHandoffResponse{Token: tok.Token, ExpiresAt: tok.ExpiresAt.UnixMilli()})
}

type consumeHandoffRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleConsumeHandoff(w http.ResponseWriter, r *http.Request) {
	var req consumeHandoffRequest
	if err := decodeJSON(r, &req); err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	tok, ok := s.deps.Tokens.ConsumeHandoffToken(req.Token)
	if !ok {
		apperr.WriteJSON(w, apperr.Auth("handoff token is invalid, expired, or already used"))
		return
	}

	pair, err := s.deps.Refresh.IssueTokens(r.Context(), tok.WorkspaceID)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	resp := tokenPairFromPair(pair)
	writeJSON(w, http.StatusOK, map[string]any{
		"workspaceId":     tok.WorkspaceID,
		"sessionId":       tok.SessionID,
		"accessToken":     resp.AccessToken,
		"accessTokenExp":  resp.AccessTokenExp,
		"refreshToken":    resp.RefreshToken,
		"refreshTokenExp": resp.RefreshTokenExp,
	})
}
