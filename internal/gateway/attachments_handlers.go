package gateway

import (
	"io"
	"net/http"

	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/attachments"
)

func (s *Server) sessionAttachmentsDir(w http.ResponseWriter, r *http.Request, sessionID string) (string, bool) {
	workspaceID, _ := workspaceIDFromContext(r.Context())
	owner, err := s.sessionOwner(r.Context(), sessionID)
	if err != nil {
		apperr.WriteJSON(w, err)
		return "", false
	}
	if owner != workspaceID {
		apperr.WriteJSON(w, apperr.Forbidden("session does not belong to the authenticated workspace"))
		return "", false
	}
	sess, err := s.deps.Store.GetSession(r.Context(), sessionID)
	if err != nil || sess == nil {
		apperr.WriteJSON(w, apperr.NotFound("session not found"))
		return "", false
	}
	return sess.AttachmentsDir, true
}

func (s *Server) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.cfg.AttachmentsMaxUploadBytes); err != nil {
		apperr.WriteJSON(w, apperr.Validation("invalid multipart upload"))
		return
	}

	sessionID := r.FormValue("session")
	root, ok := s.sessionAttachmentsDir(w, r, sessionID)
	if !ok {
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		apperr.WriteJSON(w, apperr.Validation("file field is required"))
		return
	}
	defer file.Close()

	limited := io.LimitReader(file, s.cfg.AttachmentsMaxUploadBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		apperr.WriteJSON(w, apperr.Internal("read upload", err))
		return
	}
	if int64(len(data)) > s.cfg.AttachmentsMaxUploadBytes {
		apperr.WriteJSON(w, apperr.Validation("attachment exceeds the maximum upload size"))
		return
	}

	dest, err := attachments.ResolvePath(root, header.Filename)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	workspaceID, _ := workspaceIDFromContext(r.Context())
	if err := s.deps.Explorer.Upload(r.Context(), workspaceID, root, dest, data); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": header.Filename})
}

func (s *Server) handleAttachmentFile(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	relPath := r.URL.Query().Get("path")

	root, ok := s.sessionAttachmentsDir(w, r, sessionID)
	if !ok {
		return
	}

	resolved, err := attachments.ResolvePath(root, relPath)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	workspaceID, _ := workspaceIDFromContext(r.Context())
	data, err := s.deps.Explorer.Read(r.Context(), workspaceID, root, resolved)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	root, ok := s.sessionAttachmentsDir(w, r, sessionID)
	if !ok {
		return
	}

	workspaceID, _ := workspaceIDFromContext(r.Context())
	result, err := s.deps.Explorer.List(r.Context(), workspaceID, root, root)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
