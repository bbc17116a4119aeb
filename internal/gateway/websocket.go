package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/vibe80/vibe80/internal/agent"
	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/storage"
)

// clientFrame is one inbound WebSocket message; worktreeId selects which
// supervisor a user_message/switch_provider frame is routed to.
type clientFrame struct {
	Type       string          `json:"type"`
	WorktreeID string          `json:"worktreeId"`
	Text       string          `json:"text"`
	Provider   string          `json:"provider"`
	LastSeenID string          `json:"lastSeenMessageId"`
	Token      string          `json:"token"`
	Payload    json.RawMessage `json:"payload"`
}

// handleSessionWS upgrades the connection, authenticates it, attaches it
// to the session's router, and forwards every client frame to the
// worktree-scoped agent supervisor it names.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	token := bearerToken(r)
	var workspaceID string
	if token != "" {
		wid, err := s.deps.Keys.Validate(token)
		if err == nil {
			workspaceID = wid
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if workspaceID == "" {
		workspaceID, err = s.authenticateOverSocket(conn)
		if err != nil {
			_ = conn.Close()
			return
		}
	}

	owner, err := s.sessionOwner(r.Context(), sessionID)
	if err != nil || owner != workspaceID {
		_ = conn.Close()
		return
	}

	sess, err := s.deps.Store.GetSession(r.Context(), sessionID)
	if err != nil || sess == nil {
		_ = conn.Close()
		return
	}

	viewerID := uuid.NewString()
	sessionRouter := s.routerFor(sessionID)
	viewer := sessionRouter.Attach(viewerID, conn)
	s.deps.Metrics.SubscriberAttached()

	defer func() {
		sessionRouter.Detach(viewerID)
		s.deps.Metrics.SubscriberDetached()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case agent.FrameAuth:
			// already authenticated to reach this point; ignored.
		case "worktree_messages_sync":
			_ = sessionRouter.Backfill(r.Context(), viewer, frame.WorktreeID, frame.LastSeenID)
		case agent.FrameUserMessage, agent.FrameWorktreeSendMessage:
			s.forwardPrompt(r.Context(), workspaceID, sess, &frame)
		case agent.FrameSwitchProvider:
			s.handleSwitchProviderFrame(r.Context(), workspaceID, sess, &frame)
		case agent.FramePing:
			sessionRouter.BroadcastSessionEvent("pong", map[string]string{"worktreeId": frame.WorktreeID})
		}
	}
}

// authenticateOverSocket waits for an explicit {"type":"auth"} frame when
// no bearer token was supplied on the upgrade request (e.g. a client that
// cannot set headers), mirroring the same KeyManager.Validate check.
func (s *Server) authenticateOverSocket(conn interface {
	ReadMessage() (int, []byte, error)
}) (string, error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	var frame clientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return "", apperr.Auth("expected an auth frame")
	}
	if frame.Type != agent.FrameAuth {
		return "", apperr.Auth("expected an auth frame")
	}
	workspaceID, err := s.deps.Keys.Validate(frame.Token)
	if err != nil {
		return "", apperr.Auth("invalid or expired access token")
	}
	return workspaceID, nil
}

func (s *Server) forwardPrompt(ctx context.Context, workspaceID string, sess *storage.Session, frame *clientFrame) {
	worktreeID := frame.WorktreeID
	if worktreeID == "" {
		worktreeID = storage.MainWorktreeID
	}
	sup, err := s.getOrCreateSupervisor(ctx, workspaceID, sess, worktreeID, "")
	if err != nil {
		slog.Error("gateway: get-or-create supervisor failed", "sessionId", sess.ID, "worktreeId", worktreeID, "err", err)
		return
	}
	if err := sup.HandlePrompt(ctx, frame.Text); err != nil {
		slog.Warn("gateway: prompt rejected", "sessionId", sess.ID, "worktreeId", worktreeID, "err", err)
	}
}

func (s *Server) handleSwitchProviderFrame(ctx context.Context, workspaceID string, sess *storage.Session, frame *clientFrame) {
	worktreeID := frame.WorktreeID
	if worktreeID == "" {
		worktreeID = storage.MainWorktreeID
	}
	if sup, ok := s.deps.Agents.Get(sess.ID, worktreeID); ok {
		sup.Stop()
	}
	if _, err := s.getOrCreateSupervisor(ctx, workspaceID, sess, worktreeID, frame.Provider); err != nil {
		slog.Error("gateway: switch provider failed", "sessionId", sess.ID, "worktreeId", worktreeID, "err", err)
	}
}

// getOrCreateSupervisor returns the live supervisor bound to
// (sessionId, worktreeId), spawning one if none exists yet. provider
// overrides the worktree's stored provider when set (switch_provider).
func (s *Server) getOrCreateSupervisor(ctx context.Context, workspaceID string, sess *storage.Session, worktreeID, provider string) (*agent.Supervisor, error) {
	if sup, ok := s.deps.Agents.Get(sess.ID, worktreeID); ok {
		return sup, nil
	}

	wt, err := s.deps.Store.GetWorktree(ctx, sess.ID, worktreeID)
	if err != nil {
		return nil, apperr.Internal("read worktree", err)
	}
	if wt == nil {
		return nil, apperr.NotFound("worktree not found")
	}
	if provider != "" {
		wt.Provider = provider
		_ = s.deps.Store.SaveWorktree(ctx, *wt)
	}
	if wt.Provider == "" {
		return nil, apperr.Validation("worktree has no provider configured")
	}

	cmd, ok := s.cfg.AgentCommands[wt.Provider]
	if !ok {
		return nil, apperr.Validation("provider " + wt.Provider + " is not configured on this gateway")
	}

	worktreeDir := sess.WorktreesDir + "/" + worktreeID
	if worktreeID == storage.MainWorktreeID {
		worktreeDir = sess.RepositoryDir
	}

	wtConfig := wt.Config()

	// Network mode follows the worktree's internetAccess flag (§4.8):
	// tcp:443 only when the client opted in, none otherwise.
	network := "none"
	if wtConfig.InternetAccess {
		network = "tcp:443"
	}

	spawnCfg := sandbox.InvocationConfig{
		WorkspaceID: workspaceID,
		Cwd:         worktreeDir,
		AllowRW:     []string{worktreeDir},
		AllowRO:     []string{sess.RepositoryDir},
		Network:     network,
		Cmd:         cmd.Cmd,
		Args:        cmd.Args,
	}

	// denyCredentials withholds the provider credential from the agent's
	// environment entirely (§3 Worktree.config), rather than forwarding
	// a real secret into a subprocess the worktree config says must not see it.
	if cmd.EnvKey != "" && !wtConfig.DenyCredentials {
		auth, err := s.deps.Workspaces.RawProviderAuth(ctx, workspaceID, wt.Provider)
		if err != nil {
			return nil, err
		}
		spawnCfg.Env = []string{cmd.EnvKey + "=" + auth.Value}
	}

	sup := agent.NewSupervisor(agent.Config{
		WorkspaceID:   workspaceID,
		SessionID:     sess.ID,
		WorktreeID:    worktreeID,
		SpawnConfig:   spawnCfg,
		Store:         s.deps.Store,
		Sink:          s.routerFor(sess.ID),
		Metrics:       s.deps.Metrics,
		PromptTimeout: s.cfg.PromptTimeout,
	})
	if err := sup.Start(); err != nil {
		return nil, apperr.External("start agent subprocess", err)
	}
	s.deps.Agents.Register(sess.ID, worktreeID, sup)
	return sup, nil
}
