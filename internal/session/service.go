// Package session implements session creation (C6): the directory tree
// plus Git clone that backs every worktree in a session.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"

	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/storage"
)

// Store is the subset of storage.Store the session service needs.
type Store interface {
	SaveSession(ctx context.Context, sess storage.Session) error
	GetSession(ctx context.Context, id string) (*storage.Session, error)
	ListSessions(ctx context.Context, workspaceID string) ([]storage.Session, error)
	SaveWorktree(ctx context.Context, wt storage.Worktree) error
	AppendAuditEvent(ctx context.Context, workspaceID, event, detailsJSON string) error
}

// WorkspaceLookup resolves a workspace id to the uid/gid and filesystem
// root sandboxed commands run against.
type WorkspaceLookup interface {
	Get(ctx context.Context, workspaceID string) (*storage.Workspace, error)
}

// Service implements C6.
type Service struct {
	store         Store
	workspaces    WorkspaceLookup
	workspaceRoot string
}

func NewService(store Store, workspaces WorkspaceLookup, workspaceRoot string) *Service {
	return &Service{store: store, workspaces: workspaces, workspaceRoot: workspaceRoot}
}

func newSessionID() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "s" + hex.EncodeToString(b), nil
}

// Created is what CreateSession hands back (§4.6 step 5).
type Created struct {
	Session storage.Session
	Default storage.Worktree
}

// CreateSession provisions a session directory tree, clones repoURL into
// it, persists the session record, and seeds the `main` pseudo-worktree.
// Every filesystem mutation runs through C1 as the workspace user; the
// server process never touches these files directly (§4.6).
func (s *Service) CreateSession(ctx context.Context, workspaceID, repoURL, name string, env []string) (*Created, error) {
	ws, err := s.workspaces.Get(ctx, workspaceID)
	if err != nil {
		return nil, apperr.Internal("read workspace", err)
	}
	if ws == nil {
		return nil, apperr.NotFound("workspace not found")
	}

	sessionID, err := newSessionID()
	if err != nil {
		return nil, apperr.Internal("generate session id", err)
	}

	base := filepath.Join(s.workspaceRoot, workspaceID, "sessions", sessionID)
	repositoryDir := filepath.Join(base, "repository")
	attachmentsDir := filepath.Join(base, "attachments")
	worktreesDir := filepath.Join(base, "worktrees")
	logsDir := filepath.Join(base, "logs")

	if err := s.createTree(ctx, workspaceID, base, []string{repositoryDir, attachmentsDir, worktreesDir, logsDir}); err != nil {
		return nil, apperr.External("create session directory tree", err)
	}

	if err := s.cloneRepo(ctx, workspaceID, repoURL, repositoryDir, env); err != nil {
		s.rollbackTree(ctx, workspaceID, base)
		return nil, apperr.External("clone repository", err)
	}

	defaultBranch, err := s.readDefaultBranch(ctx, workspaceID, repositoryDir)
	if err != nil {
		s.rollbackTree(ctx, workspaceID, base)
		return nil, apperr.External("read default branch", err)
	}

	now := time.Now().UnixMilli()
	record := storage.Session{
		ID:             sessionID,
		WorkspaceID:    workspaceID,
		RepoURL:        repoURL,
		Name:           name,
		CreatedAt:      now,
		LastActivityAt: now,
		RepositoryDir:  repositoryDir,
		AttachmentsDir: attachmentsDir,
		WorktreesDir:   worktreesDir,
		LogsDir:        logsDir,
	}
	if err := s.store.SaveSession(ctx, record); err != nil {
		return nil, apperr.Internal("persist session", err)
	}

	mainWorktree := storage.Worktree{
		ID:         storage.MainWorktreeID,
		SessionID:  sessionID,
		BranchName: defaultBranch,
		Status:     storage.WorktreeReady,
		CreatedAt:  now,
	}
	if err := s.store.SaveWorktree(ctx, mainWorktree); err != nil {
		return nil, apperr.Internal("persist main worktree", err)
	}

	_ = s.store.AppendAuditEvent(ctx, workspaceID, storage.EventSessionCreated, "")

	return &Created{Session: record, Default: mainWorktree}, nil
}

func (s *Service) ListSessions(ctx context.Context, workspaceID string) ([]storage.Session, error) {
	sessions, err := s.store.ListSessions(ctx, workspaceID)
	if err != nil {
		return nil, apperr.Internal("list sessions", err)
	}
	return sessions, nil
}

func (s *Service) createTree(ctx context.Context, workspaceID, base string, dirs []string) error {
	args := append([]string{"-p"}, dirs...)
	if _, err := sandbox.Output(sandbox.InvocationConfig{
		WorkspaceID: workspaceID,
		Cwd:         base,
		AllowRW:     []string{base},
		Cmd:         "mkdir",
		Args:        args,
	}); err != nil {
		return err
	}
	_, err := sandbox.Output(sandbox.InvocationConfig{
		WorkspaceID: workspaceID,
		AllowRW:     []string{base},
		Cmd:         "chmod",
		Args:        append([]string{"0750"}, dirs...),
	})
	return err
}

func (s *Service) rollbackTree(ctx context.Context, workspaceID, base string) {
	_, _ = sandbox.Output(sandbox.InvocationConfig{
		WorkspaceID: workspaceID,
		AllowRW:     []string{base},
		Cmd:         "rm",
		Args:        []string{"-rf", base},
	})
}

func (s *Service) cloneRepo(ctx context.Context, workspaceID, repoURL, dest string, env []string) error {
	_, err := sandbox.Output(sandbox.InvocationConfig{
		WorkspaceID: workspaceID,
		AllowRW:     []string{dest},
		Env:         env,
		Network:     "tcp:22,443",
		Cmd:         "git",
		Args:        []string{"clone", repoURL, dest},
	})
	return err
}

func (s *Service) readDefaultBranch(ctx context.Context, workspaceID, repositoryDir string) (string, error) {
	out, err := sandbox.Output(sandbox.InvocationConfig{
		WorkspaceID: workspaceID,
		Cwd:         repositoryDir,
		AllowRO:     []string{repositoryDir},
		Cmd:         "git",
		Args:        []string{"rev-parse", "--abbrev-ref", "HEAD"},
	})
	if err != nil {
		return "", err
	}
	branch := trimTrailingNewline(string(out))
	if branch == "" {
		return "", fmt.Errorf("session: could not determine default branch")
	}
	return branch, nil
}

func trimTrailingNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
