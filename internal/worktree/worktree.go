// Package worktree implements worktree lifecycle operations (C7):
// creation via `git worktree add`, quota enforcement, dirty-state
// checks, and removal — all executed through C1 as the workspace user.
package worktree

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/storage"
)

// MaxWorktreesPerSession is the fixed worktree quota per session (§4.7).
const MaxWorktreesPerSession = 10

// Store is the subset of storage.Store the worktree service needs.
type Store interface {
	GetSession(ctx context.Context, id string) (*storage.Session, error)
	SaveWorktree(ctx context.Context, wt storage.Worktree) error
	GetWorktree(ctx context.Context, sessionID, worktreeID string) (*storage.Worktree, error)
	ListWorktrees(ctx context.Context, sessionID string) ([]storage.Worktree, error)
	DeleteWorktree(ctx context.Context, sessionID, worktreeID string) error
	AppendAuditEvent(ctx context.Context, workspaceID, event, detailsJSON string) error
}

// Stopper stops any agent supervisor bound to a worktree before removal
// (C8); satisfied by internal/agent.Registry in production.
type Stopper interface {
	StopWorktree(sessionID, worktreeID string) (stopped bool)
}

// CreateSpec describes a new worktree request.
type CreateSpec struct {
	Context        string // "new" or "fork"
	StartingBranch string // used when Context == "new"
	SourceWorktree string // used when Context == "fork"
	BranchName     string
	CreateBranch   bool
	Color          string
	Config         storage.WorktreeConfig
}

// Service implements C7.
type Service struct {
	store   Store
	stopper Stopper
}

func NewService(store Store, stopper Stopper) *Service {
	return &Service{store: store, stopper: stopper}
}

func newWorktreeID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "wt" + hex.EncodeToString(b), nil
}

// WorktreeError is a classified failure with a stable machine-readable
// code, surfaced to clients directly
// (BRANCH_ALREADY_CHECKED_OUT, BRANCH_ALREADY_EXISTS, INVALID_BRANCH_NAME).
type WorktreeError struct {
	Code    string
	Message string
}

func (e *WorktreeError) Error() string { return e.Message }

// CreateWorktree adds a Git worktree under the session's worktrees dir
// via C1 and persists a `creating` record, transitioning to `ready` on
// success (§4.7).
func (s *Service) CreateWorktree(ctx context.Context, workspaceID, sessionID string, spec CreateSpec) (*storage.Worktree, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, apperr.Internal("read session", err)
	}
	if sess == nil {
		return nil, apperr.NotFound("session not found")
	}

	existing, err := s.store.ListWorktrees(ctx, sessionID)
	if err != nil {
		return nil, apperr.Internal("list worktrees", err)
	}
	if len(existing) >= MaxWorktreesPerSession {
		return nil, &WorktreeError{Code: "MAX_WORKTREES_EXCEEDED", Message: fmt.Sprintf("session already has %d worktrees (max: %d)", len(existing), MaxWorktreesPerSession)}
	}

	worktreeID, err := newWorktreeID()
	if err != nil {
		return nil, apperr.Internal("generate worktree id", err)
	}
	worktreeDir := filepath.Join(sess.WorktreesDir, worktreeID)

	args, err := buildWorktreeAddArgs(spec, worktreeDir)
	if err != nil {
		return nil, err
	}

	record := storage.Worktree{
		ID:               worktreeID,
		SessionID:        sessionID,
		BranchName:       spec.BranchName,
		Status:           storage.WorktreeCreating,
		ParentWorktreeID: spec.SourceWorktree,
		CreatedAt:        time.Now().UnixMilli(),
		Color:            spec.Color,
		ConfigJSON:       storage.EncodeWorktreeConfig(spec.Config),
	}
	if err := s.store.SaveWorktree(ctx, record); err != nil {
		return nil, apperr.Internal("persist worktree", err)
	}

	out, err := sandbox.Output(sandbox.InvocationConfig{
		WorkspaceID: workspaceID,
		Cwd:         sess.RepositoryDir,
		AllowRW:     []string{sess.WorktreesDir},
		AllowRO:     []string{sess.RepositoryDir},
		Cmd:         "git",
		Args:        args,
	})
	if err != nil {
		_ = s.store.DeleteWorktree(ctx, sessionID, worktreeID)
		return nil, classifyWorktreeAddError(spec.BranchName, spec.CreateBranch, string(out), err)
	}

	record.Status = storage.WorktreeReady
	if err := s.store.SaveWorktree(ctx, record); err != nil {
		return nil, apperr.Internal("persist worktree", err)
	}
	_ = s.store.AppendAuditEvent(ctx, workspaceID, storage.EventWorktreeCreated, "")

	return &record, nil
}

func buildWorktreeAddArgs(spec CreateSpec, worktreeDir string) ([]string, error) {
	switch spec.Context {
	case "new":
		base := spec.StartingBranch
		if base == "" {
			base = "HEAD"
		}
		if spec.CreateBranch {
			return []string{"worktree", "add", "-b", spec.BranchName, worktreeDir, base}, nil
		}
		return []string{"worktree", "add", worktreeDir, spec.BranchName}, nil
	case "fork":
		if spec.SourceWorktree == "" {
			return nil, apperr.Validation("fork context requires a sourceWorktreeId")
		}
		return []string{"worktree", "add", "-b", spec.BranchName, worktreeDir, spec.SourceWorktree}, nil
	default:
		return nil, apperr.Validation(fmt.Sprintf("unknown worktree context %q", spec.Context))
	}
}

func classifyWorktreeAddError(branch string, createBranch bool, combined string, err error) error {
	msg := combined + " " + err.Error()
	switch {
	case strings.Contains(msg, "already checked out") || strings.Contains(msg, "is already checked out"):
		return &WorktreeError{Code: "BRANCH_ALREADY_CHECKED_OUT", Message: fmt.Sprintf("branch %q is already checked out in another worktree", branch)}
	case strings.Contains(msg, "already exists") && createBranch:
		return &WorktreeError{Code: "BRANCH_ALREADY_EXISTS", Message: fmt.Sprintf("branch %q already exists", branch)}
	case strings.Contains(msg, "not a valid branch name") || strings.Contains(msg, "invalid reference"):
		return &WorktreeError{Code: "INVALID_BRANCH_NAME", Message: fmt.Sprintf("%q is not a valid branch name", branch)}
	default:
		return &WorktreeError{Code: "WORKTREE_CREATE_FAILED", Message: fmt.Sprintf("git worktree add failed: %s", err)}
	}
}

// CloseWorktree refuses to remove `main`, stops any bound supervisor,
// removes the worktree directory via C1, and prunes stale administrative
// state with `git worktree prune` (§4.7).
func (s *Service) CloseWorktree(ctx context.Context, workspaceID, sessionID, worktreeID string, force bool) error {
	if worktreeID == storage.MainWorktreeID {
		return &WorktreeError{Code: "CANNOT_REMOVE_PRIMARY", Message: "the main worktree cannot be removed"}
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return apperr.Internal("read session", err)
	}
	if sess == nil {
		return apperr.NotFound("session not found")
	}

	wt, err := s.store.GetWorktree(ctx, sessionID, worktreeID)
	if err != nil {
		return apperr.Internal("read worktree", err)
	}
	if wt == nil {
		return apperr.NotFound("worktree not found")
	}

	worktreeDir := filepath.Join(sess.WorktreesDir, worktreeID)

	dirty, err := s.isDirty(workspaceID, sess.RepositoryDir, worktreeDir)
	if err != nil {
		return apperr.External("check worktree dirty state", err)
	}
	if dirty && !force {
		return &WorktreeError{Code: "WORKTREE_DIRTY", Message: "worktree has uncommitted changes; use force to remove"}
	}

	if s.stopper != nil {
		s.stopper.StopWorktree(sessionID, worktreeID)
	}

	removeArgs := []string{"worktree", "remove", worktreeDir}
	if force {
		removeArgs = []string{"worktree", "remove", "--force", worktreeDir}
	}
	if _, err := sandbox.Output(sandbox.InvocationConfig{
		WorkspaceID: workspaceID,
		Cwd:         sess.RepositoryDir,
		AllowRW:     []string{sess.WorktreesDir},
		AllowRO:     []string{sess.RepositoryDir},
		Cmd:         "git",
		Args:        removeArgs,
	}); err != nil {
		return apperr.External("git worktree remove", err)
	}

	if _, err := sandbox.Output(sandbox.InvocationConfig{
		WorkspaceID: workspaceID,
		Cwd:         sess.RepositoryDir,
		AllowRO:     []string{sess.RepositoryDir},
		Cmd:         "git",
		Args:        []string{"worktree", "prune"},
	}); err != nil {
		return apperr.External("git worktree prune", err)
	}

	if err := s.store.DeleteWorktree(ctx, sessionID, worktreeID); err != nil {
		return apperr.Internal("delete worktree record", err)
	}
	return s.store.AppendAuditEvent(ctx, workspaceID, storage.EventWorktreeClosed, "")
}

func (s *Service) isDirty(workspaceID, repositoryDir, worktreeDir string) (bool, error) {
	out, err := sandbox.Output(sandbox.InvocationConfig{
		WorkspaceID: workspaceID,
		Cwd:         worktreeDir,
		AllowRO:     []string{repositoryDir, worktreeDir},
		Cmd:         "git",
		Args:        []string{"status", "--porcelain"},
	})
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) != "", nil
}

// ListWorktrees returns all active worktree records for a session.
func (s *Service) ListWorktrees(ctx context.Context, sessionID string) ([]storage.Worktree, error) {
	worktrees, err := s.store.ListWorktrees(ctx, sessionID)
	if err != nil {
		return nil, apperr.Internal("list worktrees", err)
	}
	return worktrees, nil
}

// TransitionStatus applies the worktree state machine (§4.8) by updating
// the persisted status; callers supply the pre-validated target.
func (s *Service) TransitionStatus(ctx context.Context, sessionID, worktreeID, status string) error {
	wt, err := s.store.GetWorktree(ctx, sessionID, worktreeID)
	if err != nil {
		return apperr.Internal("read worktree", err)
	}
	if wt == nil {
		return apperr.NotFound("worktree not found")
	}
	wt.Status = status
	if err := s.store.SaveWorktree(ctx, *wt); err != nil {
		return apperr.Internal("persist worktree", err)
	}
	return nil
}
