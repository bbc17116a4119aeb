package worktree

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/storage"
)

type fakeStopper struct {
	stopped []string
}

func (f *fakeStopper) StopWorktree(sessionID, worktreeID string) bool {
	f.stopped = append(f.stopped, sessionID+"/"+worktreeID)
	return true
}

// installMockGitSudo writes a fake `sudo` that skips to the trailing
// `-- git <args>` and, without running git, reports the scripted outcome
// for `worktree add`/`status`/`remove`/`prune`.
func installMockGitSudo(t *testing.T, addErr, addStderr string, dirty bool) {
	t.Helper()
	dir := t.TempDir()
	script := `#!/bin/sh
shift
while [ "$1" != "--" ]; do shift; done
shift
shift
case "$1" in
  worktree)
    case "$2" in
      add)
`
	if addErr != "" {
		script += `        echo '` + addStderr + `' >&2
        exit 1
`
	} else {
		script += `        exit 0
`
	}
	script += `        ;;
      remove|prune)
        exit 0
        ;;
    esac
    ;;
  status)
`
	if dirty {
		script += `    echo ' M file.txt'
`
	}
	script += `    exit 0
    ;;
esac
exit 0
`
	path := filepath.Join(dir, "sudo")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write mock sudo: %v", err)
	}
	prev := sandbox.SudoPath
	sandbox.SudoPath = path
	t.Cleanup(func() { sandbox.SudoPath = prev })
}

func newTestStore(t *testing.T) (*storage.Store, string) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sessionID := "s0123456789abcdef01234567"
	root := t.TempDir()
	sess := storage.Session{
		ID:            sessionID,
		WorkspaceID:   "w0123456789abcdef01234567",
		RepositoryDir: filepath.Join(root, "repository"),
		WorktreesDir:  filepath.Join(root, "worktrees"),
	}
	if err := store.SaveSession(context.Background(), sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	return store, sessionID
}

func TestCreateWorktreeTransitionsToReady(t *testing.T) {
	installMockGitSudo(t, "", "", false)
	store, sessionID := newTestStore(t)
	svc := NewService(store, nil)

	wt, err := svc.CreateWorktree(context.Background(), "w0123456789abcdef01234567", sessionID, CreateSpec{
		Context:        "new",
		StartingBranch: "main",
		BranchName:     "feature-1",
		CreateBranch:   true,
	})
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if wt.Status != storage.WorktreeReady {
		t.Fatalf("Status = %q, want %q", wt.Status, storage.WorktreeReady)
	}
}

func TestCreateWorktreePersistsConfig(t *testing.T) {
	installMockGitSudo(t, "", "", false)
	store, sessionID := newTestStore(t)
	svc := NewService(store, nil)

	wt, err := svc.CreateWorktree(context.Background(), "w0123456789abcdef01234567", sessionID, CreateSpec{
		Context:        "new",
		StartingBranch: "main",
		BranchName:     "feature-2",
		CreateBranch:   true,
		Config: storage.WorktreeConfig{
			Model:           "gpt-5",
			ReasoningEffort: "high",
			InternetAccess:  true,
			DenyCredentials: true,
		},
	})
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	cfg := wt.Config()
	if cfg.Model != "gpt-5" || cfg.ReasoningEffort != "high" || !cfg.InternetAccess || !cfg.DenyCredentials {
		t.Fatalf("Config() = %+v, want model=gpt-5 reasoningEffort=high internetAccess=true denyCredentials=true", cfg)
	}
}

func TestCreateWorktreeClassifiesBranchAlreadyCheckedOut(t *testing.T) {
	installMockGitSudo(t, "checked out", "fatal: already checked out", false)
	store, sessionID := newTestStore(t)
	svc := NewService(store, nil)

	_, err := svc.CreateWorktree(context.Background(), "w0123456789abcdef01234567", sessionID, CreateSpec{
		Context:        "new",
		StartingBranch: "main",
		BranchName:     "feature-1",
	})
	wtErr, ok := err.(*WorktreeError)
	if !ok {
		t.Fatalf("expected *WorktreeError, got %T (%v)", err, err)
	}
	if wtErr.Code != "BRANCH_ALREADY_CHECKED_OUT" {
		t.Fatalf("Code = %q", wtErr.Code)
	}
}

func TestCreateWorktreeEnforcesQuota(t *testing.T) {
	installMockGitSudo(t, "", "", false)
	store, sessionID := newTestStore(t)
	svc := NewService(store, nil)

	for i := 0; i < MaxWorktreesPerSession; i++ {
		_, err := svc.CreateWorktree(context.Background(), "w0123456789abcdef01234567", sessionID, CreateSpec{
			Context:        "new",
			StartingBranch: "main",
			BranchName:     "feature",
			CreateBranch:   true,
		})
		if err != nil {
			t.Fatalf("CreateWorktree[%d]: %v", i, err)
		}
	}

	_, err := svc.CreateWorktree(context.Background(), "w0123456789abcdef01234567", sessionID, CreateSpec{
		Context:        "new",
		StartingBranch: "main",
		BranchName:     "feature-overflow",
		CreateBranch:   true,
	})
	wtErr, ok := err.(*WorktreeError)
	if !ok || wtErr.Code != "MAX_WORKTREES_EXCEEDED" {
		t.Fatalf("expected MAX_WORKTREES_EXCEEDED, got %v", err)
	}
}

func TestCloseWorktreeRefusesMain(t *testing.T) {
	store, sessionID := newTestStore(t)
	svc := NewService(store, nil)

	err := svc.CloseWorktree(context.Background(), "w0123456789abcdef01234567", sessionID, storage.MainWorktreeID, false)
	wtErr, ok := err.(*WorktreeError)
	if !ok || wtErr.Code != "CANNOT_REMOVE_PRIMARY" {
		t.Fatalf("expected CANNOT_REMOVE_PRIMARY, got %v", err)
	}
}

func TestCloseWorktreeRefusesDirtyWithoutForce(t *testing.T) {
	installMockGitSudo(t, "", "", true)
	store, sessionID := newTestStore(t)
	stopper := &fakeStopper{}
	svc := NewService(store, stopper)

	wt, err := svc.CreateWorktree(context.Background(), "w0123456789abcdef01234567", sessionID, CreateSpec{
		Context:        "new",
		StartingBranch: "main",
		BranchName:     "feature-1",
		CreateBranch:   true,
	})
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}

	err = svc.CloseWorktree(context.Background(), "w0123456789abcdef01234567", sessionID, wt.ID, false)
	wtErr, ok := err.(*WorktreeError)
	if !ok || wtErr.Code != "WORKTREE_DIRTY" {
		t.Fatalf("expected WORKTREE_DIRTY, got %v", err)
	}
	if len(stopper.stopped) != 0 {
		t.Fatalf("expected no supervisor stop before a refused removal, got %v", stopper.stopped)
	}
}
