package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/storage"
)

type fakeWorkspaces struct {
	ws *storage.Workspace
}

func (f fakeWorkspaces) Get(ctx context.Context, workspaceID string) (*storage.Workspace, error) {
	return f.ws, nil
}

// installMockSudo writes a fake `sudo` that ignores run-as's flags and
// executes the trailing `-- cmd args...` directly, so session.Service
// exercises its real directory-tree and clone-rollback logic without a
// real sandbox helper present.
func installMockSudo(t *testing.T, cloneSucceeds bool) {
	t.Helper()
	dir := t.TempDir()
	script := `#!/bin/sh
shift
while [ "$1" != "--" ]; do shift; done
shift
cmd="$1"; shift
case "$cmd" in
  git)
    if [ "$1" = "clone" ]; then
`
	if cloneSucceeds {
		script += `      dest="$3"
      mkdir -p "$dest/.git"
      exit 0
`
	} else {
		script += `      exit 1
`
	}
	script += `    elif [ "$1" = "rev-parse" ]; then
      echo main
      exit 0
    fi
    ;;
  mkdir|chmod|rm)
    exec "$cmd" "$@"
    ;;
esac
exit 0
`
	path := filepath.Join(dir, "sudo")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write mock sudo: %v", err)
	}

	prevSudo := sandbox.SudoPath
	sandbox.SudoPath = path
	t.Cleanup(func() { sandbox.SudoPath = prevSudo })
}

func newTestService(t *testing.T) (*storage.Store, *Service) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ws := &storage.Workspace{ID: "w0123456789abcdef01234567", UID: 3000, GID: 3000}
	root := t.TempDir()
	return store, NewService(store, fakeWorkspaces{ws: ws}, root)
}

func TestCreateSessionSeedsMainWorktree(t *testing.T) {
	installMockSudo(t, true)
	ctx := context.Background()
	_, svc := newTestService(t)

	created, err := svc.CreateSession(ctx, "w0123456789abcdef01234567", "git@example.com:acme/repo.git", "repo", nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if created.Session.ID == "" {
		t.Fatal("expected a generated session id")
	}
	if created.Default.ID != storage.MainWorktreeID {
		t.Fatalf("Default.ID = %q, want %q", created.Default.ID, storage.MainWorktreeID)
	}
	if created.Default.BranchName != "main" {
		t.Fatalf("Default.BranchName = %q, want %q", created.Default.BranchName, "main")
	}
	if created.Default.Status != storage.WorktreeReady {
		t.Fatalf("Default.Status = %q, want %q", created.Default.Status, storage.WorktreeReady)
	}
}

func TestCreateSessionRollsBackOnCloneFailure(t *testing.T) {
	installMockSudo(t, false)
	ctx := context.Background()
	store, svc := newTestService(t)

	_, err := svc.CreateSession(ctx, "w0123456789abcdef01234567", "git@example.com:acme/repo.git", "repo", nil)
	if err == nil {
		t.Fatal("expected clone failure to propagate")
	}

	sessions, err := store.ListSessions(ctx, "w0123456789abcdef01234567")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no session persisted after rollback, got %d", len(sessions))
	}
}

func TestCreateSessionUnknownWorkspace(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()

	svc := NewService(store, fakeWorkspaces{ws: nil}, t.TempDir())
	_, err = svc.CreateSession(ctx, "w-missing", "git@example.com:acme/repo.git", "repo", nil)
	if err == nil {
		t.Fatal("expected an error for an unknown workspace")
	}
}
