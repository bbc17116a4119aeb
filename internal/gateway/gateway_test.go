package gateway

import (
	"context"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/vibe80/vibe80/internal/agent"
	"github.com/vibe80/vibe80/internal/attachments"
	"github.com/vibe80/vibe80/internal/auth"
	"github.com/vibe80/vibe80/internal/metrics"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/internal/worktree"
	"github.com/vibe80/vibe80/internal/workspace"
)

// installPassthroughSudo replaces sandbox.SudoPath with a fake `sudo`
// that execs its trailing command directly against the real filesystem,
// matching the pattern used across every other sandboxed-command test.
func installPassthroughSudo(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	script := "#!/bin/sh\nshift\nwhile [ \"$1\" != \"--\" ]; do shift; done\nshift\nexec \"$@\"\n"
	path := filepath.Join(dir, "sudo")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write mock sudo: %v", err)
	}
	prev := sandbox.SudoPath
	sandbox.SudoPath = path
	t.Cleanup(func() { sandbox.SudoPath = prev })
}

type fakeProvisioner struct{ uid, gid int }

func (f fakeProvisioner) Provision(ctx context.Context, workspaceID string) (int, int, error) {
	return f.uid, f.gid, nil
}

// storeWorkspaceLookup adapts storage.Store's GetWorkspace to the Get
// method session.Service's WorkspaceLookup expects.
type storeWorkspaceLookup struct{ store *storage.Store }

func (l storeWorkspaceLookup) Get(ctx context.Context, workspaceID string) (*storage.Workspace, error) {
	return l.store.GetWorkspace(ctx, workspaceID)
}

// newTestServer wires every C1-C12 component against a temp sqlite file
// and a passthrough sudo, the same shape a real deployment uses minus
// the provisioner actually calling useradd/groupadd.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	installPassthroughSudo(t)

	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	keys, err := auth.NewKeyManager(filepath.Join(t.TempDir(), "key"), time.Hour)
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	refresh := auth.NewRefreshService(store, keys, 30*24*time.Hour, time.Minute)
	tokens := auth.NewTokenStore(time.Hour)
	t.Cleanup(tokens.Stop)

	workspaces := workspace.NewService(store, fakeProvisioner{uid: os.Getuid(), gid: os.Getgid()})
	agents := agent.NewRegistry()
	sessions := session.NewService(store, storeWorkspaceLookup{store}, t.TempDir())
	worktrees := worktree.NewService(store, agents)
	metricsCollector := metrics.NewCollector()
	explorer := attachments.NewExplorer(attachments.Config{})

	return New(Config{
		AttachmentsMaxUploadBytes: 1 << 20,
		HandoffTokenTTL:           time.Minute,
		PromptTimeout:             time.Minute,
	}, Deps{
		Store:      store,
		Keys:       keys,
		Refresh:    refresh,
		Tokens:     tokens,
		Workspaces: workspaces,
		Sessions:   sessions,
		Worktrees:  worktrees,
		Agents:     agents,
		Metrics:    metricsCollector,
		Explorer:   explorer,
	})
}

// initRepo creates a throwaway git repository under a temp dir and
// returns its path, suitable as a session's repoURL for a local clone.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-q", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	run("add", ".")
	run("commit", "-q", "-m", "initial")
	return dir
}

func newTestHTTPServer(t *testing.T, gw *Server) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(gw.httpServer.Handler)
	t.Cleanup(srv.Close)
	return srv
}
