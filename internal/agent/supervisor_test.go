package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/storage"
)

type fakeStore struct {
	mu        sync.Mutex
	messages  []storage.ChatMessage
	worktrees map[string]storage.Worktree
	audits    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{worktrees: map[string]storage.Worktree{
		"wt1": {ID: "wt1", SessionID: "s1", Status: storage.WorktreeReady},
	}}
}

func (f *fakeStore) AppendMessage(ctx context.Context, msg storage.ChatMessage) (storage.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return msg, nil
}

func (f *fakeStore) SaveWorktree(ctx context.Context, wt storage.Worktree) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.worktrees[wt.ID] = wt
	return nil
}

func (f *fakeStore) GetWorktree(ctx context.Context, sessionID, worktreeID string) (*storage.Worktree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wt, ok := f.worktrees[worktreeID]
	if !ok {
		return nil, nil
	}
	return &wt, nil
}

func (f *fakeStore) AppendAuditEvent(ctx context.Context, workspaceID, event, detailsJSON string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, event)
	return nil
}

func (f *fakeStore) status(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.worktrees[id].Status
}

// ListMessages mirrors storage.Store.ListMessages for the subset the
// tests need: every message for (sessionID, worktreeID) with the given
// role, in append order.
func (f *fakeStore) ListMessages(sessionID, worktreeID, role string) []storage.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.ChatMessage
	for _, m := range f.messages {
		if m.SessionID == sessionID && m.WorktreeID == worktreeID && (role == "" || m.Role == role) {
			out = append(out, m)
		}
	}
	return out
}

type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeSink) Broadcast(sessionID, worktreeID string, frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

// installMockAgentSudo writes a fake `sudo` that execs its trailing
// command directly, and a fake agent binary script that emits a `ready`
// frame on start and a turn_started/turn_completed pair after reading
// one line from stdin.
func installMockAgentSudo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	agentScript := `#!/bin/sh
echo '{"method":"ready","params":{"threadId":"t1","provider":"test"}}'
read line
echo '{"method":"turn_started","params":{}}'
echo '{"method":"assistant_message","params":{"text":"hi there","itemId":"i1","turnId":"t1"}}'
echo '{"method":"turn_completed","params":{"status":"ok"}}'
`
	agentPath := filepath.Join(dir, "fake-agent")
	if err := os.WriteFile(agentPath, []byte(agentScript), 0o755); err != nil {
		t.Fatalf("write fake agent: %v", err)
	}

	sudoScript := `#!/bin/sh
shift
while [ "$1" != "--" ]; do shift; done
shift
exec "$@"
`
	sudoPath := filepath.Join(dir, "sudo")
	if err := os.WriteFile(sudoPath, []byte(sudoScript), 0o755); err != nil {
		t.Fatalf("write mock sudo: %v", err)
	}
	prev := sandbox.SudoPath
	sandbox.SudoPath = sudoPath
	t.Cleanup(func() { sandbox.SudoPath = prev })

	return agentPath
}

func TestSupervisorReachesReadyOnAgentHello(t *testing.T) {
	agentPath := installMockAgentSudo(t)
	store := newFakeStore()
	sink := &fakeSink{}

	sup := NewSupervisor(Config{
		WorkspaceID: "w1",
		SessionID:   "s1",
		WorktreeID:  "wt1",
		SpawnConfig: sandbox.InvocationConfig{WorkspaceID: "w1", Cmd: agentPath},
		Store:       store,
		Sink:        sink,
	})
	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sup.Status() == StatusReady {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sup.Status() != StatusReady {
		t.Fatalf("Status() = %q, want %q", sup.Status(), StatusReady)
	}
}

func TestHandlePromptCompletesTurnAndUpdatesWorktreeStatus(t *testing.T) {
	agentPath := installMockAgentSudo(t)
	store := newFakeStore()
	sink := &fakeSink{}

	sup := NewSupervisor(Config{
		WorkspaceID: "w1",
		SessionID:   "s1",
		WorktreeID:  "wt1",
		SpawnConfig: sandbox.InvocationConfig{WorkspaceID: "w1", Cmd: agentPath},
		Store:       store,
		Sink:        sink,
	})
	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sup.Status() != StatusReady {
		time.Sleep(10 * time.Millisecond)
	}

	ctx := context.Background()
	if err := sup.HandlePrompt(ctx, "hello"); err != nil {
		t.Fatalf("HandlePrompt: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && store.status("wt1") != storage.WorktreeCompleted {
		time.Sleep(10 * time.Millisecond)
	}
	if store.status("wt1") != storage.WorktreeCompleted {
		t.Fatalf("worktree status = %q, want %q", store.status("wt1"), storage.WorktreeCompleted)
	}
	if sink.count() == 0 {
		t.Fatal("expected at least one frame forwarded to the event sink")
	}

	assistantMessages := store.ListMessages("s1", "wt1", storage.RoleAssistant)
	if len(assistantMessages) != 1 {
		t.Fatalf("assistant messages = %d, want 1", len(assistantMessages))
	}
	if assistantMessages[0].Text != "hi there" {
		t.Fatalf("assistant message text = %q, want %q", assistantMessages[0].Text, "hi there")
	}
}

func TestHandlePromptRejectsWhileTurnInFlight(t *testing.T) {
	agentPath := installMockAgentSudo(t)
	store := newFakeStore()
	sink := &fakeSink{}

	sup := NewSupervisor(Config{
		WorkspaceID: "w1",
		SessionID:   "s1",
		WorktreeID:  "wt1",
		SpawnConfig: sandbox.InvocationConfig{WorkspaceID: "w1", Cmd: agentPath},
		Store:       store,
		Sink:        sink,
	})
	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sup.Status() != StatusReady {
		time.Sleep(10 * time.Millisecond)
	}

	ctx := context.Background()
	if err := sup.HandlePrompt(ctx, "hello"); err != nil {
		t.Fatalf("first HandlePrompt: %v", err)
	}
	if err := sup.HandlePrompt(ctx, "are you there"); err == nil {
		t.Fatal("expected the second concurrent prompt to be rejected as busy")
	}
}
