package agent

import (
	"testing"
	"time"

	"github.com/vibe80/vibe80/internal/sandbox"
)

func TestRegistryStopWorktreeRemovesEntry(t *testing.T) {
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

	reg := NewRegistry()
	reg.Register("s1", "wt1", sup)

	if _, ok := reg.Get("s1", "wt1"); !ok {
		t.Fatal("expected a registered supervisor")
	}

	if !reg.StopWorktree("s1", "wt1") {
		t.Fatal("expected StopWorktree to report it stopped a supervisor")
	}
	if _, ok := reg.Get("s1", "wt1"); ok {
		t.Fatal("expected the supervisor to be removed after StopWorktree")
	}
	if reg.StopWorktree("s1", "wt1") {
		t.Fatal("expected a second StopWorktree on a missing entry to report false")
	}

	time.Sleep(10 * time.Millisecond)
	if sup.Status() != StatusStopped {
		t.Fatalf("Status() = %q, want %q", sup.Status(), StatusStopped)
	}
}
