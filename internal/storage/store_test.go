package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenAndClose(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestWorkspaceRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.SaveWorkspace(ctx, Workspace{ID: "w1", SecretHash: "abc", UID: 2000, GID: 2000, ProvidersJSON: "{}"}); err != nil {
		t.Fatalf("SaveWorkspace: %v", err)
	}

	got, err := store.GetWorkspace(ctx, "w1")
	if err != nil {
		t.Fatalf("GetWorkspace: %v", err)
	}
	if got == nil || got.SecretHash != "abc" || got.UID != 2000 {
		t.Fatalf("GetWorkspace = %+v", got)
	}

	missing, err := store.GetWorkspace(ctx, "nope")
	if err != nil {
		t.Fatalf("GetWorkspace(missing): %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing workspace, got %+v", missing)
	}
}

func TestMessageOrderingIsMonotonic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		msg, err := store.AppendMessage(ctx, ChatMessage{
			ID: idFor(i), SessionID: "s1", WorktreeID: "main", Role: RoleUser, Text: "hi",
		})
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		ids = append(ids, msg.ID)
	}

	msgs, err := store.ListMessages(ctx, "s1", "main", "")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("len(msgs) = %d, want 5", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp <= msgs[i-1].Timestamp {
			t.Fatalf("timestamps not strictly increasing at %d: %d <= %d", i, msgs[i].Timestamp, msgs[i-1].Timestamp)
		}
	}

	// Backfill from a cursor should only return messages after it.
	after, err := store.ListMessages(ctx, "s1", "main", ids[2])
	if err != nil {
		t.Fatalf("ListMessages(cursor): %v", err)
	}
	if len(after) != 2 {
		t.Fatalf("len(after cursor) = %d, want 2", len(after))
	}
}

func TestRefreshTokenRotation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.SaveWorkspaceRefreshToken(ctx, RefreshToken{TokenHash: "h0", WorkspaceID: "w1", Kind: RefreshKindCurrent, ExpiresAt: 9999999999999}); err != nil {
		t.Fatalf("SaveWorkspaceRefreshToken: %v", err)
	}

	state, err := store.GetWorkspaceRefreshState(ctx, "w1")
	if err != nil {
		t.Fatalf("GetWorkspaceRefreshState: %v", err)
	}
	if state.Current == nil || state.Current.TokenHash != "h0" {
		t.Fatalf("state.Current = %+v", state.Current)
	}

	if err := store.DeleteWorkspaceRefreshToken(ctx, "h0"); err != nil {
		t.Fatalf("DeleteWorkspaceRefreshToken: %v", err)
	}
	got, err := store.GetWorkspaceRefreshToken(ctx, "h0")
	if err != nil {
		t.Fatalf("GetWorkspaceRefreshToken: %v", err)
	}
	if got != nil {
		t.Fatalf("expected token deleted, got %+v", got)
	}
}

func TestAuditLogAppendOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.AppendAuditEvent(ctx, "w1", EventRefreshTokenReused, ""); err != nil {
		t.Fatalf("AppendAuditEvent: %v", err)
	}
	events, err := store.ListAuditEvents(ctx, "w1")
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(events) != 1 || events[0].Event != EventRefreshTokenReused {
		t.Fatalf("events = %+v", events)
	}
}

func idFor(i int) string {
	return "m" + string(rune('0'+i))
}
