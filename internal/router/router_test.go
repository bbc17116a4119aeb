package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vibe80/vibe80/internal/storage"
)

type fakeStore struct {
	messages []storage.ChatMessage
}

func (f *fakeStore) ListMessages(ctx context.Context, sessionID, worktreeID, lastSeenID string) ([]storage.ChatMessage, error) {
	return f.messages, nil
}

func newWebsocketPair(t *testing.T) (*websocket.Conn, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var serverConn *websocket.Conn
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		serverConn, err = upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
		}
	}))

	url := "ws" + srv.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	return serverConn, func() {
		clientConn.Close()
		srv.Close()
	}
}

func TestBroadcastDeliversToAttachedViewer(t *testing.T) {
	serverConn, cleanup := newWebsocketPair(t)
	defer cleanup()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && serverConn == nil {
		time.Sleep(5 * time.Millisecond)
	}
	if serverConn == nil {
		t.Fatal("server connection never established")
	}

	r := NewSessionRouter("s1", &fakeStore{})
	r.Attach("v1", serverConn)

	r.Broadcast("s1", "wt1", []byte(`{"method":"ready"}`))

	if r.ViewerCount() != 1 {
		t.Fatalf("ViewerCount() = %d, want 1", r.ViewerCount())
	}
}

func TestDetachRemovesViewer(t *testing.T) {
	serverConn, cleanup := newWebsocketPair(t)
	defer cleanup()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && serverConn == nil {
		time.Sleep(5 * time.Millisecond)
	}

	r := NewSessionRouter("s1", &fakeStore{})
	r.Attach("v1", serverConn)
	r.Detach("v1")

	if r.ViewerCount() != 0 {
		t.Fatalf("ViewerCount() = %d, want 0", r.ViewerCount())
	}
}

func TestBackfillStreamsPersistedMessages(t *testing.T) {
	serverConn, cleanup := newWebsocketPair(t)
	defer cleanup()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && serverConn == nil {
		time.Sleep(5 * time.Millisecond)
	}

	store := &fakeStore{messages: []storage.ChatMessage{
		{ID: "m1", SessionID: "s1", WorktreeID: "wt1", Role: storage.RoleUser, Text: "hi"},
	}}
	r := NewSessionRouter("s1", store)
	viewer := r.Attach("v1", serverConn)

	if err := r.Backfill(context.Background(), viewer, "wt1", ""); err != nil {
		t.Fatalf("Backfill: %v", err)
	}
}
