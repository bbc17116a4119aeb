// Package router implements the event router (C9): a per-session
// publisher with multiple WebSocket subscribers, generalised from the
// per-worktree Viewer/broadcast machinery, generalised to a per-session
// scope with worktreeId annotation on every event.
package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vibe80/vibe80/internal/storage"
)

// ViewerSendBuffer is the channel buffer size per subscriber.
const ViewerSendBuffer = 256

// SlowConsumerCloseReason is the close reason sent to a subscriber whose
// queue overflowed (§4.9).
const SlowConsumerCloseReason = "slow_consumer"

// Store is the subset of storage.Store the router needs for backfill.
type Store interface {
	ListMessages(ctx context.Context, sessionID, worktreeID, lastSeenID string) ([]storage.ChatMessage, error)
}

// Envelope wraps every routed event with its originating worktree;
// worktreeId is null for session-wide (main clone) events.
type Envelope struct {
	Type       string          `json:"type"`
	WorktreeID *string         `json:"worktreeId"`
	Payload    json.RawMessage `json:"payload"`
}

// Viewer is a single WebSocket connection subscribed to a session.
type Viewer struct {
	ID     string
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

// Done is closed when the viewer's write pump exits.
func (v *Viewer) Done() <-chan struct{} { return v.done }

// SlowConsumerMetrics receives a count each time a subscriber is
// disconnected for falling behind; satisfied by internal/metrics.Collector.
type SlowConsumerMetrics interface {
	SlowConsumerDisconnected()
}

// SessionRouter fans out events for one session to every attached
// viewer, at session scope rather than per worktree.
type SessionRouter struct {
	sessionID string
	store     Store
	metrics   SlowConsumerMetrics

	mu      sync.RWMutex
	viewers map[string]*Viewer
}

func NewSessionRouter(sessionID string, store Store) *SessionRouter {
	return &SessionRouter{sessionID: sessionID, store: store, viewers: make(map[string]*Viewer)}
}

// SetMetrics wires a slow-consumer counter after construction.
func (r *SessionRouter) SetMetrics(m SlowConsumerMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// Attach registers conn as a new viewer and starts its write pump.
func (r *SessionRouter) Attach(id string, conn *websocket.Conn) *Viewer {
	viewer := &Viewer{ID: id, conn: conn, sendCh: make(chan []byte, ViewerSendBuffer), done: make(chan struct{})}
	go r.writePump(viewer)

	r.mu.Lock()
	r.viewers[id] = viewer
	r.mu.Unlock()

	return viewer
}

// Detach removes a viewer; does not close its connection (the caller's
// read loop owns that).
func (r *SessionRouter) Detach(viewerID string) {
	r.mu.Lock()
	viewer, ok := r.viewers[viewerID]
	if ok {
		delete(r.viewers, viewerID)
	}
	r.mu.Unlock()
	if ok {
		viewer.once.Do(func() { close(viewer.done) })
	}
}

// ViewerCount reports the number of attached viewers.
func (r *SessionRouter) ViewerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}

// Broadcast implements agent.EventSink: every agent-produced frame is
// wrapped with its worktreeId and fanned out to all viewers.
func (r *SessionRouter) Broadcast(sessionID, worktreeID string, frame []byte) {
	wt := worktreeID
	env := Envelope{Type: "agent_event", WorktreeID: &wt, Payload: frame}
	r.broadcastEnvelope(env)
}

// BroadcastSessionEvent routes a session-wide event (worktree_created,
// worktree_updated, worktree_closed, worktrees_list, …) with no single
// owning worktree.
func (r *SessionRouter) BroadcastSessionEvent(eventType string, payload any) {
	data, _ := json.Marshal(payload)
	r.broadcastEnvelope(Envelope{Type: eventType, WorktreeID: nil, Payload: data})
}

// BroadcastWorktreeEvent routes an event scoped to a single worktree
// (worktree_merge_result, repo-diff snapshots, …).
func (r *SessionRouter) BroadcastWorktreeEvent(eventType, worktreeID string, payload any) {
	data, _ := json.Marshal(payload)
	wt := worktreeID
	r.broadcastEnvelope(Envelope{Type: eventType, WorktreeID: &wt, Payload: data})
}

func (r *SessionRouter) broadcastEnvelope(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, viewer := range r.viewers {
		r.sendOrDisconnect(viewer, data)
	}
}

// sendOrDisconnect delivers data to viewer's bounded queue; when the
// queue is full the subscriber is disconnected with slow_consumer rather
// than blocking the producer (§4.9).
func (r *SessionRouter) sendOrDisconnect(viewer *Viewer, data []byte) {
	select {
	case viewer.sendCh <- data:
		return
	case <-viewer.done:
		return
	default:
	}

	go r.disconnectSlowConsumer(viewer)
}

func (r *SessionRouter) disconnectSlowConsumer(viewer *Viewer) {
	r.mu.Lock()
	if existing, ok := r.viewers[viewer.ID]; ok && existing == viewer {
		delete(r.viewers, viewer.ID)
	}
	m := r.metrics
	r.mu.Unlock()
	if m != nil {
		m.SlowConsumerDisconnected()
	}

	viewer.once.Do(func() { close(viewer.done) })
	_ = viewer.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, SlowConsumerCloseReason),
		time.Now().Add(5*time.Second),
	)
	_ = viewer.conn.Close()
}

func (r *SessionRouter) writePump(viewer *Viewer) {
	defer func() {
		viewer.once.Do(func() { close(viewer.done) })
		viewer.conn.Close()
	}()

	for {
		select {
		case data, ok := <-viewer.sendCh:
			if !ok {
				return
			}
			viewer.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := viewer.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-viewer.done:
			return
		}
	}
}

// Backfill streams all persisted messages for (sessionId, worktreeId)
// after lastSeenMessageId to viewer, in order, answering a
// worktree_messages_sync request before the live stream resumes (§4.9).
func (r *SessionRouter) Backfill(ctx context.Context, viewer *Viewer, worktreeID, lastSeenMessageID string) error {
	messages, err := r.store.ListMessages(ctx, r.sessionID, worktreeID, lastSeenMessageID)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		wt := worktreeID
		env := Envelope{Type: "message_backfill", WorktreeID: &wt, Payload: data}
		envData, err := json.Marshal(env)
		if err != nil {
			continue
		}
		select {
		case viewer.sendCh <- envData:
		case <-viewer.done:
			return nil
		case <-time.After(5 * time.Second):
			return nil
		}
	}
	return nil
}
