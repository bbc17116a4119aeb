package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// HandoffToken lets a workspace+session identity be carried to another
// device (e.g. scanning a QR code), single-use, short TTL.
type HandoffToken struct {
	Token       string
	WorkspaceID string
	SessionID   string
	CreatedAt   time.Time
	UsedAt      *time.Time
	ExpiresAt   time.Time
}

// MonoAuthToken seeds the first login from a local browser in single-user
// deployment mode.
type MonoAuthToken struct {
	Token       string
	WorkspaceID string
	ExpiresAt   time.Time
}

// TokenStore is a generic in-memory TTL store with a periodic cleanup
// sweep. It is reused for both handoff and mono-auth tokens, which
// share the same short-lived, single-process lifecycle.
type TokenStore struct {
	mu              sync.Mutex
	handoff         map[string]*HandoffToken
	mono            map[string]*MonoAuthToken
	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

// NewTokenStore starts the background cleanup goroutine immediately.
func NewTokenStore(cleanupInterval time.Duration) *TokenStore {
	ts := &TokenStore{
		handoff:         make(map[string]*HandoffToken),
		mono:            make(map[string]*MonoAuthToken),
		cleanupInterval: cleanupInterval,
		stop:            make(chan struct{}),
	}
	go ts.cleanupLoop()
	return ts
}

func (ts *TokenStore) cleanupLoop() {
	ticker := time.NewTicker(ts.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ts.sweep()
		case <-ts.stop:
			return
		}
	}
}

func (ts *TokenStore) sweep() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	now := time.Now()
	for k, v := range ts.handoff {
		if now.After(v.ExpiresAt) {
			delete(ts.handoff, k)
		}
	}
	for k, v := range ts.mono {
		if now.After(v.ExpiresAt) {
			delete(ts.mono, k)
		}
	}
}

// Stop halts the cleanup goroutine.
func (ts *TokenStore) Stop() {
	ts.stopOnce.Do(func() { close(ts.stop) })
}

// CreateHandoffToken mints a single-use token bound to a session.
func (ts *TokenStore) CreateHandoffToken(workspaceID, sessionID string, ttl time.Duration) (*HandoffToken, error) {
	tok, err := randomToken()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	h := &HandoffToken{Token: tok, WorkspaceID: workspaceID, SessionID: sessionID, CreatedAt: now, ExpiresAt: now.Add(ttl)}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.handoff[tok] = h
	return h, nil
}

// ConsumeHandoffToken atomically marks the token used; a second call, or
// a call after expiry, returns ok=false. Concurrent callers racing on the
// same token elect exactly one winner because the check-and-set happens
// under the store's single mutex.
func (ts *TokenStore) ConsumeHandoffToken(token string) (h *HandoffToken, ok bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	h, found := ts.handoff[token]
	if !found {
		return nil, false
	}
	if h.UsedAt != nil || time.Now().After(h.ExpiresAt) {
		return nil, false
	}
	now := time.Now()
	h.UsedAt = &now
	return h, true
}

// CreateMonoAuthToken mints a single-user-mode bootstrap token.
func (ts *TokenStore) CreateMonoAuthToken(workspaceID string, ttl time.Duration) (*MonoAuthToken, error) {
	tok, err := randomToken()
	if err != nil {
		return nil, err
	}
	m := &MonoAuthToken{Token: tok, WorkspaceID: workspaceID, ExpiresAt: time.Now().Add(ttl)}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.mono[tok] = m
	return m, nil
}

// ValidateMonoAuthToken returns the bound workspace if the token exists
// and has not expired. Mono-auth tokens are not single-use: they seed the
// first browser login and may be reloaded before that completes.
func (ts *TokenStore) ValidateMonoAuthToken(token string) (workspaceID string, ok bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	m, found := ts.mono[token]
	if !found || time.Now().After(m.ExpiresAt) {
		return "", false
	}
	return m.WorkspaceID, true
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
