package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/storage"
)

// RefreshStore is the subset of storage.Store the rotation contract needs.
type RefreshStore interface {
	SaveWorkspaceRefreshToken(ctx context.Context, t storage.RefreshToken) error
	GetWorkspaceRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error)
	GetWorkspaceRefreshState(ctx context.Context, workspaceID string) (*storage.RefreshState, error)
	DeleteWorkspaceRefreshToken(ctx context.Context, tokenHash string) error
	DeleteWorkspaceRefreshTokens(ctx context.Context, workspaceID string) error
	AppendAuditEvent(ctx context.Context, workspaceID, event, detailsJSON string) error
}

// TokenPair is what every issue/refresh call hands back to the client.
type TokenPair struct {
	AccessToken      string
	AccessTokenExp   time.Time
	RefreshToken     string
	RefreshTokenExp  time.Time
}

// RefreshService implements the rotation contract of §4.4: one `current`
// refresh token per workspace, a short overlap window on the prior
// `current` to absorb in-flight retries, and reuse detection that revokes
// every token for the workspace (DESIGN.md Open Question 2).
type RefreshService struct {
	store         RefreshStore
	keys          *KeyManager
	refreshTTL    time.Duration
	overlapWindow time.Duration
}

func NewRefreshService(store RefreshStore, keys *KeyManager, refreshTTL, overlapWindow time.Duration) *RefreshService {
	return &RefreshService{store: store, keys: keys, refreshTTL: refreshTTL, overlapWindow: overlapWindow}
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// IssueTokens mints a fresh access+refresh pair and rotates the
// workspace's refresh-token record: the existing `current` (if any)
// becomes `previous` with a short overlap window.
func (s *RefreshService) IssueTokens(ctx context.Context, workspaceID string) (*TokenPair, error) {
	state, err := s.store.GetWorkspaceRefreshState(ctx, workspaceID)
	if err != nil {
		return nil, apperr.Internal("read refresh state", err)
	}

	rawRefresh, err := randomToken()
	if err != nil {
		return nil, apperr.Internal("generate refresh token", err)
	}

	now := time.Now()
	record := storage.RefreshToken{
		TokenHash:   hashToken(rawRefresh),
		WorkspaceID: workspaceID,
		Kind:        storage.RefreshKindCurrent,
		ExpiresAt:   now.Add(s.refreshTTL).UnixMilli(),
	}
	if state.Current != nil {
		record.PreviousTokenHash = state.Current.TokenHash
		record.PreviousValidUntil = now.Add(s.overlapWindow).UnixMilli()

		// The old current record is superseded; mark it previous so a
		// reuse attempt against it is recognised rather than "not found".
		old := *state.Current
		old.Kind = storage.RefreshKindPrevious
		old.PreviousValidUntil = record.PreviousValidUntil
		if err := s.store.SaveWorkspaceRefreshToken(ctx, old); err != nil {
			return nil, apperr.Internal("demote previous refresh token", err)
		}
	}

	if err := s.store.SaveWorkspaceRefreshToken(ctx, record); err != nil {
		return nil, apperr.Internal("save refresh token", err)
	}

	access, accessExp, err := s.keys.IssueAccessToken(workspaceID)
	if err != nil {
		return nil, apperr.Internal("issue access token", err)
	}

	return &TokenPair{
		AccessToken:     access,
		AccessTokenExp:  accessExp,
		RefreshToken:    rawRefresh,
		RefreshTokenExp: now.Add(s.refreshTTL),
	}, nil
}

// Refresh implements the rotation lookup in §4.4: missing → invalid,
// expired current → expired, stale previous → reuse (revoke-all), else
// rotate.
func (s *RefreshService) Refresh(ctx context.Context, rawToken string) (*TokenPair, error) {
	hash := hashToken(rawToken)
	record, err := s.store.GetWorkspaceRefreshToken(ctx, hash)
	if err != nil {
		return nil, apperr.Internal("lookup refresh token", err)
	}
	if record == nil {
		return nil, apperr.WithCode(apperr.KindAuth, "invalid_refresh_token", "refresh token not recognised")
	}

	now := time.Now().UnixMilli()

	if record.Kind == storage.RefreshKindCurrent && now > record.ExpiresAt {
		_ = s.store.DeleteWorkspaceRefreshToken(ctx, hash)
		return nil, apperr.WithCode(apperr.KindAuth, "refresh_token_expired", "refresh token expired")
	}

	if record.Kind == storage.RefreshKindPrevious && now > record.PreviousValidUntil {
		_ = s.store.DeleteWorkspaceRefreshToken(ctx, hash)
		_ = s.store.DeleteWorkspaceRefreshTokens(ctx, record.WorkspaceID)
		_ = s.store.AppendAuditEvent(ctx, record.WorkspaceID, storage.EventRefreshTokenReused, "")
		return nil, apperr.WithCode(apperr.KindAuth, "refresh_token_reused", "refresh token already rotated past its overlap window")
	}

	return s.IssueTokens(ctx, record.WorkspaceID)
}
