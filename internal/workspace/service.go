// Package workspace implements workspace lifecycle operations (C5):
// creation (via the root-owned provisioner), provider-config updates,
// and secret verification.
package workspace

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/storage"
)

// ProviderAuthType enumerates how a provider's credential is supplied.
type ProviderAuthType string

const (
	AuthAPIKey       ProviderAuthType = "api_key"
	AuthJSONBase64   ProviderAuthType = "auth_json_b64"
	AuthSetupToken   ProviderAuthType = "setup_token"
)

var validAuthTypes = map[ProviderAuthType]bool{
	AuthAPIKey:     true,
	AuthJSONBase64: true,
	AuthSetupToken: true,
}

// ProviderAuth is one provider's credential payload.
type ProviderAuth struct {
	Type  ProviderAuthType `json:"type"`
	Value string           `json:"value"`
}

// ProviderConfig is one entry in a workspace's provider map.
type ProviderConfig struct {
	Enabled bool          `json:"enabled"`
	Auth    *ProviderAuth `json:"auth,omitempty"`
}

// Providers is the full provider-key → config map (§3 DATA MODEL).
type Providers map[string]ProviderConfig

// Store is the subset of storage.Store the workspace service needs.
type Store interface {
	SaveWorkspace(ctx context.Context, w storage.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*storage.Workspace, error)
	ListSessions(ctx context.Context, workspaceID string) ([]storage.Session, error)
	AppendAuditEvent(ctx context.Context, workspaceID, event, detailsJSON string) error
}

// Provisioner creates the workspace's OS user/group and directory tree;
// satisfied by a client that shells out to `sudo create-workspace`
// (cmd/create-workspace, §4.2), kept as an interface so tests can stub it.
type Provisioner interface {
	Provision(ctx context.Context, workspaceID string) (uid, gid int, err error)
}

// IDGenerator mints a workspace id matching `^w[0-9a-f]{24}$`.
type IDGenerator func() (string, error)

// Service implements C5.
type Service struct {
	store       Store
	provisioner Provisioner
	newID       IDGenerator
}

func NewService(store Store, provisioner Provisioner) *Service {
	return &Service{store: store, provisioner: provisioner, newID: defaultIDGenerator}
}

func defaultIDGenerator() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "w" + hex.EncodeToString(b), nil
}

func hashSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CreateWorkspace synthesises a workspace id and secret, provisions the
// OS user via C2, and persists the record. The secret is returned once
// and never again (§4.5).
func (s *Service) CreateWorkspace(ctx context.Context, providers Providers) (workspaceID, workspaceSecret string, err error) {
	if providers == nil {
		providers = Providers{}
	}
	if err := validateProviders(providers); err != nil {
		return "", "", apperr.Wrap(apperr.KindValidation, "invalid provider config", err)
	}

	id, err := s.newID()
	if err != nil {
		return "", "", apperr.Internal("generate workspace id", err)
	}

	uid, gid, err := s.provisioner.Provision(ctx, id)
	if err != nil {
		return "", "", apperr.Internal("provision workspace", err)
	}

	secretRaw := make([]byte, 32)
	if _, err := rand.Read(secretRaw); err != nil {
		return "", "", apperr.Internal("generate workspace secret", err)
	}
	secret := hex.EncodeToString(secretRaw)

	providersJSON, err := json.Marshal(providers)
	if err != nil {
		return "", "", apperr.Internal("marshal providers", err)
	}

	now := time.Now().UnixMilli()
	record := storage.Workspace{
		ID:            id,
		SecretHash:    hashSecret(secret),
		UID:           uid,
		GID:           gid,
		ProvidersJSON: string(providersJSON),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.SaveWorkspace(ctx, record); err != nil {
		return "", "", apperr.Internal("persist workspace", err)
	}

	return id, secret, nil
}

// UpdateWorkspace validates and merges a provider-config patch, rejecting
// an attempt to disable a provider that a live session is actively using
// (§4.5). activeProviders should list providers currently in use by any
// non-terminal worktree.
func (s *Service) UpdateWorkspace(ctx context.Context, workspaceID string, patch Providers, activeProviders map[string]bool) error {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return apperr.Internal("read workspace", err)
	}
	if ws == nil {
		return apperr.NotFound("workspace not found")
	}

	var current Providers
	if err := json.Unmarshal([]byte(ws.ProvidersJSON), &current); err != nil {
		return apperr.Internal("parse stored providers", err)
	}
	if current == nil {
		current = Providers{}
	}

	if err := validateProviders(patch); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid provider config", err)
	}
	for key, cfg := range patch {
		if !cfg.Enabled && activeProviders[key] {
			return apperr.Conflict(fmt.Sprintf("provider %q has an active session and cannot be disabled", key))
		}
		current[key] = cfg
	}

	merged, err := json.Marshal(current)
	if err != nil {
		return apperr.Internal("marshal providers", err)
	}
	ws.ProvidersJSON = string(merged)
	ws.UpdatedAt = time.Now().UnixMilli()

	if err := s.store.SaveWorkspace(ctx, *ws); err != nil {
		return apperr.Internal("persist workspace", err)
	}
	return s.store.AppendAuditEvent(ctx, workspaceID, storage.EventWorkspaceUpdated, "")
}

// SanitisedProviderConfig is what readWorkspaceConfig returns: auth
// payloads are replaced with a presence flag, never echoed back (§4.5).
type SanitisedProviderConfig struct {
	Enabled  bool `json:"enabled"`
	HasValue bool `json:"hasValue"`
}

// ReadWorkspaceConfig returns the workspace's provider map with every
// auth value redacted to a presence flag.
func (s *Service) ReadWorkspaceConfig(ctx context.Context, workspaceID string) (map[string]SanitisedProviderConfig, error) {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, apperr.Internal("read workspace", err)
	}
	if ws == nil {
		return nil, apperr.NotFound("workspace not found")
	}

	var providers Providers
	if err := json.Unmarshal([]byte(ws.ProvidersJSON), &providers); err != nil {
		return nil, apperr.Internal("parse stored providers", err)
	}

	out := make(map[string]SanitisedProviderConfig, len(providers))
	for key, cfg := range providers {
		out[key] = SanitisedProviderConfig{Enabled: cfg.Enabled, HasValue: cfg.Auth != nil && cfg.Auth.Value != ""}
	}
	return out, nil
}

// RawProviderAuth returns the unredacted credential for one enabled
// provider, for internal use only (spawning an agent subprocess); never
// exposed over the wire the way ReadWorkspaceConfig's output is.
func (s *Service) RawProviderAuth(ctx context.Context, workspaceID, provider string) (*ProviderAuth, error) {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, apperr.Internal("read workspace", err)
	}
	if ws == nil {
		return nil, apperr.NotFound("workspace not found")
	}

	var providers Providers
	if err := json.Unmarshal([]byte(ws.ProvidersJSON), &providers); err != nil {
		return nil, apperr.Internal("parse stored providers", err)
	}

	cfg, ok := providers[provider]
	if !ok || !cfg.Enabled || cfg.Auth == nil {
		return nil, apperr.Validation("provider is not enabled for this workspace")
	}
	return cfg.Auth, nil
}

// VerifyWorkspaceSecret constant-time compares raw against the stored
// SHA-256 hash (§4.5).
func (s *Service) VerifyWorkspaceSecret(ctx context.Context, workspaceID, raw string) (bool, error) {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return false, apperr.Internal("read workspace", err)
	}
	if ws == nil {
		return false, apperr.NotFound("workspace not found")
	}

	got := hashSecret(raw)
	ok := subtle.ConstantTimeCompare([]byte(got), []byte(ws.SecretHash)) == 1
	event := storage.EventWorkspaceLoginSuccess
	if !ok {
		event = storage.EventWorkspaceLoginFailed
	}
	_ = s.store.AppendAuditEvent(ctx, workspaceID, event, "")
	return ok, nil
}

// AppendAuditLog forwards an audit event for workspaceID to storage.
func (s *Service) AppendAuditLog(ctx context.Context, workspaceID, event, detailsJSON string) error {
	if err := s.store.AppendAuditEvent(ctx, workspaceID, event, detailsJSON); err != nil {
		return apperr.Internal("append audit event", err)
	}
	return nil
}

func validateProviders(providers Providers) error {
	for key, cfg := range providers {
		if cfg.Enabled {
			if cfg.Auth == nil {
				return fmt.Errorf("provider %q is enabled but has no auth configured", key)
			}
			if !validAuthTypes[cfg.Auth.Type] {
				return fmt.Errorf("provider %q has unknown auth type %q", key, cfg.Auth.Type)
			}
			if cfg.Auth.Value == "" {
				return fmt.Errorf("provider %q auth value is empty", key)
			}
		}
	}
	return nil
}
