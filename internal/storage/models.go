package storage

import "encoding/json"

// Workspace is the tenant record: one OS user, one set of provider credentials.
type Workspace struct {
	ID            string
	SecretHash    string // hex-encoded SHA-256
	UID           int
	GID           int
	ProvidersJSON string // serialised map[string]ProviderConfig
	CreatedAt     int64  // epoch ms
	UpdatedAt     int64  // epoch ms
}

// Session is a Git clone bound to a workspace.
type Session struct {
	ID             string
	WorkspaceID    string
	RepoURL        string
	Name           string
	CreatedAt      int64
	LastActivityAt int64
	RepositoryDir  string
	AttachmentsDir string
	WorktreesDir   string
	LogsDir        string
}

// Worktree statuses, per §3/§4.8 of the spec.
const (
	WorktreeCreating      = "creating"
	WorktreeReady         = "ready"
	WorktreeProcessing    = "processing"
	WorktreeCompleted     = "completed"
	WorktreeIdle          = "idle"
	WorktreeStopped       = "stopped"
	WorktreeError         = "error"
	WorktreeMerging       = "merging"
	WorktreeMergeConflict = "merge_conflict"
)

// MainWorktreeID is the reserved pseudo-worktree aliasing the session's
// default branch; it cannot be closed.
const MainWorktreeID = "main"

// Worktree is a Git worktree within a session; the unit of agent activity.
type Worktree struct {
	ID               string
	SessionID        string
	BranchName       string
	Status           string
	Provider         string
	ConfigJSON       string // WorktreeConfig, serialised
	ParentWorktreeID string
	CreatedAt        int64
	Color            string
}

// WorktreeConfig is the per-worktree config a client may set at create
// time (§3): model, reasoning effort, internet-access flag, and
// deny-credentials flag, plus the forking parent for context=fork.
type WorktreeConfig struct {
	Model            string `json:"model,omitempty"`
	ReasoningEffort  string `json:"reasoningEffort,omitempty"`
	InternetAccess   bool   `json:"internetAccess,omitempty"`
	DenyCredentials  bool   `json:"denyCredentials,omitempty"`
	ParentWorktreeID string `json:"parentWorktreeId,omitempty"`
}

// Config decodes w.ConfigJSON into a WorktreeConfig; an empty or
// unparseable ConfigJSON decodes to the zero value rather than erroring,
// since every field in it is optional.
func (w Worktree) Config() WorktreeConfig {
	var cfg WorktreeConfig
	if w.ConfigJSON == "" {
		return cfg
	}
	_ = json.Unmarshal([]byte(w.ConfigJSON), &cfg)
	return cfg
}

// EncodeWorktreeConfig serialises cfg for storage in Worktree.ConfigJSON.
func EncodeWorktreeConfig(cfg WorktreeConfig) string {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ChatMessage roles and command-execution statuses, per §3.
const (
	RoleUser             = "user"
	RoleAssistant        = "assistant"
	RoleToolResult       = "tool_result"
	RoleCommandExecution = "command_execution"

	CommandRunning   = "running"
	CommandCompleted = "completed"
	CommandError     = "error"
)

// ChatMessage is one append-only entry in a worktree's message log.
type ChatMessage struct {
	ID              string
	SessionID       string
	WorktreeID      string
	Role            string
	Text            string
	AttachmentsJSON string
	Timestamp       int64

	Command string
	Output  string
	Status  string
}

// RefreshToken kinds, per §4.4.
const (
	RefreshKindCurrent  = "current"
	RefreshKindPrevious = "previous"
)

// RefreshToken is keyed by the SHA-256 hash of the opaque raw token; the
// raw value is never persisted.
type RefreshToken struct {
	TokenHash          string
	WorkspaceID        string
	Kind               string
	ExpiresAt          int64
	PreviousTokenHash  string
	PreviousValidUntil int64
}

// RefreshState is what issueTokens reads before minting a new pair: the
// current workspace's live refresh record, if any.
type RefreshState struct {
	Current *RefreshToken
}

// AuditEvent is one append-only audit-log row.
type AuditEvent struct {
	ID          int64
	Ts          int64
	WorkspaceID string
	Event       string
	DetailsJSON string
}

// Audit event names, per §4.12.
const (
	EventWorkspaceLoginSuccess  = "workspace_login_success"
	EventWorkspaceLoginFailed   = "workspace_login_failed"
	EventWorkspaceSecretRotated = "workspace_secret_rotated"
	EventWorkspaceUpdated       = "workspace_updated"
	EventSessionCreated         = "session_created"
	EventWorktreeCreated        = "worktree_created"
	EventWorktreeClosed         = "worktree_closed"
	EventAgentSpawnFailed       = "agent_spawn_failed"
	EventRefreshTokenReused     = "refresh_token_reused"
)
