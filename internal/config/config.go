// Package config loads server configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable the server reads at boot.
type Config struct {
	// Server
	Port int
	Host string

	// Deployment
	DeploymentMode string // mono_user | multi_user

	// Storage
	StorageBackend string // sqlite | redis
	SQLitePath     string
	RedisURL       string
	RedisKeyPrefix string

	// Identity
	JWTKeyPath           string
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	RefreshOverlapWindow time.Duration
	HandoffTokenTTL      time.Duration
	MonoAuthTokenTTL     time.Duration

	// Workspace filesystem layout
	WorkspaceRootDirectory string
	WorkspaceHomeBase      string

	// Sandbox helpers
	SudoPath                  string
	RunAsHelperPath           string
	CreateWorkspaceHelperPath string

	// Worktree / agent turn limits
	MaxWorktreesPerSession int
	TurnCancelGracePeriod  time.Duration
	PromptTimeout          time.Duration

	// Gateway
	AllowedOrigins    []string
	WSPingInterval    time.Duration
	HTTPReadTimeout   time.Duration
	HTTPIdleTimeout   time.Duration
	WSReadBufferSize  int
	WSWriteBufferSize int

	// Attachments / explorer
	AttachmentsMaxUploadBytes int64
	FileListMaxEntries        int
	FileFindMaxEntries        int
	FileListTimeout           time.Duration
	FileFindTimeout           time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Agent providers to enable at boot (CLI flags fold into here).
	EnableCodex  bool
	EnableClaude bool
}

// Load reads configuration from environment variables, applying defaults
// and failing fast on missing required fields.
func Load() (*Config, error) {
	cfg := &Config{
		Port: getEnvInt("PORT", 8080),
		Host: getEnv("HOST", "0.0.0.0"),

		DeploymentMode: getEnv("DEPLOYMENT_MODE", "multi_user"),

		StorageBackend: getEnv("STORAGE_BACKEND", "sqlite"),
		SQLitePath:     getEnv("SQLITE_PATH", "/var/lib/vibe80/vibe80.db"),
		RedisURL:       getEnv("REDIS_URL", ""),
		RedisKeyPrefix: getEnv("REDIS_KEY_PREFIX", "vibe80:"),

		JWTKeyPath:           getEnv("JWT_KEY_PATH", "/var/lib/vibe80/jwt.key"),
		AccessTokenTTL:       getEnvDuration("ACCESS_TOKEN_TTL", 1*time.Hour),
		RefreshTokenTTL:      getEnvDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
		RefreshOverlapWindow: getEnvDuration("REFRESH_OVERLAP_WINDOW", 60*time.Second),
		HandoffTokenTTL:      getEnvDuration("HANDOFF_TOKEN_TTL", 2*time.Minute),
		MonoAuthTokenTTL:     getEnvDuration("MONO_AUTH_TOKEN_TTL", 10*time.Minute),

		WorkspaceRootDirectory: getEnv("WORKSPACE_ROOT_DIRECTORY", "/srv/vibe80/workspaces"),
		WorkspaceHomeBase:      getEnv("WORKSPACE_HOME_BASE", "/home"),

		SudoPath:                  getEnv("SUDO_PATH", "/usr/bin/sudo"),
		RunAsHelperPath:           getEnv("RUN_AS_HELPER_PATH", "/usr/local/bin/run-as"),
		CreateWorkspaceHelperPath: getEnv("CREATE_WORKSPACE_HELPER_PATH", "/usr/local/bin/create-workspace"),

		MaxWorktreesPerSession: getEnvInt("MAX_WORKTREES_PER_SESSION", 10),
		TurnCancelGracePeriod:  getEnvDuration("TURN_CANCEL_GRACE_PERIOD", 5*time.Second),
		PromptTimeout:          getEnvDuration("PROMPT_TIMEOUT", 60*time.Minute),

		AllowedOrigins:    getEnvStringSlice("ALLOWED_ORIGINS", nil),
		WSPingInterval:    getEnvDuration("WS_PING_INTERVAL", 25*time.Second),
		HTTPReadTimeout:   getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:   getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),

		AttachmentsMaxUploadBytes: int64(getEnvInt("ATTACHMENTS_MAX_UPLOAD_BYTES", 50*1024*1024)),
		FileListMaxEntries:        getEnvInt("FILE_LIST_MAX_ENTRIES", 2000),
		FileFindMaxEntries:        getEnvInt("FILE_FIND_MAX_ENTRIES", 5000),
		FileListTimeout:           getEnvDuration("FILE_LIST_TIMEOUT", 10*time.Second),
		FileFindTimeout:           getEnvDuration("FILE_FIND_TIMEOUT", 15*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if cfg.DeploymentMode != "mono_user" && cfg.DeploymentMode != "multi_user" {
		return nil, fmt.Errorf("DEPLOYMENT_MODE must be mono_user or multi_user, got %q", cfg.DeploymentMode)
	}

	switch cfg.StorageBackend {
	case "sqlite":
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("SQLITE_PATH is required when STORAGE_BACKEND=sqlite")
		}
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required when STORAGE_BACKEND=redis")
		}
	default:
		return nil, fmt.Errorf("STORAGE_BACKEND must be sqlite or redis, got %q", cfg.StorageBackend)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// WorkspaceDir returns the absolute directory for a given workspace id.
func (c *Config) WorkspaceDir(workspaceID string) string {
	return c.WorkspaceRootDirectory + "/" + workspaceID
}
