package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DEPLOYMENT_MODE", "")
	t.Setenv("STORAGE_BACKEND", "")
	t.Setenv("SQLITE_PATH", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DeploymentMode != "multi_user" {
		t.Errorf("DeploymentMode = %q, want multi_user", cfg.DeploymentMode)
	}
	if cfg.StorageBackend != "sqlite" {
		t.Errorf("StorageBackend = %q, want sqlite", cfg.StorageBackend)
	}
	if cfg.MaxWorktreesPerSession != 10 {
		t.Errorf("MaxWorktreesPerSession = %d, want 10", cfg.MaxWorktreesPerSession)
	}
	if cfg.RefreshOverlapWindow != 60*time.Second {
		t.Errorf("RefreshOverlapWindow = %v, want 60s", cfg.RefreshOverlapWindow)
	}
}

func TestLoadRejectsBadDeploymentMode(t *testing.T) {
	t.Setenv("DEPLOYMENT_MODE", "nonsense")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid DEPLOYMENT_MODE")
	}
}

func TestLoadRejectsMissingRedisURL(t *testing.T) {
	t.Setenv("DEPLOYMENT_MODE", "multi_user")
	t.Setenv("STORAGE_BACKEND", "redis")
	t.Setenv("REDIS_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing REDIS_URL")
	}
}

func TestAllowedOriginsParsing(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://*.b.example.com")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []string{"https://a.example.com", "https://*.b.example.com"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins = %v, want %v", cfg.AllowedOrigins, want)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Errorf("AllowedOrigins[%d] = %q, want %q", i, cfg.AllowedOrigins[i], want[i])
		}
	}
}

func TestWorkspaceDir(t *testing.T) {
	cfg := &Config{WorkspaceRootDirectory: "/srv/vibe80/workspaces"}
	got := cfg.WorkspaceDir("w0123456789abcdef01234567")
	want := "/srv/vibe80/workspaces/w0123456789abcdef01234567"
	if got != want {
		t.Errorf("WorkspaceDir() = %q, want %q", got, want)
	}
}
