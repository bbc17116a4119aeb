// Package provision implements the idempotent workspace provisioning
// step (§4.2): creating the POSIX user/group pair and directory tree a
// workspace's sandboxed commands run under.
package provision

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
)

// Options configures where a workspace's tree lives and which system
// group owns the shared metadata/workspace.secret file.
type Options struct {
	WorkspaceRoot   string
	ServerGroupName string // e.g. "vibe80-server-group"
}

// Result is what a successful (or already-converged) provisioning run
// reports back to the caller.
type Result struct {
	WorkspaceID string
	UID, GID    int
	Secret      string // only non-empty the first time a secret is generated
}

type workspaceMetadata struct {
	WorkspaceID string `json:"workspaceId"`
	UID         int    `json:"uid"`
	GID         int    `json:"gid"`
}

// Provision creates the workspace user, group, directory tree, and
// metadata files if they don't already exist, and re-converges harmlessly
// if they do (§4.2 "Exits non-zero on partial failure... the next call
// re-converges").
func Provision(workspaceID string, opts Options) (*Result, error) {
	uid, gid, err := ensureUserAndGroup(workspaceID)
	if err != nil {
		return nil, fmt.Errorf("provision: ensure user/group: %w", err)
	}

	workspaceDir := filepath.Join(opts.WorkspaceRoot, workspaceID)
	metadataDir := filepath.Join(workspaceDir, "metadata")
	sessionsDir := filepath.Join(workspaceDir, "sessions")

	for _, dir := range []string{workspaceDir, metadataDir, sessionsDir} {
		if err := ensureDir(dir, uid, gid); err != nil {
			return nil, fmt.Errorf("provision: ensure dir %s: %w", dir, err)
		}
	}

	metaPath := filepath.Join(metadataDir, "workspace.json")
	if err := writeMetadataIfAbsent(metaPath, workspaceMetadata{WorkspaceID: workspaceID, UID: uid, GID: gid}, uid, gid); err != nil {
		return nil, fmt.Errorf("provision: write workspace.json: %w", err)
	}

	secretPath := filepath.Join(metadataDir, "workspace.secret")
	secret, generated, err := ensureSecret(secretPath, uid, opts.ServerGroupName)
	if err != nil {
		return nil, fmt.Errorf("provision: ensure secret: %w", err)
	}

	result := &Result{WorkspaceID: workspaceID, UID: uid, GID: gid}
	if generated {
		result.Secret = secret
	}
	return result, nil
}

// ensureUserAndGroup creates a system user/group named workspaceID if
// absent, shelling out to useradd/groupadd directly — no suitable
// library wraps POSIX user management.
func ensureUserAndGroup(workspaceID string) (uid, gid int, err error) {
	if u, err := user.Lookup(workspaceID); err == nil {
		uid, gid, convErr := parseUIDGID(u)
		return uid, gid, convErr
	}

	if _, err := exec.LookPath("groupadd"); err == nil {
		_ = exec.Command("groupadd", "--system", workspaceID).Run() // idempotent: ignore "already exists"
	}
	if out, err := exec.Command("useradd", "--system", "--no-create-home", "--gid", workspaceID, "--shell", "/usr/sbin/nologin", workspaceID).CombinedOutput(); err != nil {
		if _, lookupErr := user.Lookup(workspaceID); lookupErr != nil {
			return 0, 0, fmt.Errorf("useradd: %w: %s", err, out)
		}
	}

	u, err := user.Lookup(workspaceID)
	if err != nil {
		return 0, 0, fmt.Errorf("lookup after useradd: %w", err)
	}
	return parseUIDGID(u)
}

func parseUIDGID(u *user.User) (uid, gid int, err error) {
	if _, err = fmt.Sscanf(u.Uid, "%d", &uid); err != nil {
		return 0, 0, fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	if _, err = fmt.Sscanf(u.Gid, "%d", &gid); err != nil {
		return 0, 0, fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}
	return uid, gid, nil
}

// ensureDir creates dir (and parents) owned uid:gid, mode 02750 — setgid
// so files created under it inherit the group, and o-rwx so sibling
// workspaces cannot traverse into it (§4.2).
func ensureDir(dir string, uid, gid int) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	if err := os.Chown(dir, uid, gid); err != nil {
		return err
	}
	// os.FileMode's setgid bit is a separate flag from the permission
	// bits, so MkdirAll's perm argument alone can't request it; Chmod
	// with os.ModeSetgid set is the only way to land mode 02750.
	return os.Chmod(dir, os.ModeSetgid|0o750)
}

func writeMetadataIfAbsent(path string, meta workspaceMetadata, uid, gid int) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return err
	}
	return os.Chown(path, uid, gid)
}

// ensureSecret writes a freshly generated 256-bit secret the first time
// it's called for a workspace and leaves an existing one untouched,
// owned uid:serverGroup mode 0640 (§4.2).
func ensureSecret(path string, uid int, serverGroupName string) (secret string, generated bool, err error) {
	if existing, err := os.ReadFile(path); err == nil {
		return string(existing), false, nil
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", false, err
	}
	secret = hex.EncodeToString(raw)

	if err := os.WriteFile(path, []byte(secret), 0o640); err != nil {
		return "", false, err
	}
	if err := os.Chown(path, uid, -1); err != nil {
		return "", false, err
	}
	if serverGroupName != "" {
		if g, err := user.LookupGroup(serverGroupName); err == nil {
			var gid int
			if _, err := fmt.Sscanf(g.Gid, "%d", &gid); err == nil {
				_ = os.Chown(path, uid, gid)
			}
		}
	}
	return secret, true, nil
}
