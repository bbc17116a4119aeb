package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
)

// workspaceMetadata mirrors the workspace.json file written by
// cmd/create-workspace (§4.2).
type workspaceMetadata struct {
	WorkspaceID string `json:"workspaceId"`
	UID         int    `json:"uid"`
	GID         int    `json:"gid"`
}

// PasswdResolver resolves a workspace id to uid/gid via the system
// name-service, falling back to the workspace's own metadata file
// (§4.1 rule 1) when the lookup fails — e.g. because NSS caching hasn't
// caught up with a just-provisioned user.
type PasswdResolver struct {
	WorkspaceRoot string
}

func (r PasswdResolver) Resolve(workspaceID string) (uid, gid int, err error) {
	if u, lookupErr := user.Lookup(workspaceID); lookupErr == nil {
		uid, err = strconv.Atoi(u.Uid)
		if err != nil {
			return 0, 0, fmt.Errorf("sandbox: parse uid %q: %w", u.Uid, err)
		}
		gid, err = strconv.Atoi(u.Gid)
		if err != nil {
			return 0, 0, fmt.Errorf("sandbox: parse gid %q: %w", u.Gid, err)
		}
		return uid, gid, nil
	}

	path := filepath.Join(r.WorkspaceRoot, workspaceID, "metadata", "workspace.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("sandbox: resolve %q via passwd or metadata file: %w", workspaceID, err)
	}
	var meta workspaceMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return 0, 0, fmt.Errorf("sandbox: parse workspace metadata: %w", err)
	}
	return meta.UID, meta.GID, nil
}
