package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// provisionResult mirrors provision.Result's wire shape (cmd/create-workspace
// prints it as JSON on stdout).
type provisionResult struct {
	WorkspaceID string `json:"WorkspaceID"`
	UID         int    `json:"UID"`
	GID         int    `json:"GID"`
	Secret      string `json:"Secret"`
}

// SudoProvisioner invokes `sudo create-workspace` out-of-process, the
// same shape C1's sandbox.Build uses for run-as: the server process
// itself is never root, so provisioning is delegated to a narrowly
// scoped sudo rule.
type SudoProvisioner struct {
	SudoPath           string
	CreateWorkspacePath string
	WorkspaceRoot      string
}

func NewSudoProvisioner(workspaceRoot string) *SudoProvisioner {
	return &SudoProvisioner{SudoPath: "sudo", CreateWorkspacePath: "create-workspace", WorkspaceRoot: workspaceRoot}
}

func (p *SudoProvisioner) Provision(ctx context.Context, workspaceID string) (uid, gid int, err error) {
	cmd := exec.CommandContext(ctx, p.SudoPath, p.CreateWorkspacePath,
		"--workspace-id", workspaceID,
		"--workspace-root", p.WorkspaceRoot,
	)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return 0, 0, fmt.Errorf("create-workspace: %w: %s", err, ee.Stderr)
		}
		return 0, 0, fmt.Errorf("create-workspace: %w", err)
	}

	var result provisionResult
	if err := json.Unmarshal(out, &result); err != nil {
		return 0, 0, fmt.Errorf("create-workspace: parse result: %w", err)
	}
	return result.UID, result.GID, nil
}
