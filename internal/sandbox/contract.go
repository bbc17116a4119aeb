// Package sandbox implements the run-as contract: the fixed set of rules a
// root-invoked helper applies before it execs into a workspace-owned
// command. The contract is shared between the helper binary (cmd/run-as,
// which enforces it) and the server (which constructs invocations against
// it), so the two can never drift apart.
package sandbox

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// NetworkMode selects the seccomp network posture for a run-as invocation.
type NetworkMode int

const (
	NetworkNone NetworkMode = iota
	NetworkTCP
	NetworkBind
)

// CommandAllowList is the built-in set of absolute-path-resolvable
// executables a workspace process may run (§4.1 rule 3).
var CommandAllowList = map[string]bool{
	"git":         true,
	"ssh-keyscan": true,
	"mkdir":       true,
	"chmod":       true,
	"cat":         true,
	"rm":          true,
	"ls":          true,
	"stat":        true,
	"head":        true,
	"find":        true,
	"tee":         true,
	"env":         true,
	"id":          true,
	"bash":        true,
	"sh":          true,
	"codex":       true,
	"claude":      true,
}

// EnvAllowList is the static set of environment variable names a run-as
// invocation may forward to the child (§4.1 rule 4).
var EnvAllowList = map[string]bool{
	"GIT_SSH_COMMAND":    true,
	"GIT_CONFIG_GLOBAL":  true,
	"GIT_TERMINAL_PROMPT": true,
	"TERM":               true,
	"TMPDIR":             true,
}

// ForcedPATH is the PATH every run-as child execs with, regardless of the
// caller's environment (§4.1 rule 7).
const ForcedPATH = "/usr/local/bin:/usr/bin:/bin"

var workspaceIDPattern = regexp.MustCompile(`^w[0-9a-f]{24}$`)

// Request is a parsed, not-yet-validated run-as invocation.
type Request struct {
	WorkspaceID string
	Cwd         string
	Env         []string // "KEY=VALUE" pairs
	AllowRO     []string
	AllowRW     []string
	AllowROFile []string
	AllowRWFile []string
	Network     NetworkMode
	NetworkPorts []int
	Seccomp     bool
	Cmd         string
	Args        []string
}

// WorkspaceRoots locates where a workspace's home and data directories
// live, so Validate can check cwd containment (§4.1 rule 2).
type WorkspaceRoots struct {
	HomeBase     string
	WorkspaceRoot string
}

// Validated is the result of a successful Validate call: the resolved
// absolute command path and the workspace's resolved uid/gid.
type Validated struct {
	CommandPath string
	UID, GID    int
}

// UIDResolver resolves a workspace id to its POSIX uid/gid, falling back
// to the workspace metadata file when name-service lookup fails (§4.1
// rule 1). The implementation lives in uidresolver.go (os/user plus the
// metadata-file fallback) to keep this file free of I/O so it can be
// unit tested without a real passwd database.
type UIDResolver interface {
	Resolve(workspaceID string) (uid, gid int, err error)
}

// Validate applies the checking rules of §4.1 (1–4: workspace id, cwd,
// command, env keys) in order and returns the resolved command path plus
// uid/gid, or the first violated rule as an error. The Landlock, seccomp
// and exec rules are applied afterwards by cmd/run-as. It performs no I/O
// beyond the resolver and the command path lookup.
func Validate(req Request, roots WorkspaceRoots, resolver UIDResolver) (*Validated, error) {
	if !workspaceIDPattern.MatchString(req.WorkspaceID) {
		return nil, fmt.Errorf("sandbox: invalid workspace id %q", req.WorkspaceID)
	}
	uid, gid, err := resolver.Resolve(req.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve workspace id: %w", err)
	}

	if req.Cwd != "" {
		if err := validateCwd(req.Cwd, req.WorkspaceID, roots); err != nil {
			return nil, err
		}
	}

	cmdPath, err := validateCommand(req.Cmd)
	if err != nil {
		return nil, err
	}

	for _, kv := range req.Env {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || !EnvAllowList[key] {
			return nil, fmt.Errorf("sandbox: environment variable %q is not allow-listed", key)
		}
	}

	return &Validated{CommandPath: cmdPath, UID: uid, GID: gid}, nil
}

func validateCwd(cwd, workspaceID string, roots WorkspaceRoots) error {
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return fmt.Errorf("sandbox: resolve cwd: %w", err)
	}
	abs = filepath.Clean(abs)

	inHome := roots.HomeBase != "" && isWithin(abs, filepath.Join(roots.HomeBase, workspaceID))
	inRoot := roots.WorkspaceRoot != "" && isWithin(abs, filepath.Join(roots.WorkspaceRoot, workspaceID))
	if !inHome && !inRoot {
		return fmt.Errorf("sandbox: cwd outside workspace: %q is not under workspace %q", cwd, workspaceID)
	}
	return nil
}

func isWithin(path, base string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && rel != "..")
}

func validateCommand(cmd string) (string, error) {
	base := filepath.Base(cmd)
	if !CommandAllowList[base] {
		return "", fmt.Errorf("sandbox: command %q is not allow-listed", base)
	}
	resolved, err := exec.LookPath(cmd)
	if err != nil {
		return "", fmt.Errorf("sandbox: resolve command %q: %w", cmd, err)
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return "", fmt.Errorf("sandbox: absolutize command path: %w", err)
	}
	return abs, nil
}

// ParseNetworkMode parses the `--net` flag value (none|tcp:PORTS|bind:PORTS).
func ParseNetworkMode(s string) (NetworkMode, []int, error) {
	if s == "" || s == "none" {
		return NetworkNone, nil, nil
	}
	kind, portList, ok := strings.Cut(s, ":")
	var mode NetworkMode
	switch kind {
	case "tcp":
		mode = NetworkTCP
	case "bind":
		mode = NetworkBind
	default:
		return NetworkNone, nil, fmt.Errorf("sandbox: unknown network mode %q", s)
	}
	if !ok || portList == "" {
		return NetworkNone, nil, fmt.Errorf("sandbox: network mode %q requires a port list", s)
	}
	var ports []int
	for _, p := range strings.Split(portList, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return NetworkNone, nil, fmt.Errorf("sandbox: invalid port %q: %w", p, err)
		}
		ports = append(ports, n)
	}
	return mode, ports, nil
}

// BaseReadOnlyPaths returns the auto-added RO set for a resolved command
// path (§4.1 rule 5): the command's own directory plus the standard
// library/binary locations every allow-listed command needs to run.
func BaseReadOnlyPaths(cmdPath string) []string {
	paths := []string{
		filepath.Dir(cmdPath),
		"/lib", "/lib64", "/usr/lib", "/usr/lib64",
		"/usr/local/bin", "/usr/local/lib",
	}
	seen := make(map[string]bool, len(paths))
	out := paths[:0]
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
