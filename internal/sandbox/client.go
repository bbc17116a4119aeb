package sandbox

import (
	"fmt"
	"io"
	"os/exec"
)

// InvocationConfig describes a command the server wants run inside a
// workspace's sandbox. It is the server-side mirror of Request: building
// one and handing it to Build never bypasses the run-as contract,
// because the helper re-validates everything independently.
type InvocationConfig struct {
	WorkspaceID string
	Cwd         string
	Env         []string
	AllowRO     []string
	AllowRW     []string
	AllowROFile []string
	AllowRWFile []string
	Network     string // "none", "tcp:PORTS", "bind:PORTS"
	Seccomp     bool
	Cmd         string
	Args        []string
}

// SudoPath and RunAsPath are overridable for tests and for deployments
// that install the helper outside the default PATH.
var (
	SudoPath  = "sudo"
	RunAsPath = "run-as"
)

// Build constructs the `sudo run-as ...` command line for cfg. The
// returned *exec.Cmd has no pipes wired yet; callers attach
// Stdin/Stdout/Stderr themselves depending on whether they need
// streaming (agent subprocess) or a one-shot Output() call (git, find).
func Build(cfg InvocationConfig) *exec.Cmd {
	args := []string{RunAsPath, "--workspace-id", cfg.WorkspaceID}
	if cfg.Cwd != "" {
		args = append(args, "--cwd", cfg.Cwd)
	}
	for _, kv := range cfg.Env {
		args = append(args, "--env", kv)
	}
	for _, d := range cfg.AllowRO {
		args = append(args, "--allow-ro", d)
	}
	for _, d := range cfg.AllowRW {
		args = append(args, "--allow-rw", d)
	}
	for _, f := range cfg.AllowROFile {
		args = append(args, "--allow-ro-file", f)
	}
	for _, f := range cfg.AllowRWFile {
		args = append(args, "--allow-rw-file", f)
	}
	net := cfg.Network
	if net == "" {
		net = "none"
	}
	args = append(args, "--net", net)
	seccomp := "off"
	if cfg.Seccomp {
		seccomp = "on"
	}
	args = append(args, "--seccomp", seccomp)
	args = append(args, "--")
	args = append(args, cfg.Cmd)
	args = append(args, cfg.Args...)

	return exec.Command(SudoPath, args...)
}

// Output runs cfg to completion and returns combined stdout, matching
// the one-shot subprocess idiom used for git/find invocations; stderr is
// folded into the returned error for diagnostics.
func Output(cfg InvocationConfig) ([]byte, error) {
	cmd := Build(cfg)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("sandbox: %s %v: %w: %s", cfg.Cmd, cfg.Args, err, ee.Stderr)
		}
		return nil, fmt.Errorf("sandbox: %s %v: %w", cfg.Cmd, cfg.Args, err)
	}
	return out, nil
}

// StartPiped starts cfg with stdin/stdout/stderr pipes attached, for the
// long-lived agent subprocess case (§4.8).
func StartPiped(cfg InvocationConfig) (cmd *exec.Cmd, stdin io.WriteCloser, stdout, stderr io.ReadCloser, err error) {
	cmd = Build(cfg)

	stdin, err = cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("sandbox: stdin pipe: %w", err)
	}
	stdout, err = cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, nil, nil, nil, fmt.Errorf("sandbox: stdout pipe: %w", err)
	}
	stderr, err = cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, nil, nil, nil, fmt.Errorf("sandbox: stderr pipe: %w", err)
	}
	if err = cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, nil, nil, nil, fmt.Errorf("sandbox: start: %w", err)
	}
	return cmd, stdin, stdout, stderr, nil
}
