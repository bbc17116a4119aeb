// Command run-as is the root-invoked helper that enforces the sandbox
// contract (§4.1) before execing into a workspace-owned command. It is
// never run directly by a workspace user: the server shells out to it
// through password-less sudo, and the contract is what keeps that sudo
// rule safe to grant.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/vibe80/vibe80/internal/sandbox"
)

type stringList []string

func (s *stringList) String() string { return fmt.Sprint([]string(*s)) }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("run-as", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		workspaceID               string
		cwd                       string
		envVars, allowRO, allowRW stringList
		allowROFile, allowRWFile  stringList
		net                       string
		seccompFlag               string
		homeBase, workspaceRoot   string
	)
	fs.StringVar(&workspaceID, "workspace-id", "", "")
	fs.StringVar(&cwd, "cwd", "", "")
	fs.Var(&envVars, "env", "")
	fs.Var(&allowRO, "allow-ro", "")
	fs.Var(&allowRW, "allow-rw", "")
	fs.Var(&allowROFile, "allow-ro-file", "")
	fs.Var(&allowRWFile, "allow-rw-file", "")
	fs.StringVar(&net, "net", "none", "")
	fs.StringVar(&seccompFlag, "seccomp", "on", "")
	fs.StringVar(&homeBase, "home-base", envOr("VIBE80_HOME_BASE", "/home"), "")
	fs.StringVar(&workspaceRoot, "workspace-root", envOr("VIBE80_WORKSPACE_ROOT", "/srv/vibe80/workspaces"), "")

	// Unknown flags are ignored deliberately (§4.1 "Failure modes"), so
	// parse leniently: stop at "--" and hand everything after it to cmd/args.
	dashIdx := -1
	for i, a := range args {
		if a == "--" {
			dashIdx = i
			break
		}
	}
	var flagArgs, trailing []string
	if dashIdx >= 0 {
		flagArgs, trailing = args[:dashIdx], args[dashIdx+1:]
	} else {
		flagArgs = args
	}
	if err := fs.Parse(flagArgs); err != nil {
		return 2
	}
	if len(trailing) == 0 {
		fmt.Fprintln(os.Stderr, "run-as: missing -- <cmd> <args...>")
		return 1
	}

	netMode, netPorts, err := sandbox.ParseNetworkMode(net)
	if err != nil {
		fmt.Fprintln(os.Stderr, "run-as:", err)
		return 1
	}

	req := sandbox.Request{
		WorkspaceID:  workspaceID,
		Cwd:          cwd,
		Env:          envVars,
		AllowRO:      allowRO,
		AllowRW:      allowRW,
		AllowROFile:  allowROFile,
		AllowRWFile:  allowRWFile,
		Network:      netMode,
		NetworkPorts: netPorts,
		Seccomp:      seccompFlag != "off",
		Cmd:          trailing[0],
		Args:         trailing[1:],
	}
	roots := sandbox.WorkspaceRoots{HomeBase: homeBase, WorkspaceRoot: workspaceRoot}
	resolver := sandbox.PasswdResolver{WorkspaceRoot: workspaceRoot}

	validated, err := sandbox.Validate(req, roots, resolver)
	if err != nil {
		fmt.Fprintln(os.Stderr, "run-as:", err)
		return 1
	}

	roDirs := append(sandbox.BaseReadOnlyPaths(validated.CommandPath), req.AllowRO...)
	if err := sandbox.RestrictFilesystem(roDirs, req.AllowRW, req.AllowROFile, req.AllowRWFile); err != nil {
		fmt.Fprintln(os.Stderr, "run-as: landlock:", err)
	}

	if req.Seccomp {
		if err := sandbox.RestrictNetwork(req.Network, req.NetworkPorts); err != nil {
			fmt.Fprintln(os.Stderr, "run-as: seccomp:", err)
			return 1
		}
	}

	env := []string{"PATH=" + sandbox.ForcedPATH}
	env = append(env, req.Env...)
	if req.Cwd != "" {
		if err := os.Chdir(req.Cwd); err != nil {
			fmt.Fprintln(os.Stderr, "run-as: chdir:", err)
			return 1
		}
	}

	// execve replaces this process image in place, so SIGINT/SIGTERM
	// delivered to this pid reach the exec'd command directly (§4.1 rule
	// 8) without any explicit forwarding.
	argv := append([]string{validated.CommandPath}, req.Args...)
	if err := sandbox.ExecAs(validated.CommandPath, argv, env, validated.UID, validated.GID); err != nil {
		fmt.Fprintln(os.Stderr, "run-as: exec:", err)
		return 1
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
