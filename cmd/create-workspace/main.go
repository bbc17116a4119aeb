// Command create-workspace is the root-invoked helper that provisions a
// workspace's POSIX user/group and directory tree (§4.2). Like run-as,
// it is only ever reached through password-less sudo from the server
// process.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/vibe80/vibe80/internal/provision"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("create-workspace", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		workspaceID     string
		workspaceRoot   string
		serverGroupName string
	)
	fs.StringVar(&workspaceID, "workspace-id", "", "")
	fs.StringVar(&workspaceRoot, "workspace-root", envOr("VIBE80_WORKSPACE_ROOT", "/srv/vibe80/workspaces"), "")
	fs.StringVar(&serverGroupName, "server-group", envOr("VIBE80_SERVER_GROUP", "vibe80-server-group"), "")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if workspaceID == "" {
		fmt.Fprintln(os.Stderr, "create-workspace: --workspace-id is required")
		return 1
	}

	result, err := provision.Provision(workspaceID, provision.Options{
		WorkspaceRoot:   workspaceRoot,
		ServerGroupName: serverGroupName,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "create-workspace:", err)
		return 1
	}

	return printResult(result)
}

func printResult(result *provision.Result) int {
	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(result); err != nil {
		fmt.Fprintln(os.Stderr, "create-workspace: encode result:", err)
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
