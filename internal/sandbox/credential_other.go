//go:build !linux

package sandbox

import "fmt"

// ExecAs is unsupported off Linux: the run-as helper only ever runs as a
// root-invoked Linux binary, but the sandbox package must still build on
// a developer's non-Linux machine.
func ExecAs(cmdPath string, argv, env []string, uid, gid int) error {
	return fmt.Errorf("sandbox: ExecAs is only supported on linux")
}
