//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"syscall"
)

// ExecAs replaces the current process image with cmdPath, running as
// uid/gid, after (optionally) detaching into its own process group
// (§4.1 rule 7). It never returns on success.
func ExecAs(cmdPath string, argv, env []string, uid, gid int) error {
	if fi, err := os.Stdin.Stat(); err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		if err := syscall.Setpgid(0, 0); err != nil {
			return fmt.Errorf("sandbox: setpgid: %w", err)
		}
	}

	// Drop the supplementary group list, then gid, then uid, in that
	// order — reversing it would briefly leave the process able to
	// regain root group membership.
	if err := syscall.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("sandbox: setgroups: %w", err)
	}
	if err := syscall.Setresgid(gid, gid, gid); err != nil {
		return fmt.Errorf("sandbox: setresgid: %w", err)
	}
	if err := syscall.Setresuid(uid, uid, uid); err != nil {
		return fmt.Errorf("sandbox: setresuid: %w", err)
	}

	return syscall.Exec(cmdPath, argv, env)
}
