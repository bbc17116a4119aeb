//go:build linux

package sandbox

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// seccompData mirrors the kernel's struct seccomp_data layout, which the
// BPF program below addresses by byte offset (nr at 0, arch at 4, args
// at 16/24/32/...). Classic BPF cannot dereference pointer arguments, so
// it can only discriminate on the syscall number itself, not on the
// sockaddr a connect/bind call points to. Per-port enforcement is
// therefore not expressible as a seccomp filter; `tcp:PORTS`/`bind:PORTS`
// fall back to allowing the syscall family and rely on Landlock plus the
// allow-listed command set to bound what actually runs.
// BPF/seccomp constants not exposed by golang.org/x/sys/unix under
// stable names; values are from linux/seccomp.h and linux/filter.h.
const (
	bpfLdAbsW  = unix.BPF_LD | unix.BPF_W | unix.BPF_ABS
	bpfJeqK    = unix.BPF_JMP | unix.BPF_JEQ | unix.BPF_K
	bpfRetK    = unix.BPF_RET | unix.BPF_K

	seccompRetAllow = 0x7fff0000
	seccompRetErrno = 0x00050000 // SECCOMP_RET_ERRNO

	seccompSetModeFilter = 1 // SECCOMP_SET_MODE_FILTER
)

// RestrictNetwork installs a seccomp-bpf filter on the current process
// that denies socket()/connect()/bind() when mode is NetworkNone
// (§4.1 rule 6). Other modes are allowed through at the syscall level;
// see seccompData for why port-level filtering isn't possible here.
func RestrictNetwork(mode NetworkMode, ports []int) error {
	if mode != NetworkNone {
		return nil
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("sandbox: prctl(no_new_privs): %w", err)
	}

	denied := []uintptr{uintptr(unix.SYS_SOCKET), uintptr(unix.SYS_CONNECT), uintptr(unix.SYS_BIND)}
	prog := buildDenyFilter(denied)

	fprog := unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	}

	_, _, errno := unix.Syscall(unix.SYS_SECCOMP, seccompSetModeFilter, 0, uintptr(unsafe.Pointer(&fprog)))
	if errno != 0 {
		return fmt.Errorf("sandbox: seccomp(set_mode_filter): %w", errno)
	}
	return nil
}

// buildDenyFilter builds: load nr; for each denied nr, jump to the DENY
// return if it matches, otherwise fall through to the next check; after
// all checks, fall through to DENY; ALLOW is the final instruction so a
// non-matching nr reaches it only by falling off every check.
func buildDenyFilter(syscallNRs []uintptr) []unix.SockFilter {
	n := len(syscallNRs)
	prog := make([]unix.SockFilter, 0, n+3)
	prog = append(prog, unix.SockFilter{Code: bpfLdAbsW, K: 0}) // load seccomp_data.nr

	for i, nr := range syscallNRs {
		jt := uint8(n - (i + 1)) // instructions to skip to land on the DENY return
		prog = append(prog, unix.SockFilter{
			Code: bpfJeqK,
			K:    uint32(nr),
			Jt:   jt,
			Jf:   0,
		})
	}
	prog = append(prog,
		unix.SockFilter{Code: bpfRetK, K: seccompRetErrno | uint32(unix.EPERM)},
		unix.SockFilter{Code: bpfRetK, K: seccompRetAllow},
	)
	return prog
}
