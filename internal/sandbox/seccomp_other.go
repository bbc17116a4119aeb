//go:build !linux

package sandbox

// RestrictNetwork is a no-op off Linux; seccomp-bpf is Linux-only.
func RestrictNetwork(mode NetworkMode, ports []int) error {
	return nil
}
