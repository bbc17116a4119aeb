//go:build !linux

package sandbox

// RestrictFilesystem is a no-op off Linux; Landlock is a Linux-only LSM
// and the contract treats its absence as best-effort, not fatal.
func RestrictFilesystem(roDirs, rwDirs, roFiles, rwFiles []string) error {
	return nil
}
