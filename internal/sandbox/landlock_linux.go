//go:build linux

package sandbox

import (
	"os"

	landlock "github.com/landlock-lsm/go-landlock/landlock"
)

// RestrictFilesystem applies the union of explicit RO/RW dirs and files
// plus the auto-added base RO set to the current process before exec
// (§4.1 rule 5). The restriction is best-effort: a kernel without
// Landlock support is not a hard failure, matching the contract.
func RestrictFilesystem(roDirs, rwDirs, roFiles, rwFiles []string) error {
	rules := make([]landlock.Rule, 0, len(roDirs)+len(rwDirs)+len(roFiles)+len(rwFiles))

	for _, d := range roDirs {
		if _, err := os.Stat(d); err == nil {
			rules = append(rules, landlock.RODirs(d))
		}
	}
	for _, d := range rwDirs {
		if _, err := os.Stat(d); err == nil {
			rules = append(rules, landlock.RWDirs(d))
		}
	}
	for _, f := range roFiles {
		if _, err := os.Stat(f); err == nil {
			rules = append(rules, landlock.ROFiles(f))
		}
	}
	for _, f := range rwFiles {
		if _, err := os.Stat(f); err == nil {
			rules = append(rules, landlock.RWFiles(f))
		}
	}

	return landlock.V5.BestEffort().RestrictPaths(rules...)
}
