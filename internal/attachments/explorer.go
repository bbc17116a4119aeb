// Package attachments implements the attachment store and file explorer
// (C11): uploads, downloads, and directory listings confined to a
// session's attachments directory or an active worktree root, all
// executed through C1 as the workspace user.
package attachments

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/sandbox"
)

// Entry is one file or directory in a listing, per the
// find-printf-then-parse shape in server/files.go.
type Entry struct {
	Name       string `json:"name"`
	Type       string `json:"type"` // "file", "dir", "symlink"
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modifiedAt"`
}

// ListResult is a directory listing, truncated at MaxEntries with a flag
// so callers can tell the client more entries were dropped (§4.11).
type ListResult struct {
	Path       string  `json:"path"`
	Entries    []Entry `json:"entries"`
	Truncated  bool    `json:"truncated"`
}

// FindResult is a recursive file listing, same truncation contract.
type FindResult struct {
	Files     []string `json:"files"`
	Truncated bool     `json:"truncated"`
}

// Config bounds listing size and shell-out timeouts; mirrors
// config.Config's FileList*/FileFind* knobs.
type Config struct {
	MaxListEntries int
	MaxFindEntries int
	ListTimeout    time.Duration
	FindTimeout    time.Duration
}

// Explorer implements C11 against one root directory at a time (a
// session's attachments dir, or an active worktree root).
type Explorer struct {
	cfg Config
}

func NewExplorer(cfg Config) *Explorer {
	if cfg.MaxListEntries <= 0 {
		cfg.MaxListEntries = 2000
	}
	if cfg.MaxFindEntries <= 0 {
		cfg.MaxFindEntries = 5000
	}
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = 10 * time.Second
	}
	if cfg.FindTimeout <= 0 {
		cfg.FindTimeout = 15 * time.Second
	}
	return &Explorer{cfg: cfg}
}

// ResolvePath canonicalises relPath against root and rejects any attempt
// to escape it (§4.11: "rejected if they escape the session's
// attachmentsDir or the active worktree root").
func ResolvePath(root, relPath string) (string, error) {
	if relPath == "" {
		relPath = "."
	}
	joined := filepath.Join(root, relPath)
	cleanRoot := filepath.Clean(root)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", apperr.Validation("path escapes the allowed root")
	}
	return joined, nil
}

// List returns a flat directory listing of dirPath (already resolved
// against its root), executed through C1 via `find -maxdepth 1 -printf`.
func (e *Explorer) List(ctx context.Context, workspaceID, root, dirPath string) (*ListResult, error) {
	out, err := sandbox.Output(sandbox.InvocationConfig{
		WorkspaceID: workspaceID,
		Cwd:         dirPath,
		AllowRO:     []string{root},
		Cmd:         "sh",
		Args: []string{"-c", fmt.Sprintf(
			`find %q -mindepth 1 -maxdepth 1 -not -name '.' -printf '%%y\t%%s\t%%T@\t%%f\n' 2>/dev/null | head -n %d`,
			dirPath, e.cfg.MaxListEntries+1)},
	})
	if err != nil {
		return nil, apperr.External("list directory", err)
	}

	entries := parseListOutput(string(out))
	truncated := len(entries) > e.cfg.MaxListEntries
	if truncated {
		entries = entries[:e.cfg.MaxListEntries]
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Type != entries[j].Type {
			return entries[i].Type == "dir"
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})

	return &ListResult{Path: dirPath, Entries: entries, Truncated: truncated}, nil
}

// Find returns a recursive, noise-filtered list of file paths under root,
// relative to root.
func (e *Explorer) Find(ctx context.Context, workspaceID, root string) (*FindResult, error) {
	out, err := sandbox.Output(sandbox.InvocationConfig{
		WorkspaceID: workspaceID,
		Cwd:         root,
		AllowRO:     []string{root},
		Cmd:         "sh",
		Args: []string{"-c", fmt.Sprintf(
			`find . -type f `+
				`-not -path '*/node_modules/*' -not -path '*/.git/*' -not -path '*/dist/*' `+
				`-not -path '*/.next/*' -not -path '*/coverage/*' -not -path '*/__pycache__/*' `+
				`-not -path '*/.DS_Store' -not -path '*/vendor/*' -not -name '*.pyc' `+
				`2>/dev/null | head -n %d`, e.cfg.MaxFindEntries+1)},
	})
	if err != nil {
		return nil, apperr.External("find files", err)
	}

	files := parseFindOutput(string(out))
	truncated := len(files) > e.cfg.MaxFindEntries
	if truncated {
		files = files[:e.cfg.MaxFindEntries]
	}
	return &FindResult{Files: files, Truncated: truncated}, nil
}

// Upload writes data to destPath (already resolved and confined) with
// the workspace's ownership, streamed through C1 via a `cat`-to-file
// pipe rather than the server process touching the file directly.
func (e *Explorer) Upload(ctx context.Context, workspaceID, root, destPath string, data []byte) error {
	cmd := sandbox.Build(sandbox.InvocationConfig{
		WorkspaceID: workspaceID,
		AllowRW:     []string{root},
		Cmd:         "sh",
		Args:        []string{"-c", "cat > \"$1\"", "--", destPath},
	})
	cmd.Stdin = bytes.NewReader(data)
	if err := cmd.Run(); err != nil {
		return apperr.External("write attachment", err)
	}
	return nil
}

// Read returns the contents of a file already resolved and confined to
// root, via C1's `cat` so the server process never opens it directly.
func (e *Explorer) Read(ctx context.Context, workspaceID, root, path string) ([]byte, error) {
	out, err := sandbox.Output(sandbox.InvocationConfig{
		WorkspaceID: workspaceID,
		AllowRO:     []string{root},
		Cmd:         "cat",
		Args:        []string{path},
	})
	if err != nil {
		return nil, apperr.External("read file", err)
	}
	return out, nil
}

func parseFindOutput(output string) []string {
	if strings.TrimSpace(output) == "" {
		return []string{}
	}
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	files := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "./") {
			line = line[2:]
		}
		files = append(files, line)
	}
	return files
}

func parseListOutput(output string) []Entry {
	if strings.TrimSpace(output) == "" {
		return []Entry{}
	}
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 4)
		if len(parts) < 4 {
			continue
		}
		typeChar, sizeStr, mtimeStr, name := parts[0], parts[1], parts[2], parts[3]
		if name == "." || name == ".." {
			continue
		}
		entryType := "file"
		switch typeChar {
		case "d":
			entryType = "dir"
		case "l":
			entryType = "symlink"
		}
		size, _ := strconv.ParseInt(sizeStr, 10, 64)
		var modifiedAt string
		epochStr := mtimeStr
		if dot := strings.Index(epochStr, "."); dot != -1 {
			epochStr = epochStr[:dot]
		}
		if epoch, err := strconv.ParseInt(epochStr, 10, 64); err == nil {
			modifiedAt = time.Unix(epoch, 0).UTC().Format(time.RFC3339)
		}
		entries = append(entries, Entry{Name: name, Type: entryType, Size: size, ModifiedAt: modifiedAt})
	}
	return entries
}
