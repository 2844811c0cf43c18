// Package bootstrap seeds a RegisteredGroup's workspace directory with the
// template files its agent subprocess reads (AGENTS.md/SOUL.md/TOOLS.md/
// USER.md and a memory/ directory). These files are opaque to the core —
// it only guarantees they exist, never reads or writes their content
// beyond the initial seed.
package bootstrap

import (
	"embed"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

//go:embed templates/*.md
var templateFS embed.FS

const (
	AgentsFile = "AGENTS.md"
	SoulFile   = "SOUL.md"
	ToolsFile  = "TOOLS.md"
	UserFile   = "USER.md"
)

// templateFiles lists the templates seeded into every new group workspace.
var templateFiles = []string{AgentsFile, SoulFile, ToolsFile, UserFile}

// ReadTemplate returns the content of an embedded template file.
func ReadTemplate(name string) (string, error) {
	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// EnsureWorkspaceFiles seeds template files and a memory/ directory into a
// group's workspace directory. Only writes files that don't already
// exist. Returns the list of files that were created.
func EnsureWorkspaceFiles(workspaceDir string) ([]string, error) {
	if err := os.MkdirAll(workspaceDir, 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(workspaceDir, "memory"), 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(workspaceDir, "logs"), 0755); err != nil {
		return nil, err
	}

	var created []string
	for _, name := range templateFiles {
		ok, err := seedTemplate(workspaceDir, name)
		if err != nil {
			slog.Warn("bootstrap: failed to seed template", "file", name, "error", err)
			continue
		}
		if ok {
			created = append(created, name)
		}
	}
	return created, nil
}

// EnsureTodayMemoryFile creates today's memory/YYYY-MM-DD.md file if it
// doesn't already exist, returning its path. Unlike the static templates
// this one is created fresh per day and starts empty — the agent owns its
// content entirely.
func EnsureTodayMemoryFile(workspaceDir string, now time.Time) (string, error) {
	name := now.UTC().Format("2006-01-02") + ".md"
	path := filepath.Join(workspaceDir, "memory", name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return path, nil
		}
		return "", err
	}
	return path, f.Close()
}

// seedTemplate writes a template file to the workspace if it doesn't exist.
// Returns true if the file was created, false if it already exists.
func seedTemplate(workspaceDir, name string) (bool, error) {
	dstPath := filepath.Join(workspaceDir, name)

	f, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		os.Remove(dstPath)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
