package gitops

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var lockFiles = []string{"package-lock.json", "yarn.lock", "pnpm-lock.yaml"}

// ValidationResult reports whether a working tree is deployable and any
// non-fatal findings.
type ValidationResult struct {
	Valid    bool
	Warnings []string
	Err      error
}

type packageManifest struct {
	Main    string            `json:"main"`
	Scripts map[string]string `json:"scripts"`
}

// ValidateRepository checks that path holds a cloned repository with a
// runnable Node manifest. Committed dependency folders and secret files are
// warned about but never block a deploy.
func ValidateRepository(path string) ValidationResult {
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		return ValidationResult{Err: errors.New("missing .git metadata; not a git repository")}
	}
	manifestPath := filepath.Join(path, "package.json")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return ValidationResult{Err: errors.New("missing package.json manifest")}
	}
	var manifest packageManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return ValidationResult{Err: fmt.Errorf("unparsable package.json: %w", err)}
	}
	if manifest.Main == "" && manifest.Scripts["start"] == "" {
		return ValidationResult{Err: errors.New("package.json declares neither a main entry point nor a start script")}
	}

	var warnings []string
	if info, err := os.Stat(filepath.Join(path, "node_modules")); err == nil && info.IsDir() {
		warnings = append(warnings, "node_modules is committed to the repository")
	}
	entries, err := os.ReadDir(path)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if name == ".env" || strings.HasPrefix(name, ".env.") {
				warnings = append(warnings, fmt.Sprintf("secret file %s is committed to the repository", name))
			}
		}
	}
	return ValidationResult{Valid: true, Warnings: warnings}
}

// NeedsDependencyInstall reports whether node_modules is absent or stale
// relative to the newest lock file.
func NeedsDependencyInstall(path string) bool {
	modInfo, err := os.Stat(filepath.Join(path, "node_modules"))
	if err != nil {
		return true
	}
	for _, lock := range lockFiles {
		lockInfo, err := os.Stat(filepath.Join(path, lock))
		if err != nil {
			continue
		}
		if lockInfo.ModTime().After(modInfo.ModTime()) {
			return true
		}
	}
	return false
}
