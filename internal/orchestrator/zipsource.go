package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/omdev04/nodepilot/internal/snapshot"
)

// materializeZip extracts an uploaded archive into destDir and flattens a
// single top-level folder so relative paths in the start command stay valid.
func materializeZip(zipPath, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	if err := snapshot.ExtractZip(zipPath, destDir); err != nil {
		return fmt.Errorf("extract archive: %w", err)
	}
	return flattenSingleRoot(destDir)
}

// flattenSingleRoot hoists the contents of a lone top-level directory up one
// level. The hoist goes through a sibling temp rename so a child named like
// its parent cannot collide.
func flattenSingleRoot(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var visible []os.DirEntry
	for _, e := range entries {
		if e.Name() == "__MACOSX" || e.Name() == ".DS_Store" {
			continue
		}
		visible = append(visible, e)
	}
	if len(visible) != 1 || !visible[0].IsDir() {
		return nil
	}

	inner := filepath.Join(dir, visible[0].Name())
	temp := filepath.Join(filepath.Dir(dir), "."+filepath.Base(dir)+".hoist")
	if err := os.Rename(inner, temp); err != nil {
		return fmt.Errorf("hoist extracted folder: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("drop wrapper folder: %w", err)
	}
	if err := os.Rename(temp, dir); err != nil {
		return fmt.Errorf("place hoisted folder: %w", err)
	}
	return nil
}

// swapOut moves the live directory aside to backupPath. Rename is preferred;
// a locked directory falls back to copy plus best-effort removal of the
// original. Returns the strategy used for logging.
func swapOut(livePath, backupPath string) (string, error) {
	if err := os.Rename(livePath, backupPath); err == nil {
		return "rename", nil
	}
	if err := snapshot.CopyTree(livePath, backupPath); err != nil {
		return "", fmt.Errorf("copy live directory aside: %w", err)
	}
	if err := os.RemoveAll(livePath); err != nil {
		// Partial removal is tolerated; materialization overwrites in place.
		return "copy", nil
	}
	return "copy", nil
}

// swapBack restores a pre-deploy backup into livePath after a failed
// redeploy, mirroring swapOut's rename-else-copy strategy.
func swapBack(backupPath, livePath string) error {
	if err := os.RemoveAll(livePath); err != nil {
		return fmt.Errorf("clear failed deploy dir: %w", err)
	}
	if err := os.Rename(backupPath, livePath); err == nil {
		return nil
	}
	if err := snapshot.CopyTree(backupPath, livePath); err != nil {
		return fmt.Errorf("copy backup into place: %w", err)
	}
	_ = os.RemoveAll(backupPath)
	return nil
}
