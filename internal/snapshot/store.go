// Package snapshot creates and restores versioned point-in-time backups of
// a project's live directory, env file, and process descriptor. A snapshot
// is written before every destructive lifecycle mutation; restoring one must
// work regardless of which archive tier originally succeeded.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/omdev04/nodepilot/internal/domain"
)

// Archive tiers, in fallback order.
const (
	ArchiveZip   = "zip"
	ArchiveTarGz = "tar.gz"
	ArchiveRaw   = "raw"
)

const (
	zipName       = "snapshot.zip"
	tarName       = "snapshot.tar.gz"
	rawDirName    = "raw"
	envName       = ".env"
	ecosystemName = "ecosystem.json"
	versionFormat = "20060102-150405.000"
)

// ErrSnapshotNotFound indicates no archive exists for the requested version.
var ErrSnapshotNotFound = errors.New("snapshot: not found")

// Record identifies a created snapshot.
type Record struct {
	Version     string
	Dir         string
	ArchiveType string
}

type archiveTier struct {
	kind string
	make func(srcDir, snapDir string) error
}

// Store manages snapshot directories under backupsRoot keyed by project slug
// and version.
type Store struct {
	backupsRoot string
	logger      *slog.Logger
	tiers       []archiveTier

	mu   sync.Mutex
	last map[string]string // slug -> most recently issued version
}

// New constructs a Store rooted at backupsRoot.
func New(backupsRoot string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{backupsRoot: backupsRoot, logger: logger, last: make(map[string]string)}
	s.tiers = []archiveTier{
		{kind: ArchiveZip, make: func(src, dir string) error { return createZip(src, filepath.Join(dir, zipName)) }},
		{kind: ArchiveTarGz, make: func(src, dir string) error { return createTarGz(src, filepath.Join(dir, tarName)) }},
		{kind: ArchiveRaw, make: func(src, dir string) error { return CopyTree(src, filepath.Join(dir, rawDirName)) }},
	}
	return s
}

// Create snapshots the project's live directory plus sidecars: the active
// env file (when present) and the process ecosystem descriptor. Archive
// creation walks the tier ladder; the first tier that succeeds wins, and a
// degraded tier is logged, never fatal on its own.
func (s *Store) Create(project *domain.Project, spec *domain.ProcessSpec) (Record, error) {
	version := s.nextVersion(project.Slug)
	snapDir := filepath.Join(s.backupsRoot, project.Slug, version)
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return Record{}, fmt.Errorf("create snapshot dir: %w", err)
	}

	var archiveType string
	var tierErrs []string
	for _, tier := range s.tiers {
		if err := tier.make(project.RootPath, snapDir); err != nil {
			tierErrs = append(tierErrs, fmt.Sprintf("%s: %v", tier.kind, err))
			s.logger.Warn("snapshot tier failed, trying next",
				"slug", project.Slug, "version", version, "tier", tier.kind, "error", err)
			s.removeTierArtifact(snapDir, tier.kind)
			continue
		}
		archiveType = tier.kind
		break
	}
	if archiveType == "" {
		_ = os.RemoveAll(snapDir)
		return Record{}, fmt.Errorf("snapshot: all archive tiers failed: %s", strings.Join(tierErrs, "; "))
	}

	envPath := filepath.Join(project.RootPath, envName)
	if info, err := os.Stat(envPath); err == nil && info.Mode().IsRegular() {
		if err := copyFile(envPath, filepath.Join(snapDir, envName), 0o600); err != nil {
			s.logger.Warn("snapshot env copy failed", "slug", project.Slug, "error", err)
		}
	}
	if spec != nil {
		data, err := json.MarshalIndent(spec, "", "  ")
		if err == nil {
			err = os.WriteFile(filepath.Join(snapDir, ecosystemName), data, 0o644)
		}
		if err != nil {
			s.logger.Warn("snapshot ecosystem descriptor failed", "slug", project.Slug, "error", err)
		}
	}

	s.logger.Info("snapshot created",
		"slug", project.Slug, "version", version, "archive", archiveType)
	return Record{Version: version, Dir: snapDir, ArchiveType: archiveType}, nil
}

// Restore repopulates the project's live directory from the snapshot at
// version, probing archives in zip, tar.gz, raw order. The live directory is
// cleared first. Returns the archived process descriptor when present so the
// caller can restart from it instead of the stored start command.
func (s *Store) Restore(project *domain.Project, version string) (*domain.ProcessSpec, error) {
	snapDir := filepath.Join(s.backupsRoot, project.Slug, version)
	if _, err := os.Stat(snapDir); err != nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrSnapshotNotFound, project.Slug, version)
	}

	if err := clearDir(project.RootPath); err != nil {
		return nil, fmt.Errorf("clear live directory: %w", err)
	}

	switch {
	case exists(filepath.Join(snapDir, zipName)):
		if err := ExtractZip(filepath.Join(snapDir, zipName), project.RootPath); err != nil {
			return nil, fmt.Errorf("restore zip: %w", err)
		}
	case exists(filepath.Join(snapDir, tarName)):
		if err := extractTarGz(filepath.Join(snapDir, tarName), project.RootPath); err != nil {
			return nil, fmt.Errorf("restore tar.gz: %w", err)
		}
	case exists(filepath.Join(snapDir, rawDirName)):
		if err := CopyTree(filepath.Join(snapDir, rawDirName), project.RootPath); err != nil {
			return nil, fmt.Errorf("restore raw copy: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: no archive in %s", ErrSnapshotNotFound, snapDir)
	}

	if exists(filepath.Join(snapDir, envName)) {
		if err := copyFile(filepath.Join(snapDir, envName), filepath.Join(project.RootPath, envName), 0o600); err != nil {
			return nil, fmt.Errorf("restore env file: %w", err)
		}
	}

	var spec *domain.ProcessSpec
	if data, err := os.ReadFile(filepath.Join(snapDir, ecosystemName)); err == nil {
		var parsed domain.ProcessSpec
		if err := json.Unmarshal(data, &parsed); err == nil {
			spec = &parsed
		} else {
			s.logger.Warn("unparsable ecosystem descriptor, falling back to stored command",
				"slug", project.Slug, "version", version, "error", err)
		}
	}

	s.logger.Info("snapshot restored", "slug", project.Slug, "version", version)
	return spec, nil
}

// Versions lists snapshot versions for a slug, oldest first.
func (s *Store) Versions(slug string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.backupsRoot, slug))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var versions []string
	for _, entry := range entries {
		if entry.IsDir() {
			versions = append(versions, entry.Name())
		}
	}
	return versions, nil
}

// Remove deletes all snapshots for a slug.
func (s *Store) Remove(slug string) error {
	if strings.TrimSpace(slug) == "" {
		return errors.New("snapshot: empty slug")
	}
	return os.RemoveAll(filepath.Join(s.backupsRoot, slug))
}

// nextVersion issues a sortable timestamp version, bumped forward when the
// clock has not advanced past the previous issue for the slug.
func (s *Store) nextVersion(slug string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	candidate := time.Now().UTC().Format(versionFormat)
	if prev, ok := s.last[slug]; ok && candidate <= prev {
		if prevTime, err := time.Parse(versionFormat, prev); err == nil {
			candidate = prevTime.Add(time.Millisecond).Format(versionFormat)
		} else {
			candidate = prev + "-1"
		}
	}
	s.last[slug] = candidate
	return candidate
}

func (s *Store) removeTierArtifact(snapDir, kind string) {
	switch kind {
	case ArchiveZip:
		_ = os.Remove(filepath.Join(snapDir, zipName))
	case ArchiveTarGz:
		_ = os.Remove(filepath.Join(snapDir, tarName))
	case ArchiveRaw:
		_ = os.RemoveAll(filepath.Join(snapDir, rawDirName))
	}
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0o755)
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
