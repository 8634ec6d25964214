package workspace

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
)

// Top-level directories under the data root.
const (
	reposDir      = "repos"
	worktreesDir  = "worktrees"
	logsDir       = "logs"
	scanConfigDir = "scan-config"
	scenariosDir  = "scenarios"
)

// shortSHALen is the worktree directory key length; long enough to be unique
// within one repository, short enough for readable paths.
const shortSHALen = 12

// Layout resolves every pipeline path from the data directory root.
type Layout struct {
	root        string
	datasetRoot string
}

// NewLayout creates a layout rooted at dataDir.
func NewLayout(dataDir string) *Layout {
	if dataDir == "" {
		dataDir = "./data"
	}
	return &Layout{root: dataDir}
}

// SetDatasetRoot moves exported split files under dir, one subdirectory per
// scenario. Empty keeps the default location inside the scenario directory.
func (l *Layout) SetDatasetRoot(dir string) {
	l.datasetRoot = dir
}

// Root returns the data directory.
func (l *Layout) Root() string { return l.root }

// Ensure creates the top-level tree. Leaf directories are created lazily by
// their producers.
func (l *Layout) Ensure() error {
	for _, dir := range []string{reposDir, worktreesDir, logsDir, scanConfigDir, scenariosDir} {
		if err := l.EnsureDir(filepath.Join(l.root, dir)); err != nil {
			return err
		}
	}
	slog.Info("workspace ready", logfields.Path(l.root))
	return nil
}

// EnsureDir creates a directory and its parents.
func (l *Layout) EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return ferrors.FileSystemError("create directory").WithCause(err).
			WithContext("path", path).Build()
	}
	return nil
}

// ShortSHA returns the worktree key form of a commit SHA.
func ShortSHA(sha string) string {
	if len(sha) <= shortSHALen {
		return sha
	}
	return sha[:shortSHALen]
}

// WorktreeKey is the "<repo>/<sha>" form used by the janitor's keep set.
func WorktreeKey(rawRepoID, sha string) string {
	return sanitize(rawRepoID) + "/" + ShortSHA(sha)
}

// RepoDir is the bare clone location for a repository.
func (l *Layout) RepoDir(rawRepoID string) string {
	return filepath.Join(l.root, reposDir, sanitize(rawRepoID))
}

// RepoLockPath is the advisory lock file guarding clone/fetch on a repository.
func (l *Layout) RepoLockPath(rawRepoID string) string {
	return l.RepoDir(rawRepoID) + ".lock"
}

// WorktreeDir is the materialised worktree for one commit of a repository.
func (l *Layout) WorktreeDir(rawRepoID, sha string) string {
	return filepath.Join(l.root, worktreesDir, sanitize(rawRepoID), ShortSHA(sha))
}

// BuildLogDir holds the downloaded job logs of one CI run.
func (l *Layout) BuildLogDir(rawRepoID, ciRunID string) string {
	return filepath.Join(l.root, logsDir, sanitize(rawRepoID), sanitize(ciRunID))
}

// BuildLogPath is the file for one job's log. Job names come from the
// provider and are sanitised into a single path element.
func (l *Layout) BuildLogPath(rawRepoID, ciRunID, jobName string) string {
	return filepath.Join(l.BuildLogDir(rawRepoID, ciRunID), sanitize(jobName)+".log")
}

// ScanConfigDir holds the materialised scanner configuration for one
// repository within a scenario.
func (l *Layout) ScanConfigDir(scenarioID, rawRepoID string) string {
	return filepath.Join(l.root, scanConfigDir, sanitize(scenarioID), sanitize(rawRepoID))
}

// ScenarioDir is the per-scenario output root.
func (l *Layout) ScenarioDir(scenarioID string) string {
	return filepath.Join(l.root, scenariosDir, sanitize(scenarioID))
}

// SplitDir holds the exported dataset split files of a scenario.
func (l *Layout) SplitDir(scenarioID string) string {
	if l.datasetRoot != "" {
		return filepath.Join(l.datasetRoot, sanitize(scenarioID))
	}
	return filepath.Join(l.ScenarioDir(scenarioID), "splits")
}

// SplitFilePath is the export target for one split. The extension follows
// the export format; unknown formats fall back to csv.
func (l *Layout) SplitFilePath(scenarioID, splitType, format string) string {
	ext := ".csv"
	switch format {
	case "parquet":
		ext = ".parquet"
	case "pickle":
		ext = ".pkl"
	}
	return filepath.Join(l.SplitDir(scenarioID), sanitize(splitType)+ext)
}

// RemoveScenario deletes a scenario's output tree (splits and scan config).
func (l *Layout) RemoveScenario(scenarioID string) error {
	dirs := []string{
		l.ScenarioDir(scenarioID),
		filepath.Join(l.root, scanConfigDir, sanitize(scenarioID)),
	}
	if l.datasetRoot != "" {
		dirs = append(dirs, filepath.Join(l.datasetRoot, sanitize(scenarioID)))
	}
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			return ferrors.FileSystemError("remove scenario directory").WithCause(err).
				WithContext("path", dir).Build()
		}
	}
	slog.Info("removed scenario workspace", logfields.ScenarioID(scenarioID))
	return nil
}

// SweepWorktrees removes every worktree whose WorktreeKey is not in keep,
// then prunes repository directories left empty. Returns the number of
// worktrees removed.
func (l *Layout) SweepWorktrees(keep map[string]struct{}) (int, error) {
	rootDir := filepath.Join(l.root, worktreesDir)
	repoEntries, err := os.ReadDir(rootDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, ferrors.FileSystemError("list worktrees").WithCause(err).
			WithContext("path", rootDir).Build()
	}

	removed := 0
	for _, repoEntry := range repoEntries {
		if !repoEntry.IsDir() {
			continue
		}
		repoDir := filepath.Join(rootDir, repoEntry.Name())
		shaEntries, err := os.ReadDir(repoDir)
		if err != nil {
			continue
		}
		remaining := 0
		for _, shaEntry := range shaEntries {
			key := repoEntry.Name() + "/" + shaEntry.Name()
			if _, ok := keep[key]; ok {
				remaining++
				continue
			}
			target := filepath.Join(repoDir, shaEntry.Name())
			if err := os.RemoveAll(target); err != nil {
				slog.Warn("failed to remove worktree", logfields.Path(target), logfields.Error(err))
				remaining++
				continue
			}
			removed++
		}
		if remaining == 0 {
			_ = os.Remove(repoDir)
		}
	}
	if removed > 0 {
		slog.Info("swept worktrees", logfields.Count(removed))
	}
	return removed, nil
}

// SweepStaleLocks removes repository lock files untouched for longer than
// olderThan. flock releases on process exit, so an old lock file is only
// litter, not a held lock.
func (l *Layout) SweepStaleLocks(olderThan time.Duration) (int, error) {
	pattern := filepath.Join(l.root, reposDir, "*.lock")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return 0, ferrors.FileSystemError("list repo locks").WithCause(err).
			WithContext("pattern", pattern).Build()
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			slog.Warn("failed to remove stale lock", logfields.Path(path), logfields.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// sanitize makes an external identifier safe as a single path element.
func sanitize(name string) string {
	if name == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if strings.Trim(s, ".") == "" {
		return "_"
	}
	return s
}
