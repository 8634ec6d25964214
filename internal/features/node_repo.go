package features

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/src-d/enry/v2"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
)

// Files above this size are skipped by the snapshot walk; they are almost
// always generated artifacts or data, and they would dominate SLOC.
const maxSnapshotFileBytes = 1 << 20

// repoSnapshot walks the checked-out worktree and sizes the codebase: file
// count, source lines, and the share of test files. Language detection and
// vendor filtering come from enry.
func repoSnapshot() *Node {
	return &Node{
		Name:              "repo_snapshot",
		Group:             "repo",
		Provides:          []string{"repo_num_files", "repo_sloc", "repo_test_density"},
		RequiresResources: []string{ResourceGitWorktree},
		Run: func(ctx context.Context, ec *ExecutionContext) (map[string]any, error) {
			wt, _ := ec.Worktree()
			numFiles, sloc, testFiles := 0, 0, 0

			err := filepath.WalkDir(wt.Path, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if cerr := ctx.Err(); cerr != nil {
					return cerr
				}
				rel, rerr := filepath.Rel(wt.Path, p)
				if rerr != nil {
					return rerr
				}
				rel = filepath.ToSlash(rel)
				if rel == "." {
					return nil
				}
				if d.IsDir() {
					if d.Name() == ".git" || enry.IsVendor(rel+"/") {
						return filepath.SkipDir
					}
					return nil
				}
				if enry.IsVendor(rel) || enry.IsDotFile(rel) {
					return nil
				}
				info, ierr := d.Info()
				if ierr != nil || info.Size() > maxSnapshotFileBytes {
					return nil
				}

				numFiles++
				if isTestPath(rel) {
					testFiles++
				}

				content, rerr := os.ReadFile(p)
				if rerr != nil || enry.IsBinary(content) {
					return nil
				}
				lang := enry.GetLanguage(filepath.Base(rel), content)
				if lang == "" || enry.GetLanguageType(lang) != enry.Programming {
					return nil
				}
				sloc += countSourceLines(content)
				return nil
			})
			if err != nil {
				return nil, ferrors.FeatureError("walk worktree").WithCause(err).
					WithContext("path", wt.Path).Build()
			}

			density := 0.0
			if numFiles > 0 {
				density = float64(testFiles) / float64(numFiles)
			}
			return map[string]any{
				"repo_num_files":    float64(numFiles),
				"repo_sloc":         float64(sloc),
				"repo_test_density": density,
			}, nil
		},
	}
}

// repoAge derives the repository's age at build time from the root commit.
func repoAge() *Node {
	return &Node{
		Name:              "repo_age",
		Group:             "repo",
		Provides:          []string{"repo_age_days"},
		RequiresResources: []string{ResourceGitHistory},
		Run: func(ctx context.Context, ec *ExecutionContext) (map[string]any, error) {
			h, _ := ec.GitHistory()
			if !h.CommitAvailable {
				return nil, ferrors.MissingResourceError("commit not reachable").
					WithContext("commit", h.EffectiveSHA).Build()
			}
			first, err := h.Repo.FirstCommitTime(ctx, h.EffectiveSHA)
			if err != nil {
				return nil, err
			}
			age := ec.Build.StartedAt.Sub(first).Hours() / 24
			if age < 0 {
				age = 0
			}
			return map[string]any{"repo_age_days": age}, nil
		},
	}
}

// countSourceLines counts non-blank lines.
func countSourceLines(content []byte) int {
	n := 0
	for _, line := range bytes.Split(content, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			n++
		}
	}
	return n
}
