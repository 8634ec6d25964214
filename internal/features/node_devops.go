package features

import (
	"context"
	"io/fs"
	"path/filepath"
	"regexp"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
)

// devopsPattern classifies one configuration-file convention.
type devopsPattern struct {
	class string // ci | docker | iac
	re    *regexp.Regexp
}

// devopsPatterns match repository-relative slash paths. The walk skips .git
// and node_modules but not dot directories; most CI config lives under them.
var devopsPatterns = []devopsPattern{
	{"ci", regexp.MustCompile(`(?i)^\.github/workflows/[^/]+\.ya?ml$`)},
	{"ci", regexp.MustCompile(`(?i)^\.gitlab-ci\.ya?ml$`)},
	{"ci", regexp.MustCompile(`(?i)(^|/)jenkinsfile$`)},
	{"ci", regexp.MustCompile(`(?i)^\.travis\.ya?ml$`)},
	{"ci", regexp.MustCompile(`(?i)^azure-pipelines\.ya?ml$`)},
	{"ci", regexp.MustCompile(`(?i)^\.circleci/config\.ya?ml$`)},
	{"ci", regexp.MustCompile(`(?i)^\.drone\.ya?ml$`)},
	{"ci", regexp.MustCompile(`(?i)^appveyor\.ya?ml$`)},
	{"docker", regexp.MustCompile(`(?i)(^|/)dockerfile(\.[^/]+)?$`)},
	{"docker", regexp.MustCompile(`(?i)(^|/)(docker-)?compose\.ya?ml$`)},
	{"iac", regexp.MustCompile(`(?i)\.tf$`)},
	{"iac", regexp.MustCompile(`(?i)(^|/)chart\.ya?ml$`)},
	{"iac", regexp.MustCompile(`(?i)(^|/)kustomization\.ya?ml$`)},
	{"iac", regexp.MustCompile(`(?i)(^|/)ansible\.cfg$`)},
	{"iac", regexp.MustCompile(`(?i)(^|/)serverless\.ya?ml$`)},
}

// devopsConfig detects CI, container, and infrastructure-as-code
// configuration files in the worktree by path convention.
func devopsConfig() *Node {
	return &Node{
		Name:              "devops_config",
		Group:             "devops",
		Provides:          []string{"devops_has_ci_config", "devops_num_ci_files", "devops_has_dockerfile", "devops_has_iac"},
		RequiresResources: []string{ResourceGitWorktree},
		Run: func(ctx context.Context, ec *ExecutionContext) (map[string]any, error) {
			wt, _ := ec.Worktree()
			counts := map[string]int{}

			err := filepath.WalkDir(wt.Path, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if cerr := ctx.Err(); cerr != nil {
					return cerr
				}
				if d.IsDir() {
					if d.Name() == ".git" || d.Name() == "node_modules" {
						return filepath.SkipDir
					}
					return nil
				}
				rel, rerr := filepath.Rel(wt.Path, p)
				if rerr != nil {
					return rerr
				}
				rel = filepath.ToSlash(rel)
				for _, pat := range devopsPatterns {
					if pat.re.MatchString(rel) {
						counts[pat.class]++
						break
					}
				}
				return nil
			})
			if err != nil {
				return nil, ferrors.FeatureError("walk worktree").WithCause(err).
					WithContext("path", wt.Path).Build()
			}

			return map[string]any{
				"devops_has_ci_config":  boolFeature(counts["ci"] > 0),
				"devops_num_ci_files":   float64(counts["ci"]),
				"devops_has_dockerfile": boolFeature(counts["docker"] > 0),
				"devops_has_iac":        boolFeature(counts["iac"] > 0),
			}, nil
		},
	}
}
