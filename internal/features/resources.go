package features

import "git.home.luguber.info/inful/riskbuilder/internal/gitrepo"

// GitHistory is the git_history resource handle: an open bare clone plus the
// commit the build resolves to. CommitAvailable is false when neither the
// original nor a replayed commit is reachable; history-reading nodes must
// treat that as a missing resource.
type GitHistory struct {
	Repo            *gitrepo.Repo
	EffectiveSHA    string
	CommitAvailable bool
}

// Worktree is the git_worktree resource handle: a detached checkout of the
// build's effective commit.
type Worktree struct {
	Path string
}

// BuildLogs is the build_logs resource handle: the directory holding one
// plain-text file per CI job.
type BuildLogs struct {
	Dir string
}
