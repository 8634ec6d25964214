package gitrepo

import (
	"context"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/workspace"
)

// Repo is a handle on one bare clone. Reads are safe concurrently; writes
// (clone, fetch, replay) are serialised by the client's advisory lock.
type Repo struct {
	id     string
	path   string
	layout *workspace.Layout
	repo   *git.Repository
}

// ID returns the raw repository id the clone belongs to.
func (r *Repo) ID() string { return r.id }

// Path returns the bare clone directory.
func (r *Repo) Path() string { return r.path }

// WorktreePath returns where a worktree for the given commit lives (or would
// live) without materialising it.
func (r *Repo) WorktreePath(sha string) string {
	return r.layout.WorktreeDir(r.id, sha)
}

// IsReachable reports whether the commit object exists in the clone.
func (r *Repo) IsReachable(sha string) bool {
	_, err := r.repo.CommitObject(plumbing.NewHash(sha))
	return err == nil
}

// CommitInfo is the commit metadata feature extractors consume.
type CommitInfo struct {
	SHA         string
	Message     string
	AuthorName  string
	AuthorEmail string
	AuthoredAt  time.Time
	CommittedAt time.Time
	Parents     []string
	IsMerge     bool
}

// CommitInfo loads metadata for one commit.
func (r *Repo) CommitInfo(sha string) (*CommitInfo, error) {
	commit, err := r.repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		return nil, ferrors.MissingResourceError("commit not reachable").WithCause(err).
			WithContext("commit", sha).WithContext("raw_repo_id", r.id).Build()
	}
	parents := make([]string, 0, commit.NumParents())
	for _, p := range commit.ParentHashes {
		parents = append(parents, p.String())
	}
	return &CommitInfo{
		SHA:         commit.Hash.String(),
		Message:     commit.Message,
		AuthorName:  commit.Author.Name,
		AuthorEmail: commit.Author.Email,
		AuthoredAt:  commit.Author.When,
		CommittedAt: commit.Committer.When,
		Parents:     parents,
		IsMerge:     commit.NumParents() > 1,
	}, nil
}

// FirstCommitTime walks first parents from the given commit to the root and
// returns the root commit's author time. Repository age features derive from
// it.
func (r *Repo) FirstCommitTime(ctx context.Context, sha string) (time.Time, error) {
	commit, err := r.repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		return time.Time{}, ferrors.MissingResourceError("commit not reachable").WithCause(err).
			WithContext("commit", sha).WithContext("raw_repo_id", r.id).Build()
	}
	for commit.NumParents() > 0 {
		if err := ctx.Err(); err != nil {
			return time.Time{}, err
		}
		parent, err := commit.Parent(0)
		if err != nil {
			return time.Time{}, ferrors.GitError("walk first parents").WithCause(err).
				WithContext("commit", commit.Hash.String()).Build()
		}
		commit = parent
	}
	return commit.Author.When, nil
}

// FileChange is the churn of one file within a commit.
type FileChange struct {
	Path      string
	Additions int
	Deletions int
}

// DiffStats aggregates a commit's churn against its first parent (the whole
// tree for a root commit).
type DiffStats struct {
	Files     []FileChange
	Additions int
	Deletions int
}

// DiffStats computes per-file churn for one commit.
func (r *Repo) DiffStats(ctx context.Context, sha string) (*DiffStats, error) {
	commit, err := r.repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		return nil, ferrors.MissingResourceError("commit not reachable").WithCause(err).
			WithContext("commit", sha).WithContext("raw_repo_id", r.id).Build()
	}
	stats, err := commit.StatsContext(ctx)
	if err != nil {
		return nil, ferrors.GitError("compute diff stats").WithCause(err).
			WithContext("commit", sha).Build()
	}
	ds := &DiffStats{Files: make([]FileChange, 0, len(stats))}
	for _, s := range stats {
		ds.Files = append(ds.Files, FileChange{Path: s.Name, Additions: s.Addition, Deletions: s.Deletion})
		ds.Additions += s.Addition
		ds.Deletions += s.Deletion
	}
	return ds, nil
}
