package gitrepo

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/gofrs/flock"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
	"git.home.luguber.info/inful/riskbuilder/internal/workspace"
)

// lockRetryInterval paces flock polling while another worker holds the repo.
const lockRetryInterval = 500 * time.Millisecond

// Client performs clone and fetch operations against the workspace layout.
type Client struct {
	layout *workspace.Layout
}

// NewClient creates a git client over the given layout.
func NewClient(layout *workspace.Layout) *Client {
	return &Client{layout: layout}
}

// EnsureClone brings the bare mirror clone of a repository up to date,
// cloning it first when absent. The whole operation runs under the
// per-repository advisory lock; concurrent callers for the same repository
// serialise here. cloned is true when the clone was created by this call
// rather than refreshed.
func (c *Client) EnsureClone(ctx context.Context, rawRepoID, url string, auth transport.AuthMethod) (rep *Repo, cloned bool, err error) {
	path := c.layout.RepoDir(rawRepoID)
	if err := c.layout.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, false, err
	}

	lock := flock.New(c.layout.RepoLockPath(rawRepoID))
	locked, err := lock.TryLockContext(ctx, lockRetryInterval)
	if err != nil || !locked {
		return nil, false, ferrors.GitError("acquire repository lock").WithCause(err).
			WithContext("raw_repo_id", rawRepoID).Build()
	}
	defer func() { _ = lock.Unlock() }()

	repo, err := git.PlainOpen(path)
	switch {
	case err == nil:
		// No pruning: replay anchors under refs/replay have no remote
		// counterpart, and commits the provider force-pushed away must stay
		// materialisable.
		fetchErr := repo.FetchContext(ctx, &git.FetchOptions{
			Auth:  auth,
			Force: true,
			Tags:  git.AllTags,
		})
		if fetchErr != nil && !errors.Is(fetchErr, git.NoErrAlreadyUpToDate) {
			return nil, false, classifyGitError("fetch", url, fetchErr)
		}
		slog.Debug("repository fetched", logfields.RepoID(rawRepoID), logfields.Path(path))
	case errors.Is(err, git.ErrRepositoryNotExists):
		repo, err = git.PlainCloneContext(ctx, path, true, &git.CloneOptions{
			URL:    url,
			Auth:   auth,
			Mirror: true,
			Tags:   git.AllTags,
		})
		if err != nil {
			// A partial clone poisons every later attempt; remove it so the
			// redelivery starts clean.
			_ = os.RemoveAll(path)
			return nil, false, classifyGitError("clone", url, err)
		}
		cloned = true
		slog.Info("repository cloned", logfields.RepoID(rawRepoID), logfields.Path(path))
	default:
		return nil, false, classifyGitError("open", path, err)
	}

	return &Repo{id: rawRepoID, path: path, layout: c.layout, repo: repo}, cloned, nil
}

// Open opens an existing bare clone without locking or fetching. Readers of
// an already-ingested repository (feature nodes, scanners) use this.
func (c *Client) Open(rawRepoID string) (*Repo, error) {
	path := c.layout.RepoDir(rawRepoID)
	repo, err := git.PlainOpen(path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, ferrors.MissingResourceError("repository not cloned").
				WithContext("raw_repo_id", rawRepoID).Build()
		}
		return nil, classifyGitError("open", path, err)
	}
	return &Repo{id: rawRepoID, path: path, layout: c.layout, repo: repo}, nil
}

// classifyGitError maps go-git failures onto the error taxonomy so the task
// runtime can pick the right redelivery policy. Typed transport errors are
// checked first, then the same message heuristics real providers force on
// everyone.
func classifyGitError(op, target string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "invalid username or password"):
		return ferrors.AuthError("git " + op + " authentication failed").WithCause(err).
			WithContext("target", target).Build()
	case errors.Is(err, transport.ErrRepositoryNotFound),
		strings.Contains(msg, "repository not found"),
		strings.Contains(msg, "repository does not exist"),
		strings.Contains(msg, "not a git repository"),
		strings.Contains(msg, "no such file or directory"):
		return ferrors.MissingResourceError("repository unreachable").WithCause(err).
			WithContext("target", target).Build()
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return ferrors.RateLimitError("git " + op + " rate limited").WithCause(err).
			WithContext("target", target).Build()
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "temporary failure"):
		return ferrors.NetworkError("git " + op + " network failure").WithCause(err).
			WithContext("target", target).Build()
	default:
		return ferrors.GitError("git " + op + " failed").WithCause(err).
			WithContext("target", target).Build()
	}
}
