package gitrepo

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
)

// MaterializeWorktree writes a detached worktree for the commit under the
// layout's worktree tree and returns its path. Bare clones have no checkout,
// so the commit tree is walked and blobs written directly. The write goes
// through a temp directory and a final rename: a worktree directory either
// exists completely or not at all, which is what makes the operation
// idempotent and safe for concurrent readers.
func (r *Repo) MaterializeWorktree(ctx context.Context, sha string) (string, error) {
	target := r.WorktreePath(sha)
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		return target, nil
	}

	commit, err := r.repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		return "", ferrors.MissingResourceError("commit not reachable").WithCause(err).
			WithContext("commit", sha).WithContext("raw_repo_id", r.id).Build()
	}
	tree, err := commit.Tree()
	if err != nil {
		return "", ferrors.GitError("load commit tree").WithCause(err).
			WithContext("commit", sha).Build()
	}

	tmp := target + ".tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return "", ferrors.FileSystemError("clear worktree temp dir").WithCause(err).
			WithContext("path", tmp).Build()
	}
	if err := os.MkdirAll(tmp, 0o750); err != nil {
		return "", ferrors.FileSystemError("create worktree temp dir").WithCause(err).
			WithContext("path", tmp).Build()
	}

	err = tree.Files().ForEach(func(f *object.File) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return writeTreeFile(tmp, f)
	})
	if err != nil {
		_ = os.RemoveAll(tmp)
		return "", ferrors.GitError("materialise worktree").WithCause(err).
			WithContext("commit", sha).WithContext("raw_repo_id", r.id).Build()
	}

	if err := os.Rename(tmp, target); err != nil {
		// A concurrent materialisation may have won the rename; that is fine.
		if info, statErr := os.Stat(target); statErr == nil && info.IsDir() {
			_ = os.RemoveAll(tmp)
			return target, nil
		}
		return "", ferrors.FileSystemError("publish worktree").WithCause(err).
			WithContext("path", target).Build()
	}

	slog.Debug("worktree materialised",
		logfields.RepoID(r.id), logfields.Commit(sha), logfields.Path(target))
	return target, nil
}

func writeTreeFile(root string, f *object.File) error {
	path := filepath.Join(root, filepath.FromSlash(f.Name))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}

	switch f.Mode {
	case filemode.Symlink:
		linkTarget, err := f.Contents()
		if err != nil {
			return err
		}
		return os.Symlink(linkTarget, path)
	case filemode.Submodule:
		// Gitlinks have no blob; submodule contents are out of scope.
		return nil
	default:
		perm := os.FileMode(0o644)
		if f.Mode == filemode.Executable {
			perm = 0o755
		}
		reader, err := f.Blob.Reader()
		if err != nil {
			return err
		}
		defer reader.Close()

		out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, reader); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	}
}
