package gitrepo

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
	"git.home.luguber.info/inful/riskbuilder/internal/workspace"
)

// Replay commits carry a fixed identity so synthetic history is recognisable
// and the resulting hash is deterministic for a given parent and patch.
const (
	replayAuthorName  = "riskbuilder"
	replayAuthorEmail = "riskbuilder@local"
)

// leaf is one blob (or gitlink) in the tree being rebuilt.
type leaf struct {
	hash plumbing.Hash
	mode filemode.FileMode
}

// ReplayForkCommit reconstructs an unreachable fork commit: the provider
// patch is applied onto the nearest reachable parent's tree and committed as
// a synthetic commit whose tree matches the original. Returns the synthetic
// commit SHA, which the caller records as the build's effective SHA.
//
// The synthetic commit reuses the parent's committer time and a fixed
// identity, so replaying the same patch twice yields the same SHA and
// re-ingestion stays idempotent.
func (r *Repo) ReplayForkCommit(ctx context.Context, originalSHA string, parents []string, patch []byte) (string, error) {
	var parentCommit *object.Commit
	for _, p := range parents {
		commit, err := r.repo.CommitObject(plumbing.NewHash(p))
		if err == nil {
			parentCommit = commit
			break
		}
	}
	if parentCommit == nil {
		return "", ferrors.MissingResourceError("no reachable parent for fork replay").
			WithContext("commit", originalSHA).WithContext("raw_repo_id", r.id).Build()
	}

	files, _, err := gitdiff.Parse(bytes.NewReader(patch))
	if err != nil {
		return "", ferrors.MissingResourceError("fork patch unparseable").WithCause(err).
			WithContext("commit", originalSHA).Build()
	}
	if len(files) == 0 {
		return "", ferrors.MissingResourceError("fork patch is empty").
			WithContext("commit", originalSHA).Build()
	}

	parentTree, err := parentCommit.Tree()
	if err != nil {
		return "", ferrors.GitError("load parent tree").WithCause(err).
			WithContext("commit", parentCommit.Hash.String()).Build()
	}
	entries, err := treeLeaves(parentTree)
	if err != nil {
		return "", ferrors.GitError("index parent tree").WithCause(err).
			WithContext("commit", parentCommit.Hash.String()).Build()
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := r.applyPatchedFile(entries, f, originalSHA); err != nil {
			return "", err
		}
	}

	rootHash, err := writeTree(r.repo.Storer, buildDirTree(entries))
	if err != nil {
		return "", ferrors.GitError("write replay tree").WithCause(err).
			WithContext("commit", originalSHA).Build()
	}

	sig := object.Signature{
		Name:  replayAuthorName,
		Email: replayAuthorEmail,
		When:  parentCommit.Committer.When,
	}
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      fmt.Sprintf("Replay of unreachable fork commit %s", originalSHA),
		TreeHash:     rootHash,
		ParentHashes: []plumbing.Hash{parentCommit.Hash},
	}
	obj := r.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return "", ferrors.GitError("encode replay commit").WithCause(err).Build()
	}
	hash, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", ferrors.GitError("store replay commit").WithCause(err).Build()
	}

	// Anchor the synthetic commit with a ref so external git tooling never
	// prunes it.
	refName := plumbing.ReferenceName("refs/replay/" + workspace.ShortSHA(originalSHA))
	if err := r.repo.Storer.SetReference(plumbing.NewHashReference(refName, hash)); err != nil {
		return "", ferrors.GitError("anchor replay commit").WithCause(err).Build()
	}

	slog.Info("replayed fork commit",
		logfields.RepoID(r.id),
		logfields.Commit(originalSHA),
		slog.String("effective_sha", hash.String()),
		slog.String("parent", parentCommit.Hash.String()))
	return hash.String(), nil
}

// applyPatchedFile applies one file of the patch to the leaf map.
func (r *Repo) applyPatchedFile(entries map[string]leaf, f *gitdiff.File, originalSHA string) error {
	if f.IsBinary {
		return ferrors.MissingResourceError("binary patch cannot be replayed").
			WithContext("commit", originalSHA).WithContext("file", f.NewName).Build()
	}

	oldPath := f.OldName
	newPath := f.NewName
	if newPath == "" {
		newPath = oldPath
	}

	var src []byte
	if !f.IsNew && oldPath != "" {
		entry, ok := entries[oldPath]
		if !ok {
			return ferrors.MissingResourceError("patch references file missing from parent").
				WithContext("commit", originalSHA).WithContext("file", oldPath).Build()
		}
		blob, err := r.repo.BlobObject(entry.hash)
		if err != nil {
			return ferrors.GitError("load parent blob").WithCause(err).
				WithContext("file", oldPath).Build()
		}
		reader, err := blob.Reader()
		if err != nil {
			return ferrors.GitError("read parent blob").WithCause(err).
				WithContext("file", oldPath).Build()
		}
		src, err = io.ReadAll(reader)
		reader.Close()
		if err != nil {
			return ferrors.GitError("read parent blob").WithCause(err).
				WithContext("file", oldPath).Build()
		}
	}

	if f.IsDelete {
		delete(entries, oldPath)
		return nil
	}

	var out bytes.Buffer
	if err := gitdiff.Apply(&out, bytes.NewReader(src), f); err != nil {
		return ferrors.MissingResourceError("fork patch does not apply").WithCause(err).
			WithContext("commit", originalSHA).WithContext("file", newPath).Build()
	}

	mode := filemode.Regular
	switch {
	case f.NewMode&0o111 != 0:
		mode = filemode.Executable
	case f.NewMode == 0 && oldPath != "":
		if entry, ok := entries[oldPath]; ok {
			mode = entry.mode
		}
	}
	if oldPath != "" && oldPath != newPath {
		delete(entries, oldPath)
	}

	blobHash, err := storeBlob(r.repo.Storer, out.Bytes())
	if err != nil {
		return ferrors.GitError("store patched blob").WithCause(err).
			WithContext("file", newPath).Build()
	}
	entries[newPath] = leaf{hash: blobHash, mode: mode}
	return nil
}

// treeLeaves flattens a tree into path -> leaf, reusing existing blob hashes
// so unmodified files cost nothing to carry into the synthetic tree.
func treeLeaves(tree *object.Tree) (map[string]leaf, error) {
	entries := make(map[string]leaf)
	walker := object.NewTreeWalker(tree, true, nil)
	defer walker.Close()
	for {
		name, entry, err := walker.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		if entry.Mode == filemode.Dir {
			continue
		}
		entries[name] = leaf{hash: entry.Hash, mode: entry.Mode}
	}
}

// dirNode is one directory of the tree being rebuilt.
type dirNode struct {
	files map[string]leaf
	dirs  map[string]*dirNode
}

func newDirNode() *dirNode {
	return &dirNode{files: make(map[string]leaf), dirs: make(map[string]*dirNode)}
}

func buildDirTree(entries map[string]leaf) *dirNode {
	root := newDirNode()
	for path, l := range entries {
		root.insert(path, l)
	}
	return root
}

func (n *dirNode) insert(path string, l leaf) {
	slash := strings.IndexByte(path, '/')
	if slash < 0 {
		n.files[path] = l
		return
	}
	head, rest := path[:slash], path[slash+1:]
	child, ok := n.dirs[head]
	if !ok {
		child = newDirNode()
		n.dirs[head] = child
	}
	child.insert(rest, l)
}

// writeTree encodes the directory node (and its subtrees) into the object
// store and returns the tree hash. Entries are sorted in git's canonical
// tree order, directories comparing as if suffixed with '/'.
func writeTree(s storer.EncodedObjectStorer, n *dirNode) (plumbing.Hash, error) {
	entries := make([]object.TreeEntry, 0, len(n.files)+len(n.dirs))
	for name, sub := range n.dirs {
		subHash, err := writeTree(s, sub)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: subHash})
	}
	for name, l := range n.files {
		entries = append(entries, object.TreeEntry{Name: name, Mode: l.mode, Hash: l.hash})
	}
	sort.Slice(entries, func(i, j int) bool {
		return canonicalTreeName(entries[i]) < canonicalTreeName(entries[j])
	})

	tree := &object.Tree{Entries: entries}
	obj := s.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return s.SetEncodedObject(obj)
}

func canonicalTreeName(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

func storeBlob(s storer.EncodedObjectStorer, content []byte) (plumbing.Hash, error) {
	obj := s.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return s.SetEncodedObject(obj)
}
