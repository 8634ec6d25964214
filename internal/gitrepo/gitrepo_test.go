package gitrepo

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/workspace"
)

// initSource creates a non-bare source repository the client can clone from.
func initSource(t *testing.T) (*git.Repository, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init source repo: %v", err)
	}
	return repo, dir
}

func stageFile(t *testing.T, wt *git.Worktree, dir, name, content string, perm os.FileMode) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		t.Fatalf("mkdir for %s: %v", name, err)
	}
	if err := os.WriteFile(full, []byte(content), perm); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	if _, err := wt.Add(name); err != nil {
		t.Fatalf("add %s: %v", name, err)
	}
}

func commitStaged(t *testing.T, wt *git.Worktree, msg string) plumbing.Hash {
	t.Helper()
	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "t@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("commit %q: %v", msg, err)
	}
	return hash
}

// addCommit writes one file and commits it, returning the commit hash.
func addCommit(t *testing.T, repo *git.Repository, dir, name, content, msg string) plumbing.Hash {
	t.Helper()
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	stageFile(t, wt, dir, name, content, 0o600)
	return commitStaged(t, wt, msg)
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	return NewClient(workspace.NewLayout(t.TempDir()))
}

func TestEnsureCloneCreatesBareMirror(t *testing.T) {
	src, srcDir := initSource(t)
	c1 := addCommit(t, src, srcDir, "a.txt", "A\n", "first")

	client := newTestClient(t)
	repo, cloned, err := client.EnsureClone(context.Background(), "repo-1", srcDir, nil)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if !cloned {
		t.Errorf("first EnsureClone must report a fresh clone")
	}
	if !repo.IsReachable(c1.String()) {
		t.Fatalf("expected %s reachable after clone", c1)
	}
	// Bare clone: HEAD sits at the clone root, there is no .git directory.
	if _, err := os.Stat(filepath.Join(repo.Path(), "HEAD")); err != nil {
		t.Errorf("expected bare layout with HEAD at root: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo.Path(), ".git")); !os.IsNotExist(err) {
		t.Errorf("expected no .git dir in bare clone, stat err=%v", err)
	}
}

func TestEnsureCloneFetchesNewCommits(t *testing.T) {
	src, srcDir := initSource(t)
	addCommit(t, src, srcDir, "a.txt", "A\n", "first")

	client := newTestClient(t)
	if _, _, err := client.EnsureClone(context.Background(), "repo-1", srcDir, nil); err != nil {
		t.Fatalf("initial clone: %v", err)
	}

	c2 := addCommit(t, src, srcDir, "b.txt", "B\n", "second")
	repo, cloned, err := client.EnsureClone(context.Background(), "repo-1", srcDir, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if cloned {
		t.Errorf("second EnsureClone must report a refresh, not a clone")
	}
	if !repo.IsReachable(c2.String()) {
		t.Fatalf("expected %s reachable after fetch", c2)
	}
}

func TestEnsureCloneMissingSourceLeavesNoPartialClone(t *testing.T) {
	client := newTestClient(t)
	missing := filepath.Join(t.TempDir(), "nonexistent")
	repo, _, err := client.EnsureClone(context.Background(), "repo-x", missing, nil)
	if err == nil {
		t.Fatalf("expected error cloning %s, got repo %v", missing, repo)
	}
	if _, statErr := os.Stat(client.layout.RepoDir("repo-x")); !os.IsNotExist(statErr) {
		t.Errorf("expected partial clone removed, stat err=%v", statErr)
	}
}

func TestOpenNotCloned(t *testing.T) {
	client := newTestClient(t)
	_, err := client.Open("never-cloned")
	if err == nil {
		t.Fatalf("expected error opening missing clone")
	}
	if !ferrors.IsMissingResource(err) {
		t.Errorf("expected missing resource classification, got %v", err)
	}
}

func TestMaterializeWorktree(t *testing.T) {
	src, srcDir := initSource(t)
	wt, err := src.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	stageFile(t, wt, srcDir, "a.txt", "hello\n", 0o600)
	stageFile(t, wt, srcDir, "docs/guide.md", "# Guide\n", 0o600)
	stageFile(t, wt, srcDir, "bin/run.sh", "#!/bin/sh\n", 0o755)
	if err := os.Symlink("a.txt", filepath.Join(srcDir, "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if _, err := wt.Add("link"); err != nil {
		t.Fatalf("add link: %v", err)
	}
	sha := commitStaged(t, wt, "tree with modes")

	client := newTestClient(t)
	repo, _, err := client.EnsureClone(context.Background(), "repo-1", srcDir, nil)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}

	path, err := repo.MaterializeWorktree(context.Background(), sha.String())
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if want := repo.WorktreePath(sha.String()); path != want {
		t.Errorf("worktree path = %s, want %s", path, want)
	}

	data, err := os.ReadFile(filepath.Join(path, "docs", "guide.md"))
	if err != nil || string(data) != "# Guide\n" {
		t.Errorf("docs/guide.md = %q err=%v", data, err)
	}
	info, err := os.Stat(filepath.Join(path, "bin", "run.sh"))
	if err != nil {
		t.Fatalf("stat run.sh: %v", err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		t.Errorf("expected executable bit on run.sh, mode=%v", info.Mode())
	}
	linkTarget, err := os.Readlink(filepath.Join(path, "link"))
	if err != nil || linkTarget != "a.txt" {
		t.Errorf("readlink = %q err=%v", linkTarget, err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("expected temp dir cleaned up, stat err=%v", err)
	}

	// Re-materialising must be a no-op on the published directory.
	sentinel := filepath.Join(path, "sentinel")
	if err := os.WriteFile(sentinel, []byte("x"), 0o600); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}
	again, err := repo.MaterializeWorktree(context.Background(), sha.String())
	if err != nil || again != path {
		t.Fatalf("second materialize: path=%s err=%v", again, err)
	}
	if _, err := os.Stat(sentinel); err != nil {
		t.Errorf("expected existing worktree untouched: %v", err)
	}
}

func TestMaterializeWorktreeUnreachable(t *testing.T) {
	src, srcDir := initSource(t)
	addCommit(t, src, srcDir, "a.txt", "A\n", "first")

	client := newTestClient(t)
	repo, _, err := client.EnsureClone(context.Background(), "repo-1", srcDir, nil)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}

	_, err = repo.MaterializeWorktree(context.Background(), strings.Repeat("d", 40))
	if err == nil {
		t.Fatalf("expected error for unreachable commit")
	}
	if !ferrors.IsMissingResource(err) {
		t.Errorf("expected missing resource classification, got %v", err)
	}
}

func TestCommitInfoAndDiffStats(t *testing.T) {
	src, srcDir := initSource(t)
	c1 := addCommit(t, src, srcDir, "a.txt", "one\ntwo\n", "first")
	c2 := addCommit(t, src, srcDir, "b.txt", "three\n", "second")

	client := newTestClient(t)
	repo, _, err := client.EnsureClone(context.Background(), "repo-1", srcDir, nil)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}

	info, err := repo.CommitInfo(c2.String())
	if err != nil {
		t.Fatalf("commit info: %v", err)
	}
	if info.SHA != c2.String() || info.AuthorName != "tester" || info.IsMerge {
		t.Errorf("unexpected commit info: %+v", info)
	}
	if !strings.Contains(info.Message, "second") {
		t.Errorf("message = %q", info.Message)
	}
	if len(info.Parents) != 1 || info.Parents[0] != c1.String() {
		t.Errorf("parents = %v, want [%s]", info.Parents, c1)
	}

	stats, err := repo.DiffStats(context.Background(), c2.String())
	if err != nil {
		t.Fatalf("diff stats: %v", err)
	}
	if stats.Additions != 1 || stats.Deletions != 0 || len(stats.Files) != 1 {
		t.Errorf("unexpected stats for c2: %+v", stats)
	}
	if stats.Files[0].Path != "b.txt" {
		t.Errorf("changed file = %s", stats.Files[0].Path)
	}

	// Root commits diff against the empty tree.
	rootStats, err := repo.DiffStats(context.Background(), c1.String())
	if err != nil {
		t.Fatalf("root diff stats: %v", err)
	}
	if rootStats.Additions != 2 {
		t.Errorf("root additions = %d, want 2", rootStats.Additions)
	}

	if _, err := repo.CommitInfo(strings.Repeat("e", 40)); !ferrors.IsMissingResource(err) {
		t.Errorf("expected missing resource for unknown commit, got %v", err)
	}
}

const forkPatch = `diff --git a/file.txt b/file.txt
--- a/file.txt
+++ b/file.txt
@@ -1,3 +1,3 @@
 line one
-line two
+line two patched
 line three
diff --git a/docs/new.md b/docs/new.md
new file mode 100644
--- /dev/null
+++ b/docs/new.md
@@ -0,0 +1,2 @@
+# New
+Replayed file.
`

func TestReplayForkCommit(t *testing.T) {
	src, srcDir := initSource(t)
	parent := addCommit(t, src, srcDir, "file.txt", "line one\nline two\nline three\n", "base")

	client := newTestClient(t)
	repo, _, err := client.EnsureClone(context.Background(), "repo-1", srcDir, nil)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}

	originalSHA := strings.Repeat("ab", 20)
	unreachableParent := strings.Repeat("cd", 20)
	effective, err := repo.ReplayForkCommit(context.Background(), originalSHA,
		[]string{unreachableParent, parent.String()}, []byte(forkPatch))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if effective == originalSHA {
		t.Fatalf("effective sha must differ from the unreachable original")
	}
	if !repo.IsReachable(effective) {
		t.Fatalf("expected synthetic commit %s reachable", effective)
	}

	info, err := repo.CommitInfo(effective)
	if err != nil {
		t.Fatalf("commit info: %v", err)
	}
	if len(info.Parents) != 1 || info.Parents[0] != parent.String() {
		t.Errorf("synthetic parents = %v, want [%s]", info.Parents, parent)
	}
	if !strings.Contains(info.Message, originalSHA) {
		t.Errorf("message %q should reference the original commit", info.Message)
	}

	path, err := repo.MaterializeWorktree(context.Background(), effective)
	if err != nil {
		t.Fatalf("materialize replayed commit: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(path, "file.txt"))
	if err != nil || string(data) != "line one\nline two patched\nline three\n" {
		t.Errorf("file.txt = %q err=%v", data, err)
	}
	data, err = os.ReadFile(filepath.Join(path, "docs", "new.md"))
	if err != nil || string(data) != "# New\nReplayed file.\n" {
		t.Errorf("docs/new.md = %q err=%v", data, err)
	}

	// Same parent and patch must yield the same synthetic sha so
	// re-ingestion stays idempotent.
	repeat, err := repo.ReplayForkCommit(context.Background(), originalSHA,
		[]string{parent.String()}, []byte(forkPatch))
	if err != nil {
		t.Fatalf("repeat replay: %v", err)
	}
	if repeat != effective {
		t.Errorf("replay not deterministic: %s then %s", effective, repeat)
	}
}

func TestReplayForkCommitNoReachableParent(t *testing.T) {
	src, srcDir := initSource(t)
	addCommit(t, src, srcDir, "file.txt", "x\n", "base")

	client := newTestClient(t)
	repo, _, err := client.EnsureClone(context.Background(), "repo-1", srcDir, nil)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}

	_, err = repo.ReplayForkCommit(context.Background(), strings.Repeat("ab", 20),
		[]string{strings.Repeat("cd", 20)}, []byte(forkPatch))
	if err == nil {
		t.Fatalf("expected error with no reachable parent")
	}
	if !ferrors.IsMissingResource(err) {
		t.Errorf("expected missing resource classification, got %v", err)
	}
}

func TestReplayForkCommitPatchConflict(t *testing.T) {
	src, srcDir := initSource(t)
	parent := addCommit(t, src, srcDir, "file.txt", "entirely different content\n", "base")

	client := newTestClient(t)
	repo, _, err := client.EnsureClone(context.Background(), "repo-1", srcDir, nil)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}

	_, err = repo.ReplayForkCommit(context.Background(), strings.Repeat("ab", 20),
		[]string{parent.String()}, []byte(forkPatch))
	if err == nil {
		t.Fatalf("expected error when patch context does not match")
	}
	if !ferrors.IsMissingResource(err) {
		t.Errorf("expected missing resource classification, got %v", err)
	}
}
