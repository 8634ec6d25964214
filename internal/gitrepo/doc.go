// Package gitrepo wraps go-git for the ingestion and extraction pipeline:
// bare mirror clones under a per-repository advisory lock, detached worktree
// materialisation from commit trees, and fork-commit replay that reconstructs
// unreachable commits by applying provider patches onto the nearest reachable
// parent.
//
// The package never sleeps or retries on its own. Failures are classified
// (auth, missing resource, rate limit, network, git) and the task runtime
// decides redelivery from the classification.
package gitrepo
