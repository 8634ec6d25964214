// Package workspace owns the on-disk layout under the data directory.
//
// Everything the pipeline materialises lives in a fixed tree rooted at the
// configured data dir:
//
//	repos/<raw_repo_id>            bare clones (plus .lock advisory files)
//	worktrees/<raw_repo_id>/<sha>  detached worktrees keyed by short SHA
//	logs/<raw_repo_id>/<run>/      downloaded CI job logs
//	scan-config/<scenario>/<repo>/ materialised scanner configuration
//	scenarios/<scenario>/splits/   exported dataset split files
//
// Layout centralises path construction so producers and janitors agree on
// the scheme, and provides the sweeps the daemon runs to reclaim space.
package workspace
