package features

// DefaultRegistry assembles the shipped node catalogue. Scenario feature
// selections and the extraction config's node patterns resolve against it.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(gitCommitMeta())
	r.MustRegister(gitDiffChurn())
	r.MustRegister(gitChangeEntropy())
	r.MustRegister(repoSnapshot())
	r.MustRegister(repoAge())
	r.MustRegister(buildLogParse())
	r.MustRegister(buildHistory())
	r.MustRegister(ghActor())
	r.MustRegister(ghRepoStats())
	r.MustRegister(devopsConfig())
	return r
}
