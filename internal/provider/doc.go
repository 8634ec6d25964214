// Package provider holds the CI-provider clients the ingestion workers talk
// to: build listings, job logs, commit patches for fork replay, and git
// credentials for cloning. Clients share a rotating token pool and a circuit
// breaker; failures come back classified so the task runtime can pick the
// right redelivery policy.
package provider
