package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
)

// Canonical provider names as recorded on RawBuildRun.Provider and matched by
// scenario ci_provider filters.
const (
	NameGitHubActions = "github_actions"
)

// Repository is provider-side repository metadata, upserted into the raw
// catalog on sync.
type Repository struct {
	ExternalID    string
	FullName      string
	DefaultBranch string
	Private       bool
	Language      string
	Metadata      map[string]any
}

// Job is one CI job inside a build run.
type Job struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	Conclusion  string    `json:"conclusion"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Build is one CI build run as the provider reports it.
type Build struct {
	CIRunID     string
	BuildNumber int64
	CommitSHA   string
	Branch      string
	Status      string
	Conclusion  string
	Event       string
	ActorLogin  string
	ActorIsBot  bool
	StartedAt   time.Time
	CompletedAt time.Time
	Jobs        []Job
}

// BuildQuery narrows a FetchBuilds page.
type BuildQuery struct {
	Since       time.Time
	Branch      string
	Page        int
	PerPage     int
	IncludeJobs bool
}

// BuildPage is one page of build runs.
type BuildPage struct {
	Builds  []*Build
	Total   int
	HasMore bool
}

// JobLog is the downloaded log of one job.
type JobLog struct {
	JobName string
	Content []byte
}

// CommitPatch carries what fork replay needs: the commit's patch text and
// its parent SHAs in provider order.
type CommitPatch struct {
	SHA     string
	Parents []string
	Patch   []byte
}

// RateLimitStatus is the provider's view of one credential's quota.
type RateLimitStatus struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Client is the CI-provider contract the pipeline consumes. Implementations
// return classified errors; missing_resource marks expected degradation
// (expired logs, vanished commits) that must not be retried.
type Client interface {
	// Name is the canonical provider identifier stored on build runs.
	Name() string

	// FetchRepository loads repository metadata for the raw catalog.
	FetchRepository(ctx context.Context, fullName string) (*Repository, error)

	// FetchBuilds lists one page of build runs for a repository.
	FetchBuilds(ctx context.Context, fullName string, q BuildQuery) (*BuildPage, error)

	// FetchBuildLogs downloads the per-job logs of one build run.
	// Aged-out logs return an error satisfying IsLogsExpired.
	FetchBuildLogs(ctx context.Context, fullName, ciRunID string) ([]JobLog, error)

	// GetCommitPatch fetches the patch and parents of a commit for fork
	// replay.
	GetCommitPatch(ctx context.Context, fullName, sha string) (*CommitPatch, error)

	// RateLimit reports the current credential's remaining quota.
	RateLimit(ctx context.Context) (*RateLimitStatus, error)

	// CloneURL returns the https clone URL for a repository.
	CloneURL(fullName string) string

	// GitAuth resolves clone credentials from the token pool at call time;
	// tokens are never serialized into task payloads.
	GitAuth() (transport.AuthMethod, error)
}

// LogsExpiredError marks logs the provider has aged out. It travels as the
// cause of a missing_resource classified error.
type LogsExpiredError struct {
	CIRunID string
}

func (e *LogsExpiredError) Error() string {
	return fmt.Sprintf("build logs expired for run %s", e.CIRunID)
}

// IsLogsExpired reports whether the error marks expired build logs, which
// flip logs_expired on the run instead of failing the batch.
func IsLogsExpired(err error) bool {
	var expired *LogsExpiredError
	return errors.As(err, &expired)
}

// Set resolves the provider name a task carries to a live client. The first
// client added becomes the default, used when a scenario filters on "all".
type Set struct {
	clients map[string]Client
	def     string
}

// NewSet creates an empty provider set.
func NewSet() *Set {
	return &Set{clients: make(map[string]Client)}
}

// Add registers a client under its canonical name.
func (s *Set) Add(c Client) {
	if s.def == "" {
		s.def = c.Name()
	}
	s.clients[c.Name()] = c
}

// Get resolves a provider by name; empty and "all" mean the default.
func (s *Set) Get(name string) (Client, error) {
	if name == "" || name == "all" {
		name = s.def
	}
	c, ok := s.clients[name]
	if !ok {
		return nil, ferrors.ConfigError("unknown CI provider").
			WithContext("provider", name).Build()
	}
	return c, nil
}

// Names lists the registered provider names.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.clients))
	for name := range s.clients {
		names = append(names, name)
	}
	return names
}
