package provider

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/sony/gobreaker"

	"git.home.luguber.info/inful/riskbuilder/internal/config"
	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
)

const (
	githubAPIVersion = "2022-11-28"
	userAgent        = "riskbuilder/1.0"

	// maxResponseBytes bounds JSON responses; maxLogArchiveBytes bounds the
	// job-log zip, whose per-file cap is enforced later by ingestion.
	maxResponseBytes   = 32 << 20
	maxLogArchiveBytes = 128 << 20

	// jobsPerRunCap is the page size for the per-run jobs listing; runs with
	// more jobs than this are vanishingly rare and lose only metadata.
	jobsPerRunCap = 100
)

// GitHub talks to the GitHub Actions REST API.
type GitHub struct {
	apiURL     string
	baseURL    string
	pool       *TokenPool
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	perPage    int
}

// NewGitHub creates a GitHub Actions client from the provider configuration.
func NewGitHub(cfg config.ProviderConfig) (*GitHub, error) {
	if cfg.Kind != config.ProviderGitHub {
		return nil, ferrors.ConfigError("invalid provider kind for GitHub client").
			WithContext("kind", string(cfg.Kind)).Build()
	}
	pool := NewTokenPool(cfg.Tokens, cfg.TokenCooldownDuration())
	if pool.Size() == 0 {
		return nil, ferrors.ConfigError("GitHub provider requires at least one token").Build()
	}

	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://github.com"
	}

	maxFailures := cfg.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "github",
		Timeout: cfg.Breaker.OpenTimeoutDuration(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	})

	perPage := cfg.PerPage
	if perPage <= 0 || perPage > 100 {
		perPage = 100
	}

	return &GitHub{
		apiURL:     strings.TrimRight(apiURL, "/"),
		baseURL:    strings.TrimRight(baseURL, "/"),
		pool:       pool,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		breaker:    breaker,
		perPage:    perPage,
	}, nil
}

// Name returns the canonical provider identifier.
func (g *GitHub) Name() string { return NameGitHubActions }

// CloneURL returns the https clone URL for a repository.
func (g *GitHub) CloneURL(fullName string) string {
	return g.baseURL + "/" + fullName + ".git"
}

// GitAuth resolves clone credentials from the token pool.
func (g *GitHub) GitAuth() (transport.AuthMethod, error) {
	token, err := g.pool.Next()
	if err != nil {
		return nil, err
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: token}, nil
}

// githubRepo mirrors the repository object of the REST API.
type githubRepo struct {
	ID            int64  `json:"id"`
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
	Private       bool   `json:"private"`
	Fork          bool   `json:"fork"`
	Archived      bool   `json:"archived"`
	Language      string `json:"language"`
	Stars         int    `json:"stargazers_count"`
	Forks         int    `json:"forks_count"`
	OpenIssues    int    `json:"open_issues_count"`
	Watchers      int    `json:"subscribers_count"`
	Owner         struct {
		Login string `json:"login"`
		Type  string `json:"type"`
	} `json:"owner"`
}

// FetchRepository loads repository metadata for the raw catalog.
func (g *GitHub) FetchRepository(ctx context.Context, fullName string) (*Repository, error) {
	var repo githubRepo
	if err := g.getJSON(ctx, "/repos/"+fullName, &repo); err != nil {
		return nil, err
	}
	return &Repository{
		ExternalID:    strconv.FormatInt(repo.ID, 10),
		FullName:      repo.FullName,
		DefaultBranch: repo.DefaultBranch,
		Private:       repo.Private,
		Language:      repo.Language,
		Metadata: map[string]any{
			"owner":       repo.Owner.Login,
			"owner_type":  repo.Owner.Type,
			"fork":        repo.Fork,
			"archived":    repo.Archived,
			"stars":       repo.Stars,
			"forks":       repo.Forks,
			"open_issues": repo.OpenIssues,
			"watchers":    repo.Watchers,
		},
	}, nil
}

// githubRun mirrors one workflow run of the Actions API.
type githubRun struct {
	ID           int64     `json:"id"`
	RunNumber    int64     `json:"run_number"`
	HeadSHA      string    `json:"head_sha"`
	HeadBranch   string    `json:"head_branch"`
	Status       string    `json:"status"`
	Conclusion   string    `json:"conclusion"`
	Event        string    `json:"event"`
	RunStartedAt time.Time `json:"run_started_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Actor        struct {
		Login string `json:"login"`
		Type  string `json:"type"`
	} `json:"actor"`
}

type githubRunsPage struct {
	TotalCount   int         `json:"total_count"`
	WorkflowRuns []githubRun `json:"workflow_runs"`
}

type githubJobsPage struct {
	TotalCount int `json:"total_count"`
	Jobs       []struct {
		ID          int64     `json:"id"`
		Name        string    `json:"name"`
		Status      string    `json:"status"`
		Conclusion  string    `json:"conclusion"`
		StartedAt   time.Time `json:"started_at"`
		CompletedAt time.Time `json:"completed_at"`
	} `json:"jobs"`
}

// FetchBuilds lists one page of workflow runs, optionally annotated with
// per-run job metadata.
func (g *GitHub) FetchBuilds(ctx context.Context, fullName string, q BuildQuery) (*BuildPage, error) {
	perPage := q.PerPage
	if perPage <= 0 || perPage > 100 {
		perPage = g.perPage
	}
	page := q.Page
	if page <= 0 {
		page = 1
	}

	values := url.Values{}
	values.Set("per_page", strconv.Itoa(perPage))
	values.Set("page", strconv.Itoa(page))
	if !q.Since.IsZero() {
		values.Set("created", ">="+q.Since.UTC().Format("2006-01-02T15:04:05Z"))
	}
	if q.Branch != "" {
		values.Set("branch", q.Branch)
	}

	var runs githubRunsPage
	endpoint := fmt.Sprintf("/repos/%s/actions/runs?%s", fullName, values.Encode())
	if err := g.getJSON(ctx, endpoint, &runs); err != nil {
		return nil, err
	}

	builds := make([]*Build, 0, len(runs.WorkflowRuns))
	for i := range runs.WorkflowRuns {
		run := &runs.WorkflowRuns[i]
		b := buildFromRun(run)
		if q.IncludeJobs {
			jobs, err := g.fetchRunJobs(ctx, fullName, run.ID)
			if err != nil {
				return nil, err
			}
			b.Jobs = jobs
		}
		builds = append(builds, b)
	}

	return &BuildPage{
		Builds:  builds,
		Total:   runs.TotalCount,
		HasMore: page*perPage < runs.TotalCount,
	}, nil
}

func buildFromRun(run *githubRun) *Build {
	started := run.RunStartedAt
	if started.IsZero() {
		started = run.CreatedAt
	}
	var completed time.Time
	if run.Status == "completed" {
		completed = run.UpdatedAt
	}
	return &Build{
		CIRunID:     strconv.FormatInt(run.ID, 10),
		BuildNumber: run.RunNumber,
		CommitSHA:   run.HeadSHA,
		Branch:      run.HeadBranch,
		Status:      run.Status,
		Conclusion:  run.Conclusion,
		Event:       run.Event,
		ActorLogin:  run.Actor.Login,
		ActorIsBot:  run.Actor.Type == "Bot" || strings.HasSuffix(run.Actor.Login, "[bot]"),
		StartedAt:   started,
		CompletedAt: completed,
	}
}

func (g *GitHub) fetchRunJobs(ctx context.Context, fullName string, runID int64) ([]Job, error) {
	var page githubJobsPage
	endpoint := fmt.Sprintf("/repos/%s/actions/runs/%d/jobs?per_page=%d", fullName, runID, jobsPerRunCap)
	if err := g.getJSON(ctx, endpoint, &page); err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(page.Jobs))
	for _, j := range page.Jobs {
		jobs = append(jobs, Job{
			ID:          j.ID,
			Name:        j.Name,
			Status:      j.Status,
			Conclusion:  j.Conclusion,
			StartedAt:   j.StartedAt,
			CompletedAt: j.CompletedAt,
		})
	}
	return jobs, nil
}

// FetchBuildLogs downloads the run's log archive and splits it into per-job
// logs. The archive holds one aggregated "<index>_<job>.txt" per job at the
// top level plus per-step files in subdirectories; only the aggregates are
// returned. A 410 means the provider aged the logs out.
func (g *GitHub) FetchBuildLogs(ctx context.Context, fullName, ciRunID string) ([]JobLog, error) {
	endpoint := fmt.Sprintf("/repos/%s/actions/runs/%s/logs", fullName, ciRunID)
	resp, err := g.get(ctx, endpoint, "application/vnd.github+json", maxLogArchiveBytes)
	if err != nil {
		return nil, err
	}

	switch resp.status {
	case http.StatusOK:
	case http.StatusGone:
		return nil, ferrors.MissingResourceError("build logs expired").
			WithCause(&LogsExpiredError{CIRunID: ciRunID}).
			WithContext("repo", fullName).Build()
	case http.StatusNotFound:
		return nil, ferrors.MissingResourceError("build logs not found").
			WithContext("repo", fullName).WithContext("ci_run_id", ciRunID).Build()
	default:
		return nil, g.unexpectedStatus(endpoint, resp)
	}

	archive, err := zip.NewReader(bytes.NewReader(resp.body), int64(len(resp.body)))
	if err != nil {
		return nil, ferrors.ProviderError("log archive unreadable").WithCause(err).
			WithContext("ci_run_id", ciRunID).Build()
	}

	var logs []JobLog
	for _, f := range archive.File {
		name := f.Name
		if strings.ContainsRune(name, '/') || !strings.HasSuffix(name, ".txt") {
			continue
		}
		job := strings.TrimSuffix(name, ".txt")
		if idx := strings.Index(job, "_"); idx > 0 {
			if _, numErr := strconv.Atoi(job[:idx]); numErr == nil {
				job = job[idx+1:]
			}
		}
		rc, err := f.Open()
		if err != nil {
			return nil, ferrors.ProviderError("log archive entry unreadable").WithCause(err).
				WithContext("entry", name).Build()
		}
		content, err := io.ReadAll(io.LimitReader(rc, maxLogArchiveBytes))
		rc.Close()
		if err != nil {
			return nil, ferrors.ProviderError("log archive entry unreadable").WithCause(err).
				WithContext("entry", name).Build()
		}
		logs = append(logs, JobLog{JobName: job, Content: content})
	}
	return logs, nil
}

// githubCommit carries the slice of the commit object replay needs.
type githubCommit struct {
	SHA     string `json:"sha"`
	Parents []struct {
		SHA string `json:"sha"`
	} `json:"parents"`
}

// GetCommitPatch fetches a commit's parents (JSON) and patch text (patch
// media type) for fork replay. Commits the provider no longer serves come
// back as missing resource.
func (g *GitHub) GetCommitPatch(ctx context.Context, fullName, sha string) (*CommitPatch, error) {
	endpoint := fmt.Sprintf("/repos/%s/commits/%s", fullName, sha)

	var commit githubCommit
	if err := g.getJSON(ctx, endpoint, &commit); err != nil {
		return nil, err
	}

	resp, err := g.get(ctx, endpoint, "application/vnd.github.patch", maxResponseBytes)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, g.unexpectedStatus(endpoint, resp)
	}

	parents := make([]string, 0, len(commit.Parents))
	for _, p := range commit.Parents {
		parents = append(parents, p.SHA)
	}
	return &CommitPatch{SHA: commit.SHA, Parents: parents, Patch: resp.body}, nil
}

type githubRateLimit struct {
	Resources struct {
		Core struct {
			Limit     int   `json:"limit"`
			Remaining int   `json:"remaining"`
			Reset     int64 `json:"reset"`
		} `json:"core"`
	} `json:"resources"`
}

// RateLimit reports the current token's core quota.
func (g *GitHub) RateLimit(ctx context.Context) (*RateLimitStatus, error) {
	var rl githubRateLimit
	if err := g.getJSON(ctx, "/rate_limit", &rl); err != nil {
		return nil, err
	}
	return &RateLimitStatus{
		Limit:     rl.Resources.Core.Limit,
		Remaining: rl.Resources.Core.Remaining,
		ResetAt:   time.Unix(rl.Resources.Core.Reset, 0),
	}, nil
}

// HTTP plumbing.

type apiResponse struct {
	status int
	header http.Header
	body   []byte
}

func (g *GitHub) getJSON(ctx context.Context, endpoint string, out any) error {
	resp, err := g.get(ctx, endpoint, "application/vnd.github+json", maxResponseBytes)
	if err != nil {
		return err
	}
	if resp.status != http.StatusOK {
		return g.unexpectedStatus(endpoint, resp)
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return ferrors.ProviderError("provider response undecodable").WithCause(err).
			WithContext("endpoint", endpoint).Build()
	}
	return nil
}

// get performs one authenticated GET through the circuit breaker. Transport
// failures and 5xx answers count against the breaker; resource-level statuses
// (404, 410, 422) pass through for the caller to interpret. Rate-limit
// exhaustion cools the token down and returns a rate-limit error.
func (g *GitHub) get(ctx context.Context, endpoint, accept string, maxBytes int64) (*apiResponse, error) {
	token, err := g.pool.Next()
	if err != nil {
		return nil, err
	}

	req, err := g.newRequest(ctx, endpoint, accept, token)
	if err != nil {
		return nil, err
	}

	out, err := g.breaker.Execute(func() (any, error) {
		resp, doErr := g.httpClient.Do(req)
		if doErr != nil {
			return nil, ferrors.NetworkError("provider request failed").WithCause(doErr).
				WithContext("endpoint", endpoint).Build()
		}
		defer resp.Body.Close()

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
		if readErr != nil {
			return nil, ferrors.NetworkError("provider response unreadable").WithCause(readErr).
				WithContext("endpoint", endpoint).Build()
		}
		if resp.StatusCode >= 500 {
			return nil, ferrors.ProviderError("provider unavailable").
				WithContext("status", resp.StatusCode).
				WithContext("endpoint", endpoint).Build()
		}
		return &apiResponse{status: resp.StatusCode, header: resp.Header.Clone(), body: body}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ferrors.ProviderError("provider circuit open").WithCause(err).
				WithContext("endpoint", endpoint).Build()
		}
		return nil, err
	}

	resp := out.(*apiResponse)
	g.observeQuota(token, resp.header)

	if resp.status == http.StatusTooManyRequests ||
		(resp.status == http.StatusForbidden && quotaExhausted(resp.header)) {
		g.pool.MarkLimited(token, resetFromHeader(resp.header))
		return nil, ferrors.RateLimitError("provider rate limit exhausted").
			WithContext("endpoint", endpoint).Build()
	}
	if resp.status == http.StatusUnauthorized {
		return nil, ferrors.AuthError("provider rejected credentials").
			WithContext("endpoint", endpoint).Build()
	}
	return resp, nil
}

func (g *GitHub) newRequest(ctx context.Context, endpoint, accept, token string) (*http.Request, error) {
	u, err := url.Parse(g.apiURL)
	if err != nil {
		return nil, ferrors.ConfigError("invalid provider API URL").WithCause(err).Build()
	}
	rel, err := url.Parse(endpoint)
	if err != nil {
		return nil, ferrors.InternalError("invalid provider endpoint").WithCause(err).
			WithContext("endpoint", endpoint).Build()
	}
	u.Path = path.Join(u.Path, rel.Path)
	u.RawQuery = rel.RawQuery

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, ferrors.InternalError("build provider request").WithCause(err).Build()
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", accept)
	req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

// unexpectedStatus classifies non-2xx statuses the caller has not already
// handled. Vanished resources degrade, everything else is a provider fault.
func (g *GitHub) unexpectedStatus(endpoint string, resp *apiResponse) error {
	switch resp.status {
	case http.StatusNotFound, http.StatusGone, http.StatusUnprocessableEntity:
		return ferrors.MissingResourceError("provider resource unavailable").
			WithContext("endpoint", endpoint).
			WithContext("status", resp.status).Build()
	default:
		return ferrors.ProviderError("unexpected provider status").
			WithContext("endpoint", endpoint).
			WithContext("status", resp.status).Build()
	}
}

func (g *GitHub) observeQuota(token string, header http.Header) {
	remaining, err := strconv.Atoi(header.Get("X-RateLimit-Remaining"))
	if err != nil {
		return
	}
	g.pool.Observe(token, remaining, resetFromHeader(header))
}

func quotaExhausted(header http.Header) bool {
	return header.Get("X-RateLimit-Remaining") == "0" || header.Get("Retry-After") != ""
}

func resetFromHeader(header http.Header) time.Time {
	if retryAfter := header.Get("Retry-After"); retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil {
			return time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	if reset := header.Get("X-RateLimit-Reset"); reset != "" {
		if unix, err := strconv.ParseInt(reset, 10, 64); err == nil {
			return time.Unix(unix, 0)
		}
	}
	return time.Time{}
}
