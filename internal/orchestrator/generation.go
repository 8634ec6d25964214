package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"git.home.luguber.info/inful/riskbuilder/internal/ingest"
	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
	"git.home.luguber.info/inful/riskbuilder/internal/store"
	"git.home.luguber.info/inful/riskbuilder/internal/taskqueue"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
)

// FilterPayload identifies the scenario a filter task stages.
type FilterPayload struct {
	ScenarioID string `json:"scenario_id"`
}

// AggregatePayload identifies the scenario whose ingestion outcomes the
// chord callback settles.
type AggregatePayload struct {
	ScenarioID string `json:"scenario_id"`
}

// FilterResult reports what the filter phase staged.
type FilterResult struct {
	Builds int  `json:"builds"`
	Repos  int  `json:"repos"`
	Stale  bool `json:"stale,omitempty"`
}

// AggregateResult reports the settled ingestion counts.
type AggregateResult struct {
	Ingested        int64 `json:"ingested"`
	MissingResource int64 `json:"missing_resource"`
	Failed          int64 `json:"failed"`
	Stale           bool  `json:"stale,omitempty"`
}

// StartScenarioGeneration moves a scenario into the pipeline and dispatches
// the filter task under a fresh correlation id and epoch. Scenarios inside
// an active phase are rejected with a conflict; completed and failed ones
// restart from scratch.
func (o *Orchestrator) StartScenarioGeneration(ctx context.Context, scenarioID string) (string, error) {
	from := []model.ScenarioStatus{
		model.ScenarioQueued, model.ScenarioIngested, model.ScenarioProcessed,
		model.ScenarioCompleted, model.ScenarioFailed,
	}
	if err := o.store.Scenarios.Transition(ctx, scenarioID, from, model.ScenarioFiltering); err != nil {
		return "", err
	}
	corrID, epoch, err := o.startRun(ctx, scenarioID)
	if err != nil {
		return "", err
	}
	opts := taskqueue.SubmitOptions{CorrelationID: corrID, Epoch: epoch}
	sig := taskqueue.NewSignature(TaskScenarioFilter, taskqueue.QueueScenarioIngestion, FilterPayload{ScenarioID: scenarioID})
	if _, _, err := o.broker.SubmitTask(ctx, sig, opts); err != nil {
		return "", err
	}
	o.publishState(ctx, scenarioID)
	return corrID, nil
}

// ScenarioFilter implements the filter phase: match repositories and build
// runs against the scenario's data source, stage one IngestionBuild per
// match, and dispatch the ingestion chord. A plan with no on-disk resources
// short-circuits the scenario straight to ingested.
func (o *Orchestrator) ScenarioFilter(ctx context.Context, inv *taskqueue.Invocation) (any, error) {
	var p FilterPayload
	if err := inv.Decode(&p); err != nil {
		return nil, err
	}
	log := inv.Logger().With(logfields.ScenarioID(p.ScenarioID))
	scen, stale, err := o.scenarioFor(ctx, inv, p.ScenarioID)
	if err != nil {
		return nil, err
	}
	if stale {
		return FilterResult{Stale: true}, nil
	}
	corrID := inv.CorrelationID()

	spec, err := o.loadSpec(scen)
	if err != nil {
		o.failScenario(ctx, p.ScenarioID, corrID, "", err.Error(), log)
		return nil, err
	}
	if _, err := o.store.PipelineRuns.StartPhase(ctx, corrID, PhaseFilter, 0); err != nil {
		return nil, err
	}

	filter := spec.DataSource.Filter()
	repos, err := o.store.Repos.FilterRepositories(ctx, filter)
	if err != nil {
		o.failScenario(ctx, p.ScenarioID, corrID, PhaseFilter, err.Error(), log)
		return nil, err
	}
	repoByID := make(map[string]*model.RawRepository, len(repos))
	repoIDs := make([]string, 0, len(repos))
	for i := range repos {
		repoIDs = append(repoIDs, repos[i].ID)
		repoByID[repos[i].ID] = &repos[i]
	}
	var runs []model.RawBuildRun
	if len(repoIDs) > 0 {
		runs, err = o.store.Builds.FilterBuilds(ctx, repoIDs, filter)
		if err != nil {
			o.failScenario(ctx, p.ScenarioID, corrID, PhaseFilter, err.Error(), log)
			return nil, err
		}
	}
	runs = capPerRepo(runs, o.ingCfg.MaxBuildsPerRepo)
	if len(runs) == 0 {
		o.failScenario(ctx, p.ScenarioID, corrID, PhaseFilter, "no matches", log)
		return nil, ferrors.ValidationError("no matches").
			WithContext("scenario_id", p.ScenarioID).Build()
	}

	fplan, err := o.engine.Registry().Resolve(spec.Features.Selected, spec.Features.Exclusions)
	if err != nil {
		o.failScenario(ctx, p.ScenarioID, corrID, PhaseFilter, err.Error(), log)
		return nil, err
	}
	iplan := ingest.PlanResources(fplan.Resources, spec.Features.ScanEnabled())
	required := iplan.Resources()

	// A re-run replaces the previous generation's children outright.
	if err := o.store.Enrichments.DeleteByScenario(ctx, p.ScenarioID); err != nil {
		return nil, err
	}
	if err := o.store.Ingestions.DeleteByScenario(ctx, p.ScenarioID); err != nil {
		return nil, err
	}

	builds := make([]model.IngestionBuild, len(runs))
	for i := range runs {
		builds[i] = model.IngestionBuild{
			ScenarioID:        p.ScenarioID,
			RawRepoID:         runs[i].RawRepoID,
			RawBuildRunID:     runs[i].ID,
			RequiredResources: required,
			CommitSHA:         runs[i].CommitSHA,
			CIRunID:           runs[i].CIRunID,
		}
	}
	if err := o.store.Ingestions.BulkCreate(ctx, builds); err != nil {
		o.failScenario(ctx, p.ScenarioID, corrID, PhaseFilter, err.Error(), log)
		return nil, err
	}
	for counter, v := range map[string]int64{
		store.CounterBuildsTotal:           int64(len(builds)),
		store.CounterBuildsIngested:        0,
		store.CounterBuildsMissingResource: 0,
		store.CounterBuildsFailed:          0,
		store.CounterBuildsProcessed:       0,
	} {
		if err := o.store.Scenarios.SetCounter(ctx, p.ScenarioID, counter, v); err != nil {
			return nil, err
		}
	}
	if err := o.store.Scenarios.Transition(ctx, p.ScenarioID,
		[]model.ScenarioStatus{model.ScenarioFiltering}, model.ScenarioIngesting); err != nil {
		return nil, err
	}

	order, groups := groupByRepo(builds)
	log.Info("scenario filter staged builds",
		logfields.Count(len(builds)),
		slog.Int("repos", len(order)),
		slog.Any("resources", required))

	if iplan.Empty() {
		// Nothing to acquire: the selected features live entirely off prior
		// build rows, so every staged build is ingestable as-is.
		n, err := o.store.Ingestions.MarkStatusByScenario(ctx, p.ScenarioID,
			[]model.IngestionStatus{model.IngestionPending}, model.IngestionIngested, "")
		if err != nil {
			return nil, err
		}
		if err := o.store.Scenarios.SetCounter(ctx, p.ScenarioID, store.CounterBuildsIngested, n); err != nil {
			return nil, err
		}
		if err := o.store.Scenarios.Transition(ctx, p.ScenarioID,
			[]model.ScenarioStatus{model.ScenarioIngesting}, model.ScenarioIngested); err != nil {
			return nil, err
		}
		o.finishPhase(ctx, corrID, PhaseFilter, store.RunCompleted, int64(len(builds)), 0, "", log)
		if err := o.store.PipelineRuns.FinishRun(ctx, corrID, store.RunCompleted, ""); err != nil {
			log.Warn("finish run", logfields.Error(err))
		}
		o.publishState(ctx, p.ScenarioID)
		return FilterResult{Builds: len(builds), Repos: len(order)}, nil
	}

	o.finishPhase(ctx, corrID, PhaseFilter, store.RunCompleted, int64(len(builds)), 0, "", log)
	if _, err := o.store.PipelineRuns.StartPhase(ctx, corrID, PhaseIngest, int64(len(builds))); err != nil {
		return nil, err
	}

	members := make([][]taskqueue.Signature, 0, len(order))
	for _, repoID := range order {
		repo := repoByID[repoID]
		members = append(members, ingest.RepoChain(iplan, p.ScenarioID, repoID,
			repo.FullName, repo.Provider, groups[repoID], true))
	}
	callback := taskqueue.NewSignature(TaskAggregateIngestion, taskqueue.QueueScenarioIngestion,
		AggregatePayload{ScenarioID: p.ScenarioID})
	errback := callback
	opts := taskqueue.SubmitOptions{CorrelationID: corrID, Epoch: inv.Epoch()}
	if _, _, err := o.broker.SubmitChord(ctx, taskqueue.Chord{
		Members:  members,
		Callback: callback,
		Errback:  &errback,
	}, opts); err != nil {
		o.failScenario(ctx, p.ScenarioID, corrID, PhaseIngest, err.Error(), log)
		return nil, err
	}
	o.publishState(ctx, p.ScenarioID)
	return FilterResult{Builds: len(builds), Repos: len(order)}, nil
}

// AggregateIngestion is the ingestion chord's callback and errback. It
// drains the per-resource outcomes appended under the correlation id,
// reconciles every IngestionBuild, and settles the scenario: ingested when
// at least one build survived, failed otherwise. Builds whose tasks never
// reported are swept to missing_resource, so a crashed chord member cannot
// strand the scenario in ingesting.
func (o *Orchestrator) AggregateIngestion(ctx context.Context, inv *taskqueue.Invocation) (any, error) {
	var p AggregatePayload
	if err := inv.Decode(&p); err != nil {
		return nil, err
	}
	log := inv.Logger().With(logfields.ScenarioID(p.ScenarioID))
	_, stale, err := o.scenarioFor(ctx, inv, p.ScenarioID)
	if err != nil {
		return nil, err
	}
	if stale {
		return AggregateResult{Stale: true}, nil
	}
	corrID := inv.CorrelationID()

	if results, err := inv.ChordResults(); err == nil {
		for _, r := range results {
			if r.Failed() {
				log.Warn("ingestion chain member failed",
					logfields.Task(r.Task), slog.String("error", r.Error))
			}
		}
	}

	raws, err := o.broker.DrainResults(ctx, corrID)
	if err != nil {
		return nil, err
	}
	outcomes := make([]ingest.ResourceOutcome, 0, len(raws))
	for _, raw := range raws {
		var oc ingest.ResourceOutcome
		if err := json.Unmarshal(raw, &oc); err != nil {
			log.Warn("unparseable resource outcome dropped", logfields.Error(err))
			continue
		}
		outcomes = append(outcomes, oc)
	}

	builds, err := o.store.Ingestions.ByScenario(ctx, p.ScenarioID)
	if err != nil {
		return nil, err
	}

	// Outcomes apply in append order, so the latest report for a resource
	// wins. Repo-wide outcomes (clone level) carry no build id and count as
	// expected losses: a dead clone costs the whole repository.
	repoWide := make(map[string][]ingest.ResourceOutcome)
	perBuild := make(map[string][]ingest.ResourceOutcome)
	for _, oc := range outcomes {
		if oc.IngestionBuildID == "" {
			repoWide[oc.RawRepoID] = append(repoWide[oc.RawRepoID], oc)
		} else {
			perBuild[oc.IngestionBuildID] = append(perBuild[oc.IngestionBuildID], oc)
		}
	}

	var ingested, missing, failed int64
	for i := range builds {
		b := &builds[i]
		expected := make(map[string]bool)
		applyOutcomes(b, repoWide[b.RawRepoID], expected, true)
		applyOutcomes(b, perBuild[b.ID], expected, false)
		b.Status, b.Error = deriveIngestionStatus(b, expected)
		switch b.Status {
		case model.IngestionIngested:
			ingested++
		case model.IngestionMissingResource:
			missing++
		case model.IngestionFailed:
			failed++
		}
		if err := o.store.Ingestions.Update(ctx, b); err != nil {
			return nil, err
		}
	}
	for counter, v := range map[string]int64{
		store.CounterBuildsIngested:        ingested,
		store.CounterBuildsMissingResource: missing,
		store.CounterBuildsFailed:          failed,
	} {
		if err := o.store.Scenarios.SetCounter(ctx, p.ScenarioID, counter, v); err != nil {
			return nil, err
		}
	}

	if ingested == 0 {
		o.failScenario(ctx, p.ScenarioID, corrID, PhaseIngest, "no builds survived ingestion", log)
		return AggregateResult{MissingResource: missing, Failed: failed}, nil
	}
	if err := o.store.Scenarios.Transition(ctx, p.ScenarioID,
		[]model.ScenarioStatus{model.ScenarioIngesting}, model.ScenarioIngested); err != nil {
		return nil, err
	}
	o.finishPhase(ctx, corrID, PhaseIngest, store.RunCompleted, ingested, missing+failed, "", log)
	if err := o.store.PipelineRuns.FinishRun(ctx, corrID, store.RunCompleted, ""); err != nil {
		log.Warn("finish run", logfields.Error(err))
	}
	log.Info("ingestion settled",
		slog.Int64("ingested", ingested),
		slog.Int64("missing_resource", missing),
		slog.Int64("failed", failed))
	o.publishState(ctx, p.ScenarioID)
	return AggregateResult{Ingested: ingested, MissingResource: missing, Failed: failed}, nil
}

// applyOutcomes folds resource outcomes into a build's resource map and
// records which failures are expected losses. Repo-wide outcomes treat any
// failure as expected: the whole repository is gone, not one build.
func applyOutcomes(b *model.IngestionBuild, ocs []ingest.ResourceOutcome, expected map[string]bool, repoWide bool) {
	for _, oc := range ocs {
		if oc.Resource == "" {
			continue
		}
		status := model.ResourceFailed
		switch oc.Status {
		case model.ResourceCompleted:
			status = model.ResourceCompleted
		case model.ResourceSkipped:
			status = model.ResourceSkipped
		}
		if b.ResourceStatus == nil {
			b.ResourceStatus = model.ResourceStatusMap{}
		}
		b.ResourceStatus[oc.Resource] = model.ResourceState{Status: status, Error: oc.Error}
		if status == model.ResourceFailed {
			expected[oc.Resource] = oc.ExpectedLoss || repoWide
		}
	}
}

// deriveIngestionStatus computes a build's overall status from its resource
// map. Recoverable failures outrank expected losses so the retry surface
// stays visible; resources that never reported settle as missing.
func deriveIngestionStatus(b *model.IngestionBuild, expected map[string]bool) (model.IngestionStatus, string) {
	if b.Ingested() {
		return model.IngestionIngested, ""
	}
	var firstErr string
	var sawFailed, sawExpected, sawUnreported bool
	for _, res := range b.RequiredResources {
		st := b.ResourceStatus[res]
		switch st.Status {
		case model.ResourceFailed:
			if firstErr == "" {
				firstErr = st.Error
			}
			if expected[res] {
				sawExpected = true
			} else {
				sawFailed = true
			}
		case model.ResourceCompleted, model.ResourceSkipped:
		default:
			sawUnreported = true
		}
	}
	switch {
	case sawFailed:
		return model.IngestionFailed, firstErr
	case sawExpected:
		return model.IngestionMissingResource, firstErr
	case sawUnreported:
		return model.IngestionMissingResource, "ingestion task never reported"
	}
	return model.IngestionMissingResource, firstErr
}

// capPerRepo keeps only the newest n runs per repository, preserving the
// ascending started_at order. n <= 0 disables the cap.
func capPerRepo(runs []model.RawBuildRun, n int) []model.RawBuildRun {
	if n <= 0 {
		return runs
	}
	total := make(map[string]int)
	for _, r := range runs {
		total[r.RawRepoID]++
	}
	drop := make(map[string]int)
	for id, c := range total {
		if c > n {
			drop[id] = c - n
		}
	}
	if len(drop) == 0 {
		return runs
	}
	kept := make([]model.RawBuildRun, 0, len(runs))
	for _, r := range runs {
		if drop[r.RawRepoID] > 0 {
			drop[r.RawRepoID]--
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

// groupByRepo splits staged builds into per-repository ingestion refs,
// ordered by repository id for deterministic chord layout.
func groupByRepo(builds []model.IngestionBuild) ([]string, map[string][]ingest.BuildRef) {
	groups := make(map[string][]ingest.BuildRef)
	for _, b := range builds {
		groups[b.RawRepoID] = append(groups[b.RawRepoID], ingest.BuildRef{
			IngestionBuildID: b.ID,
			RawBuildRunID:    b.RawBuildRunID,
			CommitSHA:        b.CommitSHA,
			CIRunID:          b.CIRunID,
		})
	}
	order := make([]string, 0, len(groups))
	for id := range groups {
		order = append(order, id)
	}
	sort.Strings(order)
	return order, groups
}
