package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"git.home.luguber.info/inful/riskbuilder/internal/config"
	"git.home.luguber.info/inful/riskbuilder/internal/dataset"
	"git.home.luguber.info/inful/riskbuilder/internal/events"
	"git.home.luguber.info/inful/riskbuilder/internal/features"
	"git.home.luguber.info/inful/riskbuilder/internal/gitrepo"
	"git.home.luguber.info/inful/riskbuilder/internal/ingest"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
	"git.home.luguber.info/inful/riskbuilder/internal/orchestrator"
	"git.home.luguber.info/inful/riskbuilder/internal/provider"
	"git.home.luguber.info/inful/riskbuilder/internal/scan"
	"git.home.luguber.info/inful/riskbuilder/internal/store"
	"git.home.luguber.info/inful/riskbuilder/internal/taskqueue"
	"git.home.luguber.info/inful/riskbuilder/internal/workspace"
)

// app bundles the wiring shared by every command that touches the pipeline.
// One-shot commands build it, run one operation and close it; the worker
// daemon keeps it alive and layers the queue consumers on top.
type app struct {
	cfg       *config.Config
	store     *store.Store
	layout    *workspace.Layout
	broker    *taskqueue.Broker
	providers *provider.Set
	git       *gitrepo.Client
	engine    *features.Engine
	extractor *features.Extractor
	generator *dataset.Generator
	ingestion *ingest.Tasks
	scans     *scan.Tasks
	orch      *orchestrator.Orchestrator
	publisher *events.Publisher
}

func openApp(cfg *config.Config) (*app, error) {
	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, err
	}

	layout := workspace.NewLayout(cfg.DataDir)
	if cfg.Dataset.OutputDir != "" {
		layout.SetDatasetRoot(cfg.Dataset.OutputDir)
	}
	if err := layout.Ensure(); err != nil {
		st.Close()
		return nil, err
	}

	registry, err := features.DefaultRegistry().Subset(cfg.Extraction.Nodes)
	if err != nil {
		st.Close()
		return nil, err
	}

	providers, err := provider.NewSetFromConfig(cfg.Provider)
	if err != nil {
		st.Close()
		return nil, err
	}

	broker := taskqueue.NewBroker(cfg.Redis)
	git := gitrepo.NewClient(layout)
	engine := features.NewEngine(registry, cfg.Extraction.Parallelism)
	extractor := features.NewExtractor(engine, st, layout, git, providers)
	generator := dataset.NewGenerator(cfg.Dataset, st, layout)

	scans := scan.NewTasks(cfg.Scans, layout, st, broker)
	scans.SetSonar(scan.NewSonarGateway(cfg.Scans.Sonar))
	scans.SetTrivy(scan.NewTrivyRunner(cfg.Scans.Trivy))

	orch := orchestrator.New(orchestrator.Deps{
		Ingestion: cfg.Ingestion,
		Dataset:   cfg.Dataset,
		Store:     st,
		Broker:    broker,
		Layout:    layout,
		Engine:    engine,
		Extractor: extractor,
		Generator: generator,
		Scans:     scans,
	})

	publisher, err := events.Connect(cfg.Events)
	if err != nil {
		st.Close()
		broker.Close()
		return nil, err
	}
	orch.SetPublisher(publisher)
	scans.SetPublisher(publisher)

	return &app{
		cfg:       cfg,
		store:     st,
		layout:    layout,
		broker:    broker,
		providers: providers,
		git:       git,
		engine:    engine,
		extractor: extractor,
		generator: generator,
		ingestion: ingest.NewTasks(cfg.Ingestion, layout, git, providers, st),
		scans:     scans,
		orch:      orch,
		publisher: publisher,
	}, nil
}

func (a *app) Close() {
	a.publisher.Close()
	_ = a.broker.Close()
	_ = a.store.Close()
}

func runScenarioCreate(cfg *config.Config, owner, name, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read scenario definition: %w", err)
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	scen, err := a.orch.CreateScenario(context.Background(), owner, name, string(data))
	if err != nil {
		return err
	}
	fmt.Printf("created scenario %s (%s)\n", scen.ID, scen.Name)
	return nil
}

func runScenarioList(cfg *config.Config, owner string) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	scenarios, err := a.store.Scenarios.List(context.Background(), owner)
	if err != nil {
		return err
	}
	if len(scenarios) == 0 {
		fmt.Println("no scenarios")
		return nil
	}
	fmt.Printf("%-36s  %-12s  %-20s  %s\n", "ID", "STATUS", "BUILDS ING/TOT", "NAME")
	for _, s := range scenarios {
		fmt.Printf("%-36s  %-12s  %7d/%-12d  %s\n",
			s.ID, s.Status, s.BuildsIngested, s.BuildsTotal, s.Name)
	}
	return nil
}

func runScenarioStatus(cfg *config.Config, id string) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	scen, err := a.store.Scenarios.ByID(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("scenario:   %s (%s)\n", scen.Name, scen.ID)
	fmt.Printf("owner:      %s\n", scen.Owner)
	fmt.Printf("status:     %s\n", scen.Status)
	if scen.ErrorMessage != "" {
		fmt.Printf("error:      %s\n", scen.ErrorMessage)
	}
	fmt.Printf("builds:     total=%d ingested=%d missing=%d failed=%d processed=%d\n",
		scen.BuildsTotal, scen.BuildsIngested, scen.BuildsMissingResource,
		scen.BuildsFailed, scen.BuildsProcessed)
	if scen.ScansTotal > 0 {
		fmt.Printf("scans:      total=%d completed=%d failed=%d extraction_done=%t\n",
			scen.ScansTotal, scen.ScansCompleted, scen.ScansFailed, scen.ScanExtractionCompleted)
	}
	fmt.Printf("created:    %s\n", scen.CreatedAt.Format(time.RFC3339))
	if scen.CompletedAt.Valid {
		fmt.Printf("completed:  %s\n", scen.CompletedAt.Time.Format(time.RFC3339))
	}

	runs, err := a.store.PipelineRuns.ByScenario(ctx, id)
	if err != nil {
		return err
	}
	for _, run := range runs {
		fmt.Printf("\nrun %s  status=%s  started=%s\n",
			run.CorrelationID, run.Status, run.StartedAt.Format(time.RFC3339))
		if run.Error != "" {
			fmt.Printf("  error: %s\n", run.Error)
		}
		phases, err := a.store.PipelineRuns.Phases(ctx, run.ID)
		if err != nil {
			return err
		}
		for _, ph := range phases {
			fmt.Printf("  %-8s %-10s done=%d failed=%d total=%d\n",
				ph.Phase, ph.Status, ph.ItemsDone, ph.ItemsFailed, ph.ItemsTotal)
		}
	}
	return nil
}

func runScenarioUpdate(cfg *config.Config, id, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read scenario definition: %w", err)
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.orch.UpdateScenario(context.Background(), id, string(data)); err != nil {
		return err
	}
	fmt.Printf("updated scenario %s\n", id)
	return nil
}

func runScenarioDelete(cfg *config.Config, id string) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.orch.DeleteScenario(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("deleted scenario %s\n", id)
	return nil
}

func runScenarioGenerate(cfg *config.Config, id string) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	corrID, err := a.orch.StartScenarioGeneration(context.Background(), id)
	if err != nil {
		return err
	}
	fmt.Printf("generation queued, correlation %s\n", corrID)
	return nil
}

func runScenarioProcess(cfg *config.Config, id string) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	corrID, err := a.orch.StartProcessing(context.Background(), id)
	if err != nil {
		return err
	}
	fmt.Printf("processing queued, correlation %s\n", corrID)
	return nil
}

func runScenarioReingest(cfg *config.Config, id string) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	corrID, err := a.orch.ReingestMissingResource(context.Background(), id)
	if err != nil {
		return err
	}
	fmt.Printf("reingestion queued, correlation %s\n", corrID)
	return nil
}

func runScenarioRetryScan(cfg *config.Config, id, commit, tool string) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.orch.RetryCommitScan(context.Background(), id, commit, tool); err != nil {
		return err
	}
	fmt.Printf("scan retry queued for %s (%s)\n", commit, tool)
	return nil
}

func runScenarioSplits(cfg *config.Config, id string) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	splits, err := a.orch.GetScenarioSplits(context.Background(), id)
	if err != nil {
		return err
	}
	if len(splits) == 0 {
		fmt.Println("no splits exported")
		return nil
	}
	for _, sp := range splits {
		fmt.Printf("%-10s  %-7s  records=%-7d features=%-4d  %s (%d bytes, md5 %s)\n",
			sp.SplitType, sp.Format, sp.RecordCount, sp.FeatureCount,
			sp.FilePath, sp.FileSize, sp.ChecksumMD5)
	}
	return nil
}

// runSync queues one catalog sync task per repository. Results land in the
// raw tables once the worker daemon has drained the queue.
func runSync(cfg *config.Config, repos []string, since string, maxPages int) error {
	var sinceTime time.Time
	if since != "" {
		var err error
		sinceTime, err = time.Parse(time.RFC3339, since)
		if err != nil {
			return fmt.Errorf("parse --since: %w", err)
		}
	}

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	names := a.providers.Names()
	if len(names) == 0 {
		return fmt.Errorf("no CI provider configured")
	}
	providerName := names[0]

	ctx := context.Background()
	for _, fullName := range repos {
		sig := taskqueue.NewSignature(ingest.TaskSyncRepoBuilds, taskqueue.QueueIngestion, ingest.SyncPayload{
			Provider: providerName,
			FullName: fullName,
			Since:    sinceTime,
			MaxPages: maxPages,
		})
		taskID, _, err := a.broker.SubmitTask(ctx, sig, taskqueue.SubmitOptions{})
		if err != nil {
			return err
		}
		fmt.Printf("sync queued for %s, task %s\n", fullName, taskID)
	}
	return nil
}

// runWebhookReplay feeds an analysis-complete notification into the same
// entry point the webhook sink uses, for when the Sonar server delivered a
// webhook while the deployment was down.
func runWebhookReplay(cfg *config.Config, componentKey string, analysisOK bool) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.orch.OnSonarAnalysisComplete(context.Background(), componentKey, analysisOK); err != nil {
		return err
	}
	status := model.ScanPendingCompleted
	if !analysisOK {
		status = model.ScanPendingFailed
	}
	fmt.Printf("analysis recorded for %s as %s\n", componentKey, status)
	return nil
}
