package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/riskbuilder/internal/config"
	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
	"git.home.luguber.info/inful/riskbuilder/internal/store"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"riskbuilder.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Write an example configuration file"`

	Migrate struct{} `cmd:"" help:"Apply pending store migrations and exit"`

	Worker struct{} `cmd:"" help:"Run the worker daemon: queue consumers, retry scheduler and janitors"`

	Sync struct {
		Repos    []string `arg:"" name:"repo" help:"Repositories to sync, owner/name"`
		Since    string   `help:"Only sync builds started after this RFC 3339 timestamp"`
		MaxPages int      `help:"Page cap per repository (0 follows the provider history)"`
	} `cmd:"" help:"Queue catalog sync tasks for CI repositories"`

	Scenario struct {
		Create struct {
			Owner string `required:"" help:"Owner recorded on the scenario"`
			Name  string `required:"" help:"Scenario display name"`
			File  string `arg:"" help:"Scenario definition YAML"`
		} `cmd:"" help:"Create a scenario from a definition file"`

		List struct {
			Owner string `help:"Filter by owner"`
		} `cmd:"" help:"List scenarios"`

		Status struct {
			ID string `arg:"" help:"Scenario ID"`
		} `cmd:"" help:"Show scenario counters and pipeline runs"`

		Update struct {
			ID   string `arg:"" help:"Scenario ID"`
			File string `arg:"" help:"Scenario definition YAML"`
		} `cmd:"" help:"Replace the definition of an editable scenario"`

		Delete struct {
			ID string `arg:"" help:"Scenario ID"`
		} `cmd:"" help:"Delete a scenario and everything derived from it"`

		Generate struct {
			ID string `arg:"" help:"Scenario ID"`
		} `cmd:"" help:"Queue scenario generation: filter the catalog and ingest resources"`

		Process struct {
			ID string `arg:"" help:"Scenario ID"`
		} `cmd:"" help:"Queue feature extraction for an ingested scenario"`

		Reingest struct {
			ID string `arg:"" help:"Scenario ID"`
		} `cmd:"" help:"Retry ingestion for builds that lost a resource"`

		RetryScan struct {
			ID     string `arg:"" help:"Scenario ID"`
			Commit string `required:"" help:"Commit SHA whose scan failed"`
			Tool   string `required:"" enum:"sonarqube,trivy" help:"Scan tool"`
		} `cmd:"" name:"retry-scan" help:"Requeue a failed commit scan"`

		Splits struct {
			ID string `arg:"" help:"Scenario ID"`
		} `cmd:"" help:"Show the exported dataset splits of a scenario"`
	} `cmd:"" help:"Manage scenarios"`

	WebhookReplay struct {
		Component string `arg:"" help:"Sonar component key from the webhook payload"`
		Failed    bool   `help:"Record the analysis as failed instead of successful"`
	} `cmd:"" name:"webhook-replay" help:"Replay a Sonar analysis-complete webhook from the command line"`
}

func main() {
	ctx := kong.Parse(&CLI)

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	switch ctx.Command() {
	case "init":
		if err := config.Init(CLI.Config, CLI.Init.Force); err != nil {
			fatal("Init failed", err)
		}
		slog.Info("configuration written", logfields.Path(CLI.Config))
	case "migrate":
		if err := runMigrate(loadConfig()); err != nil {
			fatal("Migrate failed", err)
		}
	case "worker":
		if err := runWorker(loadConfig(), CLI.Config); err != nil {
			fatal("Worker failed", err)
		}
	case "sync <repo>":
		if err := runSync(loadConfig(), CLI.Sync.Repos, CLI.Sync.Since, CLI.Sync.MaxPages); err != nil {
			fatal("Sync failed", err)
		}
	case "scenario create <file>":
		if err := runScenarioCreate(loadConfig(), CLI.Scenario.Create.Owner, CLI.Scenario.Create.Name, CLI.Scenario.Create.File); err != nil {
			fatal("Scenario create failed", err)
		}
	case "scenario list":
		if err := runScenarioList(loadConfig(), CLI.Scenario.List.Owner); err != nil {
			fatal("Scenario list failed", err)
		}
	case "scenario status <id>":
		if err := runScenarioStatus(loadConfig(), CLI.Scenario.Status.ID); err != nil {
			fatal("Scenario status failed", err)
		}
	case "scenario update <id> <file>":
		if err := runScenarioUpdate(loadConfig(), CLI.Scenario.Update.ID, CLI.Scenario.Update.File); err != nil {
			fatal("Scenario update failed", err)
		}
	case "scenario delete <id>":
		if err := runScenarioDelete(loadConfig(), CLI.Scenario.Delete.ID); err != nil {
			fatal("Scenario delete failed", err)
		}
	case "scenario generate <id>":
		if err := runScenarioGenerate(loadConfig(), CLI.Scenario.Generate.ID); err != nil {
			fatal("Scenario generate failed", err)
		}
	case "scenario process <id>":
		if err := runScenarioProcess(loadConfig(), CLI.Scenario.Process.ID); err != nil {
			fatal("Scenario process failed", err)
		}
	case "scenario reingest <id>":
		if err := runScenarioReingest(loadConfig(), CLI.Scenario.Reingest.ID); err != nil {
			fatal("Scenario reingest failed", err)
		}
	case "scenario retry-scan <id>":
		if err := runScenarioRetryScan(loadConfig(), CLI.Scenario.RetryScan.ID, CLI.Scenario.RetryScan.Commit, CLI.Scenario.RetryScan.Tool); err != nil {
			fatal("Scenario retry-scan failed", err)
		}
	case "scenario splits <id>":
		if err := runScenarioSplits(loadConfig(), CLI.Scenario.Splits.ID); err != nil {
			fatal("Scenario splits failed", err)
		}
	case "webhook-replay <component>":
		if err := runWebhookReplay(loadConfig(), CLI.WebhookReplay.Component, !CLI.WebhookReplay.Failed); err != nil {
			fatal("Webhook replay failed", err)
		}
	default:
		fatal("Unknown command", nil)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		fatal("Failed to load configuration", err)
	}
	return cfg
}

func fatal(msg string, err error) {
	if err != nil {
		slog.Error(msg, logfields.Error(err))
	} else {
		slog.Error(msg)
	}
	os.Exit(1)
}

// runMigrate opens the store, which applies any pending migrations, and
// closes it again. Useful in deploy pipelines that migrate before rolling
// workers.
func runMigrate(cfg *config.Config) error {
	st, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()
	slog.Info("store migrations applied", logfields.Path(cfg.Store.Path))
	return nil
}
