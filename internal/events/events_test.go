package events

import (
	"testing"

	"git.home.luguber.info/inful/riskbuilder/internal/config"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
)

// Settlement paths call the publisher unconditionally, so every method must
// be a no-op on the nil publisher a disabled configuration yields.
func TestNilPublisherIsSafe(t *testing.T) {
	t.Parallel()
	p, err := Connect(config.EventsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("disabled events must not error: %v", err)
	}
	if p != nil {
		t.Fatalf("disabled events must yield a nil publisher, got %#v", p)
	}

	p.Publish(Update{Type: TypeScan, ID: "scn-1"})
	p.ScenarioUpdate(&model.Scenario{ID: "scn-1"})
	p.ScenarioUpdate(nil)
	p.ScanUpdate("scn-1", 1, 0, 2, false)
	p.EnrichmentUpdate("enr-1", model.ExtractionCompleted)
	p.RepoUpdate("repo-1", "synced")
	p.BuildUpdate("run-1", "ingested")
	p.Close()
}
