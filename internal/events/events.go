// Package events publishes lifecycle updates on NATS for outward consumers
// (the SSE bridge, dashboards). Publishing is strictly fire-and-forget: a
// failed or unconfigured publisher never affects pipeline outcomes, so every
// method is safe on a nil *Publisher.
package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/riskbuilder/internal/config"
	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
)

// Type tags an update payload. Consumers filter on it; the publisher never
// does.
type Type string

const (
	TypeRepo       Type = "REPO_UPDATE"
	TypeBuild      Type = "BUILD_UPDATE"
	TypeScenario   Type = "SCENARIO_UPDATE"
	TypeScan       Type = "SCAN_UPDATE"
	TypeEnrichment Type = "ENRICHMENT_UPDATE"
)

// Update is the wire payload for every event type.
type Update struct {
	Type     Type             `json:"type"`
	ID       string           `json:"id"`
	Status   string           `json:"status,omitempty"`
	Error    string           `json:"error,omitempty"`
	Counters map[string]int64 `json:"counters,omitempty"`
	At       time.Time        `json:"at"`
}

// Publisher owns one NATS connection and the subject scheme
// <prefix>.updates.<TYPE>.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

// Connect dials NATS per the events configuration. When events are disabled
// it returns (nil, nil) and the nil publisher degrades every call to a no-op.
func Connect(cfg config.EventsConfig) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("riskbuilder"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "riskbuilder"
	}
	p := &Publisher{conn: conn, prefix: prefix, log: slog.Default()}
	p.log.Info("event publisher connected", slog.String("url", cfg.URL), slog.String("prefix", prefix))
	return p, nil
}

// Close drains the connection. Nil-safe.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}

// Publish emits one update. Marshal or transport failures are logged and
// swallowed; events never gate the pipeline.
func (p *Publisher) Publish(u Update) {
	if p == nil || p.conn == nil {
		return
	}
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	data, err := json.Marshal(u)
	if err != nil {
		p.log.Warn("event payload unmarshalable", logfields.Error(err))
		return
	}
	subject := p.prefix + ".updates." + string(u.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn("event publish failed",
			slog.String("subject", subject), logfields.Error(err))
	}
}

// ScenarioUpdate publishes the scenario's current status and counters.
func (p *Publisher) ScenarioUpdate(s *model.Scenario) {
	if p == nil || s == nil {
		return
	}
	p.Publish(Update{
		Type:   TypeScenario,
		ID:     s.ID,
		Status: string(s.Status),
		Error:  s.ErrorMessage,
		Counters: map[string]int64{
			"builds_total":            s.BuildsTotal,
			"builds_ingested":         s.BuildsIngested,
			"builds_missing_resource": s.BuildsMissingResource,
			"builds_failed":           s.BuildsFailed,
			"builds_processed":        s.BuildsProcessed,
		},
	})
}

// ScanUpdate publishes scan progress for a scenario.
func (p *Publisher) ScanUpdate(scenarioID string, completed, failed, total int64, final bool) {
	status := "scanning"
	if final {
		status = "completed"
	}
	p.Publish(Update{
		Type:   TypeScan,
		ID:     scenarioID,
		Status: status,
		Counters: map[string]int64{
			"scans_completed": completed,
			"scans_failed":    failed,
			"scans_total":     total,
		},
	})
}

// EnrichmentUpdate publishes one build's extraction outcome.
func (p *Publisher) EnrichmentUpdate(enrichmentID string, status model.ExtractionStatus) {
	p.Publish(Update{Type: TypeEnrichment, ID: enrichmentID, Status: string(status)})
}

// RepoUpdate publishes a repository catalog change.
func (p *Publisher) RepoUpdate(rawRepoID, status string) {
	p.Publish(Update{Type: TypeRepo, ID: rawRepoID, Status: status})
}

// BuildUpdate publishes a raw build catalog change.
func (p *Publisher) BuildUpdate(rawBuildRunID, status string) {
	p.Publish(Update{Type: TypeBuild, ID: rawBuildRunID, Status: status})
}
