// Package store is the relational persistence layer. It keeps every
// durable entity in a single SQLite database accessed through sqlx, with the
// schema managed by embedded goose migrations. All mutating orchestrator
// decisions (status transitions, counters) are expressed as guarded UPDATE
// statements so concurrent workers cannot race each other past the state
// machine.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"git.home.luguber.info/inful/riskbuilder/internal/config"
	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store bundles the typed repositories over one database handle.
type Store struct {
	db *sqlx.DB

	Repos        *RepoStore
	Builds       *BuildRunStore
	Scenarios    *ScenarioStore
	Ingestions   *IngestionBuildStore
	Enrichments  *EnrichmentBuildStore
	Vectors      *FeatureVectorStore
	Splits       *DatasetSplitStore
	PipelineRuns *PipelineRunStore
	AuditLogs    *AuditLogStore
	ScanPendings *ScanPendingStore
}

// Open opens (creating if necessary) the SQLite database at cfg.Path and runs
// pending migrations. Use ":memory:" in tests.
func Open(cfg config.StoreConfig) (*Store, error) {
	dsn := cfg.Path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, ferrors.StoreError("open database").WithCause(err).WithContext("path", dsn).Build()
	}

	maxConns := cfg.MaxOpenConn
	if maxConns <= 0 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)

	busy := cfg.BusyTimeoutDuration()
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, ferrors.StoreError("apply pragma").WithCause(err).WithContext("pragma", pragma).Build()
		}
	}

	if err := Migrate(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}

	return newStore(db), nil
}

// Migrate applies pending schema migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return ferrors.StoreError("set migration dialect").WithCause(err).Build()
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return ferrors.StoreError("run migrations").WithCause(err).Build()
	}
	return nil
}

func newStore(db *sqlx.DB) *Store {
	return &Store{
		db:           db,
		Repos:        &RepoStore{db: db},
		Builds:       &BuildRunStore{db: db},
		Scenarios:    &ScenarioStore{db: db},
		Ingestions:   &IngestionBuildStore{db: db},
		Enrichments:  &EnrichmentBuildStore{db: db},
		Vectors:      &FeatureVectorStore{db: db},
		Splits:       &DatasetSplitStore{db: db},
		PipelineRuns: &PipelineRunStore{db: db},
		AuditLogs:    &AuditLogStore{db: db},
		ScanPendings: &ScanPendingStore{db: db},
	}
}

// DB exposes the underlying handle for callers that need ad-hoc statements
// (tests, the CLI status command).
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// now returns the canonical UTC timestamp used on every write so ordering
// comparisons never mix clocks.
func now() time.Time { return time.Now().UTC() }

// notFound builds the shared not-found classified error.
func notFound(kind, id string) error {
	return ferrors.NotFoundError(kind+" not found").WithContext("id", id).Build()
}

// inTx runs fn inside a transaction, committing on nil error.
func inTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return ferrors.StoreError("begin transaction").WithCause(err).Build()
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return ferrors.StoreError("commit transaction").WithCause(err).Build()
	}
	return nil
}
