package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
)

// RepoStore persists RawRepository records.
type RepoStore struct {
	db *sqlx.DB
}

// Upsert inserts the repository or refreshes its mutable metadata. The
// canonical identity is full_name; the stored ID survives refreshes so
// on-disk clone paths stay stable.
func (s *RepoStore) Upsert(ctx context.Context, repo *model.RawRepository) (*model.RawRepository, error) {
	existing, err := s.ByFullName(ctx, repo.FullName)
	if err != nil && !ferrors.HasCategory(err, ferrors.CategoryNotFound) {
		return nil, err
	}
	ts := now()
	if existing != nil {
		existing.DefaultBranch = repo.DefaultBranch
		existing.Private = repo.Private
		existing.Language = repo.Language
		existing.Metadata = repo.Metadata
		existing.UpdatedAt = ts
		_, err := s.db.NamedExecContext(ctx, `
			UPDATE raw_repositories
			SET default_branch=:default_branch, private=:private, language=:language,
			    metadata=:metadata, updated_at=:updated_at
			WHERE id=:id`, existing)
		if err != nil {
			return nil, ferrors.StoreError("refresh repository").WithCause(err).Build()
		}
		return existing, nil
	}

	if repo.ID == "" {
		repo.ID = uuid.NewString()
	}
	repo.CreatedAt = ts
	repo.UpdatedAt = ts
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO raw_repositories
			(id, provider, external_id, full_name, default_branch, private, language, metadata, created_at, updated_at)
		VALUES
			(:id, :provider, :external_id, :full_name, :default_branch, :private, :language, :metadata, :created_at, :updated_at)`,
		repo)
	if err != nil {
		return nil, ferrors.StoreError("insert repository").WithCause(err).Build()
	}
	return repo, nil
}

// ByID fetches a repository by its stable id.
func (s *RepoStore) ByID(ctx context.Context, id string) (*model.RawRepository, error) {
	var repo model.RawRepository
	err := s.db.GetContext(ctx, &repo, `SELECT * FROM raw_repositories WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("repository", id)
	}
	if err != nil {
		return nil, ferrors.StoreError("load repository").WithCause(err).Build()
	}
	return &repo, nil
}

// ByFullName fetches a repository by owner/name.
func (s *RepoStore) ByFullName(ctx context.Context, fullName string) (*model.RawRepository, error) {
	var repo model.RawRepository
	err := s.db.GetContext(ctx, &repo, `SELECT * FROM raw_repositories WHERE full_name = ?`, fullName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("repository", fullName)
	}
	if err != nil {
		return nil, ferrors.StoreError("load repository").WithCause(err).Build()
	}
	return &repo, nil
}

// ByIDs fetches a batch of repositories keyed by id.
func (s *RepoStore) ByIDs(ctx context.Context, ids []string) (map[string]*model.RawRepository, error) {
	result := make(map[string]*model.RawRepository, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(`SELECT * FROM raw_repositories WHERE id IN (?)`, ids)
	if err != nil {
		return nil, ferrors.StoreError("build repository batch query").WithCause(err).Build()
	}
	var repos []model.RawRepository
	if err := s.db.SelectContext(ctx, &repos, s.db.Rebind(query), args...); err != nil {
		return nil, ferrors.StoreError("load repositories").WithCause(err).Build()
	}
	for i := range repos {
		result[repos[i].ID] = &repos[i]
	}
	return result, nil
}

// RepoFilterMode selects how candidate repositories are matched.
type RepoFilterMode string

const (
	FilterAll        RepoFilterMode = "all"
	FilterByLanguage RepoFilterMode = "by_language"
	FilterByName     RepoFilterMode = "by_name"
	FilterByOwner    RepoFilterMode = "by_owner"
)

// BuildFilter is the Phase 1 candidate query: repository-level predicates
// combined with build-level predicates. Empty fields mean "no constraint".
type BuildFilter struct {
	Mode        RepoFilterMode
	Languages   []string
	Names       []string // full_name values
	Owners      []string
	Since       *time.Time
	Until       *time.Time
	Conclusions []string
	ExcludeBots bool
	Provider    string // empty or "all" matches every provider
}

// FilterRepositories returns repositories matching the repository-level
// predicates of the filter.
func (s *RepoStore) FilterRepositories(ctx context.Context, f BuildFilter) ([]model.RawRepository, error) {
	query := `SELECT * FROM raw_repositories WHERE 1=1`
	var args []any

	switch f.Mode {
	case FilterByLanguage:
		if len(f.Languages) == 0 {
			return nil, ferrors.ValidationError("by_language filter requires a language list").Build()
		}
		in, inArgs, err := sqlx.In(` AND lower(language) IN (?)`, lowerAll(f.Languages))
		if err != nil {
			return nil, ferrors.StoreError("build language filter").WithCause(err).Build()
		}
		query += in
		args = append(args, inArgs...)
	case FilterByName:
		if len(f.Names) == 0 {
			return nil, ferrors.ValidationError("by_name filter requires a name list").Build()
		}
		in, inArgs, err := sqlx.In(` AND full_name IN (?)`, f.Names)
		if err != nil {
			return nil, ferrors.StoreError("build name filter").WithCause(err).Build()
		}
		query += in
		args = append(args, inArgs...)
	case FilterByOwner:
		if len(f.Owners) == 0 {
			return nil, ferrors.ValidationError("by_owner filter requires an owner list").Build()
		}
		// full_name is owner/repo; match on the prefix segment.
		clauses := make([]string, len(f.Owners))
		for i, owner := range f.Owners {
			clauses[i] = "full_name LIKE ?"
			args = append(args, owner+"/%")
		}
		query += " AND (" + strings.Join(clauses, " OR ") + ")"
	case FilterAll, "":
		// no repository predicate
	default:
		return nil, ferrors.ValidationError("unknown repository filter mode").
			WithContext("mode", string(f.Mode)).Build()
	}

	query += ` ORDER BY full_name`
	var repos []model.RawRepository
	if err := s.db.SelectContext(ctx, &repos, s.db.Rebind(query), args...); err != nil {
		return nil, ferrors.StoreError("filter repositories").WithCause(err).Build()
	}
	return repos, nil
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
