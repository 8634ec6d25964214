// Package dataset turns a processed scenario's feature vectors into
// train/validation/test split files.
//
// Generation runs in stages: assemble the frame from completed vectors,
// apply the scenario's preprocessing, materialise the grouping column,
// settle the row order (temporal sort or seeded shuffle), run the split
// strategy, then persist assignments, split records, and one export file
// per non-empty partition.
package dataset

import (
	"context"
	"hash/fnv"
	"log/slog"
	"strconv"
	"time"

	"git.home.luguber.info/inful/riskbuilder/internal/config"
	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
	"git.home.luguber.info/inful/riskbuilder/internal/metrics"
	"git.home.luguber.info/inful/riskbuilder/internal/model"
	"git.home.luguber.info/inful/riskbuilder/internal/scenario"
	"git.home.luguber.info/inful/riskbuilder/internal/store"
	"git.home.luguber.info/inful/riskbuilder/internal/workspace"
)

// Generator runs the dataset phase of one scenario at a time.
type Generator struct {
	cfg      config.DatasetConfig
	store    *store.Store
	layout   *workspace.Layout
	recorder metrics.Recorder
}

// NewGenerator wires the dataset generator.
func NewGenerator(cfg config.DatasetConfig, st *store.Store, layout *workspace.Layout) *Generator {
	return &Generator{cfg: cfg, store: st, layout: layout, recorder: metrics.NoopRecorder{}}
}

// SetRecorder replaces the metrics recorder. Nil restores the no-op.
func (g *Generator) SetRecorder(r metrics.Recorder) {
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	g.recorder = r
}

// Generate splits one scenario and exports its partitions. It persists the
// per-build assignments and the split records, and returns the records in
// train/validation/test order.
func (g *Generator) Generate(ctx context.Context, scenarioID string, spec *scenario.Spec) ([]model.DatasetSplit, error) {
	started := time.Now()
	log := slog.With(logfields.ScenarioID(scenarioID), logfields.Strategy(string(spec.Splitting.Strategy)))

	format := spec.Output.Format
	if !g.formatEnabled(format) {
		return nil, ferrors.ValidationError("output format not enabled in dataset config").
			WithContext("format", string(format)).Build()
	}

	f, loss, err := g.assembleFrame(ctx, scenarioID)
	if err != nil {
		return nil, err
	}
	if loss.SkippedBuilds > 0 {
		log.Debug("builds without completed vectors excluded from frame", logfields.Count(loss.SkippedBuilds))
	}
	if len(f.Rows) == 0 {
		return nil, ferrors.DatasetError("no completed feature vectors to split").Build()
	}

	if err := Preprocess(f, spec.Preprocessing, loss); err != nil {
		return nil, err
	}
	if spec.Preprocessing.Strict && loss.Lossy() {
		return nil, ferrors.DatasetError("strict preprocessing rejected lossy frame").
			WithContext("coerced_cells", loss.CoercedCells).
			WithContext("dropped_rows", loss.DroppedRows).
			WithContext("dropped_columns", len(loss.DroppedColumns)).Build()
	}
	if len(f.Rows) == 0 {
		return nil, ferrors.DatasetError("preprocessing dropped every row").Build()
	}

	if err := ApplyGrouping(f, spec.Splitting.Dimension); err != nil {
		return nil, err
	}
	if spec.Splitting.TemporalOrderingEnabled() {
		f.SortByStartTime()
	} else {
		f.Shuffle(g.shuffleSeed(scenarioID))
	}

	assignment, err := Split(f, &spec.Splitting)
	if err != nil {
		return nil, err
	}

	splits, err := g.persist(ctx, scenarioID, f, assignment, spec, started)
	if err != nil {
		return nil, err
	}
	log.Info("dataset generated",
		logfields.Count(len(assignment)),
		slog.Int("features", len(f.Columns)),
		slog.Int("splits", len(splits)),
		logfields.DurationMS(float64(time.Since(started).Milliseconds())))
	return splits, nil
}

// formatEnabled checks the deployment's format allow-list. An empty list
// permits everything.
func (g *Generator) formatEnabled(format scenario.OutputFormat) bool {
	if len(g.cfg.Formats) == 0 {
		return true
	}
	for _, f := range g.cfg.Formats {
		if f == string(format) {
			return true
		}
	}
	return false
}

// shuffleSeed derives a per-scenario shuffle seed from the configured base
// seed, keeping shuffled splits reproducible per scenario.
func (g *Generator) shuffleSeed(scenarioID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(scenarioID))
	return g.cfg.Seed ^ int64(h.Sum64())
}

func (g *Generator) assembleFrame(ctx context.Context, scenarioID string) (*Frame, *Loss, error) {
	builds, err := g.store.Enrichments.ByScenario(ctx, scenarioID)
	if err != nil {
		return nil, nil, err
	}
	vectorIDs := make([]string, 0, len(builds))
	repoIDs := make([]string, 0, len(builds))
	for i := range builds {
		if builds[i].FeatureVectorID.Valid {
			vectorIDs = append(vectorIDs, builds[i].FeatureVectorID.String)
		}
		repoIDs = append(repoIDs, builds[i].RawRepoID)
	}
	vectors, err := g.store.Vectors.ByIDs(ctx, vectorIDs)
	if err != nil {
		return nil, nil, err
	}
	repos, err := g.store.Repos.ByIDs(ctx, repoIDs)
	if err != nil {
		return nil, nil, err
	}
	f, loss := BuildFrame(builds, vectors, repos)
	return f, loss, nil
}

// persist writes assignments, export files, and split records.
func (g *Generator) persist(ctx context.Context, scenarioID string, f *Frame, assignment Assignment, spec *scenario.Spec, started time.Time) ([]model.DatasetSplit, error) {
	assignMap := make(map[string]model.SplitType, len(assignment))
	groupMap := make(map[string]string, len(assignment))
	partitions := map[model.SplitType][]int{}
	for i := range f.Rows {
		split, ok := assignment[i]
		if !ok {
			continue
		}
		partitions[split] = append(partitions[split], i)
		assignMap[f.Rows[i].BuildID] = split
		groupMap[f.Rows[i].BuildID] = f.Rows[i].Group
	}
	if err := g.store.Enrichments.AssignSplits(ctx, scenarioID, assignMap, groupMap); err != nil {
		return nil, err
	}

	format := spec.Output.Format
	var splits []model.DatasetSplit
	for _, st := range []model.SplitType{model.SplitTrain, model.SplitValidation, model.SplitTest} {
		rows := partitions[st]
		if len(rows) == 0 {
			continue
		}
		path := g.layout.SplitFilePath(scenarioID, string(st), string(format))
		exportStart := time.Now()
		size, sum, err := exportFile(path, format, f, rows, spec.Output.IncludeMetadata)
		g.recorder.ObserveExportDuration(string(format), time.Since(exportStart))
		g.recorder.IncExportResult(string(format), err == nil)
		if err != nil {
			return nil, err
		}
		splits = append(splits, model.DatasetSplit{
			ScenarioID:        scenarioID,
			SplitType:         st,
			RecordCount:       int64(len(rows)),
			FeatureCount:      int64(len(f.Columns)),
			ClassDistribution: classDistribution(f, rows),
			GroupDistribution: groupDistribution(f, rows),
			FilePath:          path,
			FileSize:          size,
			Format:            string(format),
			FeatureNames:      model.StringList(f.Columns),
			DurationMS:        time.Since(started).Milliseconds(),
			ChecksumMD5:       sum,
			GeneratedAt:       time.Now().UTC(),
		})
		slog.Debug("split exported",
			logfields.ScenarioID(scenarioID),
			logfields.Split(string(st)),
			logfields.Count(len(rows)),
			logfields.Path(path))
	}
	if err := g.store.Splits.Replace(ctx, scenarioID, splits); err != nil {
		return nil, err
	}
	return splits, nil
}

func classDistribution(f *Frame, rows []int) model.JSONMap {
	dist := model.JSONMap{}
	for _, i := range rows {
		key := strconv.Itoa(f.Rows[i].Outcome)
		n, _ := dist[key].(int)
		dist[key] = n + 1
	}
	return dist
}

func groupDistribution(f *Frame, rows []int) model.JSONMap {
	dist := model.JSONMap{}
	for _, i := range rows {
		n, _ := dist[f.Rows[i].Group].(int)
		dist[f.Rows[i].Group] = n + 1
	}
	return dist
}
