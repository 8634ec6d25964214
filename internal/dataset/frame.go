package dataset

import (
	"math/rand"
	"sort"
	"time"

	"git.home.luguber.info/inful/riskbuilder/internal/model"
)

// Row is one build observation. Cells run parallel to the frame's Columns;
// a nil cell is a missing value.
type Row struct {
	BuildID   string
	RepoID    string
	CommitSHA string
	CIRunID   string
	Language  string
	Outcome   int
	StartedAt time.Time
	Group     string
	Cells     []*float64
}

// Frame is the in-memory dataset assembled from a scenario's feature
// vectors. Columns are sorted once at assembly so every downstream pass and
// every export sees the same order.
type Frame struct {
	Columns []string
	Rows    []Row
}

// Loss accumulates what assembly and preprocessing discarded.
type Loss struct {
	SkippedBuilds  int      // builds without a completed feature vector
	CoercedCells   int      // non-numeric feature values treated as missing
	DroppedRows    int      // removed by the drop_row policy
	DroppedColumns []string // removed by the skip_feature policy
}

// Lossy reports whether preprocessing discarded data. Skipped builds are an
// extraction concern and do not count against strict mode.
func (l *Loss) Lossy() bool {
	return l.CoercedCells > 0 || l.DroppedRows > 0 || len(l.DroppedColumns) > 0
}

// BuildFrame assembles the frame from enrichment builds and their feature
// vectors. Builds without a completed vector are skipped. Scan metrics
// override extractor features on key collisions since backfills are the
// fresher write.
func BuildFrame(builds []model.EnrichmentBuild, vectors map[string]*model.FeatureVector, repos map[string]*model.RawRepository) (*Frame, *Loss) {
	loss := &Loss{}
	matched := make([]*model.FeatureVector, len(builds))
	colSet := map[string]struct{}{}
	for i := range builds {
		b := &builds[i]
		if b.ExtractionStatus != model.ExtractionCompleted || !b.FeatureVectorID.Valid {
			loss.SkippedBuilds++
			continue
		}
		v := vectors[b.FeatureVectorID.String]
		if v == nil {
			loss.SkippedBuilds++
			continue
		}
		matched[i] = v
		for k := range v.Features {
			colSet[k] = struct{}{}
		}
		for k := range v.ScanMetrics {
			colSet[k] = struct{}{}
		}
	}

	columns := make([]string, 0, len(colSet))
	for k := range colSet {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	f := &Frame{Columns: columns}
	for i := range builds {
		v := matched[i]
		if v == nil {
			continue
		}
		b := &builds[i]
		row := Row{
			BuildID:   b.ID,
			RepoID:    b.RawRepoID,
			CommitSHA: b.CommitSHA,
			CIRunID:   b.CIRunID,
			Outcome:   b.Outcome,
			StartedAt: b.BuildStartedAt,
			Cells:     make([]*float64, len(columns)),
		}
		if repo := repos[b.RawRepoID]; repo != nil {
			row.Language = repo.Language
		}
		for j, col := range columns {
			raw, ok := v.Features[col]
			if sm, hit := v.ScanMetrics[col]; hit {
				raw, ok = sm, true
			}
			if !ok {
				continue
			}
			cell, numeric := numericCell(raw)
			if !numeric {
				loss.CoercedCells++
				continue
			}
			row.Cells[j] = cell
		}
		f.Rows = append(f.Rows, row)
	}
	return f, loss
}

// numericCell coerces one stored feature value. JSON round-trips deliver
// float64, bool, string, nil, or containers; only scalars carrying a number
// survive into the frame.
func numericCell(v any) (*float64, bool) {
	switch x := v.(type) {
	case nil:
		return nil, true
	case float64:
		return &x, true
	case bool:
		f := 0.0
		if x {
			f = 1
		}
		return &f, true
	case int:
		f := float64(x)
		return &f, true
	case int64:
		f := float64(x)
		return &f, true
	default:
		return nil, false
	}
}

// ColumnIndex returns the position of a feature column, or -1.
func (f *Frame) ColumnIndex(name string) int {
	for j, c := range f.Columns {
		if c == name {
			return j
		}
	}
	return -1
}

// SortByStartTime orders rows oldest first. The sort is stable so equal
// timestamps keep their sequence order.
func (f *Frame) SortByStartTime() {
	sort.SliceStable(f.Rows, func(a, b int) bool {
		return f.Rows[a].StartedAt.Before(f.Rows[b].StartedAt)
	})
}

// Shuffle permutes the rows deterministically for the given seed. Used when
// temporal ordering is disabled so reruns still produce identical splits.
func (f *Frame) Shuffle(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(f.Rows), func(a, b int) {
		f.Rows[a], f.Rows[b] = f.Rows[b], f.Rows[a]
	})
}

// columnValues returns the non-missing values of one column.
func (f *Frame) columnValues(j int) []float64 {
	vals := make([]float64, 0, len(f.Rows))
	for i := range f.Rows {
		if c := f.Rows[i].Cells[j]; c != nil {
			vals = append(vals, *c)
		}
	}
	return vals
}

// dropColumns removes the named column positions from the frame.
func (f *Frame) dropColumns(drop map[int]struct{}) {
	if len(drop) == 0 {
		return
	}
	kept := make([]string, 0, len(f.Columns)-len(drop))
	for j, c := range f.Columns {
		if _, gone := drop[j]; !gone {
			kept = append(kept, c)
		}
	}
	for i := range f.Rows {
		cells := make([]*float64, 0, len(kept))
		for j, c := range f.Rows[i].Cells {
			if _, gone := drop[j]; !gone {
				cells = append(cells, c)
			}
		}
		f.Rows[i].Cells = cells
	}
	f.Columns = kept
}
