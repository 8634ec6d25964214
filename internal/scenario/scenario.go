// Package scenario parses, defaults, and validates scenario configuration
// documents.
//
// A scenario is authored as a single YAML document with five sections:
// data_source, features, splitting, preprocessing, output. The raw document
// is stored verbatim on the scenario record, so unknown keys survive
// round-trips even though the engine only ever reads the fields below.
package scenario

import (
	"time"

	"gopkg.in/yaml.v3"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/store"
)

// Spec is the parsed scenario configuration.
type Spec struct {
	Name          string        `yaml:"name,omitempty"`
	DataSource    DataSource    `yaml:"data_source"`
	Features      Features      `yaml:"features"`
	Splitting     Splitting     `yaml:"splitting,omitempty"`
	Preprocessing Preprocessing `yaml:"preprocessing,omitempty"`
	Output        Output        `yaml:"output,omitempty"`
}

// DataSource selects which raw builds feed the scenario.
type DataSource struct {
	Mode        FilterMode `yaml:"mode,omitempty"`
	Languages   []string   `yaml:"languages,omitempty"`
	Names       []string   `yaml:"names,omitempty"` // Repository full names, owner/repo
	Owners      []string   `yaml:"owners,omitempty"`
	DateRange   DateRange  `yaml:"date_range,omitempty"`
	Conclusions []string   `yaml:"conclusions,omitempty"`
	ExcludeBots *bool      `yaml:"exclude_bots,omitempty"` // Default true
	CIProvider  string     `yaml:"ci_provider,omitempty"`  // Empty or "all" matches every provider
}

// DateRange bounds build start times. Either side may be open.
type DateRange struct {
	From *time.Time `yaml:"from,omitempty"`
	To   *time.Time `yaml:"to,omitempty"`
}

// FilterMode selects how candidate repositories are matched.
type FilterMode string

const (
	FilterAll        FilterMode = "all"
	FilterByLanguage FilterMode = "by_language"
	FilterByName     FilterMode = "by_name"
	FilterByOwner    FilterMode = "by_owner"
)

// Features selects the extractor outputs and scan metrics the scenario wants.
type Features struct {
	Selected    []string    `yaml:"selected,omitempty"` // Wildcards permitted: git_*, gh_*, tr_*
	Exclusions  []string    `yaml:"exclusions,omitempty"`
	ScanMetrics ScanMetrics `yaml:"scan_metrics,omitempty"`
	// ScanToolConfig is keyed by repository full name; the "default" entry
	// applies to every repository and per-repo entries override it key by key.
	ScanToolConfig map[string]ToolConfig     `yaml:"scan_tool_config,omitempty"`
	Overrides      map[string]map[string]any `yaml:"overrides,omitempty"` // Per-node knobs
}

// ScanMetrics lists the metric keys to backfill per scanner.
type ScanMetrics struct {
	SonarQube []string `yaml:"sonarqube,omitempty"`
	Trivy     []string `yaml:"trivy,omitempty"`
}

// Scanner tool identifiers.
const (
	ToolSonarQube = "sonarqube"
	ToolTrivy     = "trivy"
)

// ToolConfig carries scanner settings for one repository (or the default).
type ToolConfig struct {
	Sonar map[string]string `yaml:"sonar,omitempty"` // sonar-project.properties entries
	Trivy map[string]any    `yaml:"trivy,omitempty"` // trivy.yaml document
}

// Splitting configures the train/validation/test assignment.
type Splitting struct {
	Strategy         Strategy          `yaml:"strategy,omitempty"`
	Dimension        GroupingDimension `yaml:"grouping_dimension,omitempty"`
	Ratios           []float64         `yaml:"ratios,omitempty"` // train, validation, test
	StratifyBy       string            `yaml:"stratify_by,omitempty"`
	TestGroups       []string          `yaml:"test_groups,omitempty"`
	ValidationGroups []string          `yaml:"validation_groups,omitempty"`
	TrainGroups      []string          `yaml:"train_groups,omitempty"`
	ReduceLabel      *int              `yaml:"reduce_label,omitempty"`
	ReduceRatio      float64           `yaml:"reduce_ratio,omitempty"`
	NoveltyGroup     string            `yaml:"novelty_group,omitempty"`
	NoveltyLabel     *int              `yaml:"novelty_label,omitempty"`
	TemporalOrdering *bool             `yaml:"temporal_ordering,omitempty"` // Default true
}

// Strategy enumerates the split strategies.
type Strategy string

const (
	StratifiedWithinGroup Strategy = "stratified_within_group"
	LeaveOneOut           Strategy = "leave_one_out"
	LeaveTwoOut           Strategy = "leave_two_out"
	ImbalancedTrain       Strategy = "imbalanced_train"
	ExtremeNovelty        Strategy = "extreme_novelty"
)

// GroupingDimension enumerates the grouping column computed before splitting.
type GroupingDimension string

const (
	ByLanguageGroup GroupingDimension = "language_group"
	ByBuildsPct     GroupingDimension = "percentage_of_builds_before"
	ByBuildsCount   GroupingDimension = "number_of_builds_before"
	ByTimeOfDay     GroupingDimension = "time_of_day"
)

// Preprocessing configures missing-value handling and normalization.
type Preprocessing struct {
	MissingValues MissingValuePolicy `yaml:"missing_values,omitempty"`
	FillValue     float64            `yaml:"fill_value,omitempty"`
	Normalization Normalization      `yaml:"normalization,omitempty"`
	Strict        bool               `yaml:"strict,omitempty"` // Any preprocessing loss fails the scenario
}

// MissingValuePolicy enumerates the null-handling strategies.
type MissingValuePolicy string

const (
	DropRow     MissingValuePolicy = "drop_row"
	Fill        MissingValuePolicy = "fill"
	SkipFeature MissingValuePolicy = "skip_feature"
)

// Normalization enumerates the scaling methods.
type Normalization string

const (
	NormNone    Normalization = "none"
	NormMinMax  Normalization = "minmax"
	NormZScore  Normalization = "zscore"
	NormRobust  Normalization = "robust"
	NormMaxAbs  Normalization = "maxabs"
	NormLog     Normalization = "log"
	NormDecimal Normalization = "decimal"
)

// Output configures the exported split files.
type Output struct {
	Format          OutputFormat `yaml:"format,omitempty"`
	IncludeMetadata bool         `yaml:"include_metadata,omitempty"`
}

// OutputFormat enumerates the export formats.
type OutputFormat string

const (
	FormatParquet OutputFormat = "parquet"
	FormatCSV     OutputFormat = "csv"
	FormatPickle  OutputFormat = "pickle"
)

// Parse decodes a scenario YAML document without defaulting or validating.
func Parse(raw []byte) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, ferrors.ValidationError("scenario YAML unparseable").WithCause(err).Build()
	}
	return &spec, nil
}

// Load parses a scenario document, applies defaults, and validates it.
func Load(raw []byte) (*Spec, error) {
	spec, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	spec.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// BotsExcluded reports whether bot-authored builds are filtered out.
func (d *DataSource) BotsExcluded() bool {
	return d.ExcludeBots == nil || *d.ExcludeBots
}

// Filter converts the data source into the store's candidate query.
func (d *DataSource) Filter() store.BuildFilter {
	return store.BuildFilter{
		Mode:        store.RepoFilterMode(d.Mode),
		Languages:   d.Languages,
		Names:       d.Names,
		Owners:      d.Owners,
		Since:       d.DateRange.From,
		Until:       d.DateRange.To,
		Conclusions: d.Conclusions,
		ExcludeBots: d.BotsExcluded(),
		Provider:    d.CIProvider,
	}
}

// ScanEnabled reports whether any scan metric is selected.
func (f *Features) ScanEnabled() bool {
	return len(f.ScanMetrics.SonarQube) > 0 || len(f.ScanMetrics.Trivy) > 0
}

// EnabledTools returns the scanners with at least one selected metric.
func (f *Features) EnabledTools() []string {
	var tools []string
	if len(f.ScanMetrics.SonarQube) > 0 {
		tools = append(tools, ToolSonarQube)
	}
	if len(f.ScanMetrics.Trivy) > 0 {
		tools = append(tools, ToolTrivy)
	}
	return tools
}

// MetricsFor returns the selected metric keys for one scanner.
func (f *Features) MetricsFor(tool string) []string {
	switch tool {
	case ToolSonarQube:
		return f.ScanMetrics.SonarQube
	case ToolTrivy:
		return f.ScanMetrics.Trivy
	default:
		return nil
	}
}

// TemporalOrderingEnabled reports whether the frame is sorted by build start
// time before splitting.
func (s *Splitting) TemporalOrderingEnabled() bool {
	return s.TemporalOrdering == nil || *s.TemporalOrdering
}

// TrainRatio returns the configured train share.
func (s *Splitting) TrainRatio() float64 { return s.ratio(0) }

// ValidationRatio returns the configured validation share.
func (s *Splitting) ValidationRatio() float64 { return s.ratio(1) }

// TestRatio returns the configured test share.
func (s *Splitting) TestRatio() float64 { return s.ratio(2) }

func (s *Splitting) ratio(i int) float64 {
	if len(s.Ratios) != 3 {
		return 0
	}
	return s.Ratios[i]
}
