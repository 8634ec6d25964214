package scenario

import (
	"math"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
)

// Validate checks the spec after defaulting. Violations are validation
// errors: the scenario stays queued and the message goes back to the caller.
func (s *Spec) Validate() error {
	if err := s.DataSource.validate(); err != nil {
		return err
	}
	if err := s.Features.validate(); err != nil {
		return err
	}
	if err := s.Splitting.validate(); err != nil {
		return err
	}
	if err := s.Preprocessing.validate(); err != nil {
		return err
	}
	return s.Output.validate()
}

func (d *DataSource) validate() error {
	switch d.Mode {
	case FilterAll:
	case FilterByLanguage:
		if len(d.Languages) == 0 {
			return ferrors.ValidationError("by_language data source requires a language list").Build()
		}
	case FilterByName:
		if len(d.Names) == 0 {
			return ferrors.ValidationError("by_name data source requires a name list").Build()
		}
	case FilterByOwner:
		if len(d.Owners) == 0 {
			return ferrors.ValidationError("by_owner data source requires an owner list").Build()
		}
	default:
		return ferrors.ValidationError("unknown data source mode").
			WithContext("mode", string(d.Mode)).Build()
	}

	if d.DateRange.From != nil && d.DateRange.To != nil && d.DateRange.To.Before(*d.DateRange.From) {
		return ferrors.ValidationError("date range ends before it starts").Build()
	}
	return nil
}

func (f *Features) validate() error {
	if len(f.Selected) == 0 && !f.ScanEnabled() {
		return ferrors.ValidationError("scenario selects no features and no scan metrics").Build()
	}
	for _, name := range f.Selected {
		if name == "" {
			return ferrors.ValidationError("empty feature name in selection").Build()
		}
	}
	return nil
}

func (s *Splitting) validate() error {
	switch s.Strategy {
	case StratifiedWithinGroup, LeaveOneOut, LeaveTwoOut:
	case ImbalancedTrain:
		if s.ReduceLabel == nil {
			return ferrors.ValidationError("imbalanced_train requires reduce_label").Build()
		}
		if err := validLabel("reduce_label", *s.ReduceLabel); err != nil {
			return err
		}
		if s.ReduceRatio <= 0 || s.ReduceRatio > 1 {
			return ferrors.ValidationError("reduce_ratio must be in (0, 1]").
				WithContext("reduce_ratio", s.ReduceRatio).Build()
		}
	case ExtremeNovelty:
		if s.NoveltyGroup == "" || s.NoveltyLabel == nil {
			return ferrors.ValidationError("extreme_novelty requires novelty_group and novelty_label").Build()
		}
		if err := validLabel("novelty_label", *s.NoveltyLabel); err != nil {
			return err
		}
	default:
		return ferrors.ValidationError("unknown split strategy").
			WithContext("strategy", string(s.Strategy)).Build()
	}

	switch s.Dimension {
	case ByLanguageGroup, ByBuildsPct, ByBuildsCount, ByTimeOfDay:
	default:
		return ferrors.ValidationError("unknown grouping dimension").
			WithContext("grouping_dimension", string(s.Dimension)).Build()
	}

	if len(s.Ratios) != 3 {
		return ferrors.ValidationError("ratios must hold train, validation, and test shares").Build()
	}
	var sum float64
	for _, r := range s.Ratios {
		if r < 0 || r > 1 {
			return ferrors.ValidationError("split ratios must be in [0, 1]").Build()
		}
		sum += r
	}
	if math.Abs(sum-1.0) > 0.001 {
		return ferrors.ValidationError("split ratios must sum to 1").
			WithContext("sum", sum).Build()
	}
	return nil
}

func validLabel(field string, label int) error {
	if label != 0 && label != 1 {
		return ferrors.ValidationError("label must be 0 or 1").
			WithContext("field", field).WithContext("value", label).Build()
	}
	return nil
}

func (p *Preprocessing) validate() error {
	switch p.MissingValues {
	case DropRow, Fill, SkipFeature:
	default:
		return ferrors.ValidationError("unknown missing-value policy").
			WithContext("missing_values", string(p.MissingValues)).Build()
	}
	switch p.Normalization {
	case NormNone, NormMinMax, NormZScore, NormRobust, NormMaxAbs, NormLog, NormDecimal:
	default:
		return ferrors.ValidationError("unknown normalization method").
			WithContext("normalization", string(p.Normalization)).Build()
	}
	return nil
}

func (o *Output) validate() error {
	switch o.Format {
	case FormatParquet, FormatCSV, FormatPickle:
		return nil
	default:
		return ferrors.ValidationError("unknown output format").
			WithContext("format", string(o.Format)).Build()
	}
}
