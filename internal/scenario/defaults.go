package scenario

import "strings"

// Default ratios: 70% train, 15% validation, 15% test.
var defaultRatios = []float64{0.70, 0.15, 0.15}

// ApplyDefaults normalizes enum casing and fills unset fields. Unknown enum
// values are left in place for Validate to reject.
func (s *Spec) ApplyDefaults() {
	s.DataSource.applyDefaults()
	s.Splitting.applyDefaults()
	s.Preprocessing.applyDefaults()
	s.Output.applyDefaults()
}

func (d *DataSource) applyDefaults() {
	d.Mode = FilterMode(normalize(string(d.Mode)))
	if d.Mode == "" {
		d.Mode = FilterAll
	}
	if len(d.Conclusions) == 0 {
		d.Conclusions = []string{"success", "failure"}
	}
	for i, c := range d.Conclusions {
		d.Conclusions[i] = normalize(c)
	}
	d.CIProvider = normalize(d.CIProvider)
	if d.CIProvider == "" {
		d.CIProvider = "all"
	}
}

func (s *Splitting) applyDefaults() {
	s.Strategy = Strategy(normalize(string(s.Strategy)))
	if s.Strategy == "" {
		s.Strategy = StratifiedWithinGroup
	}
	s.Dimension = GroupingDimension(normalize(string(s.Dimension)))
	if s.Dimension == "" {
		s.Dimension = ByLanguageGroup
	}
	if len(s.Ratios) == 0 {
		s.Ratios = append([]float64(nil), defaultRatios...)
	}
	if s.StratifyBy == "" {
		s.StratifyBy = "outcome"
	}
}

func (p *Preprocessing) applyDefaults() {
	p.MissingValues = MissingValuePolicy(normalize(string(p.MissingValues)))
	if p.MissingValues == "" {
		p.MissingValues = DropRow
	}
	p.Normalization = Normalization(normalize(string(p.Normalization)))
	if p.Normalization == "" {
		p.Normalization = NormNone
	}
}

func (o *Output) applyDefaults() {
	o.Format = OutputFormat(normalize(string(o.Format)))
	if o.Format == "" {
		o.Format = FormatParquet
	}
}

func normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
