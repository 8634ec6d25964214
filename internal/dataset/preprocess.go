package dataset

import (
	"math"
	"sort"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/scenario"
)

// Preprocess applies the missing-value policy and then normalization, in
// that order. Dropped rows and columns are added to the loss accumulator;
// the caller decides whether strict mode turns loss into failure.
func Preprocess(f *Frame, p scenario.Preprocessing, loss *Loss) error {
	applyMissingPolicy(f, p, loss)
	return normalizeColumns(f, p.Normalization)
}

func applyMissingPolicy(f *Frame, p scenario.Preprocessing, loss *Loss) {
	switch p.MissingValues {
	case scenario.Fill:
		for i := range f.Rows {
			for j, c := range f.Rows[i].Cells {
				if c == nil {
					v := p.FillValue
					f.Rows[i].Cells[j] = &v
				}
			}
		}
	case scenario.SkipFeature:
		drop := map[int]struct{}{}
		for j := range f.Columns {
			for i := range f.Rows {
				if f.Rows[i].Cells[j] == nil {
					drop[j] = struct{}{}
					loss.DroppedColumns = append(loss.DroppedColumns, f.Columns[j])
					break
				}
			}
		}
		f.dropColumns(drop)
	default:
		// drop_row, also the fallback the scenario defaults guarantee.
		kept := f.Rows[:0]
		for i := range f.Rows {
			if rowComplete(&f.Rows[i]) {
				kept = append(kept, f.Rows[i])
			} else {
				loss.DroppedRows++
			}
		}
		f.Rows = kept
	}
}

func rowComplete(r *Row) bool {
	for _, c := range r.Cells {
		if c == nil {
			return false
		}
	}
	return true
}

// normalizeColumns rescales every column in place. Columns without spread
// normalize to zero rather than dividing by it.
func normalizeColumns(f *Frame, method scenario.Normalization) error {
	if method == scenario.NormNone || method == "" || len(f.Rows) == 0 {
		return nil
	}
	for j := range f.Columns {
		vals := f.columnValues(j)
		if len(vals) == 0 {
			continue
		}
		scale, err := scalerFor(method, vals)
		if err != nil {
			return err
		}
		for i := range f.Rows {
			if c := f.Rows[i].Cells[j]; c != nil {
				*c = scale(*c)
			}
		}
	}
	return nil
}

func scalerFor(method scenario.Normalization, vals []float64) (func(float64) float64, error) {
	zero := func(float64) float64 { return 0 }
	switch method {
	case scenario.NormMinMax:
		lo, hi := minMax(vals)
		span := hi - lo
		if span == 0 {
			return zero, nil
		}
		return func(x float64) float64 { return (x - lo) / span }, nil
	case scenario.NormZScore:
		mean, stddev := meanStddev(vals)
		if stddev == 0 {
			return zero, nil
		}
		return func(x float64) float64 { return (x - mean) / stddev }, nil
	case scenario.NormRobust:
		sorted := append([]float64(nil), vals...)
		sort.Float64s(sorted)
		median := quantile(sorted, 0.5)
		iqr := quantile(sorted, 0.75) - quantile(sorted, 0.25)
		if iqr == 0 {
			return zero, nil
		}
		return func(x float64) float64 { return (x - median) / iqr }, nil
	case scenario.NormMaxAbs:
		m := maxAbs(vals)
		if m == 0 {
			return func(x float64) float64 { return x }, nil
		}
		return func(x float64) float64 { return x / m }, nil
	case scenario.NormLog:
		// Sign-preserving log1p keeps negative inputs finite.
		return func(x float64) float64 { return math.Copysign(math.Log1p(math.Abs(x)), x) }, nil
	case scenario.NormDecimal:
		m := maxAbs(vals)
		if m == 0 {
			return func(x float64) float64 { return x }, nil
		}
		pow := math.Pow(10, math.Floor(math.Log10(m))+1)
		return func(x float64) float64 { return x / pow }, nil
	default:
		return nil, ferrors.ValidationError("unknown normalization method").
			WithContext("method", string(method)).Build()
	}
}

func minMax(vals []float64) (lo, hi float64) {
	lo, hi = vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func meanStddev(vals []float64) (mean, stddev float64) {
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	var sq float64
	for _, v := range vals {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(vals)))
}

func maxAbs(vals []float64) float64 {
	var m float64
	for _, v := range vals {
		if a := math.Abs(v); a > m {
			m = a
		}
	}
	return m
}

// quantile returns the linearly interpolated q-quantile of sorted values.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	frac := pos - float64(lo)
	if frac == 0 || lo+1 >= len(sorted) {
		return sorted[lo]
	}
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
