package dataset

import (
	"crypto/md5"
	"encoding/csv"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hydrogen18/stalecucumber"
	"github.com/parquet-go/parquet-go"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/scenario"
)

// metadataColumns are prepended to every export when the scenario asks for
// them. They identify a build without joining back to the database.
var metadataColumns = []string{"commit_sha", "ci_run_id", "build_started_at", "group"}

type partitionWriter func(w io.Writer, f *Frame, rows []int, withMeta bool) error

func writerFor(format scenario.OutputFormat) partitionWriter {
	switch format {
	case scenario.FormatCSV:
		return writeCSV
	case scenario.FormatParquet:
		return writeParquet
	case scenario.FormatPickle:
		return writePickle
	default:
		return nil
	}
}

// exportFile writes one partition to path and returns the file size and the
// MD5 of its content. A failed write removes the partial file.
func exportFile(path string, format scenario.OutputFormat, f *Frame, rows []int, withMeta bool) (int64, string, error) {
	write := writerFor(format)
	if write == nil {
		return 0, "", ferrors.ValidationError("unknown output format").
			WithContext("format", string(format)).Build()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, "", ferrors.FileSystemError("create split directory").
			WithCause(err).WithContext("path", path).Build()
	}
	out, err := os.Create(path)
	if err != nil {
		return 0, "", ferrors.FileSystemError("create split file").
			WithCause(err).WithContext("path", path).Build()
	}
	sum := md5.New()
	w := &meteredWriter{w: io.MultiWriter(out, sum)}
	werr := write(w, f, rows, withMeta)
	if cerr := out.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return 0, "", ferrors.DatasetError("write split file").
			WithCause(werr).WithContext("path", path).Build()
	}
	return w.n, hex.EncodeToString(sum.Sum(nil)), nil
}

type meteredWriter struct {
	w io.Writer
	n int64
}

func (m *meteredWriter) Write(p []byte) (int, error) {
	n, err := m.w.Write(p)
	m.n += int64(n)
	return n, err
}

// exportHeader is the flat column list of one export: optional metadata,
// the feature columns, and the label last.
func exportHeader(f *Frame, withMeta bool) []string {
	header := make([]string, 0, len(metadataColumns)+len(f.Columns)+1)
	if withMeta {
		header = append(header, metadataColumns...)
	}
	header = append(header, f.Columns...)
	return append(header, "outcome")
}

func writeCSV(w io.Writer, f *Frame, rows []int, withMeta bool) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader(f, withMeta)); err != nil {
		return err
	}
	for _, i := range rows {
		r := &f.Rows[i]
		rec := make([]string, 0, len(f.Columns)+len(metadataColumns)+1)
		if withMeta {
			rec = append(rec, r.CommitSHA, r.CIRunID, r.StartedAt.UTC().Format(time.RFC3339), r.Group)
		}
		for _, c := range r.Cells {
			if c == nil {
				rec = append(rec, "")
			} else {
				rec = append(rec, strconv.FormatFloat(*c, 'g', -1, 64))
			}
		}
		rec = append(rec, strconv.Itoa(r.Outcome))
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeParquet(w io.Writer, f *Frame, rows []int, withMeta bool) error {
	group := parquet.Group{}
	if withMeta {
		for _, m := range metadataColumns {
			group[m] = parquet.String()
		}
	}
	for _, col := range f.Columns {
		group[col] = parquet.Optional(parquet.Leaf(parquet.DoubleType))
	}
	group["outcome"] = parquet.Int(64)
	schema := parquet.NewSchema("dataset", group)

	pw := parquet.NewGenericWriter[map[string]any](w, schema, parquet.Compression(&parquet.Snappy))
	batch := make([]map[string]any, 0, len(rows))
	for _, i := range rows {
		r := &f.Rows[i]
		rec := map[string]any{"outcome": int64(r.Outcome)}
		if withMeta {
			rec["commit_sha"] = r.CommitSHA
			rec["ci_run_id"] = r.CIRunID
			rec["build_started_at"] = r.StartedAt.UTC().Format(time.RFC3339)
			rec["group"] = r.Group
		}
		for j, col := range f.Columns {
			// Missing cells stay absent so the optional column reads null.
			if c := r.Cells[j]; c != nil {
				rec[col] = *c
			}
		}
		batch = append(batch, rec)
	}
	if _, err := pw.Write(batch); err != nil {
		return err
	}
	return pw.Close()
}

// picklePayload pickles as a dict of the column names and row-major data,
// protocol 2, which pandas reconstructs with DataFrame(rows, columns=cols).
type picklePayload struct {
	Columns []any `pickle:"columns"`
	Rows    []any `pickle:"rows"`
}

func writePickle(w io.Writer, f *Frame, rows []int, withMeta bool) error {
	header := exportHeader(f, withMeta)
	cols := make([]any, len(header))
	for i, c := range header {
		cols[i] = c
	}
	data := make([]any, 0, len(rows))
	for _, i := range rows {
		r := &f.Rows[i]
		rec := make([]any, 0, len(header))
		if withMeta {
			rec = append(rec, r.CommitSHA, r.CIRunID, r.StartedAt.UTC().Format(time.RFC3339), r.Group)
		}
		for _, c := range r.Cells {
			if c == nil {
				rec = append(rec, nil)
			} else {
				rec = append(rec, *c)
			}
		}
		rec = append(rec, int64(r.Outcome))
		data = append(data, rec)
	}
	_, err := stalecucumber.NewPickler(w).Pickle(picklePayload{Columns: cols, Rows: data})
	return err
}
