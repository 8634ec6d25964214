package config

import (
	"git.home.luguber.info/inful/riskbuilder/internal/foundation/normalization"
)

// LogLevel enumerates supported logging levels (mapped onto slog levels).
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

var logLevelNormalizer = normalization.NewNormalizer(map[string]LogLevel{
	"debug": LogLevelDebug,
	"info":  LogLevelInfo,
	"warn":  LogLevelWarn,
	"error": LogLevelError,
}, LogLevelInfo)

func NormalizeLogLevel(raw string) LogLevel {
	return logLevelNormalizer.Normalize(raw)
}

// LogFormat enumerates supported log output formats.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

var logFormatNormalizer = normalization.NewNormalizer(map[string]LogFormat{
	"json": LogFormatJSON,
	"text": LogFormatText,
}, LogFormatText)

func NormalizeLogFormat(raw string) LogFormat {
	return logFormatNormalizer.Normalize(raw)
}

// ExportFormat enumerates supported dataset export formats.
type ExportFormat string

const (
	ExportCSV     ExportFormat = "csv"
	ExportParquet ExportFormat = "parquet"
	ExportPickle  ExportFormat = "pickle"
)

var exportFormatNormalizer = normalization.NewEnumNormalizer("export format", map[string]ExportFormat{
	"csv":     ExportCSV,
	"parquet": ExportParquet,
	"pickle":  ExportPickle,
	"pkl":     ExportPickle,
}, ExportCSV)

// NormalizeExportFormat canonicalizes an export format name, defaulting to CSV.
func NormalizeExportFormat(raw string) ExportFormat {
	return exportFormatNormalizer.Normalize(raw)
}

// ParseExportFormat canonicalizes an export format name, erroring on unknown input.
func ParseExportFormat(raw string) (ExportFormat, error) {
	return exportFormatNormalizer.NormalizeWithValidation(raw)
}
