package features

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
)

// logTotals accumulates test counts across the job logs of one build.
type logTotals struct {
	run, failed, passed, skipped float64
	duration                     float64
	frameworks                   map[string]bool
}

// logParser detects one test framework's output and folds its counts into
// the totals.
type logParser struct {
	name   string
	detect *regexp.Regexp
	parse  func(content string, t *logTotals)
}

var (
	goTestMarker   = regexp.MustCompile(`(?m)^(=== RUN |--- PASS: |--- FAIL: |--- SKIP: )`)
	goTestPass     = regexp.MustCompile(`(?m)^--- PASS: `)
	goTestFail     = regexp.MustCompile(`(?m)^--- FAIL: `)
	goTestSkip     = regexp.MustCompile(`(?m)^--- SKIP: `)
	goTestDuration = regexp.MustCompile(`(?m)^(?:ok|FAIL)\s+\S+\s+(\d+(?:\.\d+)?)s`)

	pytestMarker   = regexp.MustCompile(`(?m)={3,} test session starts ={3,}`)
	pytestPassed   = regexp.MustCompile(`(\d+) passed`)
	pytestFailed   = regexp.MustCompile(`(\d+) failed`)
	pytestSkipped  = regexp.MustCompile(`(\d+) skipped`)
	pytestDuration = regexp.MustCompile(`in (\d+(?:\.\d+)?)s`)

	jestMarker   = regexp.MustCompile(`(?m)^Tests:\s`)
	jestTotal    = regexp.MustCompile(`(\d+) total`)
	jestPassed   = regexp.MustCompile(`(\d+) passed`)
	jestFailed   = regexp.MustCompile(`(\d+) failed`)
	jestSkipped  = regexp.MustCompile(`(\d+) skipped`)
	jestDuration = regexp.MustCompile(`(?m)^Time:\s+(\d+(?:\.\d+)?)\s*s`)

	surefireMarker  = regexp.MustCompile(`Tests run: \d+`)
	surefireSummary = regexp.MustCompile(`Tests run: (\d+), Failures: (\d+), Errors: (\d+), Skipped: (\d+)`)
)

// logParsers covers the frameworks the source logs commonly carry. The last
// summary line wins where a framework repeats per-module lines.
var logParsers = []logParser{
	{
		name:   "gotest",
		detect: goTestMarker,
		parse: func(content string, t *logTotals) {
			passed := float64(len(goTestPass.FindAllString(content, -1)))
			failed := float64(len(goTestFail.FindAllString(content, -1)))
			skipped := float64(len(goTestSkip.FindAllString(content, -1)))
			t.passed += passed
			t.failed += failed
			t.skipped += skipped
			t.run += passed + failed + skipped
			for _, m := range goTestDuration.FindAllStringSubmatch(content, -1) {
				t.duration += parseNumber(m[1])
			}
		},
	},
	{
		name:   "pytest",
		detect: pytestMarker,
		parse: func(content string, t *logTotals) {
			passed := lastCount(pytestPassed, content)
			failed := lastCount(pytestFailed, content)
			skipped := lastCount(pytestSkipped, content)
			t.passed += passed
			t.failed += failed
			t.skipped += skipped
			t.run += passed + failed + skipped
			if m := lastMatch(pytestDuration, content); m != nil {
				t.duration += parseNumber(m[1])
			}
		},
	},
	{
		name:   "jest",
		detect: jestMarker,
		parse: func(content string, t *logTotals) {
			t.run += lastCount(jestTotal, content)
			t.passed += lastCount(jestPassed, content)
			t.failed += lastCount(jestFailed, content)
			t.skipped += lastCount(jestSkipped, content)
			if m := lastMatch(jestDuration, content); m != nil {
				t.duration += parseNumber(m[1])
			}
		},
	},
	{
		name:   "junit",
		detect: surefireMarker,
		parse: func(content string, t *logTotals) {
			m := lastMatch(surefireSummary, content)
			if m == nil {
				return
			}
			run := parseNumber(m[1])
			failures := parseNumber(m[2]) + parseNumber(m[3])
			skipped := parseNumber(m[4])
			t.run += run
			t.failed += failures
			t.skipped += skipped
			t.passed += run - failures - skipped
		},
	},
}

// buildLogParse reads every job log of the build and extracts test activity.
// When no known framework appears, the test counters come out nil rather
// than zero: absence of evidence, not evidence of zero tests.
func buildLogParse() *Node {
	return &Node{
		Name:              "build_log_parse",
		Group:             "logs",
		Provides:          []string{"tr_log_num_jobs", "tr_log_tests_ran", "tr_log_tests_run", "tr_log_tests_failed", "tr_log_tests_passed", "tr_log_tests_skipped", "tr_log_test_duration", "tr_log_num_frameworks"},
		RequiresResources: []string{ResourceBuildLogs},
		Run: func(ctx context.Context, ec *ExecutionContext) (map[string]any, error) {
			logs, _ := ec.BuildLogs()
			entries, err := os.ReadDir(logs.Dir)
			if err != nil {
				return nil, ferrors.MissingResourceError("build log directory unreadable").
					WithCause(err).WithContext("path", logs.Dir).Build()
			}

			totals := logTotals{frameworks: make(map[string]bool)}
			numJobs := 0
			for _, entry := range entries {
				if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
					continue
				}
				if cerr := ctx.Err(); cerr != nil {
					return nil, cerr
				}
				numJobs++
				raw, rerr := os.ReadFile(filepath.Join(logs.Dir, entry.Name()))
				if rerr != nil {
					continue
				}
				content := string(raw)
				for _, parser := range logParsers {
					if parser.detect.MatchString(content) {
						totals.frameworks[parser.name] = true
						parser.parse(content, &totals)
					}
				}
			}

			values := map[string]any{
				"tr_log_num_jobs":       float64(numJobs),
				"tr_log_tests_ran":      boolFeature(len(totals.frameworks) > 0),
				"tr_log_num_frameworks": float64(len(totals.frameworks)),
			}
			if len(totals.frameworks) > 0 {
				values["tr_log_tests_run"] = totals.run
				values["tr_log_tests_failed"] = totals.failed
				values["tr_log_tests_passed"] = totals.passed
				values["tr_log_tests_skipped"] = totals.skipped
				values["tr_log_test_duration"] = totals.duration
			}
			return values, nil
		},
	}
}

// lastCount returns the captured count of the pattern's final match, or 0.
func lastCount(re *regexp.Regexp, content string) float64 {
	m := lastMatch(re, content)
	if m == nil {
		return 0
	}
	return parseNumber(m[1])
}

// lastMatch returns the final submatch of a repeating pattern.
func lastMatch(re *regexp.Regexp, content string) []string {
	all := re.FindAllStringSubmatch(content, -1)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

// parseNumber converts a numeric capture group; garbage parses to 0.
func parseNumber(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
