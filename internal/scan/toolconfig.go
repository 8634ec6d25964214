package scan

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"

	"github.com/magiconair/properties"
	"gopkg.in/yaml.v3"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/riskbuilder/internal/scenario"
)

// defaultConfigKey is the scan_tool_config entry applied to every repository.
// Per-repository entries override it key by key.
const defaultConfigKey = "default"

const (
	sonarPropsFile  = "sonar-project.properties"
	trivyConfigFile = "trivy.yaml"
)

// resolveSonarProps merges the default entry's properties with the
// repository's own.
func resolveSonarProps(cfgs map[string]scenario.ToolConfig, fullName string) map[string]string {
	merged := make(map[string]string)
	for k, v := range cfgs[defaultConfigKey].Sonar {
		merged[k] = v
	}
	for k, v := range cfgs[fullName].Sonar {
		merged[k] = v
	}
	return merged
}

// resolveTrivyDoc merges the default trivy document with the repository's,
// top-level key by key.
func resolveTrivyDoc(cfgs map[string]scenario.ToolConfig, fullName string) map[string]any {
	merged := make(map[string]any)
	for k, v := range cfgs[defaultConfigKey].Trivy {
		merged[k] = v
	}
	for k, v := range cfgs[fullName].Trivy {
		merged[k] = v
	}
	return merged
}

// materializeSonarProps writes the repository's merged sonar-project.properties
// under the scenario's scan-config tree and returns its path. The path is
// deterministic and the file is written once; later units of the same
// repository reuse it. An empty merge materialises nothing and the scanner
// runs on CLI flags alone.
func (t *Tasks) materializeSonarProps(scenarioID, rawRepoID, fullName string, spec *scenario.Spec) (string, error) {
	props := resolveSonarProps(spec.Features.ScanToolConfig, fullName)
	if len(props) == 0 {
		return "", nil
	}
	dir := t.layout.ScanConfigDir(scenarioID, rawRepoID)
	if err := t.layout.EnsureDir(dir); err != nil {
		return "", err
	}
	path := filepath.Join(dir, sonarPropsFile)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	p := properties.NewProperties()
	p.DisableExpansion = true
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, _, err := p.Set(k, props[k]); err != nil {
			return "", ferrors.ScanError("assemble sonar properties").WithCause(err).
				WithContext("key", k).Build()
		}
	}
	var buf bytes.Buffer
	if _, err := p.Write(&buf, properties.UTF8); err != nil {
		return "", ferrors.ScanError("encode sonar properties").WithCause(err).Build()
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", ferrors.FileSystemError("write sonar properties").WithCause(err).
			WithContext("path", path).Build()
	}
	return path, nil
}

// materializeTrivyConfig writes the repository's merged trivy.yaml under the
// scenario's scan-config tree and returns its path, or "" when the scenario
// declares no trivy configuration.
func (t *Tasks) materializeTrivyConfig(scenarioID, rawRepoID, fullName string, spec *scenario.Spec) (string, error) {
	doc := resolveTrivyDoc(spec.Features.ScanToolConfig, fullName)
	if len(doc) == 0 {
		return "", nil
	}
	dir := t.layout.ScanConfigDir(scenarioID, rawRepoID)
	if err := t.layout.EnsureDir(dir); err != nil {
		return "", err
	}
	path := filepath.Join(dir, trivyConfigFile)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", ferrors.ScanError("encode trivy config").WithCause(err).Build()
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", ferrors.FileSystemError("write trivy config").WithCause(err).
			WithContext("path", path).Build()
	}
	return path, nil
}
