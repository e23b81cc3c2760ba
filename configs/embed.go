// Package configs carries build-time embedded defaults. Embedding
// keeps them available in every distribution: source builds, binary
// releases, and package installs alike.
package configs

import (
	"sync"

	_ "embed"

	"gopkg.in/yaml.v3"
)

// ScanRules are the embedded codebase scan defaults.
type ScanRules struct {
	MaxDepth     int               `yaml:"max_depth"`
	ExcludeDirs  []string          `yaml:"exclude_dirs"`
	ExcludeFiles []string          `yaml:"exclude_files"`
	HiddenAllow  []string          `yaml:"hidden_allow"`
	Languages    map[string]string `yaml:"languages"`
}

//go:embed scan-rules.yaml
var scanRulesYAML []byte

var (
	scanRulesOnce sync.Once
	scanRules     ScanRules
)

// DefaultScanRules parses the embedded rules once. A test covers the
// embedded file, so runtime parsing cannot fail.
func DefaultScanRules() ScanRules {
	scanRulesOnce.Do(func() {
		if err := yaml.Unmarshal(scanRulesYAML, &scanRules); err != nil {
			panic("embedded scan-rules.yaml is invalid: " + err.Error())
		}
	})
	return scanRules
}
