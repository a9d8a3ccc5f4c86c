package verify

import (
	_ "embed"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

type fabricatedEntry struct {
	Symbol  string `yaml:"symbol"`
	Pattern string `yaml:"pattern"`
	Note    string `yaml:"note"`
}

type catalogFile struct {
	Real       []string          `yaml:"real"`
	Fabricated []fabricatedEntry `yaml:"fabricated"`
}

// Catalog is the curated symbol knowledge for the fabricated-API check.
type Catalog struct {
	Real       []string
	fabricated []compiledEntry
}

type compiledEntry struct {
	symbol  string
	pattern *regexp.Regexp
	note    string
}

func LoadCatalog() (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(catalogYAML, &file); err != nil {
		return nil, fmt.Errorf("parse api catalog: %w", err)
	}
	if len(file.Fabricated) == 0 {
		return nil, fmt.Errorf("api catalog has no fabricated entries")
	}
	c := &Catalog{Real: file.Real}
	for _, entry := range file.Fabricated {
		compiled, err := regexp.Compile(entry.Pattern)
		if err != nil {
			return nil, fmt.Errorf("api catalog pattern for %s: %w", entry.Symbol, err)
		}
		c.fabricated = append(c.fabricated, compiledEntry{
			symbol:  entry.Symbol,
			pattern: compiled,
			note:    entry.Note,
		})
	}
	return c, nil
}

// CheckArtifact scans for known-fabricated symbols. The first match is a
// hard failure naming the symbol.
func (c *Catalog) CheckArtifact(artifact string) (bool, string) {
	for _, entry := range c.fabricated {
		if entry.pattern.MatchString(artifact) {
			return false, fmt.Sprintf("fabricated API %s: %s", entry.symbol, entry.note)
		}
	}
	return true, ""
}
