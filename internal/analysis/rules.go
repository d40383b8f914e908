// Package analysis checks a located element against accessibility rules.
//
// Each rule is evaluated by a language model (Gemini by default). Before the
// model is called, the element HTML is parsed and a few mechanical checks run
// locally; their findings are passed to the model as hints.
package analysis

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// Rule is one accessibility rule.
type Rule struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Details     string   `yaml:"details" json:"details"`
	Criteria    []string `yaml:"criteria" json:"criteria"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// DefaultRules returns the embedded rule set.
func DefaultRules() ([]Rule, error) {
	return parseRules(defaultRulesYAML)
}

// LoadRules reads a rules file with the same layout as the embedded one.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return parseRules(data)
}

func parseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	seen := make(map[string]bool, len(f.Rules))
	for i, r := range f.Rules {
		if r.ID == "" || r.Name == "" {
			return nil, fmt.Errorf("rule %d: id and name are required", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("no rules defined")
	}
	return f.Rules, nil
}

// FindRule returns the rule with id.
func FindRule(rules []Rule, id string) (Rule, bool) {
	for _, r := range rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}
