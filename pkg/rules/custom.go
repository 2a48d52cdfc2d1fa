package rules

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// CustomRuleDef is one entry of the custom-rules YAML file.
type CustomRuleDef struct {
	ID          string                    `yaml:"id"`
	Name        string                    `yaml:"name"`
	Description string                    `yaml:"description"`
	Kind        string                    `yaml:"kind"` // cel | wasm
	Severity    contracts.Severity        `yaml:"severity"`
	Category    contracts.FindingCategory `yaml:"category"`
	Action      contracts.ActionType      `yaml:"action"`
	Expression  string                    `yaml:"expression"`
	Module      string                    `yaml:"module"`
}

type customRulesFile struct {
	Rules []CustomRuleDef `yaml:"rules"`
}

// LoadCustomRules parses the custom-rules file and builds its rules.
// Definitions are validated strictly; a bad file is a startup failure,
// not a silently half-loaded rule set.
func LoadCustomRules(ctx context.Context, path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &contracts.IOError{Op: "read custom rules", Path: path, Err: err}
	}
	var file customRulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &contracts.ValidationError{Field: "customRules", Msg: fmt.Sprintf("invalid YAML: %v", err)}
	}

	rules := make([]Rule, 0, len(file.Rules))
	for i, def := range file.Rules {
		if def.ID == "" {
			return nil, &contracts.ValidationError{Field: "customRules", Msg: fmt.Sprintf("rule %d: missing id", i)}
		}
		if !def.Severity.Valid() {
			return nil, &contracts.ValidationError{Field: def.ID, Msg: fmt.Sprintf("unknown severity %q", def.Severity)}
		}
		if !def.Category.Valid() {
			def.Category = contracts.CategorySystem
		}
		if !def.Action.Valid() {
			return nil, &contracts.ValidationError{Field: def.ID, Msg: fmt.Sprintf("unknown action %q", def.Action)}
		}
		switch def.Kind {
		case "cel":
			if def.Expression == "" {
				return nil, &contracts.ValidationError{Field: def.ID, Msg: "cel rule needs an expression"}
			}
			rule, err := NewCelRule(def)
			if err != nil {
				return nil, err
			}
			rules = append(rules, rule)
		case "wasm":
			if def.Module == "" {
				return nil, &contracts.ValidationError{Field: def.ID, Msg: "wasm rule needs a module path"}
			}
			rule, err := NewWasmRule(ctx, def)
			if err != nil {
				return nil, err
			}
			rules = append(rules, rule)
		default:
			return nil, &contracts.ValidationError{Field: def.ID, Msg: fmt.Sprintf("unknown rule kind %q", def.Kind)}
		}
	}
	return rules, nil
}
