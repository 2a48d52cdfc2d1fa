// Package manifest verifies solver delivery manifests against the
// artifacts actually present in a run directory. Verification produces
// a stable, sorted failure list and the behaviour signals the scoring
// pipeline consumes.
package manifest

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// formatConstraint is the manifest format range this build accepts.
var formatConstraint = mustConstraint("^0.1")

func mustConstraint(c string) *semver.Constraints {
	parsed, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return parsed
}

// Manifest is a solver's declaration of what a run delivered.
type Manifest struct {
	FormatVersion string     `json:"formatVersion"`
	SolverID      string     `json:"solverId"`
	ReceiptID     string     `json:"receiptId,omitempty"`
	RunID         string     `json:"runId,omitempty"`
	Artifacts     []Artifact `json:"artifacts"`
}

// Artifact is one declared deliverable, path relative to the run
// directory.
type Artifact struct {
	Path      string `json:"path"`
	Sha256    string `json:"sha256"`
	SizeBytes int64  `json:"sizeBytes"`
}

const manifestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["formatVersion", "solverId", "artifacts"],
  "properties": {
    "formatVersion": {"type": "string", "minLength": 1},
    "solverId": {"type": "string", "minLength": 1},
    "receiptId": {"type": "string"},
    "runId": {"type": "string"},
    "artifacts": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["path", "sha256", "sizeBytes"],
        "properties": {
          "path": {"type": "string", "minLength": 1},
          "sha256": {"type": "string", "pattern": "^[0-9a-fA-F]{64}$"},
          "sizeBytes": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

var manifestSchema = mustSchema("manifest.schema.json", manifestSchemaJSON)

func mustSchema(name, raw string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(raw)); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(err)
	}
	return schema
}

// validateFormat checks the parsed manifest beyond schema shape: the
// format version must parse as semver and satisfy the accepted range.
func validateFormat(m *Manifest) error {
	version, err := semver.NewVersion(m.FormatVersion)
	if err != nil {
		return fmt.Errorf("formatVersion %q is not semver: %w", m.FormatVersion, err)
	}
	if !formatConstraint.Check(version) {
		return fmt.Errorf("formatVersion %s outside supported range %s", m.FormatVersion, "^0.1")
	}
	return nil
}
