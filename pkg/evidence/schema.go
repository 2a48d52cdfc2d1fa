package evidence

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const findingRecordSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://watchtower.dev/schemas/finding-record.json",
  "type": "object",
  "required": ["id", "ruleId", "title", "severity", "category", "createdAt", "blockNumber", "recommendedAction", "chainId"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "ruleId": {"type": "string", "minLength": 1},
    "title": {"type": "string"},
    "description": {"type": "string"},
    "severity": {"enum": ["INFO", "LOW", "MEDIUM", "HIGH", "CRITICAL"]},
    "category": {"enum": ["RECEIPT", "BOND", "DISPUTE", "SOLVER", "ESCROW", "SYSTEM"]},
    "createdAt": {"type": "string"},
    "blockNumber": {"type": "string", "pattern": "^[0-9]+$"},
    "txHash": {"type": "string"},
    "contractAddress": {"type": "string"},
    "solverId": {"type": "string"},
    "receiptId": {"type": "string"},
    "recommendedAction": {"enum": ["NONE", "OPEN_DISPUTE", "SUBMIT_EVIDENCE", "ESCALATE", "NOTIFY", "MANUAL_REVIEW"]},
    "metadata": {"type": "object"},
    "actedUpon": {"type": "boolean"},
    "actionTxHash": {"type": "string"},
    "chainId": {"type": "string", "minLength": 1}
  }
}`

const actionRecordSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://watchtower.dev/schemas/action-record.json",
  "type": "object",
  "required": ["findingId", "actionType", "success", "dryRun", "txHash", "timestamp", "chainId"],
  "properties": {
    "findingId": {"type": "string", "minLength": 1},
    "receiptId": {"type": "string"},
    "actionType": {"enum": ["NONE", "OPEN_DISPUTE", "SUBMIT_EVIDENCE", "ESCALATE", "NOTIFY", "MANUAL_REVIEW"]},
    "success": {"type": "boolean"},
    "dryRun": {"type": "boolean"},
    "txHash": {"type": ["string", "null"]},
    "error": {"type": "string"},
    "timestamp": {"type": "string"},
    "chainId": {"type": "string", "minLength": 1}
  }
}`

func compileSchemas() (finding, action *jsonschema.Schema, err error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("finding-record.json", strings.NewReader(findingRecordSchema)); err != nil {
		return nil, nil, fmt.Errorf("add finding schema: %w", err)
	}
	if err := c.AddResource("action-record.json", strings.NewReader(actionRecordSchema)); err != nil {
		return nil, nil, fmt.Errorf("add action schema: %w", err)
	}
	finding, err = c.Compile("finding-record.json")
	if err != nil {
		return nil, nil, fmt.Errorf("compile finding schema: %w", err)
	}
	action, err = c.Compile("action-record.json")
	if err != nil {
		return nil, nil, fmt.Errorf("compile action schema: %w", err)
	}
	return finding, action, nil
}
