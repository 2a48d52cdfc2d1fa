package contracts

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Finding is a rule's observation about on-chain state. It is created
// by a rule, handed to the action executor, and persisted to the
// evidence store. The ID is stable after creation; ActedUpon moves
// false to true exactly once.
type Finding struct {
	ID                string          `json:"id"`
	RuleID            string          `json:"ruleId"`
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	Severity          Severity        `json:"severity"`
	Category          FindingCategory `json:"category"`
	CreatedAt         time.Time       `json:"createdAt"`
	BlockNumber       *BigInt         `json:"blockNumber"`
	TxHash            string          `json:"txHash,omitempty"`
	ContractAddress   string          `json:"contractAddress,omitempty"`
	SolverID          string          `json:"solverId,omitempty"`
	ReceiptID         string          `json:"receiptId,omitempty"`
	RecommendedAction ActionType      `json:"recommendedAction"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	ActedUpon         bool            `json:"actedUpon"`
	ActionTxHash      string          `json:"actionTxHash,omitempty"`
}

// NewFindingID builds the rule-id + block + timestamp + random-suffix
// identifier. The suffix comes from a UUID so two findings from the
// same rule in the same block never collide.
func NewFindingID(ruleID string, block *BigInt, at time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s-%s-%d-%s", ruleID, block.String(), at.UnixMilli(), suffix)
}

// FindingRecord is the evidence-store representation of a finding. The
// chain identifier travels with the record so multi-chain evidence
// files stay queryable per chain.
type FindingRecord struct {
	Finding
	ChainID string `json:"chainId"`
}

// ActionResult reports one executor attempt for one finding. TxHash is
// deliberately a pointer: dry-run results carry an explicit null on the
// wire, not an absent field.
type ActionResult struct {
	FindingID  string     `json:"findingId"`
	ReceiptID  string     `json:"receiptId,omitempty"`
	ActionType ActionType `json:"actionType"`
	Success    bool       `json:"success"`
	DryRun     bool       `json:"dryRun"`
	TxHash     *string    `json:"txHash"`
	Error      string     `json:"error,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ActionResultRecord is the evidence-store representation of an
// executor result.
type ActionResultRecord struct {
	ActionResult
	ChainID string `json:"chainId"`
}
