// Package contracts defines the domain vocabulary shared by every
// watchtower component: findings, actions, signals, snapshots, risk
// reports, alerts, transparency leaves, and the typed error kinds the
// pipeline propagates. Types here are plain data; behaviour lives in
// the packages that produce or consume them.
package contracts

import "fmt"

// Severity orders finding and signal severities from least to most severe.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordinal position of s, INFO lowest. Unknown
// severities rank below INFO so they never outrank real ones.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is one of the five known severities.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// ParseSeverity converts a wire string into a Severity.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(v)
	if !s.Valid() {
		return "", &ValidationError{Field: "severity", Msg: fmt.Sprintf("unknown severity %q", v)}
	}
	return s, nil
}

// FindingCategory groups findings by the protocol surface they concern.
type FindingCategory string

const (
	CategoryReceipt FindingCategory = "RECEIPT"
	CategoryBond    FindingCategory = "BOND"
	CategoryDispute FindingCategory = "DISPUTE"
	CategorySolver  FindingCategory = "SOLVER"
	CategoryEscrow  FindingCategory = "ESCROW"
	CategorySystem  FindingCategory = "SYSTEM"
)

// Valid reports whether c is a known category.
func (c FindingCategory) Valid() bool {
	switch c {
	case CategoryReceipt, CategoryBond, CategoryDispute, CategorySolver, CategoryEscrow, CategorySystem:
		return true
	}
	return false
}

// ActionType enumerates the counter-actions a rule may recommend.
type ActionType string

const (
	ActionNone           ActionType = "NONE"
	ActionOpenDispute    ActionType = "OPEN_DISPUTE"
	ActionSubmitEvidence ActionType = "SUBMIT_EVIDENCE"
	ActionEscalate       ActionType = "ESCALATE"
	ActionNotify         ActionType = "NOTIFY"
	ActionManualReview   ActionType = "MANUAL_REVIEW"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionNone, ActionOpenDispute, ActionSubmitEvidence, ActionEscalate, ActionNotify, ActionManualReview:
		return true
	}
	return false
}

// LedgerAction is the subset of action types recorded in the
// idempotency ledger. Only dispute-class actions need replay
// protection; informational actions are safe to repeat.
type LedgerAction string

const (
	LedgerOpenDispute    LedgerAction = "OPEN_DISPUTE"
	LedgerSubmitEvidence LedgerAction = "SUBMIT_EVIDENCE"
)

// LedgerActionFor maps an ActionType onto its ledger representation.
// The switch enumerates every ActionType on purpose: adding a new
// action without deciding its ledger treatment fails loudly here.
func LedgerActionFor(t ActionType) (action LedgerAction, record bool, err error) {
	switch t {
	case ActionOpenDispute:
		return LedgerOpenDispute, true, nil
	case ActionSubmitEvidence:
		return LedgerSubmitEvidence, true, nil
	case ActionNone, ActionEscalate, ActionNotify, ActionManualReview:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("no ledger mapping for action type %q", t)
	}
}

// AgentStatus is the lifecycle state of a scored agent.
type AgentStatus string

const (
	AgentActive    AgentStatus = "ACTIVE"
	AgentProbation AgentStatus = "PROBATION"
	AgentBlocked   AgentStatus = "BLOCKED"
)

// Confidence grades how much signal volume backs a risk report.
type Confidence string

const (
	ConfidenceLow    Confidence = "LOW"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceHigh   Confidence = "HIGH"
)

// Alert types emitted by the scoring pipeline.
const (
	AlertCriticalSignal = "CRITICAL_SIGNAL_DETECTED"
	AlertHighRiskScore  = "HIGH_RISK_SCORE"
)

// ReportVersion is the only risk-report version this build emits.
const ReportVersion = "0.1.0"

// LeafVersion is the only transparency-leaf version this build emits.
const LeafVersion = "0.1.0"
