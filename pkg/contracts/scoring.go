package contracts

import "time"

// EvidenceRef points at one piece of supporting material for a signal,
// alert, or report: an on-chain tx, a stored snapshot, a fetched card.
type EvidenceRef struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`
}

// Signal is a typed, weighted observation about an agent. SignalID is a
// stable prefixed code (BE_*, ID_*, CX_*); weight and severity are fixed
// per code by policy, not chosen per occurrence.
type Signal struct {
	SignalID   string         `json:"signalId"`
	Severity   Severity       `json:"severity"`
	Weight     float64        `json:"weight"`
	ObservedAt int64          `json:"observedAt"`
	Evidence   []EvidenceRef  `json:"evidence"`
	Details    map[string]any `json:"details,omitempty"`
}

// Snapshot bundles the signals observed for one agent at one instant.
// SnapshotID is the SHA-256 of the canonical JSON of {agentId, signals},
// so identical signal sets collide regardless of collection order.
type Snapshot struct {
	SnapshotID string   `json:"snapshotId"`
	AgentID    string   `json:"agentId"`
	ObservedAt int64    `json:"observedAt"`
	Signals    []Signal `json:"signals"`
}

// SignalSummary is the per-signal line carried inside a risk report.
type SignalSummary struct {
	SignalID string   `json:"signalId"`
	Severity Severity `json:"severity"`
	Weight   float64  `json:"weight"`
}

// RiskReport is the immutable scoring output for one agent. ReportID
// hashes the canonical JSON of the report payload excluding GeneratedAt,
// so re-scoring identical inputs reproduces the identical ID.
type RiskReport struct {
	ReportID      string          `json:"reportId"`
	ReportVersion string          `json:"reportVersion"`
	AgentID       string          `json:"agentId"`
	GeneratedAt   int64           `json:"generatedAt"`
	OverallRisk   int             `json:"overallRisk"`
	Confidence    Confidence      `json:"confidence"`
	Reasons       []string        `json:"reasons"`
	EvidenceLinks []EvidenceRef   `json:"evidenceLinks"`
	Signals       []SignalSummary `json:"signals"`
}

// Alert is raised when scoring crosses a threshold. IsActive may flip
// true to false (operator ack) but never back.
type Alert struct {
	AlertID     string        `json:"alertId"`
	AgentID     string        `json:"agentId"`
	Type        string        `json:"type"`
	Severity    Severity      `json:"severity"`
	Description string        `json:"description"`
	Evidence    []EvidenceRef `json:"evidence"`
	CreatedAt   int64         `json:"createdAt"`
	IsActive    bool          `json:"isActive"`
}

// Agent is a scored registry entry. AgentID is opaque; the usual form
// is erc8004:<chainId>:<registry>:<tokenId>.
type Agent struct {
	AgentID   string      `json:"agentId"`
	Status    AgentStatus `json:"status"`
	Labels    []string    `json:"labels"`
	CreatedAt time.Time   `json:"createdAt"`
}

// TransparencyLeaf is one line of the signed append-only log. LeafID
// covers {agentId, leafVersion, overallRisk, riskReportHash, optional
// receiptId/runId}; WrittenAt is outside the hash. GeneratedAt and
// ReportVersion are carried so a verifier can rebuild the signed
// payload offline.
type TransparencyLeaf struct {
	LeafID         string `json:"leafId"`
	LeafVersion    string `json:"leafVersion"`
	AgentID        string `json:"agentId"`
	RiskReportHash string `json:"riskReportHash"`
	OverallRisk    int    `json:"overallRisk"`
	ReportVersion  string `json:"reportVersion"`
	GeneratedAt    int64  `json:"generatedAt"`
	ReceiptID      string `json:"receiptId,omitempty"`
	RunID          string `json:"runId,omitempty"`
	WrittenAt      int64  `json:"writtenAt"`
	WatchtowerSig  string `json:"watchtowerSig"`
}
