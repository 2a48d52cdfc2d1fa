// Package scoring turns signal snapshots into risk reports and alerts.
// Scores, reasons, and alerts are deterministic functions of the input
// signals; all IDs are content-addressed so re-scoring identical inputs
// reproduces identical rows.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/watchtower/pkg/canonicaljson"
	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
	"github.com/Mindburn-Labs/watchtower/pkg/storage"
	"github.com/Mindburn-Labs/watchtower/pkg/translog"
)

// severityPoints is the P map: points per severity, scaled by each
// signal's weight.
var severityPoints = map[contracts.Severity]float64{
	contracts.SeverityLow:      5,
	contracts.SeverityMedium:   15,
	contracts.SeverityHigh:     30,
	contracts.SeverityCritical: 60,
}

const criticalReason = "CRITICAL signal detected — risk set to maximum"

// Config tunes the scorer.
type Config struct {
	HighRiskThreshold int
}

// Scorer persists snapshots, reports, and alerts, and appends a
// transparency leaf per report when a log is attached.
type Scorer struct {
	store  *storage.Store
	log    *translog.Log
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time
}

// NewScorer builds a scorer. log may be nil to skip transparency
// leaves.
func NewScorer(store *storage.Store, log *translog.Log, cfg Config, logger *slog.Logger) *Scorer {
	if cfg.HighRiskThreshold <= 0 {
		cfg.HighRiskThreshold = 80
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{store: store, log: log, cfg: cfg, logger: logger, clock: time.Now}
}

// WithClock replaces the wall clock.
func (s *Scorer) WithClock(clock func() time.Time) *Scorer {
	s.clock = clock
	return s
}

// snapshotIDInput is what a snapshot ID hashes over. Signals are
// sorted first so identical sets collide.
type snapshotIDInput struct {
	AgentID string             `json:"agentId"`
	Signals []contracts.Signal `json:"signals"`
}

// BuildSnapshot bundles signals into a content-addressed snapshot.
func BuildSnapshot(agentID string, observedAt int64, signals []contracts.Signal) (contracts.Snapshot, error) {
	sorted := canonicaljson.SortSignals(signals)
	id, err := canonicaljson.Hash(snapshotIDInput{AgentID: agentID, Signals: sorted})
	if err != nil {
		return contracts.Snapshot{}, err
	}
	return contracts.Snapshot{
		SnapshotID: id,
		AgentID:    agentID,
		ObservedAt: observedAt,
		Signals:    sorted,
	}, nil
}

// reportIDInput excludes GeneratedAt so re-scoring identical inputs
// reproduces the identical report ID.
type reportIDInput struct {
	AgentID       string                    `json:"agentId"`
	Confidence    contracts.Confidence      `json:"confidence"`
	EvidenceLinks []contracts.EvidenceRef   `json:"evidenceLinks"`
	OverallRisk   int                       `json:"overallRisk"`
	Reasons       []string                  `json:"reasons"`
	ReportVersion string                    `json:"reportVersion"`
	Signals       []contracts.SignalSummary `json:"signals"`
}

type alertIDInput struct {
	AgentID         string                  `json:"agentId"`
	Severity        contracts.Severity      `json:"severity"`
	TopEvidenceRefs []contracts.EvidenceRef `json:"topEvidenceRefs"`
	Type            string                  `json:"type"`
}

// ScoreAgent scores the agent over the given snapshots, persists
// everything, and returns the report plus any alerts raised. Snapshots
// are persisted first; duplicates collide on their content-addressed
// IDs and are dropped by storage.
func (s *Scorer) ScoreAgent(ctx context.Context, agentID string, snapshots []contracts.Snapshot) (*contracts.RiskReport, []contracts.Alert, error) {
	for _, snap := range snapshots {
		if err := s.store.InsertSnapshot(ctx, snap); err != nil {
			return nil, nil, err
		}
	}

	var signals []contracts.Signal
	distinctSnaps := make(map[string]struct{}, len(snapshots))
	for _, snap := range snapshots {
		distinctSnaps[snap.SnapshotID] = struct{}{}
		signals = append(signals, snap.Signals...)
	}
	signals = canonicaljson.SortSignals(signals)

	rawScore := 0.0
	hasCritical := false
	reasonSet := make(map[string]struct{})
	var criticalEvidence []contracts.EvidenceRef
	var allEvidence []contracts.EvidenceRef
	summaries := make([]contracts.SignalSummary, 0, len(signals))

	for _, sig := range signals {
		rawScore += severityPoints[sig.Severity] * sig.Weight
		reasonSet[fmt.Sprintf("%s signal: %s", sig.Severity, sig.SignalID)] = struct{}{}
		allEvidence = append(allEvidence, sig.Evidence...)
		if sig.Severity == contracts.SeverityCritical {
			hasCritical = true
			criticalEvidence = append(criticalEvidence, sig.Evidence...)
		}
		summaries = append(summaries, contracts.SignalSummary{
			SignalID: sig.SignalID, Severity: sig.Severity, Weight: sig.Weight,
		})
	}

	overallRisk := int(math.Min(100, math.Round(rawScore)))
	if hasCritical {
		overallRisk = 100
		reasonSet[criticalReason] = struct{}{}
	}

	confidence := contracts.ConfidenceLow
	switch {
	case len(signals) >= 5 && len(distinctSnaps) >= 2:
		confidence = contracts.ConfidenceHigh
	case len(signals) >= 2 && len(distinctSnaps) >= 2:
		confidence = contracts.ConfidenceMedium
	}

	reasons := make([]string, 0, len(reasonSet))
	for r := range reasonSet {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)

	evidenceLinks := canonicaljson.NormalizeEvidence(allEvidence)

	reportID, err := canonicaljson.Hash(reportIDInput{
		AgentID:       agentID,
		Confidence:    confidence,
		EvidenceLinks: evidenceLinks,
		OverallRisk:   overallRisk,
		Reasons:       reasons,
		ReportVersion: contracts.ReportVersion,
		Signals:       summaries,
	})
	if err != nil {
		return nil, nil, err
	}

	now := s.clock().UTC().Unix()
	report := &contracts.RiskReport{
		ReportID:      reportID,
		ReportVersion: contracts.ReportVersion,
		AgentID:       agentID,
		GeneratedAt:   now,
		OverallRisk:   overallRisk,
		Confidence:    confidence,
		Reasons:       reasons,
		EvidenceLinks: evidenceLinks,
		Signals:       summaries,
	}
	if err := s.store.InsertRiskReport(ctx, *report); err != nil {
		return nil, nil, err
	}

	alerts, err := s.raiseAlerts(ctx, report, hasCritical, signals, criticalEvidence)
	if err != nil {
		return nil, nil, err
	}

	if s.log != nil {
		leaf, err := s.log.CreateLeaf(translog.LeafInput{
			AgentID:        agentID,
			RiskReportHash: reportID,
			OverallRisk:    overallRisk,
			GeneratedAt:    now,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := s.log.Append(leaf); err != nil {
			return nil, nil, err
		}
	}

	s.logger.Info("agent scored",
		"agentId", agentID, "overallRisk", overallRisk,
		"confidence", confidence, "signals", len(signals), "alerts", len(alerts))
	return report, alerts, nil
}

func (s *Scorer) raiseAlerts(ctx context.Context, report *contracts.RiskReport, hasCritical bool, signals []contracts.Signal, criticalEvidence []contracts.EvidenceRef) ([]contracts.Alert, error) {
	var alert *contracts.Alert
	switch {
	case hasCritical:
		var ids []string
		for _, sig := range signals {
			if sig.Severity == contracts.SeverityCritical {
				ids = append(ids, sig.SignalID)
			}
		}
		evidence := canonicaljson.NormalizeEvidence(criticalEvidence)
		alert = &contracts.Alert{
			AgentID:     report.AgentID,
			Type:        contracts.AlertCriticalSignal,
			Severity:    contracts.SeverityCritical,
			Description: "Critical signals observed: " + strings.Join(ids, ", "),
			Evidence:    evidence,
		}
	case report.OverallRisk >= s.cfg.HighRiskThreshold:
		alert = &contracts.Alert{
			AgentID:     report.AgentID,
			Type:        contracts.AlertHighRiskScore,
			Severity:    contracts.SeverityHigh,
			Description: fmt.Sprintf("Overall risk %d crossed threshold %d", report.OverallRisk, s.cfg.HighRiskThreshold),
			Evidence:    report.EvidenceLinks,
		}
	default:
		return nil, nil
	}

	top := alert.Evidence
	if len(top) > 5 {
		top = top[:5]
	}
	id, err := canonicaljson.Hash(alertIDInput{
		AgentID:         alert.AgentID,
		Severity:        alert.Severity,
		TopEvidenceRefs: top,
		Type:            alert.Type,
	})
	if err != nil {
		return nil, err
	}
	alert.AlertID = id
	alert.CreatedAt = s.clock().UTC().Unix()
	alert.IsActive = true

	if err := s.store.InsertAlert(ctx, *alert); err != nil {
		return nil, err
	}
	return []contracts.Alert{*alert}, nil
}
