package scoring

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
	"github.com/Mindburn-Labs/watchtower/pkg/storage"
	"github.com/Mindburn-Labs/watchtower/pkg/translog"
)

var scoreNow = time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestScorer(t *testing.T, log *translog.Log) (*Scorer, *storage.Store) {
	t.Helper()
	store, err := storage.Open(context.Background(),
		storage.Config{Path: filepath.Join(t.TempDir(), "scoring.db")})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	s := NewScorer(store, log, Config{}, nil).WithClock(func() time.Time { return scoreNow })
	return s, store
}

func signal(id string, severity contracts.Severity, weight float64, ref string) contracts.Signal {
	return contracts.Signal{
		SignalID: id, Severity: severity, Weight: weight,
		ObservedAt: scoreNow.Unix(),
		Evidence:   []contracts.EvidenceRef{{Type: "tx", Ref: ref}},
	}
}

func mustSnapshot(t *testing.T, agentID string, signals ...contracts.Signal) contracts.Snapshot {
	t.Helper()
	snap, err := BuildSnapshot(agentID, scoreNow.Unix(), signals)
	require.NoError(t, err)
	return snap
}

func seedAgent(t *testing.T, store *storage.Store, agentID string) {
	t.Helper()
	require.NoError(t, store.UpsertAgent(context.Background(), contracts.Agent{AgentID: agentID}))
}

func TestCriticalSignalForcesMaximumRisk(t *testing.T) {
	s, store := newTestScorer(t, nil)
	seedAgent(t, store, "agent-a")

	snap := mustSnapshot(t, "agent-a",
		signal("sig-crit", contracts.SeverityCritical, 1.0, "0xc1"),
		signal("sig-high", contracts.SeverityHigh, 0.5, "0xh1"))

	report, alerts, err := s.ScoreAgent(context.Background(), "agent-a", []contracts.Snapshot{snap})
	require.NoError(t, err)

	assert.Equal(t, 100, report.OverallRisk)
	assert.Equal(t, contracts.ConfidenceLow, report.Confidence, "two signals in one snapshot stay low confidence")
	assert.Contains(t, report.Reasons, "CRITICAL signal detected — risk set to maximum")
	assert.Contains(t, report.Reasons, "CRITICAL signal: sig-crit")
	assert.Contains(t, report.Reasons, "HIGH signal: sig-high")
	assert.IsIncreasing(t, report.Reasons)

	require.Len(t, alerts, 1)
	assert.Equal(t, contracts.AlertCriticalSignal, alerts[0].Type)
	assert.Equal(t, contracts.SeverityCritical, alerts[0].Severity)
	assert.True(t, alerts[0].IsActive)
	// Critical alert evidence is only the critical signals' evidence.
	assert.Equal(t, []contracts.EvidenceRef{{Type: "tx", Ref: "0xc1"}}, alerts[0].Evidence)

	persisted, err := store.LatestRiskReport(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.Equal(t, *report, *persisted)
}

func TestHighRiskAlertAtThreshold(t *testing.T) {
	s, store := newTestScorer(t, nil)
	seedAgent(t, store, "agent-a")

	// Three HIGH signals at full weight score 90.
	snapA := mustSnapshot(t, "agent-a",
		signal("sig-1", contracts.SeverityHigh, 1.0, "0x01"),
		signal("sig-2", contracts.SeverityHigh, 1.0, "0x02"))
	snapB := mustSnapshot(t, "agent-a",
		signal("sig-3", contracts.SeverityHigh, 1.0, "0x03"))

	report, alerts, err := s.ScoreAgent(context.Background(), "agent-a",
		[]contracts.Snapshot{snapA, snapB})
	require.NoError(t, err)

	assert.Equal(t, 90, report.OverallRisk)
	assert.Equal(t, contracts.ConfidenceMedium, report.Confidence)
	require.Len(t, alerts, 1)
	assert.Equal(t, contracts.AlertHighRiskScore, alerts[0].Type)
	assert.Equal(t, contracts.SeverityHigh, alerts[0].Severity)
}

func TestLowRiskRaisesNoAlert(t *testing.T) {
	s, store := newTestScorer(t, nil)
	seedAgent(t, store, "agent-a")

	snap := mustSnapshot(t, "agent-a",
		signal("sig-low", contracts.SeverityLow, 0.1, "0x01"))

	report, alerts, err := s.ScoreAgent(context.Background(), "agent-a", []contracts.Snapshot{snap})
	require.NoError(t, err)
	assert.Equal(t, 1, report.OverallRisk, "5 points at 0.1 weight rounds to 1")
	assert.Equal(t, contracts.ConfidenceLow, report.Confidence)
	assert.Empty(t, alerts)

	stored, err := store.ListAlerts(context.Background(), "agent-a", false)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestScoreCapsAtHundredWithoutCritical(t *testing.T) {
	s, store := newTestScorer(t, nil)
	seedAgent(t, store, "agent-a")

	var signals []contracts.Signal
	for i := 0; i < 6; i++ {
		signals = append(signals, signal(fmt.Sprintf("sig-%d", i), contracts.SeverityHigh, 1.0, fmt.Sprintf("0x%02d", i)))
	}
	snap := mustSnapshot(t, "agent-a", signals...)

	report, _, err := s.ScoreAgent(context.Background(), "agent-a", []contracts.Snapshot{snap})
	require.NoError(t, err)
	assert.Equal(t, 100, report.OverallRisk)
	assert.NotContains(t, report.Reasons, "CRITICAL signal detected — risk set to maximum")
}

func TestHighConfidenceNeedsVolumeAndSnapshots(t *testing.T) {
	s, store := newTestScorer(t, nil)
	seedAgent(t, store, "agent-a")

	snapA := mustSnapshot(t, "agent-a",
		signal("sig-1", contracts.SeverityLow, 0.1, "0x01"),
		signal("sig-2", contracts.SeverityLow, 0.1, "0x02"),
		signal("sig-3", contracts.SeverityLow, 0.1, "0x03"))
	snapB := mustSnapshot(t, "agent-a",
		signal("sig-4", contracts.SeverityLow, 0.1, "0x04"),
		signal("sig-5", contracts.SeverityLow, 0.1, "0x05"))

	report, _, err := s.ScoreAgent(context.Background(), "agent-a",
		[]contracts.Snapshot{snapA, snapB})
	require.NoError(t, err)
	assert.Equal(t, contracts.ConfidenceHigh, report.Confidence)
}

func TestReportIDIsDeterministic(t *testing.T) {
	s1, store1 := newTestScorer(t, nil)
	seedAgent(t, store1, "agent-a")
	s2, store2 := newTestScorer(t, nil)
	seedAgent(t, store2, "agent-a")

	// Same signals in reverse order on the second run.
	a := signal("sig-1", contracts.SeverityHigh, 1.0, "0x01")
	b := signal("sig-2", contracts.SeverityMedium, 0.4, "0x02")

	r1, _, err := s1.ScoreAgent(context.Background(), "agent-a",
		[]contracts.Snapshot{mustSnapshot(t, "agent-a", a, b)})
	require.NoError(t, err)
	r2, _, err := s2.ScoreAgent(context.Background(), "agent-a",
		[]contracts.Snapshot{mustSnapshot(t, "agent-a", b, a)})
	require.NoError(t, err)

	assert.Equal(t, r1.ReportID, r2.ReportID)
}

func TestScoringAppendsTransparencyLeaf(t *testing.T) {
	dir := t.TempDir()
	key, err := translog.LoadOrCreateKey(filepath.Join(dir, "key.json"))
	require.NoError(t, err)
	log, err := translog.New(dir, key)
	require.NoError(t, err)
	log.WithClock(func() time.Time { return scoreNow })

	s, store := newTestScorer(t, log)
	seedAgent(t, store, "agent-a")

	report, _, err := s.ScoreAgent(context.Background(), "agent-a",
		[]contracts.Snapshot{mustSnapshot(t, "agent-a",
			signal("sig-1", contracts.SeverityHigh, 1.0, "0x01"))})
	require.NoError(t, err)

	leaves, err := log.Leaves()
	require.NoError(t, err)
	require.Len(t, leaves, 1)
	assert.Equal(t, "agent-a", leaves[0].AgentID)
	assert.Equal(t, report.ReportID, leaves[0].RiskReportHash)
	assert.Equal(t, report.OverallRisk, leaves[0].OverallRisk)
}
