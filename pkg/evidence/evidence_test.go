package evidence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	s, err := New(cfg, nil)
	require.NoError(t, err)
	return s.WithClock(func() time.Time {
		return time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	})
}

func testFinding(id, ruleID string) contracts.FindingRecord {
	return contracts.FindingRecord{
		Finding: contracts.Finding{
			ID:                id,
			RuleID:            ruleID,
			Title:             "Stale receipt detected: 0xr1",
			Description:       "deadline passed",
			Severity:          contracts.SeverityHigh,
			Category:          contracts.CategoryReceipt,
			CreatedAt:         time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC),
			BlockNumber:       contracts.NewBigInt(1000000),
			ReceiptID:         "0xr1",
			RecommendedAction: contracts.ActionOpenDispute,
		},
		ChainID: "8453",
	}
}

func testAction(findingID string) contracts.ActionResultRecord {
	tx := "0xhash"
	return contracts.ActionResultRecord{
		ActionResult: contracts.ActionResult{
			FindingID:  findingID,
			ReceiptID:  "0xr1",
			ActionType: contracts.ActionOpenDispute,
			Success:    true,
			TxHash:     &tx,
			Timestamp:  time.Date(2024, 3, 15, 9, 31, 0, 0, time.UTC),
		},
		ChainID: "8453",
	}
}

func TestAppendAndQueryRoundTrip(t *testing.T) {
	s := newTestStore(t, Config{ValidateOnWrite: true})
	rec := testFinding("f1", "RECEIPT_STALE")
	require.NoError(t, s.AppendFinding(rec))
	require.NoError(t, s.AppendAction(testAction("f1")))

	got, err := s.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, LineTypeFinding, got[0].Type, "emission order preserved")
	assert.Equal(t, LineTypeAction, got[1].Type)

	found, err := s.FindingByID("f1")
	require.NoError(t, err)

	want, _ := json.Marshal(rec)
	have, _ := json.Marshal(found)
	assert.JSONEq(t, string(want), string(have), "round trip is deep-equal")
}

func TestValidateOnWriteRejectsBadRecord(t *testing.T) {
	s := newTestStore(t, Config{ValidateOnWrite: true})
	bad := testFinding("f1", "RECEIPT_STALE")
	bad.Severity = "URGENT"
	err := s.AppendFinding(bad)
	require.Error(t, err)
	assert.True(t, contracts.IsValidation(err))

	got, err := s.Query(Filter{})
	require.NoError(t, err)
	assert.Empty(t, got, "rejected records are not written")
}

func TestFilters(t *testing.T) {
	s := newTestStore(t, Config{})
	a := testFinding("f1", "RECEIPT_STALE")
	b := testFinding("f2", "SAMPLE-001")
	b.Severity = contracts.SeverityMedium
	b.ChainID = "1"
	require.NoError(t, s.AppendFinding(a))
	require.NoError(t, s.AppendFinding(b))
	require.NoError(t, s.AppendAction(testAction("f1")))

	got, err := s.Query(Filter{Type: LineTypeFinding})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.Query(Filter{RuleID: "RECEIPT_STALE"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "f1", got[0].Finding.ID)

	got, err = s.Query(Filter{Severity: contracts.SeverityMedium})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "f2", got[0].Finding.ID)

	got, err = s.Query(Filter{ChainID: "8453", Type: LineTypeFinding})
	require.NoError(t, err)
	assert.Len(t, got, 1, "filters intersect")

	got, err = s.Query(Filter{ReceiptID: "0XR1"})
	require.NoError(t, err)
	assert.Len(t, got, 2, "receipt filter is case-insensitive")
}

func TestOffsetAndLimit(t *testing.T) {
	s := newTestStore(t, Config{})
	for i := 0; i < 5; i++ {
		rec := testFinding("f"+string(rune('1'+i)), "RECEIPT_STALE")
		require.NoError(t, s.AppendFinding(rec))
	}
	got, err := s.Query(Filter{Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "f2", got[0].Finding.ID)
	assert.Equal(t, "f3", got[1].Finding.ID)
}

func TestRotationBySize(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, Config{Dir: dir, MaxFileSizeBytes: 64})
	require.NoError(t, s.AppendFinding(testFinding("f1", "RECEIPT_STALE")))
	require.NoError(t, s.AppendFinding(testFinding("f2", "RECEIPT_STALE")))
	require.NoError(t, s.AppendFinding(testFinding("f3", "RECEIPT_STALE")))

	matches, err := filepath.Glob(filepath.Join(dir, "evidence-2024-03-15*.jsonl"))
	require.NoError(t, err)
	assert.Greater(t, len(matches), 1, "size cap forces -N suffix files")

	got, err := s.Query(Filter{})
	require.NoError(t, err)
	assert.Len(t, got, 3, "query walks rotated files in order")
	assert.Equal(t, "f1", got[0].Finding.ID)
	assert.Equal(t, "f3", got[2].Finding.ID)
}

func TestSkipsGarbageAndNewerVersions(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, Config{Dir: dir})
	require.NoError(t, s.AppendFinding(testFinding("f1", "RECEIPT_STALE")))

	path := filepath.Join(dir, "evidence-2024-03-15.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n" +
		`{"type":"finding","schemaVersion":99,"data":{}}` + "\n" +
		`{"type":"hologram","schemaVersion":1,"data":{}}` + "\n" +
		`{"type":"finding","schemaVersion":1,"data":{"id":"f2","createdAt"`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := s.Query(Filter{})
	require.NoError(t, err)
	assert.Len(t, got, 1, "garbage, future versions, unknown types, and the trailing partial line are skipped")
}

func TestActionsForFindingAndStats(t *testing.T) {
	s := newTestStore(t, Config{})
	require.NoError(t, s.AppendFinding(testFinding("f1", "RECEIPT_STALE")))
	require.NoError(t, s.AppendAction(testAction("f1")))
	require.NoError(t, s.AppendAction(testAction("f1")))
	require.NoError(t, s.AppendAction(testAction("f9")))

	acts, err := s.ActionsForFinding("f1")
	require.NoError(t, err)
	assert.Len(t, acts, 2)

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.FileCount)
	assert.Equal(t, 1, st.FindingCount)
	assert.Equal(t, 3, st.ActionCount)
	assert.Equal(t, time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC), st.OldestRecord)
	assert.Equal(t, time.Date(2024, 3, 15, 9, 31, 0, 0, time.UTC), st.NewestRecord)
}

func TestFindingByIDNotFound(t *testing.T) {
	s := newTestStore(t, Config{})
	_, err := s.FindingByID("missing")
	assert.True(t, contracts.IsNotFound(err))
}
