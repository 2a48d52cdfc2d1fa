package contracts

import (
	"encoding/json"
	"fmt"
	"math/big"
	"testing"
	"time"
)

func TestSeverityOrdering(t *testing.T) {
	order := []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Fatalf("%s should rank below %s", order[i-1], order[i])
		}
	}
	if Severity("BOGUS").Rank() != -1 {
		t.Errorf("unknown severity should rank -1")
	}
}

func TestParseSeverity(t *testing.T) {
	if _, err := ParseSeverity("HIGH"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ParseSeverity("severe"); err == nil {
		t.Fatal("expected error for unknown severity")
	}
}

func TestLedgerActionFor(t *testing.T) {
	cases := []struct {
		in     ActionType
		want   LedgerAction
		record bool
	}{
		{ActionOpenDispute, LedgerOpenDispute, true},
		{ActionSubmitEvidence, LedgerSubmitEvidence, true},
		{ActionNone, "", false},
		{ActionEscalate, "", false},
		{ActionNotify, "", false},
		{ActionManualReview, "", false},
	}
	for _, tc := range cases {
		got, record, err := LedgerActionFor(tc.in)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.in, err)
		}
		if got != tc.want || record != tc.record {
			t.Errorf("%s: got (%q,%v), want (%q,%v)", tc.in, got, record, tc.want, tc.record)
		}
	}
	if _, _, err := LedgerActionFor(ActionType("FREEZE")); err == nil {
		t.Fatal("unmapped action type must error")
	}
}

func TestBigIntJSON(t *testing.T) {
	b := NewBigInt(12345678901234)
	data, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"12345678901234"` {
		t.Fatalf("got %s, want decimal string", data)
	}

	var fromString BigInt
	if err := json.Unmarshal([]byte(`"987654321"`), &fromString); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	if fromString.String() != "987654321" {
		t.Errorf("got %s", fromString.String())
	}

	// Older files wrote small values as bare numbers.
	var fromNumber BigInt
	if err := json.Unmarshal([]byte(`42`), &fromNumber); err != nil {
		t.Fatalf("unmarshal number: %v", err)
	}
	if fromNumber.String() != "42" {
		t.Errorf("got %s", fromNumber.String())
	}

	var bad BigInt
	if err := json.Unmarshal([]byte(`"1.5"`), &bad); err == nil {
		t.Fatal("fractional input must fail")
	}
}

func TestBigIntExceedsUint64(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 90)
	b := FromBig(huge)
	round, err := NewBigIntFromString(b.String())
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if round.Cmp(b) != 0 {
		t.Errorf("lost precision: %s vs %s", round, b)
	}
}

func TestNewFindingID(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	id := NewFindingID("RECEIPT_STALE", NewBigInt(1000000), at)
	prefix := fmt.Sprintf("RECEIPT_STALE-1000000-%d-", at.UnixMilli())
	if len(id) != len(prefix)+8 {
		t.Fatalf("unexpected id shape: %s", id)
	}
	if id[:len(prefix)] != prefix {
		t.Errorf("id %s missing prefix %s", id, prefix)
	}
	other := NewFindingID("RECEIPT_STALE", NewBigInt(1000000), at)
	if other == id {
		t.Error("suffix should differ between calls")
	}
}

func TestErrorPredicates(t *testing.T) {
	nf := fmt.Errorf("wrap: %w", &NotFoundError{Kind: "receipt", Key: "0xabc"})
	if !IsNotFound(nf) {
		t.Error("IsNotFound through wrapping")
	}
	if IsNotFound(fmt.Errorf("plain")) {
		t.Error("false positive")
	}
	ar := &ActionAlreadyRecordedError{ReceiptID: "0xabc"}
	if !IsAlreadyRecorded(fmt.Errorf("record: %w", ar)) {
		t.Error("IsAlreadyRecorded through wrapping")
	}
	if !IsValidation(&ValidationError{Field: "chainId", Msg: "empty"}) {
		t.Error("IsValidation direct")
	}
}

func TestFindingRecordFlattens(t *testing.T) {
	f := Finding{
		ID:                "R-1-1-abcd1234",
		RuleID:            "R",
		Severity:          SeverityHigh,
		Category:          CategoryReceipt,
		CreatedAt:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		BlockNumber:       NewBigInt(100),
		RecommendedAction: ActionOpenDispute,
	}
	data, err := json.Marshal(FindingRecord{Finding: f, ChainID: "11155111"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["chainId"] != "11155111" {
		t.Errorf("chainId missing from flattened record: %v", m)
	}
	if m["ruleId"] != "R" {
		t.Errorf("embedded finding fields must flatten: %v", m)
	}
	if m["blockNumber"] != "100" {
		t.Errorf("block number must be a decimal string: %v", m["blockNumber"])
	}
}
