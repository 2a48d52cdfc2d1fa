package canonicaljson

import (
	"testing"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

func TestMarshalSortsKeys(t *testing.T) {
	got, err := Marshal(map[string]any{"zeta": 1, "alpha": 2, "mid": map[string]any{"b": 1, "a": 2}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"alpha":2,"mid":{"a":2,"b":1},"zeta":1}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMarshalMinimalNumbers(t *testing.T) {
	got, err := Marshal(map[string]any{"w": 0.1, "n": 100.0, "z": 0})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"n":100,"w":0.1,"z":0}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMarshalNoHTMLEscaping(t *testing.T) {
	got, err := Marshal(map[string]string{"u": "https://a.example/x?y=1&z=2"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"u":"https://a.example/x?y=1&z=2"}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestHashStableAcrossKeyOrder(t *testing.T) {
	a, err := Hash(map[string]any{"agentId": "a1", "overallRisk": 40})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Hash(map[string]any{"overallRisk": 40, "agentId": "a1"})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("hash must not depend on key order: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected hex sha256, got %q", a)
	}
}

func TestNormalizeEvidence(t *testing.T) {
	refs := []contracts.EvidenceRef{
		{Type: "tx", Ref: "0xb"},
		{Type: "card", Ref: "sha256:1"},
		{Type: "tx", Ref: "0xa"},
		{Type: "tx", Ref: "0xb"},
	}
	got := NormalizeEvidence(refs)
	want := []contracts.EvidenceRef{
		{Type: "card", Ref: "sha256:1"},
		{Type: "tx", Ref: "0xa"},
		{Type: "tx", Ref: "0xb"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d refs, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ref %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSortSignalsOrderIndependence(t *testing.T) {
	s1 := contracts.Signal{SignalID: "ID_NEWBORN", Severity: contracts.SeverityMedium, Weight: 0.3}
	s2 := contracts.Signal{SignalID: "BE_VERIFIED_OK", Severity: contracts.SeverityLow, Weight: 0.1}
	s3 := contracts.Signal{SignalID: "ID_NEWBORN", Severity: contracts.SeverityHigh, Weight: 0.8}

	a := SortSignals([]contracts.Signal{s1, s2, s3})
	b := SortSignals([]contracts.Signal{s3, s1, s2})

	ha, err := Hash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := Hash(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Error("sorted signal lists must hash identically regardless of input order")
	}
	if a[0].SignalID != "BE_VERIFIED_OK" {
		t.Errorf("expected BE_VERIFIED_OK first, got %s", a[0].SignalID)
	}
}
