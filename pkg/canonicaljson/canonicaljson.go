// Package canonicaljson produces the deterministic JSON encoding used
// for every content-addressed identifier in the system: snapshot IDs,
// report IDs, alert IDs, and transparency-leaf IDs. The encoding is
// RFC 8785 (JCS): lexicographically sorted keys, no insignificant
// whitespace, minimal number forms, UTF-8.
package canonicaljson

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// Marshal returns the canonical JSON bytes for v. v is first encoded
// with encoding/json, then transformed to JCS form, so any value that
// json.Marshal accepts is canonicalisable.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: transform: %w", err)
	}
	return out, nil
}

// Hash returns the lower-case hex SHA-256 of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the lower-case hex SHA-256 of b as given.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// String returns the canonical form of v as a string, for logging and
// debugging. It panics on marshal failure; callers pass values they
// just built.
func String(v any) string {
	b, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// NormalizeEvidence sorts evidence refs by (type, ref) and removes
// exact duplicates. Every hashed evidence list passes through here
// first so identical evidence sets hash identically.
func NormalizeEvidence(refs []contracts.EvidenceRef) []contracts.EvidenceRef {
	out := make([]contracts.EvidenceRef, len(refs))
	copy(out, refs)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Ref < out[j].Ref
	})
	dedup := out[:0]
	for i, r := range out {
		if i > 0 && r == out[i-1] {
			continue
		}
		dedup = append(dedup, r)
	}
	return dedup
}

// SortSignals orders signals by (signalId, severity, stringified
// evidence) so that identical signal sets produce identical snapshot
// hashes regardless of collection order. Evidence inside each signal is
// normalised as a side effect.
func SortSignals(signals []contracts.Signal) []contracts.Signal {
	out := make([]contracts.Signal, len(signals))
	copy(out, signals)
	for i := range out {
		out[i].Evidence = NormalizeEvidence(out[i].Evidence)
	}
	key := func(s contracts.Signal) string {
		var b strings.Builder
		for _, e := range s.Evidence {
			b.WriteString(e.Type)
			b.WriteByte(0)
			b.WriteString(e.Ref)
			b.WriteByte(0)
		}
		return b.String()
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SignalID != out[j].SignalID {
			return out[i].SignalID < out[j].SignalID
		}
		if out[i].Severity != out[j].Severity {
			return out[i].Severity < out[j].Severity
		}
		return key(out[i]) < key(out[j])
	})
	return out
}
