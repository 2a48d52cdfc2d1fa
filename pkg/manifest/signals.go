package manifest

import (
	"sort"

	"github.com/Mindburn-Labs/watchtower/pkg/canonicaljson"
	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// signalIDFor maps a failure code onto its behaviour-signal ID. Codes
// without a special name use the BE_ prefix verbatim.
func signalIDFor(code contracts.ManifestFailureCode) string {
	if code == contracts.ArtifactNotFound {
		return "BE_ARTIFACT_MISSING"
	}
	return "BE_" + string(code)
}

// Signals converts a verification result into behaviour signals. A
// clean result yields one BE_VERIFIED_OK; otherwise one CRITICAL
// signal per distinct failure code, its evidence listing every
// offending path.
func Signals(result *Result, observedAt int64) []contracts.Signal {
	if result.OK() {
		return []contracts.Signal{{
			SignalID:   "BE_VERIFIED_OK",
			Severity:   contracts.SeverityLow,
			Weight:     0.1,
			ObservedAt: observedAt,
			Evidence: canonicaljson.NormalizeEvidence([]contracts.EvidenceRef{
				{Type: "manifest", Ref: result.ManifestSha256},
			}),
		}}
	}

	byCode := make(map[contracts.ManifestFailureCode][]contracts.EvidenceRef)
	var codes []contracts.ManifestFailureCode
	for _, failure := range result.Failures {
		if _, seen := byCode[failure.Code]; !seen {
			codes = append(codes, failure.Code)
		}
		ref := failure.Path
		if ref == "" {
			ref = failure.Detail
		}
		byCode[failure.Code] = append(byCode[failure.Code], contracts.EvidenceRef{Type: "artifact", Ref: ref})
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

	signals := make([]contracts.Signal, 0, len(codes))
	for _, code := range codes {
		signals = append(signals, contracts.Signal{
			SignalID:   signalIDFor(code),
			Severity:   contracts.SeverityCritical,
			Weight:     1.0,
			ObservedAt: observedAt,
			Evidence:   canonicaljson.NormalizeEvidence(byCode[code]),
		})
	}
	return signals
}
