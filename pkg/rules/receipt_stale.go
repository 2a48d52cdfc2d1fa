package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/watchtower/pkg/chain"
	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// ReceiptStaleConfig tunes the stale-receipt rule. Allowlists, when
// non-empty, act as inclusive filters: the rule only considers
// receipts whose solver or receipt ID contains one of the lower-cased
// entries as a substring.
type ReceiptStaleConfig struct {
	MinReceiptAgeSeconds int64
	AllowlistSolverIDs   []string
	AllowlistReceiptIDs  []string
}

// ReceiptStale flags receipts whose challenge deadline has passed
// without finalization, recommending a dispute before the window is
// lost for good.
type ReceiptStale struct {
	cfg ReceiptStaleConfig
}

// NewReceiptStale builds the rule.
func NewReceiptStale(cfg ReceiptStaleConfig) *ReceiptStale {
	return &ReceiptStale{cfg: cfg}
}

func (r *ReceiptStale) Meta() Meta {
	return Meta{
		ID:               "RECEIPT_STALE",
		Name:             "Stale receipt detection",
		Description:      "Flags pending receipts past their challenge deadline with no dispute open",
		DefaultSeverity:  contracts.SeverityHigh,
		Category:         contracts.CategoryReceipt,
		EnabledByDefault: true,
		Version:          "1.0.0",
	}
}

func (r *ReceiptStale) Evaluate(ctx context.Context, cc ChainContext) ([]contracts.Finding, error) {
	receipts, err := cc.ReceiptsInChallengeWindow(ctx)
	if err != nil {
		return nil, err
	}
	disputes, err := cc.ActiveDisputes(ctx)
	if err != nil {
		return nil, err
	}
	disputed := make(map[string]bool, len(disputes))
	for _, d := range disputes {
		disputed[strings.ToLower(d.ReceiptID)] = true
	}

	now := cc.BlockTimestamp()
	var findings []contracts.Finding
	for _, receipt := range receipts {
		if receipt.Status != chain.ReceiptPending {
			continue
		}
		if disputed[strings.ToLower(receipt.ReceiptID)] {
			continue
		}
		if receipt.ChallengeDeadline.IsZero() || !receipt.ChallengeDeadline.Before(now) {
			continue
		}
		age := int64(now.Sub(receipt.ChallengeDeadline).Seconds())
		if age <= r.cfg.MinReceiptAgeSeconds {
			continue
		}
		if !allowlisted(receipt.SolverID, r.cfg.AllowlistSolverIDs) {
			continue
		}
		if !allowlisted(receipt.ReceiptID, r.cfg.AllowlistReceiptIDs) {
			continue
		}

		findings = append(findings, contracts.Finding{
			ID:          contracts.NewFindingID("RECEIPT_STALE", cc.CurrentBlock(), now),
			RuleID:      "RECEIPT_STALE",
			Title:       fmt.Sprintf("Stale receipt detected: %s", receipt.ReceiptID),
			Description: fmt.Sprintf("Receipt %s passed its challenge deadline %ds ago without finalization or dispute", receipt.ReceiptID, age),
			Severity:    contracts.SeverityHigh,
			Category:    contracts.CategoryReceipt,
			CreatedAt:   now,
			BlockNumber: cc.CurrentBlock(),
			SolverID:    receipt.SolverID,
			ReceiptID:   receipt.ReceiptID,
			Metadata: map[string]any{
				"challengeDeadline": receipt.ChallengeDeadline.UTC().Format("2006-01-02T15:04:05Z07:00"),
				"ageSeconds":        age,
				"intentHash":        receipt.IntentHash,
				"receiptStatus":     receipt.Status,
			},
			RecommendedAction: contracts.ActionOpenDispute,
		})
	}
	return findings, nil
}

// allowlisted applies the inclusive-filter semantics: an empty list
// matches everything; otherwise the lower-cased value must contain one
// of the entries.
func allowlisted(value string, list []string) bool {
	if len(list) == 0 {
		return true
	}
	v := strings.ToLower(value)
	for _, entry := range list {
		if entry != "" && strings.Contains(v, strings.ToLower(entry)) {
			return true
		}
	}
	return false
}
