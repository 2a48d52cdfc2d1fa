package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/watchtower/pkg/chain"
	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// deadlineSoonWindow is how close a deadline has to be before the
// sample rule asks for eyes on it.
const deadlineSoonWindow = 10 * time.Minute

// Sample is the reference rule shipped with the watchtower: it raises
// a manual-review finding for receipts whose challenge deadline is
// about to expire. Operators use it as a template for their own rules.
type Sample struct{}

func (Sample) Meta() Meta {
	return Meta{
		ID:               "SAMPLE-001",
		Name:             "Deadline approaching",
		Description:      "Flags receipts whose challenge deadline expires within ten minutes",
		DefaultSeverity:  contracts.SeverityMedium,
		Category:         contracts.CategoryReceipt,
		EnabledByDefault: true,
		Version:          "1.0.0",
	}
}

func (Sample) Evaluate(ctx context.Context, cc ChainContext) ([]contracts.Finding, error) {
	receipts, err := cc.ReceiptsInChallengeWindow(ctx)
	if err != nil {
		return nil, err
	}

	now := cc.BlockTimestamp()
	var findings []contracts.Finding
	for _, receipt := range receipts {
		if receipt.Status != chain.ReceiptPending || receipt.ChallengeDeadline.IsZero() {
			continue
		}
		remaining := receipt.ChallengeDeadline.Sub(now)
		if remaining <= 0 || remaining > deadlineSoonWindow {
			continue
		}
		findings = append(findings, contracts.Finding{
			ID:          contracts.NewFindingID("SAMPLE-001", cc.CurrentBlock(), now),
			RuleID:      "SAMPLE-001",
			Title:       fmt.Sprintf("Challenge deadline imminent: %s", receipt.ReceiptID),
			Description: fmt.Sprintf("Receipt %s can only be challenged for another %ds", receipt.ReceiptID, int64(remaining.Seconds())),
			Severity:    contracts.SeverityMedium,
			Category:    contracts.CategoryReceipt,
			CreatedAt:   now,
			BlockNumber: cc.CurrentBlock(),
			SolverID:    receipt.SolverID,
			ReceiptID:   receipt.ReceiptID,
			Metadata: map[string]any{
				"challengeDeadline": receipt.ChallengeDeadline.UTC().Format(time.RFC3339),
				"secondsRemaining":  int64(remaining.Seconds()),
			},
			RecommendedAction: contracts.ActionManualReview,
		})
	}
	return findings, nil
}
