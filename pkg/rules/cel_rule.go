package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/watchtower/pkg/chain"
	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
	"github.com/Mindburn-Labs/watchtower/pkg/rules/celpred"
)

// CelRule is an operator-defined rule: a CEL predicate applied to each
// receipt in the challenge window. Loaded from the custom-rules file
// and registered after the built-ins with the same engine guarantees.
type CelRule struct {
	meta      Meta
	action    contracts.ActionType
	predicate *celpred.Predicate
}

// NewCelRule compiles the expression into a rule.
func NewCelRule(def CustomRuleDef) (*CelRule, error) {
	predicate, err := celpred.Compile(def.Expression)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", def.ID, err)
	}
	return &CelRule{
		meta: Meta{
			ID:               def.ID,
			Name:             def.Name,
			Description:      def.Description,
			DefaultSeverity:  def.Severity,
			Category:         def.Category,
			EnabledByDefault: true,
			Version:          "1.0.0",
		},
		action:    def.Action,
		predicate: predicate,
	}, nil
}

func (r *CelRule) Meta() Meta { return r.meta }

func (r *CelRule) Evaluate(ctx context.Context, cc ChainContext) ([]contracts.Finding, error) {
	receipts, err := cc.ReceiptsInChallengeWindow(ctx)
	if err != nil {
		return nil, err
	}

	now := cc.BlockTimestamp()
	var findings []contracts.Finding
	for _, receipt := range receipts {
		match, err := r.predicate.Eval(receiptView(receipt, now))
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}
		findings = append(findings, contracts.Finding{
			ID:          contracts.NewFindingID(r.meta.ID, cc.CurrentBlock(), now),
			RuleID:      r.meta.ID,
			Title:       fmt.Sprintf("%s: %s", r.meta.Name, receipt.ReceiptID),
			Description: fmt.Sprintf("Receipt %s matched predicate %q", receipt.ReceiptID, r.predicate.Source()),
			Severity:    r.meta.DefaultSeverity,
			Category:    r.meta.Category,
			CreatedAt:   now,
			BlockNumber: cc.CurrentBlock(),
			SolverID:    receipt.SolverID,
			ReceiptID:   receipt.ReceiptID,
			Metadata: map[string]any{
				"expression": r.predicate.Source(),
			},
			RecommendedAction: r.action,
		})
	}
	return findings, nil
}

// receiptView is the map the predicate sees. Amounts travel as decimal
// strings; CEL integer comparisons use ageSeconds and deadline epochs.
func receiptView(receipt chain.Receipt, now time.Time) map[string]any {
	view := map[string]any{
		"receiptId":  receipt.ReceiptID,
		"intentHash": receipt.IntentHash,
		"solverId":   receipt.SolverID,
		"status":     receipt.Status,
	}
	if receipt.Amount != nil {
		view["amountWei"] = receipt.Amount.String()
	}
	if !receipt.ChallengeDeadline.IsZero() {
		view["challengeDeadline"] = receipt.ChallengeDeadline.Unix()
		view["ageSeconds"] = now.Unix() - receipt.ChallengeDeadline.Unix()
	}
	return view
}
