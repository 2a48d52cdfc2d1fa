package rules

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/Mindburn-Labs/watchtower/pkg/chain"
	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// DelegationPaymentConfig tunes the delegated-payment rule.
type DelegationPaymentConfig struct {
	// FacilitatorAddress is the only contract whose settlements count.
	FacilitatorAddress string
	// WindowBlocks is the scan window ending at the current block.
	WindowBlocks int64
	// AmountThresholdWei flags single settlements above this value.
	AmountThresholdWei *contracts.BigInt
	// MaxSettlementsPerEpoch flags delegation hashes settling more
	// often than this inside the window.
	MaxSettlementsPerEpoch int
}

// DelegationPayment watches DelegatedPaymentSettled events from the
// payment facilitator for oversized settlements and replayed
// delegation hashes.
type DelegationPayment struct {
	cfg DelegationPaymentConfig
}

// NewDelegationPayment builds the rule.
func NewDelegationPayment(cfg DelegationPaymentConfig) *DelegationPayment {
	if cfg.WindowBlocks <= 0 {
		cfg.WindowBlocks = 1000
	}
	if cfg.MaxSettlementsPerEpoch <= 0 {
		cfg.MaxSettlementsPerEpoch = 10
	}
	cfg.FacilitatorAddress = strings.ToLower(cfg.FacilitatorAddress)
	return &DelegationPayment{cfg: cfg}
}

func (r *DelegationPayment) Meta() Meta {
	return Meta{
		ID:               "DELEGATION_PAYMENT",
		Name:             "Delegated payment anomaly",
		Description:      "Flags oversized delegated settlements and delegation hashes settling too often",
		DefaultSeverity:  contracts.SeverityHigh,
		Category:         contracts.CategoryEscrow,
		EnabledByDefault: true,
		Version:          "1.0.0",
	}
}

func (r *DelegationPayment) Evaluate(ctx context.Context, cc ChainContext) ([]contracts.Finding, error) {
	if r.cfg.FacilitatorAddress == "" {
		return nil, nil
	}
	current := cc.CurrentBlock()
	from := current.Add(-r.cfg.WindowBlocks)
	if from.Cmp(contracts.NewBigInt(1)) < 0 {
		from = contracts.NewBigInt(1)
	}
	events, err := cc.Events(ctx, from, current)
	if err != nil {
		return nil, err
	}

	now := cc.BlockTimestamp()
	type tally struct {
		count int
		total *big.Int
	}
	settlements := make(map[string]*tally)
	var hashOrder []string

	var findings []contracts.Finding
	for _, ev := range events {
		if ev.Name != "DelegatedPaymentSettled" || ev.Address != r.cfg.FacilitatorAddress {
			continue
		}
		hash, _ := ev.Data["delegationHash"].(string)
		amount, _ := ev.Data["amount"].(*contracts.BigInt)
		if hash == "" || amount == nil {
			continue
		}

		t, ok := settlements[hash]
		if !ok {
			t = &tally{total: new(big.Int)}
			settlements[hash] = t
			hashOrder = append(hashOrder, hash)
		}
		t.count++
		t.total.Add(t.total, amount.Big())

		if r.cfg.AmountThresholdWei != nil && amount.Cmp(r.cfg.AmountThresholdWei) > 0 {
			findings = append(findings, contracts.Finding{
				ID:          contracts.NewFindingID("DELEGATION_PAYMENT", cc.CurrentBlock(), now),
				RuleID:      "DELEGATION_PAYMENT",
				Title:       fmt.Sprintf("Large delegated settlement: %s wei", amount),
				Description: fmt.Sprintf("Delegation %s settled %s wei, above the %s wei threshold", hash, amount, r.cfg.AmountThresholdWei),
				Severity:    contracts.SeverityHigh,
				Category:    contracts.CategoryEscrow,
				CreatedAt:   now,
				BlockNumber: ev.BlockNumber,
				TxHash:      ev.TxHash,
				ContractAddress: r.cfg.FacilitatorAddress,
				Metadata: map[string]any{
					"delegationHash": hash,
					"amountWei":      amount.String(),
					"thresholdWei":   r.cfg.AmountThresholdWei.String(),
				},
				RecommendedAction: contracts.ActionManualReview,
			})
		}
	}

	for _, hash := range hashOrder {
		t := settlements[hash]
		if t.count <= r.cfg.MaxSettlementsPerEpoch {
			continue
		}
		findings = append(findings, contracts.Finding{
			ID:          contracts.NewFindingID("DELEGATION_PAYMENT", cc.CurrentBlock(), now),
			RuleID:      "DELEGATION_PAYMENT",
			Title:       fmt.Sprintf("Delegation hash settled %d times in window", t.count),
			Description: fmt.Sprintf("Delegation %s settled %d times in the last %d blocks (limit %d)", hash, t.count, r.cfg.WindowBlocks, r.cfg.MaxSettlementsPerEpoch),
			Severity:    contracts.SeverityMedium,
			Category:    contracts.CategoryEscrow,
			CreatedAt:   now,
			BlockNumber: cc.CurrentBlock(),
			ContractAddress: r.cfg.FacilitatorAddress,
			Metadata: map[string]any{
				"delegationHash":  hash,
				"settlementCount": t.count,
				"totalAmountWei":  t.total.String(),
				"windowBlocks":    r.cfg.WindowBlocks,
			},
			RecommendedAction: contracts.ActionNotify,
		})
	}
	return findings, nil
}
