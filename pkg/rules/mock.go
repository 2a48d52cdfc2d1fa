package rules

import (
	"context"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// MockAlwaysFind emits one informational finding per evaluation. It is
// registered disabled; test harnesses and smoke checks select it by ID.
type MockAlwaysFind struct{}

func (MockAlwaysFind) Meta() Meta {
	return Meta{
		ID:               "MOCK_ALWAYS_FIND",
		Name:             "Mock always-find",
		Description:      "Emits one INFO finding per evaluation for pipeline smoke checks",
		DefaultSeverity:  contracts.SeverityInfo,
		Category:         contracts.CategorySystem,
		EnabledByDefault: false,
		Version:          "1.0.0",
	}
}

func (MockAlwaysFind) Evaluate(ctx context.Context, cc ChainContext) ([]contracts.Finding, error) {
	now := cc.BlockTimestamp()
	return []contracts.Finding{{
		ID:                contracts.NewFindingID("MOCK_ALWAYS_FIND", cc.CurrentBlock(), now),
		RuleID:            "MOCK_ALWAYS_FIND",
		Title:             "Mock finding",
		Description:       "Pipeline smoke-check finding",
		Severity:          contracts.SeverityInfo,
		Category:          contracts.CategorySystem,
		CreatedAt:         now,
		BlockNumber:       cc.CurrentBlock(),
		RecommendedAction: contracts.ActionNone,
	}}, nil
}
