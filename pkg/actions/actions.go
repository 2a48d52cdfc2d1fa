// Package actions executes the counter-actions rules recommend. The
// executor enforces the per-batch rate limit and the per-receipt
// idempotency ledger; handlers own the mechanics of each action type.
package actions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
	"github.com/Mindburn-Labs/watchtower/pkg/ledger"
)

// Handler performs one action type. Execute returns the transaction
// hash for on-chain actions and an empty string for off-chain ones.
type Handler interface {
	Execute(ctx context.Context, finding contracts.Finding) (txHash string, err error)
	Healthy(ctx context.Context) error
}

// ExecutorConfig tunes one executor.
type ExecutorConfig struct {
	DryRun            bool
	MaxActionsPerScan int
	Ledger            *ledger.ActionLedger
	Logger            *slog.Logger
}

// Executor runs findings through their recommended actions in order.
type Executor struct {
	dryRun      bool
	maxPerBatch int
	ledger      *ledger.ActionLedger
	handlers    map[contracts.ActionType]Handler
	logger      *slog.Logger
	clock       func() time.Time
}

// NewExecutor builds an executor with no handlers registered.
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		dryRun:      cfg.DryRun,
		maxPerBatch: cfg.MaxActionsPerScan,
		ledger:      cfg.Ledger,
		handlers:    make(map[contracts.ActionType]Handler),
		logger:      logger,
		clock:       time.Now,
	}
}

// WithClock replaces the timestamp source.
func (e *Executor) WithClock(clock func() time.Time) *Executor {
	e.clock = clock
	return e
}

// Register binds a handler to an action type, replacing any previous
// binding.
func (e *Executor) Register(t contracts.ActionType, h Handler) {
	e.handlers[t] = h
}

// Healthy probes every registered handler and returns the first
// failure.
func (e *Executor) Healthy(ctx context.Context) error {
	for t, h := range e.handlers {
		if err := h.Healthy(ctx); err != nil {
			return fmt.Errorf("handler %s: %w", t, err)
		}
	}
	return nil
}

// ExecuteActions processes findings in order. Findings recommending
// NONE and receipts already in the ledger are skipped without a
// result. Live actions stop once the per-batch limit is reached;
// dry-run results count against nothing and write nothing.
func (e *Executor) ExecuteActions(ctx context.Context, findings []contracts.Finding) []contracts.ActionResult {
	var results []contracts.ActionResult
	executed := 0

	for _, finding := range findings {
		if executed >= e.maxPerBatch {
			e.logger.Warn("action batch limit reached, remaining findings deferred",
				"limit", e.maxPerBatch, "findingId", finding.ID)
			break
		}
		if finding.RecommendedAction == contracts.ActionNone {
			continue
		}
		if finding.ReceiptID != "" && e.ledger.Has(finding.ReceiptID) {
			e.logger.Info("action already recorded for receipt, skipping",
				"receiptId", finding.ReceiptID, "findingId", finding.ID)
			continue
		}

		if e.dryRun {
			e.logger.Info("dry run, action not executed",
				"action", finding.RecommendedAction, "findingId", finding.ID, "receiptId", finding.ReceiptID)
			results = append(results, contracts.ActionResult{
				FindingID:  finding.ID,
				ReceiptID:  finding.ReceiptID,
				ActionType: finding.RecommendedAction,
				Success:    true,
				DryRun:     true,
				Timestamp:  e.clock().UTC(),
			})
			continue
		}

		results = append(results, e.executeOne(ctx, finding))
		if results[len(results)-1].Success {
			executed++
		}
	}
	return results
}

func (e *Executor) executeOne(ctx context.Context, finding contracts.Finding) contracts.ActionResult {
	result := contracts.ActionResult{
		FindingID:  finding.ID,
		ReceiptID:  finding.ReceiptID,
		ActionType: finding.RecommendedAction,
		Timestamp:  e.clock().UTC(),
	}

	handler, ok := e.handlers[finding.RecommendedAction]
	if !ok {
		result.Error = fmt.Sprintf("No handler for action type: %s", finding.RecommendedAction)
		e.logger.Error("no handler registered", "action", finding.RecommendedAction, "findingId", finding.ID)
		return result
	}

	ledgerAction, record, err := contracts.LedgerActionFor(finding.RecommendedAction)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	txHash, err := handler.Execute(ctx, finding)
	if err != nil {
		result.Error = err.Error()
		e.logger.Error("action failed",
			"action", finding.RecommendedAction, "findingId", finding.ID, "error", err)
		return result
	}

	result.Success = true
	if txHash != "" {
		result.TxHash = &txHash
	}

	if record {
		// The transaction is already on chain at this point, so a
		// ledger write failure downgrades to a logged error rather
		// than failing the result.
		if err := e.ledger.Record(finding.ReceiptID, ledgerAction, txHash, finding.BlockNumber, finding.ID); err != nil {
			e.logger.Error("ledger write failed after successful action",
				"receiptId", finding.ReceiptID, "findingId", finding.ID, "error", err)
		}
	}

	e.logger.Info("action executed",
		"action", finding.RecommendedAction, "findingId", finding.ID,
		"receiptId", finding.ReceiptID, "txHash", txHash)
	return result
}
