// Package poller drives the per-chain scan loop: resolve the block
// window, run the rule engine, execute recommended actions, persist
// evidence, and advance the cursor only when the whole tick succeeded.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/watchtower/pkg/actions"
	"github.com/Mindburn-Labs/watchtower/pkg/chain"
	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
	"github.com/Mindburn-Labs/watchtower/pkg/cursor"
	"github.com/Mindburn-Labs/watchtower/pkg/evidence"
	"github.com/Mindburn-Labs/watchtower/pkg/metrics"
	"github.com/Mindburn-Labs/watchtower/pkg/rules"
	"github.com/Mindburn-Labs/watchtower/pkg/webhook"
)

// Config tunes one chain watcher.
type Config struct {
	TickInterval   time.Duration
	LookbackBlocks int64
	Confirmations  int64
	RuleTimeout    time.Duration
}

// Deps are the collaborators one watcher drives. Evidence, Notifier,
// Metrics, and Tracer may be nil.
type Deps struct {
	Provider chain.Provider
	Cursor   *cursor.Store
	Engine   *rules.Engine
	Executor *actions.Executor
	Evidence *evidence.Store
	Notifier *webhook.Notifier
	Metrics  *metrics.Metrics
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

// TickOptions override one on-demand tick.
type TickOptions struct {
	// RuleIDs restricts the run to the named rules.
	RuleIDs []string
	// LookbackBlocks, when positive, scans that far back from the tip
	// instead of resuming from the cursor.
	LookbackBlocks int64
}

// TickReport summarises one completed tick.
type TickReport struct {
	ChainID       string                   `json:"chainId"`
	StartBlock    *contracts.BigInt        `json:"startBlock,omitempty"`
	EndBlock      *contracts.BigInt        `json:"endBlock,omitempty"`
	Skipped       bool                     `json:"skipped"`
	RulesExecuted int                      `json:"rulesExecuted"`
	RulesFailed   int                      `json:"rulesFailed"`
	Findings      []contracts.Finding      `json:"findings"`
	Actions       []contracts.ActionResult `json:"actions"`
}

// Watcher owns one chain's scan loop. Ticks never overlap: Run drives
// them sequentially, and on-demand scans share the same mutex-free
// path only through Run's goroutine or an idle watcher.
type Watcher struct {
	cfg  Config
	deps Deps
}

// New builds a watcher.
func New(cfg Config, deps Deps) *Watcher {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 15 * time.Second
	}
	if cfg.LookbackBlocks <= 0 {
		cfg.LookbackBlocks = 1_000
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Watcher{cfg: cfg, deps: deps}
}

// Run ticks until ctx is cancelled. The in-flight tick always
// completes before Run returns; tick errors are logged and counted,
// never fatal to the loop.
func (w *Watcher) Run(ctx context.Context) {
	chainID := w.deps.Provider.ChainID()
	w.deps.Logger.Info("watcher started",
		"chainId", chainID, "interval", w.cfg.TickInterval)

	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()
	for {
		if _, err := w.Tick(ctx, TickOptions{}); err != nil {
			w.deps.Logger.Error("tick failed", "chainId", chainID, "error", err)
			w.deps.Metrics.RecordError("tick", chainID)
		}
		select {
		case <-ctx.Done():
			w.deps.Logger.Info("watcher stopped", "chainId", chainID)
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one scan. The cursor advances only after findings were
// executed and persisted, so a failed tick is re-run from the same
// start block and the action ledger absorbs the replay.
func (w *Watcher) Tick(ctx context.Context, opts TickOptions) (TickReport, error) {
	chainID := w.deps.Provider.ChainID()
	report := TickReport{ChainID: chainID}

	if w.deps.Tracer != nil {
		var span trace.Span
		ctx, span = w.deps.Tracer.Start(ctx, "watchtower.tick",
			trace.WithAttributes(attribute.String("chain.id", chainID)))
		defer span.End()
	}

	w.deps.Metrics.ScanStarted(chainID)
	defer w.deps.Metrics.ScanFinished(chainID)

	tip, err := w.deps.Provider.BlockNumber(ctx)
	if err != nil {
		return report, fmt.Errorf("block number: %w", err)
	}

	last, hasLast := w.deps.Cursor.Last()
	lookback := w.cfg.LookbackBlocks
	if opts.LookbackBlocks > 0 {
		hasLast = false
		lookback = opts.LookbackBlocks
	}
	start, end, ok := cursor.Range(last, hasLast, tip, lookback, w.cfg.Confirmations)
	if !ok {
		report.Skipped = true
		return report, nil
	}
	report.StartBlock, report.EndBlock = start, end

	ts, err := w.deps.Provider.BlockTimestamp(ctx, end)
	if err != nil {
		return report, fmt.Errorf("block timestamp: %w", err)
	}

	batch := w.deps.Engine.Execute(ctx, rules.NewContext(w.deps.Provider, end, ts), rules.ExecOptions{
		RuleIDs: opts.RuleIDs,
		Timeout: w.cfg.RuleTimeout,
	})
	report.RulesExecuted = batch.RulesExecuted
	report.RulesFailed = batch.RulesFailed
	for _, res := range batch.Results {
		if res.Err != nil {
			w.deps.Metrics.RecordError("rule", chainID)
		}
	}

	findings := batch.Findings()
	report.Findings = findings
	for _, f := range findings {
		w.deps.Metrics.RecordAlert(f.RuleID, string(f.Severity), chainID)
	}

	results := w.deps.Executor.ExecuteActions(ctx, findings)
	report.Actions = results
	for _, r := range results {
		status := "failed"
		if r.Success {
			status = "success"
		}
		w.deps.Metrics.RecordAction(string(r.ActionType), status, chainID)
	}

	for _, f := range findings {
		if err := w.deps.Evidence.AppendFinding(contracts.FindingRecord{Finding: f, ChainID: chainID}); err != nil {
			return report, fmt.Errorf("append finding %s: %w", f.ID, err)
		}
	}
	for _, r := range results {
		if err := w.deps.Evidence.AppendAction(contracts.ActionResultRecord{ActionResult: r, ChainID: chainID}); err != nil {
			return report, fmt.Errorf("append action for %s: %w", r.FindingID, err)
		}
	}

	// Webhook delivery is best-effort: a down receiver must not hold
	// the cursor back.
	for _, f := range findings {
		if err := w.deps.Notifier.Send(ctx, "finding.created", f); err != nil {
			w.deps.Metrics.RecordError("webhook", chainID)
		}
	}

	if err := w.deps.Cursor.Update(end); err != nil {
		return report, fmt.Errorf("advance cursor: %w", err)
	}
	w.deps.Metrics.RecordTick(chainID)
	w.deps.Metrics.SetLastBlock(chainID, end.Big().Int64())

	w.deps.Logger.Info("tick complete",
		"chainId", chainID, "start", start.String(), "end", end.String(),
		"findings", len(findings), "actions", len(results), "rulesFailed", batch.RulesFailed)
	return report, nil
}
