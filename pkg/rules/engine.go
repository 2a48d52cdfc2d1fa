package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// DefaultRuleTimeout bounds a single rule evaluation.
const DefaultRuleTimeout = 30 * time.Second

// ExecOptions selects and tunes one engine run.
type ExecOptions struct {
	// RuleIDs restricts execution to the named rules. Empty means the
	// enabled set.
	RuleIDs     []string
	StopOnError bool
	Timeout     time.Duration
}

// RuleResult is the outcome of one rule's evaluation.
type RuleResult struct {
	RuleID     string
	Findings   []contracts.Finding
	Err        error
	DurationMs int64
}

// BatchResult aggregates one engine run.
type BatchResult struct {
	Results       []RuleResult
	TotalFindings int
	RulesExecuted int
	RulesFailed   int
}

// Findings flattens every rule's findings in emission order.
func (b BatchResult) Findings() []contracts.Finding {
	out := make([]contracts.Finding, 0, b.TotalFindings)
	for _, r := range b.Results {
		out = append(out, r.Findings...)
	}
	return out
}

// Engine runs rules sequentially against a chain context.
type Engine struct {
	registry *Registry
	logger   *slog.Logger
}

// NewEngine builds an engine over the registry.
func NewEngine(registry *Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{registry: registry, logger: logger}
}

// Execute runs the selected rules one after another. A rule that
// errors, panics, or times out produces a typed per-rule error result;
// subsequent rules still run unless StopOnError is set. Engine success
// is orthogonal to per-rule success.
func (e *Engine) Execute(ctx context.Context, cc ChainContext, opts ExecOptions) BatchResult {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRuleTimeout
	}

	var selected []Rule
	if len(opts.RuleIDs) > 0 {
		for _, id := range opts.RuleIDs {
			rule, ok := e.registry.Get(id)
			if !ok {
				e.logger.Warn("unknown rule requested", "ruleId", id)
				continue
			}
			selected = append(selected, rule)
		}
	} else {
		selected = e.registry.Enabled()
	}

	var batch BatchResult
	for _, rule := range selected {
		res := e.runOne(ctx, cc, rule, timeout)
		batch.Results = append(batch.Results, res)
		batch.RulesExecuted++
		batch.TotalFindings += len(res.Findings)
		if res.Err != nil {
			batch.RulesFailed++
			e.logger.Error("rule failed", "ruleId", res.RuleID, "error", res.Err, "durationMs", res.DurationMs)
			if opts.StopOnError {
				break
			}
			continue
		}
		e.logger.Debug("rule evaluated", "ruleId", res.RuleID, "findings", len(res.Findings), "durationMs", res.DurationMs)
	}
	return batch
}

type ruleOutcome struct {
	findings []contracts.Finding
	err      error
}

// runOne evaluates a single rule under its timeout. The evaluation
// runs in its own goroutine so a stuck rule cannot stall the tick; a
// timed-out rule yields the synthetic error and never partial findings.
func (e *Engine) runOne(ctx context.Context, cc ChainContext, rule Rule, timeout time.Duration) RuleResult {
	id := rule.Meta().ID
	started := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan ruleOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ruleOutcome{err: fmt.Errorf("rule %s panicked: %v", id, r)}
			}
		}()
		findings, err := rule.Evaluate(evalCtx, cc)
		done <- ruleOutcome{findings: findings, err: err}
	}()

	select {
	case out := <-done:
		return RuleResult{
			RuleID:     id,
			Findings:   out.findings,
			Err:        out.err,
			DurationMs: time.Since(started).Milliseconds(),
		}
	case <-evalCtx.Done():
		return RuleResult{
			RuleID:     id,
			Err:        fmt.Errorf("Rule %s timed out: %w", id, &contracts.TimeoutError{Op: "rule " + id, After: timeout}),
			DurationMs: time.Since(started).Milliseconds(),
		}
	}
}
