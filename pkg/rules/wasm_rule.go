package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// wasmMemoryPages caps plugin memory at 16 MiB (64 KiB pages).
const wasmMemoryPages = 256

// wasmInput is the JSON the plugin receives on stdin.
type wasmInput struct {
	CurrentBlock   string         `json:"currentBlock"`
	BlockTimestamp int64          `json:"blockTimestamp"`
	ChainID        string         `json:"chainId"`
	Receipts       []wasmReceipt  `json:"receipts"`
}

type wasmReceipt struct {
	ReceiptID         string `json:"receiptId"`
	IntentHash        string `json:"intentHash,omitempty"`
	SolverID          string `json:"solverId,omitempty"`
	Status            string `json:"status"`
	ChallengeDeadline int64  `json:"challengeDeadline,omitempty"`
	AmountWei         string `json:"amountWei,omitempty"`
}

// wasmOutput is the JSON the plugin writes to stdout.
type wasmOutput struct {
	Findings []struct {
		Title       string         `json:"title"`
		Description string         `json:"description"`
		Severity    string         `json:"severity,omitempty"`
		ReceiptID   string         `json:"receiptId,omitempty"`
		SolverID    string         `json:"solverId,omitempty"`
		Metadata    map[string]any `json:"metadata,omitempty"`
	} `json:"findings"`
}

// WasmRule runs an operator-supplied WASM module as a rule. The module
// executes deny-by-default: no filesystem, no network, no environment,
// memory capped, wall time bounded by the engine's per-rule timeout.
// Receipts go in on stdin as JSON; findings come back on stdout.
type WasmRule struct {
	meta      Meta
	action    contracts.ActionType
	wasmBytes []byte
	runtime   wazero.Runtime
	compiled  wazero.CompiledModule
}

// NewWasmRule loads and pre-compiles the module at def.Module.
func NewWasmRule(ctx context.Context, def CustomRuleDef) (*WasmRule, error) {
	wasmBytes, err := os.ReadFile(def.Module)
	if err != nil {
		return nil, &contracts.IOError{Op: "read wasm module", Path: def.Module, Err: err}
	}

	runtime := wazero.NewRuntimeWithConfig(ctx,
		wazero.NewRuntimeConfig().WithMemoryLimitPages(wasmMemoryPages).WithCloseOnContextDone(true))
	wasi_snapshot_preview1.MustInstantiate(ctx, runtime)

	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, &contracts.ValidationError{Field: "module", Msg: fmt.Sprintf("rule %s: compile %s: %v", def.ID, def.Module, err)}
	}

	return &WasmRule{
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
		wasmBytes: wasmBytes,
		runtime:   runtime,
		compiled:  compiled,
	}, nil
}

func (r *WasmRule) Meta() Meta { return r.meta }

// Close releases the wazero runtime.
func (r *WasmRule) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

func (r *WasmRule) Evaluate(ctx context.Context, cc ChainContext) ([]contracts.Finding, error) {
	receipts, err := cc.ReceiptsInChallengeWindow(ctx)
	if err != nil {
		return nil, err
	}

	input := wasmInput{
		CurrentBlock:   cc.CurrentBlock().String(),
		BlockTimestamp: cc.BlockTimestamp().Unix(),
		ChainID:        cc.ChainID(),
	}
	for _, receipt := range receipts {
		wr := wasmReceipt{
			ReceiptID:  receipt.ReceiptID,
			IntentHash: receipt.IntentHash,
			SolverID:   receipt.SolverID,
			Status:     receipt.Status,
		}
		if !receipt.ChallengeDeadline.IsZero() {
			wr.ChallengeDeadline = receipt.ChallengeDeadline.Unix()
		}
		if receipt.Amount != nil {
			wr.AmountWei = receipt.Amount.String()
		}
		input.Receipts = append(input.Receipts, wr)
	}
	stdin, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode wasm input: %w", err)
	}

	var stdout, stderr bytes.Buffer
	// Deny-by-default: no FS mount, no env, no host random or clock.
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(stdin)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := r.runtime.InstantiateModule(ctx, r.compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &contracts.TimeoutError{Op: "wasm rule " + r.meta.ID, After: 0}
		}
		return nil, fmt.Errorf("wasm rule %s: %w (stderr: %s)", r.meta.ID, err, stderr.String())
	}
	_ = mod.Close(ctx)

	var out wasmOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("wasm rule %s: bad output: %w", r.meta.ID, err)
	}

	now := cc.BlockTimestamp()
	findings := make([]contracts.Finding, 0, len(out.Findings))
	for _, f := range out.Findings {
		severity := r.meta.DefaultSeverity
		if f.Severity != "" {
			if s, err := contracts.ParseSeverity(f.Severity); err == nil {
				severity = s
			}
		}
		findings = append(findings, contracts.Finding{
			ID:                contracts.NewFindingID(r.meta.ID, cc.CurrentBlock(), now),
			RuleID:            r.meta.ID,
			Title:             f.Title,
			Description:       f.Description,
			Severity:          severity,
			Category:          r.meta.Category,
			CreatedAt:         now,
			BlockNumber:       cc.CurrentBlock(),
			SolverID:          f.SolverID,
			ReceiptID:         f.ReceiptID,
			Metadata:          f.Metadata,
			RecommendedAction: r.action,
		})
	}
	return findings, nil
}
