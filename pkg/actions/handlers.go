package actions

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Mindburn-Labs/watchtower/pkg/canonicaljson"
	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
	"github.com/Mindburn-Labs/watchtower/pkg/signer"
)

// Backend is the chain surface dispute handlers submit through.
// *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Notifier delivers off-chain notifications. The webhook notifier
// satisfies it.
type Notifier interface {
	Send(ctx context.Context, event string, data any) error
}

const disputeABIJSON = `[
  {"type":"function","name":"openDispute","inputs":[{"name":"receiptId","type":"bytes32"}]},
  {"type":"function","name":"submitEvidence","inputs":[{"name":"receiptId","type":"bytes32"},{"name":"evidenceHash","type":"bytes32"}]}
]`

var disputeABI = mustABI(disputeABIJSON)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// defaultDisputeGasLimit covers openDispute and submitEvidence with
// headroom; overridable per handler.
const defaultDisputeGasLimit = 300_000

// txHandler carries the shared machinery for transaction-submitting
// handlers: nonce and fee discovery, signing, broadcast.
type txHandler struct {
	backend  Backend
	signer   signer.Signer
	contract common.Address
	chainID  *big.Int
	gasLimit uint64
	logger   *slog.Logger
}

func newTxHandler(backend Backend, sgn signer.Signer, contract common.Address, chainID *big.Int, logger *slog.Logger) txHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return txHandler{
		backend:  backend,
		signer:   sgn,
		contract: contract,
		chainID:  chainID,
		gasLimit: defaultDisputeGasLimit,
		logger:   logger,
	}
}

func (h *txHandler) Healthy(ctx context.Context) error {
	if err := h.signer.Healthy(ctx); err != nil {
		return err
	}
	_, err := h.backend.SuggestGasPrice(ctx)
	return err
}

// submit builds, signs, and broadcasts one call to the dispute module.
func (h *txHandler) submit(ctx context.Context, data []byte) (string, error) {
	nonce, err := h.backend.PendingNonceAt(ctx, h.signer.Address())
	if err != nil {
		return "", fmt.Errorf("nonce lookup: %w", err)
	}
	tipCap, err := h.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("tip cap lookup: %w", err)
	}
	gasPrice, err := h.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price lookup: %w", err)
	}
	// Fee cap at twice the suggested price rides out base-fee spikes
	// between build and inclusion.
	feeCap := new(big.Int).Mul(gasPrice, big.NewInt(2))

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   h.chainID,
		Nonce:     nonce,
		To:        &h.contract,
		Gas:       h.gasLimit,
		GasFeeCap: feeCap,
		GasTipCap: tipCap,
		Data:      data,
	})
	signed, err := h.signer.SignTransaction(ctx, tx)
	if err != nil {
		return "", err
	}
	if err := h.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// OpenDisputeHandler challenges a receipt on the dispute module.
type OpenDisputeHandler struct {
	txHandler
}

// NewOpenDisputeHandler binds the handler to the dispute contract.
func NewOpenDisputeHandler(backend Backend, sgn signer.Signer, contract common.Address, chainID *big.Int, logger *slog.Logger) *OpenDisputeHandler {
	return &OpenDisputeHandler{txHandler: newTxHandler(backend, sgn, contract, chainID, logger)}
}

func (h *OpenDisputeHandler) Execute(ctx context.Context, finding contracts.Finding) (string, error) {
	if finding.ReceiptID == "" {
		return "", &contracts.ValidationError{Field: "receiptId", Msg: "open dispute needs a receipt id"}
	}
	data, err := disputeABI.Pack("openDispute", common.HexToHash(finding.ReceiptID))
	if err != nil {
		return "", fmt.Errorf("encode openDispute: %w", err)
	}
	txHash, err := h.submit(ctx, data)
	if err != nil {
		return "", err
	}
	h.logger.Info("dispute opened", "receiptId", finding.ReceiptID, "txHash", txHash)
	return txHash, nil
}

// SubmitEvidenceHandler posts the finding's evidence hash against a
// receipt already under dispute.
type SubmitEvidenceHandler struct {
	txHandler
}

// NewSubmitEvidenceHandler binds the handler to the dispute contract.
func NewSubmitEvidenceHandler(backend Backend, sgn signer.Signer, contract common.Address, chainID *big.Int, logger *slog.Logger) *SubmitEvidenceHandler {
	return &SubmitEvidenceHandler{txHandler: newTxHandler(backend, sgn, contract, chainID, logger)}
}

func (h *SubmitEvidenceHandler) Execute(ctx context.Context, finding contracts.Finding) (string, error) {
	if finding.ReceiptID == "" {
		return "", &contracts.ValidationError{Field: "receiptId", Msg: "submit evidence needs a receipt id"}
	}
	// The on-chain commitment is the canonical hash of the finding;
	// the full record stays in the evidence store for verification.
	findingHash, err := canonicaljson.Hash(finding)
	if err != nil {
		return "", fmt.Errorf("hash finding: %w", err)
	}
	data, err := disputeABI.Pack("submitEvidence",
		common.HexToHash(finding.ReceiptID), common.HexToHash("0x"+findingHash))
	if err != nil {
		return "", fmt.Errorf("encode submitEvidence: %w", err)
	}
	txHash, err := h.submit(ctx, data)
	if err != nil {
		return "", err
	}
	h.logger.Info("evidence submitted", "receiptId", finding.ReceiptID, "txHash", txHash)
	return txHash, nil
}

// NotifyHandler delivers a finding to the configured webhook endpoint.
type NotifyHandler struct {
	notifier Notifier
}

// NewNotifyHandler wraps a notifier.
func NewNotifyHandler(notifier Notifier) *NotifyHandler {
	return &NotifyHandler{notifier: notifier}
}

func (h *NotifyHandler) Execute(ctx context.Context, finding contracts.Finding) (string, error) {
	if err := h.notifier.Send(ctx, "finding.notify", finding); err != nil {
		return "", err
	}
	return "", nil
}

func (h *NotifyHandler) Healthy(ctx context.Context) error { return nil }

// ManualReviewHandler flags a finding for an operator. The result in
// the evidence store is the review queue; nothing touches the chain.
type ManualReviewHandler struct {
	logger *slog.Logger
}

// NewManualReviewHandler builds the handler.
func NewManualReviewHandler(logger *slog.Logger) *ManualReviewHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ManualReviewHandler{logger: logger}
}

func (h *ManualReviewHandler) Execute(ctx context.Context, finding contracts.Finding) (string, error) {
	h.logger.Warn("finding flagged for manual review",
		"findingId", finding.ID, "ruleId", finding.RuleID,
		"severity", finding.Severity, "receiptId", finding.ReceiptID)
	return "", nil
}

func (h *ManualReviewHandler) Healthy(ctx context.Context) error { return nil }

// EscalateHandler records an escalation and, when a notifier is
// configured, pushes it out of band as well.
type EscalateHandler struct {
	notifier Notifier
	logger   *slog.Logger
}

// NewEscalateHandler builds the handler; notifier may be nil.
func NewEscalateHandler(notifier Notifier, logger *slog.Logger) *EscalateHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EscalateHandler{notifier: notifier, logger: logger}
}

func (h *EscalateHandler) Execute(ctx context.Context, finding contracts.Finding) (string, error) {
	h.logger.Error("finding escalated",
		"findingId", finding.ID, "ruleId", finding.RuleID,
		"severity", finding.Severity, "receiptId", finding.ReceiptID)
	if h.notifier != nil {
		if err := h.notifier.Send(ctx, "finding.escalated", finding); err != nil {
			return "", err
		}
	}
	return "", nil
}

func (h *EscalateHandler) Healthy(ctx context.Context) error { return nil }
