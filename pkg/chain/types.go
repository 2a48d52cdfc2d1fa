// Package chain adapts one authoritative RPC endpoint per chain into
// the typed views the rule engine consumes: receipts in their challenge
// window, active disputes, solver records, and decoded protocol events.
// Every outbound call runs under the shared retry and circuit-breaker
// policy.
package chain

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// Receipt statuses as the hub contract reports them.
const (
	ReceiptPending    = "pending"
	ReceiptFinalized  = "finalized"
	ReceiptChallenged = "challenged"
	ReceiptDisputed   = "disputed"
)

// Receipt is an on-chain commitment by a solver to fulfil an intent.
type Receipt struct {
	ReceiptID         string
	IntentHash        string
	SolverID          string
	Status            string
	ChallengeDeadline time.Time
	CreatedAt         time.Time
	BlockNumber       *contracts.BigInt
	Amount            *contracts.BigInt
}

// Dispute is an open challenge against a receipt.
type Dispute struct {
	DisputeID  string
	ReceiptID  string
	Challenger string
	Bond       *contracts.BigInt
	OpenedAt   time.Time
	Status     string
}

// SolverInfo is the registry record for one solver.
type SolverInfo struct {
	SolverID     string
	Bond         *contracts.BigInt
	Active       bool
	ReceiptCount int64
}

// Event is one decoded protocol log.
type Event struct {
	Name        string
	Address     string
	BlockNumber *contracts.BigInt
	TxHash      string
	LogIndex    uint
	Data        map[string]any
}

// Provider is the chain access surface rules and pollers consume. All
// methods are effectful and may fail; callers treat failures per the
// shared error policy.
type Provider interface {
	ChainID() string
	BlockNumber(ctx context.Context) (*contracts.BigInt, error)
	BlockTimestamp(ctx context.Context, block *contracts.BigInt) (time.Time, error)
	ReceiptsInChallengeWindow(ctx context.Context) ([]Receipt, error)
	ActiveDisputes(ctx context.Context) ([]Dispute, error)
	SolverInfo(ctx context.Context, solverID string) (*SolverInfo, error)
	EventsInRange(ctx context.Context, from, to *contracts.BigInt) ([]Event, error)
}
