// Package signer abstracts transaction signing behind one interface
// with interchangeable backends: an in-process secp256k1 key for
// development and self-hosted deployments, and a remote agent-passkey
// service for custodial setups. KMS-style backends are recognised by
// the factory but need an external binding to be usable.
package signer

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// Backend names accepted by the factory.
const (
	TypeLocal        = "local"
	TypeAgentPasskey = "agent-passkey"
	TypeGcpKms       = "gcp-kms"
	TypeLitPkp       = "lit-pkp"
)

// Signer is the signing surface the executor and API consume. Backends
// differ in where the key lives; callers never see the difference.
type Signer interface {
	Address() common.Address
	Account() string
	SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
	SignMessage(ctx context.Context, message []byte) ([]byte, error)
	SignTypedData(ctx context.Context, typedData apitypes.TypedData) ([]byte, error)
	Healthy(ctx context.Context) error
	Type() string
}

// Config selects and parameterises a backend.
type Config struct {
	Type          string
	ChainID       *big.Int
	PrivateKeyHex string
	KeyPath       string

	PasskeyEndpoint string
	PasskeyAPIKey   string
	PasskeyTimeout  time.Duration
}

// New builds the configured backend. gcp-kms and lit-pkp are valid
// names whose bindings live outside this process; asking for one
// without a binding is a signer error, not a config typo.
func New(ctx context.Context, cfg Config) (Signer, error) {
	switch cfg.Type {
	case TypeLocal:
		return NewLocal(cfg)
	case TypeAgentPasskey:
		return NewPasskey(ctx, cfg)
	case TypeGcpKms, TypeLitPkp:
		return nil, &contracts.SignerError{Backend: cfg.Type, Status: "no external binding configured"}
	default:
		return nil, &contracts.ValidationError{Field: "SIGNER_TYPE", Msg: fmt.Sprintf("unknown signer type %q", cfg.Type)}
	}
}
