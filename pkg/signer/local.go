package signer

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// Local signs with an in-process secp256k1 key. The key is loaded once
// at construction from config or a key file and never leaves memory.
type Local struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	chainID  *big.Int
	txSigner types.Signer
}

// NewLocal loads the key from PrivateKeyHex, falling back to KeyPath.
func NewLocal(cfg Config) (*Local, error) {
	keyHex := strings.TrimSpace(cfg.PrivateKeyHex)
	if keyHex == "" && cfg.KeyPath != "" {
		data, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, &contracts.IOError{Op: "read signer key", Path: cfg.KeyPath, Err: err}
		}
		keyHex = strings.TrimSpace(string(data))
	}
	if keyHex == "" {
		return nil, &contracts.SignerError{Backend: TypeLocal, Status: "no private key configured"}
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, &contracts.SignerError{Backend: TypeLocal, Status: "invalid private key", Err: err}
	}
	if cfg.ChainID == nil {
		return nil, &contracts.SignerError{Backend: TypeLocal, Status: "chain id required"}
	}
	return &Local{
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		chainID:  new(big.Int).Set(cfg.ChainID),
		txSigner: types.LatestSignerForChainID(cfg.ChainID),
	}, nil
}

func (s *Local) Address() common.Address { return s.address }
func (s *Local) Account() string         { return strings.ToLower(s.address.Hex()) }
func (s *Local) Type() string            { return TypeLocal }

// Healthy always passes: the key is in memory or the constructor
// would have failed.
func (s *Local) Healthy(ctx context.Context) error { return nil }

func (s *Local) SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.txSigner, s.key)
	if err != nil {
		return nil, &contracts.SignerError{Backend: TypeLocal, Status: "sign transaction failed", Err: err}
	}
	return signed, nil
}

// SignMessage signs the EIP-191 personal-message hash of message. The
// returned signature uses the 27/28 recovery id convention.
func (s *Local) SignMessage(ctx context.Context, message []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), s.key)
	if err != nil {
		return nil, &contracts.SignerError{Backend: TypeLocal, Status: "sign message failed", Err: err}
	}
	sig[64] += 27
	return sig, nil
}

func (s *Local) SignTypedData(ctx context.Context, typedData apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, &contracts.SignerError{Backend: TypeLocal, Status: "typed data hash failed", Err: err}
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, &contracts.SignerError{Backend: TypeLocal, Status: "sign typed data failed", Err: err}
	}
	sig[64] += 27
	return sig, nil
}
