package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
	"github.com/Mindburn-Labs/watchtower/pkg/resilience"
)

const defaultPasskeyTimeout = 15 * time.Second

// Passkey signs through a remote agent-passkey service over JSON-RPC.
// The key never enters this process; every call goes through the shared
// retry and circuit-breaker policy.
type Passkey struct {
	endpoint string
	apiKey   string
	address  common.Address
	client   *http.Client
	retry    resilience.RetryConfig
	breaker  *resilience.CircuitBreaker
	reqID    atomic.Int64
}

// NewPasskey connects to the service and resolves the signing address
// up front so a misconfigured endpoint fails at startup, not mid-tick.
func NewPasskey(ctx context.Context, cfg Config) (*Passkey, error) {
	if cfg.PasskeyEndpoint == "" {
		return nil, &contracts.SignerError{Backend: TypeAgentPasskey, Status: "endpoint required"}
	}
	timeout := cfg.PasskeyTimeout
	if timeout <= 0 {
		timeout = defaultPasskeyTimeout
	}
	p := &Passkey{
		endpoint: cfg.PasskeyEndpoint,
		apiKey:   cfg.PasskeyAPIKey,
		client:   &http.Client{Timeout: timeout},
		retry: resilience.RetryConfig{
			MaxRetries: 3,
			BaseDelay:  250 * time.Millisecond,
			MaxDelay:   5 * time.Second,
		},
		breaker: resilience.NewCircuitBreaker(resilience.BreakerConfig{}),
	}

	var addrHex string
	if err := p.call(ctx, "signer_address", nil, &addrHex); err != nil {
		return nil, &contracts.SignerError{Backend: TypeAgentPasskey, Status: "address lookup failed", Err: err}
	}
	if !common.IsHexAddress(addrHex) {
		return nil, &contracts.SignerError{Backend: TypeAgentPasskey, Status: fmt.Sprintf("service returned bad address %q", addrHex)}
	}
	p.address = common.HexToAddress(addrHex)
	return p, nil
}

func (p *Passkey) Address() common.Address { return p.address }
func (p *Passkey) Account() string         { return "passkey:" + p.address.Hex() }
func (p *Passkey) Type() string            { return TypeAgentPasskey }

func (p *Passkey) Healthy(ctx context.Context) error {
	var status string
	if err := p.call(ctx, "signer_health", nil, &status); err != nil {
		return &contracts.SignerError{Backend: TypeAgentPasskey, Status: "unhealthy", Err: err}
	}
	if status != "ok" {
		return &contracts.SignerError{Backend: TypeAgentPasskey, Status: status}
	}
	return nil
}

func (p *Passkey) SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, &contracts.SignerError{Backend: TypeAgentPasskey, Status: "encode transaction failed", Err: err}
	}
	var signedHex string
	if err := p.call(ctx, "signer_signTransaction", []any{hexutil.Encode(raw)}, &signedHex); err != nil {
		return nil, &contracts.SignerError{Backend: TypeAgentPasskey, Status: "sign transaction failed", Err: err}
	}
	signedRaw, err := hexutil.Decode(signedHex)
	if err != nil {
		return nil, &contracts.SignerError{Backend: TypeAgentPasskey, Status: "service returned bad transaction", Err: err}
	}
	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(signedRaw); err != nil {
		return nil, &contracts.SignerError{Backend: TypeAgentPasskey, Status: "service returned bad transaction", Err: err}
	}
	return signed, nil
}

func (p *Passkey) SignMessage(ctx context.Context, message []byte) ([]byte, error) {
	var sigHex string
	if err := p.call(ctx, "signer_signMessage", []any{hexutil.Encode(message)}, &sigHex); err != nil {
		return nil, &contracts.SignerError{Backend: TypeAgentPasskey, Status: "sign message failed", Err: err}
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return nil, &contracts.SignerError{Backend: TypeAgentPasskey, Status: "service returned bad signature", Err: err}
	}
	return sig, nil
}

func (p *Passkey) SignTypedData(ctx context.Context, typedData apitypes.TypedData) ([]byte, error) {
	var sigHex string
	if err := p.call(ctx, "signer_signTypedData", []any{typedData}, &sigHex); err != nil {
		return nil, &contracts.SignerError{Backend: TypeAgentPasskey, Status: "sign typed data failed", Err: err}
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return nil, &contracts.SignerError{Backend: TypeAgentPasskey, Status: "service returned bad signature", Err: err}
	}
	return sig, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (p *Passkey) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      p.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	raw, err := resilience.Resilient(ctx, &p.retry, p.breaker, func(ctx context.Context) (json.RawMessage, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if p.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.apiKey)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("passkey service status %d: %s", resp.StatusCode, data)
		}

		var rpcResp rpcResponse
		if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
			return nil, err
		}
		if rpcResp.Error != nil {
			return nil, rpcResp.Error
		}
		return rpcResp.Result, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, result)
}
