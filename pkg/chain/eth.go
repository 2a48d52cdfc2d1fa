package chain

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Mindburn-Labs/watchtower/pkg/config"
	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
	"github.com/Mindburn-Labs/watchtower/pkg/resilience"
)

// receiptAgeOffset approximates a receipt's creation time from the
// chain head: createdAt = blockTimestamp − offset. Placeholder pending
// a hub view that exposes the issue timestamp directly.
const receiptAgeOffset = 3600 * time.Second

// EthProvider implements Provider over a go-ethereum RPC client. One
// instance per chain; the retry policy and circuit breaker are shared
// across all of its calls so upstream health is judged per endpoint.
type EthProvider struct {
	client    *ethclient.Client
	chainID   string
	contracts config.ContractAddresses
	lookback  int64
	retry     resilience.RetryConfig
	breaker   *resilience.CircuitBreaker
	logger    *slog.Logger
}

// Dial connects to the chain's RPC endpoint and builds its provider.
func Dial(ctx context.Context, chainCfg config.ChainConfig, res config.ResilienceConfig, lookback int64, logger *slog.Logger) (*EthProvider, error) {
	client, err := ethclient.DialContext(ctx, chainCfg.RPCURL)
	if err != nil {
		return nil, &contracts.IOError{Op: "dial rpc", Path: chainCfg.RPCURL, Err: err}
	}
	return NewEthProvider(client, chainCfg, res, lookback, logger), nil
}

// NewEthProvider wraps an existing client; tests hand in a simulated
// backend through this path.
func NewEthProvider(client *ethclient.Client, chainCfg config.ChainConfig, res config.ResilienceConfig, lookback int64, logger *slog.Logger) *EthProvider {
	if logger == nil {
		logger = slog.Default()
	}
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		FailureThreshold: res.FailureThreshold,
		ResetTimeout:     res.ResetTimeout,
		SuccessThreshold: res.SuccessThreshold,
		OnStateChange: func(from, to resilience.BreakerState) {
			logger.Warn("rpc circuit state change", "chainId", chainCfg.ChainID, "from", string(from), "to", string(to))
		},
	})
	return &EthProvider{
		client:    client,
		chainID:   chainCfg.ChainID,
		contracts: chainCfg.Contracts,
		lookback:  lookback,
		retry: resilience.RetryConfig{
			MaxRetries:   res.MaxRetries,
			BaseDelay:    res.RetryBaseDelay,
			MaxDelay:     res.RetryMaxDelay,
			JitterFactor: 0.2,
		},
		breaker: breaker,
		logger:  logger,
	}
}

// ChainID returns the configured chain identifier.
func (p *EthProvider) ChainID() string { return p.chainID }

// Client exposes the underlying RPC client for transaction senders.
func (p *EthProvider) Client() *ethclient.Client { return p.client }

// Close releases the underlying RPC connection.
func (p *EthProvider) Close() { p.client.Close() }

// BlockNumber returns the current chain tip.
func (p *EthProvider) BlockNumber(ctx context.Context) (*contracts.BigInt, error) {
	n, err := resilience.Resilient(ctx, &p.retry, p.breaker, func(ctx context.Context) (uint64, error) {
		return p.client.BlockNumber(ctx)
	})
	if err != nil {
		return nil, &contracts.IOError{Op: "blockNumber", Err: err}
	}
	return contracts.FromBig(new(big.Int).SetUint64(n)), nil
}

// BlockTimestamp returns the timestamp of the given block.
func (p *EthProvider) BlockTimestamp(ctx context.Context, block *contracts.BigInt) (time.Time, error) {
	header, err := resilience.Resilient(ctx, &p.retry, p.breaker, func(ctx context.Context) (*types.Header, error) {
		return p.client.HeaderByNumber(ctx, block.Big())
	})
	if err != nil {
		return time.Time{}, &contracts.IOError{Op: "headerByNumber", Err: err}
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

func (p *EthProvider) filterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	logs, err := resilience.Resilient(ctx, &p.retry, p.breaker, func(ctx context.Context) ([]types.Log, error) {
		return p.client.FilterLogs(ctx, q)
	})
	if err != nil {
		return nil, &contracts.IOError{Op: "filterLogs", Err: err}
	}
	return logs, nil
}

// scanWindow returns the default [from, to] log window ending at tip.
func (p *EthProvider) scanWindow(ctx context.Context) (*big.Int, *big.Int, time.Time, error) {
	tip, err := p.BlockNumber(ctx)
	if err != nil {
		return nil, nil, time.Time{}, err
	}
	tipTime, err := p.BlockTimestamp(ctx, tip)
	if err != nil {
		return nil, nil, time.Time{}, err
	}
	from := new(big.Int).Sub(tip.Big(), big.NewInt(p.lookback))
	if from.Sign() < 1 {
		from = big.NewInt(1)
	}
	return from, tip.Big(), tipTime, nil
}

// ReceiptsInChallengeWindow reconstructs the open receipt set from hub
// logs over the lookback window. Later status events override earlier
// ones for the same receipt.
func (p *EthProvider) ReceiptsInChallengeWindow(ctx context.Context) ([]Receipt, error) {
	if p.contracts.IntentReceiptHub == "" {
		return nil, nil
	}
	from, to, tipTime, err := p.scanWindow(ctx)
	if err != nil {
		return nil, err
	}
	logs, err := p.filterLogs(ctx, ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{common.HexToAddress(p.contracts.IntentReceiptHub)},
		Topics: [][]common.Hash{{
			TopicReceiptIssued, TopicReceiptFinalized, TopicReceiptChallenged, TopicDisputeOpened,
		}},
	})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Receipt)
	var order []string
	for _, lg := range logs {
		if len(lg.Topics) < 2 {
			continue
		}
		receiptID := strings.ToLower(lg.Topics[1].Hex())
		switch lg.Topics[0] {
		case TopicReceiptIssued:
			r := &Receipt{
				ReceiptID:   receiptID,
				Status:      ReceiptPending,
				BlockNumber: contracts.FromBig(new(big.Int).SetUint64(lg.BlockNumber)),
				CreatedAt:   tipTime.Add(-receiptAgeOffset),
			}
			if len(lg.Topics) > 2 {
				r.IntentHash = strings.ToLower(lg.Topics[2].Hex())
			}
			if len(lg.Topics) > 3 {
				r.SolverID = strings.ToLower(common.BytesToAddress(lg.Topics[3].Bytes()).Hex())
			}
			if len(lg.Data) >= 64 {
				r.ChallengeDeadline = time.Unix(new(big.Int).SetBytes(lg.Data[:32]).Int64(), 0).UTC()
				r.Amount = contracts.FromBig(new(big.Int).SetBytes(lg.Data[32:64]))
			}
			if _, seen := byID[receiptID]; !seen {
				order = append(order, receiptID)
			}
			byID[receiptID] = r
		case TopicReceiptFinalized:
			if r, ok := byID[receiptID]; ok {
				r.Status = ReceiptFinalized
			}
		case TopicReceiptChallenged:
			if r, ok := byID[receiptID]; ok {
				r.Status = ReceiptChallenged
			}
		case TopicDisputeOpened:
			// Topic1 on DisputeOpened is the dispute id; the receipt
			// rides in topic2.
			if len(lg.Topics) > 2 {
				if r, ok := byID[strings.ToLower(lg.Topics[2].Hex())]; ok {
					r.Status = ReceiptDisputed
				}
			}
		}
	}

	out := make([]Receipt, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

// ActiveDisputes returns disputes opened but not resolved inside the
// lookback window.
func (p *EthProvider) ActiveDisputes(ctx context.Context) ([]Dispute, error) {
	if p.contracts.DisputeModule == "" {
		return nil, nil
	}
	from, to, _, err := p.scanWindow(ctx)
	if err != nil {
		return nil, err
	}
	logs, err := p.filterLogs(ctx, ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{common.HexToAddress(p.contracts.DisputeModule)},
		Topics:    [][]common.Hash{{TopicDisputeOpened, TopicDisputeResolved}},
	})
	if err != nil {
		return nil, err
	}

	open := make(map[string]Dispute)
	var order []string
	for _, lg := range logs {
		if len(lg.Topics) < 2 {
			continue
		}
		disputeID := strings.ToLower(lg.Topics[1].Hex())
		switch lg.Topics[0] {
		case TopicDisputeOpened:
			d := Dispute{DisputeID: disputeID, Status: "open"}
			if len(lg.Topics) > 2 {
				d.ReceiptID = strings.ToLower(lg.Topics[2].Hex())
			}
			if len(lg.Topics) > 3 {
				d.Challenger = strings.ToLower(common.BytesToAddress(lg.Topics[3].Bytes()).Hex())
			}
			if len(lg.Data) >= 32 {
				d.Bond = contracts.FromBig(new(big.Int).SetBytes(lg.Data[:32]))
			}
			if _, seen := open[disputeID]; !seen {
				order = append(order, disputeID)
			}
			open[disputeID] = d
		case TopicDisputeResolved:
			delete(open, disputeID)
		}
	}

	out := make([]Dispute, 0, len(open))
	for _, id := range order {
		if d, ok := open[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// SolverInfo reconstructs a solver record from registry logs.
func (p *EthProvider) SolverInfo(ctx context.Context, solverID string) (*SolverInfo, error) {
	if p.contracts.SolverRegistry == "" {
		return nil, &contracts.NotFoundError{Kind: "solver", Key: solverID}
	}
	from, to, _, err := p.scanWindow(ctx)
	if err != nil {
		return nil, err
	}
	logs, err := p.filterLogs(ctx, ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{common.HexToAddress(p.contracts.SolverRegistry)},
		Topics:    [][]common.Hash{{TopicSolverRegistered, TopicSolverDeactivated}},
	})
	if err != nil {
		return nil, err
	}

	want := strings.ToLower(solverID)
	var info *SolverInfo
	for _, lg := range logs {
		if len(lg.Topics) < 2 || strings.ToLower(lg.Topics[1].Hex()) != want {
			continue
		}
		switch lg.Topics[0] {
		case TopicSolverRegistered:
			info = &SolverInfo{SolverID: want, Active: true}
			if len(lg.Data) >= 32 {
				info.Bond = contracts.FromBig(new(big.Int).SetBytes(lg.Data[:32]))
			}
		case TopicSolverDeactivated:
			if info != nil {
				info.Active = false
			}
		}
	}
	if info == nil {
		return nil, &contracts.NotFoundError{Kind: "solver", Key: solverID}
	}
	return info, nil
}

// EventsInRange fetches and decodes every known protocol event across
// the configured contracts in [from, to].
func (p *EthProvider) EventsInRange(ctx context.Context, from, to *contracts.BigInt) ([]Event, error) {
	var addrs []common.Address
	for _, a := range []string{p.contracts.SolverRegistry, p.contracts.IntentReceiptHub, p.contracts.DisputeModule} {
		if a != "" {
			addrs = append(addrs, common.HexToAddress(a))
		}
	}
	logs, err := p.filterLogs(ctx, ethereum.FilterQuery{
		FromBlock: from.Big(),
		ToBlock:   to.Big(),
		Addresses: addrs,
	})
	if err != nil {
		return nil, err
	}

	var out []Event
	for _, lg := range logs {
		ev, ok := DecodeLog(lg)
		if !ok {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// DecodeLog turns a raw log into a named Event. Unknown topics are
// reported as not-ok and skipped by callers.
func DecodeLog(lg types.Log) (Event, bool) {
	if len(lg.Topics) == 0 {
		return Event{}, false
	}
	name, ok := topicNames[lg.Topics[0]]
	if !ok {
		return Event{}, false
	}
	ev := Event{
		Name:        name,
		Address:     strings.ToLower(lg.Address.Hex()),
		BlockNumber: contracts.FromBig(new(big.Int).SetUint64(lg.BlockNumber)),
		TxHash:      strings.ToLower(lg.TxHash.Hex()),
		LogIndex:    lg.Index,
		Data:        map[string]any{},
	}
	switch lg.Topics[0] {
	case TopicDelegatedPaymentSettled:
		if len(lg.Topics) > 1 {
			ev.Data["delegationHash"] = strings.ToLower(lg.Topics[1].Hex())
		}
		if len(lg.Topics) > 2 {
			ev.Data["payer"] = strings.ToLower(common.BytesToAddress(lg.Topics[2].Bytes()).Hex())
		}
		if len(lg.Data) >= 32 {
			ev.Data["amount"] = contracts.FromBig(new(big.Int).SetBytes(lg.Data[:32]))
		}
	default:
		for i, topic := range lg.Topics[1:] {
			ev.Data[indexedKey(i)] = strings.ToLower(topic.Hex())
		}
	}
	return ev, true
}

func indexedKey(i int) string {
	return "topic" + string(rune('1'+i))
}

// TransferLogs fetches ERC-721 Transfer logs emitted by the given
// registry contract in [from, to]. The identity poller consumes these;
// token IDs arrive in topic3.
func (p *EthProvider) TransferLogs(ctx context.Context, registry string, from, to *contracts.BigInt) ([]Event, error) {
	logs, err := p.filterLogs(ctx, ethereum.FilterQuery{
		FromBlock: from.Big(),
		ToBlock:   to.Big(),
		Addresses: []common.Address{common.HexToAddress(registry)},
		Topics:    [][]common.Hash{{TopicTransfer}},
	})
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(logs))
	for _, lg := range logs {
		ev, ok := DecodeLog(lg)
		if !ok {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
