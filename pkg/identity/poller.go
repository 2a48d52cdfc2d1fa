package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/Mindburn-Labs/watchtower/pkg/chain"
	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
	"github.com/Mindburn-Labs/watchtower/pkg/storage"
)

// DefaultOverlapBlocks is re-scanned behind the cursor on every poll
// so late-arriving logs inside a reorg window are not lost. Replays
// are absorbed by the content-addressed event IDs.
const DefaultOverlapBlocks = 50

const zeroTopic = "0x0000000000000000000000000000000000000000000000000000000000000000"

// RegistrySource is the chain surface the poller reads registry
// Transfer logs from. chain.EthProvider satisfies it.
type RegistrySource interface {
	ChainID() string
	BlockNumber(ctx context.Context) (*contracts.BigInt, error)
	TransferLogs(ctx context.Context, registry string, from, to *contracts.BigInt) ([]chain.Event, error)
}

// PollerConfig tunes one registry poller.
type PollerConfig struct {
	RegistryAddress string
	OverlapBlocks   int64
	LookbackBlocks  int64
	Confirmations   int64
}

// Poller ingests agent-registry Transfer events into storage and
// keeps the identity cursor per (chainId, registry).
type Poller struct {
	source RegistrySource
	store  *storage.Store
	cfg    PollerConfig
	logger *slog.Logger
	clock  func() time.Time
}

// NewPoller builds a poller.
func NewPoller(source RegistrySource, store *storage.Store, cfg PollerConfig, logger *slog.Logger) *Poller {
	if cfg.OverlapBlocks <= 0 {
		cfg.OverlapBlocks = DefaultOverlapBlocks
	}
	if cfg.LookbackBlocks <= 0 {
		cfg.LookbackBlocks = 10_000
	}
	cfg.RegistryAddress = strings.ToLower(cfg.RegistryAddress)
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{source: source, store: store, cfg: cfg, logger: logger, clock: time.Now}
}

// EventID content-addresses one registry log. Identical logs seen
// twice across overlap re-scans collide here.
func EventID(chainID, txHash string, logIndex uint) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%s:%d", chainID, strings.ToLower(txHash), logIndex))
	return hex.EncodeToString(sum[:])
}

// AgentID builds the canonical agent identifier for a registry token.
func AgentID(chainID, registry, tokenID string) string {
	return fmt.Sprintf("erc8004:%s:%s:%s", chainID, strings.ToLower(registry), tokenID)
}

// Poll scans new registry blocks once, upserting events and agents and
// advancing the cursor on success. It returns how many events were
// ingested.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	tip, err := p.source.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	safe := tip.Big().Int64() - p.cfg.Confirmations
	if safe < 1 {
		return 0, nil
	}

	cursor, found, err := p.store.IdentityCursor(ctx, p.source.ChainID(), p.cfg.RegistryAddress)
	if err != nil {
		return 0, err
	}
	var start int64
	if found {
		start = cursor + 1 - p.cfg.OverlapBlocks
	} else {
		start = safe - p.cfg.LookbackBlocks
	}
	if start < 1 {
		start = 1
	}
	if start > safe {
		return 0, nil
	}

	events, err := p.source.TransferLogs(ctx,
		p.cfg.RegistryAddress, contracts.NewBigInt(start), contracts.NewBigInt(safe))
	if err != nil {
		return 0, err
	}

	ingested := 0
	for _, ev := range events {
		record, ok := p.toRecord(ev)
		if !ok {
			continue
		}
		if err := p.store.InsertIdentityEvent(ctx, record); err != nil {
			return ingested, err
		}
		if err := p.store.UpsertAgent(ctx, contracts.Agent{
			AgentID:   AgentID(record.ChainID, record.RegistryAddress, record.AgentTokenID),
			Status:    contracts.AgentActive,
			CreatedAt: record.DiscoveredAt,
		}); err != nil {
			return ingested, err
		}
		ingested++
	}

	if err := p.store.SetIdentityCursor(ctx, p.source.ChainID(), p.cfg.RegistryAddress, safe); err != nil {
		return ingested, err
	}
	p.logger.Debug("identity poll complete",
		"chainId", p.source.ChainID(), "from", start, "to", safe, "events", ingested)
	return ingested, nil
}

// toRecord maps one decoded Transfer log into its storage row. ERC-721
// transfers index (from, to, tokenId) as topic1..topic3; mints come
// from the zero address.
func (p *Poller) toRecord(ev chain.Event) (storage.IdentityEvent, bool) {
	if ev.Name != "Transfer" || ev.Address != p.cfg.RegistryAddress {
		return storage.IdentityEvent{}, false
	}
	fromTopic, _ := ev.Data["topic1"].(string)
	toTopic, _ := ev.Data["topic2"].(string)
	tokenTopic, _ := ev.Data["topic3"].(string)
	if tokenTopic == "" {
		return storage.IdentityEvent{}, false
	}
	tokenID, ok := new(big.Int).SetString(strings.TrimPrefix(tokenTopic, "0x"), 16)
	if !ok {
		return storage.IdentityEvent{}, false
	}

	eventType := "Transfer"
	if fromTopic == zeroTopic {
		eventType = "Mint"
	}
	return storage.IdentityEvent{
		EventID:         EventID(p.source.ChainID(), ev.TxHash, ev.LogIndex),
		ChainID:         p.source.ChainID(),
		RegistryAddress: p.cfg.RegistryAddress,
		AgentTokenID:    tokenID.String(),
		OwnerAddress:    topicAddress(toTopic),
		EventType:       eventType,
		BlockNumber:     ev.BlockNumber.Big().Int64(),
		TxHash:          ev.TxHash,
		LogIndex:        ev.LogIndex,
		DiscoveredAt:    p.clock().UTC(),
	}, true
}

// topicAddress narrows a 32-byte indexed topic to its address form.
func topicAddress(topic string) string {
	h := strings.TrimPrefix(topic, "0x")
	if len(h) != 64 {
		return topic
	}
	return "0x" + h[24:]
}
