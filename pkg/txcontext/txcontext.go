// Package txcontext analyses an agent address's on-chain transaction
// neighbourhood and derives the CX_* signals: funding provenance,
// counterparty concentration, activity bursts, and micropayment spam.
package txcontext

import (
	"context"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/watchtower/pkg/canonicaljson"
	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
	"github.com/Mindburn-Labs/watchtower/pkg/storage"
)

// Transfer is one value movement touching the analysed address.
// ValueWei is never converted to a float.
type Transfer struct {
	From      string
	To        string
	ValueWei  *big.Int
	Block     int64
	Timestamp int64
	TxHash    string
}

// TxSource is the chain surface the analyser reads from. EarliestInbound
// returns the address's first funding transfer regardless of window, or
// nil when the address has never received value.
type TxSource interface {
	ChainID() string
	BlockNumber(ctx context.Context) (*contracts.BigInt, error)
	Transfers(ctx context.Context, address string, fromBlock, toBlock int64) ([]Transfer, error)
	EarliestInbound(ctx context.Context, address string) (*Transfer, error)
	IsContract(ctx context.Context, address string) (bool, error)
}

// Config tunes the analyser thresholds.
type Config struct {
	WindowBlocks             int64
	MinTxForConcentration    int
	BurstMinTx               int
	BurstMultiplier          int
	DormancyThresholdSeconds int64
	EnablePaymentAdjacency   bool
	MicropaymentMinTransfers int
	MicropaymentMaxValueWei  *big.Int
	MicropaymentMaxPeers     int

	// AllowlistTags and DenylistTags map lower-cased funder addresses
	// to a short tag. A denylist hit always decides the funding
	// classification, whatever the allowlist or code analysis says.
	AllowlistTags map[string]string
	DenylistTags  map[string]string
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		WindowBlocks:             5_000,
		MinTxForConcentration:    10,
		BurstMinTx:               10,
		BurstMultiplier:          3,
		DormancyThresholdSeconds: 30 * 24 * 3600,
		MicropaymentMinTransfers: 20,
		MicropaymentMaxValueWei:  big.NewInt(1_000_000_000_000_000), // 0.001 ether
		MicropaymentMaxPeers:     3,
	}
}

// Analyzer derives CX_* signals for one agent address per tick,
// advancing the per-(agentId, chainId) cursor on success.
type Analyzer struct {
	source TxSource
	store  *storage.Store
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time
}

// NewAnalyzer builds an analyser. Zero config fields fall back to the
// documented defaults; EnablePaymentAdjacency stays as given.
func NewAnalyzer(source TxSource, store *storage.Store, cfg Config, logger *slog.Logger) *Analyzer {
	def := DefaultConfig()
	if cfg.WindowBlocks <= 0 {
		cfg.WindowBlocks = def.WindowBlocks
	}
	if cfg.MinTxForConcentration <= 0 {
		cfg.MinTxForConcentration = def.MinTxForConcentration
	}
	if cfg.BurstMinTx <= 0 {
		cfg.BurstMinTx = def.BurstMinTx
	}
	if cfg.BurstMultiplier <= 0 {
		cfg.BurstMultiplier = def.BurstMultiplier
	}
	if cfg.DormancyThresholdSeconds <= 0 {
		cfg.DormancyThresholdSeconds = def.DormancyThresholdSeconds
	}
	if cfg.MicropaymentMinTransfers <= 0 {
		cfg.MicropaymentMinTransfers = def.MicropaymentMinTransfers
	}
	if cfg.MicropaymentMaxValueWei == nil {
		cfg.MicropaymentMaxValueWei = def.MicropaymentMaxValueWei
	}
	if cfg.MicropaymentMaxPeers <= 0 {
		cfg.MicropaymentMaxPeers = def.MicropaymentMaxPeers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{source: source, store: store, cfg: cfg, logger: logger, clock: time.Now}
}

// WithClock replaces the wall clock.
func (a *Analyzer) WithClock(clock func() time.Time) *Analyzer {
	a.clock = clock
	return a
}

// Analyze derives the agent's context signals over the current block
// window and advances the context cursor. Both the current window and
// the prior window of equal size are fetched so burst detection can
// compare activity levels.
func (a *Analyzer) Analyze(ctx context.Context, agentID, address string) ([]contracts.Signal, error) {
	address = strings.ToLower(address)
	tip, err := a.source.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	tipN := tip.Big().Int64()

	cursor, found, err := a.store.ContextCursor(ctx, agentID, a.source.ChainID())
	if err != nil {
		return nil, err
	}
	if found && tipN <= cursor {
		return nil, nil
	}

	curFrom := tipN - a.cfg.WindowBlocks + 1
	if curFrom < 1 {
		curFrom = 1
	}
	current, err := a.source.Transfers(ctx, address, curFrom, tipN)
	if err != nil {
		return nil, err
	}

	var prior []Transfer
	if priorTo := curFrom - 1; priorTo >= 1 {
		priorFrom := priorTo - a.cfg.WindowBlocks + 1
		if priorFrom < 1 {
			priorFrom = 1
		}
		prior, err = a.source.Transfers(ctx, address, priorFrom, priorTo)
		if err != nil {
			return nil, err
		}
	}

	observedAt := a.clock().UTC().Unix()
	var signals []contracts.Signal

	if s, err := a.fundingSignal(ctx, address, observedAt); err != nil {
		return nil, err
	} else if s != nil {
		signals = append(signals, *s)
	}
	if s := a.concentrationSignal(address, current, observedAt); s != nil {
		signals = append(signals, *s)
	}
	if s := a.burstSignal(current, prior, observedAt); s != nil {
		signals = append(signals, *s)
	}
	if s := a.dormantBurstSignal(current, prior, observedAt); s != nil {
		signals = append(signals, *s)
	}
	if a.cfg.EnablePaymentAdjacency {
		if s := a.micropaymentSignal(address, current, observedAt); s != nil {
			signals = append(signals, *s)
		}
	}

	if err := a.store.SetContextCursor(ctx, agentID, a.source.ChainID(), tipN); err != nil {
		return signals, err
	}
	a.logger.Debug("context analysis complete",
		"agentId", agentID, "address", address, "window", a.cfg.WindowBlocks,
		"current", len(current), "prior", len(prior), "signals", len(signals))
	return signals, nil
}

// fundingSignal classifies the earliest inbound transfer. Denylist tags
// decide unconditionally; otherwise a contract funder scores slightly
// above an unknown one.
func (a *Analyzer) fundingSignal(ctx context.Context, address string, observedAt int64) (*contracts.Signal, error) {
	first, err := a.source.EarliestInbound(ctx, address)
	if err != nil {
		return nil, err
	}
	if first == nil {
		return nil, nil
	}
	funder := strings.ToLower(first.From)

	signal := func(id string, severity contracts.Severity, weight float64, details map[string]any) *contracts.Signal {
		return &contracts.Signal{
			SignalID: id, Severity: severity, Weight: weight, ObservedAt: observedAt,
			Evidence: canonicaljson.NormalizeEvidence([]contracts.EvidenceRef{
				{Type: "tx", Ref: strings.ToLower(first.TxHash)},
			}),
			Details: details,
		}
	}

	if tag, ok := a.cfg.DenylistTags[funder]; ok {
		return signal("CX_FUNDED_BY_UNKNOWN", contracts.SeverityLow, 0.1,
			map[string]any{"funder": funder, "tag": tag, "list": "deny"}), nil
	}
	if tag, ok := a.cfg.AllowlistTags[funder]; ok {
		return signal("CX_FUNDED_BY_CONTRACT", contracts.SeverityLow, 0.2,
			map[string]any{"funder": funder, "tag": tag, "list": "allow"}), nil
	}
	isContract, err := a.source.IsContract(ctx, funder)
	if err != nil {
		return nil, err
	}
	if isContract {
		return signal("CX_FUNDED_BY_CONTRACT", contracts.SeverityLow, 0.2,
			map[string]any{"funder": funder}), nil
	}
	return signal("CX_FUNDED_BY_UNKNOWN", contracts.SeverityLow, 0.1,
		map[string]any{"funder": funder}), nil
}

// concentrationSignal fires when enough traffic exists and one peer
// carries more than 80% of it. The share compare stays in integers:
// top/total > 4/5 iff 5*top > 4*total.
func (a *Analyzer) concentrationSignal(address string, current []Transfer, observedAt int64) *contracts.Signal {
	if len(current) < a.cfg.MinTxForConcentration {
		return nil
	}
	counts := peerCounts(address, current)
	topPeer, top := "", 0
	for peer, n := range counts {
		if n > top || (n == top && peer < topPeer) {
			topPeer, top = peer, n
		}
	}
	if 5*top <= 4*len(current) {
		return nil
	}
	return &contracts.Signal{
		SignalID: "CX_COUNTERPARTY_CONCENTRATION_HIGH", Severity: contracts.SeverityMedium,
		Weight: 0.4, ObservedAt: observedAt,
		Evidence: canonicaljson.NormalizeEvidence([]contracts.EvidenceRef{
			{Type: "address", Ref: topPeer},
		}),
		Details: map[string]any{"txCount": len(current), "topPeer": topPeer, "topPeerTxCount": top},
	}
}

func (a *Analyzer) burstSignal(current, prior []Transfer, observedAt int64) *contracts.Signal {
	if len(current) < a.cfg.BurstMinTx || len(current) <= len(prior)*a.cfg.BurstMultiplier {
		return nil
	}
	return &contracts.Signal{
		SignalID: "CX_TX_BURST", Severity: contracts.SeverityMedium, Weight: 0.3,
		ObservedAt: observedAt,
		Evidence:   canonicaljson.NormalizeEvidence(txEvidence(current)),
		Details:    map[string]any{"currentTxCount": len(current), "priorTxCount": len(prior)},
	}
}

// dormantBurstSignal fires when a previously silent address produces a
// burst whose whole time span fits inside the dormancy threshold.
func (a *Analyzer) dormantBurstSignal(current, prior []Transfer, observedAt int64) *contracts.Signal {
	if len(prior) != 0 || len(current) < a.cfg.BurstMinTx {
		return nil
	}
	first, last := current[0].Timestamp, current[0].Timestamp
	for _, tr := range current[1:] {
		if tr.Timestamp < first {
			first = tr.Timestamp
		}
		if tr.Timestamp > last {
			last = tr.Timestamp
		}
	}
	if last-first >= a.cfg.DormancyThresholdSeconds {
		return nil
	}
	return &contracts.Signal{
		SignalID: "CX_DORMANT_THEN_BURST", Severity: contracts.SeverityMedium, Weight: 0.4,
		ObservedAt: observedAt,
		Evidence:   canonicaljson.NormalizeEvidence(txEvidence(current)),
		Details:    map[string]any{"txCount": len(current), "spanSeconds": last - first},
	}
}

// micropaymentSignal fires on many small transfers funnelled through
// few peers.
func (a *Analyzer) micropaymentSignal(address string, current []Transfer, observedAt int64) *contracts.Signal {
	var small []Transfer
	for _, tr := range current {
		if tr.ValueWei != nil && tr.ValueWei.Cmp(a.cfg.MicropaymentMaxValueWei) < 0 {
			small = append(small, tr)
		}
	}
	if len(small) < a.cfg.MicropaymentMinTransfers {
		return nil
	}
	peers := peerCounts(address, small)
	if len(peers) > a.cfg.MicropaymentMaxPeers {
		return nil
	}
	return &contracts.Signal{
		SignalID: "CX_MICROPAYMENT_SPAM", Severity: contracts.SeverityMedium, Weight: 0.4,
		ObservedAt: observedAt,
		Evidence:   canonicaljson.NormalizeEvidence(txEvidence(small)),
		Details:    map[string]any{"transferCount": len(small), "uniquePeers": len(peers)},
	}
}

// peerCounts tallies transfers per counterparty of address.
func peerCounts(address string, transfers []Transfer) map[string]int {
	counts := make(map[string]int, len(transfers))
	for _, tr := range transfers {
		peer := strings.ToLower(tr.From)
		if peer == address {
			peer = strings.ToLower(tr.To)
		}
		counts[peer]++
	}
	return counts
}

// txEvidence caps per-signal evidence at the five earliest tx hashes.
func txEvidence(transfers []Transfer) []contracts.EvidenceRef {
	sorted := make([]Transfer, len(transfers))
	copy(sorted, transfers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Block < sorted[j].Block })
	if len(sorted) > 5 {
		sorted = sorted[:5]
	}
	refs := make([]contracts.EvidenceRef, 0, len(sorted))
	for _, tr := range sorted {
		refs = append(refs, contracts.EvidenceRef{Type: "tx", Ref: strings.ToLower(tr.TxHash)})
	}
	return refs
}
