package identity

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/watchtower/pkg/canonicaljson"
	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
	"github.com/Mindburn-Labs/watchtower/pkg/storage"
)

// SignalConfig tunes the identity signal thresholds.
type SignalConfig struct {
	NewbornAgeSeconds  int64
	ChurnWindowSeconds int64
	ChurnThreshold     int
}

// DefaultSignalConfig is fourteen days newborn, three distinct card
// hashes in seven days for churn.
func DefaultSignalConfig() SignalConfig {
	return SignalConfig{
		NewbornAgeSeconds:  14 * 24 * 3600,
		ChurnWindowSeconds: 7 * 24 * 3600,
		ChurnThreshold:     3,
	}
}

// BlockTimer maps a block number to its timestamp. chain providers
// satisfy it; nil falls back to the event's discovery time.
type BlockTimer func(ctx context.Context, block int64) (time.Time, error)

// Collector derives ID_* signals from stored identity state.
type Collector struct {
	store     *storage.Store
	cfg       SignalConfig
	blockTime BlockTimer
	clock     func() time.Time
}

// NewCollector builds a collector. blockTime may be nil.
func NewCollector(store *storage.Store, cfg SignalConfig, blockTime BlockTimer) *Collector {
	if cfg.NewbornAgeSeconds <= 0 {
		cfg.NewbornAgeSeconds = DefaultSignalConfig().NewbornAgeSeconds
	}
	if cfg.ChurnWindowSeconds <= 0 {
		cfg.ChurnWindowSeconds = DefaultSignalConfig().ChurnWindowSeconds
	}
	if cfg.ChurnThreshold <= 0 {
		cfg.ChurnThreshold = DefaultSignalConfig().ChurnThreshold
	}
	return &Collector{store: store, cfg: cfg, blockTime: blockTime, clock: time.Now}
}

// WithClock replaces the wall clock.
func (c *Collector) WithClock(clock func() time.Time) *Collector {
	c.clock = clock
	return c
}

// Signals derives the agent's identity signals: newborn age, card
// reachability and schema validity, and card churn. Missing history
// contributes no signal rather than an error.
func (c *Collector) Signals(ctx context.Context, chainID, registry, tokenID string) ([]contracts.Signal, error) {
	now := c.clock().UTC()
	observedAt := now.Unix()
	agentID := AgentID(chainID, registry, tokenID)

	var signals []contracts.Signal

	earliest, err := c.store.EarliestIdentityEvent(ctx, chainID, registry, tokenID)
	switch {
	case err == nil:
		bornAt := earliest.DiscoveredAt
		if c.blockTime != nil {
			if t, err := c.blockTime(ctx, earliest.BlockNumber); err == nil {
				bornAt = t
			}
		}
		if now.Sub(bornAt) < time.Duration(c.cfg.NewbornAgeSeconds)*time.Second {
			signals = append(signals, contracts.Signal{
				SignalID: "ID_NEWBORN", Severity: contracts.SeverityMedium, Weight: 0.3,
				ObservedAt: observedAt,
				Evidence: canonicaljson.NormalizeEvidence([]contracts.EvidenceRef{
					{Type: "registry_event", Ref: earliest.EventID},
				}),
				Details: map[string]any{"ageSeconds": int64(now.Sub(bornAt).Seconds())},
			})
		}
	case contracts.IsNotFound(err):
	default:
		return nil, err
	}

	latest, err := c.store.LatestIdentitySnapshot(ctx, agentID)
	switch {
	case err == nil:
		switch latest.FetchStatus {
		case FetchOK:
		case FetchInvalidSchema:
			signals = append(signals, contracts.Signal{
				SignalID: "ID_CARD_SCHEMA_INVALID", Severity: contracts.SeverityHigh, Weight: 0.8,
				ObservedAt: observedAt,
				Evidence: canonicaljson.NormalizeEvidence([]contracts.EvidenceRef{
					{Type: "identity_snapshot", Ref: latest.SnapshotID},
				}),
			})
		default:
			signals = append(signals, contracts.Signal{
				SignalID: "ID_CARD_UNREACHABLE", Severity: contracts.SeverityHigh, Weight: 0.8,
				ObservedAt: observedAt,
				Evidence: canonicaljson.NormalizeEvidence([]contracts.EvidenceRef{
					{Type: "identity_snapshot", Ref: latest.SnapshotID},
				}),
				Details: map[string]any{"fetchStatus": latest.FetchStatus},
			})
		}
	case contracts.IsNotFound(err):
	default:
		return nil, err
	}

	distinct, err := c.store.DistinctCardHashes(ctx, agentID, now.Unix()-c.cfg.ChurnWindowSeconds)
	if err != nil {
		return nil, err
	}
	if distinct >= c.cfg.ChurnThreshold {
		signals = append(signals, contracts.Signal{
			SignalID: "ID_CARD_CHURN", Severity: contracts.SeverityMedium, Weight: 0.5,
			ObservedAt: observedAt,
			Evidence: canonicaljson.NormalizeEvidence([]contracts.EvidenceRef{
				{Type: "agent", Ref: agentID},
			}),
			Details: map[string]any{"distinctCardHashes": distinct},
		})
	}
	return signals, nil
}
