package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// IdentityEvent is one registry log row. EventID is content-addressed
// over (chainId, txHash, logIndex), which makes overlap re-scans
// idempotent.
type IdentityEvent struct {
	EventID         string
	ChainID         string
	RegistryAddress string
	AgentTokenID    string
	AgentURI        string
	OwnerAddress    string
	EventType       string
	BlockNumber     int64
	TxHash          string
	LogIndex        uint
	DiscoveredAt    time.Time
}

// IdentitySnapshot is one agent-card fetch outcome.
type IdentitySnapshot struct {
	SnapshotID   string
	AgentID      string
	AgentURI     string
	FetchStatus  string
	CardHash     string
	CardJSON     string
	FetchedAt    int64
	HTTPStatus   int
	ErrorMessage string
}

// IdentityCursor returns the last scanned block for the registry, or
// found=false when the registry has never been scanned.
func (s *Store) IdentityCursor(ctx context.Context, chainID, registryAddress string) (int64, bool, error) {
	var last int64
	err := s.queryRow(ctx, `
		SELECT last_block FROM identity_cursor WHERE chain_id = ? AND registry_address = ?`,
		chainID, strings.ToLower(registryAddress)).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return last, true, nil
}

// SetIdentityCursor advances the registry cursor.
func (s *Store) SetIdentityCursor(ctx context.Context, chainID, registryAddress string, lastBlock int64) error {
	_, err := s.exec(ctx, `
		INSERT INTO identity_cursor (chain_id, registry_address, last_block, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chain_id, registry_address) DO UPDATE SET
			last_block = excluded.last_block,
			updated_at = excluded.updated_at`,
		chainID, strings.ToLower(registryAddress), lastBlock, s.clock().UTC().Format(time.RFC3339))
	return err
}

// InsertIdentityEvent upserts one registry event. Replayed events
// collide on event_id and are dropped.
func (s *Store) InsertIdentityEvent(ctx context.Context, ev IdentityEvent) error {
	_, err := s.exec(ctx, `
		INSERT INTO identity_events (event_id, chain_id, registry_address, agent_token_id,
			agent_uri, owner_address, event_type, block_number, tx_hash, log_index, discovered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		ev.EventID, ev.ChainID, strings.ToLower(ev.RegistryAddress), ev.AgentTokenID,
		ev.AgentURI, strings.ToLower(ev.OwnerAddress), ev.EventType, ev.BlockNumber,
		strings.ToLower(ev.TxHash), ev.LogIndex, ev.DiscoveredAt.UTC().Format(time.RFC3339))
	return err
}

// EarliestIdentityEvent returns the agent token's first registry
// event, which anchors its age.
func (s *Store) EarliestIdentityEvent(ctx context.Context, chainID, registryAddress, tokenID string) (*IdentityEvent, error) {
	row := s.queryRow(ctx, `
		SELECT event_id, chain_id, registry_address, agent_token_id, agent_uri,
		       owner_address, event_type, block_number, tx_hash, log_index, discovered_at
		FROM identity_events
		WHERE chain_id = ? AND registry_address = ? AND agent_token_id = ?
		ORDER BY block_number ASC, log_index ASC LIMIT 1`,
		chainID, strings.ToLower(registryAddress), tokenID)

	var (
		ev           IdentityEvent
		discoveredAt string
	)
	err := row.Scan(&ev.EventID, &ev.ChainID, &ev.RegistryAddress, &ev.AgentTokenID,
		&ev.AgentURI, &ev.OwnerAddress, &ev.EventType, &ev.BlockNumber,
		&ev.TxHash, &ev.LogIndex, &discoveredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &contracts.NotFoundError{Kind: "identity event", Key: tokenID}
	}
	if err != nil {
		return nil, err
	}
	ev.DiscoveredAt, _ = time.Parse(time.RFC3339, discoveredAt)
	return &ev, nil
}

// InsertIdentitySnapshot stores one card fetch outcome.
func (s *Store) InsertIdentitySnapshot(ctx context.Context, snap IdentitySnapshot) error {
	_, err := s.exec(ctx, `
		INSERT INTO identity_snapshots (snapshot_id, agent_id, agent_uri, fetch_status,
			card_hash, card_json, fetched_at, http_status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(snapshot_id) DO NOTHING`,
		snap.SnapshotID, snap.AgentID, snap.AgentURI, snap.FetchStatus,
		snap.CardHash, snap.CardJSON, snap.FetchedAt, snap.HTTPStatus, snap.ErrorMessage)
	return err
}

// LatestIdentitySnapshot returns the agent's newest card fetch.
func (s *Store) LatestIdentitySnapshot(ctx context.Context, agentID string) (*IdentitySnapshot, error) {
	row := s.queryRow(ctx, `
		SELECT snapshot_id, agent_id, agent_uri, fetch_status, card_hash, card_json,
		       fetched_at, http_status, error_message
		FROM identity_snapshots WHERE agent_id = ?
		ORDER BY fetched_at DESC LIMIT 1`, agentID)

	var (
		snap       IdentitySnapshot
		cardHash   sql.NullString
		cardJSON   sql.NullString
		httpStatus sql.NullInt64
		errMsg     sql.NullString
	)
	err := row.Scan(&snap.SnapshotID, &snap.AgentID, &snap.AgentURI, &snap.FetchStatus,
		&cardHash, &cardJSON, &snap.FetchedAt, &httpStatus, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &contracts.NotFoundError{Kind: "identity snapshot", Key: agentID}
	}
	if err != nil {
		return nil, err
	}
	snap.CardHash = cardHash.String
	snap.CardJSON = cardJSON.String
	snap.HTTPStatus = int(httpStatus.Int64)
	snap.ErrorMessage = errMsg.String
	return &snap, nil
}

// DistinctCardHashes counts distinct non-empty card hashes for the
// agent since the given Unix time. Card churn reads from here.
func (s *Store) DistinctCardHashes(ctx context.Context, agentID string, since int64) (int, error) {
	var count int
	err := s.queryRow(ctx, `
		SELECT COUNT(DISTINCT card_hash) FROM identity_snapshots
		WHERE agent_id = ? AND fetched_at >= ? AND card_hash IS NOT NULL AND card_hash != ''`,
		agentID, since).Scan(&count)
	return count, err
}
