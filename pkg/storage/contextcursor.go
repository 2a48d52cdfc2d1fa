package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ContextCursor returns the last analysed block for (agentID, chainID),
// or found=false when the pair has never been analysed.
func (s *Store) ContextCursor(ctx context.Context, agentID, chainID string) (int64, bool, error) {
	var last int64
	err := s.queryRow(ctx, `
		SELECT last_block FROM context_cursor WHERE agent_id = ? AND chain_id = ?`,
		agentID, chainID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return last, true, nil
}

// SetContextCursor advances the analysis cursor for (agentID, chainID).
func (s *Store) SetContextCursor(ctx context.Context, agentID, chainID string, lastBlock int64) error {
	_, err := s.exec(ctx, `
		INSERT INTO context_cursor (agent_id, chain_id, last_block, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id, chain_id) DO UPDATE SET
			last_block = excluded.last_block,
			updated_at = excluded.updated_at`,
		agentID, chainID, lastBlock, s.clock().UTC().Format(time.RFC3339))
	return err
}
