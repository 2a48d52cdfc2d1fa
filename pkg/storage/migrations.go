package storage

import (
	"context"
	"embed"
	"sort"
	"time"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// inlineDDL is the fallback schema applied when no migration files
// are embedded. It must stay equivalent to the newest migration chain.
const inlineDDL = `
CREATE TABLE IF NOT EXISTS agents (agent_id TEXT PRIMARY KEY, created_at TEXT NOT NULL, status TEXT NOT NULL DEFAULT 'ACTIVE', labels_json TEXT NOT NULL DEFAULT '[]');
CREATE TABLE IF NOT EXISTS snapshots (snapshot_id TEXT PRIMARY KEY, agent_id TEXT NOT NULL REFERENCES agents(agent_id), observed_at BIGINT NOT NULL, signals_json TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS alerts (alert_id TEXT PRIMARY KEY, agent_id TEXT NOT NULL REFERENCES agents(agent_id), severity TEXT NOT NULL, type TEXT NOT NULL, description TEXT NOT NULL DEFAULT '', evidence_json TEXT NOT NULL DEFAULT '[]', created_at BIGINT NOT NULL, is_active INTEGER NOT NULL DEFAULT 1);
CREATE TABLE IF NOT EXISTS risk_reports (report_id TEXT PRIMARY KEY, agent_id TEXT NOT NULL REFERENCES agents(agent_id), generated_at BIGINT NOT NULL, overall_risk INTEGER NOT NULL, confidence TEXT NOT NULL, report_json TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS identity_cursor (chain_id TEXT NOT NULL, registry_address TEXT NOT NULL, last_block BIGINT NOT NULL, updated_at TEXT NOT NULL, PRIMARY KEY (chain_id, registry_address));
CREATE TABLE IF NOT EXISTS identity_events (event_id TEXT PRIMARY KEY, chain_id TEXT NOT NULL, registry_address TEXT NOT NULL, agent_token_id TEXT NOT NULL, agent_uri TEXT, owner_address TEXT, event_type TEXT NOT NULL, block_number BIGINT NOT NULL, tx_hash TEXT NOT NULL, log_index INTEGER NOT NULL, discovered_at TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS identity_snapshots (snapshot_id TEXT PRIMARY KEY, agent_id TEXT NOT NULL, agent_uri TEXT, fetch_status TEXT NOT NULL, card_hash TEXT, card_json TEXT, fetched_at BIGINT NOT NULL, http_status INTEGER, error_message TEXT);
CREATE TABLE IF NOT EXISTS context_cursor (agent_id TEXT NOT NULL, chain_id TEXT NOT NULL, last_block BIGINT NOT NULL, updated_at TEXT NOT NULL, PRIMARY KEY (agent_id, chain_id));
`

// Migrate applies pending migrations in filename order. Each applied
// file is recorded in _migrations; re-running is a no-op.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS _migrations (name TEXT PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return &contracts.FatalError{Stage: "migrations table", Err: err}
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil || len(entries) == 0 {
		return s.applyInline(ctx)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		applied, err := s.migrationApplied(ctx, name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		ddl, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return &contracts.FatalError{Stage: "read migration " + name, Err: err}
		}
		if _, err := s.db.ExecContext(ctx, string(ddl)); err != nil {
			return &contracts.FatalError{Stage: "apply migration " + name, Err: err}
		}
		if err := s.recordMigration(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyInline(ctx context.Context) error {
	const name = "inline"
	applied, err := s.migrationApplied(ctx, name)
	if err != nil || applied {
		return err
	}
	if _, err := s.db.ExecContext(ctx, inlineDDL); err != nil {
		return &contracts.FatalError{Stage: "apply inline schema", Err: err}
	}
	return s.recordMigration(ctx, name)
}

func (s *Store) migrationApplied(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM _migrations WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return false, &contracts.FatalError{Stage: "check migration " + name, Err: err}
	}
	return count > 0, nil
}

func (s *Store) recordMigration(ctx context.Context, name string) error {
	_, err := s.exec(ctx, `INSERT INTO _migrations (name, applied_at) VALUES (?, ?)`,
		name, s.clock().UTC().Format(time.RFC3339))
	if err != nil {
		return &contracts.FatalError{Stage: "record migration " + name, Err: err}
	}
	return nil
}
