package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// InsertSnapshot stores one signal snapshot. A duplicate snapshot ID
// is a no-op: identical signal sets hash to the same ID on purpose.
func (s *Store) InsertSnapshot(ctx context.Context, snapshot contracts.Snapshot) error {
	signalsJSON, err := json.Marshal(snapshot.Signals)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO snapshots (snapshot_id, agent_id, observed_at, signals_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(snapshot_id) DO NOTHING`,
		snapshot.SnapshotID, snapshot.AgentID, snapshot.ObservedAt, string(signalsJSON))
	return err
}

// SnapshotsForAgent returns the agent's snapshots, newest first,
// bounded by limit when positive.
func (s *Store) SnapshotsForAgent(ctx context.Context, agentID string, limit int) ([]contracts.Snapshot, error) {
	q := `SELECT snapshot_id, agent_id, observed_at, signals_json FROM snapshots
	      WHERE agent_id = ? ORDER BY observed_at DESC`
	args := []any{agentID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Snapshot
	for rows.Next() {
		var (
			snapshot    contracts.Snapshot
			signalsJSON string
		)
		if err := rows.Scan(&snapshot.SnapshotID, &snapshot.AgentID, &snapshot.ObservedAt, &signalsJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(signalsJSON), &snapshot.Signals); err != nil {
			return nil, err
		}
		out = append(out, snapshot)
	}
	return out, rows.Err()
}

// InsertRiskReport stores one immutable report.
func (s *Store) InsertRiskReport(ctx context.Context, report contracts.RiskReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO risk_reports (report_id, agent_id, generated_at, overall_risk, confidence, report_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(report_id) DO NOTHING`,
		report.ReportID, report.AgentID, report.GeneratedAt, report.OverallRisk,
		string(report.Confidence), string(reportJSON))
	return err
}

// LatestRiskReport returns the newest report for the agent.
func (s *Store) LatestRiskReport(ctx context.Context, agentID string) (*contracts.RiskReport, error) {
	var reportJSON string
	err := s.queryRow(ctx, `
		SELECT report_json FROM risk_reports
		WHERE agent_id = ? ORDER BY generated_at DESC LIMIT 1`, agentID).Scan(&reportJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &contracts.NotFoundError{Kind: "risk report", Key: agentID}
	}
	if err != nil {
		return nil, err
	}
	var report contracts.RiskReport
	if err := json.Unmarshal([]byte(reportJSON), &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// InsertAlert stores one alert. Alerts are born active.
func (s *Store) InsertAlert(ctx context.Context, alert contracts.Alert) error {
	evidenceJSON, err := json.Marshal(alert.Evidence)
	if err != nil {
		return err
	}
	active := 0
	if alert.IsActive {
		active = 1
	}
	_, err = s.exec(ctx, `
		INSERT INTO alerts (alert_id, agent_id, severity, type, description, evidence_json, created_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(alert_id) DO NOTHING`,
		alert.AlertID, alert.AgentID, string(alert.Severity), alert.Type,
		alert.Description, string(evidenceJSON), alert.CreatedAt, active)
	return err
}

// ListAlerts returns the agent's alerts, newest first.
func (s *Store) ListAlerts(ctx context.Context, agentID string, activeOnly bool) ([]contracts.Alert, error) {
	q := `SELECT alert_id, agent_id, severity, type, description, evidence_json, created_at, is_active
	      FROM alerts WHERE agent_id = ?`
	if activeOnly {
		q += ` AND is_active = 1`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.query(ctx, q, agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Alert
	for rows.Next() {
		var (
			alert        contracts.Alert
			severity     string
			evidenceJSON string
			active       int
		)
		if err := rows.Scan(&alert.AlertID, &alert.AgentID, &severity, &alert.Type,
			&alert.Description, &evidenceJSON, &alert.CreatedAt, &active); err != nil {
			return nil, err
		}
		alert.Severity = contracts.Severity(severity)
		alert.IsActive = active == 1
		if err := json.Unmarshal([]byte(evidenceJSON), &alert.Evidence); err != nil {
			return nil, err
		}
		out = append(out, alert)
	}
	return out, rows.Err()
}

// DeactivateAlert flips an alert inactive. Reactivation is not
// supported; acked alerts stay acked.
func (s *Store) DeactivateAlert(ctx context.Context, alertID string) error {
	res, err := s.exec(ctx, `UPDATE alerts SET is_active = 0 WHERE alert_id = ?`, alertID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &contracts.NotFoundError{Kind: "alert", Key: alertID}
	}
	return nil
}
