package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// AgentSummary is one row of the agent listing: the agent plus its
// latest risk score and active alert count.
type AgentSummary struct {
	contracts.Agent
	LatestRisk   *int                 `json:"latestRisk"`
	Confidence   contracts.Confidence `json:"confidence,omitempty"`
	ActiveAlerts int                  `json:"activeAlerts"`
}

// normalizeLabels NFC-normalises, dedupes, and sorts labels so the
// stored form is canonical.
func normalizeLabels(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels))
	for _, label := range labels {
		l := norm.NFC.String(strings.TrimSpace(label))
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// UpsertAgent inserts the agent or refreshes its status and labels.
// CreatedAt is preserved on conflict.
func (s *Store) UpsertAgent(ctx context.Context, agent contracts.Agent) error {
	if agent.AgentID == "" {
		return &contracts.ValidationError{Field: "agentId", Msg: "empty agent id"}
	}
	if agent.Status == "" {
		agent.Status = contracts.AgentActive
	}
	createdAt := agent.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock().UTC()
	}
	labelsJSON, err := json.Marshal(normalizeLabels(agent.Labels))
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `
		INSERT INTO agents (agent_id, created_at, status, labels_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			status = excluded.status,
			labels_json = excluded.labels_json`,
		agent.AgentID, createdAt.UTC().Format(time.RFC3339), string(agent.Status), string(labelsJSON))
	return err
}

// GetAgent loads one agent.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*contracts.Agent, error) {
	var (
		agent      contracts.Agent
		createdAt  string
		labelsJSON string
		status     string
	)
	err := s.queryRow(ctx,
		`SELECT agent_id, created_at, status, labels_json FROM agents WHERE agent_id = ?`, agentID).
		Scan(&agent.AgentID, &createdAt, &status, &labelsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &contracts.NotFoundError{Kind: "agent", Key: agentID}
	}
	if err != nil {
		return nil, err
	}
	agent.Status = contracts.AgentStatus(status)
	agent.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if err := json.Unmarshal([]byte(labelsJSON), &agent.Labels); err != nil {
		agent.Labels = nil
	}
	return &agent, nil
}

// ListAgents returns every agent with its latest risk report and
// active alert count, most recently scored first.
func (s *Store) ListAgents(ctx context.Context) ([]AgentSummary, error) {
	rows, err := s.query(ctx, `
		SELECT a.agent_id, a.created_at, a.status, a.labels_json,
		       r.overall_risk, r.confidence,
		       (SELECT COUNT(*) FROM alerts al WHERE al.agent_id = a.agent_id AND al.is_active = 1)
		FROM agents a
		LEFT JOIN risk_reports r ON r.report_id = (
			SELECT report_id FROM risk_reports
			WHERE agent_id = a.agent_id
			ORDER BY generated_at DESC LIMIT 1
		)
		ORDER BY COALESCE(r.generated_at, 0) DESC, a.agent_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []AgentSummary
	for rows.Next() {
		var (
			summary    AgentSummary
			createdAt  string
			status     string
			labelsJSON string
			risk       sql.NullInt64
			confidence sql.NullString
		)
		if err := rows.Scan(&summary.AgentID, &createdAt, &status, &labelsJSON,
			&risk, &confidence, &summary.ActiveAlerts); err != nil {
			return nil, err
		}
		summary.Status = contracts.AgentStatus(status)
		summary.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if err := json.Unmarshal([]byte(labelsJSON), &summary.Labels); err != nil {
			summary.Labels = nil
		}
		if risk.Valid {
			v := int(risk.Int64)
			summary.LatestRisk = &v
			summary.Confidence = contracts.Confidence(confidence.String)
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}
