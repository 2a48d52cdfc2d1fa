package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/Mindburn-Labs/watchtower/pkg/chain"
	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
	"github.com/Mindburn-Labs/watchtower/pkg/manifest"
	"github.com/Mindburn-Labs/watchtower/pkg/poller"
	"github.com/Mindburn-Labs/watchtower/pkg/scoring"
	"github.com/Mindburn-Labs/watchtower/pkg/translog"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeBody tolerates an empty body, returning the zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		WriteBadRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.cfg.Version,
		"uptime":  int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "storage not configured")
		return
	}
	agents, err := s.deps.Store.ListAgents(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "count": len(agents)})
}

func (s *Server) handleAgentRisk(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "storage not configured")
		return
	}
	agentID := mux.Vars(r)["agentId"]
	report, err := s.deps.Store.LatestRiskReport(r.Context(), agentID)
	if err != nil {
		if contracts.IsNotFound(err) {
			WriteNotFound(w, "no risk report for agent "+agentID)
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAgentAlerts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "storage not configured")
		return
	}
	agentID := mux.Vars(r)["agentId"]
	activeOnly := r.URL.Query().Get("activeOnly") == "true"
	alerts, err := s.deps.Store.ListAlerts(r.Context(), agentID, activeOnly)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

type ingestRequest struct {
	AgentID  string `json:"agentId"`
	Manifest struct {
		ManifestPath   string `json:"manifestPath"`
		RunDir         string `json:"runDir"`
		ManifestSha256 string `json:"manifestSha256"`
		ReceiptID      string `json:"receiptId"`
		RunID          string `json:"runId"`
	} `json:"manifest"`
}

// handleIngest verifies a solver delivery and scores the agent with
// the resulting behaviour signals.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil || s.deps.Scorer == nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "scoring not configured")
		return
	}
	var req ingestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		WriteBadRequest(w, "agentId is required")
		return
	}
	if req.Manifest.ManifestPath == "" || req.Manifest.RunDir == "" {
		WriteBadRequest(w, "manifest.manifestPath and manifest.runDir are required")
		return
	}

	result, err := manifest.Verify(req.Manifest.ManifestPath, req.Manifest.RunDir, req.Manifest.ManifestSha256)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	now := time.Now().UTC().Unix()
	signals := manifest.Signals(result, now)

	if err := s.deps.Store.UpsertAgent(r.Context(), contracts.Agent{
		AgentID: req.AgentID,
		Status:  contracts.AgentActive,
	}); err != nil {
		WriteInternal(w, err)
		return
	}
	snapshot, err := scoring.BuildSnapshot(req.AgentID, now, signals)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	report, alerts, err := s.deps.Scorer.ScoreAgent(r.Context(), req.AgentID, []contracts.Snapshot{snapshot})
	if err != nil {
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"verified": result.OK(),
		"failures": result.Failures,
		"report":   report,
		"alerts":   alerts,
	})
}

func (s *Server) handleTransparencyLeaves(w http.ResponseWriter, r *http.Request) {
	if s.deps.Translog == nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "transparency log not configured")
		return
	}
	date := r.URL.Query().Get("date")

	var leaves []contracts.TransparencyLeaf
	var err error
	if date == "" {
		leaves, err = s.deps.Translog.Leaves()
	} else {
		if _, perr := time.Parse("2006-01-02", date); perr != nil {
			WriteBadRequest(w, "date must be YYYY-MM-DD")
			return
		}
		leaves, err = s.deps.Translog.LeavesForDate(date)
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if leaves == nil {
		leaves = []contracts.TransparencyLeaf{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(leaves), "leaves": leaves})
}

// handleTransparencyStatus reports the latest log date, the public key,
// and an offline verification summary over the last seven days.
func (s *Server) handleTransparencyStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Translog == nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "transparency log not configured")
		return
	}
	files, err := s.deps.Translog.Files()
	if err != nil {
		WriteInternal(w, err)
		return
	}

	var latestDate string
	if len(files) > 0 {
		latestDate = logFileDate(files[len(files)-1])
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -7).Format("2006-01-02")
	var summary translog.Report
	for _, f := range files {
		if logFileDate(f) < cutoff {
			continue
		}
		rep, err := s.deps.Translog.Verify(f)
		if err != nil {
			WriteInternal(w, err)
			return
		}
		summary.Total += rep.Total
		summary.Valid += rep.Valid
		summary.Invalid += rep.Invalid
		summary.Errors = append(summary.Errors, rep.Errors...)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"latestDate": latestDate,
		"publicKey":  s.deps.Translog.PublicKey(),
		"last7Days":  summary,
	})
}

func logFileDate(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), ".ndjson")
	return strings.TrimPrefix(base, "leaves-")
}

type scanRequest struct {
	RuleIDs        []string `json:"ruleIds"`
	LookbackBlocks int64    `json:"lookbackBlocks"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scanner == nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "no chain watcher running")
		return
	}
	var req scanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.LookbackBlocks < 0 {
		WriteBadRequest(w, "lookbackBlocks must be positive")
		return
	}

	report, err := s.deps.Scanner.Tick(r.Context(), poller.TickOptions{
		RuleIDs:        req.RuleIDs,
		LookbackBlocks: req.LookbackBlocks,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type actionRequest struct {
	ReceiptID string `json:"receiptId"`
}

type actionResponse struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash,omitempty"`
	Message string `json:"message"`
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	s.runManualAction(w, r, contracts.ActionOpenDispute)
}

func (s *Server) handleSubmitEvidence(w http.ResponseWriter, r *http.Request) {
	s.runManualAction(w, r, contracts.ActionSubmitEvidence)
}

// runManualAction shares the open-dispute / submit-evidence flow: the
// receipt (and, for evidence, its dispute) must exist on chain, live
// actions must be enabled, and the idempotency ledger still applies.
func (s *Server) runManualAction(w http.ResponseWriter, r *http.Request, actionType contracts.ActionType) {
	if s.cfg.DryRun {
		WriteForbidden(w, "live actions are disabled")
		return
	}
	if s.deps.Provider == nil || s.deps.Executor == nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "action pipeline not configured")
		return
	}
	var req actionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ReceiptID == "" {
		WriteBadRequest(w, "receiptId is required")
		return
	}

	receipt, err := s.findReceipt(r, req.ReceiptID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if receipt == nil {
		WriteNotFound(w, "unknown receipt "+req.ReceiptID)
		return
	}
	if actionType == contracts.ActionSubmitEvidence {
		ok, err := s.hasActiveDispute(r, req.ReceiptID)
		if err != nil {
			WriteInternal(w, err)
			return
		}
		if !ok {
			WriteNotFound(w, "no active dispute for receipt "+req.ReceiptID)
			return
		}
	}

	block := receipt.BlockNumber
	if block == nil {
		block = contracts.NewBigInt(0)
	}
	now := time.Now().UTC()
	finding := contracts.Finding{
		ID:                contracts.NewFindingID("MANUAL", block, now),
		RuleID:            "MANUAL",
		Title:             fmt.Sprintf("Operator-requested %s for %s", actionType, receipt.ReceiptID),
		Severity:          contracts.SeverityHigh,
		Category:          contracts.CategoryReceipt,
		CreatedAt:         now,
		BlockNumber:       block,
		SolverID:          receipt.SolverID,
		ReceiptID:         receipt.ReceiptID,
		RecommendedAction: actionType,
	}

	results := s.deps.Executor.ExecuteActions(r.Context(), []contracts.Finding{finding})
	if len(results) == 0 {
		writeJSON(w, http.StatusOK, actionResponse{
			Success: false,
			Message: "action already recorded for receipt " + receipt.ReceiptID,
		})
		return
	}
	result := results[0]
	if !result.Success {
		WriteError(w, http.StatusInternalServerError, "Action Failed", result.Error)
		return
	}
	resp := actionResponse{Success: true, Message: string(actionType) + " executed"}
	if result.TxHash != nil {
		resp.TxHash = *result.TxHash
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) findReceipt(r *http.Request, receiptID string) (*chain.Receipt, error) {
	receipts, err := s.deps.Provider.ReceiptsInChallengeWindow(r.Context())
	if err != nil {
		return nil, err
	}
	for i := range receipts {
		if strings.EqualFold(receipts[i].ReceiptID, receiptID) {
			return &receipts[i], nil
		}
	}
	return nil, nil
}

func (s *Server) hasActiveDispute(r *http.Request, receiptID string) (bool, error) {
	disputes, err := s.deps.Provider.ActiveDisputes(r.Context())
	if err != nil {
		return false, err
	}
	for _, d := range disputes {
		if strings.EqualFold(d.ReceiptID, receiptID) {
			return true, nil
		}
	}
	return false, nil
}
