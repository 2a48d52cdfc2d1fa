package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/watchtower/pkg/actions"
	"github.com/Mindburn-Labs/watchtower/pkg/chain"
	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
	"github.com/Mindburn-Labs/watchtower/pkg/ledger"
	"github.com/Mindburn-Labs/watchtower/pkg/manifest"
	"github.com/Mindburn-Labs/watchtower/pkg/poller"
	"github.com/Mindburn-Labs/watchtower/pkg/scoring"
	"github.com/Mindburn-Labs/watchtower/pkg/storage"
	"github.com/Mindburn-Labs/watchtower/pkg/translog"
)

type fakeScanner struct {
	report  poller.TickReport
	err     error
	gotOpts poller.TickOptions
}

func (f *fakeScanner) Tick(ctx context.Context, opts poller.TickOptions) (poller.TickReport, error) {
	f.gotOpts = opts
	return f.report, f.err
}

type fakeChain struct {
	receipts []chain.Receipt
	disputes []chain.Dispute
}

func (f *fakeChain) ChainID() string { return "8453" }
func (f *fakeChain) BlockNumber(context.Context) (*contracts.BigInt, error) {
	return contracts.NewBigInt(1000), nil
}
func (f *fakeChain) BlockTimestamp(context.Context, *contracts.BigInt) (time.Time, error) {
	return time.Now(), nil
}
func (f *fakeChain) ReceiptsInChallengeWindow(context.Context) ([]chain.Receipt, error) {
	return f.receipts, nil
}
func (f *fakeChain) ActiveDisputes(context.Context) ([]chain.Dispute, error) {
	return f.disputes, nil
}
func (f *fakeChain) SolverInfo(context.Context, string) (*chain.SolverInfo, error) {
	return nil, nil
}
func (f *fakeChain) EventsInRange(context.Context, *contracts.BigInt, *contracts.BigInt) ([]chain.Event, error) {
	return nil, nil
}

type stubActionHandler struct {
	calls int
	err   error
}

func (h *stubActionHandler) Execute(context.Context, contracts.Finding) (string, error) {
	h.calls++
	if h.err != nil {
		return "", h.err
	}
	return "0xmanual", nil
}

func (h *stubActionHandler) Healthy(context.Context) error { return nil }

type testEnv struct {
	server  *Server
	store   *storage.Store
	scorer  *scoring.Scorer
	log     *translog.Log
	scanner *fakeScanner
	chain   *fakeChain
	handler *stubActionHandler
	ledger  *ledger.ActionLedger
}

func newTestEnv(t *testing.T, mutate func(cfg *Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(dir, "wt.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	key, err := translog.LoadOrCreateKey(filepath.Join(dir, "keys", "watchtower.json"))
	require.NoError(t, err)
	log, err := translog.New(filepath.Join(dir, "translog"), key)
	require.NoError(t, err)

	led, err := ledger.New(filepath.Join(dir, "ledger.json"))
	require.NoError(t, err)
	handler := &stubActionHandler{}
	executor := actions.NewExecutor(actions.ExecutorConfig{MaxActionsPerScan: 10, Ledger: led})
	executor.Register(contracts.ActionOpenDispute, handler)
	executor.Register(contracts.ActionSubmitEvidence, handler)

	scanner := &fakeScanner{}
	provider := &fakeChain{}
	scorer := scoring.NewScorer(store, log, scoring.Config{}, nil)

	cfg := Config{Version: "0.1.0"}
	if mutate != nil {
		mutate(&cfg)
	}
	server := New(cfg, Deps{
		Store:    store,
		Translog: log,
		Scanner:  scanner,
		Provider: provider,
		Executor: executor,
		Scorer:   scorer,
	})
	return &testEnv{
		server: server, store: store, scorer: scorer, log: log,
		scanner: scanner, chain: provider, handler: handler, ledger: led,
	}
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthzIsPublicAndVersioned(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.Auth.APIKey = "secret" })
	router := env.server.Router()

	rec := doJSON(t, router, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "0.1.0", body["version"])
	assert.Contains(t, body, "uptime")

	rec = doJSON(t, router, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyGate(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.Auth.APIKey = "secret" })
	router := env.server.Router()

	rec := doJSON(t, router, http.MethodGet, "/v1/agents", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	rec = doJSON(t, router, http.MethodGet, "/v1/agents", nil, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/v1/agents", nil, map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBearerJWTGate(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.Auth.JWTSecret = "jwt-secret" })
	router := env.server.Router()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("jwt-secret"))
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodGet, "/v1/agents", nil, map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, rec.Code)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "ops"}).
		SignedString([]byte("other-secret"))
	require.NoError(t, err)
	rec = doJSON(t, router, http.MethodGet, "/v1/agents", nil, map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/v1/agents", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func seedScoredAgent(t *testing.T, env *testEnv, agentID string) *contracts.RiskReport {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.store.UpsertAgent(ctx, contracts.Agent{AgentID: agentID, Status: contracts.AgentActive}))

	snap, err := scoring.BuildSnapshot(agentID, time.Now().Unix(), []contracts.Signal{{
		SignalID:   "ID_CARD_UNREACHABLE",
		Severity:   contracts.SeverityHigh,
		Weight:     0.8,
		ObservedAt: time.Now().Unix(),
		Evidence:   []contracts.EvidenceRef{{Type: "card", Ref: "https://agent.example/card.json"}},
	}})
	require.NoError(t, err)
	report, _, err := env.scorer.ScoreAgent(ctx, agentID, []contracts.Snapshot{snap})
	require.NoError(t, err)
	return report
}

func TestAgentListingAndRisk(t *testing.T) {
	env := newTestEnv(t, nil)
	router := env.server.Router()
	report := seedScoredAgent(t, env, "erc8004:8453:0xreg:1")

	rec := doJSON(t, router, http.MethodGet, "/v1/agents", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Agents []storage.AgentSummary `json:"agents"`
		Count  int                    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Equal(t, 1, listing.Count)
	require.NotNil(t, listing.Agents[0].LatestRisk)
	assert.Equal(t, report.OverallRisk, *listing.Agents[0].LatestRisk)

	rec = doJSON(t, router, http.MethodGet, "/v1/agents/erc8004:8453:0xreg:1/risk", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got contracts.RiskReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, report.ReportID, got.ReportID)

	rec = doJSON(t, router, http.MethodGet, "/v1/agents/unknown/risk", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentAlertsFilter(t *testing.T) {
	env := newTestEnv(t, nil)
	router := env.server.Router()

	agentID := "erc8004:8453:0xreg:2"
	ctx := context.Background()
	require.NoError(t, env.store.UpsertAgent(ctx, contracts.Agent{AgentID: agentID, Status: contracts.AgentActive}))
	require.NoError(t, env.store.InsertAlert(ctx, contracts.Alert{
		AlertID: "a1", AgentID: agentID, Type: contracts.AlertHighRiskScore,
		Severity: contracts.SeverityHigh, CreatedAt: time.Now().Unix(), IsActive: true,
	}))
	require.NoError(t, env.store.InsertAlert(ctx, contracts.Alert{
		AlertID: "a2", AgentID: agentID, Type: contracts.AlertHighRiskScore,
		Severity: contracts.SeverityHigh, CreatedAt: time.Now().Unix(), IsActive: false,
	}))

	rec := doJSON(t, router, http.MethodGet, "/v1/agents/"+agentID+"/alerts", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)

	rec = doJSON(t, router, http.MethodGet, "/v1/agents/"+agentID+"/alerts?activeOnly=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
}

// writeManifestFixture builds a run dir with one artifact and a
// manifest declaring it.
func writeManifestFixture(t *testing.T) (manifestPath, runDir, hash string) {
	t.Helper()
	runDir = t.TempDir()
	content := []byte("result payload\n")
	require.NoError(t, os.MkdirAll(filepath.Join(runDir, "out"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "out", "result.json"), content, 0o600))

	sum := sha256.Sum256(content)
	m := manifest.Manifest{
		FormatVersion: "0.1.0",
		SolverID:      "0xsolver1",
		ReceiptID:     "0xreceipt1",
		Artifacts: []manifest.Artifact{{
			Path:      "out/result.json",
			Sha256:    hex.EncodeToString(sum[:]),
			SizeBytes: int64(len(content)),
		}},
	}
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	manifestPath = filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(manifestPath, raw, 0o600))
	mh := sha256.Sum256(raw)
	return manifestPath, runDir, hex.EncodeToString(mh[:])
}

func TestIngestCleanManifest(t *testing.T) {
	env := newTestEnv(t, nil)
	router := env.server.Router()
	manifestPath, runDir, hash := writeManifestFixture(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/receipts/ingest", map[string]any{
		"agentId": "erc8004:8453:0xreg:7",
		"manifest": map[string]any{
			"manifestPath":   manifestPath,
			"runDir":         runDir,
			"manifestSha256": hash,
		},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Verified bool                 `json:"verified"`
		Report   contracts.RiskReport `json:"report"`
		Alerts   []contracts.Alert    `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Verified)
	assert.Equal(t, "erc8004:8453:0xreg:7", body.Report.AgentID)
	assert.Less(t, body.Report.OverallRisk, 80)
	assert.Empty(t, body.Alerts)

	// The score lands in storage and the transparency log.
	rec = doJSON(t, router, http.MethodGet, "/v1/agents/erc8004:8453:0xreg:7/risk", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	leaves, err := env.log.Leaves()
	require.NoError(t, err)
	require.Len(t, leaves, 1)
	assert.Equal(t, body.Report.ReportID, leaves[0].RiskReportHash)
}

func TestIngestTamperedManifestScoresCritical(t *testing.T) {
	env := newTestEnv(t, nil)
	router := env.server.Router()
	manifestPath, runDir, _ := writeManifestFixture(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/receipts/ingest", map[string]any{
		"agentId": "erc8004:8453:0xreg:8",
		"manifest": map[string]any{
			"manifestPath":   manifestPath,
			"runDir":         runDir,
			"manifestSha256": "deadbeef",
		},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Verified bool                 `json:"verified"`
		Report   contracts.RiskReport `json:"report"`
		Alerts   []contracts.Alert    `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Verified)
	assert.Equal(t, 100, body.Report.OverallRisk)
	require.Len(t, body.Alerts, 1)
	assert.Equal(t, contracts.AlertCriticalSignal, body.Alerts[0].Type)
}

func TestIngestValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	router := env.server.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/receipts/ingest", map[string]any{"agentId": ""}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/v1/receipts/ingest", map[string]any{"agentId": "a"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransparencyLeavesAndStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	router := env.server.Router()
	seedScoredAgent(t, env, "erc8004:8453:0xreg:9")

	today := time.Now().UTC().Format("2006-01-02")
	rec := doJSON(t, router, http.MethodGet, "/v1/transparency/leaves?date="+today, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var leavesBody struct {
		Count  int                          `json:"count"`
		Leaves []contracts.TransparencyLeaf `json:"leaves"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &leavesBody))
	require.Equal(t, 1, leavesBody.Count)

	rec = doJSON(t, router, http.MethodGet, "/v1/transparency/leaves?date=2020-01-01", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &leavesBody))
	assert.Equal(t, 0, leavesBody.Count)

	rec = doJSON(t, router, http.MethodGet, "/v1/transparency/leaves?date=not-a-date", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/v1/transparency/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		LatestDate string          `json:"latestDate"`
		PublicKey  string          `json:"publicKey"`
		Last7Days  translog.Report `json:"last7Days"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, today, status.LatestDate)
	assert.Equal(t, env.log.PublicKey(), status.PublicKey)
	assert.Equal(t, 1, status.Last7Days.Total)
	assert.Equal(t, 1, status.Last7Days.Valid)
	assert.Equal(t, 0, status.Last7Days.Invalid)
}

func TestScanEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	router := env.server.Router()
	env.scanner.report = poller.TickReport{ChainID: "8453", RulesExecuted: 3}

	rec := doJSON(t, router, http.MethodPost, "/scan", map[string]any{
		"ruleIds":        []string{"RECEIPT_STALE"},
		"lookbackBlocks": 50,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"RECEIPT_STALE"}, env.scanner.gotOpts.RuleIDs)
	assert.Equal(t, int64(50), env.scanner.gotOpts.LookbackBlocks)

	var report poller.TickReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 3, report.RulesExecuted)

	env.scanner.err = fmt.Errorf("rpc down")
	rec = doJSON(t, router, http.MethodPost, "/scan", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestActionEndpointForbiddenInDryRun(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.DryRun = true })
	router := env.server.Router()

	rec := doJSON(t, router, http.MethodPost, "/actions/open-dispute", map[string]any{"receiptId": "0xr1"}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, env.handler.calls)
}

func TestOpenDisputeFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	router := env.server.Router()
	env.chain.receipts = []chain.Receipt{{
		ReceiptID: "0xr1", SolverID: "0xsolver1", Status: chain.ReceiptPending,
		BlockNumber: contracts.NewBigInt(900),
	}}

	rec := doJSON(t, router, http.MethodPost, "/actions/open-dispute", map[string]any{"receiptId": "0xmissing"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/actions/open-dispute", map[string]any{"receiptId": "0xr1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp actionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "0xmanual", resp.TxHash)
	assert.Equal(t, 1, env.handler.calls)
	assert.True(t, env.ledger.Has("0xr1"))

	// Second request is absorbed by the idempotency ledger.
	rec = doJSON(t, router, http.MethodPost, "/actions/open-dispute", map[string]any{"receiptId": "0xr1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "already recorded")
	assert.Equal(t, 1, env.handler.calls)
}

func TestSubmitEvidenceNeedsActiveDispute(t *testing.T) {
	env := newTestEnv(t, nil)
	router := env.server.Router()
	env.chain.receipts = []chain.Receipt{{ReceiptID: "0xr2", Status: chain.ReceiptChallenged}}

	rec := doJSON(t, router, http.MethodPost, "/actions/submit-evidence", map[string]any{"receiptId": "0xr2"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.chain.disputes = []chain.Dispute{{DisputeID: "d1", ReceiptID: "0xr2", Status: "open"}}
	rec = doJSON(t, router, http.MethodPost, "/actions/submit-evidence", map[string]any{"receiptId": "0xr2"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp actionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
}

func TestActionHandlerFailureIs500(t *testing.T) {
	env := newTestEnv(t, nil)
	router := env.server.Router()
	env.chain.receipts = []chain.Receipt{{ReceiptID: "0xr3", Status: chain.ReceiptPending}}
	env.handler.err = fmt.Errorf("signer unavailable")

	rec := doJSON(t, router, http.MethodPost, "/actions/open-dispute", map[string]any{"receiptId": "0xr3"}, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "signer unavailable")
	assert.False(t, env.ledger.Has("0xr3"))
}
