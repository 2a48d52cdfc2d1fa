// Package config loads and validates the watchtower configuration from
// environment variables, with optional .env and chains-file support.
// Load returns a fully validated Config; any violation of the
// documented ranges is a ValidationError and fatal at startup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ContractAddresses names the protocol contracts watched on one chain.
type ContractAddresses struct {
	SolverRegistry   string `json:"solverRegistry" yaml:"solverRegistry"`
	IntentReceiptHub string `json:"intentReceiptHub" yaml:"intentReceiptHub"`
	DisputeModule    string `json:"disputeModule" yaml:"disputeModule"`
	AgentRegistry    string `json:"agentRegistry" yaml:"agentRegistry"`
}

// ChainConfig describes one watched chain.
type ChainConfig struct {
	Name      string            `json:"name" yaml:"name"`
	RPCURL    string            `json:"rpcUrl" yaml:"rpcUrl"`
	ChainID   string            `json:"chainId" yaml:"chainId"`
	Contracts ContractAddresses `json:"contracts" yaml:"contracts"`
	Enabled   bool              `json:"enabled" yaml:"enabled"`
}

// RulesConfig tunes the built-in rules.
type RulesConfig struct {
	ChallengeWindowSeconds  int64
	MinReceiptAgeSeconds    int64
	AllowlistSolverIDs      []string
	AllowlistReceiptIDs     []string
	RuleTimeout             time.Duration
	CustomRulesFile         string
	FacilitatorAddress      string
	MaxSettlementsPerEpoch  int
	SettlementAmountWei     string
	DelegationWindowBlocks  int64
}

// ResilienceConfig tunes retries and the circuit breaker for RPC calls.
type ResilienceConfig struct {
	MaxRetries       int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int
}

// EvidenceConfig tunes the JSONL evidence store.
type EvidenceConfig struct {
	Enabled          bool
	DataDir          string
	MaxFileSizeBytes int64
	ValidateOnWrite  bool
}

// WebhookConfig tunes the outbound notifier.
type WebhookConfig struct {
	Enabled           bool
	URL               string
	Secret            string
	Timeout           time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
	SendHeartbeat     bool
	HeartbeatInterval time.Duration
}

// ScoringConfig tunes the agent scoring pipeline.
type ScoringConfig struct {
	NewbornAgeSeconds      int64
	ChurnWindowSeconds     int64
	ChurnThreshold         int
	DormancyThresholdSecs  int64
	BurstMinTx             int
	BurstMultiplier        float64
	MinTxForConcentration  int
	EnablePaymentAdjacency bool
}

// APIConfig tunes the HTTP surface.
type APIConfig struct {
	Host          string
	Port          int
	APIKey        string
	JWTSecret     string
	RedisAddr     string
	RateLimitRPS  int
	RateLimitBurst int
}

// ArchiveConfig selects the blob archive backend.
type ArchiveConfig struct {
	Backend    string // none | fs | s3 | gcs
	FSDir      string
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	GCSBucket  string
}

// Config is the validated runtime configuration.
type Config struct {
	Chains        []ChainConfig
	ScanInterval  time.Duration
	LookbackBlocks int64
	Confirmations int64

	DryRun             bool
	MaxActionsPerScan  int
	StateDir           string
	SignerType         string

	Rules      RulesConfig
	Resilience ResilienceConfig
	Evidence   EvidenceConfig
	Webhook    WebhookConfig
	Scoring    ScoringConfig
	API        APIConfig
	Archive    ArchiveConfig

	DBPath    string
	DBURL     string
	KeyPath   string
	LogDir    string

	OtelEnabled  bool
	OtelEndpoint string
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v := strings.ToLower(getenv(key, ""))
	if v == "" {
		return def
	}
	return v == "true" || v == "1" || v == "yes"
}

func getInt(key string, def, min, max int) (int, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &contracts.ValidationError{Field: key, Msg: fmt.Sprintf("not an integer: %q", v)}
	}
	if n < min || n > max {
		return 0, &contracts.ValidationError{Field: key, Msg: fmt.Sprintf("%d outside [%d, %d]", n, min, max)}
	}
	return n, nil
}

func getCSV(key string) []string {
	raw := getenv(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads, defaults, and validates the full configuration.
func Load() (*Config, error) {
	cfg := &Config{}

	chains, err := loadChains()
	if err != nil {
		return nil, err
	}
	cfg.Chains = chains

	scanMs, err := getInt("SCAN_INTERVAL_MS", 60000, 1000, 1<<31-1)
	if err != nil {
		return nil, err
	}
	cfg.ScanInterval = time.Duration(scanMs) * time.Millisecond

	// SCAN_LOOKBACK_BLOCKS is a legacy alias; it wins when both are set.
	lookbackKey := "LOOKBACK_BLOCKS"
	if getenv("SCAN_LOOKBACK_BLOCKS", "") != "" {
		lookbackKey = "SCAN_LOOKBACK_BLOCKS"
	}
	lookback, err := getInt(lookbackKey, 1000, 1, 1<<31-1)
	if err != nil {
		return nil, err
	}
	cfg.LookbackBlocks = int64(lookback)

	conf, err := getInt("BLOCK_CONFIRMATIONS", 6, 0, 10000)
	if err != nil {
		return nil, err
	}
	cfg.Confirmations = int64(conf)

	cfg.DryRun = getBool("DRY_RUN", true)
	cfg.MaxActionsPerScan, err = getInt("MAX_ACTIONS_PER_SCAN", 5, 0, 100)
	if err != nil {
		return nil, err
	}
	cfg.StateDir = getenv("STATE_DIR", ".state")

	cfg.SignerType = getenv("SIGNER_TYPE", "local")
	switch cfg.SignerType {
	case "local", "agent-passkey", "gcp-kms", "lit-pkp":
	default:
		return nil, &contracts.ValidationError{Field: "SIGNER_TYPE", Msg: fmt.Sprintf("unknown signer type %q", cfg.SignerType)}
	}

	if cfg.Rules, err = loadRules(); err != nil {
		return nil, err
	}
	if cfg.Resilience, err = loadResilience(); err != nil {
		return nil, err
	}
	if cfg.Evidence, err = loadEvidence(); err != nil {
		return nil, err
	}
	if cfg.Webhook, err = loadWebhook(); err != nil {
		return nil, err
	}
	if cfg.Scoring, err = loadScoring(); err != nil {
		return nil, err
	}
	if cfg.API, err = loadAPI(); err != nil {
		return nil, err
	}
	if cfg.Archive, err = loadArchive(); err != nil {
		return nil, err
	}

	cfg.DBPath = getenv("WATCHTOWER_DB_PATH", "watchtower.db")
	cfg.DBURL = getenv("WATCHTOWER_DB_URL", "")
	cfg.KeyPath = getenv("WATCHTOWER_KEY_PATH", ".keys/watchtower-ed25519.json")
	cfg.LogDir = getenv("WATCHTOWER_LOG_DIR", ".translog")

	cfg.OtelEnabled = getBool("OTEL_ENABLED", false)
	cfg.OtelEndpoint = getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")

	return cfg, nil
}

func loadRules() (RulesConfig, error) {
	var rc RulesConfig
	challenge, err := getInt("CHALLENGE_WINDOW_SECONDS", 3600, 0, 1<<31-1)
	if err != nil {
		return rc, err
	}
	minAge, err := getInt("MIN_RECEIPT_AGE_SECONDS", 60, 0, 1<<31-1)
	if err != nil {
		return rc, err
	}
	timeoutMs, err := getInt("RULE_TIMEOUT_MS", 30000, 100, 1<<31-1)
	if err != nil {
		return rc, err
	}
	maxSettle, err := getInt("MAX_SETTLEMENTS_PER_EPOCH", 10, 1, 1<<31-1)
	if err != nil {
		return rc, err
	}
	window, err := getInt("DELEGATION_WINDOW_BLOCKS", 1000, 1, 1<<31-1)
	if err != nil {
		return rc, err
	}
	facilitator := strings.ToLower(getenv("FACILITATOR_ADDRESS", ""))
	if facilitator != "" && !addressPattern.MatchString(facilitator) {
		return rc, &contracts.ValidationError{Field: "FACILITATOR_ADDRESS", Msg: "not a 0x-prefixed 40-hex address"}
	}
	rc = RulesConfig{
		ChallengeWindowSeconds: int64(challenge),
		MinReceiptAgeSeconds:   int64(minAge),
		AllowlistSolverIDs:     getCSV("ACTION_ALLOWLIST_SOLVER_IDS"),
		AllowlistReceiptIDs:    getCSV("ACTION_ALLOWLIST_RECEIPT_IDS"),
		RuleTimeout:            time.Duration(timeoutMs) * time.Millisecond,
		CustomRulesFile:        getenv("CUSTOM_RULES_FILE", ""),
		FacilitatorAddress:     facilitator,
		MaxSettlementsPerEpoch: maxSettle,
		SettlementAmountWei:    getenv("SETTLEMENT_AMOUNT_THRESHOLD_WEI", "1000000000000000000"),
		DelegationWindowBlocks: int64(window),
	}
	return rc, nil
}

func loadResilience() (ResilienceConfig, error) {
	var rc ResilienceConfig
	retries, err := getInt("RPC_MAX_RETRIES", 3, 0, 10)
	if err != nil {
		return rc, err
	}
	base, err := getInt("RPC_RETRY_BASE_DELAY_MS", 500, 1, 1<<31-1)
	if err != nil {
		return rc, err
	}
	max, err := getInt("RPC_RETRY_MAX_DELAY_MS", 10000, 1, 1<<31-1)
	if err != nil {
		return rc, err
	}
	failures, err := getInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5, 1, 1000)
	if err != nil {
		return rc, err
	}
	reset, err := getInt("CIRCUIT_BREAKER_RESET_TIMEOUT_MS", 30000, 1, 1<<31-1)
	if err != nil {
		return rc, err
	}
	successes, err := getInt("CIRCUIT_BREAKER_SUCCESS_THRESHOLD", 2, 1, 1000)
	if err != nil {
		return rc, err
	}
	return ResilienceConfig{
		MaxRetries:       retries,
		RetryBaseDelay:   time.Duration(base) * time.Millisecond,
		RetryMaxDelay:    time.Duration(max) * time.Millisecond,
		FailureThreshold: failures,
		ResetTimeout:     time.Duration(reset) * time.Millisecond,
		SuccessThreshold: successes,
	}, nil
}

func loadEvidence() (EvidenceConfig, error) {
	size, err := getInt("EVIDENCE_MAX_FILE_SIZE_BYTES", 10*1024*1024, 1024, 1<<31-1)
	if err != nil {
		return EvidenceConfig{}, err
	}
	return EvidenceConfig{
		Enabled:          getBool("EVIDENCE_ENABLED", true),
		DataDir:          getenv("EVIDENCE_DATA_DIR", ".evidence"),
		MaxFileSizeBytes: int64(size),
		ValidateOnWrite:  getBool("EVIDENCE_VALIDATE_ON_WRITE", true),
	}, nil
}

func loadWebhook() (WebhookConfig, error) {
	var wc WebhookConfig
	wc.Enabled = getBool("WEBHOOK_ENABLED", false)
	wc.URL = getenv("WEBHOOK_URL", "")
	wc.Secret = getenv("WEBHOOK_SECRET", "")
	if wc.Enabled {
		if wc.URL == "" {
			return wc, &contracts.ValidationError{Field: "WEBHOOK_URL", Msg: "required when webhooks are enabled"}
		}
		if len(wc.Secret) < 32 {
			return wc, &contracts.ValidationError{Field: "WEBHOOK_SECRET", Msg: "must be at least 32 characters"}
		}
	}
	timeout, err := getInt("WEBHOOK_TIMEOUT_MS", 10000, 100, 1<<31-1)
	if err != nil {
		return wc, err
	}
	retries, err := getInt("WEBHOOK_MAX_RETRIES", 3, 0, 10)
	if err != nil {
		return wc, err
	}
	delay, err := getInt("WEBHOOK_RETRY_DELAY_MS", 1000, 1, 1<<31-1)
	if err != nil {
		return wc, err
	}
	heartbeat, err := getInt("WEBHOOK_HEARTBEAT_INTERVAL_MS", 60000, 1000, 1<<31-1)
	if err != nil {
		return wc, err
	}
	wc.Timeout = time.Duration(timeout) * time.Millisecond
	wc.MaxRetries = retries
	wc.RetryDelay = time.Duration(delay) * time.Millisecond
	wc.SendHeartbeat = getBool("WEBHOOK_SEND_HEARTBEAT", false)
	wc.HeartbeatInterval = time.Duration(heartbeat) * time.Millisecond
	return wc, nil
}

func loadScoring() (ScoringConfig, error) {
	var sc ScoringConfig
	newborn, err := getInt("NEWBORN_AGE_SECONDS", 14*24*3600, 0, 1<<31-1)
	if err != nil {
		return sc, err
	}
	churnWindow, err := getInt("CHURN_WINDOW_SECONDS", 7*24*3600, 0, 1<<31-1)
	if err != nil {
		return sc, err
	}
	churnThreshold, err := getInt("CHURN_THRESHOLD", 3, 1, 1000)
	if err != nil {
		return sc, err
	}
	dormancy, err := getInt("DORMANCY_THRESHOLD_SECONDS", 30*24*3600, 0, 1<<31-1)
	if err != nil {
		return sc, err
	}
	burstMin, err := getInt("BURST_MIN_TX", 10, 1, 1<<31-1)
	if err != nil {
		return sc, err
	}
	minConc, err := getInt("MIN_TX_FOR_CONCENTRATION", 10, 10, 1<<31-1)
	if err != nil {
		return sc, err
	}
	return ScoringConfig{
		NewbornAgeSeconds:      int64(newborn),
		ChurnWindowSeconds:     int64(churnWindow),
		ChurnThreshold:         churnThreshold,
		DormancyThresholdSecs:  int64(dormancy),
		BurstMinTx:             burstMin,
		BurstMultiplier:        3,
		MinTxForConcentration:  minConc,
		EnablePaymentAdjacency: getBool("ENABLE_PAYMENT_ADJACENCY", false),
	}, nil
}

func loadAPI() (APIConfig, error) {
	port, err := getInt("WATCHTOWER_API_PORT", 8787, 1, 65535)
	if err != nil {
		return APIConfig{}, err
	}
	rps, err := getInt("API_RATE_LIMIT_RPS", 20, 1, 100000)
	if err != nil {
		return APIConfig{}, err
	}
	burst, err := getInt("API_RATE_LIMIT_BURST", 40, 1, 100000)
	if err != nil {
		return APIConfig{}, err
	}
	return APIConfig{
		Host:           getenv("WATCHTOWER_API_HOST", "127.0.0.1"),
		Port:           port,
		APIKey:         getenv("WATCHTOWER_API_KEY", ""),
		JWTSecret:      getenv("WATCHTOWER_JWT_SECRET", ""),
		RedisAddr:      getenv("WATCHTOWER_REDIS_ADDR", ""),
		RateLimitRPS:   rps,
		RateLimitBurst: burst,
	}, nil
}

func loadArchive() (ArchiveConfig, error) {
	ac := ArchiveConfig{
		Backend:    getenv("ARCHIVE_BACKEND", "none"),
		FSDir:      getenv("ARCHIVE_FS_DIR", ".archive"),
		S3Bucket:   getenv("ARCHIVE_S3_BUCKET", ""),
		S3Region:   getenv("ARCHIVE_S3_REGION", "us-east-1"),
		S3Endpoint: getenv("ARCHIVE_S3_ENDPOINT", ""),
		GCSBucket:  getenv("ARCHIVE_GCS_BUCKET", ""),
	}
	switch ac.Backend {
	case "none", "fs":
	case "s3":
		if ac.S3Bucket == "" {
			return ac, &contracts.ValidationError{Field: "ARCHIVE_S3_BUCKET", Msg: "required for the s3 archive backend"}
		}
	case "gcs":
		if ac.GCSBucket == "" {
			return ac, &contracts.ValidationError{Field: "ARCHIVE_GCS_BUCKET", Msg: "required for the gcs archive backend"}
		}
	default:
		return ac, &contracts.ValidationError{Field: "ARCHIVE_BACKEND", Msg: fmt.Sprintf("unknown backend %q", ac.Backend)}
	}
	return ac, nil
}

// loadChains resolves the chain set: CHAINS_CONFIG inline JSON first,
// then CHAINS_CONFIG_FILE YAML, then the single-chain RPC_URL/CHAIN_ID
// fallback. Disabled chains are filtered out here.
func loadChains() ([]ChainConfig, error) {
	var chains []ChainConfig

	if raw := getenv("CHAINS_CONFIG", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &chains); err != nil {
			return nil, &contracts.ValidationError{Field: "CHAINS_CONFIG", Msg: fmt.Sprintf("invalid JSON: %v", err)}
		}
	} else if path := getenv("CHAINS_CONFIG_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &contracts.IOError{Op: "read chains file", Path: path, Err: err}
		}
		var doc struct {
			Chains []ChainConfig `yaml:"chains"`
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, &contracts.ValidationError{Field: "CHAINS_CONFIG_FILE", Msg: fmt.Sprintf("invalid YAML: %v", err)}
		}
		chains = doc.Chains
	} else {
		rpcURL := getenv("RPC_URL", "")
		chainID := getenv("CHAIN_ID", "")
		if rpcURL == "" || chainID == "" {
			return nil, &contracts.ValidationError{Field: "RPC_URL", Msg: "RPC_URL and CHAIN_ID are required without CHAINS_CONFIG"}
		}
		chains = []ChainConfig{{
			Name:    "primary",
			RPCURL:  rpcURL,
			ChainID: chainID,
			Contracts: ContractAddresses{
				SolverRegistry:   getenv("SOLVER_REGISTRY_ADDRESS", ""),
				IntentReceiptHub: getenv("INTENT_RECEIPT_HUB_ADDRESS", ""),
				DisputeModule:    getenv("DISPUTE_MODULE_ADDRESS", ""),
				AgentRegistry:    getenv("AGENT_REGISTRY_ADDRESS", ""),
			},
			Enabled: true,
		}}
	}

	enabled := chains[:0]
	for i, c := range chains {
		if !c.Enabled {
			continue
		}
		if c.RPCURL == "" || c.ChainID == "" {
			return nil, &contracts.ValidationError{Field: "chains", Msg: fmt.Sprintf("chain %d missing rpcUrl or chainId", i)}
		}
		if err := validateAddresses(&c.Contracts); err != nil {
			return nil, err
		}
		enabled = append(enabled, c)
	}
	if len(enabled) == 0 {
		return nil, &contracts.ValidationError{Field: "chains", Msg: "no enabled chains configured"}
	}
	return enabled, nil
}

// validateAddresses checks each non-empty address and lower-cases it in
// place, per the case-normalisation invariant.
func validateAddresses(c *ContractAddresses) error {
	for name, p := range map[string]*string{
		"solverRegistry":   &c.SolverRegistry,
		"intentReceiptHub": &c.IntentReceiptHub,
		"disputeModule":    &c.DisputeModule,
		"agentRegistry":    &c.AgentRegistry,
	} {
		if *p == "" {
			continue
		}
		if !addressPattern.MatchString(*p) {
			return &contracts.ValidationError{Field: name, Msg: fmt.Sprintf("not a 0x-prefixed 40-hex address: %q", *p)}
		}
		*p = strings.ToLower(*p)
	}
	return nil
}
