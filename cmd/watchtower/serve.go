package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/watchtower/pkg/actions"
	"github.com/Mindburn-Labs/watchtower/pkg/api"
	"github.com/Mindburn-Labs/watchtower/pkg/archive"
	"github.com/Mindburn-Labs/watchtower/pkg/chain"
	"github.com/Mindburn-Labs/watchtower/pkg/config"
	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
	"github.com/Mindburn-Labs/watchtower/pkg/cursor"
	"github.com/Mindburn-Labs/watchtower/pkg/evidence"
	"github.com/Mindburn-Labs/watchtower/pkg/identity"
	"github.com/Mindburn-Labs/watchtower/pkg/ledger"
	"github.com/Mindburn-Labs/watchtower/pkg/metrics"
	"github.com/Mindburn-Labs/watchtower/pkg/observability"
	"github.com/Mindburn-Labs/watchtower/pkg/poller"
	"github.com/Mindburn-Labs/watchtower/pkg/resilience"
	"github.com/Mindburn-Labs/watchtower/pkg/rules"
	"github.com/Mindburn-Labs/watchtower/pkg/scoring"
	"github.com/Mindburn-Labs/watchtower/pkg/signer"
	"github.com/Mindburn-Labs/watchtower/pkg/storage"
	"github.com/Mindburn-Labs/watchtower/pkg/translog"
	"github.com/Mindburn-Labs/watchtower/pkg/webhook"
)

// chainPipeline is the per-chain slice of the scan loop.
type chainPipeline struct {
	provider *chain.EthProvider
	watcher  *poller.Watcher
	executor *actions.Executor
	identity *identity.Poller
}

// serve runs the full watchtower: one watcher per enabled chain, the
// registry pollers, the archiver, and the HTTP API, until SIGINT or
// SIGTERM.
func serve(logger *slog.Logger, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	store, err := storage.Open(ctx, storage.Config{Path: cfg.DBPath, URL: cfg.DBURL})
	if err != nil {
		fmt.Fprintf(stderr, "storage: %v\n", err)
		return 1
	}
	defer store.Close()

	key, err := translog.LoadOrCreateKey(cfg.KeyPath)
	if err != nil {
		fmt.Fprintf(stderr, "signing key: %v\n", err)
		return 1
	}
	tlog, err := translog.New(cfg.LogDir, key)
	if err != nil {
		fmt.Fprintf(stderr, "transparency log: %v\n", err)
		return 1
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.Enabled = cfg.OtelEnabled
	if cfg.OtelEndpoint != "" {
		obsCfg.OTLPEndpoint = cfg.OtelEndpoint
	}
	obs, err := observability.New(ctx, obsCfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "observability: %v\n", err)
		return 1
	}

	met := metrics.New()

	led, err := ledger.New(filepath.Join(cfg.StateDir, "ledger.json"))
	if err != nil {
		fmt.Fprintf(stderr, "action ledger: %v\n", err)
		return 1
	}

	var ev *evidence.Store
	if cfg.Evidence.Enabled {
		ev, err = evidence.New(evidence.Config{
			Dir:              cfg.Evidence.DataDir,
			MaxFileSizeBytes: cfg.Evidence.MaxFileSizeBytes,
			ValidateOnWrite:  cfg.Evidence.ValidateOnWrite,
		}, logger)
		if err != nil {
			fmt.Fprintf(stderr, "evidence store: %v\n", err)
			return 1
		}
	}

	var notifier *webhook.Notifier
	if cfg.Webhook.Enabled {
		notifier = webhook.NewNotifier(webhook.Config{
			URL:     cfg.Webhook.URL,
			Secret:  cfg.Webhook.Secret,
			Timeout: cfg.Webhook.Timeout,
			Retry: &resilience.RetryConfig{
				MaxRetries:   cfg.Webhook.MaxRetries,
				BaseDelay:    cfg.Webhook.RetryDelay,
				MaxDelay:     5 * time.Second,
				JitterFactor: 0.2,
			},
		}, nil, logger)
		if cfg.Webhook.SendHeartbeat {
			go notifier.Heartbeat(ctx, cfg.Webhook.HeartbeatInterval)
		}
	}

	engine, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "rules: %v\n", err)
		return 1
	}

	var pipelines []*chainPipeline
	for _, chainCfg := range cfg.Chains {
		if !chainCfg.Enabled {
			continue
		}
		p, err := buildChainPipeline(ctx, cfg, chainCfg, pipelineDeps{
			engine:   engine,
			ledger:   led,
			evidence: ev,
			notifier: notifier,
			metrics:  met,
			store:    store,
			tracer:   obs.Tracer(),
			logger:   logger.With("chain", chainCfg.Name),
		})
		if err != nil {
			fmt.Fprintf(stderr, "chain %s: %v\n", chainCfg.Name, err)
			return 1
		}
		defer p.provider.Close()
		pipelines = append(pipelines, p)
	}
	if len(pipelines) == 0 {
		fmt.Fprintln(stderr, "no enabled chains configured")
		return 1
	}

	if err := startArchiver(ctx, cfg, logger); err != nil {
		fmt.Fprintf(stderr, "archive: %v\n", err)
		return 1
	}

	scorer := scoring.NewScorer(store, tlog, scoring.Config{}, logger)

	var limiter api.LimiterStore
	if cfg.API.RateLimitRPS > 0 {
		if cfg.API.RedisAddr != "" {
			limiter = api.NewRedisLimiterStore(cfg.API.RedisAddr, cfg.API.RateLimitRPS, cfg.API.RateLimitBurst)
		} else {
			limiter = api.NewMemoryLimiterStore(cfg.API.RateLimitRPS, cfg.API.RateLimitBurst)
		}
	}

	primary := pipelines[0]
	srv := api.New(api.Config{
		Host:    cfg.API.Host,
		Port:    cfg.API.Port,
		Version: version,
		DryRun:  cfg.DryRun,
		Auth:    api.AuthConfig{APIKey: cfg.API.APIKey, JWTSecret: cfg.API.JWTSecret},
	}, api.Deps{
		Store:    store,
		Translog: tlog,
		Scanner:  primary.watcher,
		Provider: primary.provider,
		Executor: primary.executor,
		Scorer:   scorer,
		Metrics:  met,
		Limiter:  limiter,
		Tracer:   obs.Tracer(),
		Logger:   logger,
	})

	var wg sync.WaitGroup
	for _, p := range pipelines {
		wg.Add(1)
		go func(p *chainPipeline) {
			defer wg.Done()
			p.watcher.Run(ctx)
		}(p)
		if p.identity != nil {
			wg.Add(1)
			go func(p *chainPipeline) {
				defer wg.Done()
				runIdentityPoller(ctx, p.identity, cfg.ScanInterval, logger)
			}(p)
		}
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("api server failed", "error", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown", "error", err)
	}
	wg.Wait()
	obs.Shutdown(shutdownCtx)
	return 0
}

type pipelineDeps struct {
	engine   *rules.Engine
	ledger   *ledger.ActionLedger
	evidence *evidence.Store
	notifier *webhook.Notifier
	metrics  *metrics.Metrics
	store    *storage.Store
	tracer   trace.Tracer
	logger   *slog.Logger
}

// buildEngine registers the built-in rules plus any custom definitions.
func buildEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*rules.Engine, error) {
	registry := rules.NewRegistry()
	registry.Register(rules.NewReceiptStale(rules.ReceiptStaleConfig{
		MinReceiptAgeSeconds: cfg.Rules.MinReceiptAgeSeconds,
		AllowlistSolverIDs:   cfg.Rules.AllowlistSolverIDs,
		AllowlistReceiptIDs:  cfg.Rules.AllowlistReceiptIDs,
	}))

	if cfg.Rules.FacilitatorAddress != "" {
		var threshold *contracts.BigInt
		if cfg.Rules.SettlementAmountWei != "" {
			var err error
			threshold, err = contracts.NewBigIntFromString(cfg.Rules.SettlementAmountWei)
			if err != nil {
				return nil, err
			}
		}
		registry.Register(rules.NewDelegationPayment(rules.DelegationPaymentConfig{
			FacilitatorAddress:     cfg.Rules.FacilitatorAddress,
			WindowBlocks:           cfg.Rules.DelegationWindowBlocks,
			AmountThresholdWei:     threshold,
			MaxSettlementsPerEpoch: cfg.Rules.MaxSettlementsPerEpoch,
		}))
	}

	if cfg.Rules.CustomRulesFile != "" {
		custom, err := rules.LoadCustomRules(ctx, cfg.Rules.CustomRulesFile)
		if err != nil {
			return nil, err
		}
		for _, r := range custom {
			registry.Register(r)
		}
	}

	return rules.NewEngine(registry, logger), nil
}

// buildChainPipeline dials one chain and assembles its watcher.
func buildChainPipeline(ctx context.Context, cfg *config.Config, chainCfg config.ChainConfig, deps pipelineDeps) (*chainPipeline, error) {
	provider, err := chain.Dial(ctx, chainCfg, cfg.Resilience, cfg.LookbackBlocks, deps.logger)
	if err != nil {
		return nil, err
	}

	cur, err := cursor.New(cfg.StateDir, chainCfg.ChainID)
	if err != nil {
		provider.Close()
		return nil, err
	}

	exec, err := buildExecutor(ctx, cfg, chainCfg, provider, deps)
	if err != nil {
		provider.Close()
		return nil, err
	}

	watcher := poller.New(poller.Config{
		TickInterval:   cfg.ScanInterval,
		LookbackBlocks: cfg.LookbackBlocks,
		Confirmations:  cfg.Confirmations,
		RuleTimeout:    cfg.Rules.RuleTimeout,
	}, poller.Deps{
		Provider: provider,
		Cursor:   cur,
		Engine:   deps.engine,
		Executor: exec,
		Evidence: deps.evidence,
		Notifier: deps.notifier,
		Metrics:  deps.metrics,
		Tracer:   deps.tracer,
		Logger:   deps.logger,
	})

	p := &chainPipeline{provider: provider, watcher: watcher, executor: exec}

	if chainCfg.Contracts.AgentRegistry != "" {
		p.identity = identity.NewPoller(provider, deps.store, identity.PollerConfig{
			RegistryAddress: chainCfg.Contracts.AgentRegistry,
			LookbackBlocks:  cfg.LookbackBlocks,
			Confirmations:   cfg.Confirmations,
		}, deps.logger)
	}

	return p, nil
}

// buildExecutor wires the action handlers for one chain. Transaction
// handlers need a signer, so in dry-run mode only the off-chain
// handlers are registered; the executor never reaches a handler in
// dry-run anyway.
func buildExecutor(ctx context.Context, cfg *config.Config, chainCfg config.ChainConfig, provider *chain.EthProvider, deps pipelineDeps) (*actions.Executor, error) {
	exec := actions.NewExecutor(actions.ExecutorConfig{
		DryRun:            cfg.DryRun,
		MaxActionsPerScan: cfg.MaxActionsPerScan,
		Ledger:            deps.ledger,
		Logger:            deps.logger,
	})
	exec.Register(contracts.ActionNotify, actions.NewNotifyHandler(deps.notifier))
	exec.Register(contracts.ActionManualReview, actions.NewManualReviewHandler(deps.logger))
	exec.Register(contracts.ActionEscalate, actions.NewEscalateHandler(deps.notifier, deps.logger))

	if cfg.DryRun {
		return exec, nil
	}

	chainID, ok := new(big.Int).SetString(chainCfg.ChainID, 10)
	if !ok {
		return nil, &contracts.ValidationError{Field: "chainId", Msg: fmt.Sprintf("not a decimal integer: %q", chainCfg.ChainID)}
	}
	sgn, err := signer.New(ctx, signer.Config{
		Type:          cfg.SignerType,
		ChainID:       chainID,
		PrivateKeyHex: os.Getenv("SIGNER_PRIVATE_KEY"),
		KeyPath:       os.Getenv("SIGNER_KEY_PATH"),
	})
	if err != nil {
		return nil, err
	}

	dispute := common.HexToAddress(chainCfg.Contracts.DisputeModule)
	exec.Register(contracts.ActionOpenDispute,
		actions.NewOpenDisputeHandler(provider.Client(), sgn, dispute, chainID, deps.logger))
	exec.Register(contracts.ActionSubmitEvidence,
		actions.NewSubmitEvidenceHandler(provider.Client(), sgn, dispute, chainID, deps.logger))
	return exec, nil
}

// startArchiver launches the blob archiver when a backend is selected.
func startArchiver(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Archive.Backend == "" || cfg.Archive.Backend == "none" {
		return nil
	}
	bcfg := archive.BlobConfig{
		Backend:  cfg.Archive.Backend,
		Dir:      cfg.Archive.FSDir,
		Region:   cfg.Archive.S3Region,
		Endpoint: cfg.Archive.S3Endpoint,
	}
	switch cfg.Archive.Backend {
	case "s3":
		bcfg.Bucket = cfg.Archive.S3Bucket
	case "gcs":
		bcfg.Bucket = cfg.Archive.GCSBucket
	}
	blob, err := archive.NewBlob(ctx, bcfg)
	if err != nil {
		return err
	}
	arch, err := archive.New(archive.Config{
		EvidenceDir: cfg.Evidence.DataDir,
		TranslogDir: cfg.LogDir,
	}, blob, logger)
	if err != nil {
		return err
	}
	go arch.Run(ctx)
	return nil
}

// runIdentityPoller drives registry ingestion on the scan interval.
func runIdentityPoller(ctx context.Context, p *identity.Poller, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := p.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("registry poll failed", "error", err)
		} else if n > 0 {
			logger.Info("registry events ingested", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// scanOnce runs a single tick against the first enabled chain.
func scanOnce(ctx context.Context, logger *slog.Logger, ruleIDs []string, lookback int64) (poller.TickReport, error) {
	cfg, err := config.Load()
	if err != nil {
		return poller.TickReport{}, err
	}

	var chainCfg *config.ChainConfig
	for i := range cfg.Chains {
		if cfg.Chains[i].Enabled {
			chainCfg = &cfg.Chains[i]
			break
		}
	}
	if chainCfg == nil {
		return poller.TickReport{}, fmt.Errorf("no enabled chains configured")
	}

	engine, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return poller.TickReport{}, err
	}
	led, err := ledger.New(filepath.Join(cfg.StateDir, "ledger.json"))
	if err != nil {
		return poller.TickReport{}, err
	}

	p, err := buildChainPipeline(ctx, cfg, *chainCfg, pipelineDeps{
		engine: engine,
		ledger: led,
		logger: logger.With("chain", chainCfg.Name),
	})
	if err != nil {
		return poller.TickReport{}, err
	}
	defer p.provider.Close()

	return p.watcher.Tick(ctx, poller.TickOptions{RuleIDs: ruleIDs, LookbackBlocks: lookback})
}
