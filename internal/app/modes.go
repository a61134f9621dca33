package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"

	"github.com/positionguard/positionguard/internal/advisor"
	"github.com/positionguard/positionguard/internal/crypto"
	"github.com/positionguard/positionguard/internal/domain"
	"github.com/positionguard/positionguard/internal/guard"
	"github.com/positionguard/positionguard/internal/pipeline"
	"github.com/positionguard/positionguard/internal/platform/aave"
	"github.com/positionguard/positionguard/internal/platform/chainlink"
	"github.com/positionguard/positionguard/internal/platform/openai"
	"github.com/positionguard/positionguard/internal/policy"
	"github.com/positionguard/positionguard/internal/risk"
	"github.com/positionguard/positionguard/internal/server"
	"github.com/positionguard/positionguard/internal/server/handler"
	"github.com/positionguard/positionguard/internal/server/ws"
)

// chainClients bundles the RPC-facing collaborators shared by the loop and
// the one-shot check.
type chainClients struct {
	eth    *ethclient.Client
	assets map[string]aave.Asset
	pool   *aave.PoolClient
	oracle *chainlink.Oracle
}

func (c *chainClients) Close() {
	c.eth.Close()
}

// dialChain connects to the RPC endpoint and builds the pool and oracle
// clients from the configured assets.
func (a *App) dialChain(ctx context.Context) (*chainClients, error) {
	eth, err := ethclient.DialContext(ctx, a.cfg.Eth.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial eth rpc: %w", err)
	}

	assets := make(map[string]aave.Asset, len(a.cfg.Position.Assets))
	feeds := make(map[string]string, len(a.cfg.Position.Assets))
	for _, ac := range a.cfg.Position.Assets {
		asset, err := aave.NewAsset(ac.Symbol, ac.Underlying, ac.AToken, ac.Decimals)
		if err != nil {
			eth.Close()
			return nil, err
		}
		assets[ac.Symbol] = asset
		feeds[ac.Symbol] = ac.PriceFeed
	}

	pool, err := aave.NewPoolClient(eth, a.cfg.Eth.LendingPool, assets)
	if err != nil {
		eth.Close()
		return nil, err
	}

	oracle, err := chainlink.NewOracle(eth, feeds)
	if err != nil {
		eth.Close()
		return nil, err
	}

	return &chainClients{eth: eth, assets: assets, pool: pool, oracle: oracle}, nil
}

// buildLoop constructs the monitoring loop and its collaborators. The caller
// owns the returned chainClients and must Close them when the loop stops.
func (a *App) buildLoop(ctx context.Context, deps *Dependencies) (*guard.Loop, *chainClients, error) {
	cc, err := a.dialChain(ctx)
	if err != nil {
		return nil, nil, err
	}

	var prices domain.PriceProvider = cc.oracle
	if deps.Quotes != nil {
		prices = chainlink.NewCachedProvider(cc.oracle, deps.Quotes, a.cfg.Prices.CacheTTL.Duration, a.logger)
	}

	evaluator := risk.NewEvaluator(risk.Thresholds{
		HealthFactorMin: a.cfg.Risk.HealthFactorMin,
		WarningBuffer:   a.cfg.Risk.WarningBuffer,
		StaleQuoteAfter: a.cfg.Prices.StaleQuote.Duration,
	})

	pol := policy.New(policy.Limits{
		MaxActionAmount: a.cfg.Safety.MaxActionAmount,
		ClampOnExceed:   a.cfg.Safety.ClampOnExceed,
	})

	client := openai.NewClient(openai.Config{
		BaseURL:     a.cfg.Advisor.BaseURL,
		APIKey:      a.cfg.Advisor.APIKey,
		Model:       a.cfg.Advisor.Model,
		Temperature: a.cfg.Advisor.Temperature,
		MaxTokens:   a.cfg.Advisor.MaxTokens,
		Timeout:     a.cfg.Advisor.Timeout.Duration,
	})
	adv := advisor.New(client, advisor.Config{
		MinConfidence:   a.cfg.Advisor.MinConfidence,
		HealthFactorMin: a.cfg.Risk.HealthFactorMin,
		WarningBuffer:   a.cfg.Risk.WarningBuffer,
		HistoryDepth:    a.cfg.Advisor.HistoryDepth,
	}, a.logger)

	var executor domain.ActionExecutor
	if a.cfg.Guard.DryRun {
		executor = guard.NewNoopExecutor(a.logger)
	} else {
		key, err := crypto.LoadSigningKey(crypto.KeyConfig{
			RawPrivateKey: a.cfg.Eth.PrivateKey,
			KeystorePath:  a.cfg.Eth.KeystorePath,
			KeyPassword:   a.cfg.Eth.KeyPassword,
		})
		if err != nil {
			cc.Close()
			return nil, nil, fmt.Errorf("load signing key: %w", err)
		}
		a.logger.InfoContext(ctx, "signing key loaded",
			slog.String("address", crypto.Address(key).Hex()),
		)

		executor, err = aave.NewTxExecutor(cc.eth, aave.ExecutorConfig{
			Pool:     a.cfg.Eth.LendingPool,
			ChainID:  a.cfg.Eth.ChainID,
			GasLimit: a.cfg.Eth.GasLimit,
		}, cc.assets, key, a.logger)
		if err != nil {
			cc.Close()
			return nil, nil, err
		}
	}

	loop := guard.NewLoop(guard.Config{
		Wallet:           a.cfg.Position.Wallet,
		Interval:         a.cfg.Guard.Interval.Duration,
		CycleTimeout:     a.cfg.Guard.CycleTimeout.Duration,
		DryRun:           a.cfg.Guard.DryRun,
		MaxRetryAttempts: a.cfg.Guard.MaxRetryAttempts,
		Backoff: guard.Backoff{
			Initial:    a.cfg.Guard.BackoffInitial.Duration,
			Max:        a.cfg.Guard.BackoffMax.Duration,
			Multiplier: a.cfg.Guard.BackoffMultiplier,
		},
		AdvisorTimeout:    a.cfg.Advisor.Timeout.Duration,
		DivergenceWarnPct: a.cfg.Risk.DivergenceWarnPct,
	}, guard.Deps{
		Snapshots: cc.pool,
		Prices:    prices,
		Evaluator: evaluator,
		Policy:    pol,
		Advisor:   adv,
		Executor:  executor,
		Episodes:  deps.Episodes,
		Cycles:    deps.Cycles,
		Bus:       deps.Bus,
		Alerts:    deps.Notifier,
		Logger:    a.logger,
	})

	return loop, cc, nil
}

// acquireWalletLock takes the per-wallet distributed lock when Redis is
// wired, so at most one guard acts on a position across replicas. A second
// instance fails fast with domain.ErrLockHeld.
func (a *App) acquireWalletLock(ctx context.Context, deps *Dependencies) (func(), error) {
	if deps.Locks == nil {
		return nil, nil
	}

	key := "wallet:" + a.cfg.Position.Wallet
	unlock, err := deps.Locks.Acquire(ctx, key, a.cfg.Redis.LockTTL.Duration)
	if err != nil {
		return nil, fmt.Errorf("acquire wallet lock %q: %w", key, err)
	}
	a.logger.InfoContext(ctx, "wallet lock acquired", slog.String("key", key))
	return unlock, nil
}

// MonitorMode runs the risk monitoring loop until the context is cancelled.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode",
		slog.Bool("dry_run", a.cfg.Guard.DryRun),
		slog.Duration("interval", a.cfg.Guard.Interval.Duration),
	)

	unlock, err := a.acquireWalletLock(ctx, deps)
	if err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}
	if unlock != nil {
		defer unlock()
	}

	loop, cc, err := a.buildLoop(ctx, deps)
	if err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}
	defer cc.Close()

	return loop.Run(ctx)
}

// ServerMode runs the HTTP API and WebSocket hub over the shared stores.
// The loop is expected to run elsewhere (another process in monitor or full
// mode) against the same Postgres and Redis.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode",
		slog.Int("port", a.cfg.Server.Port),
	)

	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps, nil)
	return g.Wait()
}

// FullMode runs the monitoring loop and the HTTP API in one process. The
// live loop backs the status endpoint directly; setting server.enabled to
// false yields a persistent loop without the API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode",
		slog.Bool("dry_run", a.cfg.Guard.DryRun),
		slog.Bool("server_enabled", a.cfg.Server.Enabled),
	)

	unlock, err := a.acquireWalletLock(ctx, deps)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	if unlock != nil {
		defer unlock()
	}

	loop, cc, err := a.buildLoop(ctx, deps)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	defer cc.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return loop.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startServer(ctx, g, deps, loop)
	} else {
		a.logger.InfoContext(ctx, "server.enabled is false; running the loop without the HTTP API")
	}

	return g.Wait()
}

// startServer adds the HTTP server and WebSocket hub goroutines to the given
// errgroup. source is the live loop when one runs in this process; nil leaves
// the status endpoint on the store fallback. The server is shut down
// gracefully when the context is cancelled.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, source handler.StatusSource) {
	hub := ws.NewHub(deps.Bus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		Wallet:    a.cfg.Position.Wallet,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(a.logger),
		Status:   handler.NewStatusHandler(a.cfg.Mode, a.cfg.Position.Wallet, source, deps.Cycles, a.logger),
		Cycles:   handler.NewCycleHandler(deps.Cycles, a.cfg.Position.Wallet, a.logger),
		Episodes: handler.NewEpisodeHandler(deps.Episodes, a.cfg.Position.Wallet, a.logger),
		Config:   handler.NewConfigHandler(a.cfg),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down")
		return srv.Shutdown(shutCtx)
	})
}

// ArchiveMode archives cycle records and closed episodes older than the
// retention window to object storage and prunes them from the database. With
// s3.archive_cron set it keeps running on that schedule; otherwise it
// performs a single pass and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode",
		slog.Int("retention_days", a.cfg.S3.RetentionDays),
		slog.String("cron", a.cfg.S3.ArchiveCron),
	)

	retention := pipeline.NewRetention(
		deps.Archiver,
		deps.BlobReader,
		deps.Cycles,
		deps.Episodes,
		deps.Audit,
		a.cfg.S3.RetentionDays,
		a.logger,
	)

	if a.cfg.S3.ArchiveCron != "" {
		return retention.RunCron(ctx, a.cfg.S3.ArchiveCron)
	}
	return retention.Run(ctx)
}

// checkReport is the one-shot check output printed to stdout.
type checkReport struct {
	Wallet               string             `json:"wallet"`
	FetchedAt            time.Time          `json:"fetched_at"`
	CollateralValue      float64            `json:"collateral_value"`
	DebtValue            float64            `json:"debt_value"`
	LiquidationThreshold float64            `json:"liquidation_threshold"`
	HealthFactor         string             `json:"health_factor"`
	RiskLevel            domain.RiskLevel   `json:"risk_level"`
	PoolHealthFactor     string             `json:"pool_reported_health_factor"`
	Quotes               map[string]float64 `json:"quotes"`
}

// CheckMode fetches the position once, evaluates it, and prints the
// assessment to stdout as JSON. It needs only the RPC endpoint: no advisor,
// no executor, no stores.
func (a *App) CheckMode(ctx context.Context) error {
	cc, err := a.dialChain(ctx)
	if err != nil {
		return fmt.Errorf("check mode: %w", err)
	}
	defer cc.Close()

	snap, err := cc.pool.Fetch(ctx, a.cfg.Position.Wallet)
	if err != nil {
		return fmt.Errorf("check mode: fetch position: %w", err)
	}

	assets := make([]string, 0, len(snap.AssetBreakdown))
	for asset := range snap.AssetBreakdown {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	quotes, err := cc.oracle.Fetch(ctx, assets)
	if err != nil {
		return fmt.Errorf("check mode: fetch quotes: %w", err)
	}

	evaluator := risk.NewEvaluator(risk.Thresholds{
		HealthFactorMin: a.cfg.Risk.HealthFactorMin,
		WarningBuffer:   a.cfg.Risk.WarningBuffer,
		StaleQuoteAfter: a.cfg.Prices.StaleQuote.Duration,
	})
	assessment, err := evaluator.Evaluate(snap, quotes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("check mode: evaluate: %w", err)
	}

	prices := make(map[string]float64, len(quotes))
	for asset, q := range quotes {
		prices[asset] = q.Price
	}

	report := checkReport{
		Wallet:               snap.Wallet,
		FetchedAt:            snap.FetchedAt,
		CollateralValue:      snap.CollateralValue,
		DebtValue:            snap.DebtValue,
		LiquidationThreshold: snap.LiquidationThreshold,
		HealthFactor:         domain.FormatHealthFactor(assessment.HealthFactor),
		RiskLevel:            assessment.RiskLevel,
		PoolHealthFactor:     domain.FormatHealthFactor(snap.ReportedHealthFactor),
		Quotes:               prices,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("check mode: encode report: %w", err)
	}
	return nil
}
