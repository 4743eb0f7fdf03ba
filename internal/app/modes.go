package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arborlabs/arbd/internal/balance"
	"github.com/arborlabs/arbd/internal/detector"
	"github.com/arborlabs/arbd/internal/domain"
	"github.com/arborlabs/arbd/internal/eligibility"
	"github.com/arborlabs/arbd/internal/executor"
	"github.com/arborlabs/arbd/internal/ledger"
	"github.com/arborlabs/arbd/internal/notify"
	"github.com/arborlabs/arbd/internal/payment"
	"github.com/arborlabs/arbd/internal/profit"
	"github.com/arborlabs/arbd/internal/registry"
	"github.com/arborlabs/arbd/internal/server"
	"github.com/arborlabs/arbd/internal/server/handler"
	"github.com/arborlabs/arbd/internal/server/ws"
	"github.com/arborlabs/arbd/internal/venue/kalshi"
	"github.com/arborlabs/arbd/internal/venue/polymarket"
	"github.com/arborlabs/arbd/internal/wallet"
)

const (
	archiveInterval  = time.Hour
	archiveRetention = 24 * time.Hour
)

// venues bundles the two venue adapters plus the decrypted service wallet
// key used for payment verification and profit transfers.
type venues struct {
	kalshi     *kalshi.Client
	polymarket *polymarket.Client
	walletKey  string
}

// core holds the domain services shared by the serve and full modes.
type core struct {
	registry    *registry.Registry
	ledger      *ledger.Ledger
	eligibility *eligibility.Engine
	executor    *executor.Executor
	balances    *balance.Poller
}

// DetectMode runs detection only: the venue quote pollers, the opportunity
// registry with its expiry sweeper, and the notification bridge. No orders
// are placed and no API is served.
func (a *App) DetectMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting detect mode")

	v, err := a.buildVenues(ctx)
	if err != nil {
		return fmt.Errorf("detect mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	reg := registry.New(deps.OpportunityStore, deps.SignalBus, a.logger)
	g.Go(func() error {
		return reg.Run(ctx, a.cfg.Registry.SweepInterval.Duration)
	})

	a.startDetector(ctx, g, v, reg)
	a.startNotifyBridge(ctx, g, deps)
	a.startEventRecorder(ctx, g, deps)
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// ServeMode runs the API surface without detection: HTTP + WebSocket server,
// unlock ledger, executor, and notifications. The registry sweeper still
// runs so opportunities restored or published by another instance expire on
// time.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	v, err := a.buildVenues(ctx)
	if err != nil {
		return fmt.Errorf("serve mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	c, err := a.buildCore(deps, v)
	if err != nil {
		return fmt.Errorf("serve mode: %w", err)
	}
	g.Go(func() error {
		return c.registry.Run(ctx, a.cfg.Registry.SweepInterval.Duration)
	})
	g.Go(func() error {
		return c.balances.Run(ctx)
	})
	a.addVenuePingers(deps, v)

	a.startHTTPServer(ctx, g, deps, c)
	a.startNotifyBridge(ctx, g, deps)
	a.startEventRecorder(ctx, g, deps)
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// FullMode runs everything: detection, the API surface, auto-execution, and
// the history archiver.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	v, err := a.buildVenues(ctx)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	c, err := a.buildCore(deps, v)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	g.Go(func() error {
		return c.registry.Run(ctx, a.cfg.Registry.SweepInterval.Duration)
	})
	g.Go(func() error {
		return c.balances.Run(ctx)
	})
	a.addVenuePingers(deps, v)

	a.startDetector(ctx, g, v, c.registry)

	if a.cfg.Executor.AutoExecute {
		runner := executor.NewAutoRunner(
			deps.SignalBus, c.registry, deps.UserStore,
			c.eligibility, c.ledger, c.executor, a.logger,
		)
		g.Go(func() error {
			return runner.Run(ctx)
		})
	}

	a.startHTTPServer(ctx, g, deps, c)
	a.startNotifyBridge(ctx, g, deps)
	a.startEventRecorder(ctx, g, deps)
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// buildVenues constructs the Kalshi and Polymarket adapters from config and
// loads the service wallet key. A missing wallet key degrades Polymarket to
// quote-only rather than failing startup.
func (a *App) buildVenues(ctx context.Context) (*venues, error) {
	v := &venues{}

	key, err := wallet.LoadKey(wallet.KeySource{
		RawPrivateKey:    a.cfg.Wallet.PrivateKey,
		EncryptedKeyPath: a.cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      a.cfg.Wallet.KeyPassword,
	})
	if err != nil {
		if a.cfg.Wallet.PrivateKey != "" || a.cfg.Wallet.EncryptedKeyPath != "" {
			return nil, fmt.Errorf("build venues: wallet key: %w", err)
		}
		a.logger.Warn("no wallet key configured; order placement and profit transfers disabled")
	} else {
		v.walletKey = key
	}

	kc := kalshi.NewClient(a.cfg.Kalshi.BaseURL, a.cfg.Kalshi.ApiKey)
	if a.cfg.Kalshi.RsaPrivateKeyPath != "" {
		pemBytes, err := os.ReadFile(a.cfg.Kalshi.RsaPrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("build venues: read kalshi key %s: %w", a.cfg.Kalshi.RsaPrivateKeyPath, err)
		}
		if err := kc.SetRSAPrivateKey(pemBytes); err != nil {
			return nil, fmt.Errorf("build venues: %w", err)
		}
	}
	v.kalshi = kc

	pc, err := polymarket.NewClient(a.cfg.Polymarket.ClobHost, a.cfg.Polymarket.GammaHost, v.walletKey)
	if err != nil {
		return nil, fmt.Errorf("build venues: polymarket: %w", err)
	}
	if v.walletKey != "" {
		if err := pc.DeriveAPIKey(ctx); err != nil {
			a.logger.Warn("polymarket api key derivation failed; order placement may be rejected",
				slog.String("error", err.Error()),
			)
		}
	}
	v.polymarket = pc

	return v, nil
}

// buildCore assembles the registry, payment verifier, unlock ledger,
// eligibility engine, profit distributor, and executor.
func (a *App) buildCore(deps *Dependencies, v *venues) (*core, error) {
	reg := registry.New(deps.OpportunityStore, deps.SignalBus, a.logger)

	var verifier domain.PaymentVerifier
	var balancer balance.WalletBalancer
	if a.cfg.Payment.MockVerifier {
		mv := payment.NewMockVerifier(a.logger)
		verifier, balancer = mv, mv
	} else {
		pv, err := payment.NewVerifier(
			a.cfg.Payment.RpcURL,
			a.cfg.Payment.UsdcContract,
			a.cfg.Wallet.Address,
			a.cfg.Payment.VerifyTimeout.Duration,
			a.logger,
		)
		if err != nil {
			return nil, fmt.Errorf("build core: payment verifier: %w", err)
		}
		verifier, balancer = pv, pv
	}

	led := ledger.New(deps.UnlockStore, verifier, deps.SignalBus, deps.AuditStore,
		a.cfg.Payment.FeeUSDC, a.logger)

	elig := eligibility.NewEngine(deps.TradeCounter, deps.BalanceCache, a.logger)

	// The distributor needs both an RPC endpoint and the wallet key; without
	// them settled profit stays on the service wallet and the attempt records
	// no distribution reference.
	var distributor domain.ProfitDistributor
	if v.walletKey != "" && a.cfg.Payment.RpcURL != "" && !a.cfg.Payment.MockVerifier {
		d, err := profit.NewDistributor(
			a.cfg.Payment.RpcURL,
			a.cfg.Payment.UsdcContract,
			v.walletKey,
			a.logger,
		)
		if err != nil {
			return nil, fmt.Errorf("build core: profit distributor: %w", err)
		}
		a.closers = append(a.closers, func() { _ = d.Close() })
		distributor = d
	}

	exec := executor.New(
		executor.Config{
			LegTimeout:     a.cfg.Executor.LegTimeout.Duration,
			LockTTL:        a.cfg.Executor.LockTTL.Duration,
			FlatFeeUSDC:    a.cfg.Payment.FeeUSDC,
			ProfitSharePct: a.cfg.Payment.ProfitSharePct,
		},
		reg, led, deps.UserStore, deps.ExecutionStore,
		map[string]domain.OrderExecutor{
			kalshi.VenueName:     v.kalshi,
			polymarket.VenueName: v.polymarket,
		},
		deps.LockManager, deps.TradeCounter, distributor,
		deps.SignalBus, deps.AuditStore, a.logger,
	)

	// Without the feed every eligibility check would see a cache miss and
	// report insufficient balance, making auto-unlock unreachable.
	poller := balance.NewPoller(deps.UserStore, deps.BalanceCache, balancer,
		a.cfg.Payment.BalancePollInterval.Duration, a.logger)

	return &core{
		registry:    reg,
		ledger:      led,
		eligibility: elig,
		executor:    exec,
		balances:    poller,
	}, nil
}

// startEventRecorder copies every bus event onto the durable history stream.
// Pub/sub delivery is best-effort and at-most-once; the stream gives
// GET /api/events a replayable record of what was broadcast.
func (a *App) startEventRecorder(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	channels := []string{
		domain.ChannelOpportunities,
		domain.ChannelUnlocks,
		domain.ChannelExecutions,
		domain.ChannelProfits,
	}
	for _, ch := range channels {
		g.Go(func() error {
			msgs, err := deps.SignalBus.Subscribe(ctx, ch)
			if err != nil {
				return fmt.Errorf("event recorder: subscribe %s: %w", ch, err)
			}
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case data, ok := <-msgs:
					if !ok {
						return nil
					}
					if err := deps.SignalBus.StreamAppend(ctx, domain.StreamEvents, data); err != nil {
						a.logger.Warn("event history append failed",
							slog.String("channel", ch),
							slog.String("error", err.Error()),
						)
					}
				}
			}
		})
	}
}

// addVenuePingers exposes venue connectivity through the health endpoint.
// The Kalshi check reads the portfolio balance, which exercises the signed
// request path; it is only registered when the signing key is configured.
func (a *App) addVenuePingers(deps *Dependencies, v *venues) {
	if a.cfg.Kalshi.RsaPrivateKeyPath == "" {
		return
	}
	deps.Pingers["kalshi"] = func(ctx context.Context) error {
		_, err := v.kalshi.Balance(ctx)
		return err
	}
}

// startDetector adds the quote-polling detection loop to the errgroup.
func (a *App) startDetector(ctx context.Context, g *errgroup.Group, v *venues, reg *registry.Registry) {
	det := detector.New(detector.Config{
		Interval:       a.cfg.Detector.Interval.Duration,
		QuoteTTL:       a.cfg.Detector.QuoteTTL.Duration,
		OpportunityTTL: a.cfg.Detector.OpportunityTTL.Duration,
		MinProfitUSD:   a.cfg.Detector.MinProfitUSD,
		MinSpreadPct:   a.cfg.Detector.MinSpreadPct,
		Events:         a.cfg.Detector.Events,
	}, []domain.QuoteSource{v.kalshi, v.polymarket}, reg, a.logger)

	g.Go(func() error {
		return det.Run(ctx)
	})
}

// startNotifyBridge forwards lifecycle events from the signal bus to the
// configured notification channels.
func (a *App) startNotifyBridge(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	bridge := notify.NewBridge(deps.SignalBus, deps.Notifier, a.logger)
	g.Go(func() error {
		return bridge.Run(ctx)
	})
}

// startArchiver runs the periodic cold-storage export when S3 is enabled.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	g.Go(func() error {
		ticker := time.NewTicker(archiveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				before := time.Now().UTC().Add(-archiveRetention)
				if n, err := deps.Archiver.ArchiveOpportunities(ctx, before); err != nil {
					a.logger.ErrorContext(ctx, "archive opportunities failed", slog.String("error", err.Error()))
				} else if n > 0 {
					a.logger.InfoContext(ctx, "archived opportunities", slog.Int64("count", n))
				}
				if n, err := deps.Archiver.ArchiveExecutions(ctx, before); err != nil {
					a.logger.ErrorContext(ctx, "archive executions failed", slog.String("error", err.Error()))
				} else if n > 0 {
					a.logger.InfoContext(ctx, "archived executions", slog.Int64("count", n))
				}
			}
		}
	})
}

// subscriberPersonalizer backs the WebSocket hub's per-user opportunity
// tailoring with the unlock ledger and the eligibility engine.
type subscriberPersonalizer struct {
	users       domain.UserStore
	eligibility *eligibility.Engine
	ledger      *ledger.Ledger
}

func (p *subscriberPersonalizer) Decide(ctx context.Context, userID string, opp domain.Opportunity) (domain.UnlockDecision, bool, error) {
	unlocked, err := p.ledger.IsUnlocked(ctx, opp.ID, userID)
	if err != nil {
		return domain.UnlockDecision{}, false, err
	}
	if unlocked {
		return domain.AutoUnlocked(), true, nil
	}

	user, err := p.users.GetByID(ctx, userID)
	if err != nil {
		return domain.UnlockDecision{}, false, err
	}
	decision, err := p.eligibility.Evaluate(ctx, user, opp)
	if err != nil {
		return domain.UnlockDecision{}, false, err
	}
	return decision, false, nil
}

// pingerFunc adapts a plain function to the health handler's Pinger.
type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// startHTTPServer wires the REST handlers and the WebSocket hub into an HTTP
// server goroutine, shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "HTTP server disabled by config")
		return
	}

	health := handler.NewHealthHandler(a.logger)
	for name, ping := range deps.Pingers {
		health.WithDependency(name, pingerFunc(ping))
	}

	handlers := server.Handlers{
		Health:        health,
		Opportunities: handler.NewOpportunityHandler(c.registry, c.ledger, a.logger),
		Unlocks:       handler.NewUnlockHandler(c.registry, c.ledger, c.eligibility, deps.UserStore, a.logger),
		Executions:    handler.NewExecutionHandler(c.executor, deps.ExecutionStore, a.logger),
		Users:         handler.NewUserHandler(deps.UserStore, a.logger),
		Audit:         handler.NewAuditHandler(deps.AuditStore, a.logger),
		Events:        handler.NewEventsHandler(deps.SignalBus, a.logger),
	}
	if deps.BlobReader != nil {
		handlers.Archive = handler.NewArchiveHandler(deps.BlobReader, a.logger)
	}

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
		Personalizer: &subscriberPersonalizer{
			users:       deps.UserStore,
			eligibility: c.eligibility,
			ledger:      c.ledger,
		},
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimitPerMin: a.cfg.Server.RateLimitPerMin,
		RateLimiter:     deps.RateLimiter,
	}, handlers, hub, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
