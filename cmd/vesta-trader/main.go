package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"vesta/internal/alert"
	"vesta/internal/api"
	"vesta/internal/broker"
	"vesta/internal/config"
	"vesta/internal/domain"
	"vesta/internal/engine"
	"vesta/internal/journal"
	"vesta/internal/orders"
	"vesta/internal/positions"
	"vesta/internal/reconcile"
	"vesta/internal/registry"
	"vesta/internal/risk"
	"vesta/internal/store"
	"vesta/internal/util"
)

func main() {
	_ = godotenv.Load()

	cfgPath := "config/vesta.yaml"
	if p := os.Getenv("VESTA_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("vesta-trader stopped")
	}
	log.Info().Msg("vesta-trader stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	clock := util.RealClock{}

	s, err := store.Open(store.Options{
		Driver:     cfg.Storage.Driver,
		SQLitePath: cfg.Storage.SQLitePath,
		DSN:        cfg.Storage.DSN,
		Log:        util.Component(log, "store"),
	})
	if err != nil {
		return err
	}
	defer s.Close()

	thresholds, err := risk.LoadThresholds(cfg.Trading.ThresholdsPath)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.Trading.ThresholdsPath).Msg("using default risk thresholds")
		thresholds = risk.DefaultThresholds()
	}
	ts := risk.NewThresholdStore(thresholds)

	b, prices, mode := newBroker(ctx, cfg, log)
	cal := util.NewTradingCalendar(holidays(ctx, cfg, b, clock, log)...)
	gw := broker.NewGateway(b, broker.GatewayConfig{
		Timeout:     cfg.Broker.Timeout,
		MaxAttempts: cfg.Broker.MaxAttempts,
		BaseDelay:   cfg.Broker.BaseDelay,
		RatePerSec:  cfg.Broker.RatePerSec,
		Burst:       cfg.Broker.Burst,
	}, util.Component(log, "broker"))

	hub := api.NewHub(util.Component(log, "events"))
	alerter := alert.Multi{alert.NewLogAlerter(util.Component(log, "alert")), hub}

	reg := registry.New(s, util.Component(log, "registry"))
	pl := positions.New(s, clock, util.Component(log, "positions"))
	ol := orders.New(s, reg, gw, pl, clock, util.Component(log, "orders"))
	flags := reconcile.NewFlags(s, clock, alerter, util.Component(log, "flags"))
	ol.SetEscalator(flags)

	guard := risk.NewGuard(s, ts, cal, clock, util.Component(log, "guard"))
	liq := risk.NewLiquidator(s, ol, clock, alerter, cfg.Trading.LiquidationDelay, util.Component(log, "liquidator"))
	monitor := risk.NewMonitor(risk.MonitorDeps{
		Store:      s,
		Orders:     ol,
		Positions:  pl,
		Liquidator: liq,
		Thresholds: ts,
		Market:     risk.NewPriceMarketData(prices),
		Calendar:   cal,
		Clock:      clock,
		Alerter:    alerter,
	}, cfg.Trading.MonitorInterval, util.Component(log, "monitor"))
	rec := reconcile.New(s, ol, pl, gw, flags, clock, reconcile.Config{
		Interval:             cfg.Trading.ReconcileInterval,
		StuckAfter:           cfg.Trading.StuckOrderAfter,
		PhantomConfirmations: cfg.Trading.PhantomConfirmations,
	}, util.Component(log, "reconcile"))

	var cands engine.CandidateSource = engine.StaticCandidates(nil)
	if cfg.Trading.CandidatesPath != "" {
		cands = engine.FileCandidates{Path: cfg.Trading.CandidatesPath}
	}
	coord := engine.New(engine.Deps{
		Store:      s,
		Registry:   reg,
		Orders:     ol,
		Guard:      guard,
		Liquidator: liq,
		Flags:      flags,
		Thresholds: ts,
		Candidates: cands,
		Journal:    journal.NewParquetJournal(cfg.Storage.DataDir),
		Calendar:   cal,
		Clock:      clock,
	}, engine.Config{
		Mode:          mode,
		MinScore:      cfg.Trading.MinCandidateScore,
		MaxCandidates: cfg.Trading.MaxCandidates,
		CapitalBudget: decimal.NewFromFloat(cfg.Trading.CapitalBudget),
		AutoStart:     cfg.Trading.AutoStart,
		Interval:      cfg.Trading.MonitorInterval,
	}, util.Component(log, "engine"))
	monitor.SetStopper(coord.LiquidateCycle)

	log.Info().
		Str("mode", string(mode)).
		Str("driver", s.Driver()).
		Bool("auto_start", cfg.Trading.AutoStart).
		Msg("vesta-trader starting")

	g, gctx := errgroup.WithContext(ctx)
	srv := api.NewServer(cfg.Server, api.NewRunner(gctx, coord, util.Component(log, "runner")), hub, util.Component(log, "api"))

	g.Go(func() error { return ol.Stream(gctx) })
	g.Go(func() error {
		return ts.Watch(gctx, cfg.Trading.ThresholdsPath, clock, cfg.Trading.ThresholdsReload, util.Component(log, "thresholds"))
	})
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return rec.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error {
		// Resume where a crash left off before taking new cycles.
		if _, err := coord.Restore(gctx); err != nil {
			log.Error().Err(err).Msg("restore interrupted cycle")
		}
		return coord.Run(gctx)
	})
	if sim, ok := b.(*broker.SimulatorBroker); ok && prices != risk.PriceSource(sim) {
		g.Go(func() error { return feedPrices(gctx, sim, prices, s, clock, cfg.Trading.MonitorInterval, log) })
	}

	return g.Wait()
}

// newBroker returns the broker, the price source the monitor reads and the
// cycle mode. Paper mode trades against the simulator; with Alpaca
// credentials it is priced from Alpaca market data.
func newBroker(ctx context.Context, cfg *config.Config, log zerolog.Logger) (broker.Broker, risk.PriceSource, domain.CycleMode) {
	haveKeys := cfg.Alpaca.APIKey != "" && cfg.Alpaca.APISecret != ""
	if !cfg.Trading.PaperMode {
		quotes := broker.NewAlpacaQuotes(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL)
		return broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL, util.Component(log, "alpaca")), quotes, domain.ModeLive
	}

	sim := broker.NewSimulatorBroker()
	if cfg.Trading.CandidatesPath != "" {
		seedPrices(ctx, sim, cfg.Trading.CandidatesPath, log)
	}
	if haveKeys {
		return sim, broker.NewAlpacaQuotes(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL), domain.ModePaper
	}
	return sim, sim, domain.ModePaper
}

// holidays returns the configured holidays plus, against Alpaca, the
// market closures of the coming year.
func holidays(ctx context.Context, cfg *config.Config, b broker.Broker, clock util.Clock, log zerolog.Logger) []string {
	days := append([]string(nil), cfg.Trading.Holidays...)
	ab, ok := b.(*broker.AlpacaBroker)
	if !ok {
		return days
	}
	from := clock.Now()
	extra, err := ab.Holidays(ctx, from, from.AddDate(1, 0, 0))
	if err != nil {
		log.Warn().Err(err).Msg("load broker calendar, using configured holidays")
		return days
	}
	return append(days, extra...)
}

// seedPrices gives the simulator a price for every candidate so entries
// can fill without a market-data feed.
func seedPrices(ctx context.Context, sim *broker.SimulatorBroker, path string, log zerolog.Logger) {
	cands, err := engine.FileCandidates{Path: path}.Candidates(ctx, nil)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("seed simulator prices")
		return
	}
	for _, c := range cands {
		if c.Entry > 0 {
			sim.SetPrice(c.Symbol, decimal.NewFromFloat(c.Entry))
		}
	}
}

// feedPrices copies live prices into the simulator for every symbol with an
// open position or a working order.
func feedPrices(ctx context.Context, sim *broker.SimulatorBroker, src risk.PriceSource, s *store.Store, clock util.Clock, every time.Duration, log zerolog.Logger) error {
	ticker := clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}

		symbols := map[string]bool{}
		ps, err := s.OpenPositions(ctx, "")
		if err != nil {
			log.Error().Err(err).Msg("price feed: open positions")
			continue
		}
		for _, p := range ps {
			symbols[p.Symbol] = true
		}
		working, err := s.ListOrders(ctx, store.OrderFilter{Statuses: domain.NonTerminalOrderStatuses()})
		if err != nil {
			log.Error().Err(err).Msg("price feed: working orders")
			continue
		}
		for _, o := range working {
			symbols[o.Symbol] = true
		}
		for sym := range symbols {
			px, err := src.LatestPrice(ctx, sym)
			if err != nil {
				log.Warn().Err(err).Str("symbol", sym).Msg("price feed")
				continue
			}
			sim.SetPrice(sym, px)
		}
	}
}
