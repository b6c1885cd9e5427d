// limitless-farmd is the Limitless reward-farming daemon.
// It quotes both legs of configured binary markets around a Deribit-derived
// fair value and exposes status, metrics and a streaming feed over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/polyedge/limitless-farmer/pkg/config"
	"github.com/polyedge/limitless-farmer/pkg/deribit"
	"github.com/polyedge/limitless-farmer/pkg/eth"
	"github.com/polyedge/limitless-farmer/pkg/feed"
	"github.com/polyedge/limitless-farmer/pkg/limitless"
	"github.com/polyedge/limitless-farmer/pkg/metrics"
	"github.com/polyedge/limitless-farmer/pkg/strategy"
	"github.com/polyedge/limitless-farmer/pkg/streaming"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// Flags
	httpAddr    = flag.String("http", "", "HTTP server address (overrides HTTP_ADDR)")
	envFile     = flag.String("env", "", "Path to env file (default .env)")
	marketsFile = flag.String("markets", "", "Path to markets table (overrides MARKETS_FILE)")
	verbose     = flag.Bool("verbose", false, "Verbose logging")
)

func main() {
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(*envFile, *marketsFile)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !*verbose {
		if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			logger.SetLevel(lvl)
		}
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}

	runID := uuid.NewString()
	log := logger.WithField("run", runID)
	log.Info("starting limitless-farmd")

	f, err := newFarmer(cfg, runID, log)
	if err != nil {
		log.Fatalf("init: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	hubStop := make(chan struct{})
	g.Go(func() error {
		f.hub.Run(hubStop)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		close(hubStop)
		return nil
	})

	for _, mgr := range f.managers {
		mgr := mgr
		g.Go(func() error {
			return mgr.Run(ctx)
		})
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: f.routes(),
	}
	g.Go(func() error {
		log.Infof("http listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	log.Infof("farming %d market(s), websocket at ws://%s/ws", len(f.managers), cfg.HTTPAddr)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("shutdown: %v", err)
		f.stopFeeds()
		os.Exit(1)
	}
	f.stopFeeds()
	log.Info("stopped")
}

// farmer aggregates the daemon's components.
type farmer struct {
	runID    string
	cfg      *config.Config
	log      *logrus.Entry
	venue    *limitless.Client
	options  *deribit.Client
	metrics  *metrics.FarmerMetrics
	hub      *streaming.Hub
	managers []*strategy.Manager
	feeds    []stoppable
}

type stoppable interface {
	Stop()
}

func newFarmer(cfg *config.Config, runID string, log *logrus.Entry) (*farmer, error) {
	met := metrics.Default()

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	venueOpts := []limitless.ClientOption{
		limitless.WithLogger(log),
		limitless.WithRequestHook(func(status string, retried bool) {
			met.APIRequests.WithLabelValues("limitless", status).Inc()
			if retried {
				met.APIRetries.WithLabelValues("limitless").Inc()
			}
		}),
	}
	if cfg.LimitlessBaseURL != "" {
		venueOpts = append(venueOpts, limitless.WithBaseURL(cfg.LimitlessBaseURL))
	}

	// Sell orders need the exchange approved as ERC-1155 operator on the
	// conditional tokens. Verify the chain up front so a bad RPC fails the
	// start, not the first sell.
	if cfg.BaseRPC != "" {
		wallet, err := eth.NewWallet(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("wallet: %w", err)
		}
		rpc, err := ethclient.DialContext(startCtx, cfg.BaseRPC)
		if err != nil {
			return nil, fmt.Errorf("dial base rpc: %w", err)
		}
		operators := make([]common.Address, 0, len(cfg.Operators))
		for _, addr := range cfg.Operators {
			operators = append(operators, common.HexToAddress(addr))
		}
		approvals := eth.NewApprovals(rpc, wallet, operators...)
		if err := approvals.VerifyChain(startCtx); err != nil {
			return nil, fmt.Errorf("base rpc: %w", err)
		}
		venueOpts = append(venueOpts, limitless.WithSellApprover(approvals))
	} else {
		log.Warn("BASE_RPC unset, sells assume token approvals already exist")
	}

	venue, err := limitless.NewClient(cfg.PrivateKey, venueOpts...)
	if err != nil {
		return nil, fmt.Errorf("limitless client: %w", err)
	}

	optionOpts := []deribit.Option{
		deribit.WithRequestHook(func(status string) {
			met.APIRequests.WithLabelValues("deribit", status).Inc()
		}),
	}
	if cfg.DeribitBaseURL != "" {
		optionOpts = append(optionOpts, deribit.WithBaseURL(cfg.DeribitBaseURL))
	} else if cfg.DeribitTestnet {
		optionOpts = append(optionOpts, deribit.WithTestnet())
	}
	options := deribit.NewClient(optionOpts...)

	maxHalfSpread, err := decimal.NewFromString(cfg.MaxHalfSpread)
	if err != nil {
		return nil, fmt.Errorf("max half-spread: %w", err)
	}
	tickSize, err := decimal.NewFromString(cfg.TickSize)
	if err != nil {
		return nil, fmt.Errorf("tick size: %w", err)
	}

	f := &farmer{
		runID:   runID,
		cfg:     cfg,
		log:     log,
		venue:   venue,
		options: options,
		metrics: met,
		hub:     streaming.NewHub(log),
	}

	// Token IDs come from the venue, not the table; a market we cannot
	// resolve at startup is a config error.
	for _, mc := range cfg.Markets {
		market, err := venue.GetMarket(startCtx, mc.Slug)
		if err != nil {
			return nil, fmt.Errorf("resolve market %s: %w", mc.Slug, err)
		}
		if market.Closed {
			log.Warnf("market %s is closed, skipping", mc.Slug)
			continue
		}
		strike, err := mc.Strike()
		if err != nil {
			return nil, err
		}

		book := feed.NewBookFeed(venue, mc.Slug, cfg.BookPollInterval, log)
		fair := feed.NewFairValueFeed(options, feed.Instruments{
			LowerEarlier: mc.Legs.LowerEarlier,
			UpperEarlier: mc.Legs.UpperEarlier,
			LowerLater:   mc.Legs.LowerLater,
			UpperLater:   mc.Legs.UpperLater,
		}, strike, cfg.FairPollInterval, log)
		book.OnPoll(feedPollHook(met, "book"))
		fair.OnPoll(feedPollHook(met, "fairvalue"))
		book.Start()
		fair.Start()
		f.feeds = append(f.feeds, book, fair)

		mgr := strategy.NewManager(strategy.Config{
			MarketSlug:     mc.Slug,
			YesTokenID:     market.Tokens.Yes,
			NoTokenID:      market.Tokens.No,
			OrderAmountUSD: decimal.NewFromFloat(mc.AllocationUSD),
			MaxHalfSpread:  maxHalfSpread,
			TickSize:       tickSize,
			CycleInterval:  cfg.CycleInterval,
		}, venue, book, fair, log)
		mgr.SetObserver(&telemetry{market: mc.Slug, metrics: f.metrics, hub: f.hub})
		mgr.OnOrder(orderHook(met, f.hub))
		f.managers = append(f.managers, mgr)
	}
	if len(f.managers) == 0 {
		return nil, fmt.Errorf("no open markets to farm")
	}

	return f, nil
}

func (f *farmer) stopFeeds() {
	for _, s := range f.feeds {
		s.Stop()
	}
}

func (f *farmer) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"run":    f.runID,
			"time":   time.Now().UTC(),
		})
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		snaps := make([]strategy.Snapshot, 0, len(f.managers))
		for _, mgr := range f.managers {
			snaps = append(snaps, mgr.Snapshot())
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"run":       f.runID,
			"account":   f.venue.Address(),
			"markets":   snaps,
			"observers": f.hub.ObserverCount(),
		})
	})

	mux.Handle("/metrics", promhttp.HandlerFor(f.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", f.hub.ServeWS)

	return mux
}

// telemetry fans one market's cycle snapshots out to Prometheus and the
// websocket hub.
type telemetry struct {
	market  string
	metrics *metrics.FarmerMetrics
	hub     *streaming.Hub
}

func (t *telemetry) Publish(snap strategy.Snapshot) {
	status := "ok"
	if snap.LastError != "" {
		status = "error"
	}
	t.metrics.RecordCycle(t.market, status)

	fair := parseGauge(snap.FairValue)
	yesBid := parseGauge(snap.YesBid)
	noBid := parseGauge(snap.NoBid)
	band := parseGauge(snap.BandHigh) - parseGauge(snap.BandLow)
	t.metrics.RecordQuotes(t.market, fair, yesBid, noBid, band)
	t.metrics.RecordInventory(t.market, snap.YesShares, snap.NoShares,
		snap.YesShares*yesBid-snap.NoShares*noBid)
	t.metrics.RestingOrders.WithLabelValues(t.market).Set(float64(len(snap.RestingOrders)))

	t.hub.PublishQuote(t.market, snap)
	t.hub.PublishFairValue(t.market, fair)
	t.hub.PublishMode(t.market, string(snap.Mode))
	if snap.LastError != "" {
		t.hub.PublishError(t.market, errors.New(snap.LastError))
	}
}

// feedPollHook counts poll attempts and failures for one feed.
func feedPollHook(met *metrics.FarmerMetrics, name string) func(error) {
	return func(err error) {
		status := "ok"
		if err != nil {
			status = "error"
			met.FeedErrors.WithLabelValues(name).Inc()
		}
		met.FeedPolls.WithLabelValues(name, status).Inc()
	}
}

// orderHook records order lifecycle events and streams them to observers.
func orderHook(met *metrics.FarmerMetrics, hub *streaming.Hub) func(strategy.OrderEvent) {
	return func(ev strategy.OrderEvent) {
		switch ev.Kind {
		case strategy.OrderPlaced:
			met.RecordOrder(ev.Market, string(ev.Outcome), string(ev.Side), metrics.DecimalToFloat64(ev.Price))
		case strategy.OrderCanceled:
			met.OrdersCanceled.WithLabelValues(ev.Market).Inc()
		case strategy.OrderFilled:
			met.OrdersFilled.WithLabelValues(ev.Market, string(ev.Outcome)).Inc()
		}
		hub.PublishOrder(ev.Market, ev)
	}
}

func parseGauge(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return metrics.DecimalToFloat64(d)
}
