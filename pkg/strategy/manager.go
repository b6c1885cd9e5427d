package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/polyedge/limitless-farmer/pkg/feed"
	"github.com/polyedge/limitless-farmer/pkg/limitless"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Mode is the manager's quoting state, re-evaluated every cycle.
type Mode string

const (
	// ModeQuoting is normal two-sided reward farming.
	ModeQuoting Mode = "quoting"
	// ModeSellOnly liquidates existing inventory after the market has moved
	// too close to resolution for safe two-sided quoting.
	ModeSellOnly Mode = "sell_only"
)

// Extreme-price guards: once either bid leaves (0.02, 0.95) the market is
// too skewed for two-sided quoting.
var (
	extremeLow  = decimal.RequireFromString("0.02")
	extremeHigh = decimal.RequireFromString("0.95")
)

// finestTick is the tick granularity at which the replace dead-band widens
// to avoid churn.
var finestTick = decimal.RequireFromString("0.001")

type venueClient interface {
	PlaceOrder(ctx context.Context, intent *limitless.OrderIntent) (string, error)
	CancelOrders(ctx context.Context, orderIDs []string) error
	CheckFilled(ctx context.Context, orderIDs []string) ([]string, error)
	SharesFor(ctx context.Context, slug string) (limitless.Shares, error)
}

type quoteSource interface {
	Latest() (feed.BestQuote, bool)
}

type fairSource interface {
	Latest() (feed.FairValue, bool)
}

// Config holds the static per-market strategy parameters.
type Config struct {
	MarketSlug string
	YesTokenID string
	NoTokenID  string

	OrderAmountUSD decimal.Decimal
	MaxHalfSpread  decimal.Decimal
	TickSize       decimal.Decimal

	// DeMinimisShares is the residual position below which sell-only mode
	// considers a side flat.
	DeMinimisShares decimal.Decimal

	// SettleDelay is the mandatory pause between a verified cancel and the
	// replacement placement, so the venue book settles and we cannot cross
	// our own dying orders.
	SettleDelay time.Duration

	// CycleInterval is the pause between decision cycles.
	CycleInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.DeMinimisShares.IsZero() {
		c.DeMinimisShares = one
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = 500 * time.Millisecond
	}
	if c.CycleInterval == 0 {
		c.CycleInterval = 3 * time.Second
	}
}

// Snapshot is the read-only telemetry view of the manager.
type Snapshot struct {
	Market        string    `json:"market"`
	Mode          Mode      `json:"mode"`
	YesBid        string    `json:"yesBid"`
	NoBid         string    `json:"noBid"`
	FairValue     string    `json:"fairValue"`
	BandLow       string    `json:"bandLow"`
	BandHigh      string    `json:"bandHigh"`
	YesShares     float64   `json:"yesShares"`
	NoShares      float64   `json:"noShares"`
	RestingOrders []string  `json:"restingOrders"`
	LastError     string    `json:"lastError,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Observer receives the snapshot produced at the end of every cycle.
type Observer interface {
	Publish(snap Snapshot)
}

// OrderEventKind classifies an order lifecycle transition.
type OrderEventKind string

const (
	OrderPlaced   OrderEventKind = "placed"
	OrderCanceled OrderEventKind = "canceled"
	OrderFilled   OrderEventKind = "filled"
)

// OrderEvent describes one transition of one tracked order. Canceled and
// filled events carry the placement details the manager recorded for the
// order.
type OrderEvent struct {
	Kind    OrderEventKind
	Market  string
	OrderID string
	Outcome limitless.Outcome
	Side    limitless.Side
	Price   decimal.Decimal
	Shares  int64
}

// Manager owns the resting-order set for one market and drives the decision
// cycle. The resting set is the sole record of what we believe is live on
// the book; entries leave it only after a verified cancel.
type Manager struct {
	cfg    Config
	client venueClient
	book   quoteSource
	fair   fairSource
	engine *QuoteEngine
	log    *logrus.Entry

	observer Observer
	onOrder  func(OrderEvent)

	mode      Mode
	orders    []string
	orderMeta map[string]OrderEvent

	snapMu   sync.Mutex
	lastSnap Snapshot
}

// NewManager wires a manager for one market.
func NewManager(cfg Config, client venueClient, book quoteSource, fair fairSource, log *logrus.Entry) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:       cfg,
		client:    client,
		book:      book,
		fair:      fair,
		engine:    NewQuoteEngine(cfg.OrderAmountUSD, cfg.MaxHalfSpread, cfg.TickSize),
		log:       log.WithField("market", cfg.MarketSlug),
		mode:      ModeQuoting,
		orderMeta: make(map[string]OrderEvent),
	}
}

// SetObserver registers a telemetry sink for cycle snapshots.
func (m *Manager) SetObserver(obs Observer) {
	m.observer = obs
}

// OnOrder registers a callback for order lifecycle events. Must be set before
// Run.
func (m *Manager) OnOrder(fn func(OrderEvent)) {
	m.onOrder = fn
}

// trackPlaced records a new resting order and emits its placement event.
func (m *Manager) trackPlaced(id string, outcome limitless.Outcome, side limitless.Side, price decimal.Decimal, shares int64) {
	m.orders = append(m.orders, id)
	ev := OrderEvent{
		Kind:    OrderPlaced,
		Market:  m.cfg.MarketSlug,
		OrderID: id,
		Outcome: outcome,
		Side:    side,
		Price:   price,
		Shares:  shares,
	}
	m.orderMeta[id] = ev
	m.emitOrder(ev)
}

func (m *Manager) emitOrder(ev OrderEvent) {
	if m.onOrder != nil {
		m.onOrder(ev)
	}
}

// emitTracked emits a lifecycle event for a tracked order, reusing its
// placement details.
func (m *Manager) emitTracked(id string, kind OrderEventKind) {
	ev, ok := m.orderMeta[id]
	if !ok {
		ev = OrderEvent{Market: m.cfg.MarketSlug, OrderID: id}
	}
	ev.Kind = kind
	m.emitOrder(ev)
}

// Mode returns the current quoting mode.
func (m *Manager) Mode() Mode {
	return m.mode
}

// RestingOrders returns a copy of the resting order IDs.
func (m *Manager) RestingOrders() []string {
	out := make([]string, len(m.orders))
	copy(out, m.orders)
	return out
}

// Snapshot returns the view published after the most recent cycle. Safe for
// concurrent use by telemetry readers.
func (m *Manager) Snapshot() Snapshot {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	return m.lastSnap
}

func (m *Manager) setSnapshot(snap Snapshot) {
	m.snapMu.Lock()
	m.lastSnap = snap
	m.snapMu.Unlock()
}

// Run drives decision cycles until the context is canceled. Cycle failures
// are logged and published, never fatal: the next cycle retries.
func (m *Manager) Run(ctx context.Context) error {
	m.log.WithFields(logrus.Fields{
		"order_amount":    m.cfg.OrderAmountUSD,
		"max_half_spread": m.cfg.MaxHalfSpread,
		"tick_size":       m.cfg.TickSize,
	}).Info("reward farmer started")

	for {
		err := m.Cycle(ctx)
		if err != nil && ctx.Err() == nil {
			m.log.WithError(err).Error("cycle failed")
		}

		interval := m.cfg.CycleInterval
		if err != nil {
			// Back off a little extra after a failed cycle.
			interval += m.cfg.CycleInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Cycle runs one decision pass. All failures leave the resting-order set in
// a state the next cycle can reconcile from.
func (m *Manager) Cycle(ctx context.Context) (err error) {
	defer func() {
		m.publish(err)
	}()

	view, fv, err := m.marketView(ctx)
	if err != nil {
		return err
	}

	bids, err := m.engine.Compute(view)
	if err != nil {
		return err
	}
	m.setSnapshot(m.buildSnapshot(view, fv, bids))

	if m.mode == ModeSellOnly {
		return m.sellOnlyCycle(ctx, view)
	}

	if outOfBounds(bids.Yes) || outOfBounds(bids.No) {
		m.log.WithFields(logrus.Fields{
			"yes_bid": bids.Yes,
			"no_bid":  bids.No,
		}).Warn("bids out of safe range, entering sell-only mode")
		if err := m.cancelAll(ctx); err != nil {
			return err
		}
		m.mode = ModeSellOnly
		return m.sellOnlyCycle(ctx, view)
	}

	filled, err := m.client.CheckFilled(ctx, m.orders)
	if err != nil {
		return fmt.Errorf("fill check: %w", err)
	}

	switch {
	case len(m.orders) == 0:
		if err := m.placeQuotes(ctx, view, bids); err != nil {
			return err
		}
	case len(filled) > 0:
		m.log.WithField("filled", filled).Info("orders filled, clearing remaining quotes")
		for _, id := range filled {
			m.emitTracked(id, OrderFilled)
		}
		if err := m.cancelAll(ctx); err != nil {
			return err
		}
	case m.shouldReplace(bids):
		m.log.WithFields(logrus.Fields{
			"yes_bid": bids.Yes,
			"no_bid":  bids.No,
		}).Info("targets moved, replacing quotes")
		if err := m.cancelAll(ctx); err != nil {
			return err
		}
		if err := m.settle(ctx); err != nil {
			return err
		}
		if err := m.placeQuotes(ctx, view, bids); err != nil {
			return err
		}
	}

	m.engine.Remember(bids)
	m.setSnapshot(m.buildSnapshot(view, fv, bids))
	return nil
}

// marketView assembles the cycle's consistent read of both feeds and the
// inventory cache.
func (m *Manager) marketView(ctx context.Context) (MarketView, feed.FairValue, error) {
	quote, ok := m.book.Latest()
	if !ok {
		return MarketView{}, feed.FairValue{}, fmt.Errorf("orderbook: %w", feed.ErrNoData)
	}
	fv, ok := m.fair.Latest()
	if !ok {
		return MarketView{}, feed.FairValue{}, fmt.Errorf("fair value: %w", feed.ErrNoData)
	}
	shares, err := m.client.SharesFor(ctx, m.cfg.MarketSlug)
	if err != nil {
		return MarketView{}, feed.FairValue{}, fmt.Errorf("inventory: %w", err)
	}

	return MarketView{
		YesBid:      decimal.NewFromFloat(quote.YesBid),
		YesAsk:      decimal.NewFromFloat(quote.YesAsk),
		NoBid:       decimal.NewFromFloat(quote.NoBid),
		NoAsk:       decimal.NewFromFloat(quote.NoAsk),
		TargetPrice: decimal.NewFromFloat(fv.TargetPrice),
		YesShares:   decimal.NewFromFloat(shares.Yes),
		NoShares:    decimal.NewFromFloat(shares.No),
		HaveOrders:  len(m.orders) > 0,
	}, fv, nil
}

func outOfBounds(bid decimal.Decimal) bool {
	return bid.LessThanOrEqual(extremeLow) || bid.GreaterThanOrEqual(extremeHigh)
}

// shouldReplace reports whether either target moved beyond the dead-band
// since the last placement. At the finest tick, replacing requires at least a
// three-tick move to avoid churn on noise; at coarser ticks, strictly more
// than one tick.
func (m *Manager) shouldReplace(bids Bids) bool {
	prevYes, prevNo := m.engine.PrevBids()
	yesMove := bids.Yes.Sub(prevYes).Abs()
	noMove := bids.No.Sub(prevNo).Abs()

	if m.cfg.TickSize.LessThanOrEqual(finestTick) {
		deadBand := m.cfg.TickSize.Mul(decimal.NewFromInt(3))
		return yesMove.GreaterThanOrEqual(deadBand) || noMove.GreaterThanOrEqual(deadBand)
	}
	return yesMove.GreaterThan(m.cfg.TickSize) || noMove.GreaterThan(m.cfg.TickSize)
}

func (m *Manager) settle(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.cfg.SettleDelay):
		return nil
	}
}

// cancelAll cancels every resting order with verification. On unverified
// cancellation the resting set is kept: local state must never claim "no
// orders" while the venue may disagree.
func (m *Manager) cancelAll(ctx context.Context) error {
	if len(m.orders) == 0 {
		return nil
	}
	if err := m.client.CancelOrders(ctx, m.orders); err != nil {
		if errors.Is(err, limitless.ErrCancelUnverified) {
			m.log.WithError(err).Error("cancellation unverified, keeping orders tracked")
		}
		return err
	}
	for _, id := range m.orders {
		m.emitTracked(id, OrderCanceled)
		delete(m.orderMeta, id)
	}
	m.orders = nil
	return nil
}

// placeQuotes places one order per leg. A leg whose inventory can already
// fund a full-size sell at the implied ask is quoted as a SELL instead of a
// BUY, recycling inventory before adding to it.
func (m *Manager) placeQuotes(ctx context.Context, view MarketView, bids Bids) error {
	yesAsk := one.Sub(bids.No)
	noAsk := one.Sub(bids.Yes)

	soldYes, err := m.maybeSell(ctx, limitless.OutcomeYes, m.cfg.YesTokenID, yesAsk, view.YesShares)
	if err != nil {
		return err
	}
	soldNo, err := m.maybeSell(ctx, limitless.OutcomeNo, m.cfg.NoTokenID, noAsk, view.NoShares)
	if err != nil {
		return err
	}

	if !soldYes {
		if err := m.buy(ctx, limitless.OutcomeYes, m.cfg.YesTokenID, bids.Yes); err != nil {
			return err
		}
	}
	if !soldNo {
		if err := m.buy(ctx, limitless.OutcomeNo, m.cfg.NoTokenID, bids.No); err != nil {
			return err
		}
	}
	return nil
}

// maybeSell places a sell when inventory covers the full order amount at the
// given ask. Returns whether a sell was placed.
func (m *Manager) maybeSell(ctx context.Context, outcome limitless.Outcome, tokenID string, ask, inventory decimal.Decimal) (bool, error) {
	if ask.LessThanOrEqual(decimal.Zero) {
		return false, nil
	}
	shares := m.cfg.OrderAmountUSD.Div(ask).Floor()
	if shares.LessThanOrEqual(decimal.Zero) || shares.GreaterThan(inventory) {
		return false, nil
	}

	price := SnapDown(ask, m.cfg.TickSize)
	id, err := m.client.PlaceOrder(ctx, &limitless.OrderIntent{
		MarketSlug: m.cfg.MarketSlug,
		TokenID:    tokenID,
		Outcome:    outcome,
		Side:       limitless.SideSell,
		Price:      price,
		Shares:     shares.IntPart(),
	})
	if err != nil {
		return false, fmt.Errorf("sell %s: %w", outcome, err)
	}
	m.trackPlaced(id, outcome, limitless.SideSell, price, shares.IntPart())
	return true, nil
}

func (m *Manager) buy(ctx context.Context, outcome limitless.Outcome, tokenID string, bid decimal.Decimal) error {
	price := SnapUp(bid, m.cfg.TickSize)
	shares := m.cfg.OrderAmountUSD.Div(price).Floor()
	if shares.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("buy %s: order amount %s buys no shares at %s", outcome, m.cfg.OrderAmountUSD, price)
	}

	id, err := m.client.PlaceOrder(ctx, &limitless.OrderIntent{
		MarketSlug: m.cfg.MarketSlug,
		TokenID:    tokenID,
		Outcome:    outcome,
		Side:       limitless.SideBuy,
		Price:      price,
		Shares:     shares.IntPart(),
	})
	if err != nil {
		return fmt.Errorf("buy %s: %w", outcome, err)
	}
	m.trackPlaced(id, outcome, limitless.SideBuy, price, shares.IntPart())
	return nil
}

// sellOnlyCycle liquidates remaining inventory at one tick inside the
// opposite side's bid and resumes normal quoting once both positions are de
// minimis.
func (m *Manager) sellOnlyCycle(ctx context.Context, view MarketView) error {
	yesFlat := view.YesShares.LessThanOrEqual(m.cfg.DeMinimisShares)
	noFlat := view.NoShares.LessThanOrEqual(m.cfg.DeMinimisShares)

	if yesFlat && noFlat {
		if err := m.cancelAll(ctx); err != nil {
			return err
		}
		m.log.Info("inventory liquidated, resuming two-sided quoting")
		m.mode = ModeQuoting
		return nil
	}

	filled, err := m.client.CheckFilled(ctx, m.orders)
	if err != nil {
		return fmt.Errorf("fill check: %w", err)
	}
	if len(filled) > 0 || len(m.orders) == 0 {
		for _, id := range filled {
			m.emitTracked(id, OrderFilled)
		}
		if err := m.cancelAll(ctx); err != nil {
			return err
		}
		if err := m.settle(ctx); err != nil {
			return err
		}

		if !yesFlat {
			ask := SnapDown(one.Sub(view.NoBid), m.cfg.TickSize)
			if err := m.liquidate(ctx, limitless.OutcomeYes, m.cfg.YesTokenID, ask, view.YesShares); err != nil {
				return err
			}
		}
		if !noFlat {
			ask := SnapDown(one.Sub(view.YesBid), m.cfg.TickSize)
			if err := m.liquidate(ctx, limitless.OutcomeNo, m.cfg.NoTokenID, ask, view.NoShares); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) liquidate(ctx context.Context, outcome limitless.Outcome, tokenID string, ask, inventory decimal.Decimal) error {
	if ask.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("liquidate %s: non-positive ask %s", outcome, ask)
	}
	shares := inventory.Floor()
	if shares.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	id, err := m.client.PlaceOrder(ctx, &limitless.OrderIntent{
		MarketSlug: m.cfg.MarketSlug,
		TokenID:    tokenID,
		Outcome:    outcome,
		Side:       limitless.SideSell,
		Price:      ask,
		Shares:     shares.IntPart(),
	})
	if err != nil {
		return fmt.Errorf("liquidate %s: %w", outcome, err)
	}
	m.trackPlaced(id, outcome, limitless.SideSell, ask, shares.IntPart())
	return nil
}

func (m *Manager) buildSnapshot(view MarketView, fv feed.FairValue, bids Bids) Snapshot {
	return Snapshot{
		Market:        m.cfg.MarketSlug,
		Mode:          m.mode,
		YesBid:        bids.Yes.String(),
		NoBid:         bids.No.String(),
		FairValue:     view.TargetPrice.String(),
		BandLow:       bids.Band.Low.String(),
		BandHigh:      bids.Band.High.String(),
		YesShares:     view.YesShares.InexactFloat64(),
		NoShares:      view.NoShares.InexactFloat64(),
		RestingOrders: m.RestingOrders(),
		UpdatedAt:     time.Now(),
	}
}

func (m *Manager) publish(err error) {
	snap := m.Snapshot()
	snap.Market = m.cfg.MarketSlug
	snap.Mode = m.mode
	snap.RestingOrders = m.RestingOrders()
	if err != nil {
		snap.LastError = err.Error()
	}
	snap.UpdatedAt = time.Now()
	m.setSnapshot(snap)
	if m.observer != nil {
		m.observer.Publish(snap)
	}
}
