package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/polyedge/limitless-farmer/pkg/feed"
	"github.com/polyedge/limitless-farmer/pkg/limitless"

	"github.com/sirupsen/logrus"
)

type fakeVenue struct {
	placed    []limitless.OrderIntent
	nextID    int
	canceled  [][]string
	cancelErr error
	filled    []string
	shares    limitless.Shares
}

func (v *fakeVenue) PlaceOrder(ctx context.Context, intent *limitless.OrderIntent) (string, error) {
	v.placed = append(v.placed, *intent)
	v.nextID++
	return fmt.Sprintf("ord-%d", v.nextID), nil
}

func (v *fakeVenue) CancelOrders(ctx context.Context, orderIDs []string) error {
	if v.cancelErr != nil {
		return v.cancelErr
	}
	ids := make([]string, len(orderIDs))
	copy(ids, orderIDs)
	v.canceled = append(v.canceled, ids)
	return nil
}

func (v *fakeVenue) CheckFilled(ctx context.Context, orderIDs []string) ([]string, error) {
	return v.filled, nil
}

func (v *fakeVenue) SharesFor(ctx context.Context, slug string) (limitless.Shares, error) {
	return v.shares, nil
}

type fakeBook struct {
	quote feed.BestQuote
	ok    bool
}

func (b *fakeBook) Latest() (feed.BestQuote, bool) { return b.quote, b.ok }

type fakeFair struct {
	fv feed.FairValue
	ok bool
}

func (f *fakeFair) Latest() (feed.FairValue, bool) { return f.fv, f.ok }

func testManagerLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func balancedBook() *fakeBook {
	return &fakeBook{
		quote: feed.BestQuote{YesBid: 0.40, YesAsk: 0.60, NoBid: 0.40, NoAsk: 0.60},
		ok:    true,
	}
}

func newTestManager(venue *fakeVenue, book *fakeBook, fair *fakeFair) *Manager {
	return NewManager(Config{
		MarketSlug:     "btc-above-100k",
		YesTokenID:     "111",
		NoTokenID:      "222",
		OrderAmountUSD: d("100"),
		MaxHalfSpread:  d("0.03"),
		TickSize:       d("0.01"),
		SettleDelay:    time.Millisecond,
		CycleInterval:  time.Millisecond,
	}, venue, book, fair, testManagerLogger())
}

func TestCycleNoDataSkips(t *testing.T) {
	venue := &fakeVenue{}
	m := newTestManager(venue, &fakeBook{}, &fakeFair{})

	err := m.Cycle(context.Background())
	if !errors.Is(err, feed.ErrNoData) {
		t.Fatalf("err = %v, want ErrNoData", err)
	}
	if len(venue.placed) != 0 {
		t.Error("orders placed without market data")
	}
}

func TestCyclePlacesBothLegs(t *testing.T) {
	venue := &fakeVenue{}
	fair := &fakeFair{fv: feed.FairValue{TargetPrice: 0.50}, ok: true}
	m := newTestManager(venue, balancedBook(), fair)

	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	if len(venue.placed) != 2 {
		t.Fatalf("placed %d orders, want 2", len(venue.placed))
	}
	for _, o := range venue.placed {
		if o.Side != limitless.SideBuy {
			t.Errorf("%s leg side = %s, want BUY with no inventory", o.Outcome, o.Side)
		}
		// Band (0.47, 0.53): both market bids sit below target, so both
		// legs claim the band edge.
		if !o.Price.Equal(d("0.47")) {
			t.Errorf("%s leg price = %s, want 0.47", o.Outcome, o.Price)
		}
		if o.Shares != 212 { // floor(100 / 0.47)
			t.Errorf("%s leg shares = %d, want 212", o.Outcome, o.Shares)
		}
	}
	if got := len(m.RestingOrders()); got != 2 {
		t.Errorf("resting orders = %d, want 2", got)
	}
}

func TestCycleSellLegPreference(t *testing.T) {
	venue := &fakeVenue{shares: limitless.Shares{Yes: 250}}
	fair := &fakeFair{fv: feed.FairValue{TargetPrice: 0.50}, ok: true}
	m := newTestManager(venue, balancedBook(), fair)

	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	if len(venue.placed) != 2 {
		t.Fatalf("placed %d orders, want 2", len(venue.placed))
	}
	var sells, buys int
	for _, o := range venue.placed {
		switch {
		case o.Outcome == limitless.OutcomeYes && o.Side == limitless.SideSell:
			sells++
			// YES ask implied by the NO bid: 1 - 0.47 = 0.53.
			if !o.Price.Equal(d("0.53")) {
				t.Errorf("yes sell price = %s, want 0.53", o.Price)
			}
			if o.Shares != 188 { // floor(100 / 0.53), funded by 250 held shares
				t.Errorf("yes sell shares = %d, want 188", o.Shares)
			}
		case o.Outcome == limitless.OutcomeNo && o.Side == limitless.SideBuy:
			buys++
		default:
			t.Errorf("unexpected order %s %s", o.Outcome, o.Side)
		}
	}
	if sells != 1 || buys != 1 {
		t.Errorf("sells=%d buys=%d, want 1 sell + 1 buy", sells, buys)
	}
}

func TestCycleFillCancelsRemaining(t *testing.T) {
	venue := &fakeVenue{}
	fair := &fakeFair{fv: feed.FairValue{TargetPrice: 0.50}, ok: true}
	m := newTestManager(venue, balancedBook(), fair)

	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	resting := m.RestingOrders()

	venue.filled = []string{resting[0]}
	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	if len(venue.canceled) != 1 {
		t.Fatalf("cancel batches = %d, want 1", len(venue.canceled))
	}
	if len(m.RestingOrders()) != 0 {
		t.Error("resting orders not cleared after fill-triggered cancel")
	}
	// Replacement happens on the following cycle, not this one.
	if len(venue.placed) != 2 {
		t.Errorf("placed = %d, want no replacement this cycle", len(venue.placed))
	}
}

func TestCycleReplacesOnTargetMove(t *testing.T) {
	venue := &fakeVenue{}
	fair := &fakeFair{fv: feed.FairValue{TargetPrice: 0.50}, ok: true}
	m := newTestManager(venue, balancedBook(), fair)

	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	// Fair value jumps: new band low 0.52 is a 5-tick move.
	fair.fv.TargetPrice = 0.55
	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	if len(venue.canceled) != 1 {
		t.Fatalf("cancel batches = %d, want 1", len(venue.canceled))
	}
	if len(venue.placed) != 4 {
		t.Fatalf("placed = %d, want 2 original + 2 replacements", len(venue.placed))
	}
	replacedYes := venue.placed[2]
	if !replacedYes.Price.Equal(d("0.52")) {
		t.Errorf("replacement yes price = %s, want 0.52", replacedYes.Price)
	}
}

func TestCycleHoldsInsideDeadBand(t *testing.T) {
	venue := &fakeVenue{}
	fair := &fakeFair{fv: feed.FairValue{TargetPrice: 0.50}, ok: true}
	m := newTestManager(venue, balancedBook(), fair)

	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	if len(venue.canceled) != 0 {
		t.Error("unchanged targets triggered a replace")
	}
	if len(venue.placed) != 2 {
		t.Errorf("placed = %d, want the original 2 only", len(venue.placed))
	}
}

func TestDeadBandWidensAtFinestTick(t *testing.T) {
	m := newTestManager(&fakeVenue{}, balancedBook(), &fakeFair{})
	m.cfg.TickSize = d("0.001")
	m.engine.Remember(Bids{Yes: d("0.470"), No: d("0.470")})

	if m.shouldReplace(Bids{Yes: d("0.472"), No: d("0.470")}) {
		t.Error("2-tick move at finest granularity should hold")
	}
	if !m.shouldReplace(Bids{Yes: d("0.473"), No: d("0.470")}) {
		t.Error("exactly 3-tick move at finest granularity should replace")
	}
	if !m.shouldReplace(Bids{Yes: d("0.474"), No: d("0.470")}) {
		t.Error("4-tick move at finest granularity should replace")
	}

	m.cfg.TickSize = d("0.01")
	m.engine.Remember(Bids{Yes: d("0.47"), No: d("0.47")})
	if m.shouldReplace(Bids{Yes: d("0.48"), No: d("0.47")}) {
		t.Error("exactly one tick should hold")
	}
	if !m.shouldReplace(Bids{Yes: d("0.482"), No: d("0.47")}) {
		t.Error("more than one tick should replace")
	}
}

func TestUnverifiedCancelKeepsOrders(t *testing.T) {
	venue := &fakeVenue{}
	fair := &fakeFair{fv: feed.FairValue{TargetPrice: 0.50}, ok: true}
	m := newTestManager(venue, balancedBook(), fair)

	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	resting := m.RestingOrders()

	venue.cancelErr = fmt.Errorf("cancel: %w", limitless.ErrCancelUnverified)
	fair.fv.TargetPrice = 0.55

	err := m.Cycle(context.Background())
	if !errors.Is(err, limitless.ErrCancelUnverified) {
		t.Fatalf("err = %v, want ErrCancelUnverified", err)
	}
	if got := m.RestingOrders(); len(got) != len(resting) {
		t.Error("unverified cancel dropped orders from local tracking")
	}
	if len(venue.placed) != 2 {
		t.Error("new orders placed on top of unconfirmed cancels")
	}
}

func TestOutOfBoundsBoundariesInclusive(t *testing.T) {
	cases := []struct {
		bid  string
		want bool
	}{
		{"0.02", true},
		{"0.021", false},
		{"0.95", true},
		{"0.949", false},
		{"0.50", false},
	}
	for _, tc := range cases {
		if got := outOfBounds(d(tc.bid)); got != tc.want {
			t.Errorf("outOfBounds(%s) = %v, want %v", tc.bid, got, tc.want)
		}
	}
}

func TestExtremeBidEntersSellOnly(t *testing.T) {
	venue := &fakeVenue{shares: limitless.Shares{Yes: 10}}
	fair := &fakeFair{fv: feed.FairValue{TargetPrice: 0.98}, ok: true}
	m := newTestManager(venue, balancedBook(), fair)

	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	if m.Mode() != ModeSellOnly {
		t.Fatalf("mode = %s, want sell_only", m.Mode())
	}
	if len(venue.placed) != 1 {
		t.Fatalf("placed %d orders, want one liquidating sell", len(venue.placed))
	}
	o := venue.placed[0]
	if o.Outcome != limitless.OutcomeYes || o.Side != limitless.SideSell {
		t.Errorf("order = %s %s, want YES SELL", o.Outcome, o.Side)
	}
	// Liquidation price: 1 - opposite (NO) bid = 0.60.
	if !o.Price.Equal(d("0.6")) {
		t.Errorf("price = %s, want 0.6", o.Price)
	}
	if o.Shares != 10 {
		t.Errorf("shares = %d, want full inventory 10", o.Shares)
	}
}

func TestSellOnlyResumesWhenFlat(t *testing.T) {
	venue := &fakeVenue{shares: limitless.Shares{Yes: 10}}
	fair := &fakeFair{fv: feed.FairValue{TargetPrice: 0.98}, ok: true}
	m := newTestManager(venue, balancedBook(), fair)

	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("enter sell-only: %v", err)
	}
	if m.Mode() != ModeSellOnly {
		t.Fatalf("mode = %s, want sell_only", m.Mode())
	}

	// Inventory drops under the de minimis threshold: resume quoting.
	venue.shares = limitless.Shares{Yes: 0.5}
	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("resume cycle: %v", err)
	}
	if m.Mode() != ModeQuoting {
		t.Errorf("mode = %s, want quoting after liquidation", m.Mode())
	}
	if len(m.RestingOrders()) != 0 {
		t.Error("resting sell orders survived the resume transition")
	}
}

func TestSnapshotPublished(t *testing.T) {
	venue := &fakeVenue{}
	fair := &fakeFair{fv: feed.FairValue{TargetPrice: 0.50}, ok: true}
	m := newTestManager(venue, balancedBook(), fair)

	var published []Snapshot
	m.SetObserver(observerFunc(func(s Snapshot) { published = append(published, s) }))

	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	snap := m.Snapshot()
	if snap.Market != "btc-above-100k" || snap.Mode != ModeQuoting {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.YesBid != "0.47" || snap.FairValue != "0.5" {
		t.Errorf("snapshot quotes = %s / fair %s", snap.YesBid, snap.FairValue)
	}
	if len(snap.RestingOrders) != 2 {
		t.Errorf("snapshot resting orders = %d, want 2", len(snap.RestingOrders))
	}
	if len(published) != 1 {
		t.Errorf("observer received %d snapshots, want 1", len(published))
	}
}

type observerFunc func(Snapshot)

func (f observerFunc) Publish(s Snapshot) { f(s) }

func TestCycleDecimalConsistency(t *testing.T) {
	// Placed buy amounts must satisfy shares = floor(amount / price) with
	// exact decimal arithmetic, never binary-float drift.
	venue := &fakeVenue{}
	fair := &fakeFair{fv: feed.FairValue{TargetPrice: 0.50}, ok: true}
	m := newTestManager(venue, balancedBook(), fair)

	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	for _, o := range venue.placed {
		want := d("100").Div(o.Price).Floor().IntPart()
		if o.Shares != want {
			t.Errorf("%s shares = %d, want %d at price %s", o.Outcome, o.Shares, want, o.Price)
		}
	}
}

func TestOrderLifecycleEvents(t *testing.T) {
	venue := &fakeVenue{}
	fair := &fakeFair{fv: feed.FairValue{TargetPrice: 0.50}, ok: true}
	m := newTestManager(venue, balancedBook(), fair)

	var events []OrderEvent
	m.OnOrder(func(ev OrderEvent) { events = append(events, ev) })

	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events after placement, want 2", len(events))
	}
	for _, ev := range events {
		if ev.Kind != OrderPlaced {
			t.Errorf("event %s kind = %s, want placed", ev.OrderID, ev.Kind)
		}
		if ev.Market != "btc-above-100k" || ev.Side != limitless.SideBuy {
			t.Errorf("placement event missing details: %+v", ev)
		}
		if !ev.Price.Equal(d("0.47")) || ev.Shares != 212 {
			t.Errorf("placement event price/shares = %s/%d", ev.Price, ev.Shares)
		}
	}

	events = nil
	fair.fv.TargetPrice = 0.55
	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("replace cycle: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("got %d events after replace, want 2 canceled + 2 placed", len(events))
	}
	if events[0].Kind != OrderCanceled || events[1].Kind != OrderCanceled {
		t.Error("replace did not emit canceled events first")
	}
	if !events[0].Price.Equal(d("0.47")) {
		t.Errorf("canceled event lost placement details: price = %s", events[0].Price)
	}
	if events[2].Kind != OrderPlaced || events[3].Kind != OrderPlaced {
		t.Error("replace did not emit new placement events")
	}

	events = nil
	venue.filled = []string{m.RestingOrders()[0]}
	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("fill cycle: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("fill cycle emitted %d events, want filled then canceled pair", len(events))
	}
	if events[0].Kind != OrderFilled {
		t.Fatalf("first fill-cycle event kind = %s, want filled", events[0].Kind)
	}
	if events[0].OrderID != venue.filled[0] {
		t.Errorf("filled event for %s, want %s", events[0].OrderID, venue.filled[0])
	}
	if events[0].Outcome == "" {
		t.Error("filled event lost placement outcome")
	}
}
