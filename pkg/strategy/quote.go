// Package strategy implements the reward-farming decision engine: quote
// computation inside the reward band, inventory-aware bid adjustment, and
// the order lifecycle (placement, replacement, verified cancellation,
// sell-only liquidation).
package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// RewardBand is the price interval around fair value within which resting
// quotes earn liquidity rewards. Clamped to [0,1].
type RewardBand struct {
	Low  decimal.Decimal
	High decimal.Decimal
}

// NewRewardBand builds the band target ± maxHalfSpread, clamped to [0,1].
func NewRewardBand(target, maxHalfSpread decimal.Decimal) RewardBand {
	lo := target.Sub(maxHalfSpread)
	if lo.IsNegative() {
		lo = decimal.Zero
	}
	hi := target.Add(maxHalfSpread)
	if hi.GreaterThan(one) {
		hi = one
	}
	return RewardBand{Low: lo, High: hi}
}

// MarketView is everything the quote computation reads for one cycle.
type MarketView struct {
	YesBid decimal.Decimal
	YesAsk decimal.Decimal
	NoBid  decimal.Decimal
	NoAsk  decimal.Decimal

	// TargetPrice is the interpolated fair probability of YES.
	TargetPrice decimal.Decimal

	YesShares decimal.Decimal
	NoShares  decimal.Decimal

	// HaveOrders reports whether any of our orders are believed resting.
	HaveOrders bool
}

func (v MarketView) spread() decimal.Decimal {
	return v.YesAsk.Sub(v.YesBid)
}

func (v MarketView) midprice() decimal.Decimal {
	return v.YesBid.Add(v.YesAsk).Div(decimal.NewFromInt(2))
}

// QuoteEngine computes the two bids for a cycle. It remembers the previous
// cycle's bids so it can distinguish genuine market moves from its own
// presence in the book.
type QuoteEngine struct {
	maxHalfSpread   decimal.Decimal
	tickSize        decimal.Decimal
	orderAmountUSD  decimal.Decimal
	bbaLimitRatio   decimal.Decimal
	orderLimitRatio decimal.Decimal

	prevYesBid decimal.Decimal
	prevNoBid  decimal.Decimal
}

// NewQuoteEngine creates an engine with the venue's spread and tick
// constraints. Inventory ratios use the defaults unless overridden.
func NewQuoteEngine(orderAmountUSD, maxHalfSpread, tickSize decimal.Decimal) *QuoteEngine {
	return &QuoteEngine{
		maxHalfSpread:   maxHalfSpread,
		tickSize:        tickSize,
		orderAmountUSD:  orderAmountUSD,
		bbaLimitRatio:   decimal.RequireFromString("1.5"),
		orderLimitRatio: decimal.NewFromInt(3),
		prevYesBid:      decimal.NewFromInt(-1),
		prevNoBid:       decimal.NewFromInt(-1),
	}
}

// SetInventoryRatios overrides the imbalance thresholds.
func (e *QuoteEngine) SetInventoryRatios(bbaLimit, orderLimit decimal.Decimal) {
	e.bbaLimitRatio = bbaLimit
	e.orderLimitRatio = orderLimit
}

// Bids is the engine's output for one cycle.
type Bids struct {
	Yes  decimal.Decimal
	No   decimal.Decimal
	Band RewardBand
}

// Compute runs the full per-cycle quote pipeline: reward band, competitive
// bids, inventory correction, bound enforcement. It does not mutate the
// previous-bid memory; call Remember once the cycle commits.
func (e *QuoteEngine) Compute(view MarketView) (Bids, error) {
	if view.YesAsk.LessThan(view.YesBid) {
		return Bids{}, fmt.Errorf("crossed book: bid %s over ask %s", view.YesBid, view.YesAsk)
	}

	band := NewRewardBand(view.TargetPrice, e.maxHalfSpread)
	targetYesBid := band.Low
	targetNoBid := one.Sub(band.High)

	halfCap := e.maxHalfSpread.Div(decimal.NewFromInt(2))
	maxYesBid := targetYesBid.Add(halfCap)
	maxNoBid := targetNoBid.Add(halfCap)

	// The true band tracks the observed midprice, not the model price:
	// in a tight market we must not quote through it.
	trueBand := NewRewardBand(view.midprice(), e.maxHalfSpread)
	spread := view.spread()

	yesBid := e.competitiveBid(targetYesBid, maxYesBid, view.YesBid, trueBand.Low, spread, e.prevYesBid, view.HaveOrders)
	noBid := e.competitiveBid(targetNoBid, maxNoBid, view.NoBid, one.Sub(trueBand.High), spread, e.prevNoBid, view.HaveOrders)

	yesBid, noBid = e.adjustForInventory(view, band, targetYesBid, yesBid, noBid, spread)

	// Never quote a non-positive price.
	if yesBid.IsNegative() {
		yesBid = e.tickSize
	}
	if noBid.IsNegative() {
		noBid = e.tickSize
	}

	return Bids{Yes: yesBid, No: noBid, Band: band}, nil
}

// Remember records the cycle's final bids for the next cycle's
// market-movement comparison.
func (e *QuoteEngine) Remember(b Bids) {
	e.prevYesBid = b.Yes
	e.prevNoBid = b.No
}

// PrevBids returns the previous cycle's bids (-1 before the first cycle).
func (e *QuoteEngine) PrevBids() (yes, no decimal.Decimal) {
	return e.prevYesBid, e.prevNoBid
}

// competitiveBid applies the per-side quoting rules in priority order.
func (e *QuoteEngine) competitiveBid(targetBid, maxBid, currentBid, trueLowerBound, spread, prevBid decimal.Decimal, haveOrders bool) decimal.Decimal {
	var bid decimal.Decimal
	switch {
	case currentBid.LessThan(targetBid):
		// Market is below the reward band: claim it at the target.
		bid = targetBid
	case currentBid.Add(e.tickSize).GreaterThan(maxBid):
		// One tick over the market would breach the cap: clamp.
		bid = maxBid
	case haveOrders:
		// Never outbid our own resting order.
		bid = currentBid
	case currentBid.GreaterThan(prevBid):
		// Market genuinely moved up since last cycle: step one tick.
		bid = currentBid.Add(e.tickSize)
	default:
		bid = currentBid
	}

	// A spread tighter than the full reward width means the market is
	// already efficient; floor at the midprice-derived bound.
	if spread.LessThan(e.maxHalfSpread.Mul(decimal.NewFromInt(2))) && bid.LessThan(trueLowerBound) {
		bid = trueLowerBound
	}
	return bid
}

// adjustForInventory pulls bids when one side's USD-valued position runs
// ahead of the other. The first threshold reduces aggressiveness; the second
// flips the heavy side into effective selling.
func (e *QuoteEngine) adjustForInventory(view MarketView, band RewardBand, targetPrice, yesBid, noBid, spread decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	yesPosition := view.YesShares.Mul(yesBid)
	noPosition := view.NoShares.Mul(noBid)
	diff := yesPosition.Sub(noPosition)

	bbaLimit := e.orderAmountUSD.Mul(e.bbaLimitRatio)
	if diff.GreaterThan(bbaLimit) {
		yesBid = band.Low
	} else if diff.LessThan(bbaLimit.Neg()) {
		noBid = one.Sub(band.High)
	}

	orderLimit := e.orderAmountUSD.Mul(e.orderLimitRatio)
	maxSpread := e.maxHalfSpread.Mul(decimal.NewFromInt(2))

	if diff.GreaterThanOrEqual(orderLimit) {
		// Heavy YES: offer it back via the NO book and stand far off on YES.
		noBid = one.Sub(targetPrice)
		if spread.LessThanOrEqual(maxSpread) {
			yesBid = targetPrice.Sub(e.maxHalfSpread)
		} else {
			yesBid = targetPrice.Sub(maxSpread)
		}
	}
	if diff.LessThanOrEqual(orderLimit.Neg()) {
		yesBid = targetPrice
		if spread.LessThanOrEqual(maxSpread) {
			noBid = one.Sub(targetPrice).Sub(e.maxHalfSpread)
		} else {
			noBid = one.Sub(targetPrice).Sub(maxSpread)
		}
	}

	return yesBid, noBid
}
