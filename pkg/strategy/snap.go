package strategy

import "github.com/shopspring/decimal"

// SnapUp rounds a price up to the next tick boundary. Prices already on a
// boundary are unchanged. Bids snap up toward the market so a computed bid
// never loses priority to rounding.
func SnapUp(price, tick decimal.Decimal) decimal.Decimal {
	return price.Div(tick).Ceil().Mul(tick)
}

// SnapDown rounds a price down to the previous tick boundary. Asks snap down
// so rounding never gives up edge.
func SnapDown(price, tick decimal.Decimal) decimal.Decimal {
	return price.Div(tick).Floor().Mul(tick)
}
