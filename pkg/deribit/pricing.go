package deribit

import (
	"errors"
	"math"
)

// ErrNotConverged is returned when the implied-volatility solver runs out of
// iterations or hits a numerically flat vega region before converging.
var ErrNotConverged = errors.New("implied volatility did not converge")

// Newton-Raphson solver parameters.
const (
	ivSeed      = 0.20
	ivTolerance = 1e-5
	ivMaxIters  = 100
	ivVegaFloor = 1e-10
)

// normCDF is the standard normal cumulative distribution function.
func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// normPDF is the standard normal probability density function.
func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

func d1(spot, strike, t, r, sigma float64) float64 {
	return (math.Log(spot/strike) + (r+0.5*sigma*sigma)*t) / (sigma * math.Sqrt(t))
}

// CallPrice returns the Black-Scholes price of a European call.
func CallPrice(spot, strike, t, r, sigma float64) float64 {
	d := d1(spot, strike, t, r, sigma)
	d2 := d - sigma*math.Sqrt(t)
	return spot*normCDF(d) - strike*math.Exp(-r*t)*normCDF(d2)
}

// Vega returns the derivative of the call price with respect to volatility.
func Vega(spot, strike, t, r, sigma float64) float64 {
	return spot * math.Sqrt(t) * normPDF(d1(spot, strike, t, r, sigma))
}

// ImpliedVolatility solves for the volatility that reproduces marketPrice
// under Black-Scholes, using Newton-Raphson with vega as the derivative.
func ImpliedVolatility(spot, strike, t, r, marketPrice float64) (float64, error) {
	sigma := ivSeed
	for i := 0; i < ivMaxIters; i++ {
		price := CallPrice(spot, strike, t, r, sigma)
		vega := Vega(spot, strike, t, r, sigma)

		if math.Abs(vega) < ivVegaFloor {
			return 0, ErrNotConverged
		}

		diff := marketPrice - price
		sigma += diff / vega

		if math.Abs(diff) < ivTolerance {
			return sigma, nil
		}
	}
	return 0, ErrNotConverged
}

// BinaryCallPrice returns the price of a cash-or-nothing call paying 1 if the
// underlying finishes above the strike: exp(-rT) * Phi(d2). For a liquid
// market this approximates the implied probability of the event.
func BinaryCallPrice(spot, strike, t, r, sigma float64) float64 {
	d := d1(spot, strike, t, r, sigma)
	d2 := d - sigma*math.Sqrt(t)
	return math.Exp(-r*t) * normCDF(d2)
}

// LegPrice computes the binary price for one option leg. When the implied
// volatility solve fails (common near expiry, where vega collapses) it falls
// back to a near-boundary price: 0.99 if spot is above the strike, else 0.01.
// The fallback is an intentional approximation, not an error condition.
func LegPrice(p *OptionParams) float64 {
	iv, err := ImpliedVolatility(p.Spot, p.Strike, p.TimeToExpiry, p.RiskFreeRate, p.MarketPrice)
	if err != nil {
		if p.Spot > p.Strike {
			return 0.99
		}
		return 0.01
	}
	return BinaryCallPrice(p.Spot, p.Strike, p.TimeToExpiry, p.RiskFreeRate, iv)
}
