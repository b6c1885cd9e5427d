// Package limitless provides a rate-limited, authenticated client for the
// Limitless exchange REST API, including EIP-712 order signing, session
// caching, and verified order cancellation.
package limitless

import (
	"errors"
	"time"
)

const (
	// DefaultBaseURL is the Limitless exchange API base URL.
	DefaultBaseURL = "https://api.limitless.exchange"

	// SessionCookieName is the cookie carrying the login session.
	SessionCookieName = "limitless_session"
)

// Cache TTLs for the auth flow. The signing challenge is short-lived server
// side; the session cookie survives longer but is always replaced together
// with the challenge it was derived from.
const (
	SigningMessageTTL = 60 * time.Second
	SessionTTL        = 15 * time.Minute
)

// ErrCancelUnverified is returned when cancellation could not be confirmed
// after all attempts. The caller must keep tracking the affected orders:
// forgetting an order the venue still considers live risks double exposure.
var ErrCancelUnverified = errors.New("order cancellation could not be verified")

// Outcome identifies which leg of a binary market an order targets.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Side is the order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderBookLevel is one price level of the venue orderbook.
type OrderBookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook is the response of GET /markets/{slug}/orderbook. Levels are
// sorted with the best price last.
type OrderBook struct {
	AdjustedMidpoint float64          `json:"adjustedMidpoint"`
	Bids             []OrderBookLevel `json:"bids"`
	Asks             []OrderBookLevel `json:"asks"`
	LastTradePrice   float64          `json:"lastTradePrice"`
	MaxSpread        float64          `json:"maxSpread"`
	MinSize          float64          `json:"minSize"`
	TokenID          string           `json:"tokenId"`
}

// MarketTokens holds the conditional token IDs for the two outcomes.
type MarketTokens struct {
	Yes string `json:"yes"`
	No  string `json:"no"`
}

// Market is the response of GET /markets/{slug}.
type Market struct {
	Slug   string       `json:"slug"`
	Title  string       `json:"title"`
	Tokens MarketTokens `json:"tokens"`
	Closed bool         `json:"closed"`
}

// UserRank carries the fee tier assigned to the account.
type UserRank struct {
	FeeRateBps int64 `json:"feeRateBps"`
}

// UserRecord is the account profile returned by the login endpoint.
type UserRecord struct {
	ID      string   `json:"id"`
	Account string   `json:"account"`
	Rank    UserRank `json:"rank"`
}

// OrderPayload is the signed order object sent to POST /orders.
type OrderPayload struct {
	Salt          int64   `json:"salt"`
	Maker         string  `json:"maker"`
	Signer        string  `json:"signer"`
	Taker         string  `json:"taker"`
	TokenID       string  `json:"tokenId"`
	MakerAmount   int64   `json:"makerAmount"`
	TakerAmount   int64   `json:"takerAmount"`
	Expiration    string  `json:"expiration"`
	Nonce         int64   `json:"nonce"`
	FeeRateBps    int64   `json:"feeRateBps"`
	Side          int     `json:"side"` // 0 = BUY, 1 = SELL
	SignatureType int     `json:"signatureType"`
	Price         float64 `json:"price"`
	Signature     string  `json:"signature"`
}

// CreateOrderRequest is the body of POST /orders.
type CreateOrderRequest struct {
	Order      OrderPayload `json:"order"`
	OwnerID    string       `json:"ownerId"`
	OrderType  string       `json:"orderType"`
	MarketSlug string       `json:"marketSlug"`
}

// CreatedOrder is the order echo inside a create response.
type CreatedOrder struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CreateOrderResponse is the response of POST /orders.
type CreateOrderResponse struct {
	Order CreatedOrder `json:"order"`
}

// OrderStatus is the response of GET /orders/{id}.
type OrderStatus struct {
	ID                string  `json:"id"`
	Status            string  `json:"status"`
	RemainingQuantity float64 `json:"remainingQuantity"`
}

// portfolioMarket identifies the market of a portfolio entry.
type portfolioMarket struct {
	Slug string `json:"slug"`
}

// tokensBalance holds raw 6-decimal token balances per outcome.
type tokensBalance struct {
	Yes float64 `json:"yes"`
	No  float64 `json:"no"`
}

// PortfolioEntry is one market's position in GET /portfolio/positions.
type PortfolioEntry struct {
	Market        portfolioMarket `json:"market"`
	TokensBalance tokensBalance   `json:"tokensBalance"`
}

// Shares is a per-market position expressed in whole token units.
type Shares struct {
	Yes float64
	No  float64
}
