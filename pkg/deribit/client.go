// Package deribit provides a minimal Deribit public-API client and the
// Black-Scholes machinery used to price binary options from listed calls.
package deribit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	// MainnetBaseURL is the Deribit production JSON-RPC endpoint.
	MainnetBaseURL = "https://www.deribit.com/api/v2"

	// TestnetBaseURL is the Deribit test endpoint.
	TestnetBaseURL = "https://test.deribit.com/api/v2"

	// DefaultRiskFreeRate is assumed when the caller does not supply one.
	DefaultRiskFreeRate = 0.05
)

// OptionParams holds the pricing inputs for one option instrument.
type OptionParams struct {
	Instrument      string
	Underlying      string
	Spot            float64 // underlying/index price in USD
	Strike          float64
	TimeToExpiry    float64 // year fraction, clamped >= 0
	RiskFreeRate    float64
	MarketPriceCoin float64 // observed option price, coin denominated
	MarketPrice     float64 // observed option price in USD
	Expiry          time.Time
	AsOf            time.Time
}

// Client is a Deribit public JSON-RPC client.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	riskFree    float64
	requestHook func(status string)
	nextID      atomic.Int64
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithTestnet points the client at the Deribit test environment.
func WithTestnet() Option {
	return func(c *Client) {
		c.baseURL = TestnetBaseURL
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRiskFreeRate sets the risk-free rate used in OptionParams.
func WithRiskFreeRate(r float64) Option {
	return func(c *Client) {
		c.riskFree = r
	}
}

// WithRequestHook registers a callback invoked once per RPC call with its
// outcome ("ok", "rpc_error", the HTTP status code, or "network").
func WithRequestHook(fn func(status string)) Option {
	return func(c *Client) {
		c.requestHook = fn
	}
}

// NewClient creates a Deribit client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL: MainnetBaseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter:  rate.NewLimiter(rate.Limit(5), 2),
		riskFree: DefaultRiskFreeRate,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// rpc performs a JSON-RPC 2.0 call to a public Deribit method.
func (c *Client) rpc(ctx context.Context, method string, params map[string]any, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe("network")
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.observe(strconv.Itoa(resp.StatusCode))
		return fmt.Errorf("%s: api error %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		c.observe("network")
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		c.observe("rpc_error")
		return fmt.Errorf("%s: rpc error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if rpcResp.Result == nil {
		c.observe("rpc_error")
		return fmt.Errorf("%s: empty result", method)
	}

	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	c.observe("ok")
	return nil
}

func (c *Client) observe(status string) {
	if c.requestHook != nil {
		c.requestHook(status)
	}
}

type instrumentResult struct {
	Strike              float64 `json:"strike"`
	ExpirationTimestamp int64   `json:"expiration_timestamp"`
	BaseCurrency        string  `json:"base_currency"`
}

type tickerResult struct {
	UnderlyingPrice *float64 `json:"underlying_price"`
	IndexPrice      *float64 `json:"index_price"`
	MarkPrice       *float64 `json:"mark_price"`
	BestBidPrice    *float64 `json:"best_bid_price"`
	BestAskPrice    *float64 `json:"best_ask_price"`
	LastPrice       *float64 `json:"last_price"`
}

type orderBookResult struct {
	BestBidPrice *float64 `json:"best_bid_price"`
	BestAskPrice *float64 `json:"best_ask_price"`
}

// Params fetches spot, strike, time-to-expiry and an observed market price for
// one option instrument. The market price preference is mark, then ticker mid,
// then last trade, then a depth-1 order book mid as a final fallback.
func (c *Client) Params(ctx context.Context, instrument string) (*OptionParams, error) {
	var ins instrumentResult
	if err := c.rpc(ctx, "public/get_instrument", map[string]any{"instrument_name": instrument}, &ins); err != nil {
		return nil, err
	}

	var tick tickerResult
	if err := c.rpc(ctx, "public/ticker", map[string]any{"instrument_name": instrument}, &tick); err != nil {
		return nil, err
	}

	spot := finiteOr(tick.UnderlyingPrice, finite(tick.IndexPrice))
	if spot == nil {
		return nil, fmt.Errorf("no underlying or index price for %s", instrument)
	}

	coinPrice := finite(tick.MarkPrice)
	if coinPrice == nil {
		coinPrice = mid(tick.BestBidPrice, tick.BestAskPrice)
	}
	if coinPrice == nil {
		coinPrice = finite(tick.LastPrice)
	}
	if coinPrice == nil {
		var book orderBookResult
		if err := c.rpc(ctx, "public/get_order_book", map[string]any{"instrument_name": instrument, "depth": 1}, &book); err != nil {
			return nil, err
		}
		coinPrice = mid(book.BestBidPrice, book.BestAskPrice)
	}
	if coinPrice == nil {
		return nil, fmt.Errorf("no usable market price for %s", instrument)
	}

	index := finite(tick.IndexPrice)
	if index == nil {
		return nil, fmt.Errorf("no index price for %s", instrument)
	}

	underlying := ins.BaseCurrency
	if i := strings.IndexByte(instrument, '-'); i > 0 {
		underlying = instrument[:i]
	}

	now := time.Now().UTC()
	expiry := time.UnixMilli(ins.ExpirationTimestamp).UTC()
	t := expiry.Sub(now).Seconds() / (365.0 * 24 * 3600)
	if t < 0 {
		t = 0
	}

	return &OptionParams{
		Instrument:      instrument,
		Underlying:      underlying,
		Spot:            *spot,
		Strike:          ins.Strike,
		TimeToExpiry:    t,
		RiskFreeRate:    c.riskFree,
		MarketPriceCoin: *coinPrice,
		MarketPrice:     *coinPrice * *index,
		Expiry:          expiry,
		AsOf:            now,
	}, nil
}

func finite(p *float64) *float64 {
	if p == nil || math.IsNaN(*p) || math.IsInf(*p, 0) {
		return nil
	}
	return p
}

func finiteOr(p, fallback *float64) *float64 {
	if f := finite(p); f != nil {
		return f
	}
	return fallback
}

func mid(bid, ask *float64) *float64 {
	b, a := finite(bid), finite(ask)
	if b == nil || a == nil || *a < *b {
		return nil
	}
	m := (*b + *a) / 2
	return &m
}
