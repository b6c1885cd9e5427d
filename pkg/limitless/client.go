package limitless

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/polyedge/limitless-farmer/pkg/eth"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// APIError is a non-2xx response from the exchange.
type APIError struct {
	StatusCode int
	Path       string
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("limitless api %s: %d: %s", e.Path, e.StatusCode, e.Body)
}

// Transient reports whether the error is a rate-limit or server-side failure
// worth retrying. Anything else is either a caller bug or a rejection the
// venue will repeat, so retrying would only burn the rate budget.
func (e *APIError) Transient() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Client is an authenticated Limitless exchange API client.
type Client struct {
	baseURL      string
	chainID      int64
	exchangeAddr common.Address
	wallet       *eth.Wallet
	eip712       *eth.EIP712Signer
	httpClient   *http.Client
	limiter      *rate.Limiter
	log          *logrus.Entry

	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration

	requestHook func(status string, retried bool)
	approver    SellApprover
	approveMu   sync.Mutex
	approved    bool

	// Auth state: signing challenge and session are guarded together and
	// refreshed single-flight.
	authMu    sync.Mutex
	challenge *signingChallenge
	sess      *session
	authGroup singleflight.Group

	// Position cache, refreshed at a bounded cadence.
	posMu        sync.Mutex
	posCache     map[string]Shares
	posFetchedAt time.Time
	posTTL       time.Duration

	// Fill-check throttle.
	fillMu        sync.Mutex
	lastFillCheck time.Time
	fillInterval  time.Duration

	cancelBackoff time.Duration
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom API base URL.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithMinInterval sets the minimum spacing between outbound calls.
func WithMinInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithExchangeAddress overrides the verifying contract for order signatures.
func WithExchangeAddress(addr common.Address) ClientOption {
	return func(c *Client) {
		c.exchangeAddr = addr
	}
}

// WithChainID overrides the chain ID used in order signatures.
func WithChainID(chainID int64) ClientOption {
	return func(c *Client) {
		c.chainID = chainID
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// WithPositionCacheTTL sets the minimum interval between portfolio fetches.
func WithPositionCacheTTL(d time.Duration) ClientOption {
	return func(c *Client) {
		c.posTTL = d
	}
}

// WithFillCheckInterval sets the minimum interval between order fill checks.
func WithFillCheckInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.fillInterval = d
	}
}

// WithRequestHook registers a callback invoked once per HTTP attempt with the
// attempt's outcome ("ok", the HTTP status code, or "network") and whether
// the attempt was a retry.
func WithRequestHook(fn func(status string, retried bool)) ClientOption {
	return func(c *Client) {
		c.requestHook = fn
	}
}

// SellApprover guarantees the exchange may transfer the wallet's conditional
// tokens before a sell order is placed.
type SellApprover interface {
	EnsureSellApproval(ctx context.Context) error
}

// WithSellApprover sets the on-chain approval step run before the first sell
// order. Without one, sells are placed assuming approval already exists.
func WithSellApprover(a SellApprover) ClientOption {
	return func(c *Client) {
		c.approver = a
	}
}

// NewClient creates a Limitless client from a hex private key.
func NewClient(privateKey string, opts ...ClientOption) (*Client, error) {
	wallet, err := eth.NewWallet(privateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	c := &Client{
		baseURL:      DefaultBaseURL,
		chainID:      eth.ChainIDBase,
		exchangeAddr: eth.CTFExchangeAddress,
		wallet:       wallet,
		eip712:       eth.NewEIP712Signer(wallet),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:       rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
		log:           logrus.NewEntry(logrus.StandardLogger()),
		maxAttempts:   4,
		backoffBase:   500 * time.Millisecond,
		backoffCap:    8 * time.Second,
		posTTL:        90 * time.Second,
		fillInterval:  60 * time.Second,
		cancelBackoff: 2 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Address returns the wallet address.
func (c *Client) Address() string {
	return c.wallet.AddressHex()
}

// --- Public endpoints ---

// GetMarket fetches market metadata (token IDs) by slug.
func (c *Client) GetMarket(ctx context.Context, slug string) (*Market, error) {
	if slug == "" {
		return nil, fmt.Errorf("market slug is required")
	}
	var market Market
	if err := c.request(ctx, "GET", "/markets/"+slug, nil, nil, nil, &market); err != nil {
		return nil, err
	}
	return &market, nil
}

// GetOrderBook fetches the orderbook for a market slug.
func (c *Client) GetOrderBook(ctx context.Context, slug string) (*OrderBook, error) {
	var book OrderBook
	if err := c.request(ctx, "GET", "/markets/"+slug+"/orderbook", nil, nil, nil, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

// --- Transport ---

// request performs an HTTP call behind the rate gate, retrying transient
// failures with capped exponential backoff plus jitter.
func (c *Client) request(ctx context.Context, method, path string, params url.Values, headers map[string]string, body, result interface{}) error {
	var lastErr error
	delay := c.backoffBase

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := delay + time.Duration(rand.Int63n(int64(250*time.Millisecond)))
			if apiErr, ok := lastErr.(*APIError); ok && apiErr.RetryAfter > 0 {
				wait = apiErr.RetryAfter
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			delay *= 2
			if delay > c.backoffCap {
				delay = c.backoffCap
			}
		}

		err := c.do(ctx, method, path, params, headers, body, result)
		c.observeAttempt(err, attempt > 0)
		if err == nil {
			return nil
		}
		lastErr = err

		apiErr, ok := err.(*APIError)
		if ok && !apiErr.Transient() {
			return err
		}
		if !ok {
			// Context cancellation is terminal; plain network errors retry.
			if ctx.Err() != nil {
				return err
			}
		}
		c.log.WithError(err).WithFields(logrus.Fields{
			"method":  method,
			"path":    path,
			"attempt": attempt + 1,
		}).Warn("request failed, will retry")
	}

	return fmt.Errorf("%s %s failed after %d attempts: %w", method, path, c.maxAttempts, lastErr)
}

func (c *Client) observeAttempt(err error, retried bool) {
	if c.requestHook == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "network"
		if apiErr, ok := err.(*APIError); ok {
			status = strconv.Itoa(apiErr.StatusCode)
		}
	}
	c.requestHook(status, retried)
}

// do performs a single HTTP call behind the rate gate.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, headers map[string]string, body, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Path:       path,
			Body:       string(raw),
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.ParseFloat(ra, 64); err == nil {
				apiErr.RetryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		return apiErr
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func newJSONRequest(ctx context.Context, method, url string, body interface{}, headers map[string]string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func decodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}

// doRaw performs a single non-JSON call and returns the raw body. Used for
// the signing-message challenge, which the API serves as plain text.
func (c *Client) doRaw(ctx context.Context, method, path string) (string, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", 0, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return string(raw), resp.StatusCode, nil
}
