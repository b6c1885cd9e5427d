package limitless

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/polyedge/limitless-farmer/pkg/eth"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// tokenScale is the fixed-point scale shared by USDC collateral and
// conditional token amounts (6 decimals).
var tokenScale = decimal.NewFromInt(1_000_000)

var zeroAddress = "0x0000000000000000000000000000000000000000"

// OrderIntent describes an order before it has been signed and placed.
type OrderIntent struct {
	MarketSlug string
	TokenID    string
	Outcome    Outcome
	Side       Side
	Price      decimal.Decimal
	Shares     int64
}

func (i *OrderIntent) validate() error {
	if i.Outcome != OutcomeYes && i.Outcome != OutcomeNo {
		return fmt.Errorf("invalid outcome %q", i.Outcome)
	}
	if i.Side != SideBuy && i.Side != SideSell {
		return fmt.Errorf("invalid side %q", i.Side)
	}
	if i.Price.LessThanOrEqual(decimal.Zero) || i.Price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("price must be in (0,1), got %s", i.Price)
	}
	if i.Shares <= 0 {
		return fmt.Errorf("shares must be positive, got %d", i.Shares)
	}
	if i.TokenID == "" {
		return fmt.Errorf("token id is required")
	}
	return nil
}

// PlaceOrder signs and submits a GTC limit order, returning the venue order
// ID. Domain validation failures are rejected immediately without retries.
func (c *Client) PlaceOrder(ctx context.Context, intent *OrderIntent) (string, error) {
	if err := intent.validate(); err != nil {
		return "", err
	}

	user, headers, err := c.Session(ctx)
	if err != nil {
		return "", fmt.Errorf("place order: %w", err)
	}

	if intent.Side == SideSell {
		if err := c.ensureSellApproval(ctx); err != nil {
			return "", fmt.Errorf("place order: %w", err)
		}
	}

	payload, err := c.buildPayload(intent, user)
	if err != nil {
		return "", err
	}

	req := &CreateOrderRequest{
		Order:      *payload,
		OwnerID:    user.ID,
		OrderType:  "GTC",
		MarketSlug: intent.MarketSlug,
	}

	var resp CreateOrderResponse
	if err := c.authedRetry(ctx, headers, func(h map[string]string) error {
		return c.request(ctx, "POST", "/orders", nil, h, req, &resp)
	}); err != nil {
		return "", fmt.Errorf("place order: %w", err)
	}
	if resp.Order.ID == "" {
		return "", fmt.Errorf("place order: response missing order id")
	}

	c.log.WithFields(map[string]interface{}{
		"order_id": resp.Order.ID,
		"outcome":  intent.Outcome,
		"side":     intent.Side,
		"price":    intent.Price,
		"shares":   intent.Shares,
	}).Info("order placed")
	return resp.Order.ID, nil
}

// ensureSellApproval runs the configured on-chain approval step once per
// process. The exchange cannot settle a sell whose conditional tokens it may
// not transfer.
func (c *Client) ensureSellApproval(ctx context.Context) error {
	if c.approver == nil {
		return nil
	}
	c.approveMu.Lock()
	defer c.approveMu.Unlock()
	if c.approved {
		return nil
	}
	if err := c.approver.EnsureSellApproval(ctx); err != nil {
		return fmt.Errorf("sell approval: %w", err)
	}
	c.approved = true
	return nil
}

// buildPayload computes the fixed-point maker/taker amounts and signs the
// order. Amount math is done in decimal because these values become on-chain
// settlement amounts.
func (c *Client) buildPayload(intent *OrderIntent, user *UserRecord) (*OrderPayload, error) {
	contracts := decimal.NewFromInt(intent.Shares).Mul(tokenScale)

	var makerAmount, takerAmount decimal.Decimal
	var sideFlag int
	if intent.Side == SideBuy {
		// BUY: maker pays USDC collateral, taker delivers contracts.
		makerAmount = intent.Price.Mul(contracts).Floor()
		takerAmount = contracts
		sideFlag = 0
	} else {
		// SELL: maker delivers contracts net of the account fee, taker pays
		// floor(price * contracts) USDC.
		feeRate := decimal.NewFromInt(user.Rank.FeeRateBps).Div(decimal.NewFromInt(10_000))
		afterFee := contracts.Mul(decimal.NewFromInt(1).Sub(feeRate)).Floor()
		makerAmount = afterFee
		takerAmount = intent.Price.Mul(afterFee).Floor()
		sideFlag = 1
	}

	salt := time.Now().UnixMilli() + 24*60*60*1000

	payload := &OrderPayload{
		Salt:          salt,
		Maker:         user.Account,
		Signer:        c.wallet.AddressHex(),
		Taker:         zeroAddress,
		TokenID:       intent.TokenID,
		MakerAmount:   makerAmount.IntPart(),
		TakerAmount:   takerAmount.IntPart(),
		Expiration:    "0",
		Nonce:         0,
		FeeRateBps:    user.Rank.FeeRateBps,
		Side:          sideFlag,
		SignatureType: 0,
		Price:         intent.Price.InexactFloat64(),
	}

	tokenID, ok := new(big.Int).SetString(intent.TokenID, 10)
	if !ok {
		return nil, fmt.Errorf("invalid token id %q", intent.TokenID)
	}

	signature, err := c.eip712.SignOrder(c.chainID, c.exchangeAddr, &eth.OrderData{
		Salt:          big.NewInt(payload.Salt),
		Maker:         common.HexToAddress(payload.Maker),
		Signer:        common.HexToAddress(payload.Signer),
		Taker:         common.HexToAddress(payload.Taker),
		TokenID:       tokenID,
		MakerAmount:   big.NewInt(payload.MakerAmount),
		TakerAmount:   big.NewInt(payload.TakerAmount),
		Expiration:    big.NewInt(0),
		Nonce:         big.NewInt(0),
		FeeRateBps:    big.NewInt(payload.FeeRateBps),
		Side:          uint8(sideFlag),
		SignatureType: 0,
	})
	if err != nil {
		return nil, err
	}
	payload.Signature = signature

	return payload, nil
}

// authedRetry runs fn with session headers, refreshing the session once on a
// 401 before giving up.
func (c *Client) authedRetry(ctx context.Context, headers map[string]string, fn func(map[string]string) error) error {
	err := fn(headers)
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusUnauthorized {
		c.InvalidateSession()
		_, fresh, sessErr := c.Session(ctx)
		if sessErr != nil {
			return sessErr
		}
		return fn(fresh)
	}
	return err
}

// --- Cancellation ---

// CancelOrders cancels the given orders and verifies removal. It tries the
// batch endpoint first, falls back to per-order cancellation, and re-queries
// each order's status before declaring success. If verification cannot
// confirm cancellation after all attempts it returns ErrCancelUnverified:
// the caller must keep the orders in its local tracking.
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) error {
	if len(orderIDs) == 0 {
		return nil
	}

	_, headers, err := c.Session(ctx)
	if err != nil {
		return fmt.Errorf("cancel orders: %w", err)
	}

	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * c.cancelBackoff
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		if err := c.cancelBatch(ctx, headers, orderIDs); err != nil {
			c.log.WithError(err).WithField("attempt", attempt+1).Warn("batch cancel failed, falling back to per-order")
			for _, id := range orderIDs {
				if err := c.cancelOne(ctx, headers, id); err != nil {
					c.log.WithError(err).WithField("order_id", id).Warn("cancel failed")
				}
			}
		}

		if c.verifyCanceled(ctx, headers, orderIDs) {
			c.log.WithField("orders", orderIDs).Info("orders canceled")
			return nil
		}
	}

	return fmt.Errorf("cancel %v after %d attempts: %w", orderIDs, maxAttempts, ErrCancelUnverified)
}

func (c *Client) cancelBatch(ctx context.Context, headers map[string]string, orderIDs []string) error {
	body := map[string][]string{"orderIds": orderIDs}
	return c.authedRetry(ctx, headers, func(h map[string]string) error {
		return c.request(ctx, "POST", "/orders/cancel-batch", nil, h, body, nil)
	})
}

func (c *Client) cancelOne(ctx context.Context, headers map[string]string, orderID string) error {
	err := c.authedRetry(ctx, headers, func(h map[string]string) error {
		return c.request(ctx, "DELETE", "/orders/"+orderID, nil, h, nil, nil)
	})
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusNotFound {
		// Already gone: cancellation is idempotent.
		return nil
	}
	// Some deployments only accept the POST form.
	return c.authedRetry(ctx, headers, func(h map[string]string) error {
		return c.request(ctx, "POST", "/orders/"+orderID+"/cancel", nil, h, nil, nil)
	})
}

// verifyCanceled re-queries each order. A 404 means the order is gone, which
// counts as canceled.
func (c *Client) verifyCanceled(ctx context.Context, headers map[string]string, orderIDs []string) bool {
	for _, id := range orderIDs {
		status, err := c.getOrderStatus(ctx, headers, id)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusNotFound {
				continue
			}
			c.log.WithError(err).WithField("order_id", id).Warn("cancel verification query failed")
			return false
		}
		switch strings.ToLower(status.Status) {
		case "canceled", "cancelled", "filled", "completed":
		default:
			return false
		}
	}
	return true
}

func (c *Client) getOrderStatus(ctx context.Context, headers map[string]string, orderID string) (*OrderStatus, error) {
	var status OrderStatus
	err := c.authedRetry(ctx, headers, func(h map[string]string) error {
		return c.request(ctx, "GET", "/orders/"+orderID, nil, h, nil, &status)
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// --- Fill checks ---

// CheckFilled reports which of the given orders have been filled. Checks are
// throttled to the configured fill-check interval; inside the window it
// returns no fills without touching the network. Orders that cannot be
// queried are conservatively treated as unfilled.
func (c *Client) CheckFilled(ctx context.Context, orderIDs []string) ([]string, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}

	c.fillMu.Lock()
	if time.Since(c.lastFillCheck) < c.fillInterval {
		c.fillMu.Unlock()
		return nil, nil
	}
	c.lastFillCheck = time.Now()
	c.fillMu.Unlock()

	_, headers, err := c.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("check fills: %w", err)
	}

	var filled []string
	for _, id := range orderIDs {
		status, err := c.getOrderStatus(ctx, headers, id)
		if err != nil {
			continue
		}
		s := strings.ToLower(status.Status)
		if s == "filled" || (status.RemainingQuantity == 0 && s != "open") {
			filled = append(filled, id)
		}
	}
	return filled, nil
}

// --- Positions ---

// Positions returns per-market share balances, cached at a bounded cadence
// to respect venue rate limits. A fetch failure inside the cache window
// falls back to the previous snapshot.
func (c *Client) Positions(ctx context.Context) (map[string]Shares, error) {
	c.posMu.Lock()
	defer c.posMu.Unlock()

	if c.posCache != nil && time.Since(c.posFetchedAt) < c.posTTL {
		return c.posCache, nil
	}

	_, headers, err := c.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}

	var entries []PortfolioEntry
	if err := c.authedRetry(ctx, headers, func(h map[string]string) error {
		return c.request(ctx, "GET", "/portfolio/positions", nil, h, nil, &entries)
	}); err != nil {
		if c.posCache != nil {
			c.log.WithError(err).Warn("position fetch failed, using cached snapshot")
			return c.posCache, nil
		}
		return nil, fmt.Errorf("positions: %w", err)
	}

	scale := tokenScale.InexactFloat64()
	positions := make(map[string]Shares, len(entries))
	for _, e := range entries {
		if e.Market.Slug == "" {
			continue
		}
		positions[e.Market.Slug] = Shares{
			Yes: e.TokensBalance.Yes / scale,
			No:  e.TokensBalance.No / scale,
		}
	}

	c.posCache = positions
	c.posFetchedAt = time.Now()
	return positions, nil
}

// SharesFor returns the current position for one market.
func (c *Client) SharesFor(ctx context.Context, slug string) (Shares, error) {
	positions, err := c.Positions(ctx)
	if err != nil {
		return Shares{}, err
	}
	return positions[slug], nil
}
