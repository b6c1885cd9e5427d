package limitless

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const testPrivateKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

// registerAuth wires the auth endpoints onto mux and returns a login counter.
func registerAuth(mux *http.ServeMux) *atomic.Int64 {
	var logins atomic.Int64
	mux.HandleFunc("/auth/signing-message", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Sign in to Limitless: nonce-12345"))
	})
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		if r.Header.Get("x-account") == "" || r.Header.Get("x-signature") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: SessionCookieName, Value: "sess-abc"})
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "user-1",
			"account": r.Header.Get("x-account"),
			"rank":    map[string]interface{}{"feeRateBps": 0},
		})
	})
	return &logins
}

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := NewClient(testPrivateKey,
		WithBaseURL(srv.URL),
		WithMinInterval(time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.backoffBase = time.Millisecond
	c.backoffCap = 5 * time.Millisecond
	c.cancelBackoff = time.Millisecond
	return c
}

func TestSessionCached(t *testing.T) {
	mux := http.NewServeMux()
	logins := registerAuth(mux)
	c := newTestClient(t, mux)

	user, headers, err := c.Session(context.Background())
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if user.ID != "user-1" {
		t.Errorf("user.ID = %q, want user-1", user.ID)
	}
	if got := headers["Cookie"]; got != SessionCookieName+"=sess-abc" {
		t.Errorf("Cookie header = %q", got)
	}

	if _, _, err := c.Session(context.Background()); err != nil {
		t.Fatalf("second Session: %v", err)
	}
	if n := logins.Load(); n != 1 {
		t.Errorf("logins = %d, want 1 (session should be cached)", n)
	}
}

func TestSessionRefreshDeduplicated(t *testing.T) {
	mux := http.NewServeMux()
	logins := registerAuth(mux)
	c := newTestClient(t, mux)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, _, err := c.Session(context.Background()); err != nil {
				t.Errorf("Session: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if n := logins.Load(); n > 2 {
		t.Errorf("logins = %d, concurrent refreshes were not deduplicated", n)
	}
}

func TestSessionInvalidate(t *testing.T) {
	mux := http.NewServeMux()
	logins := registerAuth(mux)
	c := newTestClient(t, mux)

	if _, _, err := c.Session(context.Background()); err != nil {
		t.Fatalf("Session: %v", err)
	}
	c.InvalidateSession()
	if _, _, err := c.Session(context.Background()); err != nil {
		t.Fatalf("Session after invalidate: %v", err)
	}
	if n := logins.Load(); n != 2 {
		t.Errorf("logins = %d, want 2", n)
	}
}

func TestRequestRetriesTransient(t *testing.T) {
	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/markets/btc-above-100k", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"slug":   "btc-above-100k",
			"tokens": map[string]string{"yes": "111", "no": "222"},
		})
	})
	c := newTestClient(t, mux)

	market, err := c.GetMarket(context.Background(), "btc-above-100k")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if market.Tokens.Yes != "111" {
		t.Errorf("yes token = %q, want 111", market.Tokens.Yes)
	}
	if n := hits.Load(); n != 3 {
		t.Errorf("hits = %d, want 3", n)
	}
}

func TestRequestRejectsNonTransientImmediately(t *testing.T) {
	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/markets/bad", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	})
	c := newTestClient(t, mux)

	_, err := c.GetMarket(context.Background(), "bad")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("err = %v, want 422 APIError", err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("hits = %d, want 1 (no retries on validation errors)", n)
	}
}

func TestPlaceOrderAmounts(t *testing.T) {
	var captured CreateOrderRequest
	mux := http.NewServeMux()
	registerAuth(mux)
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode order request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(CreateOrderResponse{
			Order: CreatedOrder{ID: "ord-1", Status: "open"},
		})
	})
	c := newTestClient(t, mux)

	id, err := c.PlaceOrder(context.Background(), &OrderIntent{
		MarketSlug: "btc-above-100k",
		TokenID:    "111",
		Outcome:    OutcomeYes,
		Side:       SideBuy,
		Price:      decimal.RequireFromString("0.40"),
		Shares:     10,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id != "ord-1" {
		t.Errorf("order id = %q, want ord-1", id)
	}

	o := captured.Order
	if o.MakerAmount != 4_000_000 {
		t.Errorf("makerAmount = %d, want 4000000", o.MakerAmount)
	}
	if o.TakerAmount != 10_000_000 {
		t.Errorf("takerAmount = %d, want 10000000", o.TakerAmount)
	}
	if o.Side != 0 {
		t.Errorf("side = %d, want 0", o.Side)
	}
	if o.Signature == "" {
		t.Error("order was not signed")
	}
	if captured.OrderType != "GTC" {
		t.Errorf("orderType = %q, want GTC", captured.OrderType)
	}
	if captured.MarketSlug != "btc-above-100k" {
		t.Errorf("marketSlug = %q", captured.MarketSlug)
	}
}

func TestPlaceOrderSellAmounts(t *testing.T) {
	var captured CreateOrderRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/signing-message", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("challenge"))
	})
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: SessionCookieName, Value: "s"})
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "user-1",
			"account": r.Header.Get("x-account"),
			"rank":    map[string]interface{}{"feeRateBps": 100},
		})
	})
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(CreateOrderResponse{Order: CreatedOrder{ID: "ord-2"}})
	})
	c := newTestClient(t, mux)

	_, err := c.PlaceOrder(context.Background(), &OrderIntent{
		MarketSlug: "btc-above-100k",
		TokenID:    "222",
		Outcome:    OutcomeNo,
		Side:       SideSell,
		Price:      decimal.RequireFromString("0.55"),
		Shares:     10,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	// 1% fee: maker = floor(10e6 * 0.99) = 9900000, taker = floor(0.55 * 9900000).
	o := captured.Order
	if o.MakerAmount != 9_900_000 {
		t.Errorf("makerAmount = %d, want 9900000", o.MakerAmount)
	}
	if o.TakerAmount != 5_445_000 {
		t.Errorf("takerAmount = %d, want 5445000", o.TakerAmount)
	}
	if o.Side != 1 {
		t.Errorf("side = %d, want 1", o.Side)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	mux := http.NewServeMux()
	registerAuth(mux)
	var hits atomic.Int64
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})
	c := newTestClient(t, mux)

	bad := []*OrderIntent{
		{MarketSlug: "m", TokenID: "1", Outcome: OutcomeYes, Side: SideBuy, Price: decimal.Zero, Shares: 10},
		{MarketSlug: "m", TokenID: "1", Outcome: OutcomeYes, Side: SideBuy, Price: decimal.NewFromInt(1), Shares: 10},
		{MarketSlug: "m", TokenID: "1", Outcome: OutcomeYes, Side: SideBuy, Price: decimal.RequireFromString("0.5"), Shares: 0},
		{MarketSlug: "m", TokenID: "", Outcome: OutcomeYes, Side: SideBuy, Price: decimal.RequireFromString("0.5"), Shares: 10},
		{MarketSlug: "m", TokenID: "1", Outcome: "maybe", Side: SideBuy, Price: decimal.RequireFromString("0.5"), Shares: 10},
	}
	for i, intent := range bad {
		if _, err := c.PlaceOrder(context.Background(), intent); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("server hits = %d, validation failures must not reach the venue", n)
	}
}

func TestCancelOrdersBatch(t *testing.T) {
	mux := http.NewServeMux()
	registerAuth(mux)
	var batches atomic.Int64
	mux.HandleFunc("/orders/cancel-batch", func(w http.ResponseWriter, r *http.Request) {
		batches.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/orders/", func(w http.ResponseWriter, r *http.Request) {
		// Verification query: the order is gone.
		w.WriteHeader(http.StatusNotFound)
	})
	c := newTestClient(t, mux)

	if err := c.CancelOrders(context.Background(), []string{"a", "b"}); err != nil {
		t.Fatalf("CancelOrders: %v", err)
	}
	if n := batches.Load(); n != 1 {
		t.Errorf("batch calls = %d, want 1", n)
	}
}

func TestCancelOrdersFallsBackToIndividual(t *testing.T) {
	mux := http.NewServeMux()
	registerAuth(mux)
	mux.HandleFunc("/orders/cancel-batch", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	var deletes atomic.Int64
	mux.HandleFunc("/orders/ord-9", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			deletes.Add(1)
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			json.NewEncoder(w).Encode(OrderStatus{ID: "ord-9", Status: "canceled"})
		}
	})
	c := newTestClient(t, mux)

	if err := c.CancelOrders(context.Background(), []string{"ord-9"}); err != nil {
		t.Fatalf("CancelOrders: %v", err)
	}
	if n := deletes.Load(); n != 1 {
		t.Errorf("individual deletes = %d, want 1", n)
	}
}

func TestCancelOrdersIdempotentOnMissing(t *testing.T) {
	mux := http.NewServeMux()
	registerAuth(mux)
	mux.HandleFunc("/orders/cancel-batch", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	mux.HandleFunc("/orders/", func(w http.ResponseWriter, r *http.Request) {
		// Never existed or already purged.
		w.WriteHeader(http.StatusNotFound)
	})
	c := newTestClient(t, mux)

	if err := c.CancelOrders(context.Background(), []string{"ghost"}); err != nil {
		t.Fatalf("CancelOrders on missing order: %v", err)
	}
}

func TestCancelOrdersUnverified(t *testing.T) {
	mux := http.NewServeMux()
	registerAuth(mux)
	mux.HandleFunc("/orders/cancel-batch", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/orders/", func(w http.ResponseWriter, r *http.Request) {
		// The venue keeps reporting the order as live.
		json.NewEncoder(w).Encode(OrderStatus{ID: "stuck", Status: "open", RemainingQuantity: 5})
	})
	c := newTestClient(t, mux)

	err := c.CancelOrders(context.Background(), []string{"stuck"})
	if !errors.Is(err, ErrCancelUnverified) {
		t.Fatalf("err = %v, want ErrCancelUnverified", err)
	}
}

func TestCheckFilledThrottled(t *testing.T) {
	mux := http.NewServeMux()
	registerAuth(mux)
	var queries atomic.Int64
	mux.HandleFunc("/orders/ord-1", func(w http.ResponseWriter, r *http.Request) {
		queries.Add(1)
		json.NewEncoder(w).Encode(OrderStatus{ID: "ord-1", Status: "filled"})
	})
	c := newTestClient(t, mux)
	c.fillInterval = time.Hour

	filled, err := c.CheckFilled(context.Background(), []string{"ord-1"})
	if err != nil {
		t.Fatalf("CheckFilled: %v", err)
	}
	if len(filled) != 1 || filled[0] != "ord-1" {
		t.Errorf("filled = %v, want [ord-1]", filled)
	}

	filled, err = c.CheckFilled(context.Background(), []string{"ord-1"})
	if err != nil || filled != nil {
		t.Errorf("second check inside window = (%v, %v), want no fills and no error", filled, err)
	}
	if n := queries.Load(); n != 1 {
		t.Errorf("status queries = %d, want 1", n)
	}
}

func TestCheckFilledRemainingZero(t *testing.T) {
	mux := http.NewServeMux()
	registerAuth(mux)
	mux.HandleFunc("/orders/ord-2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(OrderStatus{ID: "ord-2", Status: "matched", RemainingQuantity: 0})
	})
	c := newTestClient(t, mux)
	c.fillInterval = 0

	filled, err := c.CheckFilled(context.Background(), []string{"ord-2"})
	if err != nil {
		t.Fatalf("CheckFilled: %v", err)
	}
	if len(filled) != 1 {
		t.Errorf("filled = %v, want [ord-2]", filled)
	}
}

func TestPositionsCachedAndScaled(t *testing.T) {
	mux := http.NewServeMux()
	registerAuth(mux)
	var fetches atomic.Int64
	mux.HandleFunc("/portfolio/positions", func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{
				"market":        map[string]string{"slug": "btc-above-100k"},
				"tokensBalance": map[string]float64{"yes": 12_500_000, "no": 0},
			},
		})
	})
	c := newTestClient(t, mux)

	shares, err := c.SharesFor(context.Background(), "btc-above-100k")
	if err != nil {
		t.Fatalf("SharesFor: %v", err)
	}
	if shares.Yes != 12.5 || shares.No != 0 {
		t.Errorf("shares = %+v, want yes=12.5 no=0", shares)
	}

	if _, err := c.SharesFor(context.Background(), "btc-above-100k"); err != nil {
		t.Fatalf("second SharesFor: %v", err)
	}
	if n := fetches.Load(); n != 1 {
		t.Errorf("portfolio fetches = %d, want 1 (cache window)", n)
	}
}

func TestRequestHookObservesAttempts(t *testing.T) {
	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/markets/btc-above-100k", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"slug":   "btc-above-100k",
			"tokens": map[string]string{"yes": "111", "no": "222"},
		})
	})
	c := newTestClient(t, mux)

	type attempt struct {
		status  string
		retried bool
	}
	var attempts []attempt
	c.requestHook = func(status string, retried bool) {
		attempts = append(attempts, attempt{status, retried})
	}

	if _, err := c.GetMarket(context.Background(), "btc-above-100k"); err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	want := []attempt{{"503", false}, {"503", true}, {"ok", true}}
	if len(attempts) != len(want) {
		t.Fatalf("observed %d attempts, want %d", len(attempts), len(want))
	}
	for i, a := range attempts {
		if a != want[i] {
			t.Errorf("attempt %d = %+v, want %+v", i, a, want[i])
		}
	}
}

type fakeApprover struct {
	calls int
	err   error
}

func (a *fakeApprover) EnsureSellApproval(ctx context.Context) error {
	a.calls++
	return a.err
}

func TestPlaceOrderEnsuresSellApproval(t *testing.T) {
	var orders atomic.Int64
	mux := http.NewServeMux()
	registerAuth(mux)
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		orders.Add(1)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(CreateOrderResponse{Order: CreatedOrder{ID: "ord-1"}})
	})
	c := newTestClient(t, mux)
	approver := &fakeApprover{}
	c.approver = approver

	buy := &OrderIntent{
		MarketSlug: "btc-above-100k",
		TokenID:    "111",
		Outcome:    OutcomeYes,
		Side:       SideBuy,
		Price:      decimal.RequireFromString("0.40"),
		Shares:     10,
	}
	if _, err := c.PlaceOrder(context.Background(), buy); err != nil {
		t.Fatalf("PlaceOrder buy: %v", err)
	}
	if approver.calls != 0 {
		t.Errorf("approver called %d times for a buy, want 0", approver.calls)
	}

	sell := &OrderIntent{
		MarketSlug: "btc-above-100k",
		TokenID:    "222",
		Outcome:    OutcomeNo,
		Side:       SideSell,
		Price:      decimal.RequireFromString("0.55"),
		Shares:     10,
	}
	for i := 0; i < 3; i++ {
		if _, err := c.PlaceOrder(context.Background(), sell); err != nil {
			t.Fatalf("PlaceOrder sell %d: %v", i, err)
		}
	}
	if approver.calls != 1 {
		t.Errorf("approver called %d times across three sells, want 1", approver.calls)
	}
	if n := orders.Load(); n != 4 {
		t.Errorf("orders placed = %d, want 4", n)
	}
}

func TestPlaceOrderAbortsOnApprovalFailure(t *testing.T) {
	var orders atomic.Int64
	mux := http.NewServeMux()
	registerAuth(mux)
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		orders.Add(1)
	})
	c := newTestClient(t, mux)
	c.approver = &fakeApprover{err: errors.New("rpc unreachable")}

	_, err := c.PlaceOrder(context.Background(), &OrderIntent{
		MarketSlug: "btc-above-100k",
		TokenID:    "222",
		Outcome:    OutcomeNo,
		Side:       SideSell,
		Price:      decimal.RequireFromString("0.55"),
		Shares:     10,
	})
	if err == nil {
		t.Fatal("expected approval failure to abort placement")
	}
	if n := orders.Load(); n != 0 {
		t.Errorf("orders placed = %d, want 0 when approval fails", n)
	}
}
