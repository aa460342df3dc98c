// Package tradovate is the reference broker.Client implementation for a
// Tradovate-style futures REST API.
//
// Endpoints used:
//   - POST /auth/renewaccesstoken — exchange a refresh token for an access token
//   - POST /order/placeorder      — market and limit orders
//   - POST /order/placeoso        — atomic bracket (entry + TP legs + stop)
//   - POST /order/cancelorder     — cancel by id
//   - GET  /order/list            — working orders, filtered by account at source
//   - GET  /position/list         — open positions, filtered by account at source
//
// Every call waits on the shared per-token rate limiter first, carries a
// bearer token for the account's token key, and maps failures into the
// broker error taxonomy. Idempotent reads and cancels ride resty's retry
// machinery for 5xx; order placement never retries at this layer.
package tradovate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"futures-bridge/internal/broker"
	"futures-bridge/internal/config"
	"futures-bridge/internal/instrument"
	"futures-bridge/internal/metrics"
)

// Client talks to the Tradovate REST API for one environment (live or
// demo base URL chosen per account).
type Client struct {
	live      *resty.Client
	demo      *resty.Client
	livePlace *resty.Client
	demoPlace *resty.Client
	rl        *broker.TokenLimiter
	logger    *slog.Logger

	// access tokens per token key, renewed lazily before expiry
	tokMu  sync.Mutex
	tokens map[string]accessToken

	// refresh material per token key, seeded from the account store
	refMu   sync.RWMutex
	refresh map[string]string
}

type accessToken struct {
	token  string
	expiry time.Time
}

// NewClient creates two REST client pairs: one with retry for idempotent
// calls (reads, cancels, auth), and one without for order placement. A
// placement request that timed out may still have filled, so it goes out
// exactly once.
func NewClient(cfg config.BrokerConfig, rl *broker.TokenLimiter, logger *slog.Logger) *Client {
	mk := func(base string, retries int) *resty.Client {
		c := resty.New().
			SetBaseURL(base).
			SetTimeout(cfg.CallTimeout).
			SetHeader("Content-Type", "application/json")
		if retries > 0 {
			c.SetRetryCount(retries).
				SetRetryWaitTime(500 * time.Millisecond).
				SetRetryMaxWaitTime(5 * time.Second).
				AddRetryCondition(func(r *resty.Response, err error) bool {
					if err != nil {
						return true
					}
					return r.StatusCode() >= 500
				})
		}
		return c
	}
	demoURL := cfg.DemoBaseURL
	if demoURL == "" {
		demoURL = cfg.BaseURL
	}
	return &Client{
		live:      mk(cfg.BaseURL, 3),
		demo:      mk(demoURL, 3),
		livePlace: mk(cfg.BaseURL, 0),
		demoPlace: mk(demoURL, 0),
		rl:        rl,
		logger:    logger.With("component", "tradovate"),
		tokens:    make(map[string]accessToken),
		refresh:   make(map[string]string),
	}
}

// SeedRefreshToken registers the refresh material for a token key.
func (c *Client) SeedRefreshToken(tokenKey, refreshToken string) {
	c.refMu.Lock()
	c.refresh[tokenKey] = refreshToken
	c.refMu.Unlock()
}

func (c *Client) http(acct broker.Account) *resty.Client {
	if acct.Live {
		return c.live
	}
	return c.demo
}

func (c *Client) httpPlace(acct broker.Account) *resty.Client {
	if acct.Live {
		return c.livePlace
	}
	return c.demoPlace
}

// bearer returns a valid access token for the account's token key,
// renewing it when it is within two minutes of expiry.
func (c *Client) bearer(ctx context.Context, acct broker.Account) (string, error) {
	c.tokMu.Lock()
	tok, ok := c.tokens[acct.TokenKey]
	c.tokMu.Unlock()
	if ok && time.Until(tok.expiry) > 2*time.Minute {
		return tok.token, nil
	}
	if _, err := c.RefreshAuth(ctx, acct); err != nil {
		return "", err
	}
	c.tokMu.Lock()
	tok = c.tokens[acct.TokenKey]
	c.tokMu.Unlock()
	return tok.token, nil
}

// AccessToken returns a valid access token for a token key. Satisfies
// the WS manager's token source so rotation always rides a fresh token.
func (c *Client) AccessToken(ctx context.Context, tokenKey string, live bool) (string, error) {
	return c.bearer(ctx, broker.Account{TokenKey: tokenKey, Live: live})
}

// RefreshAuth exchanges the refresh token for a fresh access token.
func (c *Client) RefreshAuth(ctx context.Context, acct broker.Account) (time.Time, error) {
	c.refMu.RLock()
	refresh, ok := c.refresh[acct.TokenKey]
	c.refMu.RUnlock()
	if !ok || refresh == "" {
		return time.Time{}, &broker.Error{Kind: broker.KindAuthExpired, Op: "renewaccesstoken"}
	}

	if err := c.rl.Wait(ctx, acct.TokenKey); err != nil {
		return time.Time{}, err
	}

	var result struct {
		AccessToken    string `json:"accessToken"`
		ExpirationTime string `json:"expirationTime"`
	}
	resp, err := c.http(acct).R().
		SetContext(ctx).
		SetBody(map[string]string{"refreshToken": refresh}).
		SetResult(&result).
		Post("/auth/renewaccesstoken")
	observeCall("renewaccesstoken", resp, err)
	if err != nil {
		return time.Time{}, broker.NewError("renewaccesstoken", 0, "", err)
	}
	if resp.StatusCode() != http.StatusOK {
		c.notePenalty(acct.TokenKey, resp.StatusCode())
		return time.Time{}, broker.NewError("renewaccesstoken", resp.StatusCode(), resp.String(), nil)
	}

	expiry, err := time.Parse(time.RFC3339, result.ExpirationTime)
	if err != nil {
		// Some environments return epoch millis instead of RFC3339.
		expiry = time.Now().Add(85 * time.Minute)
	}

	c.tokMu.Lock()
	c.tokens[acct.TokenKey] = accessToken{token: result.AccessToken, expiry: expiry}
	c.tokMu.Unlock()

	c.logger.Info("access token renewed", "token_key", acct.TokenKey, "expiry", expiry)
	return expiry, nil
}

type placeOrderResult struct {
	OrderID int64   `json:"orderId"`
	OsoIDs  []int64 `json:"osoIds"`
	Failure string  `json:"failureReason"`
	Text    string  `json:"failureText"`
}

// PlaceMarket submits a plain market order.
func (c *Client) PlaceMarket(ctx context.Context, acct broker.Account, side broker.OrderSide, qty int, symbol, clOrdID string) (string, error) {
	body := map[string]any{
		"accountId":   acct.BrokerAcctID,
		"action":      string(side),
		"symbol":      symbol,
		"orderQty":    qty,
		"orderType":   "Market",
		"isAutomated": true,
	}
	if clOrdID != "" {
		body["clOrdId"] = clOrdID
	}
	res, err := c.place(ctx, acct, "placeorder", body)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", res.OrderID), nil
}

// PlaceLimit submits a limit order at a tick-aligned price.
func (c *Client) PlaceLimit(ctx context.Context, acct broker.Account, side broker.OrderSide, qty int, symbol string, price decimal.Decimal, clOrdID string) (string, error) {
	body := map[string]any{
		"accountId":   acct.BrokerAcctID,
		"action":      string(side),
		"symbol":      symbol,
		"orderQty":    qty,
		"orderType":   "Limit",
		"price":       price.InexactFloat64(),
		"isAutomated": true,
	}
	if clOrdID != "" {
		body["clOrdId"] = clOrdID
	}
	res, err := c.place(ctx, acct, "placeorder", body)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", res.OrderID), nil
}

// PlaceBracketOrder submits the atomic entry + TP legs + stop as one OSO.
func (c *Client) PlaceBracketOrder(ctx context.Context, acct broker.Account, req broker.BracketRequest) (broker.BracketResult, error) {
	brackets := make([]map[string]any, 0, len(req.Legs)+1)
	exitSide := broker.Sell
	if req.Side == broker.Sell {
		exitSide = broker.Buy
	}

	for _, leg := range req.Legs {
		brackets = append(brackets, map[string]any{
			"action":    string(exitSide),
			"orderType": "Limit",
			"price":     leg.Price.InexactFloat64(),
			"orderQty":  leg.Qty,
		})
	}

	if req.Stop != nil {
		stop := map[string]any{
			"action":   string(exitSide),
			"orderQty": req.Qty,
		}
		switch {
		case req.Stop.TrailDistance != nil:
			stop["orderType"] = "TrailingStop"
			stop["pegDifference"] = *req.Stop.TrailDistance
			if req.Stop.TrailFreq > 0 {
				stop["trailFrequency"] = req.Stop.TrailFreq
			}
		case req.Stop.Price != nil:
			stop["orderType"] = "Stop"
			stop["stopPrice"] = req.Stop.Price.InexactFloat64()
		}
		brackets = append(brackets, stop)
	}

	body := map[string]any{
		"accountId":   acct.BrokerAcctID,
		"action":      string(req.Side),
		"symbol":      req.Symbol,
		"orderQty":    req.Qty,
		"orderType":   "Market",
		"isAutomated": true,
		"bracket1":    brackets,
	}
	if req.ClOrdID != "" {
		body["clOrdId"] = req.ClOrdID
	}
	if req.BreakEven != nil {
		// Break-even values are positive on both sides; the broker does
		// the side-aware math. Never sent with a trailing stop.
		body["breakEven"] = map[string]any{
			"triggerTicks": req.BreakEven.TriggerTicks,
			"offsetTicks":  req.BreakEven.OffsetTicks,
		}
	}

	res, err := c.place(ctx, acct, "placeoso", body)
	if err != nil {
		return broker.BracketResult{}, err
	}

	result := broker.BracketResult{EntryID: fmt.Sprintf("%d", res.OrderID)}
	for i, id := range res.OsoIDs {
		if req.Stop != nil && i == len(res.OsoIDs)-1 {
			result.StopID = fmt.Sprintf("%d", id)
		} else {
			result.LegIDs = append(result.LegIDs, fmt.Sprintf("%d", id))
		}
	}
	return result, nil
}

func (c *Client) place(ctx context.Context, acct broker.Account, endpoint string, body map[string]any) (*placeOrderResult, error) {
	token, err := c.bearer(ctx, acct)
	if err != nil {
		return nil, err
	}
	if err := c.rl.Wait(ctx, acct.TokenKey); err != nil {
		return nil, err
	}

	var result placeOrderResult
	resp, err := c.httpPlace(acct).R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(body).
		SetResult(&result).
		Post("/order/" + endpoint)
	observeCall(endpoint, resp, err)
	if err != nil {
		return nil, broker.NewError(endpoint, 0, "", err)
	}
	if resp.StatusCode() != http.StatusOK {
		c.notePenalty(acct.TokenKey, resp.StatusCode())
		return nil, broker.NewError(endpoint, resp.StatusCode(), resp.String(), nil)
	}
	if result.Failure != "" {
		return nil, &broker.Error{
			Kind: broker.KindBrokerRejected,
			Op:   endpoint,
			Body: result.Failure + ": " + result.Text,
		}
	}
	return &result, nil
}

// Cancel cancels one order. A 404 counts as success: the order is
// already dead, which is what the caller wanted.
func (c *Client) Cancel(ctx context.Context, acct broker.Account, orderID string) error {
	token, err := c.bearer(ctx, acct)
	if err != nil {
		return err
	}
	if err := c.rl.Wait(ctx, acct.TokenKey); err != nil {
		return err
	}

	resp, err := c.http(acct).R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(map[string]any{"orderId": orderID, "isAutomated": true}).
		Post("/order/cancelorder")
	observeCall("cancelorder", resp, err)
	if err != nil {
		return broker.NewError("cancelorder", 0, "", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode() != http.StatusOK {
		c.notePenalty(acct.TokenKey, resp.StatusCode())
		return broker.NewError("cancelorder", resp.StatusCode(), resp.String(), nil)
	}
	return nil
}

type wireOrder struct {
	ID        int64   `json:"id"`
	AccountID string  `json:"accountId"`
	Action    string  `json:"action"`
	Symbol    string  `json:"symbol"`
	OrderQty  int     `json:"orderQty"`
	Price     float64 `json:"price"`
	StopPrice float64 `json:"stopPrice"`
	OrderType string  `json:"orderType"`
	OrdStatus string  `json:"ordStatus"`
	ClOrdID   string  `json:"clOrdId"`
	Timestamp string  `json:"timestamp"`
}

// ListOrders enumerates the account's orders. The account id goes into
// the query so the filtering happens at the source; the symbol-root and
// side filters are applied locally because the API cannot express them.
func (c *Client) ListOrders(ctx context.Context, acct broker.Account, filter broker.OrderFilter) ([]broker.Order, error) {
	token, err := c.bearer(ctx, acct)
	if err != nil {
		return nil, err
	}
	if err := c.rl.Wait(ctx, acct.TokenKey); err != nil {
		return nil, err
	}

	var wire []wireOrder
	resp, err := c.http(acct).R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("accountId", acct.BrokerAcctID).
		SetResult(&wire).
		Get("/order/list")
	observeCall("order/list", resp, err)
	if err != nil {
		return nil, broker.NewError("order/list", 0, "", err)
	}
	if resp.StatusCode() != http.StatusOK {
		c.notePenalty(acct.TokenKey, resp.StatusCode())
		return nil, broker.NewError("order/list", resp.StatusCode(), resp.String(), nil)
	}

	orders := make([]broker.Order, 0, len(wire))
	for _, w := range wire {
		// Defensive re-check: some gateway versions ignore the account
		// query and return the whole token's orders.
		if w.AccountID != "" && w.AccountID != acct.BrokerAcctID {
			continue
		}
		o := broker.Order{
			ID:      fmt.Sprintf("%d", w.ID),
			Account: w.AccountID,
			Symbol:  w.Symbol,
			Side:    broker.OrderSide(w.Action),
			Qty:     w.OrderQty,
			Price:   decimal.NewFromFloat(w.Price),
			StopPx:  decimal.NewFromFloat(w.StopPrice),
			Kind:    w.OrderType,
			Status:  broker.OrderStatus(w.OrdStatus),
			ClOrdID: w.ClOrdID,
		}
		if ts, perr := time.Parse(time.RFC3339, w.Timestamp); perr == nil {
			o.PlacedAt = ts
		}
		if !matchesFilter(o, filter) {
			continue
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func matchesFilter(o broker.Order, f broker.OrderFilter) bool {
	if f.RestingOnly && !o.Status.IsResting() {
		return false
	}
	if f.Side != "" && o.Side != f.Side {
		return false
	}
	if f.SymbolRoot != "" {
		root, err := instrument.RootOf(o.Symbol)
		if err != nil || root != f.SymbolRoot {
			return false
		}
	}
	return true
}

type wirePosition struct {
	AccountID string  `json:"accountId"`
	Symbol    string  `json:"symbol"`
	NetPos    int     `json:"netPos"`
	NetPrice  float64 `json:"netPrice"`
}

// ListPositions returns the account's current positions.
func (c *Client) ListPositions(ctx context.Context, acct broker.Account) ([]broker.Position, error) {
	token, err := c.bearer(ctx, acct)
	if err != nil {
		return nil, err
	}
	if err := c.rl.Wait(ctx, acct.TokenKey); err != nil {
		return nil, err
	}

	var wire []wirePosition
	resp, err := c.http(acct).R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("accountId", acct.BrokerAcctID).
		SetResult(&wire).
		Get("/position/list")
	observeCall("position/list", resp, err)
	if err != nil {
		return nil, broker.NewError("position/list", 0, "", err)
	}
	if resp.StatusCode() != http.StatusOK {
		c.notePenalty(acct.TokenKey, resp.StatusCode())
		return nil, broker.NewError("position/list", resp.StatusCode(), resp.String(), nil)
	}

	positions := make([]broker.Position, 0, len(wire))
	for _, w := range wire {
		if w.AccountID != "" && w.AccountID != acct.BrokerAcctID {
			continue
		}
		positions = append(positions, broker.Position{
			Symbol:   w.Symbol,
			NetQty:   w.NetPos,
			AvgPrice: decimal.NewFromFloat(w.NetPrice),
		})
	}
	return positions, nil
}

// observeCall records one REST round trip by operation and status class.
func observeCall(op string, resp *resty.Response, err error) {
	class := "error"
	if err == nil && resp != nil {
		switch sc := resp.StatusCode(); {
		case sc >= 500:
			class = "5xx"
		case sc >= 400:
			class = "4xx"
		case sc >= 200:
			class = "2xx"
		}
	}
	metrics.BrokerCalls.WithLabelValues(op, class).Inc()
}

func (c *Client) notePenalty(tokenKey string, status int) {
	if status == http.StatusTooManyRequests {
		c.rl.Penalize(tokenKey, limiterPenalty)
	}
}

// limiterPenalty backfills the window after an unexpected 429 so the
// next call waits instead of immediately re-tripping the limit.
const limiterPenalty = 5
