// Package venue implements the shared venue access layer: an authenticated
// REST client with HMAC signing and token-bucket rate limiting, the EIP-712
// order signer, and the pooled WebSocket market feed.
//
// The REST client talks to two hosts:
//   - the CLOB host (authenticated): books, prices, balance, order submission
//   - the Data host (public): positions and wallet activity
//
// Every request passes through the matching rate-limit bucket before issuing
// and is retried up to three times with per-class backoff: transport errors
// exponentially (500·n² ms capped at 5 s), HTTP 429 linearly (2 s × attempt),
// HTTP 5xx at a fixed 1 s. Other 4xx surface immediately as *APIError.
package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/led0r/poly-copy/pkg/types"
)

const (
	requestTimeout = 20 * time.Second
	maxAttempts    = 3

	pageSize            = 500
	activityPageWorkers = 10 // rolling batch width for activity pagination
)

// ErrMarketConfigurationUnavailable is returned when an order cannot be signed
// because the market's neg-risk flag could not be resolved. Orders are
// rejected rather than guessing the verifying contract.
var ErrMarketConfigurationUnavailable = errors.New("market_configuration_unavailable")

// APIError is a non-retryable (or retries-exhausted) venue response.
type APIError struct {
	Status    int
	Endpoint  string
	Reason    string
	Retryable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue api error: %s status %d: %s", e.Endpoint, e.Status, e.Reason)
}

// PriceLevel is one bid or ask level; the CLOB returns strings to preserve
// decimal precision.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookResponse is the REST response from GET /book. NegRisk is a pointer so a
// missing flag is distinguishable from false (see
// ErrMarketConfigurationUnavailable).
type BookResponse struct {
	Market    string       `json:"market"`
	AssetID   string       `json:"asset_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Hash      string       `json:"hash"`
	Timestamp string       `json:"timestamp"`
	TickSize  string       `json:"tick_size"`
	NegRisk   *bool        `json:"neg_risk"`
}

// BestBid returns the highest bid in the book, or nil when empty.
func (b *BookResponse) BestBid() *decimal.Decimal { return bestLevel(b.Bids, true) }

// BestAsk returns the lowest ask in the book, or nil when empty.
func (b *BookResponse) BestAsk() *decimal.Decimal { return bestLevel(b.Asks, false) }

func bestLevel(levels []PriceLevel, highest bool) *decimal.Decimal {
	var best *decimal.Decimal
	for _, lvl := range levels {
		p, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			continue
		}
		if best == nil || (highest && p.GreaterThan(*best)) || (!highest && p.LessThan(*best)) {
			v := p
			best = &v
		}
	}
	return best
}

// DataPosition is one row of GET /positions on the Data API.
type DataPosition struct {
	Asset        string  `json:"asset"`
	ConditionID  string  `json:"conditionId"`
	Size         float64 `json:"size"`
	AvgPrice     float64 `json:"avgPrice"`
	CurPrice     float64 `json:"curPrice"`
	CashPnl      float64 `json:"cashPnl"`
	Title        string  `json:"title"`
	Outcome      string  `json:"outcome"`
	EventSlug    string  `json:"eventSlug"`
	RedeemStatus bool    `json:"redeemable"`
}

// ActivityProgress is invoked after each rolling batch of activity pages.
type ActivityProgress func(batch, totalBatches int, fetched []types.ActivityItem)

// Client is the venue REST client. It wraps two resty clients (CLOB and Data
// hosts) with rate limiting, retry, and L2 auth.
type Client struct {
	clob   *resty.Client
	data   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	logger *slog.Logger
}

// NewClient creates the REST client.
func NewClient(clobBaseURL, dataBaseURL string, auth *Auth, rl *RateLimiter, logger *slog.Logger) *Client {
	newHTTP := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
			SetTimeout(requestTimeout).
			SetHeader("Content-Type", "application/json")
	}
	return &Client{
		clob:   newHTTP(clobBaseURL),
		data:   newHTTP(dataBaseURL),
		auth:   auth,
		rl:     rl,
		logger: logger.With("component", "venue_client"),
	}
}

// do executes one logical request with rate limiting, signing, and retry.
// body must already be serialised so the signed bytes match the sent bytes.
func (c *Client) do(ctx context.Context, hc *resty.Client, bucket, method, path string,
	query map[string]string, body []byte, out any, authed bool) error {

	for attempt := 1; ; attempt++ {
		if err := c.rl.Acquire(ctx, bucket, 0); err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}

		req := hc.R().SetContext(ctx)
		if query != nil {
			req.SetQueryParams(query)
		}
		if body != nil {
			req.SetBody(json.RawMessage(body))
		}
		if authed {
			headers, err := c.auth.L2Headers(method, path, string(body))
			if err != nil {
				return fmt.Errorf("%s %s: %w", method, path, err)
			}
			if headers != nil {
				req.SetHeaders(headers)
			}
		}
		if out != nil {
			// Decode the body as JSON whatever Content-Type the host reports.
			req.SetResult(out).ForceContentType("application/json")
		}

		resp, err := req.Execute(method, path)
		if err != nil {
			// Transport class: exponential backoff 500·n² ms capped at 5 s.
			if attempt >= maxAttempts {
				return fmt.Errorf("%s %s: %w", method, path, err)
			}
			if serr := sleepCtx(ctx, expBackoff(attempt)); serr != nil {
				return serr
			}
			continue
		}

		status := resp.StatusCode()
		switch {
		case status < 300:
			return nil
		case status == http.StatusTooManyRequests:
			if attempt >= maxAttempts {
				return &APIError{Status: status, Endpoint: path, Reason: resp.String(), Retryable: true}
			}
			if serr := sleepCtx(ctx, time.Duration(attempt)*2*time.Second); serr != nil {
				return serr
			}
		case status >= 500:
			if attempt >= maxAttempts {
				return &APIError{Status: status, Endpoint: path, Reason: resp.String(), Retryable: true}
			}
			if serr := sleepCtx(ctx, time.Second); serr != nil {
				return serr
			}
		default:
			return &APIError{Status: status, Endpoint: path, Reason: resp.String(), Retryable: false}
		}
	}
}

func expBackoff(attempt int) time.Duration {
	d := time.Duration(500*attempt*attempt) * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// ————————————————————————————————————————————————————————————————————————
// CLOB endpoints
// ————————————————————————————————————————————————————————————————————————

// GetOrderBook fetches the book for a single token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*BookResponse, error) {
	var out BookResponse
	err := c.do(ctx, c.clob, BucketCLOB, http.MethodGet, "/book",
		map[string]string{"token_id": tokenID}, nil, &out, false)
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	return &out, nil
}

// GetMidpoint fetches the mid price for a token.
func (c *Client) GetMidpoint(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	var out struct {
		Mid string `json:"mid"`
	}
	err := c.do(ctx, c.clob, BucketCLOB, http.MethodGet, "/midpoint",
		map[string]string{"token_id": tokenID}, nil, &out, false)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get midpoint: %w", err)
	}
	mid, err := decimal.NewFromString(out.Mid)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse midpoint %q: %w", out.Mid, err)
	}
	return mid, nil
}

// GetPrice fetches the current price for one side of a token's book.
func (c *Client) GetPrice(ctx context.Context, tokenID string, side types.Side) (decimal.Decimal, error) {
	var out struct {
		Price string `json:"price"`
	}
	err := c.do(ctx, c.clob, BucketCLOB, http.MethodGet, "/price",
		map[string]string{"token_id": tokenID, "side": string(side)}, nil, &out, false)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get price: %w", err)
	}
	price, err := decimal.NewFromString(out.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %q: %w", out.Price, err)
	}
	return price, nil
}

// VenueTrade is one row of the authenticated GET /data/trades endpoint.
type VenueTrade struct {
	ID         string `json:"id"`
	TakerOrder string `json:"taker_order_id"`
	Market     string `json:"market"`
	AssetID    string `json:"asset_id"`
	Side       string `json:"side"`
	Size       string `json:"size"`
	Price      string `json:"price"`
	Status     string `json:"status"`
	MatchTime  string `json:"match_time"`
}

// GetOwnTrades fetches the operator's venue-side trades, filtered by maker or
// taker address.
func (c *Client) GetOwnTrades(ctx context.Context, role, address string) ([]VenueTrade, error) {
	if role != "maker" && role != "taker" {
		return nil, fmt.Errorf("role must be maker or taker, got %q", role)
	}
	var out []VenueTrade
	err := c.do(ctx, c.clob, BucketCLOB, http.MethodGet, "/data/trades",
		map[string]string{role: address}, nil, &out, true)
	if err != nil {
		return nil, fmt.Errorf("get own trades: %w", err)
	}
	return out, nil
}

// GetServerTime fetches the venue clock (whole seconds).
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	var out int64
	if err := c.do(ctx, c.clob, BucketCLOB, http.MethodGet, "/time", nil, nil, &out, false); err != nil {
		return 0, fmt.Errorf("get time: %w", err)
	}
	return out, nil
}

// GetBalance fetches the operator's collateral balance in USDC. The venue
// reports micro-USDC; the result is scaled to whole dollars.
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	var out struct {
		Balance string `json:"balance"`
	}
	err := c.do(ctx, c.clob, BucketCLOB, http.MethodGet, "/balance-allowance",
		map[string]string{"asset_type": "COLLATERAL", "signature_type": "2"}, nil, &out, true)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	micro, err := decimal.NewFromString(out.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", out.Balance, err)
	}
	return micro.Shift(-6), nil
}

// PostOrder submits a signed order.
func (c *Client) PostOrder(ctx context.Context, payload types.OrderPayload) (*types.OrderResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	var out types.OrderResponse
	if err := c.do(ctx, c.clob, BucketCLOB, http.MethodPost, "/order", nil, body, &out, true); err != nil {
		return nil, fmt.Errorf("post order: %w", err)
	}
	if !out.Success {
		return &out, fmt.Errorf("post order rejected: %s", out.ErrorMsg)
	}
	return &out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Data API endpoints
// ————————————————————————————————————————————————————————————————————————

// GetPositions pages through GET /positions for a wallet, stopping on the
// first short page.
func (c *Client) GetPositions(ctx context.Context, user string) ([]DataPosition, error) {
	return c.pagedPositions(ctx, "/positions", user)
}

// GetClosedPositions pages through GET /closed-positions for a wallet.
func (c *Client) GetClosedPositions(ctx context.Context, user string) ([]DataPosition, error) {
	return c.pagedPositions(ctx, "/closed-positions", user)
}

func (c *Client) pagedPositions(ctx context.Context, path, user string) ([]DataPosition, error) {
	var all []DataPosition
	for offset := 0; ; offset += pageSize {
		var page []DataPosition
		err := c.do(ctx, c.data, BucketData, http.MethodGet, path, map[string]string{
			"user":   user,
			"limit":  fmt.Sprint(pageSize),
			"offset": fmt.Sprint(offset),
		}, nil, &page, false)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", path, err)
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}

// GetActivity fetches one page of wallet activity.
func (c *Client) GetActivity(ctx context.Context, user string, limit, offset int) ([]types.ActivityItem, error) {
	var page []types.ActivityItem
	err := c.do(ctx, c.data, BucketData, http.MethodGet, "/activity", map[string]string{
		"user":   user,
		"limit":  fmt.Sprint(limit),
		"offset": fmt.Sprint(offset),
	}, nil, &page, false)
	if err != nil {
		return nil, fmt.Errorf("get activity: %w", err)
	}
	return page, nil
}

// FetchAllActivity fetches up to max activity rows for a wallet. It probes
// with one blocking request first; a short first page is returned as-is.
// Otherwise the remaining pages go out in rolling batches of
// activityPageWorkers concurrent requests, stopping early at the first short
// page. Page-level failures surrender that page and keep the progress made so
// far rather than dropping everything.
func (c *Client) FetchAllActivity(ctx context.Context, user string, max int, progress ActivityProgress) ([]types.ActivityItem, error) {
	first, err := c.GetActivity(ctx, user, pageSize, 0)
	if err != nil {
		return nil, err
	}
	if len(first) < pageSize || max <= pageSize {
		return first, nil
	}

	totalPages := (max + pageSize - 1) / pageSize
	totalBatches := (totalPages - 1 + activityPageWorkers - 1) / activityPageWorkers

	all := first
	page := 1
	for batch := 1; batch <= totalBatches && page < totalPages; batch++ {
		type pageResult struct {
			idx   int
			items []types.ActivityItem
			err   error
		}

		n := min(activityPageWorkers, totalPages-page)
		results := make([]pageResult, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i, pageIdx int) {
				defer wg.Done()
				items, err := c.GetActivity(ctx, user, pageSize, pageIdx*pageSize)
				results[i] = pageResult{idx: pageIdx, items: items, err: err}
			}(i, page+i)
		}
		wg.Wait()
		page += n

		short := false
		for _, r := range results {
			if r.err != nil {
				c.logger.Warn("activity page failed, keeping partial set",
					"user", user, "page", r.idx, "error", r.err)
				short = true
				break
			}
			all = append(all, r.items...)
			if len(r.items) < pageSize {
				short = true
				break
			}
		}

		if progress != nil {
			progress(batch, totalBatches, all)
		}
		if short {
			break
		}
	}

	return all, nil
}
