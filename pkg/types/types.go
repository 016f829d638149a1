// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the server — order sides, signed
// order payloads, market metadata, WebSocket event shapes, and strategy
// signals. It has no dependencies on internal packages, so it can be imported
// by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Int returns the on-chain side encoding: BUY=0, SELL=1.
func (s Side) Int() int {
	if s == SELL {
		return 1
	}
	return 0
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the order lifecycles the CLOB accepts.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill
	OrderTypeFAK OrderType = "FAK" // Fill-And-Kill
	OrderTypeGTD OrderType = "GTD" // Good-Til-Date
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA   SignatureType = 0 // externally-owned account (signer == maker)
	SigProxy SignatureType = 2 // proxy wallet funded by maker, signed by signer
)

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// MarketInfo describes one outcome token of a binary market, as resolved from
// the Gamma API. A binary market has exactly two tokens whose prices sum to
// ~$1; OppositeTokenID points at the other half of the pair.
type MarketInfo struct {
	TokenID         string          `json:"token_id"`
	Question        string          `json:"question"`
	EventTitle      string          `json:"event_title"`
	EventSlug       string          `json:"event_slug"`
	ConditionID     string          `json:"condition_id"`
	Outcome         string          `json:"outcome"`
	OppositeTokenID string          `json:"opposite_token_id"`
	Price           decimal.Decimal `json:"price"`
	EndDate         time.Time       `json:"end_date"`
	NegRisk         bool            `json:"neg_risk"`
}

// MinutesToResolution returns how many minutes remain until the market's
// scheduled end, measured from now. Zero end dates return 0.
func (m MarketInfo) MinutesToResolution(now time.Time) float64 {
	if m.EndDate.IsZero() {
		return 0
	}
	return m.EndDate.Sub(now).Minutes()
}

// ————————————————————————————————————————————————————————————————————————
// Signed orders
// ————————————————————————————————————————————————————————————————————————

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are 6-decimal fixed-point strings (1e6 = $1).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens.
// For SELL: maker gives MakerAmount tokens, receives TakerAmount USDC.
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`
	Signer        string        `json:"signer"`
	Taker         string        `json:"taker"` // zero address = open order
	TokenID       string        `json:"tokenId"`
	MakerAmount   string        `json:"makerAmount"`
	TakerAmount   string        `json:"takerAmount"`
	Expiration    string        `json:"expiration"`
	Nonce         string        `json:"nonce"`
	FeeRateBps    string        `json:"feeRateBps"`
	Side          Side          `json:"side"`
	SignatureType SignatureType `json:"signatureType"`
	Signature     string        `json:"signature"`
}

// OrderPayload is the REST request body for POST /order.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"` // API key of the order owner
	OrderType OrderType   `json:"orderType"`
}

// OrderResponse is the CLOB's answer to POST /order.
type OrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
}

// ————————————————————————————————————————————————————————————————————————
// Data API activity
// ————————————————————————————————————————————————————————————————————————

// ActivityItem is one row of GET /activity on the Data API. Only items with
// Type == "TRADE" are of interest to the copy-trading watcher.
type ActivityItem struct {
	ProxyWallet     string  `json:"proxyWallet"`
	Type            string  `json:"type"`
	Side            string  `json:"side"`
	Asset           string  `json:"asset"`
	ConditionID     string  `json:"conditionId"`
	Size            float64 `json:"size"`
	Price           float64 `json:"price"`
	Timestamp       int64   `json:"timestamp"`
	Title           string  `json:"title"`
	Slug            string  `json:"slug"`
	EventSlug       string  `json:"eventSlug"`
	Outcome         string  `json:"outcome"`
	TransactionHash string  `json:"transactionHash"`
}

// WatchedTrade is the canonical trade record the watcher publishes for each
// new on-venue trade of a tracked address. ID is the transaction hash.
type WatchedTrade struct {
	ID        string          `json:"id"`
	Address   string          `json:"address"`
	Market    string          `json:"market"`
	AssetID   string          `json:"asset_id"`
	Side      Side            `json:"side"`
	Size      decimal.Decimal `json:"size"`
	Price     decimal.Decimal `json:"price"`
	Outcome   string          `json:"outcome"`
	Title     string          `json:"title"`
	EventSlug string          `json:"event_slug"`
	Timestamp int64           `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Market feed events
// ————————————————————————————————————————————————————————————————————————

// OrderUpdate is the normalised event the market feed fans out to in-process
// subscribers. Kind is "trade" for last_trade_price frames and "price_change"
// for incremental updates and book snapshots. BestBid/BestAsk are nil when the
// venue did not supply them.
type OrderUpdate struct {
	Kind           string           `json:"kind"`
	AssetID        string           `json:"asset_id"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	Size           *decimal.Decimal `json:"size,omitempty"`
	Side           string           `json:"side,omitempty"`
	BestBid        *decimal.Decimal `json:"best_bid,omitempty"`
	BestAsk        *decimal.Decimal `json:"best_ask,omitempty"`
	Outcome        string           `json:"outcome,omitempty"`
	MarketQuestion string           `json:"market_question,omitempty"`
	EventTitle     string           `json:"event_title,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// PricePoint is the latest known top-of-book for a token, kept per Runner.
type PricePoint struct {
	BestBid        *decimal.Decimal `json:"best_bid,omitempty"`
	BestAsk        *decimal.Decimal `json:"best_ask,omitempty"`
	Outcome        string           `json:"outcome,omitempty"`
	MarketQuestion string           `json:"market_question,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Midpoint evaluates the point's reference price: the bid/ask midpoint when
// both sides exist, otherwise whichever side exists, otherwise nil.
func (p PricePoint) Midpoint() *decimal.Decimal {
	switch {
	case p.BestBid != nil && p.BestAsk != nil:
		mid := p.BestBid.Add(*p.BestAsk).Div(decimal.NewFromInt(2))
		return &mid
	case p.BestBid != nil:
		return p.BestBid
	case p.BestAsk != nil:
		return p.BestAsk
	default:
		return nil
	}
}

// ————————————————————————————————————————————————————————————————————————
// Strategy signals
// ————————————————————————————————————————————————————————————————————————

// Signal is produced by a strategy module for the Runner to execute.
type Signal struct {
	Action           Side              `json:"action"`
	TokenID          string            `json:"token_id"`
	Price            decimal.Decimal   `json:"price"`
	Size             decimal.Decimal   `json:"size"` // shares
	Reason           string            `json:"reason"`
	RequiresPosition bool              `json:"requires_position"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Dec is shorthand for decimal.NewFromFloat, used at JSON edges where the
// venue serves plain numbers.
func Dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// DecPtr returns a pointer to a decimal built from f.
func DecPtr(f float64) *decimal.Decimal {
	d := decimal.NewFromFloat(f)
	return &d
}
