// timedecay.go implements the built-in time-decay strategy module.
//
// The module watches short-lived markets near resolution. When the evaluated
// price (bid/ask midpoint) of an outcome token crosses the signal threshold,
// it buys the near-certain side, betting the residual uncertainty decays
// before resolution. One trade per market: a fired token and its opposite
// both enter a cooldown, and a placed-orders map guards against re-fire even
// if the cooldown is cleared externally.
package strategy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/led0r/poly-copy/internal/metadata"
	"github.com/led0r/poly-copy/pkg/types"
)

// StrategyTypeTimeDecay is the persisted type name of the built-in module.
const StrategyTypeTimeDecay = "time_decay"

// Module is the strategy plug-in interface. Implementations own their
// sub-state; the Runner owns discovery, prices, and execution.
type Module interface {
	Name() string
	ValidateConfig() error
	// HandleOrder evaluates one market-feed event. info is the discovered
	// market metadata for the event's token; point the token's latest
	// top-of-book.
	HandleOrder(update types.OrderUpdate, info types.MarketInfo, point types.PricePoint, now time.Time) []types.Signal
	// HandleTick runs the periodic (5 s) maintenance pass.
	HandleTick(now time.Time) []types.Signal
}

// moduleFactories maps strategy type names to constructors. Further kinds
// register here.
var moduleFactories = map[string]func(configJSON string) (Module, error){
	StrategyTypeTimeDecay: func(configJSON string) (Module, error) {
		return NewTimeDecay(configJSON)
	},
}

// NewModule constructs the module for a strategy type.
func NewModule(strategyType, configJSON string) (Module, error) {
	factory, ok := moduleFactories[strategyType]
	if !ok {
		return nil, fmt.Errorf("unknown_strategy_type: %q", strategyType)
	}
	return factory(configJSON)
}

// TimeDecayConfig is the persisted configuration, merged with defaults at
// init time.
type TimeDecayConfig struct {
	Intervals       []string `json:"intervals"`
	TargetTokens    []string `json:"target_tokens"`
	SignalThreshold float64  `json:"signal_threshold"`
	UseLimitOrder   bool     `json:"use_limit_order"`
	LimitPrice      float64  `json:"limit_price"`
	OrderSize       float64  `json:"order_size"` // dollars
	MinProfit       float64  `json:"min_profit"` // dollars
	CooldownSeconds int      `json:"cooldown_seconds"`
	CryptoOnly      bool     `json:"crypto_only"`
	MinMinutes      float64  `json:"min_minutes"` // resolution window cap
}

// intervalWindowMinutes maps a discovery interval to its resolution window.
var intervalWindowMinutes = map[string]float64{
	"15m":    15,
	"1h":     60,
	"4h":     240,
	"weekly": 7 * 24 * 60,
}

// mergeDefaults fills the timeframe-specific defaults the persisted config
// omits.
func (c *TimeDecayConfig) mergeDefaults() {
	if len(c.Intervals) == 0 {
		c.Intervals = []string{"15m", "1h"}
	}
	if c.SignalThreshold == 0 {
		c.SignalThreshold = 0.95
	}
	if c.OrderSize == 0 {
		c.OrderSize = 10
	}
	if c.CooldownSeconds == 0 {
		c.CooldownSeconds = 200
	}
	if c.MinMinutes == 0 {
		for _, iv := range c.Intervals {
			if w, ok := intervalWindowMinutes[iv]; ok && w > c.MinMinutes {
				c.MinMinutes = w
			}
		}
	}
}

// TimeDecay is the module instance for one running strategy.
type TimeDecay struct {
	cfg TimeDecayConfig

	threshold  decimal.Decimal
	limitPrice decimal.Decimal
	orderSize  decimal.Decimal
	minProfit  decimal.Decimal

	cooldowns    map[string]time.Time
	placedOrders map[string]types.Signal
}

var (
	safetyFloor = decimal.NewFromFloat(0.05)
	oneDollar   = decimal.NewFromInt(1)
	fiveShares  = decimal.NewFromInt(5)
)

// NewTimeDecay parses the persisted config JSON and merges defaults.
func NewTimeDecay(configJSON string) (*TimeDecay, error) {
	var cfg TimeDecayConfig
	if configJSON != "" {
		if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
			return nil, fmt.Errorf("parse time_decay config: %w", err)
		}
	}
	cfg.mergeDefaults()

	td := &TimeDecay{
		cfg:          cfg,
		threshold:    decimal.NewFromFloat(cfg.SignalThreshold),
		limitPrice:   decimal.NewFromFloat(cfg.LimitPrice),
		orderSize:    decimal.NewFromFloat(cfg.OrderSize),
		minProfit:    decimal.NewFromFloat(cfg.MinProfit),
		cooldowns:    make(map[string]time.Time),
		placedOrders: make(map[string]types.Signal),
	}
	if err := td.ValidateConfig(); err != nil {
		return nil, err
	}
	return td, nil
}

func (t *TimeDecay) Name() string { return StrategyTypeTimeDecay }

// Config exposes the merged configuration (intervals, targets) to the Runner.
func (t *TimeDecay) Config() TimeDecayConfig { return t.cfg }

// ValidateConfig checks ranges.
func (t *TimeDecay) ValidateConfig() error {
	if t.cfg.SignalThreshold <= 0 || t.cfg.SignalThreshold >= 1 {
		return fmt.Errorf("signal_threshold must be in (0, 1)")
	}
	if t.cfg.OrderSize <= 0 {
		return fmt.Errorf("order_size must be > 0")
	}
	if t.cfg.UseLimitOrder && (t.cfg.LimitPrice <= 0 || t.cfg.LimitPrice >= 1) {
		return fmt.Errorf("limit_price must be in (0, 1) when use_limit_order is set")
	}
	if t.cfg.CooldownSeconds <= 0 {
		return fmt.Errorf("cooldown_seconds must be > 0")
	}
	for _, iv := range t.cfg.Intervals {
		if _, ok := intervalWindowMinutes[iv]; !ok {
			return fmt.Errorf("unknown interval %q", iv)
		}
	}
	return nil
}

// HandleOrder evaluates one price update against the decision gates.
func (t *TimeDecay) HandleOrder(update types.OrderUpdate, info types.MarketInfo, point types.PricePoint, now time.Time) []types.Signal {
	evalPrice := point.Midpoint()

	// Safety gate: unknown or collapsing books are never traded.
	if evalPrice == nil || evalPrice.LessThan(safetyFloor) {
		return nil
	}
	if point.BestAsk != nil && point.BestAsk.LessThan(safetyFloor) {
		return nil
	}

	// Filter gate.
	if t.cfg.CryptoOnly && !metadata.IsCryptoMarket(info.Question) && !metadata.IsCryptoMarket(info.EventTitle) {
		return nil
	}
	if t.cfg.MinMinutes > 0 {
		mins := info.MinutesToResolution(now)
		if mins <= 0 || mins > t.cfg.MinMinutes {
			return nil
		}
	}

	// One trade per market.
	if expiry, ok := t.cooldowns[update.AssetID]; ok && now.Before(expiry) {
		return nil
	}
	if _, placed := t.placedOrders[update.AssetID]; placed {
		return nil
	}

	if !evalPrice.GreaterThan(t.threshold) {
		return nil
	}

	buyPrice := point.BestAsk
	if t.cfg.UseLimitOrder {
		buyPrice = &t.limitPrice
	}
	if buyPrice == nil || !buyPrice.IsPositive() {
		return nil
	}

	shares := t.orderSize.Div(*buyPrice)

	// Minimum-order gate.
	if t.orderSize.LessThan(oneDollar) || shares.LessThan(fiveShares) {
		return nil
	}
	estimatedProfit := oneDollar.Sub(*buyPrice).Mul(shares)
	if estimatedProfit.LessThan(t.minProfit) {
		return nil
	}

	sig := types.Signal{
		Action:  types.BUY,
		TokenID: update.AssetID,
		Price:   *buyPrice,
		Size:    shares,
		Reason: fmt.Sprintf("time decay: mid %s above threshold %s",
			evalPrice.StringFixed(3), t.threshold.StringFixed(3)),
		Metadata: map[string]string{
			"eval_price":       evalPrice.String(),
			"estimated_profit": estimatedProfit.StringFixed(4),
			"outcome":          info.Outcome,
		},
	}

	// Pair cooldown: neither side of the market re-fires inside the window.
	expireAt := now.Add(time.Duration(t.cfg.CooldownSeconds) * time.Second)
	t.cooldowns[update.AssetID] = expireAt
	if info.OppositeTokenID != "" {
		t.cooldowns[info.OppositeTokenID] = expireAt
	}
	t.placedOrders[update.AssetID] = sig

	return []types.Signal{sig}
}

// HandleTick expires stale cooldowns.
func (t *TimeDecay) HandleTick(now time.Time) []types.Signal {
	for token, expiry := range t.cooldowns {
		if now.After(expiry) {
			delete(t.cooldowns, token)
		}
	}
	return nil
}
