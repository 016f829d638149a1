// Package strategy implements the strategy engine: a supervisor/registry that
// runs one Runner per configured strategy, and the Runner itself — a
// per-strategy state machine driven by ticks, discovery pulses, and market
// feed events.
//
// Runner lifecycle:
//
//	[Init] ─success→ [Running] ─pause→ [Paused]
//	  └─fail→ [Error]          [Paused] ─resume→ [Running]
//	[Running|Paused] ─stop→ [Stopped]
//	[Running] ─crash→ [Error] (recovered by the Engine)
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/led0r/poly-copy/internal/bus"
	"github.com/led0r/poly-copy/internal/metadata"
	"github.com/led0r/poly-copy/internal/store"
	"github.com/led0r/poly-copy/internal/venue"
	"github.com/led0r/poly-copy/pkg/types"
)

// TopicStrategies is the cross-strategy bus topic.
const TopicStrategies = "strategies:updates"

// StrategyTopic is the per-strategy bus topic.
func StrategyTopic(id uint) string { return fmt.Sprintf("strategies:%d", id) }

const (
	tickInterval       = 5 * time.Second
	discoveryInterval  = 2 * time.Minute
	broadcastInterval  = 250 * time.Millisecond
	seedConcurrency    = 5
	discoveryCacheTTL  = 5 * time.Minute
)

// Deps bundles the collaborators a Runner needs.
type Deps struct {
	Store   *store.Store
	Feed    *venue.Feed
	Client  *venue.Client
	Signer  *venue.OrderSigner
	Fetcher *metadata.Fetcher
	Creds   venue.CredentialSource
	Bus     *bus.Bus
	Logger  *slog.Logger
}

// Runner drives one strategy. All of its state is owned by the Run goroutine;
// pause/resume arrive over the control channel.
type Runner struct {
	deps     Deps
	strategy store.Strategy
	module   Module
	cfg      TimeDecayConfig
	logger   *slog.Logger

	paused        bool
	discovered    map[string]types.MarketInfo
	tokenPrices   map[string]types.PricePoint
	targetTokens  map[string]bool
	lastBroadcast time.Time

	ctrl      chan string // "pause" | "resume"
	tokensReq chan chan []string
}

// NewRunner validates the strategy row and builds its module. An unknown
// strategy type fails here (Init → Error).
func NewRunner(st store.Strategy, deps Deps) (*Runner, error) {
	module, err := NewModule(st.Type, st.Config)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		deps:        deps,
		strategy:    st,
		module:      module,
		logger:      deps.Logger.With("component", "runner", "strategy_id", st.ID),
		discovered:  make(map[string]types.MarketInfo),
		tokenPrices: make(map[string]types.PricePoint),
		targetTokens: make(map[string]bool),
		ctrl:         make(chan string, 4),
		tokensReq:    make(chan chan []string),
	}
	if td, ok := module.(*TimeDecay); ok {
		r.cfg = td.Config()
	}
	for _, token := range r.cfg.TargetTokens {
		r.targetTokens[token] = true
	}
	return r, nil
}

// Pause suspends signal evaluation; prices keep flowing.
func (r *Runner) Pause() {
	select {
	case r.ctrl <- "pause":
	default:
	}
}

// Resume re-enables signal evaluation.
func (r *Runner) Resume() {
	select {
	case r.ctrl <- "resume":
	default:
	}
}

// Run executes the strategy loop until ctx is cancelled. On normal
// termination the persisted status becomes "stopped"; the Engine handles the
// crash path.
func (r *Runner) Run(ctx context.Context) error {
	updates, cancelUpdates := r.deps.Feed.Updates()
	defer cancelUpdates()

	if err := r.deps.Store.UpdateStrategyStatus(r.strategy.ID, store.StrategyRunning); err != nil {
		return fmt.Errorf("persist running status: %w", err)
	}
	r.appendEvent(store.EventInfo, "strategy started", nil)

	// Pre-configured target tokens: subscribe, resolve metadata, seed books.
	if len(r.targetTokens) > 0 {
		tokens := make([]string, 0, len(r.targetTokens))
		for token := range r.targetTokens {
			tokens = append(tokens, token)
			if info, err := r.deps.Fetcher.TokenInfo(ctx, token); err == nil {
				r.discovered[token] = info
			} else {
				r.logger.Warn("target token metadata unavailable", "token", token, "error", err)
			}
		}
		r.deps.Feed.Subscribe(tokens)
		r.seedPrices(ctx, tokens)
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	discovery := time.NewTicker(discoveryInterval)
	defer discovery.Stop()

	// Immediate discovery pulse after start.
	r.runDiscovery(ctx)

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil

		case cmd := <-r.ctrl:
			r.handleControl(cmd)

		case reply := <-r.tokensReq:
			tokens := make([]string, 0, len(r.discovered))
			for token := range r.discovered {
				tokens = append(tokens, token)
			}
			reply <- tokens

		case batch, ok := <-updates:
			if !ok {
				r.shutdown()
				return nil
			}
			for _, update := range batch {
				r.handleOrderUpdate(ctx, update)
			}

		case now := <-ticker.C:
			if r.paused {
				continue
			}
			signals := r.module.HandleTick(now)
			for _, sig := range signals {
				r.executeSignal(ctx, sig)
			}

		case <-discovery.C:
			r.runDiscovery(ctx)
		}
	}
}

func (r *Runner) handleControl(cmd string) {
	switch cmd {
	case "pause":
		if r.paused {
			return
		}
		r.paused = true
		if err := r.deps.Store.UpdateStrategyStatus(r.strategy.ID, store.StrategyPaused); err != nil {
			r.logger.Warn("persist paused status", "error", err)
		}
		r.appendEvent(store.EventInfo, "strategy paused", nil)
	case "resume":
		if !r.paused {
			return
		}
		r.paused = false
		if err := r.deps.Store.UpdateStrategyStatus(r.strategy.ID, store.StrategyRunning); err != nil {
			r.logger.Warn("persist running status", "error", err)
		}
		r.appendEvent(store.EventInfo, "strategy resumed", nil)
	}
}

func (r *Runner) shutdown() {
	if err := r.deps.Store.UpdateStrategyStatus(r.strategy.ID, store.StrategyStopped); err != nil {
		r.logger.Warn("persist stopped status", "error", err)
	}
	r.appendEvent(store.EventInfo, "strategy stopped", nil)
}

// ————————————————————————————————————————————————————————————————————————
// Discovery
// ————————————————————————————————————————————————————————————————————————

// runDiscovery pulls the configured interval set and reconciles the
// discovered-token map: new tokens subscribe and seed, vanished tokens
// unsubscribe. Target tokens are never removed.
func (r *Runner) runDiscovery(ctx context.Context) {
	infos, err := r.deps.Fetcher.Discover(ctx, r.cfg.Intervals)
	if err != nil {
		r.logger.Warn("discovery failed", "error", err)
		return
	}

	next := make(map[string]types.MarketInfo, len(infos))
	for _, info := range infos {
		next[info.TokenID] = info
	}

	var added, removed []string
	for token, info := range next {
		if _, ok := r.discovered[token]; !ok {
			added = append(added, token)
		}
		r.discovered[token] = info
		r.deps.Fetcher.Cache().Put(token, info, discoveryCacheTTL)
	}
	for token := range r.discovered {
		if r.targetTokens[token] {
			continue
		}
		if _, ok := next[token]; !ok {
			removed = append(removed, token)
			delete(r.discovered, token)
			delete(r.tokenPrices, token)
		}
	}

	if len(added) > 0 {
		r.deps.Feed.Subscribe(added)
		r.seedPrices(ctx, added)
		r.publish("discovered_tokens", added)
	}
	if len(removed) > 0 {
		r.deps.Feed.Unsubscribe(removed)
		r.publish("removed_tokens", removed)
	}
	if len(added) > 0 || len(removed) > 0 {
		r.logger.Info("discovery delta", "added", len(added), "removed", len(removed), "total", len(r.discovered))
	}
}

// seedPrices fetches REST order books for tokens (bounded concurrency) and
// primes tokenPrices.
func (r *Runner) seedPrices(ctx context.Context, tokens []string) {
	sem := make(chan struct{}, seedConcurrency)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, token := range tokens {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			book, err := r.deps.Client.GetOrderBook(ctx, token)
			if err != nil {
				r.logger.Debug("seed book failed", "token", token, "error", err)
				return
			}
			mu.Lock()
			r.tokenPrices[token] = types.PricePoint{
				BestBid:   book.BestBid(),
				BestAsk:   book.BestAsk(),
				UpdatedAt: time.Now(),
			}
			mu.Unlock()
		}(token)
	}
	wg.Wait()
}

// ————————————————————————————————————————————————————————————————————————
// Order ingestion
// ————————————————————————————————————————————————————————————————————————

func (r *Runner) handleOrderUpdate(ctx context.Context, update types.OrderUpdate) {
	info, tracked := r.discovered[update.AssetID]
	if !tracked {
		return
	}

	point := r.tokenPrices[update.AssetID]
	if update.BestBid != nil {
		point.BestBid = update.BestBid
	}
	if update.BestAsk != nil {
		point.BestAsk = update.BestAsk
	}
	if update.Outcome != "" {
		point.Outcome = update.Outcome
	}
	if update.MarketQuestion != "" {
		point.MarketQuestion = update.MarketQuestion
	}
	point.UpdatedAt = time.Now()
	r.tokenPrices[update.AssetID] = point

	// Coalesced price broadcast: at most one per 250 ms per Runner.
	if time.Since(r.lastBroadcast) >= broadcastInterval {
		r.lastBroadcast = time.Now()
		r.publish("price_update", map[string]any{
			"token_id": update.AssetID,
			"point":    point,
		})
	}

	if r.paused {
		return
	}

	signals := r.module.HandleOrder(update, info, point, time.Now())
	for _, sig := range signals {
		r.executeSignal(ctx, sig)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Execution
// ————————————————————————————————————————————————————————————————————————

func (r *Runner) executeSignal(ctx context.Context, sig types.Signal) {
	meta := map[string]any{
		"token_id": sig.TokenID,
		"action":   string(sig.Action),
		"price":    sig.Price.String(),
		"size":     sig.Size.String(),
	}
	for k, v := range sig.Metadata {
		meta[k] = v
	}
	r.appendEvent(store.EventSignal, sig.Reason, meta)
	r.publish("signal", sig)

	info := r.discovered[sig.TokenID]

	if r.strategy.PaperMode {
		r.executePaper(sig, info)
		return
	}
	r.executeLive(ctx, sig, info)
}

func (r *Runner) executePaper(sig types.Signal, info types.MarketInfo) {
	trade := &store.Trade{
		StrategyID: r.strategy.ID,
		MarketID:   info.ConditionID,
		AssetID:    sig.TokenID,
		Side:       string(sig.Action),
		Price:      sig.Price,
		Size:       sig.Size,
		Status:     store.TradeStatusSimulated,
		Title:      info.Question,
		Outcome:    info.Outcome,
	}
	if err := r.deps.Store.InsertTrade(trade); err != nil {
		r.logger.Error("persist paper trade", "error", err)
		return
	}
	if err := r.deps.Store.UpdateTradeStatus(trade.ID, store.TradeStatusFilled, ""); err != nil {
		r.logger.Error("fill paper trade", "error", err)
		return
	}
	trade.Status = store.TradeStatusFilled

	if _, err := r.deps.Store.ApplyFill(r.strategy.ID, sig.TokenID, sig.Action, sig.Size, sig.Price); err != nil {
		r.logger.Error("apply paper fill", "error", err)
	}

	r.appendEvent(store.EventTrade, "paper order filled", map[string]any{
		"trade_id": trade.ID, "token_id": sig.TokenID,
	})
	r.publish("paper_order", map[string]any{"trade": trade, "paper_mode": true})
}

func (r *Runner) executeLive(ctx context.Context, sig types.Signal, info types.MarketInfo) {
	// A SELL that requires inventory is skipped, never partially executed.
	if sig.Action == types.SELL && sig.RequiresPosition {
		pos, err := r.deps.Store.GetPosition(r.strategy.ID, sig.TokenID)
		if err != nil || pos.Size.LessThan(sig.Size) {
			r.appendEvent(store.EventWarning, "insufficient_position: sell skipped", map[string]any{
				"token_id": sig.TokenID, "wanted": sig.Size.String(),
			})
			return
		}
	}

	trade := &store.Trade{
		StrategyID: r.strategy.ID,
		MarketID:   info.ConditionID,
		AssetID:    sig.TokenID,
		Side:       string(sig.Action),
		Price:      sig.Price,
		Size:       sig.Size,
		Status:     store.TradeStatusPending,
		Title:      info.Question,
		Outcome:    info.Outcome,
	}
	if err := r.deps.Store.InsertTrade(trade); err != nil {
		r.logger.Error("persist trade", "error", err)
		return
	}

	orderID, err := r.submitOrder(ctx, sig, info)
	if err != nil {
		if uerr := r.deps.Store.UpdateTradeStatus(trade.ID, store.TradeStatusFailed, ""); uerr != nil {
			r.logger.Warn("mark trade failed", "error", uerr)
		}
		r.appendEvent(store.EventError, fmt.Sprintf("order failed: %v", err), map[string]any{
			"trade_id": trade.ID, "token_id": sig.TokenID,
		})
		return
	}

	if err := r.deps.Store.UpdateTradeStatus(trade.ID, store.TradeStatusSubmitted, orderID); err != nil {
		r.logger.Warn("mark trade submitted", "error", err)
	}
	trade.Status = store.TradeStatusSubmitted
	trade.OrderID = orderID

	if _, err := r.deps.Store.ApplyFill(r.strategy.ID, sig.TokenID, sig.Action, sig.Size, sig.Price); err != nil {
		r.logger.Error("apply fill", "error", err)
	}

	r.appendEvent(store.EventTrade, "order submitted", map[string]any{
		"trade_id": trade.ID, "order_id": orderID,
	})
	r.publish("paper_order", map[string]any{"trade": trade, "paper_mode": false})
}

// submitOrder resolves market configuration, signs, and posts.
func (r *Runner) submitOrder(ctx context.Context, sig types.Signal, info types.MarketInfo) (string, error) {
	if info.TokenID == "" {
		resolved, err := r.deps.Fetcher.TokenInfo(ctx, sig.TokenID)
		if err != nil {
			return "", fmt.Errorf("%w: %v", venue.ErrMarketConfigurationUnavailable, err)
		}
		info = resolved
	}

	price := venue.ClampToTick(sig.Price)
	signed, err := r.deps.Signer.SignOrder(venue.OrderArgs{
		TokenID: sig.TokenID,
		Price:   price,
		Size:    sig.Size,
		Side:    sig.Action,
		NegRisk: info.NegRisk,
	})
	if err != nil {
		return "", err
	}

	creds, err := r.deps.Creds.Credentials()
	if err != nil {
		return "", err
	}

	resp, err := r.deps.Client.PostOrder(ctx, types.OrderPayload{
		Order:     *signed,
		Owner:     creds.APIKey,
		OrderType: types.OrderTypeGTC,
	})
	if err != nil {
		return "", err
	}
	return resp.OrderID, nil
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

func (r *Runner) appendEvent(eventType, message string, metadata map[string]any) {
	if err := r.deps.Store.AppendStrategyEvent(r.strategy.ID, eventType, message, metadata); err != nil {
		r.logger.Warn("append event", "error", err)
	}
}

func (r *Runner) publish(eventType string, payload any) {
	r.deps.Bus.Publish(StrategyTopic(r.strategy.ID), eventType, payload)
	r.deps.Bus.Publish(TopicStrategies, eventType, map[string]any{
		"strategy_id": r.strategy.ID,
		"payload":     payload,
	})
}

// DiscoveredTokens asks the Runner loop for a snapshot of its tracked token
// ids. A busy or stopped Runner returns empty within 5 s rather than
// propagating a failure.
func (r *Runner) DiscoveredTokens() []string {
	reply := make(chan []string, 1)
	select {
	case r.tokensReq <- reply:
	case <-time.After(5 * time.Second):
		return nil
	}
	select {
	case tokens := <-reply:
		return tokens
	case <-time.After(5 * time.Second):
		return nil
	}
}
