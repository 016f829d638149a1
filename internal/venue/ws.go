// ws.go implements the pooled WebSocket market feed.
//
// A single long-lived connection to the venue's market channel serves every
// consumer in the process. Desired subscriptions survive reconnects: on each
// (re)connect the union of subscribed token ids is re-sent as one subscribe
// message. Incoming events are debounced into batches (50 ms flush, immediate
// at 50 entries) and fanned out both to in-process subscriber channels and to
// the event bus topic "polymarket:live_orders".
//
// A health timer fires every 10 s; more than 15 s of silence with live
// subscriptions forces a resubscribe. Disconnects reconnect with backoff
// 500 ms → 5 s.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/led0r/poly-copy/internal/bus"
	"github.com/led0r/poly-copy/pkg/types"
)

const (
	// TopicLiveOrders is the bus topic the feed publishes on.
	TopicLiveOrders = "polymarket:live_orders"

	batchFlushInterval = 50 * time.Millisecond
	batchMaxSize       = 50

	healthInterval    = 10 * time.Second
	silenceThreshold  = 15 * time.Second
	resendSuppression = 60 * time.Second

	reconnectInitial = 500 * time.Millisecond
	reconnectMax     = 5 * time.Second

	wsWriteTimeout       = 10 * time.Second
	feedSubscriberBuffer = 128
)

// SubscriptionStats counts subscribe attempts and health-forced retries.
type SubscriptionStats struct {
	Attempts int `json:"attempts"`
	Retries  int `json:"retries"`
}

// MetadataLookup resolves cached market info for event enrichment. It must
// not block (cache peek only).
type MetadataLookup func(tokenID string) (types.MarketInfo, bool)

// wsSubscribeMsg carries both key spellings because the venue historically
// accepts the misspelled one.
type wsSubscribeMsg struct {
	Operation string   `json:"operation"`
	Type      string   `json:"type"`
	AssetsIDs []string `json:"assets_ids"`
	AssetIDs  []string `json:"asset_ids"`
}

type feedSubscriber struct {
	ch chan []types.OrderUpdate
}

// Feed is the market WebSocket consumer.
type Feed struct {
	url    string
	bus    *bus.Bus
	lookup MetadataLookup
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	mu                 sync.Mutex
	wsReady            bool
	everConnected      bool
	subscribed         map[string]bool
	lastSubscriptionAt time.Time
	lastMessageAt      time.Time
	stats              SubscriptionStats
	orderBatch         []types.OrderUpdate

	subsMu      sync.Mutex
	subscribers map[*feedSubscriber]bool
}

// NewFeed creates a market feed. lookup may be nil (no enrichment).
func NewFeed(wsURL string, eventBus *bus.Bus, lookup MetadataLookup, logger *slog.Logger) *Feed {
	return &Feed{
		url:         wsURL,
		bus:         eventBus,
		lookup:      lookup,
		logger:      logger.With("component", "market_feed"),
		subscribed:  make(map[string]bool),
		subscribers: make(map[*feedSubscriber]bool),
	}
}

// Updates registers an in-process subscriber for flushed event batches.
func (f *Feed) Updates() (<-chan []types.OrderUpdate, func()) {
	sub := &feedSubscriber{ch: make(chan []types.OrderUpdate, feedSubscriberBuffer)}
	f.subsMu.Lock()
	f.subscribers[sub] = true
	f.subsMu.Unlock()

	cancel := func() {
		f.subsMu.Lock()
		if f.subscribers[sub] {
			delete(f.subscribers, sub)
			close(sub.ch)
		}
		f.subsMu.Unlock()
	}
	return sub.ch, cancel
}

// Connected reports whether the socket is currently up.
func (f *Feed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wsReady
}

// Stats returns a copy of the subscription counters.
func (f *Feed) Stats() SubscriptionStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// SubscribedMarkets returns the desired subscription set.
func (f *Feed) SubscribedMarkets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		out = append(out, id)
	}
	return out
}

// Subscribe adds token ids to the desired set and sends a subscribe message
// for the ones not already covered.
func (f *Feed) Subscribe(tokenIDs []string) {
	f.mu.Lock()
	var fresh []string
	for _, id := range tokenIDs {
		if id == "" {
			continue
		}
		if !f.subscribed[id] {
			fresh = append(fresh, id)
		}
		f.subscribed[id] = true
	}
	f.mu.Unlock()

	if len(fresh) == 0 {
		return
	}
	f.sendSubscription(fresh, false)
}

// Unsubscribe removes token ids from the desired set. The venue keeps pushing
// until reconnect; consumers drop events for unknown tokens.
func (f *Feed) Unsubscribe(tokenIDs []string) {
	f.mu.Lock()
	for _, id := range tokenIDs {
		delete(f.subscribed, id)
	}
	f.mu.Unlock()
}

// Run connects and maintains the socket with auto-reconnect. Blocks until ctx
// is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := reconnectInitial

	for {
		connected, err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = reconnectInitial
		}

		f.logger.Warn("market feed disconnected, reconnecting", "error", err, "backoff", backoff)
		f.bus.Publish(TopicLiveOrders, "connected", false)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// connectAndRead returns whether the dial succeeded plus the terminating
// error. A panic anywhere in the read/dispatch path is recovered into the
// error return so Run's reconnect loop stays alive.
func (f *Feed) connectAndRead(ctx context.Context) (connected bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			f.logger.Error("market feed panicked, recovering", "panic", rec)
			err = fmt.Errorf("feed panic: %v", rec)
		}
	}()

	conn, _, dialErr := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if dialErr != nil {
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	connected = true

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	f.mu.Lock()
	f.wsReady = true
	f.lastMessageAt = time.Now()
	reconnect := f.everConnected
	f.everConnected = true
	f.mu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()

		f.mu.Lock()
		f.wsReady = false
		f.mu.Unlock()
	}()

	f.logger.Info("market feed connected")
	f.bus.Publish(TopicLiveOrders, "connected", true)

	// Re-send the union of desired subscriptions as one message. A resend
	// after a lost connection counts as a retry.
	if ids := f.SubscribedMarkets(); len(ids) > 0 {
		if reconnect {
			f.mu.Lock()
			f.stats.Retries++
			f.mu.Unlock()
		}
		f.sendSubscription(ids, true)
	}

	timerCtx, cancelTimers := context.WithCancel(ctx)
	defer cancelTimers()
	go f.batchLoop(timerCtx)
	go f.healthLoop(timerCtx)

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}

		f.mu.Lock()
		f.lastMessageAt = time.Now()
		f.mu.Unlock()

		f.handleFrame(msg)
	}
}

// Resubscribe re-sends the full desired set. Non-forced resends inside the
// suppression window are dropped; reconnects and the health check force
// through.
func (f *Feed) Resubscribe(force bool) {
	f.mu.Lock()
	recent := !f.lastSubscriptionAt.IsZero() && time.Since(f.lastSubscriptionAt) < resendSuppression
	f.mu.Unlock()

	if !force && recent {
		f.logger.Debug("subscription resend suppressed")
		return
	}
	f.sendSubscription(f.SubscribedMarkets(), force)
}

// sendSubscription writes a subscribe message covering ids. Fresh ids always
// go out; full-set resends arrive here via Resubscribe.
func (f *Feed) sendSubscription(ids []string, force bool) {
	if len(ids) == 0 {
		return
	}

	f.mu.Lock()
	f.stats.Attempts++
	f.lastSubscriptionAt = time.Now()
	f.mu.Unlock()

	msg := wsSubscribeMsg{
		Operation: "subscribe",
		Type:      "market",
		AssetsIDs: ids,
		AssetIDs:  ids,
	}
	if err := f.writeJSON(msg); err != nil {
		f.logger.Warn("subscribe send failed", "count", len(ids), "error", err)
		return
	}
	f.logger.Debug("subscribed", "count", len(ids), "forced", force)
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeText(data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteMessage(websocket.TextMessage, data)
}

// ————————————————————————————————————————————————————————————————————————
// Incoming messages
// ————————————————————————————————————————————————————————————————————————

func (f *Feed) handleFrame(data []byte) {
	text := strings.TrimSpace(string(data))
	switch text {
	case "NO NEW ASSETS", "INVALID OPERATION":
		f.logger.Debug("venue control message", "message", text)
		return
	}

	if strings.HasPrefix(text, "[") {
		var raws []json.RawMessage
		if err := json.Unmarshal(data, &raws); err != nil {
			f.logger.Debug("ignoring non-json ws frame", "data", text)
			return
		}
		for _, raw := range raws {
			f.handleEvent(raw)
		}
		return
	}
	f.handleEvent(data)
}

func (f *Feed) handleEvent(raw []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		f.logger.Debug("ignoring unparseable ws event", "error", err)
		return
	}

	switch envelope.EventType {
	case "last_trade_price":
		f.handleLastTradePrice(raw)
	case "price_change":
		f.handlePriceChange(raw)
	case "book":
		f.handleBook(raw)
	case "tick_size_change":
		f.logger.Info("tick size change", "event", string(raw))
	default:
		// Ignore everything else.
	}
}

func (f *Feed) handleLastTradePrice(raw []byte) {
	var evt struct {
		AssetID string `json:"asset_id"`
		Price   string `json:"price"`
		Size    string `json:"size"`
		Side    string `json:"side"`
	}
	if err := json.Unmarshal(raw, &evt); err != nil {
		f.logger.Error("unmarshal last_trade_price", "error", err)
		return
	}

	update := types.OrderUpdate{
		Kind:      "trade",
		AssetID:   evt.AssetID,
		Price:     parseDec(evt.Price),
		Size:      parseDec(evt.Size),
		Side:      evt.Side,
		Timestamp: time.Now(),
	}
	f.enrich(&update)
	f.enqueue(update)
}

func (f *Feed) handlePriceChange(raw []byte) {
	var evt struct {
		Market       string `json:"market"`
		PriceChanges []struct {
			AssetID string `json:"asset_id"`
			Price   string `json:"price"`
			Size    string `json:"size"`
			Side    string `json:"side"`
			BestBid string `json:"best_bid"`
			BestAsk string `json:"best_ask"`
		} `json:"price_changes"`
	}
	if err := json.Unmarshal(raw, &evt); err != nil {
		f.logger.Error("unmarshal price_change", "error", err)
		return
	}

	for _, pc := range evt.PriceChanges {
		bid, ask, price := parseDec(pc.BestBid), parseDec(pc.BestAsk), parseDec(pc.Price)
		if bid == nil && ask == nil && price == nil {
			continue
		}
		update := types.OrderUpdate{
			Kind:      "price_change",
			AssetID:   pc.AssetID,
			Price:     price,
			Size:      parseDec(pc.Size),
			Side:      pc.Side,
			BestBid:   bid,
			BestAsk:   ask,
			Timestamp: time.Now(),
		}
		f.enrich(&update)
		f.enqueue(update)
	}
}

func (f *Feed) handleBook(raw []byte) {
	var evt struct {
		AssetID string       `json:"asset_id"`
		Bids    []PriceLevel `json:"bids"`
		Asks    []PriceLevel `json:"asks"`
		Buys    []PriceLevel `json:"buys"`
		Sells   []PriceLevel `json:"sells"`
	}
	if err := json.Unmarshal(raw, &evt); err != nil {
		f.logger.Error("unmarshal book", "error", err)
		return
	}

	bids, asks := evt.Bids, evt.Asks
	if len(bids) == 0 {
		bids = evt.Buys
	}
	if len(asks) == 0 {
		asks = evt.Sells
	}

	var bid, ask *decimal.Decimal
	if len(bids) > 0 {
		bid = parseDec(bids[0].Price)
	}
	if len(asks) > 0 {
		ask = parseDec(asks[0].Price)
	}
	if bid == nil && ask == nil {
		return
	}

	update := types.OrderUpdate{
		Kind:      "price_change",
		AssetID:   evt.AssetID,
		BestBid:   bid,
		BestAsk:   ask,
		Timestamp: time.Now(),
	}
	f.enrich(&update)
	f.enqueue(update)
}

func (f *Feed) enrich(update *types.OrderUpdate) {
	if f.lookup == nil {
		return
	}
	if info, ok := f.lookup(update.AssetID); ok {
		update.Outcome = info.Outcome
		update.MarketQuestion = info.Question
		update.EventTitle = info.EventTitle
	}
}

func parseDec(s string) *decimal.Decimal {
	if s == "" || s == "null" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}

// ————————————————————————————————————————————————————————————————————————
// Batching & fan-out
// ————————————————————————————————————————————————————————————————————————

func (f *Feed) enqueue(update types.OrderUpdate) {
	f.mu.Lock()
	f.orderBatch = append(f.orderBatch, update)
	full := len(f.orderBatch) >= batchMaxSize
	f.mu.Unlock()

	if full {
		f.flushBatch()
	}
}

func (f *Feed) batchLoop(ctx context.Context) {
	ticker := time.NewTicker(batchFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.flushBatch()
			return
		case <-ticker.C:
			f.flushBatch()
		}
	}
}

func (f *Feed) flushBatch() {
	f.mu.Lock()
	if len(f.orderBatch) == 0 {
		f.mu.Unlock()
		return
	}
	batch := f.orderBatch
	f.orderBatch = nil
	f.mu.Unlock()

	f.subsMu.Lock()
	for sub := range f.subscribers {
		select {
		case sub.ch <- batch:
		default:
			f.logger.Debug("feed subscriber full, dropping batch", "size", len(batch))
		}
	}
	f.subsMu.Unlock()

	if len(batch) == 1 {
		f.bus.Publish(TopicLiveOrders, "new_order", batch[0])
		return
	}
	f.bus.Publish(TopicLiveOrders, "new_orders_batch", batch)
	for _, update := range batch {
		f.bus.Publish(TopicLiveOrders, "new_order", update)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Health
// ————————————————————————————————————————————————————————————————————————

func (f *Feed) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeText([]byte("PING")); err != nil {
				f.logger.Debug("ping failed", "error", err)
			}
			f.checkHealth()
		}
	}
}

func (f *Feed) checkHealth() {
	f.mu.Lock()
	silent := time.Since(f.lastMessageAt) > silenceThreshold
	hasSubs := len(f.subscribed) > 0
	if silent && hasSubs {
		f.stats.Retries++
	}
	f.mu.Unlock()

	if silent && hasSubs {
		f.logger.Warn("feed silent beyond threshold, forcing resubscribe")
		f.Resubscribe(true)
	}
}
