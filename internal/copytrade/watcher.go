// Package copytrade implements the copy-trading subsystem: a watcher that
// polls tracked wallet addresses for fresh on-venue trades, and an executor
// that mirrors them from the operator's account.
//
// The watcher diffs each address's activity against the set of trade ids seen
// on the previous poll and publishes one new_trade event per fresh trade on
// the copy_trading bus topic, plus a trades_updated event carrying the full
// list for UI refresh. The polling cadence stretches with the number of
// tracked users so the watcher stays within half the Data-API budget.
package copytrade

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/led0r/poly-copy/internal/bus"
	"github.com/led0r/poly-copy/internal/store"
	"github.com/led0r/poly-copy/internal/venue"
	"github.com/led0r/poly-copy/pkg/types"
)

// TopicCopyTrading is the bus topic for watcher and executor events.
const TopicCopyTrading = "copy_trading"

const activityFetchLimit = 100

// NewTradeEvent is published once per fresh trade of a tracked address.
type NewTradeEvent struct {
	Address string             `json:"address"`
	Trade   types.WatchedTrade `json:"trade"`
}

// TradesUpdatedEvent carries the full current trade list for one address.
type TradesUpdatedEvent struct {
	Address string               `json:"address"`
	Trades  []types.WatchedTrade `json:"trades"`
}

type trackedState struct {
	label   string
	trades  []types.WatchedTrade
	addedAt time.Time
}

// Watcher polls tracked addresses and publishes their fresh trades.
type Watcher struct {
	store  *store.Store
	client *venue.Client
	bus    *bus.Bus
	logger *slog.Logger

	baseInterval time.Duration
	budgetShare  float64

	mu           sync.Mutex
	tracked      map[string]*trackedState
	lastTradeIDs map[string]map[string]bool

	fetchNow chan string
}

// NewWatcher creates a watcher. baseInterval is the polling floor (3 s);
// budgetShare is the fraction of the Data-API bucket the watcher may consume
// (0.5 by default).
func NewWatcher(st *store.Store, client *venue.Client, eventBus *bus.Bus, baseInterval time.Duration, budgetShare float64, logger *slog.Logger) *Watcher {
	if baseInterval <= 0 {
		baseInterval = 3 * time.Second
	}
	if budgetShare <= 0 || budgetShare > 1 {
		budgetShare = 0.5
	}
	return &Watcher{
		store:        st,
		client:       client,
		bus:          eventBus,
		logger:       logger.With("component", "copy_watcher"),
		baseInterval: baseInterval,
		budgetShare:  budgetShare,
		tracked:      make(map[string]*trackedState),
		lastTradeIDs: make(map[string]map[string]bool),
		fetchNow:     make(chan string, 16),
	}
}

// Run loads the active tracked users, schedules an immediate fetch per
// address, and then polls at the dynamic interval. Blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	users, err := w.store.ListTrackedUsers(true)
	if err != nil {
		w.logger.Error("load tracked users", "error", err)
	}
	for _, u := range users {
		w.mu.Lock()
		w.tracked[u.Address] = &trackedState{label: u.Label, addedAt: time.Now()}
		w.mu.Unlock()
		w.requestFetch(u.Address)
	}

	timer := time.NewTimer(w.pollInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case addr := <-w.fetchNow:
			w.fetchTrades(ctx, addr)
		case <-timer.C:
			for _, addr := range w.addresses() {
				if ctx.Err() != nil {
					return
				}
				w.fetchTrades(ctx, addr)
			}
			timer.Reset(w.pollInterval())
		}
	}
}

// pollInterval is max(base, 10s · N / 100) where N is the tracked-user count,
// keeping the total request rate at or under the configured share of the
// Data-API bucket (the 100 divisor corresponds to a 50% share).
func (w *Watcher) pollInterval() time.Duration {
	w.mu.Lock()
	n := len(w.tracked)
	w.mu.Unlock()

	scaled := time.Duration(float64(10*time.Second) * float64(n) / (200.0 * w.budgetShare))
	if scaled < w.baseInterval {
		return w.baseInterval
	}
	return scaled
}

func (w *Watcher) addresses() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.tracked))
	for addr := range w.tracked {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func (w *Watcher) requestFetch(address string) {
	select {
	case w.fetchNow <- address:
	default:
		// A poll tick is imminent anyway.
	}
}

// fetchTrades pulls the latest activity for one address, publishes the fresh
// trades, and replaces the last-seen id set (not the union — the long tail is
// dropped to bound memory).
func (w *Watcher) fetchTrades(ctx context.Context, address string) {
	items, err := w.client.GetActivity(ctx, address, activityFetchLimit, 0)
	if err != nil {
		w.logger.Warn("activity fetch failed", "address", address, "error", err)
		return
	}

	trades := ExtractTrades(address, items)

	w.mu.Lock()
	state, tracked := w.tracked[address]
	if !tracked {
		w.mu.Unlock()
		return
	}
	last := w.lastTradeIDs[address]

	var fresh []types.WatchedTrade
	for _, t := range trades {
		if !last[t.ID] {
			fresh = append(fresh, t)
		}
	}

	current := make(map[string]bool, len(trades))
	for _, t := range trades {
		current[t.ID] = true
	}
	w.lastTradeIDs[address] = current
	state.trades = trades
	w.mu.Unlock()

	for _, t := range fresh {
		w.bus.Publish(TopicCopyTrading, "new_trade", NewTradeEvent{Address: address, Trade: t})
	}
	w.bus.Publish(TopicCopyTrading, "trades_updated", TradesUpdatedEvent{Address: address, Trades: trades})

	if len(fresh) > 0 {
		w.logger.Info("new trades observed", "address", address, "count", len(fresh))
	}
}

// ExtractTrades projects activity items onto canonical trade records, keeping
// only TRADE rows. The id is the transaction hash.
func ExtractTrades(address string, items []types.ActivityItem) []types.WatchedTrade {
	var out []types.WatchedTrade
	for _, it := range items {
		if it.Type != "TRADE" || it.TransactionHash == "" {
			continue
		}
		side := types.BUY
		if it.Side == "SELL" {
			side = types.SELL
		}
		out = append(out, types.WatchedTrade{
			ID:        it.TransactionHash,
			Address:   address,
			Market:    it.ConditionID,
			AssetID:   it.Asset,
			Side:      side,
			Size:      decimal.NewFromFloat(it.Size),
			Price:     decimal.NewFromFloat(it.Price),
			Outcome:   it.Outcome,
			Title:     it.Title,
			EventSlug: it.EventSlug,
			Timestamp: it.Timestamp,
		})
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// CRUD
// ————————————————————————————————————————————————————————————————————————

// Track upserts an address with active=true and schedules an immediate fetch.
func (w *Watcher) Track(address, label string) (store.TrackedUser, error) {
	u, err := w.store.TrackUser(address, label)
	if err != nil {
		return store.TrackedUser{}, err
	}

	w.mu.Lock()
	w.tracked[u.Address] = &trackedState{label: u.Label, addedAt: time.Now()}
	w.mu.Unlock()

	w.requestFetch(u.Address)
	return u, nil
}

// Untrack archives an address and stops polling it.
func (w *Watcher) Untrack(address string) error {
	if err := w.store.UntrackUser(address); err != nil {
		return err
	}
	w.mu.Lock()
	delete(w.tracked, address)
	delete(w.lastTradeIDs, address)
	w.mu.Unlock()
	return nil
}

// Restore un-archives an address and resumes polling.
func (w *Watcher) Restore(address string) error {
	if err := w.store.RestoreUser(address); err != nil {
		return err
	}
	w.mu.Lock()
	w.tracked[address] = &trackedState{addedAt: time.Now()}
	w.mu.Unlock()
	w.requestFetch(address)
	return nil
}

// Delete permanently removes an archived address.
func (w *Watcher) Delete(address string) error {
	return w.store.DeleteUser(address)
}
