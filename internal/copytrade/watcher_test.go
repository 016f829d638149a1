package copytrade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/led0r/poly-copy/internal/bus"
	"github.com/led0r/poly-copy/internal/store"
	"github.com/led0r/poly-copy/internal/venue"
	"github.com/led0r/poly-copy/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type nullCreds struct{}

func (nullCreds) Credentials() (venue.Credentials, error) { return venue.Credentials{}, nil }

func newTestVenueClient(t *testing.T, url string) *venue.Client {
	t.Helper()
	auth := venue.NewAuth(nullCreds{}, testLogger())
	return venue.NewClient(url, url, auth, venue.NewRateLimiter(testLogger()), testLogger())
}

// activityServer serves a mutable activity list.
type activityServer struct {
	mu    sync.Mutex
	items []types.ActivityItem
	srv   *httptest.Server
}

func newActivityServer(t *testing.T) *activityServer {
	a := &activityServer{}
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		json.NewEncoder(w).Encode(a.items)
	}))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *activityServer) set(items []types.ActivityItem) {
	a.mu.Lock()
	a.items = items
	a.mu.Unlock()
}

func tradeItem(hash string, size, price float64) types.ActivityItem {
	return types.ActivityItem{
		Type:            "TRADE",
		Side:            "BUY",
		Asset:           "tok-1",
		ConditionID:     "cond-1",
		Size:            size,
		Price:           price,
		Title:           "BTC up?",
		Outcome:         "Yes",
		EventSlug:       "btc-up",
		TransactionHash: hash,
		Timestamp:       1700000000,
	}
}

func TestExtractTradesFiltersNonTrades(t *testing.T) {
	t.Parallel()

	items := []types.ActivityItem{
		tradeItem("0xhash1", 10, 0.9),
		{Type: "REDEEM", TransactionHash: "0xhash2"},
		{Type: "TRADE", TransactionHash: ""}, // no id, dropped
	}
	trades := ExtractTrades("0xabc", items)

	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	got := trades[0]
	if got.ID != "0xhash1" || got.Address != "0xabc" || got.Side != types.BUY {
		t.Errorf("trade = %+v", got)
	}
	if got.Size.String() != "10" || got.Price.String() != "0.9" {
		t.Errorf("size/price = %s/%s", got.Size, got.Price)
	}
}

func TestFetchTradesDiffPublishesOnlyFresh(t *testing.T) {
	t.Parallel()

	srv := newActivityServer(t)
	srv.set([]types.ActivityItem{tradeItem("0xhash1", 10, 0.9)})

	b := bus.New(testLogger())
	events, cancel := b.Subscribe(TopicCopyTrading)
	defer cancel()

	w := NewWatcher(newTestStore(t), newTestVenueClient(t, srv.srv.URL), b, time.Second, 0.5, testLogger())
	w.tracked["0xabc"] = &trackedState{addedAt: time.Now()}

	// First fetch: the trade is fresh.
	w.fetchTrades(context.Background(), "0xabc")
	assertEventTypes(t, events, "new_trade", "trades_updated")

	// Same activity again: nothing fresh, only the list refresh.
	w.fetchTrades(context.Background(), "0xabc")
	assertEventTypes(t, events, "trades_updated")

	// A second trade appears: exactly one new_trade.
	srv.set([]types.ActivityItem{tradeItem("0xhash1", 10, 0.9), tradeItem("0xhash2", 5, 0.8)})
	w.fetchTrades(context.Background(), "0xabc")
	got := assertEventTypes(t, events, "new_trade", "trades_updated")
	nte := got[0].Payload.(NewTradeEvent)
	if nte.Trade.ID != "0xhash2" {
		t.Errorf("fresh trade = %s, want 0xhash2", nte.Trade.ID)
	}
}

// lastSeen is replaced, not unioned: a trade that falls off the activity page
// and later reappears is treated as fresh again (the executor's duplicate
// gate absorbs the replay).
func TestFetchTradesLastSeenReplaced(t *testing.T) {
	t.Parallel()

	srv := newActivityServer(t)
	srv.set([]types.ActivityItem{tradeItem("0xhash1", 10, 0.9)})

	b := bus.New(testLogger())
	events, cancel := b.Subscribe(TopicCopyTrading)
	defer cancel()

	w := NewWatcher(newTestStore(t), newTestVenueClient(t, srv.srv.URL), b, time.Second, 0.5, testLogger())
	w.tracked["0xabc"] = &trackedState{addedAt: time.Now()}

	w.fetchTrades(context.Background(), "0xabc")
	assertEventTypes(t, events, "new_trade", "trades_updated")

	srv.set([]types.ActivityItem{tradeItem("0xhash2", 5, 0.8)})
	w.fetchTrades(context.Background(), "0xabc")
	assertEventTypes(t, events, "new_trade", "trades_updated")

	// 0xhash1 fell out of lastSeen and resurfaces as fresh.
	srv.set([]types.ActivityItem{tradeItem("0xhash1", 10, 0.9)})
	w.fetchTrades(context.Background(), "0xabc")
	got := assertEventTypes(t, events, "new_trade", "trades_updated")
	if got[0].Payload.(NewTradeEvent).Trade.ID != "0xhash1" {
		t.Error("resurfaced trade not republished")
	}
}

func TestPollIntervalScalesWithUserCount(t *testing.T) {
	t.Parallel()

	w := NewWatcher(newTestStore(t), nil, bus.New(testLogger()), 3*time.Second, 0.5, testLogger())

	if got := w.pollInterval(); got != 3*time.Second {
		t.Errorf("empty watcher interval = %v, want 3s floor", got)
	}

	for i := 0; i < 100; i++ {
		w.tracked[addrN(i)] = &trackedState{}
	}
	if got := w.pollInterval(); got != 10*time.Second {
		t.Errorf("100 users interval = %v, want 10s", got)
	}
}

func TestTrackLifecycleTouchesStoreAndState(t *testing.T) {
	t.Parallel()

	w := NewWatcher(newTestStore(t), nil, bus.New(testLogger()), time.Second, 0.5, testLogger())
	addr := "0x00000000000000000000000000000000000000aa"

	u, err := w.Track(addr, "whale")
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if _, ok := w.tracked[u.Address]; !ok {
		t.Error("tracked map not updated")
	}

	if err := w.Delete(addr); err == nil {
		t.Error("delete of active user must fail")
	}
	if err := w.Untrack(addr); err != nil {
		t.Fatalf("Untrack: %v", err)
	}
	if _, ok := w.tracked[addr]; ok {
		t.Error("untracked address still polled")
	}
	if err := w.Restore(addr); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if err := w.Untrack(addr); err != nil {
		t.Fatal(err)
	}
	if err := w.Delete(addr); err != nil {
		t.Errorf("Delete archived: %v", err)
	}
}

func addrN(i int) string {
	const hex = "0123456789abcdef"
	out := []byte("0x0000000000000000000000000000000000000000")
	out[2+39] = hex[i%16]
	out[2+38] = hex[(i/16)%16]
	return string(out)
}

func assertEventTypes(t *testing.T, ch <-chan bus.Event, want ...string) []bus.Event {
	t.Helper()
	var got []bus.Event
	for range want {
		select {
		case evt := <-ch:
			got = append(got, evt)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, got %d want %d", len(got), len(want))
		}
	}
	for i, w := range want {
		if got[i].Type != w {
			t.Fatalf("event[%d] = %q, want %q", i, got[i].Type, w)
		}
	}
	// No extras.
	select {
	case evt := <-ch:
		t.Fatalf("unexpected extra event %q", evt.Type)
	case <-time.After(50 * time.Millisecond):
	}
	return got
}
