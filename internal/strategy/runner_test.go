package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/led0r/poly-copy/internal/bus"
	"github.com/led0r/poly-copy/internal/metadata"
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

type emptyCreds struct{}

func (emptyCreds) Credentials() (venue.Credentials, error) {
	return venue.Credentials{APIKey: "k"}, nil
}

// newTestDeps stands up deps against a gamma server that discovers nothing
// and a CLOB host that accepts nothing (paper tests never reach it).
func newTestDeps(t *testing.T) (Deps, *store.Store, *bus.Bus) {
	t.Helper()

	gamma := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	t.Cleanup(gamma.Close)

	st := newTestStore(t)
	b := bus.New(testLogger())
	rl := venue.NewRateLimiter(testLogger())
	auth := venue.NewAuth(emptyCreds{}, testLogger())
	client := venue.NewClient(gamma.URL, gamma.URL, auth, rl, testLogger())
	fetcher := metadata.NewFetcher(gamma.URL, gamma.URL, rl, metadata.NewCache(testLogger()), testLogger())
	feed := venue.NewFeed("ws://unused", b, nil, testLogger())

	return Deps{
		Store:   st,
		Feed:    feed,
		Client:  client,
		Signer:  venue.NewOrderSigner(emptyCreds{}, testLogger()),
		Fetcher: fetcher,
		Creds:   emptyCreds{},
		Bus:     b,
		Logger:  testLogger(),
	}, st, b
}

func createStrategy(t *testing.T, st *store.Store, paper bool) store.Strategy {
	t.Helper()
	row := store.Strategy{Name: "decay", Type: StrategyTypeTimeDecay, Config: "{}", PaperMode: paper}
	if err := st.CreateStrategy(&row); err != nil {
		t.Fatal(err)
	}
	return row
}

func TestNewRunnerRejectsUnknownType(t *testing.T) {
	t.Parallel()
	deps, st, _ := newTestDeps(t)

	row := store.Strategy{Name: "x", Type: "martingale"}
	if err := st.CreateStrategy(&row); err != nil {
		t.Fatal(err)
	}
	if _, err := NewRunner(row, deps); err == nil {
		t.Error("unknown strategy type accepted")
	}
}

// Boundary: paper-mode execution writes the trade, fills it immediately,
// updates the position, and broadcasts a paper_order.
func TestExecuteSignalPaperMode(t *testing.T) {
	t.Parallel()
	deps, st, b := newTestDeps(t)
	row := createStrategy(t, st, true)

	runner, err := NewRunner(row, deps)
	if err != nil {
		t.Fatal(err)
	}
	runner.discovered["T"] = types.MarketInfo{
		TokenID: "T", ConditionID: "cond-1", Question: "BTC up?", Outcome: "Yes",
	}

	events, cancel := b.Subscribe(StrategyTopic(row.ID))
	defer cancel()

	runner.executeSignal(context.Background(), types.Signal{
		Action: types.BUY, TokenID: "T",
		Price: decimal.NewFromFloat(0.96), Size: decimal.NewFromFloat(10.4),
		Reason: "test signal",
	})

	trades, err := st.ListTrades(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	if trades[0].Status != store.TradeStatusFilled {
		t.Errorf("status = %q, want filled", trades[0].Status)
	}

	pos, err := st.GetPosition(row.ID, "T")
	if err != nil {
		t.Fatalf("position missing: %v", err)
	}
	if !pos.Size.Equal(decimal.NewFromFloat(10.4)) {
		t.Errorf("position size = %s, want 10.4", pos.Size)
	}
	if pos.Side != "YES" {
		t.Errorf("position side = %q, want YES", pos.Side)
	}

	sawPaperOrder := false
	deadline := time.After(time.Second)
	for !sawPaperOrder {
		select {
		case evt := <-events:
			if evt.Type == "paper_order" {
				sawPaperOrder = true
			}
		case <-deadline:
			t.Fatal("no paper_order broadcast")
		}
	}
}

// Boundary: a live SELL requiring more inventory than held is skipped with a
// warning, and no Trade row is created.
func TestExecuteSignalSellWithoutPosition(t *testing.T) {
	t.Parallel()
	deps, st, _ := newTestDeps(t)
	row := createStrategy(t, st, false)

	// Hold 3 shares.
	if _, err := st.ApplyFill(row.ID, "T", types.BUY, decimal.NewFromInt(3), decimal.NewFromFloat(0.5)); err != nil {
		t.Fatal(err)
	}

	runner, err := NewRunner(row, deps)
	if err != nil {
		t.Fatal(err)
	}
	runner.discovered["T"] = types.MarketInfo{TokenID: "T", ConditionID: "cond-1"}

	runner.executeSignal(context.Background(), types.Signal{
		Action: types.SELL, TokenID: "T",
		Price: decimal.NewFromFloat(0.9), Size: decimal.NewFromInt(7),
		RequiresPosition: true, Reason: "exit",
	})

	trades, _ := st.ListTrades(5)
	if len(trades) != 0 {
		t.Errorf("trades = %d, want 0 (sell skipped)", len(trades))
	}

	events, err := st.ListStrategyEvents(row.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	sawWarning := false
	for _, evt := range events {
		if evt.Type == store.EventWarning {
			sawWarning = true
		}
	}
	if !sawWarning {
		t.Error("no warning event for skipped sell")
	}

	if pos, _ := st.GetPosition(row.ID, "T"); !pos.Size.Equal(decimal.NewFromInt(3)) {
		t.Errorf("position changed: %s", pos.Size)
	}
}

// Discovery delta law: after a cycle yielding D', discovered = D' ∪ targets;
// subscriptions sent to the feed equal the additions, removals leave the
// desired set.
func TestRunDiscoveryDelta(t *testing.T) {
	t.Parallel()
	deps, st, _ := newTestDeps(t)

	payload := `[]`
	gamma := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, payload)
	}))
	t.Cleanup(gamma.Close)
	deps.Fetcher = metadata.NewFetcher(gamma.URL, gamma.URL,
		venue.NewRateLimiter(testLogger()), metadata.NewCache(testLogger()), testLogger())

	row := createStrategy(t, st, true)
	runner, err := NewRunner(row, deps)
	if err != nil {
		t.Fatal(err)
	}

	end := time.Now().Add(10 * time.Minute).UTC().Format(time.RFC3339)
	payload = fmt.Sprintf(`[{"id":"ev1","title":"Bitcoin hourly","slug":"btc-h","endDate":"%s",
		"markets":[{"question":"BTC up?","conditionId":"c1","enableOrderBook":true,"endDate":"%s",
		"clobTokenIds":["A","B"],"outcomes":["Yes","No"],"outcomePrices":["0.6","0.4"]}]}]`, end, end)

	runner.runDiscovery(context.Background())

	if len(runner.discovered) != 2 {
		t.Fatalf("discovered = %d, want 2", len(runner.discovered))
	}
	subscribed := deps.Feed.SubscribedMarkets()
	if len(subscribed) != 2 {
		t.Errorf("feed subscriptions = %v, want A and B", subscribed)
	}

	// Next cycle the market is gone.
	payload = `[]`
	runner.runDiscovery(context.Background())

	if len(runner.discovered) != 0 {
		t.Errorf("discovered after removal = %d, want 0", len(runner.discovered))
	}
	if left := deps.Feed.SubscribedMarkets(); len(left) != 0 {
		t.Errorf("feed subscriptions after removal = %v, want none", left)
	}
}

func TestHandleOrderUpdateDropsUndiscoveredTokens(t *testing.T) {
	t.Parallel()
	deps, st, _ := newTestDeps(t)
	row := createStrategy(t, st, true)
	runner, err := NewRunner(row, deps)
	if err != nil {
		t.Fatal(err)
	}

	runner.handleOrderUpdate(context.Background(), types.OrderUpdate{
		Kind: "price_change", AssetID: "unknown",
		BestBid: types.DecPtr(0.4), BestAsk: types.DecPtr(0.6),
	})

	if len(runner.tokenPrices) != 0 {
		t.Errorf("undiscovered token cached a price: %v", runner.tokenPrices)
	}
}

func TestEngineRegistryAuthority(t *testing.T) {
	t.Parallel()
	deps, st, _ := newTestDeps(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine := NewEngine(ctx, deps)

	row := createStrategy(t, st, true)

	if engine.IsRunning(row.ID) {
		t.Fatal("fresh engine reports running")
	}
	if err := engine.StartStrategy(row.ID); err != nil {
		t.Fatalf("StartStrategy: %v", err)
	}
	if !engine.IsRunning(row.ID) {
		t.Error("registry does not report live runner")
	}
	if err := engine.StartStrategy(row.ID); err != ErrAlreadyRunning {
		t.Errorf("second start = %v, want ErrAlreadyRunning", err)
	}

	if err := engine.StopStrategy(row.ID); err != nil {
		t.Fatalf("StopStrategy: %v", err)
	}
	if engine.IsRunning(row.ID) {
		t.Error("registry reports stopped runner as live")
	}

	// Normal termination persists stopped.
	got, err := st.GetStrategy(row.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StrategyStopped {
		t.Errorf("persisted status = %q, want stopped", got.Status)
	}
}

func TestEngineStartUnknownTypePersistsError(t *testing.T) {
	t.Parallel()
	deps, st, _ := newTestDeps(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine := NewEngine(ctx, deps)

	row := store.Strategy{Name: "x", Type: "martingale"}
	if err := st.CreateStrategy(&row); err != nil {
		t.Fatal(err)
	}

	if err := engine.StartStrategy(row.ID); err == nil {
		t.Fatal("expected init failure")
	}
	got, _ := st.GetStrategy(row.ID)
	if got.Status != store.StrategyError {
		t.Errorf("persisted status = %q, want error", got.Status)
	}
	if engine.IsRunning(row.ID) {
		t.Error("failed init registered a runner")
	}
}

// panicTickModule blows up on its first tick; instances built after the
// first run clean, modelling a transient crash.
type panicTickModule struct {
	armed bool
}

var panicTickArmed atomic.Bool

func init() {
	moduleFactories["panic_tick"] = func(string) (Module, error) {
		return &panicTickModule{armed: panicTickArmed.CompareAndSwap(false, true)}, nil
	}
}

func (m *panicTickModule) Name() string         { return "panic_tick" }
func (m *panicTickModule) ValidateConfig() error { return nil }

func (m *panicTickModule) HandleOrder(types.OrderUpdate, types.MarketInfo, types.PricePoint, time.Time) []types.Signal {
	return nil
}

func (m *panicTickModule) HandleTick(time.Time) []types.Signal {
	if m.armed {
		m.armed = false
		panic("tick exploded")
	}
	return nil
}

// A Runner panic is caught by the supervisor, persisted as status=error with
// an event, and the Runner is relaunched: the strategy stays registered and
// comes back to running.
func TestEngineRestartsRunnerAfterPanic(t *testing.T) {
	t.Parallel()
	deps, st, _ := newTestDeps(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine := NewEngine(ctx, deps)

	row := store.Strategy{Name: "crashy", Type: "panic_tick", Config: "{}", PaperMode: true}
	if err := st.CreateStrategy(&row); err != nil {
		t.Fatal(err)
	}
	if err := engine.StartStrategy(row.ID); err != nil {
		t.Fatalf("StartStrategy: %v", err)
	}

	// The first tick panics; wait for the crash event and the relaunch.
	deadline := time.Now().Add(20 * time.Second)
	for {
		crashed := false
		events, err := st.ListStrategyEvents(row.ID, 50)
		if err != nil {
			t.Fatal(err)
		}
		for _, evt := range events {
			if evt.Type == store.EventError && strings.Contains(evt.Message, "crashed") {
				crashed = true
			}
		}
		current, err := st.GetStrategy(row.ID)
		if err != nil {
			t.Fatal(err)
		}

		if crashed && engine.IsRunning(row.ID) && current.Status == store.StrategyRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("runner not restarted: crashed=%v running=%v status=%q",
				crashed, engine.IsRunning(row.ID), current.Status)
		}
		time.Sleep(100 * time.Millisecond)
	}

	engine.StopAll()
}

func TestEngineAutoStart(t *testing.T) {
	t.Parallel()
	deps, st, _ := newTestDeps(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine := NewEngine(ctx, deps)

	running := createStrategy(t, st, true)
	if err := st.UpdateStrategyStatus(running.ID, store.StrategyRunning); err != nil {
		t.Fatal(err)
	}
	stopped := createStrategy(t, st, true)

	engine.AutoStart()

	if !engine.IsRunning(running.ID) {
		t.Error("persisted-running strategy not auto-started")
	}
	if engine.IsRunning(stopped.ID) {
		t.Error("stopped strategy auto-started")
	}
	engine.StopAll()
}
