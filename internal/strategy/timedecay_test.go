package strategy

import (
	"testing"
	"time"

	"github.com/led0r/poly-copy/pkg/types"
)

func point(bid, ask float64) types.PricePoint {
	p := types.PricePoint{UpdatedAt: time.Now()}
	if bid > 0 {
		p.BestBid = types.DecPtr(bid)
	}
	if ask > 0 {
		p.BestAsk = types.DecPtr(ask)
	}
	return p
}

func btcInfo(tokenID, opposite string, endIn time.Duration) types.MarketInfo {
	return types.MarketInfo{
		TokenID:         tokenID,
		Question:        "Will Bitcoin close above 100k?",
		EventTitle:      "Bitcoin daily",
		ConditionID:     "cond-1",
		Outcome:         "Yes",
		OppositeTokenID: opposite,
		EndDate:         time.Now().Add(endIn),
	}
}

func newModule(t *testing.T, cfg string) *TimeDecay {
	t.Helper()
	td, err := NewTimeDecay(cfg)
	if err != nil {
		t.Fatalf("NewTimeDecay: %v", err)
	}
	return td
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	td := newModule(t, "")

	cfg := td.Config()
	if cfg.SignalThreshold != 0.95 {
		t.Errorf("threshold = %v, want 0.95", cfg.SignalThreshold)
	}
	if cfg.CooldownSeconds != 200 {
		t.Errorf("cooldown = %v, want 200", cfg.CooldownSeconds)
	}
	if cfg.OrderSize != 10 {
		t.Errorf("order size = %v, want 10", cfg.OrderSize)
	}
	if len(cfg.Intervals) == 0 {
		t.Error("intervals default missing")
	}
	if cfg.MinMinutes == 0 {
		t.Error("resolution window default not merged from intervals")
	}
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	bad := []string{
		`{"signal_threshold":1.5}`,
		`{"order_size":-1}`,
		`{"use_limit_order":true,"limit_price":0}`,
		`{"intervals":["1d"]}`,
	}
	for _, cfg := range bad {
		if _, err := NewTimeDecay(cfg); err == nil {
			t.Errorf("config %s accepted", cfg)
		}
	}
}

func TestSignalFiresAboveThreshold(t *testing.T) {
	t.Parallel()
	td := newModule(t, `{"crypto_only":true}`)

	update := types.OrderUpdate{Kind: "price_change", AssetID: "T"}
	info := btcInfo("T", "O", 10*time.Minute)

	signals := td.HandleOrder(update, info, point(0.95, 0.97), time.Now())
	if len(signals) != 1 {
		t.Fatalf("signals = %d, want 1", len(signals))
	}

	sig := signals[0]
	if sig.Action != types.BUY || sig.TokenID != "T" {
		t.Errorf("signal = %+v", sig)
	}
	if sig.Price.String() != "0.97" {
		t.Errorf("buy price = %s, want best ask 0.97", sig.Price)
	}
	// shares = 10 / 0.97
	if sig.Size.LessThan(types.Dec(10.3)) || sig.Size.GreaterThan(types.Dec(10.4)) {
		t.Errorf("size = %s, want ~10.309", sig.Size)
	}
}

func TestNoSignalBelowThreshold(t *testing.T) {
	t.Parallel()
	td := newModule(t, "")

	signals := td.HandleOrder(types.OrderUpdate{AssetID: "T"},
		btcInfo("T", "O", 10*time.Minute), point(0.90, 0.94), time.Now())
	if len(signals) != 0 {
		t.Errorf("mid 0.92 fired a signal")
	}
}

func TestSafetyGates(t *testing.T) {
	t.Parallel()
	td := newModule(t, "")
	info := btcInfo("T", "O", 10*time.Minute)

	// Unknown price.
	if sigs := td.HandleOrder(types.OrderUpdate{AssetID: "T"}, info, types.PricePoint{}, time.Now()); len(sigs) != 0 {
		t.Error("signal with no prices")
	}
	// Collapsed book: mid below the floor.
	if sigs := td.HandleOrder(types.OrderUpdate{AssetID: "T"}, info, point(0.01, 0.03), time.Now()); len(sigs) != 0 {
		t.Error("signal below safety floor")
	}
	// Ask below the floor even when mid looks fine.
	p := point(0.96, 0.04)
	if sigs := td.HandleOrder(types.OrderUpdate{AssetID: "T"}, info, p, time.Now()); len(sigs) != 0 {
		t.Error("signal with collapsed ask")
	}
}

func TestCryptoOnlyFilter(t *testing.T) {
	t.Parallel()
	td := newModule(t, `{"crypto_only":true}`)

	info := btcInfo("T", "O", 10*time.Minute)
	info.Question = "Will it rain in London?"
	info.EventTitle = "Weather"

	if sigs := td.HandleOrder(types.OrderUpdate{AssetID: "T"}, info, point(0.95, 0.97), time.Now()); len(sigs) != 0 {
		t.Error("non-crypto market fired with crypto_only")
	}
}

func TestResolutionWindowFilter(t *testing.T) {
	t.Parallel()
	td := newModule(t, `{"intervals":["15m"]}`)

	// Too far out for the 15m window.
	info := btcInfo("T", "O", 3*time.Hour)
	if sigs := td.HandleOrder(types.OrderUpdate{AssetID: "T"}, info, point(0.95, 0.97), time.Now()); len(sigs) != 0 {
		t.Error("distant market fired inside 15m window")
	}

	// Already past resolution.
	info = btcInfo("T", "O", -time.Minute)
	if sigs := td.HandleOrder(types.OrderUpdate{AssetID: "T"}, info, point(0.95, 0.97), time.Now()); len(sigs) != 0 {
		t.Error("resolved market fired")
	}
}

func TestMinimumOrderGates(t *testing.T) {
	t.Parallel()

	// $2 at 0.97 is ~2 shares: below the venue minimum of 5.
	td := newModule(t, `{"order_size":2}`)
	if sigs := td.HandleOrder(types.OrderUpdate{AssetID: "T"},
		btcInfo("T", "O", 10*time.Minute), point(0.95, 0.97), time.Now()); len(sigs) != 0 {
		t.Error("sub-minimum share count fired")
	}

	// Estimated profit (1-0.97)·10.3 ≈ $0.31 below a $1 floor.
	td = newModule(t, `{"min_profit":1}`)
	if sigs := td.HandleOrder(types.OrderUpdate{AssetID: "T"},
		btcInfo("T", "O", 10*time.Minute), point(0.95, 0.97), time.Now()); len(sigs) != 0 {
		t.Error("insufficient profit fired")
	}
}

func TestLimitOrderPriceOverridesAsk(t *testing.T) {
	t.Parallel()
	td := newModule(t, `{"use_limit_order":true,"limit_price":0.96}`)

	sigs := td.HandleOrder(types.OrderUpdate{AssetID: "T"},
		btcInfo("T", "O", 10*time.Minute), point(0.95, 0.99), time.Now())
	if len(sigs) != 1 {
		t.Fatalf("signals = %d, want 1", len(sigs))
	}
	if sigs[0].Price.String() != "0.96" {
		t.Errorf("price = %s, want limit 0.96", sigs[0].Price)
	}
}

// Boundary: a BUY on token T cools down both T and its opposite O; neither
// re-fires until the window lapses, then O may fire (T stays blocked by the
// placed-orders guard).
func TestCooldownCoversPair(t *testing.T) {
	t.Parallel()
	td := newModule(t, `{"cooldown_seconds":200}`)

	now := time.Now()
	infoT := btcInfo("T", "O", 45*time.Minute)
	infoO := btcInfo("O", "T", 45*time.Minute)
	infoO.Outcome = "No"

	if sigs := td.HandleOrder(types.OrderUpdate{AssetID: "T"}, infoT, point(0.95, 0.97), now); len(sigs) != 1 {
		t.Fatal("setup signal did not fire")
	}

	// 10 s later the opposite crosses the threshold: still cooling down.
	later := now.Add(10 * time.Second)
	if sigs := td.HandleOrder(types.OrderUpdate{AssetID: "O"}, infoO, point(0.96, 0.98), later); len(sigs) != 0 {
		t.Error("opposite token fired inside the cooldown window")
	}
	// And T itself is equally blocked.
	if sigs := td.HandleOrder(types.OrderUpdate{AssetID: "T"}, infoT, point(0.96, 0.98), later); len(sigs) != 0 {
		t.Error("token re-fired inside the cooldown window")
	}

	// Past the window: tick expiry, then O may fire.
	expired := now.Add(201 * time.Second)
	td.HandleTick(expired)
	if sigs := td.HandleOrder(types.OrderUpdate{AssetID: "O"}, infoO, point(0.96, 0.98), expired); len(sigs) != 1 {
		t.Error("opposite token blocked after cooldown lapsed")
	}

	// T remains guarded by placedOrders even with the cooldown gone.
	if sigs := td.HandleOrder(types.OrderUpdate{AssetID: "T"}, infoT, point(0.96, 0.98), expired); len(sigs) != 0 {
		t.Error("placed-orders guard did not hold after cooldown expiry")
	}
}
