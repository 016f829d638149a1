// executor.go mirrors tracked trades from the operator's account.
//
// The executor subscribes to new_trade events, sizes the copy per the stored
// settings, clamps the price to the venue tick grid, signs, submits, and
// persists the outcome as a CopyTrade row. The unique index on
// original_trade_id is the anti-duplication gate: a trade id that has been
// copied (or attempted) once is never copied again, no matter how often the
// watcher republishes it.
package copytrade

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/led0r/poly-copy/internal/bus"
	"github.com/led0r/poly-copy/internal/metadata"
	"github.com/led0r/poly-copy/internal/store"
	"github.com/led0r/poly-copy/internal/venue"
	"github.com/led0r/poly-copy/pkg/types"
)

// defaultBalance is the notional basis used for percentage sizing when the
// venue balance endpoint is unavailable.
var defaultBalance = decimal.NewFromInt(100)

// minShares is the venue's minimum order size.
var minShares = decimal.NewFromInt(5)

// Executor consumes new_trade events and places the mirroring orders.
type Executor struct {
	store   *store.Store
	client  *venue.Client
	signer  *venue.OrderSigner
	fetcher *metadata.Fetcher
	creds   venue.CredentialSource
	bus     *bus.Bus
	logger  *slog.Logger
}

// NewExecutor wires the executor.
func NewExecutor(st *store.Store, client *venue.Client, signer *venue.OrderSigner,
	fetcher *metadata.Fetcher, creds venue.CredentialSource, eventBus *bus.Bus, logger *slog.Logger) *Executor {
	return &Executor{
		store:   st,
		client:  client,
		signer:  signer,
		fetcher: fetcher,
		creds:   creds,
		bus:     eventBus,
		logger:  logger.With("component", "copy_executor"),
	}
}

// Run subscribes to the copy_trading topic and processes new_trade events in
// arrival order. Blocks until ctx is done.
func (e *Executor) Run(ctx context.Context) {
	events, cancel := e.bus.Subscribe(TopicCopyTrading)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Type != "new_trade" {
				continue
			}
			nte, ok := evt.Payload.(NewTradeEvent)
			if !ok {
				continue
			}
			if _, err := e.HandleTrade(ctx, nte.Trade, false); err != nil {
				e.logger.Error("copy trade failed", "trade", nte.Trade.ID, "error", err)
			}
		}
	}
}

// HandleTrade copies one observed trade. force bypasses the enabled flag
// (manual copy path); the duplicate gate always applies. A nil CopyTrade with
// nil error means the trade was skipped.
func (e *Executor) HandleTrade(ctx context.Context, trade types.WatchedTrade, force bool) (*store.CopyTrade, error) {
	settings, err := e.store.GetCopySettings()
	if err != nil {
		return nil, err
	}
	if !settings.Enabled && !force {
		return nil, nil
	}

	exists, err := e.store.CopyTradeExists(trade.ID)
	if err != nil {
		return nil, err
	}
	if exists {
		e.logger.Debug("trade already copied, skipping", "trade", trade.ID)
		return nil, nil
	}

	price := venue.ClampToTick(trade.Price)
	shares, err := e.copySize(ctx, settings, trade, price)
	if err != nil {
		return nil, err
	}

	ct := &store.CopyTrade{
		SourceAddress:   trade.Address,
		OriginalTradeID: trade.ID,
		Market:          trade.Market,
		AssetID:         trade.AssetID,
		Side:            string(trade.Side),
		OriginalSize:    trade.Size,
		OriginalPrice:   trade.Price,
		CopySize:        shares,
		Title:           trade.Title,
		Outcome:         trade.Outcome,
		EventSlug:       trade.EventSlug,
	}

	if execErr := e.placeOrder(ctx, trade.AssetID, trade.Side, price, shares); execErr != nil {
		ct.Status = store.CopyStatusFailed
		ct.ErrorMessage = execErr.Error()
	} else {
		ct.Status = store.CopyStatusExecuted
	}

	created, err := e.store.InsertCopyTrade(ct)
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost a race on the unique index; the other insert won.
		e.logger.Debug("duplicate copy trade suppressed by index", "trade", trade.ID)
		return nil, nil
	}
	if ct.Status == store.CopyStatusExecuted {
		if err := e.store.UpdateCopyTradeOutcome(ct.ID, ct.Status, ""); err != nil {
			e.logger.Warn("stamp executed_at failed", "id", ct.ID, "error", err)
		}
	}

	e.bus.Publish(TopicCopyTrading, "copy_trade_executed", *ct)
	e.logger.Info("copy trade recorded",
		"trade", trade.ID, "status", ct.Status, "size", shares.String(), "price", price.String())
	return ct, nil
}

// copySize derives the share count from the configured sizing mode, clamping
// up to the venue minimum of 5 shares.
func (e *Executor) copySize(ctx context.Context, settings store.CopySettings, trade types.WatchedTrade, price decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive copy price %s", price)
	}

	var dollars decimal.Decimal
	switch settings.SizingMode {
	case store.SizingFixed:
		dollars = settings.FixedAmount
	case store.SizingProportional:
		dollars = trade.Size.Mul(price).Mul(settings.ProportionalFactor)
	case store.SizingPercentage:
		balance, err := e.client.GetBalance(ctx)
		if err != nil {
			e.logger.Warn("balance unavailable, using default basis",
				"default", defaultBalance.String(), "error", err)
			balance = defaultBalance
		}
		dollars = balance.Mul(settings.Percentage).Div(decimal.NewFromInt(100))
	default:
		return decimal.Zero, fmt.Errorf("unknown sizing mode %q", settings.SizingMode)
	}

	shares := dollars.Div(price)
	if shares.LessThan(minShares) {
		shares = minShares
	}
	return shares, nil
}

// placeOrder signs and submits one order. Market metadata must resolve so the
// neg-risk flag is known; otherwise the order is rejected.
func (e *Executor) placeOrder(ctx context.Context, tokenID string, side types.Side, price, shares decimal.Decimal) error {
	info, err := e.fetcher.TokenInfo(ctx, tokenID)
	if err != nil {
		return fmt.Errorf("%w: %v", venue.ErrMarketConfigurationUnavailable, err)
	}

	signed, err := e.signer.SignOrder(venue.OrderArgs{
		TokenID: tokenID,
		Price:   price,
		Size:    shares,
		Side:    side,
		NegRisk: info.NegRisk,
	})
	if err != nil {
		return err
	}

	creds, err := e.creds.Credentials()
	if err != nil {
		return err
	}

	_, err = e.client.PostOrder(ctx, types.OrderPayload{
		Order:     *signed,
		Owner:     creds.APIKey,
		OrderType: types.OrderTypeFAK,
	})
	return err
}

// Retry re-runs a stored copy trade using its persisted asset id, side, copy
// size, and original price. Status transitions failed → executed | failed.
func (e *Executor) Retry(ctx context.Context, id uint) (store.CopyTrade, error) {
	ct, err := e.store.GetCopyTrade(id)
	if err != nil {
		return store.CopyTrade{}, err
	}

	price := venue.ClampToTick(ct.OriginalPrice)
	status := store.CopyStatusExecuted
	errMsg := ""
	if execErr := e.placeOrder(ctx, ct.AssetID, types.Side(ct.Side), price, ct.CopySize); execErr != nil {
		status = store.CopyStatusFailed
		errMsg = execErr.Error()
	}

	if err := e.store.UpdateCopyTradeOutcome(ct.ID, status, errMsg); err != nil {
		return store.CopyTrade{}, err
	}
	ct, err = e.store.GetCopyTrade(id)
	if err != nil {
		return store.CopyTrade{}, err
	}

	e.bus.Publish(TopicCopyTrading, "copy_trade_executed", ct)
	return ct, nil
}

// Delete removes a stored copy trade row.
func (e *Executor) Delete(id uint) error {
	return e.store.DeleteCopyTrade(id)
}
