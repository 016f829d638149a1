// Package store is the persistence layer: a single embedded sqlite file
// co-located with the executable, accessed through gorm. Schema migrations
// run at Open. All money math on persisted rows uses decimal values.
//
// Concurrency: gorm owns its connection pool; Positions use a transactional
// upsert, CopyTrades rely on the unique index on original_trade_id for
// idempotence.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/led0r/poly-copy/pkg/types"
)

const singletonKey = "default"

var (
	// ErrUserActive is returned when a permanent delete is attempted on a
	// tracked user that has not been archived first.
	ErrUserActive = errors.New("tracked user is active; archive before deleting")

	// ErrNotFound wraps gorm's record-not-found for callers outside the package.
	ErrNotFound = errors.New("record not found")

	addressRe = regexp.MustCompile(`^0x[0-9a-f]{40}$`)
)

// Store wraps the gorm handle.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the sqlite file at path and migrates the
// schema.
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&Credential{},
		&TrackedUser{},
		&CopySettings{},
		&CopyTrade{},
		&Strategy{},
		&StrategyEvent{},
		&Position{},
		&Trade{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db, logger: log.With("component", "store")}, nil
}

// OpenWithDB wraps an existing gorm handle (tests).
func OpenWithDB(db *gorm.DB, log *slog.Logger) (*Store, error) {
	s := &Store{db: db, logger: log.With("component", "store")}
	if err := db.AutoMigrate(
		&Credential{}, &TrackedUser{}, &CopySettings{}, &CopyTrade{},
		&Strategy{}, &StrategyEvent{}, &Position{}, &Trade{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("underlying db: %w", err)
	}
	return sqlDB.Close()
}

func onConflictDoNothing(cols ...string) clause.OnConflict {
	cc := make([]clause.Column, len(cols))
	for i, c := range cols {
		cc[i] = clause.Column{Name: c}
	}
	return clause.OnConflict{Columns: cc, DoNothing: true}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// ————————————————————————————————————————————————————————————————————————
// Credentials (C1)
// ————————————————————————————————————————————————————————————————————————

// GetCredentials returns the singleton credentials row, or an empty row when
// none has been saved yet.
func (s *Store) GetCredentials() (Credential, error) {
	var c Credential
	err := s.db.Where("key = ?", singletonKey).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Credential{Key: singletonKey}, nil
	}
	if err != nil {
		return Credential{}, fmt.Errorf("load credentials: %w", err)
	}
	return c, nil
}

// UpdateCredentials validates and persists the singleton row. Addresses are
// lowercased on write and must match 0x[0-9a-f]{40}; empty addresses are
// allowed (not yet configured).
func (s *Store) UpdateCredentials(c Credential) (Credential, error) {
	c.Key = singletonKey
	c.WalletAddress = strings.ToLower(strings.TrimSpace(c.WalletAddress))
	c.SignerAddress = strings.ToLower(strings.TrimSpace(c.SignerAddress))

	if c.WalletAddress != "" && !addressRe.MatchString(c.WalletAddress) {
		return Credential{}, fmt.Errorf("wallet address %q is not a valid hex address", c.WalletAddress)
	}
	if c.SignerAddress != "" && !addressRe.MatchString(c.SignerAddress) {
		return Credential{}, fmt.Errorf("signer address %q is not a valid hex address", c.SignerAddress)
	}

	if err := s.db.Save(&c).Error; err != nil {
		return Credential{}, fmt.Errorf("save credentials: %w", err)
	}
	return c, nil
}

// ToMasked renders the credentials for display: first and last 4 characters of
// each secret intact, middle bulleted; values of 8 characters or fewer are
// fully bulleted.
func (c Credential) ToMasked() MaskedCredential {
	return MaskedCredential{
		APIKey:        maskSecret(c.APIKey),
		APISecret:     maskSecret(c.APISecret),
		APIPassphrase: maskSecret(c.APIPassphrase),
		WalletAddress: c.WalletAddress,
		SignerAddress: c.SignerAddress,
		PrivateKey:    maskSecret(c.PrivateKey),
		Configured:    c.Configured(),
	}
}

func maskSecret(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 8 {
		return strings.Repeat("•", len(v))
	}
	return v[:4] + strings.Repeat("•", len(v)-8) + v[len(v)-4:]
}

// ————————————————————————————————————————————————————————————————————————
// Tracked users (C8 CRUD)
// ————————————————————————————————————————————————————————————————————————

// ListTrackedUsers returns tracked users, optionally only the active ones.
func (s *Store) ListTrackedUsers(activeOnly bool) ([]TrackedUser, error) {
	q := s.db.Order("created_at asc")
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	var users []TrackedUser
	if err := q.Find(&users).Error; err != nil {
		return nil, fmt.Errorf("list tracked users: %w", err)
	}
	return users, nil
}

// TrackUser upserts an address (lowercased) with active=true.
func (s *Store) TrackUser(address, label string) (TrackedUser, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if !addressRe.MatchString(address) {
		return TrackedUser{}, fmt.Errorf("address %q is not a valid hex address", address)
	}

	var u TrackedUser
	err := s.db.Where("address = ?", address).First(&u).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		u = TrackedUser{Address: address, Label: label, Active: true}
		if err := s.db.Create(&u).Error; err != nil {
			return TrackedUser{}, fmt.Errorf("create tracked user: %w", err)
		}
	case err != nil:
		return TrackedUser{}, fmt.Errorf("lookup tracked user: %w", err)
	default:
		u.Active = true
		if label != "" {
			u.Label = label
		}
		if err := s.db.Save(&u).Error; err != nil {
			return TrackedUser{}, fmt.Errorf("update tracked user: %w", err)
		}
	}
	return u, nil
}

// UntrackUser archives an address (active=false).
func (s *Store) UntrackUser(address string) error {
	return s.setUserActive(address, false)
}

// RestoreUser un-archives an address.
func (s *Store) RestoreUser(address string) error {
	return s.setUserActive(address, true)
}

func (s *Store) setUserActive(address string, active bool) error {
	address = strings.ToLower(strings.TrimSpace(address))
	res := s.db.Model(&TrackedUser{}).Where("address = ?", address).Update("active", active)
	if res.Error != nil {
		return fmt.Errorf("update tracked user: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser permanently removes an archived address. Active rows are refused.
func (s *Store) DeleteUser(address string) error {
	address = strings.ToLower(strings.TrimSpace(address))
	var u TrackedUser
	if err := s.db.Where("address = ?", address).First(&u).Error; err != nil {
		return notFound(err)
	}
	if u.Active {
		return ErrUserActive
	}
	if err := s.db.Delete(&u).Error; err != nil {
		return fmt.Errorf("delete tracked user: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Copy-trading settings
// ————————————————————————————————————————————————————————————————————————

// GetCopySettings returns the singleton settings row, seeding defaults when
// none exists.
func (s *Store) GetCopySettings() (CopySettings, error) {
	var cs CopySettings
	err := s.db.Where("key = ?", singletonKey).First(&cs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CopySettings{
			Key:                singletonKey,
			SizingMode:         SizingFixed,
			FixedAmount:        decimal.NewFromInt(10),
			ProportionalFactor: decimal.NewFromFloat(0.1),
			Percentage:         decimal.NewFromInt(5),
			Enabled:            false,
		}, nil
	}
	if err != nil {
		return CopySettings{}, fmt.Errorf("load copy settings: %w", err)
	}
	return cs, nil
}

// UpdateCopySettings validates and persists the singleton settings row.
func (s *Store) UpdateCopySettings(cs CopySettings) (CopySettings, error) {
	switch cs.SizingMode {
	case SizingFixed, SizingProportional, SizingPercentage:
	default:
		return CopySettings{}, fmt.Errorf("unknown sizing mode %q", cs.SizingMode)
	}
	if !cs.FixedAmount.IsPositive() {
		return CopySettings{}, fmt.Errorf("fixed_amount must be > 0")
	}
	if !cs.ProportionalFactor.IsPositive() {
		return CopySettings{}, fmt.Errorf("proportional_factor must be > 0")
	}
	if !cs.Percentage.IsPositive() || cs.Percentage.GreaterThan(decimal.NewFromInt(100)) {
		return CopySettings{}, fmt.Errorf("percentage must be in (0, 100]")
	}

	cs.Key = singletonKey
	if err := s.db.Save(&cs).Error; err != nil {
		return CopySettings{}, fmt.Errorf("save copy settings: %w", err)
	}
	return cs, nil
}

// ————————————————————————————————————————————————————————————————————————
// Copy trades (C9)
// ————————————————————————————————————————————————————————————————————————

// CopyTradeExists reports whether a row with this original trade id exists.
func (s *Store) CopyTradeExists(originalTradeID string) (bool, error) {
	var count int64
	err := s.db.Model(&CopyTrade{}).
		Where("original_trade_id = ?", originalTradeID).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count copy trades: %w", err)
	}
	return count > 0, nil
}

// InsertCopyTrade inserts a row, relying on the unique index for idempotence.
// Returns created=false when a row with the same original trade id already
// exists.
func (s *Store) InsertCopyTrade(ct *CopyTrade) (bool, error) {
	res := s.db.Clauses(onConflictDoNothing("original_trade_id")).Create(ct)
	if res.Error != nil {
		return false, fmt.Errorf("insert copy trade: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetCopyTrade fetches by id.
func (s *Store) GetCopyTrade(id uint) (CopyTrade, error) {
	var ct CopyTrade
	if err := s.db.First(&ct, id).Error; err != nil {
		return CopyTrade{}, notFound(err)
	}
	return ct, nil
}

// ListCopyTrades returns the most recent rows, newest first.
func (s *Store) ListCopyTrades(limit int) ([]CopyTrade, error) {
	var rows []CopyTrade
	if err := s.db.Order("created_at desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list copy trades: %w", err)
	}
	return rows, nil
}

// UpdateCopyTradeOutcome records the terminal state of an execution attempt.
func (s *Store) UpdateCopyTradeOutcome(id uint, status, errorMessage string) error {
	updates := map[string]any{"status": status, "error_message": errorMessage}
	if status == CopyStatusExecuted || status == CopyStatusSimulated {
		now := time.Now()
		updates["executed_at"] = &now
	}
	res := s.db.Model(&CopyTrade{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update copy trade: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCopyTrade removes a row.
func (s *Store) DeleteCopyTrade(id uint) error {
	res := s.db.Delete(&CopyTrade{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete copy trade: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Strategies & events (C10/C11)
// ————————————————————————————————————————————————————————————————————————

// CreateStrategy persists a new strategy in stopped state unless specified.
func (s *Store) CreateStrategy(st *Strategy) error {
	if st.Status == "" {
		st.Status = StrategyStopped
	}
	if err := s.db.Create(st).Error; err != nil {
		return fmt.Errorf("create strategy: %w", err)
	}
	return nil
}

// GetStrategy fetches by id.
func (s *Store) GetStrategy(id uint) (Strategy, error) {
	var st Strategy
	if err := s.db.First(&st, id).Error; err != nil {
		return Strategy{}, notFound(err)
	}
	return st, nil
}

// ListStrategies returns all strategies.
func (s *Store) ListStrategies() ([]Strategy, error) {
	var rows []Strategy
	if err := s.db.Order("id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	return rows, nil
}

// RunningStrategies returns strategies whose persisted intent is "running";
// used by the engine to auto-start after a restart.
func (s *Store) RunningStrategies() ([]Strategy, error) {
	var rows []Strategy
	if err := s.db.Where("status = ?", StrategyRunning).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list running strategies: %w", err)
	}
	return rows, nil
}

// UpdateStrategy saves name/config/paper-mode edits.
func (s *Store) UpdateStrategy(st Strategy) error {
	if err := s.db.Save(&st).Error; err != nil {
		return fmt.Errorf("update strategy: %w", err)
	}
	return nil
}

// UpdateStrategyStatus persists the lifecycle intent.
func (s *Store) UpdateStrategyStatus(id uint, status string) error {
	res := s.db.Model(&Strategy{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("update strategy status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteStrategy removes the strategy and its dependents.
func (s *Store) DeleteStrategy(id uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("strategy_id = ?", id).Delete(&StrategyEvent{}).Error; err != nil {
			return err
		}
		if err := tx.Where("strategy_id = ?", id).Delete(&Position{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&Strategy{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// AppendStrategyEvent writes one row to the append-only event log.
func (s *Store) AppendStrategyEvent(strategyID uint, eventType, message string, metadata map[string]any) error {
	meta := ""
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
		meta = string(b)
	}
	evt := StrategyEvent{StrategyID: strategyID, Type: eventType, Message: message, Metadata: meta}
	if err := s.db.Create(&evt).Error; err != nil {
		return fmt.Errorf("append strategy event: %w", err)
	}
	return nil
}

// ListStrategyEvents returns the newest events for a strategy.
func (s *Store) ListStrategyEvents(strategyID uint, limit int) ([]StrategyEvent, error) {
	var rows []StrategyEvent
	err := s.db.Where("strategy_id = ?", strategyID).
		Order("id desc").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list strategy events: %w", err)
	}
	return rows, nil
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// GetPosition fetches one (strategy, token) position.
func (s *Store) GetPosition(strategyID uint, tokenID string) (Position, error) {
	var p Position
	err := s.db.Where("strategy_id = ? AND token_id = ?", strategyID, tokenID).First(&p).Error
	if err != nil {
		return Position{}, notFound(err)
	}
	return p, nil
}

// ListPositions returns all positions of a strategy.
func (s *Store) ListPositions(strategyID uint) ([]Position, error) {
	var rows []Position
	if err := s.db.Where("strategy_id = ?", strategyID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	return rows, nil
}

// ApplyFill updates the position for a fill inside one transaction.
//
// BUY:  size grows, avg price is size-weighted over buys.
// SELL: size shrinks, avg price unchanged.
//
// A fresh position takes side YES for a BUY and NO for a SELL.
func (s *Store) ApplyFill(strategyID uint, tokenID string, side types.Side, size, price decimal.Decimal) (Position, error) {
	var out Position
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var p Position
		err := tx.Where("strategy_id = ? AND token_id = ?", strategyID, tokenID).First(&p).Error
		fresh := errors.Is(err, gorm.ErrRecordNotFound)
		if err != nil && !fresh {
			return err
		}

		if fresh {
			p = Position{
				StrategyID: strategyID,
				TokenID:    tokenID,
				Size:       decimal.Zero,
				AvgPrice:   decimal.Zero,
			}
			if side == types.BUY {
				p.Side = "YES"
			} else {
				p.Side = "NO"
			}
		}

		switch side {
		case types.BUY:
			newSize := p.Size.Add(size)
			if newSize.IsPositive() {
				cost := p.Size.Mul(p.AvgPrice).Add(size.Mul(price))
				p.AvgPrice = cost.Div(newSize)
			}
			p.Size = newSize
		case types.SELL:
			p.Size = p.Size.Sub(size)
			if p.Size.IsNegative() {
				p.Size = decimal.Zero
			}
		}
		p.CurrentPrice = price

		if err := tx.Save(&p).Error; err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return Position{}, fmt.Errorf("apply fill: %w", err)
	}
	return out, nil
}

// UpdatePositionPrice refreshes the mark price only.
func (s *Store) UpdatePositionPrice(strategyID uint, tokenID string, price decimal.Decimal) error {
	return s.db.Model(&Position{}).
		Where("strategy_id = ? AND token_id = ?", strategyID, tokenID).
		Update("current_price", price).Error
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// InsertTrade persists a strategy trade row.
func (s *Store) InsertTrade(t *Trade) error {
	if t.Type == "" {
		t.Type = "strategy"
	}
	if err := s.db.Create(t).Error; err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// UpdateTradeStatus transitions a trade, optionally attaching the venue order id.
func (s *Store) UpdateTradeStatus(id uint, status, orderID string) error {
	updates := map[string]any{"status": status}
	if orderID != "" {
		updates["order_id"] = orderID
	}
	res := s.db.Model(&Trade{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update trade: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTrades returns the newest trades.
func (s *Store) ListTrades(limit int) ([]Trade, error) {
	var rows []Trade
	if err := s.db.Order("id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	return rows, nil
}
