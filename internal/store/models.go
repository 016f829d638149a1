package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status values for CopyTrade rows.
const (
	CopyStatusPending   = "pending"
	CopyStatusExecuted  = "executed"
	CopyStatusSimulated = "simulated"
	CopyStatusFailed    = "failed"
)

// Sizing modes for copy trading.
const (
	SizingFixed        = "fixed"
	SizingProportional = "proportional"
	SizingPercentage   = "percentage"
)

// Status values for Strategy rows. The persisted status records the last
// intent; the engine registry is the source of truth for liveness.
const (
	StrategyStopped = "stopped"
	StrategyRunning = "running"
	StrategyPaused  = "paused"
	StrategyError   = "error"
)

// StrategyEvent types.
const (
	EventInfo    = "info"
	EventSignal  = "signal"
	EventTrade   = "trade"
	EventError   = "error"
	EventWarning = "warning"
)

// Status values for Trade rows.
const (
	TradeStatusPending   = "pending"
	TradeStatusSubmitted = "submitted"
	TradeStatusFilled    = "filled"
	TradeStatusFailed    = "failed"
	TradeStatusSimulated = "simulated"
)

// Credential is the singleton credentials row, keyed by the literal "default".
// Secrets are stored as-is; ToMasked renders them for display.
type Credential struct {
	Key           string `gorm:"primaryKey" json:"-"`
	APIKey        string `json:"api_key"`
	APISecret     string `json:"api_secret"`
	APIPassphrase string `json:"api_passphrase"`
	WalletAddress string `json:"wallet_address"`
	SignerAddress string `json:"signer_address"`
	PrivateKey    string `json:"private_key"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Configured reports whether enough is present to trade: api key triplet,
// wallet address, and private key.
func (c Credential) Configured() bool {
	return c.APIKey != "" && c.APISecret != "" && c.APIPassphrase != "" &&
		c.WalletAddress != "" && c.PrivateKey != ""
}

// MaskedCredential is the display shape of the credentials row.
type MaskedCredential struct {
	APIKey        string `json:"api_key"`
	APISecret     string `json:"api_secret"`
	APIPassphrase string `json:"api_passphrase"`
	WalletAddress string `json:"wallet_address"`
	SignerAddress string `json:"signer_address"`
	PrivateKey    string `json:"private_key"`
	Configured    bool   `json:"configured"`
}

// TrackedUser is a public wallet the watcher polls. Archived = Active false;
// permanent delete is only allowed while archived.
type TrackedUser struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Address   string `gorm:"uniqueIndex;not null" json:"address"`
	Label     string `json:"label"`
	Active    bool   `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CopySettings is the singleton copy-trading configuration row.
type CopySettings struct {
	Key                string          `gorm:"primaryKey" json:"-"`
	SizingMode         string          `json:"sizing_mode"`
	FixedAmount        decimal.Decimal `gorm:"type:numeric" json:"fixed_amount"`
	ProportionalFactor decimal.Decimal `gorm:"type:numeric" json:"proportional_factor"`
	Percentage         decimal.Decimal `gorm:"type:numeric" json:"percentage"`
	Enabled            bool            `json:"enabled"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// CopyTrade records one attempt to mirror a tracked trade. The unique index on
// OriginalTradeID is the anti-duplication invariant: no two rows share one.
type CopyTrade struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	SourceAddress   string          `gorm:"index" json:"source_address"`
	OriginalTradeID string          `gorm:"uniqueIndex;not null" json:"original_trade_id"`
	Market          string          `json:"market"`
	AssetID         string          `json:"asset_id"`
	Side            string          `json:"side"`
	OriginalSize    decimal.Decimal `gorm:"type:numeric" json:"original_size"`
	OriginalPrice   decimal.Decimal `gorm:"type:numeric" json:"original_price"`
	CopySize        decimal.Decimal `gorm:"type:numeric" json:"copy_size"`
	Status          string          `gorm:"index" json:"status"`
	ExecutedAt      *time.Time      `json:"executed_at,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Title           string          `json:"title"`
	Outcome         string          `json:"outcome"`
	EventSlug       string          `json:"event_slug"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Strategy is a configured algorithmic strategy.
type Strategy struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	Type      string    `gorm:"not null" json:"type"`
	Config    string    `json:"config"` // JSON blob, merged with defaults at runner init
	Status    string    `gorm:"index" json:"status"`
	PaperMode bool      `json:"paper_mode"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StrategyEvent is one row of the append-only per-strategy log.
type StrategyEvent struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	StrategyID uint      `gorm:"index" json:"strategy_id"`
	Type       string    `json:"type"`
	Message    string    `json:"message"`
	Metadata   string    `json:"metadata"` // JSON blob
	InsertedAt time.Time `gorm:"autoCreateTime" json:"inserted_at"`
}

// Position is the running inventory of one strategy in one token.
// Unique on (strategy_id, token_id). AvgPrice is size-weighted over BUYs only.
type Position struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	StrategyID   uint            `gorm:"uniqueIndex:idx_positions_strategy_token" json:"strategy_id"`
	TokenID      string          `gorm:"uniqueIndex:idx_positions_strategy_token" json:"token_id"`
	Side         string          `json:"side"`
	Size         decimal.Decimal `gorm:"type:numeric" json:"size"`
	AvgPrice     decimal.Decimal `gorm:"type:numeric" json:"avg_price"`
	CurrentPrice decimal.Decimal `gorm:"type:numeric" json:"current_price"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Trade is one order a strategy attempted or simulated.
type Trade struct {
	ID         uint             `gorm:"primaryKey" json:"id"`
	Type       string           `json:"type"` // always "strategy"
	StrategyID uint             `gorm:"index" json:"strategy_id"`
	MarketID   string           `json:"market_id"`
	AssetID    string           `json:"asset_id"`
	Side       string           `json:"side"`
	Price      decimal.Decimal  `gorm:"type:numeric" json:"price"`
	Size       decimal.Decimal  `gorm:"type:numeric" json:"size"`
	Status     string           `gorm:"index" json:"status"`
	OrderID    string           `json:"order_id,omitempty"`
	Title      string           `json:"title"`
	Outcome    string           `json:"outcome"`
	PnL        *decimal.Decimal `gorm:"type:numeric" json:"pnl,omitempty"`
	InsertedAt time.Time        `gorm:"autoCreateTime" json:"inserted_at"`
}
