// Package store is the persistent mirror of broker and strategy state.
//
// It wraps gorm with a repository API used by every other subsystem:
// strategies and their per-account traders, broker accounts, the
// append-only signal log, open/closed positions with entry breakdowns,
// the trade ledger, and the order-reference cache. A DSN starting with
// postgres:// selects the postgres driver; anything else is opened as a
// sqlite file (":memory:" in tests).
package store

import (
	"time"

	"github.com/shopspring/decimal"

	"futures-bridge/pkg/types"
)

// StrategySettings are the strategy-level defaults a trader may override.
type StrategySettings struct {
	InitialQty   int                   `json:"initial_qty"`
	DCAQty       int                   `json:"dca_qty"`
	DCAEnabled   bool                  `json:"dca_enabled"`
	TPTargets    []types.TPTarget      `json:"tp_targets"`
	DistanceUnit types.DistanceUnit    `json:"distance_unit"`
	TrimUnit     types.TrimUnit        `json:"trim_unit"`
	StopLoss     types.StopLossConfig  `json:"stop_loss"`
	BreakEven    types.BreakEvenConfig `json:"break_even"`
	Filters      FilterSettings        `json:"filters"`
}

// FilterSettings gate which signals a strategy accepts.
type FilterSettings struct {
	Direction       string          `json:"direction"` // "long", "short" or "both"
	CooldownSeconds int             `json:"cooldown_seconds"`
	SessionCap      int             `json:"session_cap"`
	DailyLossCap    decimal.Decimal `json:"daily_loss_cap"`
	ContractCap     int             `json:"contract_cap"`
	EveryNth        int             `json:"every_nth"`
	TimeWindows     []TimeWindow    `json:"time_windows"`
}

// TimeWindow is an accepted trading window, wall clock "HH:MM".
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// TraderOverrides shadow StrategySettings field-for-field. A nil pointer
// means "inherit from the strategy"; a set pointer wins even when it
// points at zero (initial_qty=0 is a deliberate choice, not an absence).
type TraderOverrides struct {
	InitialQty   *int                   `json:"initial_qty,omitempty"`
	DCAQty       *int                   `json:"dca_qty,omitempty"`
	DCAEnabled   *bool                  `json:"dca_enabled,omitempty"`
	TPTargets    *[]types.TPTarget      `json:"tp_targets,omitempty"`
	DistanceUnit *types.DistanceUnit    `json:"distance_unit,omitempty"`
	TrimUnit     *types.TrimUnit        `json:"trim_unit,omitempty"`
	StopLoss     *types.StopLossConfig  `json:"stop_loss,omitempty"`
	BreakEven    *types.BreakEvenConfig `json:"break_even,omitempty"`
}

// Strategy is the configuration parent for positions, trades and signals.
type Strategy struct {
	ID           uint             `gorm:"primaryKey;autoIncrement"`
	Owner        string           `gorm:"index"`
	Name         string
	WebhookToken string           `gorm:"uniqueIndex"`
	SymbolRoot   string
	Settings     StrategySettings `gorm:"serializer:json"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Trader links a strategy to one broker account with a size multiplier
// and optional per-account overrides.
type Trader struct {
	ID         uint            `gorm:"primaryKey;autoIncrement"`
	StrategyID uint            `gorm:"index"`
	AccountID  uint            `gorm:"index"`
	Multiplier decimal.Decimal `gorm:"type:decimal(10,4)"`
	Enabled    bool            `gorm:"index"`
	IsLeader   bool
	FollowerOf *uint           `gorm:"index"` // account id of the leader, nil when not copying
	Overrides  TraderOverrides `gorm:"serializer:json"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Account is one brokerage sub-account. TokenKey is the derived identity
// used to coalesce accounts sharing a broker auth token onto a single
// WebSocket connection.
type Account struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	Broker       string
	BrokerAcctID string `gorm:"index"` // the broker's own account identifier
	TokenKey     string `gorm:"index"`
	RefreshToken string // encrypted at rest by the ops layer
	TokenExpiry  time.Time
	Live         bool
	NeedsReauth  bool            `gorm:"index"`
	MaxDailyLoss decimal.Decimal `gorm:"type:decimal(20,6)"` // 0 disables the max-loss guard
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Signal is one row of the append-only webhook log.
type Signal struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	StrategyID uint   `gorm:"index"`
	DedupKey   string `gorm:"index"`
	ReceivedAt time.Time
	RawJSON    string
	Action     string
	Symbol     string
	Side       string
	Price      decimal.Decimal `gorm:"type:decimal(20,10)"`
	Qty        *int
	Accepted   bool
	Status     string `gorm:"index"` // "open" or "closed"
	CreatedAt  time.Time
}

// Entry is one fill aggregated into a position.
type Entry struct {
	Price decimal.Decimal `json:"price"`
	Qty   int             `json:"qty"`
	At    time.Time       `json:"at"`
}

// Position is the persistent mirror of one open (or closed) broker
// position for a strategy/symbol pair. Invariants: TotalQty equals the
// sum of entry quantities and AvgEntry is their quantity-weighted mean.
type Position struct {
	ID              uint             `gorm:"primaryKey;autoIncrement"`
	StrategyID      uint             `gorm:"index"`
	Symbol          string
	SymbolRoot      string           `gorm:"index"`
	Side            types.Side
	TotalQty        int
	AvgEntry        decimal.Decimal  `gorm:"type:decimal(20,10)"`
	Entries         []Entry          `gorm:"serializer:json"`
	CurrentPrice    decimal.Decimal  `gorm:"type:decimal(20,10)"`
	UnrealizedPnL   decimal.Decimal  `gorm:"type:decimal(20,6)"`
	WorstUnrealized decimal.Decimal  `gorm:"type:decimal(20,6)"`
	BestUnrealized  decimal.Decimal  `gorm:"type:decimal(20,6)"`
	Status          string           `gorm:"index"` // "open" or "closed"
	ExitPrice       *decimal.Decimal `gorm:"type:decimal(20,10)"`
	RealizedPnL     *decimal.Decimal `gorm:"type:decimal(20,6)"`
	OpenedAt        time.Time
	ClosedAt        *time.Time
	UpdatedAt       time.Time
}

// Trade is one ledger row; a position holds one trade per entry (the
// original entry plus one per DCA add).
type Trade struct {
	ID           uint             `gorm:"primaryKey;autoIncrement"`
	StrategyID   uint             `gorm:"index"`
	PositionID   uint             `gorm:"index"`
	Symbol       string
	Side         types.Side
	Qty          int
	EntryPrice   decimal.Decimal  `gorm:"type:decimal(20,10)"`
	EntryAt      time.Time
	ExitPrice    *decimal.Decimal `gorm:"type:decimal(20,10)"`
	ExitAt       *time.Time
	TPPrice      *decimal.Decimal `gorm:"type:decimal(20,10)"`
	SLPrice      *decimal.Decimal `gorm:"type:decimal(20,10)"`
	MaxFavorable decimal.Decimal  `gorm:"type:decimal(20,6)"`
	MaxAdverse   decimal.Decimal  `gorm:"type:decimal(20,6)"`
	Status       string           `gorm:"index"` // "open" or "closed"
	ExitReason   string           // tp, sl, signal, flip, flatten, manual
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OrderRef caches a broker order id locally. The broker is authoritative;
// this cache must never be used for multi-account TP lookup because
// different accounts may reuse the same broker order id space.
type OrderRef struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	AccountID     uint   `gorm:"index"`
	BrokerOrderID string `gorm:"index"`
	Kind          string // entry_market, entry_bracket, tp_limit, sl_stop, oco_partner
	PositionID    uint   `gorm:"index"`
	TradeID       *uint
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
