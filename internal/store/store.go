package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"futures-bridge/pkg/types"
)

// Store wraps the gorm handle with the repository methods the bridge uses.
type Store struct {
	db *gorm.DB
}

// Open connects to the database selected by the DSN and migrates the schema.
func Open(dsn string) (*Store, error) {
	var (
		db  *gorm.DB
		err error
	)

	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	} else {
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&Strategy{}, &Trader{}, &Account{},
		&Signal{}, &Position{}, &Trade{}, &OrderRef{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *gorm.DB { return s.db }

// --- strategies and traders ---

// StrategyByToken resolves a webhook token to its strategy.
func (s *Store) StrategyByToken(token string) (*Strategy, error) {
	var st Strategy
	if err := s.db.First(&st, "webhook_token = ?", token).Error; err != nil {
		return nil, err
	}
	return &st, nil
}

// StrategyByID loads one strategy.
func (s *Store) StrategyByID(id uint) (*Strategy, error) {
	var st Strategy
	if err := s.db.First(&st, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &st, nil
}

// SaveStrategy inserts or updates a strategy.
func (s *Store) SaveStrategy(st *Strategy) error {
	return s.db.Save(st).Error
}

// EnabledTraders returns the enabled account links for a strategy.
func (s *Store) EnabledTraders(strategyID uint) ([]Trader, error) {
	var traders []Trader
	err := s.db.Where("strategy_id = ? AND enabled = ?", strategyID, true).Find(&traders).Error
	return traders, err
}

// TradersForAccount returns enabled traders attached to an account.
func (s *Store) TradersForAccount(accountID uint) ([]Trader, error) {
	var traders []Trader
	err := s.db.Where("account_id = ? AND enabled = ?", accountID, true).Find(&traders).Error
	return traders, err
}

// FollowersOf returns enabled traders copying the given leader account.
// Resolved at event time, never cached: follower sets change underfoot.
func (s *Store) FollowersOf(leaderAccountID uint) ([]Trader, error) {
	var traders []Trader
	err := s.db.Where("follower_of = ? AND enabled = ?", leaderAccountID, true).Find(&traders).Error
	return traders, err
}

// SaveTrader inserts or updates a trader.
func (s *Store) SaveTrader(t *Trader) error {
	return s.db.Save(t).Error
}

// DisableTradersForAccount flips every trader on an account off. Used by
// the max-loss listener; the strategy itself keeps running on its other
// accounts.
func (s *Store) DisableTradersForAccount(accountID uint) error {
	return s.db.Model(&Trader{}).Where("account_id = ?", accountID).
		Update("enabled", false).Error
}

// --- accounts ---

// AccountByID loads one broker account.
func (s *Store) AccountByID(id uint) (*Account, error) {
	var a Account
	if err := s.db.First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// Accounts returns all broker accounts.
func (s *Store) Accounts() ([]Account, error) {
	var accounts []Account
	err := s.db.Find(&accounts).Error
	return accounts, err
}

// AccountsExpiringWithin returns accounts whose auth token expires within d.
func (s *Store) AccountsExpiringWithin(d time.Duration) ([]Account, error) {
	var accounts []Account
	cutoff := time.Now().Add(d)
	err := s.db.Where("token_expiry < ? AND needs_reauth = ?", cutoff, false).Find(&accounts).Error
	return accounts, err
}

// SaveAccount inserts or updates an account.
func (s *Store) SaveAccount(a *Account) error {
	return s.db.Save(a).Error
}

// MarkNeedsReauth flags an account for manual re-authentication.
func (s *Store) MarkNeedsReauth(accountID uint) error {
	return s.db.Model(&Account{}).Where("id = ?", accountID).
		Update("needs_reauth", true).Error
}

// UpdateTokenExpiry records a successful auth refresh.
func (s *Store) UpdateTokenExpiry(accountID uint, expiry time.Time) error {
	return s.db.Model(&Account{}).Where("id = ?", accountID).
		Updates(map[string]any{"token_expiry": expiry, "needs_reauth": false}).Error
}

// --- signals ---

// AppendSignal writes one row to the append-only signal log.
func (s *Store) AppendSignal(sig *Signal) error {
	return s.db.Create(sig).Error
}

// CloseOpenSignals closes prior open signal rows for a strategy/symbol/side
// tuple. The dispatcher's tracking daemon calls this on a same-side entry
// with DCA off; leaving stale rows open pollutes position detection.
func (s *Store) CloseOpenSignals(strategyID uint, symbol string, side string) error {
	return s.db.Model(&Signal{}).
		Where("strategy_id = ? AND symbol = ? AND side = ? AND status = ?",
			strategyID, symbol, side, "open").
		Update("status", "closed").Error
}

// LastAcceptedSignalAt returns when the strategy last accepted a signal.
func (s *Store) LastAcceptedSignalAt(strategyID uint) (time.Time, error) {
	var sig Signal
	err := s.db.Where("strategy_id = ? AND accepted = ?", strategyID, true).
		Order("received_at DESC").First(&sig).Error
	if err != nil {
		return time.Time{}, err
	}
	return sig.ReceivedAt, nil
}

// AcceptedSignalsSince counts accepted signals for a strategy since t.
func (s *Store) AcceptedSignalsSince(strategyID uint, t time.Time) (int64, error) {
	var n int64
	err := s.db.Model(&Signal{}).
		Where("strategy_id = ? AND accepted = ? AND received_at >= ?", strategyID, true, t).
		Count(&n).Error
	return n, err
}

// SignalsSince counts all signals (accepted or not) for the every-Nth filter.
func (s *Store) SignalsSince(strategyID uint, t time.Time) (int64, error) {
	var n int64
	err := s.db.Model(&Signal{}).
		Where("strategy_id = ? AND received_at >= ?", strategyID, t).
		Count(&n).Error
	return n, err
}

// --- positions ---

// SavePosition inserts or updates a position row.
func (s *Store) SavePosition(p *Position) error {
	return s.db.Save(p).Error
}

// OpenPositions returns every open position (startup index rebuild).
func (s *Store) OpenPositions() ([]Position, error) {
	var positions []Position
	err := s.db.Where("status = ?", "open").Find(&positions).Error
	return positions, err
}

// OpenPositionFor returns the open position for a strategy/root pair, or
// nil when flat. At most one open position per pair exists at any time.
func (s *Store) OpenPositionFor(strategyID uint, symbolRoot string) (*Position, error) {
	var p Position
	err := s.db.Where("strategy_id = ? AND symbol_root = ? AND status = ?",
		strategyID, symbolRoot, "open").First(&p).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// --- trades ---

// SaveTrade inserts or updates a trade row.
func (s *Store) SaveTrade(t *Trade) error {
	return s.db.Save(t).Error
}

// OpenTradesForPosition returns the open ledger rows of a position.
func (s *Store) OpenTradesForPosition(positionID uint) ([]Trade, error) {
	var trades []Trade
	err := s.db.Where("position_id = ? AND status = ?", positionID, "open").
		Order("entry_at ASC").Find(&trades).Error
	return trades, err
}

// CloseTradesForPosition closes all open trades of a position at once.
func (s *Store) CloseTradesForPosition(positionID uint, exitPrice decimal.Decimal, reason string, at time.Time) error {
	return s.db.Model(&Trade{}).
		Where("position_id = ? AND status = ?", positionID, "open").
		Updates(map[string]any{
			"status":      "closed",
			"exit_price":  exitPrice,
			"exit_at":     at,
			"exit_reason": reason,
		}).Error
}

// RealizedPnLSince sums realized P&L over closed positions for a strategy
// since t. Feeds the daily-loss-cap filter.
func (s *Store) RealizedPnLSince(strategyID uint, t time.Time) (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal
	}
	err := s.db.Model(&Position{}).
		Select("COALESCE(SUM(realized_pn_l), 0) as total").
		Where("strategy_id = ? AND status = ? AND closed_at >= ?", strategyID, "closed", t).
		Scan(&result).Error
	return result.Total, err
}

// --- order refs ---

// SaveOrderRef caches a broker order id.
func (s *Store) SaveOrderRef(r *OrderRef) error {
	return s.db.Save(r).Error
}

// OrderRefsForPosition returns cached refs for a position.
func (s *Store) OrderRefsForPosition(positionID uint) ([]OrderRef, error) {
	var refs []OrderRef
	err := s.db.Where("position_id = ?", positionID).Find(&refs).Error
	return refs, err
}

// DeleteOrderRefsForPosition drops cached refs after a close.
func (s *Store) DeleteOrderRefsForPosition(positionID uint) error {
	return s.db.Where("position_id = ?", positionID).Delete(&OrderRef{}).Error
}

// --- settings overlay ---

// EffectiveSettings overlays a trader's overrides onto its strategy's
// defaults. Pointer fields win whenever set, even at zero; nil inherits.
// The result never contains a nil — nothing downstream should ever have
// to null-check a setting.
func EffectiveSettings(st *Strategy, tr *Trader) types.EffectiveSettings {
	base := st.Settings
	ov := tr.Overrides

	initialQty := base.InitialQty
	if ov.InitialQty != nil {
		initialQty = *ov.InitialQty
	}
	dcaQty := base.DCAQty
	if ov.DCAQty != nil {
		dcaQty = *ov.DCAQty
	}
	dcaEnabled := base.DCAEnabled
	if ov.DCAEnabled != nil {
		dcaEnabled = *ov.DCAEnabled
	}
	tpTargets := base.TPTargets
	if ov.TPTargets != nil {
		tpTargets = *ov.TPTargets
	}
	distanceUnit := base.DistanceUnit
	if ov.DistanceUnit != nil {
		distanceUnit = *ov.DistanceUnit
	}
	trimUnit := base.TrimUnit
	if ov.TrimUnit != nil {
		trimUnit = *ov.TrimUnit
	}
	stopLoss := base.StopLoss
	if ov.StopLoss != nil {
		stopLoss = *ov.StopLoss
	}
	breakEven := base.BreakEven
	if ov.BreakEven != nil {
		breakEven = *ov.BreakEven
	}

	return types.EffectiveSettings{
		InitialQty: initialQty,
		DCAQty:     dcaQty,
		DCAEnabled: dcaEnabled,
		Multiplier: tr.Multiplier,
		Risk: types.RiskConfig{
			TakeProfit:   tpTargets,
			StopLoss:     stopLoss,
			BreakEven:    breakEven,
			DistanceUnit: distanceUnit,
			TrimUnit:     trimUnit,
		},
	}
}
