// Package types holds the domain vocabulary shared across the bridge:
// sides, signal actions, risk configuration, effective (fully resolved)
// trader settings, and the execution task that travels from the webhook
// dispatcher to the broker execution engine.
//
// Numeric settings where zero is a meaningful user choice (initial_qty=0
// means "use the webhook-supplied quantity") are carried as pointers in
// the override layer and resolved here into concrete values. Nothing
// downstream of the dispatcher ever sees a nil setting.
package types

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// Action is a normalized webhook signal action.
type Action string

const (
	ActionBuy     Action = "buy"
	ActionSell    Action = "sell"
	ActionClose   Action = "close"
	ActionTPHit   Action = "tp_hit"
	ActionSLHit   Action = "sl_hit"
	ActionUnknown Action = ""
)

// ParseAction normalizes the free-form action string a charting provider
// sends. Matching is case-insensitive and tolerant of common synonyms.
func ParseAction(raw string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "long":
		return ActionBuy, nil
	case "sell", "short":
		return ActionSell, nil
	case "close", "flatten", "exit", "flat":
		return ActionClose, nil
	case "tp_hit":
		return ActionTPHit, nil
	case "sl_hit":
		return ActionSLHit, nil
	}
	return ActionUnknown, fmt.Errorf("unrecognized action %q", raw)
}

// IsEntry reports whether the action opens (or adds to) a position.
func (a Action) IsEntry() bool {
	return a == ActionBuy || a == ActionSell
}

// Side returns the position side an entry action implies.
func (a Action) Side() Side {
	if a == ActionSell {
		return Short
	}
	return Long
}

// DistanceUnit expresses how a TP/SL distance is measured.
type DistanceUnit string

const (
	UnitTicks   DistanceUnit = "ticks"
	UnitPoints  DistanceUnit = "points"
	UnitPercent DistanceUnit = "percent"
)

// TrimUnit expresses how a TP trim is measured.
type TrimUnit string

const (
	TrimContracts TrimUnit = "contracts"
	TrimPercent   TrimUnit = "percent"
)

// StopKind distinguishes fixed from trailing stops.
type StopKind string

const (
	StopFixed    StopKind = "fixed"
	StopTrailing StopKind = "trailing"
)

// TPTarget is one take-profit leg specification: a distance from entry
// and how much of the position to trim when it is hit.
type TPTarget struct {
	Distance decimal.Decimal `json:"distance"`
	Trim     decimal.Decimal `json:"trim"`
}

// StopLossConfig describes the protective stop attached to an entry.
type StopLossConfig struct {
	Enabled       bool            `json:"enabled"`
	Distance      decimal.Decimal `json:"distance"`
	Unit          DistanceUnit    `json:"unit"`
	Kind          StopKind        `json:"kind"`
	TrailTrigger  decimal.Decimal `json:"trail_trigger"`
	TrailFreq     decimal.Decimal `json:"trail_frequency"`
}

// BreakEvenConfig moves the stop to entry (plus offset) after a favorable
// excursion of Ticks. Never combined with a trailing stop; the execution
// engine drops it when the stop kind is trailing because the broker
// rejects the pair.
type BreakEvenConfig struct {
	Enabled bool `json:"enabled"`
	Ticks   int  `json:"ticks"`
	Offset  int  `json:"offset"`
}

// RiskConfig is the per-task bracket specification assembled by the
// dispatcher from the effective settings.
type RiskConfig struct {
	TakeProfit   []TPTarget      `json:"take_profit"`
	StopLoss     StopLossConfig  `json:"stop_loss"`
	BreakEven    BreakEvenConfig `json:"break_even"`
	DistanceUnit DistanceUnit    `json:"distance_unit"`
	TrimUnit     TrimUnit        `json:"trim_unit"`
}

// EffectiveSettings is the trader-over-strategy overlay, fully resolved.
// InitialQty == 0 is a deliberate user choice meaning "use the quantity
// supplied by the webhook"; callers must combine it with WebhookQty using
// explicit presence checks, never truthiness.
type EffectiveSettings struct {
	InitialQty   int             `json:"initial_qty"`
	DCAQty       int             `json:"dca_qty"`
	DCAEnabled   bool            `json:"dca_enabled"`
	Multiplier   decimal.Decimal `json:"multiplier"`
	Risk         RiskConfig      `json:"risk"`
}

// CopyKind classifies a leader position delta for copy-trade tasks.
// Copy tasks execute the literal delta (no bracket management); the
// kind decides whether a market order adds, trims, flips or closes.
type CopyKind string

const (
	CopyEntry    CopyKind = "entry"
	CopyAdd      CopyKind = "add"
	CopyTrim     CopyKind = "trim"
	CopyReversal CopyKind = "reversal"
	CopyClose    CopyKind = "close"
)

// ExecutionTask is one unit of work for the broker execution engine:
// one account, one signal.
type ExecutionTask struct {
	ID             string            `json:"id"`
	IdempotencyKey string            `json:"idempotency_key"`
	StrategyID     uint              `json:"strategy_id"`
	TraderID       uint              `json:"trader_id"`
	AccountID      uint              `json:"account_id"`
	Action         Action            `json:"action"`
	Symbol         string            `json:"symbol"`
	SymbolRoot     string            `json:"symbol_root"`
	RefPrice       decimal.Decimal   `json:"ref_price"`
	WebhookQty     *int              `json:"webhook_qty,omitempty"` // nil = not supplied in payload
	Settings       EffectiveSettings `json:"settings"`
	CopyFollower   bool              `json:"copy_follower"`
	CopyKind       CopyKind          `json:"copy_kind,omitempty"`
	EnqueuedAt     time.Time         `json:"enqueued_at"`
}

// Clock abstracts wall time so filters, dedup windows and excursion
// timestamps can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Jitter returns d perturbed by up to ±frac (e.g. frac=0.1 for ±10%).
func Jitter(d time.Duration, frac float64) time.Duration {
	if d <= 0 || frac <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * frac * float64(d)
	return d + time.Duration(delta)
}

// RandomDelay returns a uniform duration in [0, max). Used for the
// initial connect stagger and dead-subscription reconnect jitter.
func RandomDelay(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
