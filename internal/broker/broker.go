// Package broker defines the capability set a concrete futures broker
// must provide to the execution engine, plus the error taxonomy and the
// per-token rate limiter shared by every account on one auth token.
//
// Transport policy: entries, cancels and replacements are synchronous
// REST calls with per-call timeouts. The WebSocket channel (see package
// wsmanager) is read-only apart from subscription control — no order
// placement ever goes over it.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the broker-level buy/sell direction of an order.
type OrderSide string

const (
	Buy  OrderSide = "Buy"
	Sell OrderSide = "Sell"
)

// OrderStatus mirrors the broker's order-state machine. Working and
// Accepted both count as resting for TP enumeration.
type OrderStatus string

const (
	StatusAccepted OrderStatus = "Accepted"
	StatusWorking  OrderStatus = "Working"
	StatusFilled   OrderStatus = "Filled"
	StatusCanceled OrderStatus = "Canceled"
	StatusRejected OrderStatus = "Rejected"
)

// IsResting reports whether the order still sits on the book.
func (s OrderStatus) IsResting() bool {
	return s == StatusAccepted || s == StatusWorking
}

// Account identifies one brokerage sub-account for API calls.
type Account struct {
	ID           uint   // our surrogate id
	BrokerAcctID string // the broker's account identifier
	TokenKey     string // auth-token identity; shared tokens share rate budget
	Live         bool
}

// Order is one broker order as returned by ListOrders.
type Order struct {
	ID       string
	Account  string // broker account id the order belongs to
	Symbol   string
	Side     OrderSide
	Qty      int
	Price    decimal.Decimal
	StopPx   decimal.Decimal
	Kind     string // Limit, Stop, TrailingStop, Market
	Status   OrderStatus
	ClOrdID  string
	PlacedAt time.Time
}

// Position is one broker position. NetQty is signed: positive long,
// negative short, zero flat.
type Position struct {
	Symbol   string
	NetQty   int
	AvgPrice decimal.Decimal
}

// TPLeg is one take-profit limit leg of a bracket.
type TPLeg struct {
	Price decimal.Decimal
	Qty   int
}

// StopSpec describes the protective stop of a bracket. Exactly one of
// the two forms is used: Price set for a fixed stop, TrailDistance (a
// signed tick delta — negative when long, positive when short) plus
// TrailFreq for a trailing stop.
type StopSpec struct {
	Price         *decimal.Decimal
	TrailDistance *int
	TrailFreq     int
}

// BreakEvenSpec moves the stop to entry once price runs TriggerTicks in
// favor. Both values are always positive regardless of side; the broker
// rejects break-even combined with a trailing stop, so callers must
// never set both.
type BreakEvenSpec struct {
	TriggerTicks int
	OffsetTicks  int
}

// BracketRequest is one atomic entry + multi-leg TP + SL submission.
type BracketRequest struct {
	Symbol    string
	Side      OrderSide
	Qty       int
	Legs      []TPLeg
	Stop      *StopSpec
	BreakEven *BreakEvenSpec
	ClOrdID   string
}

// BracketResult carries the broker order ids of a placed bracket.
type BracketResult struct {
	EntryID string
	LegIDs  []string
	StopID  string
}

// OrderFilter narrows a ListOrders call. Implementations must filter by
// account at the source: order lists contaminated across accounts are a
// known hazard because order ids are not globally unique.
type OrderFilter struct {
	SymbolRoot  string // match by root, not exact ticker
	Side        OrderSide
	RestingOnly bool
}

// Client is the abstract broker capability set.
type Client interface {
	// PlaceBracketOrder submits an atomic entry with TP legs and a stop.
	PlaceBracketOrder(ctx context.Context, acct Account, req BracketRequest) (BracketResult, error)

	// PlaceMarket submits a plain market order and returns its id.
	// clOrdID may be empty; copy-trade orders tag it for loop prevention.
	PlaceMarket(ctx context.Context, acct Account, side OrderSide, qty int, symbol, clOrdID string) (string, error)

	// PlaceLimit submits a limit order and returns its id.
	PlaceLimit(ctx context.Context, acct Account, side OrderSide, qty int, symbol string, price decimal.Decimal, clOrdID string) (string, error)

	// Cancel cancels one order by id. Idempotent: cancelling an already
	// dead order is not an error.
	Cancel(ctx context.Context, acct Account, orderID string) error

	// ListOrders enumerates the account's orders matching the filter.
	ListOrders(ctx context.Context, acct Account, filter OrderFilter) ([]Order, error)

	// ListPositions returns the account's current positions.
	ListPositions(ctx context.Context, acct Account) ([]Position, error)

	// RefreshAuth renews the account's access token and returns the new
	// expiry.
	RefreshAuth(ctx context.Context, acct Account) (time.Time, error)
}
