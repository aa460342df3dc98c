package wsmanager

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// EventType routes a parsed broker frame to the listeners that care.
type EventType string

const (
	EventPosition EventType = "position"
	EventFill     EventType = "fill"
	EventOrder    EventType = "order"
	EventCash     EventType = "cashBalance"
)

// PositionEvent is a net-position snapshot for one account/symbol.
// NetQty is signed; zero means flat.
type PositionEvent struct {
	Symbol   string
	NetQty   int
	AvgPrice decimal.Decimal
}

// FillEvent is one execution report.
type FillEvent struct {
	OrderID string
	ClOrdID string
	Symbol  string
	Side    string // Buy / Sell
	Qty     int
	Price   decimal.Decimal
}

// OrderEvent is an order lifecycle transition.
type OrderEvent struct {
	OrderID string
	ClOrdID string
	Symbol  string
	Side    string
	Qty     int
	Price   decimal.Decimal
	Kind    string
	Status  string
}

// CashEvent is an account cash-balance update.
type CashEvent struct {
	CashBalance decimal.Decimal
}

// Event is one parsed broker message. ID is the broker event id used
// for idempotent re-delivery handling; listeners keep their own dedup
// sets scoped per event type.
type Event struct {
	Type      EventType
	ID        int64
	AccountID string
	At        time.Time

	Position *PositionEvent
	Fill     *FillEvent
	Order    *OrderEvent
	Cash     *CashEvent
}

// wireFrame is the envelope shape the broker sends. The sync dump and
// incremental updates both arrive as entity batches.
type wireFrame struct {
	Event string `json:"e"`
	Data  struct {
		Entities []wireEntity `json:"entities"`
	} `json:"d"`
}

type wireEntity struct {
	EventID    int64           `json:"eventId"`
	EntityType string          `json:"entityType"`
	AccountID  json.Number     `json:"accountId"`
	Entity     json.RawMessage `json:"entity"`
}

type wirePosition struct {
	Symbol   string  `json:"symbol"`
	NetPos   int     `json:"netPos"`
	NetPrice float64 `json:"netPrice"`
}

type wireFill struct {
	OrderID   json.Number `json:"orderId"`
	ClOrdID   string      `json:"clOrdId"`
	Symbol    string      `json:"symbol"`
	Action    string      `json:"action"`
	Qty       int         `json:"qty"`
	Price     float64     `json:"price"`
}

type wireOrderEvt struct {
	OrderID   json.Number `json:"orderId"`
	ClOrdID   string      `json:"clOrdId"`
	Symbol    string      `json:"symbol"`
	Action    string      `json:"action"`
	OrderQty  int         `json:"orderQty"`
	Price     float64     `json:"price"`
	OrderType string      `json:"orderType"`
	OrdStatus string      `json:"ordStatus"`
}

type wireCash struct {
	CashBalance float64 `json:"cashBalance"`
}

// parseEvents decodes one frame into zero or more Events. Unknown
// entity types are skipped; a malformed frame yields nothing.
func parseEvents(data []byte, now time.Time) []Event {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil
	}
	if frame.Event != "props" && frame.Event != "md" && frame.Event != "" {
		return nil
	}

	events := make([]Event, 0, len(frame.Data.Entities))
	for _, ent := range frame.Data.Entities {
		evt := Event{ID: ent.EventID, AccountID: ent.AccountID.String(), At: now}

		switch ent.EntityType {
		case "position":
			var p wirePosition
			if json.Unmarshal(ent.Entity, &p) != nil {
				continue
			}
			evt.Type = EventPosition
			evt.Position = &PositionEvent{
				Symbol:   p.Symbol,
				NetQty:   p.NetPos,
				AvgPrice: decimal.NewFromFloat(p.NetPrice),
			}

		case "fill":
			var f wireFill
			if json.Unmarshal(ent.Entity, &f) != nil {
				continue
			}
			evt.Type = EventFill
			evt.Fill = &FillEvent{
				OrderID: f.OrderID.String(),
				ClOrdID: f.ClOrdID,
				Symbol:  f.Symbol,
				Side:    f.Action,
				Qty:     f.Qty,
				Price:   decimal.NewFromFloat(f.Price),
			}

		case "order":
			var o wireOrderEvt
			if json.Unmarshal(ent.Entity, &o) != nil {
				continue
			}
			evt.Type = EventOrder
			evt.Order = &OrderEvent{
				OrderID: o.OrderID.String(),
				ClOrdID: o.ClOrdID,
				Symbol:  o.Symbol,
				Side:    o.Action,
				Qty:     o.OrderQty,
				Price:   decimal.NewFromFloat(o.Price),
				Kind:    o.OrderType,
				Status:  o.OrdStatus,
			}

		case "cashBalance":
			var cb wireCash
			if json.Unmarshal(ent.Entity, &cb) != nil {
				continue
			}
			evt.Type = EventCash
			evt.Cash = &CashEvent{CashBalance: decimal.NewFromFloat(cb.CashBalance)}

		default:
			continue
		}

		events = append(events, evt)
	}
	return events
}
