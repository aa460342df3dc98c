package wsmanager

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseEvents(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	frame := `{"e":"props","d":{"entities":[
		{"eventId":1,"entityType":"position","accountId":12345,
		 "entity":{"symbol":"MNQZ5","netPos":-2,"netPrice":21500.25}},
		{"eventId":2,"entityType":"fill","accountId":12345,
		 "entity":{"orderId":900,"clOrdId":"CPY_abc","symbol":"MNQZ5","action":"Sell","qty":1,"price":21510.5}},
		{"eventId":3,"entityType":"order","accountId":12345,
		 "entity":{"orderId":901,"symbol":"MNQZ5","action":"Sell","orderQty":1,"price":21520,"orderType":"Limit","ordStatus":"Working"}},
		{"eventId":4,"entityType":"cashBalance","accountId":12345,
		 "entity":{"cashBalance":50000.5}},
		{"eventId":5,"entityType":"marginSnapshot","accountId":12345,"entity":{}}
	]}}`

	events := parseEvents([]byte(frame), now)
	if len(events) != 4 {
		t.Fatalf("parsed %d events, want 4 (unknown entity skipped)", len(events))
	}

	pos := events[0]
	if pos.Type != EventPosition || pos.ID != 1 || pos.AccountID != "12345" {
		t.Errorf("position envelope = %+v", pos)
	}
	if pos.Position.Symbol != "MNQZ5" || pos.Position.NetQty != -2 ||
		!pos.Position.AvgPrice.Equal(decimal.RequireFromString("21500.25")) {
		t.Errorf("position = %+v", pos.Position)
	}
	if !pos.At.Equal(now) {
		t.Errorf("at = %s, want %s", pos.At, now)
	}

	fill := events[1]
	if fill.Type != EventFill || fill.Fill.OrderID != "900" || fill.Fill.ClOrdID != "CPY_abc" {
		t.Errorf("fill = %+v", fill.Fill)
	}
	if fill.Fill.Side != "Sell" || fill.Fill.Qty != 1 ||
		!fill.Fill.Price.Equal(decimal.RequireFromString("21510.5")) {
		t.Errorf("fill = %+v", fill.Fill)
	}

	order := events[2]
	if order.Type != EventOrder || order.Order.Kind != "Limit" || order.Order.Status != "Working" {
		t.Errorf("order = %+v", order.Order)
	}
	if order.Order.OrderID != "901" || !order.Order.Price.Equal(decimal.RequireFromString("21520")) {
		t.Errorf("order = %+v", order.Order)
	}

	cash := events[3]
	if cash.Type != EventCash || !cash.Cash.CashBalance.Equal(decimal.RequireFromString("50000.5")) {
		t.Errorf("cash = %+v", cash.Cash)
	}
}

func TestParseEventsMalformed(t *testing.T) {
	t.Parallel()

	now := time.Now()
	for _, data := range []string{
		`not json`,
		`{"e":"heartbeat","d":{}}`,
		`{"e":"props","d":{"entities":[{"eventId":1,"entityType":"position","entity":"not an object"}]}}`,
	} {
		if events := parseEvents([]byte(data), now); len(events) != 0 {
			t.Errorf("parseEvents(%q) = %d events, want 0", data, len(events))
		}
	}
}

func TestParseEventsEmptyFrame(t *testing.T) {
	t.Parallel()

	events := parseEvents([]byte(`{"e":"props","d":{"entities":[]}}`), time.Now())
	if len(events) != 0 {
		t.Errorf("got %d events, want 0", len(events))
	}
}
