package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// payload is one parsed webhook body. Qty is nil when the payload
// carried no size field at all; a present 0 stays a present 0 — field
// presence, not value, decides whether the user specified a size.
type payload struct {
	Action string
	Symbol string
	Price  decimal.Decimal
	Qty    *int
}

// wirePayload tolerates the shapes charting providers actually send:
// unknown extra keys, price as number or string, and four historical
// aliases for the quantity field.
type wirePayload struct {
	Action    string          `json:"action"`
	Symbol    string          `json:"symbol"`
	Price     json.RawMessage `json:"price"`
	Qty       json.RawMessage `json:"qty"`
	Quantity  json.RawMessage `json:"quantity"`
	Contracts json.RawMessage `json:"contracts"`
	Size      json.RawMessage `json:"size"`
}

const maxBodyBytes = 64 * 1024

// parsePayload decodes a webhook body. action and symbol are required;
// everything else is optional.
func parsePayload(body []byte) (payload, error) {
	var wire wirePayload
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&wire); err != nil {
		return payload{}, fmt.Errorf("malformed json: %w", err)
	}

	p := payload{
		Action: strings.TrimSpace(wire.Action),
		Symbol: strings.ToUpper(strings.TrimSpace(wire.Symbol)),
	}
	if p.Action == "" {
		return payload{}, fmt.Errorf("missing required field action")
	}
	if p.Symbol == "" {
		return payload{}, fmt.Errorf("missing required field symbol")
	}

	if len(wire.Price) > 0 {
		price, ok := parseNumber(wire.Price)
		if !ok {
			return payload{}, fmt.Errorf("unparseable price %s", wire.Price)
		}
		p.Price = price
	}

	// First alias present wins; a raw "0" is still "present".
	for _, raw := range []json.RawMessage{wire.Qty, wire.Quantity, wire.Contracts, wire.Size} {
		if len(raw) == 0 {
			continue
		}
		d, ok := parseNumber(raw)
		if !ok {
			return payload{}, fmt.Errorf("unparseable quantity %s", raw)
		}
		q := int(d.Round(0).IntPart())
		p.Qty = &q
		break
	}

	return p, nil
}

// parseNumber accepts a JSON number or a quoted decimal string.
func parseNumber(raw json.RawMessage) (decimal.Decimal, bool) {
	s := strings.TrimSpace(string(raw))
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// dedupKey collapses near-simultaneous duplicate deliveries: the same
// token, action and symbol received within the same second are one
// signal no matter how many times the provider fires it. Price and
// quantity stay out of the key so retries that re-quote a moving price
// still collapse.
func dedupKey(token string, p payload, at time.Time) string {
	return strings.Join([]string{
		token,
		strings.ToLower(p.Action),
		p.Symbol,
		at.UTC().Truncate(time.Second).Format(time.RFC3339),
	}, "|")
}
