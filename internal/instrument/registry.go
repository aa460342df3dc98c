// Package instrument maps raw chart tickers to canonical futures roots
// and their trading constants (tick size, tick value).
//
// Chart tickers arrive in several shapes: continuous ("MNQ1!"), dated
// ("GCJ6", "MNQZ5"), or bare roots ("MNQ"). Root extraction strips the
// contract-month suffix, trying a 3-character root match before a
// 2-character one — otherwise two-letter roots (GC, CL, SI, ZB) would
// swallow a month letter and resolve to the wrong contract.
package instrument

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrUnknownSymbol is returned when a ticker cannot be resolved to a
// known root. There is no fallback tick size; callers must treat this
// as a hard failure.
var ErrUnknownSymbol = errors.New("unknown symbol")

// Spec holds the trading constants for one futures root.
type Spec struct {
	Root      string
	TickSize  decimal.Decimal
	TickValue decimal.Decimal // dollar value of one tick for one contract
}

// contract month codes: Jan..Dec = F,G,H,J,K,M,N,Q,U,V,X,Z. Only the
// letters that terminate a dated ticker; used to recognize suffixes.
var monthCodes = map[byte]bool{
	'F': true, 'G': true, 'H': true, 'J': true, 'K': true, 'M': true,
	'N': true, 'Q': true, 'U': true, 'V': true, 'X': true, 'Z': true,
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// specs is the static root table shipped with the binary.
var specs = map[string]Spec{
	// CME equity index
	"ES":  {Root: "ES", TickSize: d("0.25"), TickValue: d("12.50")},
	"MES": {Root: "MES", TickSize: d("0.25"), TickValue: d("1.25")},
	"NQ":  {Root: "NQ", TickSize: d("0.25"), TickValue: d("5.00")},
	"MNQ": {Root: "MNQ", TickSize: d("0.25"), TickValue: d("0.50")},
	"RTY": {Root: "RTY", TickSize: d("0.10"), TickValue: d("5.00")},
	"M2K": {Root: "M2K", TickSize: d("0.10"), TickValue: d("0.50")},
	"YM":  {Root: "YM", TickSize: d("1"), TickValue: d("5.00")},
	"MYM": {Root: "MYM", TickSize: d("1"), TickValue: d("0.50")},
	"NKD": {Root: "NKD", TickSize: d("5"), TickValue: d("25.00")},

	// metals
	"GC":  {Root: "GC", TickSize: d("0.10"), TickValue: d("10.00")},
	"MGC": {Root: "MGC", TickSize: d("0.10"), TickValue: d("1.00")},
	"SI":  {Root: "SI", TickSize: d("0.005"), TickValue: d("25.00")},
	"SIL": {Root: "SIL", TickSize: d("0.005"), TickValue: d("5.00")},
	"HG":  {Root: "HG", TickSize: d("0.0005"), TickValue: d("12.50")},
	"PL":  {Root: "PL", TickSize: d("0.10"), TickValue: d("5.00")},

	// energy
	"CL":  {Root: "CL", TickSize: d("0.01"), TickValue: d("10.00")},
	"MCL": {Root: "MCL", TickSize: d("0.01"), TickValue: d("1.00")},
	"NG":  {Root: "NG", TickSize: d("0.001"), TickValue: d("10.00")},
	"MNG": {Root: "MNG", TickSize: d("0.001"), TickValue: d("1.00")},
	"RB":  {Root: "RB", TickSize: d("0.0001"), TickValue: d("4.20")},
	"HO":  {Root: "HO", TickSize: d("0.0001"), TickValue: d("4.20")},

	// rates
	"ZB": {Root: "ZB", TickSize: d("0.03125"), TickValue: d("31.25")},
	"ZN": {Root: "ZN", TickSize: d("0.015625"), TickValue: d("15.625")},
	"ZF": {Root: "ZF", TickSize: d("0.0078125"), TickValue: d("7.8125")},
	"ZT": {Root: "ZT", TickSize: d("0.00390625"), TickValue: d("7.8125")},

	// fx
	"6E":  {Root: "6E", TickSize: d("0.00005"), TickValue: d("6.25")},
	"M6E": {Root: "M6E", TickSize: d("0.0001"), TickValue: d("1.25")},
	"6J":  {Root: "6J", TickSize: d("0.0000005"), TickValue: d("6.25")},
	"6B":  {Root: "6B", TickSize: d("0.0001"), TickValue: d("6.25")},
	"6A":  {Root: "6A", TickSize: d("0.00005"), TickValue: d("5.00")},
	"6C":  {Root: "6C", TickSize: d("0.00005"), TickValue: d("5.00")},

	// grains
	"ZC": {Root: "ZC", TickSize: d("0.25"), TickValue: d("12.50")},
	"ZS": {Root: "ZS", TickSize: d("0.25"), TickValue: d("12.50")},
	"ZW": {Root: "ZW", TickSize: d("0.25"), TickValue: d("12.50")},

	// crypto
	"BTC": {Root: "BTC", TickSize: d("5"), TickValue: d("25.00")},
	"MBT": {Root: "MBT", TickSize: d("5"), TickValue: d("0.50")},
	"ETH": {Root: "ETH", TickSize: d("0.05"), TickValue: d("2.50")},
	"MET": {Root: "MET", TickSize: d("0.05"), TickValue: d("0.50")},
}

// RootOf resolves a raw ticker to its canonical root.
//
// Algorithm: take the leading alphabetic prefix, then try a 3-character
// table match, then a 2-character match, requiring the stripped letter
// to be a contract-month code. "MNQZ5" → prefix "MNQZ" → "MNQ" (3-char
// hit, 'Z' is a month). "GCJ6" → prefix "GCJ" → no 3-char hit → "GC"
// ('J' is a month). "ZSA" resolves to nothing: 'A' is not a month, so
// it does not silently collapse onto "ZS". A bare known root ("MNQ",
// "GC") matches directly.
func RootOf(ticker string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	prefix := leadingAlpha(t)
	if prefix == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownSymbol, ticker)
	}

	// Exact root first: a bare "MNQ" or "GC" needs no suffix stripping.
	if _, ok := specs[prefix]; ok {
		return prefix, nil
	}

	if len(prefix) >= 4 && IsMonthCode(prefix[3]) {
		if _, ok := specs[prefix[:3]]; ok {
			return prefix[:3], nil
		}
	}
	if len(prefix) >= 3 && IsMonthCode(prefix[2]) {
		if _, ok := specs[prefix[:2]]; ok {
			return prefix[:2], nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSymbol, ticker)
}

// Lookup returns the full spec for a canonical root.
func Lookup(root string) (Spec, error) {
	spec, ok := specs[strings.ToUpper(root)]
	if !ok {
		return Spec{}, fmt.Errorf("%w: root %q", ErrUnknownSymbol, root)
	}
	return spec, nil
}

// TickSize returns the minimum price increment for a root.
func TickSize(root string) (decimal.Decimal, error) {
	spec, err := Lookup(root)
	if err != nil {
		return decimal.Zero, err
	}
	return spec.TickSize, nil
}

// TickValue returns the dollar value of one tick for one contract.
func TickValue(root string) (decimal.Decimal, error) {
	spec, err := Lookup(root)
	if err != nil {
		return decimal.Zero, err
	}
	return spec.TickValue, nil
}

// RoundToTick snaps a price to the root's tick grid.
//
// The double round (snap to tick, then round to 10 decimal places)
// collapses floating residues left by weighted-average arithmetic that
// would otherwise fail the broker's price-increment validation. Every
// price sent over the wire must pass through here.
func RoundToTick(price decimal.Decimal, root string) (decimal.Decimal, error) {
	tick, err := TickSize(root)
	if err != nil {
		return decimal.Zero, err
	}
	snapped := price.Div(tick).Round(0).Mul(tick)
	return snapped.Round(10), nil
}

// IsMonthCode reports whether b is a futures contract-month letter.
func IsMonthCode(b byte) bool { return monthCodes[b] }

func leadingAlpha(s string) string {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 'A' || c > 'Z' {
			return s[:i]
		}
	}
	return s
}
