package executor

import (
	"fmt"

	"github.com/shopspring/decimal"

	"futures-bridge/internal/broker"
	"futures-bridge/internal/instrument"
	"futures-bridge/pkg/types"
)

var hundred = decimal.NewFromInt(100)

// distanceOffset converts a configured TP/SL distance into a price
// offset for the given root. Percent distances need a reference price.
func distanceOffset(d decimal.Decimal, unit types.DistanceUnit, ref decimal.Decimal, root string) (decimal.Decimal, error) {
	switch unit {
	case types.UnitTicks, "":
		tick, err := instrument.TickSize(root)
		if err != nil {
			return decimal.Zero, err
		}
		return d.Mul(tick), nil
	case types.UnitPoints:
		return d, nil
	case types.UnitPercent:
		if ref.IsZero() {
			return decimal.Zero, fmt.Errorf("percent distance needs a reference price")
		}
		return ref.Mul(d).Div(hundred), nil
	}
	return decimal.Zero, fmt.Errorf("unknown distance unit %q", unit)
}

// buildTPLegs shapes the take-profit legs for a position of totalQty
// contracts entered (or re-averaged) at entry.
//
// Trim rules:
//   - percent: leg i takes max(1, round(totalQty · trim/100)) contracts;
//   - contracts: leg i takes round(trim · multiplier), clamped to
//     [1, remaining] — the multiplier matters, a 5× account with trim=1
//     must produce 5-lot legs, not 1-lot legs.
//
// The last leg absorbs the rounding remainder so the legs sum exactly
// to totalQty. Leg prices are tick-rounded at entry ± distance.
func BuildTPLegs(entry decimal.Decimal, side types.Side, totalQty int, risk types.RiskConfig, multiplier decimal.Decimal, root string) ([]broker.TPLeg, error) {
	targets := risk.TakeProfit
	if len(targets) == 0 || totalQty <= 0 {
		return nil, nil
	}

	legs := make([]broker.TPLeg, 0, len(targets))
	remaining := totalQty
	total := decimal.NewFromInt(int64(totalQty))

	for i, t := range targets {
		if remaining <= 0 {
			break
		}

		var qty int
		last := i == len(targets)-1
		switch {
		case last:
			qty = remaining
		case risk.TrimUnit == types.TrimPercent:
			qty = int(total.Mul(t.Trim).Div(hundred).Round(0).IntPart())
			if qty < 1 {
				qty = 1
			}
			if qty > remaining {
				qty = remaining
			}
		default: // contracts
			qty = int(t.Trim.Mul(multiplier).Round(0).IntPart())
			if qty < 1 {
				qty = 1
			}
			if qty > remaining {
				qty = remaining
			}
		}

		offset, err := distanceOffset(t.Distance, risk.DistanceUnit, entry, root)
		if err != nil {
			return nil, err
		}
		raw := entry.Add(offset)
		if side == types.Short {
			raw = entry.Sub(offset)
		}
		price, err := instrument.RoundToTick(raw, root)
		if err != nil {
			return nil, err
		}

		legs = append(legs, broker.TPLeg{Price: price, Qty: qty})
		remaining -= qty
	}
	return legs, nil
}

// buildStop shapes the protective stop and optional break-even policy.
// Break-even is dropped whenever the stop is trailing: the broker
// rejects the combination outright.
func buildStop(entry decimal.Decimal, side types.Side, risk types.RiskConfig, root string) (*broker.StopSpec, *broker.BreakEvenSpec, error) {
	sl := risk.StopLoss
	if !sl.Enabled {
		return nil, nil, nil
	}

	unit := sl.Unit
	if unit == "" {
		unit = risk.DistanceUnit
	}
	offset, err := distanceOffset(sl.Distance, unit, entry, root)
	if err != nil {
		return nil, nil, err
	}

	var spec broker.StopSpec
	if sl.Kind == types.StopTrailing {
		tick, terr := instrument.TickSize(root)
		if terr != nil {
			return nil, nil, terr
		}
		// Trailing distances are signed tick deltas: negative when long,
		// positive when short.
		ticks := int(offset.Div(tick).Round(0).IntPart())
		if side == types.Long {
			ticks = -ticks
		}
		spec.TrailDistance = &ticks
		spec.TrailFreq = int(sl.TrailFreq.Round(0).IntPart())
		return &spec, nil, nil
	}

	raw := entry.Sub(offset)
	if side == types.Short {
		raw = entry.Add(offset)
	}
	price, err := instrument.RoundToTick(raw, root)
	if err != nil {
		return nil, nil, err
	}
	spec.Price = &price

	var be *broker.BreakEvenSpec
	if risk.BreakEven.Enabled {
		be = &broker.BreakEvenSpec{
			TriggerTicks: risk.BreakEven.Ticks,
			OffsetTicks:  risk.BreakEven.Offset,
		}
	}
	return &spec, be, nil
}

// entrySide maps a position side to the broker order side that opens it.
func entrySide(s types.Side) broker.OrderSide {
	if s == types.Short {
		return broker.Sell
	}
	return broker.Buy
}

// exitSide maps a position side to the broker order side that closes it.
func exitSide(s types.Side) broker.OrderSide {
	if s == types.Short {
		return broker.Buy
	}
	return broker.Sell
}

// positionSide derives the domain side of a signed broker net quantity.
func positionSide(netQty int) types.Side {
	if netQty < 0 {
		return types.Short
	}
	return types.Long
}
