package executor

import (
	"testing"

	"github.com/shopspring/decimal"

	"futures-bridge/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestBuildTPLegsPercent(t *testing.T) {
	t.Parallel()

	risk := types.RiskConfig{
		TakeProfit: []types.TPTarget{
			{Distance: dec("10"), Trim: dec("20")},
			{Distance: dec("40"), Trim: dec("30")},
			{Distance: dec("80"), Trim: dec("50")},
		},
		DistanceUnit: types.UnitTicks,
		TrimUnit:     types.TrimPercent,
	}

	legs, err := BuildTPLegs(dec("21500"), types.Long, 10, risk, dec("1"), "MNQ")
	if err != nil {
		t.Fatalf("BuildTPLegs: %v", err)
	}
	if len(legs) != 3 {
		t.Fatalf("got %d legs, want 3", len(legs))
	}

	wantQty := []int{2, 3, 5}
	wantPrice := []string{"21502.5", "21510", "21520"}
	for i, leg := range legs {
		if leg.Qty != wantQty[i] {
			t.Errorf("leg %d qty = %d, want %d", i, leg.Qty, wantQty[i])
		}
		if !leg.Price.Equal(dec(wantPrice[i])) {
			t.Errorf("leg %d price = %s, want %s", i, leg.Price, wantPrice[i])
		}
	}
}

func TestBuildTPLegsContractsScaleByMultiplier(t *testing.T) {
	t.Parallel()

	// A 5x account with trim=1 must produce 5-lot legs, not 1-lot legs.
	risk := types.RiskConfig{
		TakeProfit: []types.TPTarget{
			{Distance: dec("10"), Trim: dec("1")},
			{Distance: dec("20"), Trim: dec("1")},
			{Distance: dec("30"), Trim: dec("1")},
		},
		DistanceUnit: types.UnitTicks,
		TrimUnit:     types.TrimContracts,
	}

	legs, err := BuildTPLegs(dec("21500"), types.Long, 15, risk, dec("5"), "MNQ")
	if err != nil {
		t.Fatalf("BuildTPLegs: %v", err)
	}
	if len(legs) != 3 {
		t.Fatalf("got %d legs, want 3", len(legs))
	}
	for i, leg := range legs {
		if leg.Qty != 5 {
			t.Errorf("leg %d qty = %d, want 5", i, leg.Qty)
		}
	}
}

func TestBuildTPLegsLastLegAbsorbsRemainder(t *testing.T) {
	t.Parallel()

	risk := types.RiskConfig{
		TakeProfit: []types.TPTarget{
			{Distance: dec("10"), Trim: dec("50")},
			{Distance: dec("20"), Trim: dec("50")},
		},
		DistanceUnit: types.UnitTicks,
		TrimUnit:     types.TrimPercent,
	}

	legs, err := BuildTPLegs(dec("21500"), types.Long, 5, risk, dec("1"), "MNQ")
	if err != nil {
		t.Fatalf("BuildTPLegs: %v", err)
	}
	total := 0
	for _, leg := range legs {
		total += leg.Qty
	}
	if total != 5 {
		t.Errorf("legs sum to %d, want 5", total)
	}
	if legs[len(legs)-1].Qty != 5-legs[0].Qty {
		t.Errorf("last leg qty = %d, want remainder %d", legs[len(legs)-1].Qty, 5-legs[0].Qty)
	}
}

func TestBuildTPLegsMinimumOneContract(t *testing.T) {
	t.Parallel()

	risk := types.RiskConfig{
		TakeProfit: []types.TPTarget{
			{Distance: dec("10"), Trim: dec("10")},
			{Distance: dec("20"), Trim: dec("90")},
		},
		DistanceUnit: types.UnitTicks,
		TrimUnit:     types.TrimPercent,
	}

	legs, err := BuildTPLegs(dec("21500"), types.Long, 2, risk, dec("1"), "MNQ")
	if err != nil {
		t.Fatalf("BuildTPLegs: %v", err)
	}
	if len(legs) != 2 || legs[0].Qty != 1 || legs[1].Qty != 1 {
		t.Errorf("legs = %+v, want two 1-lot legs", legs)
	}
}

func TestBuildTPLegsShortSide(t *testing.T) {
	t.Parallel()

	risk := types.RiskConfig{
		TakeProfit:   []types.TPTarget{{Distance: dec("10"), Trim: dec("100")}},
		DistanceUnit: types.UnitTicks,
		TrimUnit:     types.TrimPercent,
	}

	legs, err := BuildTPLegs(dec("21500"), types.Short, 2, risk, dec("1"), "MNQ")
	if err != nil {
		t.Fatalf("BuildTPLegs: %v", err)
	}
	if !legs[0].Price.Equal(dec("21497.5")) {
		t.Errorf("short TP price = %s, want 21497.5 (below entry)", legs[0].Price)
	}
}

func TestBuildTPLegsNoTargets(t *testing.T) {
	t.Parallel()

	legs, err := BuildTPLegs(dec("21500"), types.Long, 2, types.RiskConfig{}, dec("1"), "MNQ")
	if err != nil || legs != nil {
		t.Errorf("got (%v, %v), want (nil, nil)", legs, err)
	}
}

func TestDistanceOffset(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		d    string
		unit types.DistanceUnit
		ref  string
		want string
	}{
		{"ticks", "10", types.UnitTicks, "21500", "2.5"},
		{"default unit is ticks", "4", "", "21500", "1"},
		{"points", "10", types.UnitPoints, "21500", "10"},
		{"percent", "1", types.UnitPercent, "20000", "200"},
	}

	for _, tt := range tests {
		got, err := distanceOffset(dec(tt.d), tt.unit, dec(tt.ref), "MNQ")
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if !got.Equal(dec(tt.want)) {
			t.Errorf("%s: offset = %s, want %s", tt.name, got, tt.want)
		}
	}

	if _, err := distanceOffset(dec("1"), types.UnitPercent, decimal.Zero, "MNQ"); err == nil {
		t.Error("percent distance with zero reference: want error")
	}
	if _, err := distanceOffset(dec("1"), "furlongs", dec("21500"), "MNQ"); err == nil {
		t.Error("unknown unit: want error")
	}
}

func TestBuildStopFixed(t *testing.T) {
	t.Parallel()

	risk := types.RiskConfig{
		StopLoss:     types.StopLossConfig{Enabled: true, Distance: dec("40"), Kind: types.StopFixed},
		BreakEven:    types.BreakEvenConfig{Enabled: true, Ticks: 20, Offset: 4},
		DistanceUnit: types.UnitTicks,
	}

	stop, be, err := buildStop(dec("21500"), types.Long, risk, "MNQ")
	if err != nil {
		t.Fatalf("buildStop: %v", err)
	}
	if stop == nil || stop.Price == nil {
		t.Fatal("fixed stop: want a price")
	}
	if !stop.Price.Equal(dec("21490")) {
		t.Errorf("long stop price = %s, want 21490", stop.Price)
	}
	if be == nil || be.TriggerTicks != 20 || be.OffsetTicks != 4 {
		t.Errorf("break-even = %+v, want trigger 20 offset 4", be)
	}

	stop, _, err = buildStop(dec("21500"), types.Short, risk, "MNQ")
	if err != nil {
		t.Fatalf("buildStop short: %v", err)
	}
	if !stop.Price.Equal(dec("21510")) {
		t.Errorf("short stop price = %s, want 21510", stop.Price)
	}
}

func TestBuildStopTrailingDropsBreakEven(t *testing.T) {
	t.Parallel()

	risk := types.RiskConfig{
		StopLoss: types.StopLossConfig{
			Enabled: true, Distance: dec("40"), Kind: types.StopTrailing, TrailFreq: dec("4"),
		},
		BreakEven:    types.BreakEvenConfig{Enabled: true, Ticks: 20},
		DistanceUnit: types.UnitTicks,
	}

	stop, be, err := buildStop(dec("21500"), types.Long, risk, "MNQ")
	if err != nil {
		t.Fatalf("buildStop: %v", err)
	}
	if be != nil {
		t.Error("break-even must be dropped with a trailing stop")
	}
	if stop.TrailDistance == nil || *stop.TrailDistance != -40 {
		t.Errorf("long trail distance = %v, want -40 ticks", stop.TrailDistance)
	}
	if stop.TrailFreq != 4 {
		t.Errorf("trail frequency = %d, want 4", stop.TrailFreq)
	}

	stop, _, err = buildStop(dec("21500"), types.Short, risk, "MNQ")
	if err != nil {
		t.Fatalf("buildStop short: %v", err)
	}
	if stop.TrailDistance == nil || *stop.TrailDistance != 40 {
		t.Errorf("short trail distance = %v, want +40 ticks", stop.TrailDistance)
	}
}

func TestBuildStopDisabled(t *testing.T) {
	t.Parallel()

	stop, be, err := buildStop(dec("21500"), types.Long, types.RiskConfig{}, "MNQ")
	if err != nil || stop != nil || be != nil {
		t.Errorf("disabled stop: got (%v, %v, %v), want all nil", stop, be, err)
	}
}
