package dispatch

import (
	"fmt"
	"time"

	"futures-bridge/internal/store"
	"futures-bridge/pkg/types"
)

// filterSignal runs the strategy-level filter chain in its fixed order;
// the first failing filter short-circuits with its reason. Exit signals
// (close, tp_hit, sl_hit) bypass the chain entirely: a filter must
// never block getting flat.
func (d *Dispatcher) filterSignal(st *store.Strategy, action types.Action, now time.Time) (string, bool) {
	if !action.IsEntry() {
		return "", true
	}
	f := st.Settings.Filters

	if reason, ok := directionAllowed(f.Direction, action.Side()); !ok {
		return reason, false
	}
	if len(f.TimeWindows) > 0 && !inAnyWindow(f.TimeWindows, now) {
		return "outside_time_window", false
	}

	if f.CooldownSeconds > 0 {
		last, err := d.store.LastAcceptedSignalAt(st.ID)
		if err == nil && now.Sub(last) < time.Duration(f.CooldownSeconds)*time.Second {
			return "cooldown", false
		}
	}

	dayStart := startOfDay(now)

	if f.SessionCap > 0 {
		n, err := d.store.AcceptedSignalsSince(st.ID, dayStart)
		if err != nil {
			d.logger.Error("session cap query failed", "strategy", st.ID, "error", err)
		} else if n >= int64(f.SessionCap) {
			return "session_cap", false
		}
	}

	if f.DailyLossCap.IsPositive() {
		pnl, err := d.store.RealizedPnLSince(st.ID, dayStart)
		if err != nil {
			d.logger.Error("daily loss query failed", "strategy", st.ID, "error", err)
		} else if pnl.Neg().GreaterThanOrEqual(f.DailyLossCap) {
			return "daily_loss_cap", false
		}
	}

	if f.EveryNth > 1 {
		n, err := d.store.SignalsSince(st.ID, dayStart)
		if err != nil {
			d.logger.Error("every-nth query failed", "strategy", st.ID, "error", err)
		} else if (n+1)%int64(f.EveryNth) != 0 {
			return fmt.Sprintf("every_nth_%d", f.EveryNth), false
		}
	}

	return "", true
}

func directionAllowed(direction string, side types.Side) (string, bool) {
	switch direction {
	case "", "both":
		return "", true
	case string(types.Long):
		if side != types.Long {
			return "direction_long_only", false
		}
	case string(types.Short):
		if side != types.Short {
			return "direction_short_only", false
		}
	}
	return "", true
}

// inAnyWindow checks the wall clock against "HH:MM" windows; a window
// whose end is before its start wraps midnight.
func inAnyWindow(windows []store.TimeWindow, now time.Time) bool {
	minutes := now.Hour()*60 + now.Minute()
	for _, w := range windows {
		start, err1 := parseHHMM(w.Start)
		end, err2 := parseHHMM(w.End)
		if err1 != nil || err2 != nil {
			continue
		}
		if start <= end {
			if minutes >= start && minutes < end {
				return true
			}
		} else if minutes >= start || minutes < end {
			return true
		}
	}
	return false
}

func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func startOfDay(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}
