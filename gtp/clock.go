package gtp

import (
	"fmt"
	"math"
	"time"

	"github.com/poonpunokok/gtp2ogs"
)

// ClockState is the input to the clock translation: the server's clock
// snapshot plus everything needed to charge elapsed time correctly.
type ClockState struct {
	TimeControl gtp2ogs.TimeControl
	Clock       gtp2ogs.Clock
	Caps        Capabilities

	// FirstMove adds the startup buffer to the elapsed-time offset, so a
	// freshly spawned engine is not charged for its own startup.
	FirstMove     bool
	StartupBuffer time.Duration

	// Drift is the signed offset between server and client wall clocks;
	// "now" is wall time minus drift.
	Drift time.Duration

	// Now overrides wall time; zero means time.Now(). Tests inject it.
	Now time.Time
}

// ClockCommands translates a server clock snapshot into the ordered GTP
// time-setup command sequence for the engine's capability profile: one
// settings command followed by a time_left per color. Returns nil when
// no clock is configured. It never fails; unrepresentable values are
// floored and clamped at zero.
func ClockCommands(in ClockState) []string {
	tc := in.TimeControl
	if tc.System == "" || tc.System == gtp2ogs.SystemNone {
		return nil
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.Add(-in.Drift)

	// Elapsed time since the server last observed a move, charged only to
	// the color to move; it has been thinking for that long already.
	offsetMS := now.UnixMilli() - in.Clock.LastMove
	if in.FirstMove {
		offsetMS += in.StartupBuffer.Milliseconds()
	}
	offset := float64(offsetMS) / 1000
	if offset < 0 {
		offset = 0
	}

	toMove := in.Clock.CurrentPlayer
	if toMove == "" {
		toMove = gtp2ogs.Black
	}
	off := func(c gtp2ogs.Color) float64 {
		if c == toMove {
			return offset
		}
		return 0
	}

	colors := []gtp2ogs.Color{gtp2ogs.Black, gtp2ogs.White}
	var cmds []string

	switch tc.System {
	case gtp2ogs.SystemByoyomi:
		if in.Caps.KGSTime {
			cmds = append(cmds, fmt.Sprintf("kgs-time_settings byoyomi %d %d %d",
				tc.MainTime, tc.PeriodTime, tc.Periods))
			for _, c := range colors {
				pc := in.Clock.Player(c)
				pt := periodLen(pc.PeriodTime, tc.PeriodTime)
				t := pc.ThinkingTime - off(c)
				p := pc.Periods
				if t < 0 && p >= 1 && pt > 0 {
					// Main time exhausted: the elapsed remainder runs inside
					// the current period, then rolls down through the rest.
					// Never below the last period; within it, clamp at zero.
					t += pt
					for t < 0 && p > 1 {
						t += pt
						p--
					}
				}
				cmds = append(cmds, timeLeft(c, t, p))
			}
		} else {
			// Plain time_settings cannot express Japanese byoyomi. Map the
			// last period to a one-stone canadian overtime: the engine gets
			// a full period per move instead of budgeting the sum across
			// the remainder of the game.
			main := tc.MainTime + (tc.Periods-1)*tc.PeriodTime
			cmds = append(cmds, fmt.Sprintf("time_settings %d %d 1", main, tc.PeriodTime))
			for _, c := range colors {
				pc := in.Clock.Player(c)
				pt := periodLen(pc.PeriodTime, tc.PeriodTime)
				total := pc.ThinkingTime + float64(pc.Periods-1)*pt - off(c)
				if total <= pt {
					cmds = append(cmds, timeLeft(c, total, 1))
				} else {
					cmds = append(cmds, timeLeft(c, total-pt, 0))
				}
			}
		}

	case gtp2ogs.SystemCanadian:
		if in.Caps.KGSTime {
			cmds = append(cmds, fmt.Sprintf("kgs-time_settings canadian %d %d %d",
				tc.MainTime, tc.PeriodTime, tc.StonesPerPeriod))
		} else {
			cmds = append(cmds, fmt.Sprintf("time_settings %d %d %d",
				tc.MainTime, tc.PeriodTime, tc.StonesPerPeriod))
		}
		for _, c := range colors {
			pc := in.Clock.Player(c)
			t := pc.ThinkingTime - off(c)
			if t > 0 {
				cmds = append(cmds, timeLeft(c, t, 0))
				continue
			}
			// Rolled into overtime: the deficit comes out of the block.
			block := periodLen(pc.BlockTime, tc.PeriodTime) + t
			stones := pc.MovesLeft
			if stones <= 0 {
				stones = tc.StonesPerPeriod
			}
			cmds = append(cmds, timeLeft(c, block, stones))
		}

	case gtp2ogs.SystemFischer:
		if in.Caps.KataTime && in.Caps.FischerCapped {
			cmds = append(cmds, fmt.Sprintf("kata-time_settings fischer-capped %d %d %d -1",
				tc.InitialTime, tc.TimeIncrement, tc.MaxTime))
			for _, c := range colors {
				pc := in.Clock.Player(c)
				cmds = append(cmds, timeLeft(c, pc.ThinkingTime-off(c), 0))
			}
			break
		}
		// Fischer as one-stone canadian: the increment becomes the per-move
		// overtime block. The increment is subtracted from reported thinking
		// because the server credits it before the move, the emulation after.
		incr := tc.TimeIncrement
		if in.Caps.KGSTime {
			cmds = append(cmds, fmt.Sprintf("kgs-time_settings canadian %d %d 1",
				tc.InitialTime-incr, incr))
		} else {
			cmds = append(cmds, fmt.Sprintf("time_settings %d %d 1",
				tc.InitialTime-incr, incr))
		}
		for _, c := range colors {
			pc := in.Clock.Player(c)
			t := pc.ThinkingTime - float64(incr) - off(c)
			if t >= 0 {
				cmds = append(cmds, timeLeft(c, t, 0))
			} else {
				cmds = append(cmds, timeLeft(c, float64(incr)+t, 1))
			}
		}

	case gtp2ogs.SystemSimple:
		// The server's thinking field is unreliable for simple; the budget
		// is always exactly one per-move block.
		cmds = append(cmds, fmt.Sprintf("time_settings 0 %d 1", tc.PerMove))
		for _, c := range colors {
			cmds = append(cmds, timeLeft(c, float64(tc.PerMove), 1))
		}

	case gtp2ogs.SystemAbsolute:
		total := tc.TotalTime
		if total == 0 {
			total = tc.MainTime
		}
		cmds = append(cmds, fmt.Sprintf("time_settings %d 0 0", total))
		for _, c := range colors {
			pc := in.Clock.Player(c)
			cmds = append(cmds, timeLeft(c, pc.ThinkingTime-off(c), 0))
		}

	default:
		// Unknown system: leave the engine unclocked rather than feed it a
		// wrong budget.
		return nil
	}

	return cmds
}

// timeLeft formats one time_left command, flooring to integer seconds
// and clamping at zero.
func timeLeft(c gtp2ogs.Color, seconds float64, count int) string {
	return fmt.Sprintf("time_left %s %d %d", c, floorSecs(seconds), count)
}

func floorSecs(t float64) int {
	if t < 0 {
		return 0
	}
	return int(math.Floor(t))
}

// periodLen prefers the per-color reported period length, falling back
// to the time control's configured value.
func periodLen(reported float64, configured int) float64 {
	if reported > 0 {
		return reported
	}
	return float64(configured)
}
