// Package policy decides whether to accept or decline a challenge.
// Evaluation is a pure function of the challenge, the current per-speed
// game counts, and the configured rules: same inputs, same decision,
// same rejection code.
package policy

import (
	"fmt"
	"strconv"

	"github.com/poonpunokok/gtp2ogs"
)

// Stable, wire-visible rejection codes. The counterpart client uses them
// to display a localized reason.
const (
	CodeBlacklisted             = "blacklisted"
	CodeBoardSizeNotSquare      = "board_size_not_square"
	CodeBoardSizeNotAllowed     = "board_size_not_allowed"
	CodeHandicapNotAllowed      = "handicap_not_allowed"
	CodeUnrankedNotAllowed      = "unranked_not_allowed"
	CodeBlitzNotAllowed         = "blitz_not_allowed"
	CodeTooManyBlitz            = "too_many_blitz_games"
	CodeLiveNotAllowed          = "live_not_allowed"
	CodeTooManyLive             = "too_many_live_games"
	CodeCorrNotAllowed          = "correspondence_not_allowed"
	CodeTooManyCorr             = "too_many_correspondence_games"
	CodeTimeControlNotAllowed   = "time_control_system_not_allowed"
	CodeTimeIncrementOutOfRange = "time_increment_out_of_range"
	CodePeriodTimeOutOfRange    = "period_time_out_of_range"
	CodePeriodsOutOfRange       = "periods_out_of_range"
	CodeMainTimeOutOfRange      = "main_time_out_of_range"
	CodePerMoveTimeOutOfRange   = "per_move_time_out_of_range"
)

// Rejection carries a human-readable message, a stable machine-readable
// code, and details sufficient to reconstruct the violation.
type Rejection struct {
	Code    string         `json:"rejection_code"`
	Message string         `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Counts is the number of currently connected games per speed.
type Counts struct {
	Blitz          int
	Live           int
	Correspondence int
}

// Of returns the count for a speed.
func (c Counts) Of(s gtp2ogs.Speed) int {
	switch s {
	case gtp2ogs.SpeedBlitz:
		return c.Blitz
	case gtp2ogs.SpeedCorrespondence:
		return c.Correspondence
	default:
		return c.Live
	}
}

// Range is an inclusive [Min, Max] bound in the unit of the checked field.
type Range struct {
	Min int `json:"min" mapstructure:"min"`
	Max int `json:"max" mapstructure:"max"`
}

// Contains reports whether v lies inside the range.
func (r Range) Contains(v int) bool { return v >= r.Min && v <= r.Max }

func (r Range) slice() []int { return []int{r.Min, r.Max} }

// SpeedSettings are the admission limits for one speed class. A nil
// SpeedSettings in Config means the speed is not allowed at all.
type SpeedSettings struct {
	ConcurrentGames int   `mapstructure:"concurrent_games"`
	PerMoveTime     Range `mapstructure:"per_move_time_range"`
	MainTime        Range `mapstructure:"main_time_range"`
	Periods         Range `mapstructure:"periods_range"`
}

// BoardSizeMode selects how board sizes are admitted.
type BoardSizeMode int

const (
	// BoardSizesAll accepts any dimensions.
	BoardSizesAll BoardSizeMode = iota
	// BoardSizesSquare accepts any square board.
	BoardSizesSquare
	// BoardSizesList accepts square boards whose side is listed.
	BoardSizesList
)

// BoardSizes is the configured board-size rule.
type BoardSizes struct {
	Mode  BoardSizeMode
	Sizes []int
}

// Config is the full admission rule set.
type Config struct {
	Blacklist []string
	Whitelist []string

	AllowedTimeControls []string
	AllowedBoardSizes   BoardSizes
	AllowHandicap       bool
	AllowUnranked       bool

	Blitz          *SpeedSettings
	Live           *SpeedSettings
	Correspondence *SpeedSettings
}

func (c Config) speedSettings(s gtp2ogs.Speed) *SpeedSettings {
	switch s {
	case gtp2ogs.SpeedBlitz:
		return c.Blitz
	case gtp2ogs.SpeedCorrespondence:
		return c.Correspondence
	default:
		return c.Live
	}
}

// Evaluate runs the admission ladder. It returns nil to accept, or the
// first rejection encountered. Whitelist membership clears any rejection.
func Evaluate(ch gtp2ogs.Challenge, counts Counts, cfg Config) *Rejection {
	rej := evaluate(ch, counts, cfg)
	if rej != nil && matchesUser(cfg.Whitelist, ch) {
		return nil
	}
	return rej
}

func evaluate(ch gtp2ogs.Challenge, counts Counts, cfg Config) *Rejection {
	if matchesUser(cfg.Blacklist, ch) {
		return &Rejection{
			Code:    CodeBlacklisted,
			Message: "you are not allowed to play against this bot",
			Details: map[string]any{"user_id": ch.UserID, "username": ch.Username},
		}
	}

	tc := ch.TimeControl
	if len(cfg.AllowedTimeControls) > 0 && !contains(cfg.AllowedTimeControls, tc.System) {
		return &Rejection{
			Code:    CodeTimeControlNotAllowed,
			Message: fmt.Sprintf("time control system %q is not allowed", tc.System),
			Details: map[string]any{"time_control": tc.System, "allowed": cfg.AllowedTimeControls},
		}
	}

	speed := tc.Speed
	if speed == "" {
		speed = gtp2ogs.SpeedLive
	}
	settings := cfg.speedSettings(speed)
	if settings == nil {
		return speedNotAllowed(speed)
	}

	if rej := checkRanges(tc, settings); rej != nil {
		return rej
	}

	if counts.Of(speed) >= settings.ConcurrentGames {
		return tooMany(speed, counts.Of(speed), settings.ConcurrentGames)
	}

	if rej := checkBoardSize(ch, cfg.AllowedBoardSizes); rej != nil {
		return rej
	}

	if !cfg.AllowHandicap && ch.Handicap != 0 {
		return &Rejection{
			Code:    CodeHandicapNotAllowed,
			Message: "handicap games are not allowed",
			Details: map[string]any{"handicap": ch.Handicap},
		}
	}

	if !cfg.AllowUnranked && !ch.Ranked {
		return &Rejection{
			Code:    CodeUnrankedNotAllowed,
			Message: "unranked games are not allowed",
			Details: map[string]any{"ranked": ch.Ranked},
		}
	}

	return nil
}

// checkRanges applies the per-speed bounds to the fields relevant to the
// challenge's time control system.
func checkRanges(tc gtp2ogs.TimeControl, s *SpeedSettings) *Rejection {
	switch tc.System {
	case gtp2ogs.SystemFischer:
		if !s.PerMoveTime.Contains(tc.TimeIncrement) {
			return outOfRange(CodeTimeIncrementOutOfRange, "time increment",
				"time_increment", tc.TimeIncrement, s.PerMoveTime)
		}
	case gtp2ogs.SystemByoyomi:
		if !s.PerMoveTime.Contains(tc.PeriodTime) {
			return outOfRange(CodePeriodTimeOutOfRange, "period time",
				"period_time", tc.PeriodTime, s.PerMoveTime)
		}
		if !s.Periods.Contains(tc.Periods) {
			return outOfRange(CodePeriodsOutOfRange, "number of periods",
				"periods", tc.Periods, s.Periods)
		}
		if !s.MainTime.Contains(tc.MainTime) {
			return outOfRange(CodeMainTimeOutOfRange, "main time",
				"main_time", tc.MainTime, s.MainTime)
		}
	case gtp2ogs.SystemSimple:
		if !s.PerMoveTime.Contains(tc.PerMove) {
			return outOfRange(CodePerMoveTimeOutOfRange, "time per move",
				"per_move", tc.PerMove, s.PerMoveTime)
		}
	}
	return nil
}

func checkBoardSize(ch gtp2ogs.Challenge, sizes BoardSizes) *Rejection {
	switch sizes.Mode {
	case BoardSizesAll:
		return nil
	case BoardSizesSquare:
		if ch.Width != ch.Height {
			return &Rejection{
				Code:    CodeBoardSizeNotSquare,
				Message: fmt.Sprintf("board must be square, got %dx%d", ch.Width, ch.Height),
				Details: map[string]any{"width": ch.Width, "height": ch.Height},
			}
		}
		return nil
	default:
		if ch.Width != ch.Height {
			return &Rejection{
				Code:    CodeBoardSizeNotSquare,
				Message: fmt.Sprintf("board must be square, got %dx%d", ch.Width, ch.Height),
				Details: map[string]any{"width": ch.Width, "height": ch.Height},
			}
		}
		for _, n := range sizes.Sizes {
			if n == ch.Width {
				return nil
			}
		}
		return &Rejection{
			Code:    CodeBoardSizeNotAllowed,
			Message: fmt.Sprintf("board size %dx%d is not allowed", ch.Width, ch.Height),
			Details: map[string]any{"width": ch.Width, "height": ch.Height, "allowed": sizes.Sizes},
		}
	}
}

func speedNotAllowed(s gtp2ogs.Speed) *Rejection {
	var code string
	switch s {
	case gtp2ogs.SpeedBlitz:
		code = CodeBlitzNotAllowed
	case gtp2ogs.SpeedCorrespondence:
		code = CodeCorrNotAllowed
	default:
		code = CodeLiveNotAllowed
	}
	return &Rejection{
		Code:    code,
		Message: fmt.Sprintf("%s games are not allowed", s),
		Details: map[string]any{"speed": string(s)},
	}
}

func tooMany(s gtp2ogs.Speed, current, limit int) *Rejection {
	var code string
	switch s {
	case gtp2ogs.SpeedBlitz:
		code = CodeTooManyBlitz
	case gtp2ogs.SpeedCorrespondence:
		code = CodeTooManyCorr
	default:
		code = CodeTooManyLive
	}
	return &Rejection{
		Code:    code,
		Message: fmt.Sprintf("already playing %d %s game(s), limit is %d", current, s, limit),
		Details: map[string]any{"current": current, "limit": limit},
	}
}

func outOfRange(code, what, field string, got int, r Range) *Rejection {
	return &Rejection{
		Code:    code,
		Message: fmt.Sprintf("%s %d is out of the allowed range [%d, %d]", what, got, r.Min, r.Max),
		Details: map[string]any{field: got, "range": r.slice()},
	}
}

// matchesUser reports whether the challenger's id or username appears in
// the list.
func matchesUser(list []string, ch gtp2ogs.Challenge) bool {
	id := strconv.FormatInt(ch.UserID, 10)
	for _, entry := range list {
		if entry == id || entry == ch.Username {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, entry := range list {
		if entry == v {
			return true
		}
	}
	return false
}
