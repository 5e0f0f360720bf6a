package gtp2ogs

// Speed classifies a game by pace. Admission limits and concurrency caps
// are configured per speed.
type Speed string

const (
	SpeedBlitz          Speed = "blitz"
	SpeedLive           Speed = "live"
	SpeedCorrespondence Speed = "correspondence"
)

// Time control systems the server uses. GTP dialects express a narrower
// vocabulary; the clock translator maps between the two.
const (
	SystemFischer  = "fischer"
	SystemByoyomi  = "byoyomi"
	SystemCanadian = "canadian"
	SystemSimple   = "simple"
	SystemAbsolute = "absolute"
	SystemNone     = "none"
)

// TimeControl is the server's time configuration for a game. Only the
// fields relevant to System are populated; everything is in seconds.
type TimeControl struct {
	System string `json:"system"`
	Speed  Speed  `json:"speed"`

	// Byoyomi and canadian.
	MainTime   int `json:"main_time,omitempty"`
	PeriodTime int `json:"period_time,omitempty"`
	Periods    int `json:"periods,omitempty"`

	// Canadian.
	StonesPerPeriod int `json:"stones_per_period,omitempty"`

	// Fischer.
	InitialTime   int `json:"initial_time,omitempty"`
	TimeIncrement int `json:"time_increment,omitempty"`
	MaxTime       int `json:"max_time,omitempty"`

	// Simple.
	PerMove int `json:"per_move,omitempty"`

	// Absolute.
	TotalTime int `json:"total_time,omitempty"`
}

// PlayerClock is one color's clock snapshot. Which fields are meaningful
// depends on the time control system:
//
//   - byoyomi: ThinkingTime, Periods, PeriodTime
//   - canadian: ThinkingTime, MovesLeft, BlockTime
//   - fischer, absolute: ThinkingTime
//   - simple: none (the per-move budget comes from the time control)
type PlayerClock struct {
	ThinkingTime float64 `json:"thinking_time"`
	Periods      int     `json:"periods,omitempty"`
	PeriodTime   float64 `json:"period_time,omitempty"`
	MovesLeft    int     `json:"moves_left,omitempty"`
	BlockTime    float64 `json:"block_time,omitempty"`
}

// Clock is the server's clock snapshot for a game.
type Clock struct {
	// CurrentPlayer is the color to move. Elapsed time since LastMove is
	// charged to this color only.
	CurrentPlayer Color `json:"current_player"`

	// LastMove is the server timestamp of the last observed move, in
	// milliseconds since the epoch.
	LastMove int64 `json:"last_move"`

	Black PlayerClock `json:"black_time"`
	White PlayerClock `json:"white_time"`
}

// Player returns the snapshot for the given color.
func (c Clock) Player(color Color) PlayerClock {
	if color == Black {
		return c.Black
	}
	return c.White
}
