package gtp2ogs

// Challenge is the admission-relevant subset of an incoming challenge
// notification. The admission policy is a pure function of this value,
// the current per-speed game counts, and the configured rules.
type Challenge struct {
	ID int64 `json:"challenge_id"`

	UserID   int64  `json:"user_id"`
	Username string `json:"username"`

	Width    int  `json:"width"`
	Height   int  `json:"height"`
	Handicap int  `json:"handicap"`
	Ranked   bool `json:"ranked"`

	TimeControl TimeControl `json:"time_control"`
}

// GameState is the engine-facing view of a game: everything the adapter
// needs to rebuild the position and clock in a freshly acquired engine.
type GameState struct {
	ID       int64
	Width    int
	Height   int
	Komi     float64
	Handicap int

	// Moves is the full move history, handicap placements excluded.
	// Black moves first unless Handicap > 1.
	Moves []Move

	// HandicapStones are free handicap placements, when the server
	// provides explicit positions.
	HandicapStones []Move

	TimeControl TimeControl
	Clock       Clock
}

// ToMove returns the color whose turn it is, derived from the move count
// and handicap. The clock's CurrentPlayer takes precedence when set.
func (g GameState) ToMove() Color {
	if g.Clock.CurrentPlayer != "" {
		return g.Clock.CurrentPlayer
	}
	first := Black
	if g.Handicap > 1 {
		first = White
	}
	if len(g.Moves)%2 == 0 {
		return first
	}
	return first.Opponent()
}
