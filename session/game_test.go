//go:build !windows

package session

import (
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/poonpunokok/gtp2ogs"
	"github.com/poonpunokok/gtp2ogs/pool"
)

const gamedataJSON = `{
	"game_id": 100, "phase": "play",
	"width": 19, "height": 19, "komi": 6.5, "handicap": 0,
	"players": {"black": {"id": 5}, "white": {"id": 1001}},
	"moves": [[15, 3, 4200], [3, 15, 3100]],
	"time_control": {"system": "byoyomi", "speed": "live",
		"main_time": 600, "period_time": 30, "periods": 5},
	"clock": {"current_player": 5, "last_move": 1700000000000,
		"black_time": {"thinking_time": 580, "periods": 5, "period_time": 30},
		"white_time": {"thinking_time": 600, "periods": 5, "period_time": 30}}
}`

func TestParseGameState(t *testing.T) {
	st, blackID, whiteID := parseGameState([]byte(gamedataJSON))

	if st.ID != 100 || st.Width != 19 || st.Height != 19 || st.Komi != 6.5 {
		t.Errorf("state = %+v", st)
	}
	if blackID != 5 || whiteID != 1001 {
		t.Errorf("players = %d / %d", blackID, whiteID)
	}
	wantMoves := []gtp2ogs.Move{{X: 15, Y: 3}, {X: 3, Y: 15}}
	if !reflect.DeepEqual(st.Moves, wantMoves) {
		t.Errorf("moves = %v, want %v", st.Moves, wantMoves)
	}
	if st.TimeControl.System != gtp2ogs.SystemByoyomi || st.TimeControl.Periods != 5 {
		t.Errorf("time control = %+v", st.TimeControl)
	}
	if st.Clock.CurrentPlayer != gtp2ogs.Black {
		t.Errorf("current player = %q, want black", st.Clock.CurrentPlayer)
	}
	if st.Clock.Black.ThinkingTime != 580 {
		t.Errorf("black clock = %+v", st.Clock.Black)
	}
}

func TestParseGameStateFreeHandicap(t *testing.T) {
	data := `{
		"game_id": 101, "width": 19, "height": 19, "handicap": 3,
		"players": {"black": {"id": 5}, "white": {"id": 1001}},
		"free_handicap_placement": [[3, 3], [15, 15], [3, 15]],
		"moves": [[3, 3], [15, 15], [3, 15], [15, 3]]
	}`
	st, _, _ := parseGameState([]byte(data))

	if len(st.HandicapStones) != 3 {
		t.Fatalf("handicap stones = %v", st.HandicapStones)
	}
	// The placements repeated at the head of the move list are not
	// alternating moves.
	wantMoves := []gtp2ogs.Move{{X: 15, Y: 3}}
	if !reflect.DeepEqual(st.Moves, wantMoves) {
		t.Errorf("moves = %v, want %v", st.Moves, wantMoves)
	}
}

func TestParseWireMove(t *testing.T) {
	mv, ok := parseWireMove(gjson.Parse(`[15, 3, 4200]`))
	if !ok || mv != (gtp2ogs.Move{X: 15, Y: 3}) {
		t.Errorf("move = %v, %v", mv, ok)
	}
	mv, ok = parseWireMove(gjson.Parse(`[-1, -1]`))
	if !ok || !mv.IsPass() {
		t.Errorf("pass = %v, %v", mv, ok)
	}
	if _, ok := parseWireMove(gjson.Parse(`[]`)); ok {
		t.Error("empty array parsed as a move")
	}
}

func TestParseClockWith(t *testing.T) {
	data := `{"current_player": 1001, "last_move": 1700000123456,
		"black_time": {"thinking_time": 100, "periods": 2, "period_time": 30},
		"white_time": 450}`
	c := parseClockWith([]byte(data), 5)

	if c.CurrentPlayer != gtp2ogs.White {
		t.Errorf("current player = %q, want white", c.CurrentPlayer)
	}
	if c.LastMove != 1700000123456 {
		t.Errorf("last move = %d", c.LastMove)
	}
	if c.Black.ThinkingTime != 100 || c.Black.Periods != 2 {
		t.Errorf("black = %+v", c.Black)
	}
	// Bare-number clocks carry only thinking time.
	if c.White.ThinkingTime != 450 {
		t.Errorf("white = %+v", c.White)
	}
}

func TestSetupCommands(t *testing.T) {
	st := gtp2ogs.GameState{
		Width: 19, Height: 19, Komi: 6.5,
		Moves: []gtp2ogs.Move{{X: 15, Y: 3}, {X: 3, Y: 15}},
	}
	got := setupCommands(st, false)
	want := []string{
		"boardsize 19",
		"clear_board",
		"komi 6.5",
		"play black q16",
		"play white d4",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSetupCommandsHandicap(t *testing.T) {
	st := gtp2ogs.GameState{
		Width: 19, Height: 19, Komi: 0.5, Handicap: 2,
		HandicapStones: []gtp2ogs.Move{{X: 3, Y: 3}, {X: 15, Y: 15}},
		Moves:          []gtp2ogs.Move{{X: 15, Y: 3}},
	}
	got := setupCommands(st, true)
	want := []string{
		"boardsize 19",
		"clear_board",
		"komi 0.5",
		"set_free_handicap d16 q4",
		"play white q16", // white moves first after handicap placement
		"showboard",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSetupCommandsRectangular(t *testing.T) {
	st := gtp2ogs.GameState{Width: 19, Height: 13}
	got := setupCommands(st, false)
	if got[0] != "rectangular_boardsize 19 13" {
		t.Errorf("got %q", got[0])
	}
}

// gameStubEngine answers the handshake and produces q16 for genmove.
const gameStubEngine = `
while read -r line; do
  case "$line" in
    list_commands*) printf '= play\ngenmove\nboardsize\nclear_board\nkomi\n\n' ;;
    genmove*) printf '= q16\n\n' ;;
    quit*) exit 0 ;;
    *) printf '= \n\n' ;;
  esac
done
`

func TestGamePlaysWhenItsOurTurn(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	p := pool.New(pool.RoleMain, pool.Config{
		Command: []string{"/bin/sh", "-c", gameStubEngine},
		Size:    1,
	}, log)
	t.Cleanup(p.Shutdown)

	c, sock, _ := newTestController(t, Options{NoClock: true},
		map[pool.Role]*pool.Pool{pool.RoleMain: p})

	c.handleActiveGame([]byte(`{"id": 100, "phase": "play", "time_control": {"speed": "live"}}`))
	sock.fire("game/100/gamedata", gamedataJSON)

	data := sock.waitEmit(t, "game/move")
	if gjson.GetBytes(data, "game_id").Int() != 100 {
		t.Errorf("game/move = %s", data)
	}
	// q16 on a 19-line board is x=15, y=3 from the top: "pd" on the wire.
	if mv := gjson.GetBytes(data, "move").String(); mv != "pd" {
		t.Errorf("move = %q, want pd", mv)
	}

	// The engine goes back to the pool once the move is produced.
	deadline := time.Now().Add(5 * time.Second)
	for p.Available() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("engine never released")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGameResignsAfterRepeatedFailures(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	// Engine that rejects every genmove.
	p := pool.New(pool.RoleMain, pool.Config{
		Command: []string{"/bin/sh", "-c", `
while read -r line; do
  case "$line" in
    list_commands*) printf '= play\ngenmove\n\n' ;;
    genmove*) printf '? cannot generate\n\n' ;;
    quit*) exit 0 ;;
    *) printf '= \n\n' ;;
  esac
done
`},
		Size: 1,
	}, log)
	t.Cleanup(p.Shutdown)

	c, sock, _ := newTestController(t, Options{NoClock: true},
		map[pool.Role]*pool.Pool{pool.RoleMain: p})

	c.handleActiveGame([]byte(`{"id": 100, "phase": "play", "time_control": {"speed": "live"}}`))
	g := c.Game(100)
	if g == nil {
		t.Fatal("no descriptor")
	}
	for i := 0; i < maxMoveFailures; i++ {
		sock.fire("game/100/gamedata", gamedataJSON)
		deadline := time.Now().Add(5 * time.Second)
		for {
			g.mu.Lock()
			failures, thinking := g.failures, g.thinking
			g.mu.Unlock()
			if failures > i && !thinking {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("failure %d never recorded", i+1)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	data := sock.waitEmit(t, "game/resign")
	if gjson.GetBytes(data, "game_id").Int() != 100 {
		t.Errorf("game/resign = %s", data)
	}
}

func TestGameEngineResignation(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	p := pool.New(pool.RoleMain, pool.Config{
		Command: []string{"/bin/sh", "-c", `
while read -r line; do
  case "$line" in
    list_commands*) printf '= play\ngenmove\n\n' ;;
    genmove*) printf '= resign\n\n' ;;
    quit*) exit 0 ;;
    *) printf '= \n\n' ;;
  esac
done
`},
		Size: 1,
	}, log)
	t.Cleanup(p.Shutdown)

	c, sock, _ := newTestController(t, Options{NoClock: true},
		map[pool.Role]*pool.Pool{pool.RoleMain: p})

	c.handleActiveGame([]byte(`{"id": 100, "phase": "play", "time_control": {"speed": "live"}}`))
	sock.fire("game/100/gamedata", gamedataJSON)

	data := sock.waitEmit(t, "game/resign")
	if gjson.GetBytes(data, "game_id").Int() != 100 {
		t.Errorf("game/resign = %s", data)
	}
}

func TestPoolForRoles(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	mk := func(role pool.Role) *pool.Pool {
		p := pool.New(role, pool.Config{
			Command: []string{"/bin/sh", "-c", gameStubEngine},
			Size:    1,
		}, log)
		t.Cleanup(p.Shutdown)
		return p
	}
	pools := map[pool.Role]*pool.Pool{
		pool.RoleMain:    mk(pool.RoleMain),
		pool.RoleOpening: mk(pool.RoleOpening),
		pool.RoleEnding:  mk(pool.RoleEnding),
	}
	c, _, _ := newTestController(t, Options{}, pools)
	g := newGame(c, 1, gtp2ogs.SpeedLive)

	if got := g.poolFor(0, 361); got != pools[pool.RoleOpening] {
		t.Errorf("move 0 routed to %s", got.Role())
	}
	if got := g.poolFor(100, 361); got != pools[pool.RoleMain] {
		t.Errorf("move 100 routed to %s", got.Role())
	}
	if got := g.poolFor(200, 361); got != pools[pool.RoleEnding] {
		t.Errorf("move 200 routed to %s", got.Role())
	}
}
