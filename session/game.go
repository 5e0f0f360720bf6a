package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/poonpunokok/gtp2ogs"
	"github.com/poonpunokok/gtp2ogs/gtp"
	"github.com/poonpunokok/gtp2ogs/pool"
)

const (
	// maxMoveFailures is how many engine errors a game tolerates before
	// resigning it.
	maxMoveFailures = 3

	// openingMoveLimit routes the first moves to the opening pool when
	// one is configured.
	openingMoveLimit = 20
)

// Game is the descriptor for one connected game: it consumes the
// per-game socket events, mirrors the server's view of the position and
// clock, and borrows pool engines to produce moves. An engine is held
// only for the duration of one move; the full position is replayed into
// whichever instance is acquired.
type Game struct {
	c     *Controller
	id    int64
	speed gtp2ogs.Speed
	log   logrus.FieldLogger

	mu       sync.Mutex
	state    gtp2ogs.GameState
	color    gtp2ogs.Color
	blackID  int64
	whiteID  int64
	haveData bool
	thinking bool
	failures int
	finish   *time.Timer
	closed   bool
}

func newGame(c *Controller, id int64, speed gtp2ogs.Speed) *Game {
	g := &Game{
		c:     c,
		id:    id,
		speed: speed,
		log:   c.log.WithField("game", id),
	}
	prefix := fmt.Sprintf("game/%d/", id)
	c.socket.Handle(prefix+"gamedata", g.handleGamedata)
	c.socket.Handle(prefix+"move", g.handleMove)
	c.socket.Handle(prefix+"clock", g.handleClock)
	c.socket.Handle(prefix+"phase", g.handlePhase)
	if err := c.socket.Emit("game/connect", map[string]any{"game_id": id, "chat": false}); err != nil {
		g.log.Warnf("game/connect: %v", err)
	}
	return g
}

// ID returns the server's game id.
func (g *Game) ID() int64 { return g.id }

// Speed returns the game's pace class.
func (g *Game) Speed() gtp2ogs.Speed { return g.speed }

// handleGamedata replaces the descriptor's view of the game with the
// server's full snapshot.
func (g *Game) handleGamedata(data []byte) {
	st, blackID, whiteID := parseGameState(data)

	color := gtp2ogs.Black
	if whiteID == g.c.Identity().ID {
		color = gtp2ogs.White
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.state = st
	g.color = color
	g.blackID = blackID
	g.whiteID = whiteID
	g.haveData = true
	g.mu.Unlock()

	if gjson.GetBytes(data, "phase").String() == "finished" {
		g.scheduleFinish(g.c.opts.FinishGrace)
		return
	}
	g.maybeMove()
}

// handleMove appends one move to the mirrored history. The server echoes
// the bot's own moves too, which is what flips the turn back.
func (g *Game) handleMove(data []byte) {
	mv, ok := parseWireMove(gjson.GetBytes(data, "move"))
	if !ok {
		g.log.Warnf("unparseable move event: %s", data)
		return
	}
	g.mu.Lock()
	if g.closed || !g.haveData {
		g.mu.Unlock()
		return
	}
	g.state.Moves = append(g.state.Moves, mv)
	g.mu.Unlock()
	g.maybeMove()
}

// handleClock replaces the mirrored clock snapshot.
func (g *Game) handleClock(data []byte) {
	g.mu.Lock()
	if g.closed || !g.haveData {
		g.mu.Unlock()
		return
	}
	g.state.Clock = parseClockWith(data, g.blackID)
	g.mu.Unlock()
	g.maybeMove()
}

func (g *Game) handlePhase(data []byte) {
	phase := gjson.ParseBytes(data).String()
	g.log.Debugf("phase %s", phase)
	if phase == "finished" {
		g.scheduleFinish(g.c.opts.FinishGrace)
	}
}

// maybeMove starts one move production if it is the bot's turn and no
// move is already in flight.
func (g *Game) maybeMove() {
	g.mu.Lock()
	if g.closed || g.thinking || !g.haveData || g.state.ToMove() != g.color {
		g.mu.Unlock()
		return
	}
	g.thinking = true
	st := g.state
	g.mu.Unlock()

	go g.play(st)
}

// play produces and submits one move. Engine failures are counted; past
// the threshold the game is resigned rather than retried forever.
func (g *Game) play(st gtp2ogs.GameState) {
	defer func() {
		g.mu.Lock()
		g.thinking = false
		g.mu.Unlock()
	}()

	ctx := g.c.runCtx
	mv, resign, err := g.genmove(ctx, st)
	if err != nil {
		g.mu.Lock()
		g.failures++
		n := g.failures
		g.mu.Unlock()
		g.log.Errorf("move %d failed (%d/%d): %v", len(st.Moves)+1, n, maxMoveFailures, err)
		if n >= maxMoveFailures {
			g.resign()
		}
		return
	}

	if resign {
		g.resign()
		return
	}
	err = g.c.socket.Emit("game/move", map[string]any{"game_id": g.id, "move": mv.SGF()})
	if err != nil {
		g.log.Errorf("submit move: %v", err)
		return
	}
	g.log.Infof("played %s as move %d", mv.Vertex(st.Height), len(st.Moves)+1)
}

func (g *Game) resign() {
	if err := g.c.socket.Emit("game/resign", map[string]any{"game_id": g.id}); err != nil {
		g.log.Errorf("resign: %v", err)
		return
	}
	g.log.Infof("resigned")
}

// genmove borrows an engine, rebuilds the position and clock in it, and
// asks for a move. A resign answer is cross-checked against the
// resignation-check pool when one is configured.
func (g *Game) genmove(ctx context.Context, st gtp2ogs.GameState) (gtp2ogs.Move, bool, error) {
	p := g.poolFor(len(st.Moves), st.Width*st.Height)
	body, err := g.askEngine(ctx, p, st, true)
	if err != nil {
		return gtp2ogs.Move{}, false, err
	}

	if strings.EqualFold(strings.TrimSpace(body), "resign") {
		if mv, override := g.checkResign(ctx, st); override {
			return mv, false, nil
		}
		return gtp2ogs.Move{}, true, nil
	}

	mv, err := gtp2ogs.ParseVertex(body, st.Height)
	if err != nil {
		return gtp2ogs.Move{}, false, err
	}
	return mv, false, nil
}

// checkResign consults the resignation-check pool. It returns an
// override move when the checker disagrees with the resignation; any
// checker failure lets the original resignation stand.
func (g *Game) checkResign(ctx context.Context, st gtp2ogs.GameState) (gtp2ogs.Move, bool) {
	p, ok := g.c.pools[pool.RoleResignCheck]
	if !ok {
		return gtp2ogs.Move{}, false
	}
	body, err := g.askEngine(ctx, p, st, false)
	if err != nil {
		g.log.Warnf("resign check: %v", err)
		return gtp2ogs.Move{}, false
	}
	if strings.EqualFold(strings.TrimSpace(body), "resign") {
		return gtp2ogs.Move{}, false
	}
	mv, err := gtp2ogs.ParseVertex(body, st.Height)
	if err != nil {
		g.log.Warnf("resign check: %v", err)
		return gtp2ogs.Move{}, false
	}
	g.log.Infof("resign check overrode resignation with %s", body)
	return mv, true
}

// askEngine runs one full move exchange against an engine borrowed from
// p: position replay, clock setup, genmove. The engine's stderr is
// relayed while it is held.
func (g *Game) askEngine(ctx context.Context, p *pool.Pool, st gtp2ogs.GameState, withClock bool) (string, error) {
	eng, err := p.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("session: acquire %s engine: %w", p.Role(), err)
	}
	defer p.Release(eng)

	stop := make(chan struct{})
	go g.relayChat(eng, len(st.Moves), stop)
	defer close(stop)

	cmds := setupCommands(st, g.c.opts.ShowBoard)
	if withClock && !g.c.opts.NoClock {
		cmds = append(cmds, gtp.ClockCommands(gtp.ClockState{
			TimeControl:   st.TimeControl,
			Clock:         st.Clock,
			Caps:          eng.Caps(),
			FirstMove:     eng.FirstMove(),
			StartupBuffer: g.c.opts.StartupBuffer,
			Drift:         g.c.ClockDrift(),
		})...)
	}

	body, err := g.exchange(ctx, eng, cmds, "genmove "+string(g.botColor()))
	eng.SetFirstMove(false)
	return body, err
}

func (g *Game) botColor() gtp2ogs.Color {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.color
}

// exchange issues the setup commands and the final command. In JSON
// transport mode everything is batched into one object and the engine
// answers all at once; in raw mode each command is awaited in turn.
func (g *Game) exchange(ctx context.Context, eng *gtp.Engine, cmds []string, final string) (string, error) {
	if g.c.opts.JSONTransport {
		slots := make([]<-chan gtp.Result, len(cmds))
		for i, c := range cmds {
			slots[i] = eng.Submit(c)
		}
		finalCh := eng.SubmitFinal(final)

		var res gtp.Result
		select {
		case res = <-finalCh:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		// FIFO dispatch: once the final slot resolved, every earlier slot
		// has too. Surface the earliest setup error over the final result.
		for i, ch := range slots {
			select {
			case r := <-ch:
				if r.Err != nil {
					return "", fmt.Errorf("session: %q: %w", cmds[i], r.Err)
				}
			default:
			}
		}
		if res.Err != nil {
			return "", fmt.Errorf("session: %q: %w", final, res.Err)
		}
		return res.Body, nil
	}

	for _, c := range cmds {
		body, err := eng.Command(ctx, c)
		if err != nil {
			return "", fmt.Errorf("session: %q: %w", c, err)
		}
		if c == "showboard" && body != "" {
			g.log.Debugf("board:\n%s", body)
		}
	}
	body, err := eng.Command(ctx, final)
	if err != nil {
		return "", fmt.Errorf("session: %q: %w", final, err)
	}
	return body, nil
}

// relayChat forwards the engine's stderr side channel while the engine
// is held for this game's move.
func (g *Game) relayChat(eng *gtp.Engine, moveNum int, stop <-chan struct{}) {
	for {
		select {
		case ev, ok := <-eng.Stderr():
			if !ok {
				return
			}
			switch {
			case ev.IsChat() && g.c.opts.AIChat:
				g.sendChat(ev.ChatChannel, ev.ChatBody, moveNum)
			case g.c.opts.OGSPV:
				if pv, ok := gtp.ParsePV(ev.Line); ok {
					g.sendChat("malkovich", "PV: "+pv, moveNum)
				} else {
					g.log.Debug(ev.Line)
				}
			default:
				g.log.Debug(ev.Line)
			}
		case <-stop:
			return
		}
	}
}

func (g *Game) sendChat(channel, body string, moveNum int) {
	err := g.c.socket.Emit("game/chat", map[string]any{
		"game_id":     g.id,
		"body":        body,
		"type":        channel,
		"move_number": moveNum,
	})
	if err != nil {
		g.log.Warnf("game/chat: %v", err)
	}
}

// poolFor picks the engine pool for the next move: the opening pool for
// the earliest moves and the ending pool once the board is half full,
// whenever those pools are configured.
func (g *Game) poolFor(moves, area int) *pool.Pool {
	if p, ok := g.c.pools[pool.RoleOpening]; ok && moves < openingMoveLimit {
		return p
	}
	if p, ok := g.c.pools[pool.RoleEnding]; ok && moves*2 >= area {
		return p
	}
	return g.c.pools[pool.RoleMain]
}

// scheduleFinish arms the teardown grace timer once. Messages arriving
// inside the window still reach the live descriptor.
func (g *Game) scheduleFinish(grace time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.finish != nil {
		return
	}
	g.finish = time.AfterFunc(grace, func() { g.c.removeGame(g.id) })
}

// teardown ends the descriptor. Engines are never held across moves, so
// there is nothing to return to a pool here.
func (g *Game) teardown() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	if g.finish != nil {
		g.finish.Stop()
	}
	g.mu.Unlock()

	if err := g.c.socket.Emit("game/disconnect", map[string]any{"game_id": g.id}); err != nil {
		g.log.Debugf("game/disconnect: %v", err)
	}
}

// parseGameState reduces a gamedata payload to the engine-facing state
// plus the two player ids.
func parseGameState(data []byte) (st gtp2ogs.GameState, blackID, whiteID int64) {
	get := func(path string) gjson.Result { return gjson.GetBytes(data, path) }

	st.ID = get("game_id").Int()
	if st.ID == 0 {
		st.ID = get("id").Int()
	}
	st.Width = int(get("width").Int())
	st.Height = int(get("height").Int())
	st.Komi = get("komi").Float()
	st.Handicap = int(get("handicap").Int())

	for _, m := range get("free_handicap_placement").Array() {
		if mv, ok := parseWireMove(m); ok {
			st.HandicapStones = append(st.HandicapStones, mv)
		}
	}
	moves := get("moves").Array()
	// With free placement the server repeats the handicap stones at the
	// head of the move list; they are not alternating moves.
	skip := 0
	if len(st.HandicapStones) > 0 {
		skip = len(st.HandicapStones)
	}
	for i, m := range moves {
		if i < skip {
			continue
		}
		if mv, ok := parseWireMove(m); ok {
			st.Moves = append(st.Moves, mv)
		}
	}

	tc := get("time_control")
	st.TimeControl = gtp2ogs.TimeControl{
		System:          tc.Get("system").String(),
		Speed:           gtp2ogs.Speed(tc.Get("speed").String()),
		MainTime:        int(tc.Get("main_time").Int()),
		PeriodTime:      int(tc.Get("period_time").Int()),
		Periods:         int(tc.Get("periods").Int()),
		StonesPerPeriod: int(tc.Get("stones_per_period").Int()),
		InitialTime:     int(tc.Get("initial_time").Int()),
		TimeIncrement:   int(tc.Get("time_increment").Int()),
		MaxTime:         int(tc.Get("max_time").Int()),
		PerMove:         int(tc.Get("per_move").Int()),
		TotalTime:       int(tc.Get("total_time").Int()),
	}

	blackID = get("players.black.id").Int()
	whiteID = get("players.white.id").Int()

	st.Clock = parseClockWith(data, blackID)
	return st, blackID, whiteID
}

// parseClockWith decodes a clock payload, either the bare clock object
// or a wrapper with a "clock" field, mapping current_player from a user
// id to a color.
func parseClockWith(data []byte, blackID int64) gtp2ogs.Clock {
	get := func(path string) gjson.Result { return gjson.GetBytes(data, path) }
	clock := gjson.GetBytes(data, "clock")
	if clock.Exists() {
		get = func(path string) gjson.Result { return clock.Get(path) }
	}

	var c gtp2ogs.Clock
	c.LastMove = get("last_move").Int()
	if cur := get("current_player"); cur.Exists() {
		if cur.Int() == blackID {
			c.CurrentPlayer = gtp2ogs.Black
		} else {
			c.CurrentPlayer = gtp2ogs.White
		}
	}
	c.Black = parsePlayerClock(get("black_time"))
	c.White = parsePlayerClock(get("white_time"))
	return c
}

// parsePlayerClock accepts both forms the server sends: a bare number of
// seconds for the simpler systems, or a per-system object.
func parsePlayerClock(res gjson.Result) gtp2ogs.PlayerClock {
	if res.Type == gjson.Number {
		return gtp2ogs.PlayerClock{ThinkingTime: res.Float()}
	}
	return gtp2ogs.PlayerClock{
		ThinkingTime: res.Get("thinking_time").Float(),
		Periods:      int(res.Get("periods").Int()),
		PeriodTime:   res.Get("period_time").Float(),
		MovesLeft:    int(res.Get("moves_left").Int()),
		BlockTime:    res.Get("block_time").Float(),
	}
}

// parseWireMove decodes the server's [x, y, …] move triple. x == -1 is
// a pass.
func parseWireMove(res gjson.Result) (gtp2ogs.Move, bool) {
	arr := res.Array()
	if len(arr) < 2 {
		return gtp2ogs.Move{}, false
	}
	x := int(arr[0].Int())
	y := int(arr[1].Int())
	if x < 0 {
		return gtp2ogs.Pass, true
	}
	return gtp2ogs.Move{X: x, Y: y}, true
}

// setupCommands rebuilds the position in a fresh engine.
func setupCommands(st gtp2ogs.GameState, showboard bool) []string {
	var cmds []string
	if st.Width == st.Height {
		cmds = append(cmds, "boardsize "+strconv.Itoa(st.Width))
	} else {
		cmds = append(cmds, fmt.Sprintf("rectangular_boardsize %d %d", st.Width, st.Height))
	}
	cmds = append(cmds, "clear_board")
	cmds = append(cmds, "komi "+strconv.FormatFloat(st.Komi, 'f', -1, 64))

	if len(st.HandicapStones) > 0 {
		parts := make([]string, 0, len(st.HandicapStones)+1)
		parts = append(parts, "set_free_handicap")
		for _, m := range st.HandicapStones {
			parts = append(parts, m.Vertex(st.Height))
		}
		cmds = append(cmds, strings.Join(parts, " "))
	}

	color := gtp2ogs.Black
	if st.Handicap > 1 {
		color = gtp2ogs.White
	}
	for _, m := range st.Moves {
		cmds = append(cmds, "play "+string(color)+" "+m.Vertex(st.Height))
		color = color.Opponent()
	}

	if showboard {
		cmds = append(cmds, "showboard")
	}
	return cmds
}
