// Package session maintains the server connection on behalf of the bot
// account: it dispatches server events, owns the per-game descriptors,
// applies the admission policy to incoming challenges, and reports
// ongoing-game counts back to the server.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/poonpunokok/gtp2ogs"
	"github.com/poonpunokok/gtp2ogs/policy"
	"github.com/poonpunokok/gtp2ogs/pool"
)

// Socket is the server event transport the controller consumes. The
// synthetic "connect" and "disconnect" events frame the connection
// lifecycle; Call blocks for an acknowledged exchange.
type Socket interface {
	Handle(event string, fn func(data []byte))
	Emit(event string, payload any) error
	Call(ctx context.Context, event string, payload any) ([]byte, error)
}

// Rest is the REST surface for the operations the socket does not carry.
type Rest interface {
	AcceptChallenge(ctx context.Context, id int64) error
	DeclineChallenge(ctx context.Context, id int64, message string, rej *policy.Rejection) error
	AcceptFriendRequest(ctx context.Context, fromUser int64) error
}

// Identity is the authenticated bot account, assigned by the server's
// authenticate ack.
type Identity struct {
	ID       int64
	Username string
}

// Options configure the controller.
type Options struct {
	Username string
	APIKey   string
	Hidden   bool

	Policy policy.Config

	// Bridge behavior forwarded to games.
	AIChat        bool
	OGSPV         bool
	NoClock       bool
	ShowBoard     bool
	JSONTransport bool
	StartupBuffer time.Duration

	// Intervals; zero means the default.
	StatusInterval time.Duration // bot/status diffing, default 100ms
	DumpInterval   time.Duration // status line, default 60s
	PingInterval   time.Duration // clock drift probe, default 10s
	FinishGrace    time.Duration // finished-game teardown delay, default 1s
}

func (o *Options) fill() {
	if o.StatusInterval <= 0 {
		o.StatusInterval = 100 * time.Millisecond
	}
	if o.DumpInterval <= 0 {
		o.DumpInterval = 60 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 10 * time.Second
	}
	if o.FinishGrace <= 0 {
		o.FinishGrace = time.Second
	}
}

// Controller routes server events, owns the game descriptors, and holds
// the authenticated identity. All mutable state is guarded by one lock;
// handlers may fire from the socket's read loop and from timers.
type Controller struct {
	socket Socket
	rest   Rest
	pools  map[pool.Role]*pool.Pool
	opts   Options
	log    logrus.FieldLogger

	mu         sync.Mutex
	bound      bool
	connected  bool
	games      map[int64]*Game
	identity   Identity
	lastCounts policy.Counts
	reported   bool
	clockDrift time.Duration

	// runCtx is the lifetime of Run; game descriptors use it for engine
	// and REST work triggered by socket events.
	runCtx context.Context

	fatal chan error
}

// Notification types that carry no action for a bot and are silently
// dropped.
var ignorableNotifications = map[string]bool{
	"delete":                      true,
	"gameStarted":                 true,
	"gameEnded":                   true,
	"gameDeclined":                true,
	"gameResumedFromStoneRemoval": true,
	"tournamentStarted":           true,
	"tournamentEnded":             true,
	"aiReviewDone":                true,
}

// New builds a controller. pools must contain RoleMain; the other roles
// are optional.
func New(socket Socket, rest Rest, pools map[pool.Role]*pool.Pool, opts Options, log logrus.FieldLogger) *Controller {
	opts.fill()
	return &Controller{
		socket: socket,
		rest:   rest,
		pools:  pools,
		opts:   opts,
		log:    log.WithField("component", "session"),
		games:  make(map[int64]*Game),
		fatal:  make(chan error, 1),
	}
}

// Bind pins the run context and registers the controller's socket
// handlers. It must run before the socket starts dispatching, or the
// synthetic connect event can fire into an empty handler table and
// authentication never happens. Idempotent; Run binds on its own when
// the caller has not.
func (c *Controller) Bind(ctx context.Context) {
	c.mu.Lock()
	if c.bound {
		c.mu.Unlock()
		return
	}
	c.bound = true
	c.runCtx = ctx
	c.mu.Unlock()

	c.socket.Handle("connect", func([]byte) { go c.handleConnect(ctx) })
	c.socket.Handle("disconnect", func([]byte) { c.handleDisconnect() })
	c.socket.Handle("active_game", c.handleActiveGame)
	// Notification handling calls out over REST with retries; it must not
	// stall the socket's read loop.
	c.socket.Handle("notification", func(data []byte) { go c.handleNotification(ctx, data) })
	c.socket.Handle("net/pong", c.handlePong)
}

// Run drives the periodic work until ctx is canceled or a fatal error
// (failed authentication) occurs.
func (c *Controller) Run(ctx context.Context) error {
	c.Bind(ctx)

	status := time.NewTicker(c.opts.StatusInterval)
	defer status.Stop()
	dump := time.NewTicker(c.opts.DumpInterval)
	defer dump.Stop()
	ping := time.NewTicker(c.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-status.C:
			c.reportStatus()
		case <-dump.C:
			c.dumpStatus()
		case <-ping.C:
			c.sendPing()
		case err := <-c.fatal:
			c.teardownAll()
			return err
		case <-ctx.Done():
			c.teardownAll()
			return ctx.Err()
		}
	}
}

// Identity returns the authenticated bot account; zero before connect.
func (c *Controller) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// handleConnect authenticates once every required pool is ready, so the
// first accepted game can always be served.
func (c *Controller) handleConnect(ctx context.Context) {
	for _, role := range []pool.Role{pool.RoleMain, pool.RoleOpening, pool.RoleEnding} {
		p, ok := c.pools[role]
		if !ok {
			continue
		}
		if err := p.Ready(ctx); err != nil {
			c.fail(fmt.Errorf("session: %s pool not ready: %w", role, err))
			return
		}
	}

	ack, err := c.socket.Call(ctx, "authenticate", map[string]any{
		"jwt":          "",
		"bot_username": c.opts.Username,
		"bot_apikey":   c.opts.APIKey,
		"bot_config":   map[string]any{"hidden": c.opts.Hidden},
	})
	if err != nil {
		c.fail(fmt.Errorf("%w: %v", gtp2ogs.ErrAuthFailed, err))
		return
	}
	id := gjson.GetBytes(ack, "id")
	if !id.Exists() {
		c.fail(fmt.Errorf("%w: no such bot account %q", gtp2ogs.ErrAuthFailed, c.opts.Username))
		return
	}

	c.mu.Lock()
	c.identity = Identity{ID: id.Int(), Username: gjson.GetBytes(ack, "username").String()}
	c.connected = true
	c.mu.Unlock()

	c.log.Infof("authenticated as %s (id %d)", c.Identity().Username, c.Identity().ID)
	if c.opts.Hidden {
		if err := c.socket.Emit("bot/hidden", true); err != nil {
			c.log.Warnf("bot/hidden: %v", err)
		}
	}
}

// fail delivers a fatal error to Run. Only the first one matters.
func (c *Controller) fail(err error) {
	select {
	case c.fatal <- err:
	default:
	}
}

// handleDisconnect tears down every descriptor; reconnection is the
// transport's responsibility.
func (c *Controller) handleDisconnect() {
	c.mu.Lock()
	c.connected = false
	games := make([]*Game, 0, len(c.games))
	for _, g := range c.games {
		games = append(games, g)
	}
	c.games = make(map[int64]*Game)
	c.mu.Unlock()

	for _, g := range games {
		g.teardown()
	}
	c.log.Warnf("disconnected, dropped %d game(s)", len(games))
}

// handleActiveGame creates or finishes a descriptor. A finished phase
// schedules a delayed teardown so late gamedata still reaches a live
// descriptor; a repeat active_game for a connected game is a no-op.
func (c *Controller) handleActiveGame(data []byte) {
	id := gjson.GetBytes(data, "id").Int()
	if id == 0 {
		c.log.Warnf("active_game without id: %s", data)
		return
	}
	phase := gjson.GetBytes(data, "phase").String()
	speed := gtp2ogs.Speed(gjson.GetBytes(data, "time_control.speed").String())
	if speed == "" {
		speed = gtp2ogs.SpeedLive
	}

	if phase == "finished" {
		// Even a game never seen live gets a descriptor first, so any
		// gamedata arriving inside the grace window finds a consumer.
		g := c.ensureGame(id, speed)
		g.scheduleFinish(c.opts.FinishGrace)
		return
	}
	c.ensureGame(id, speed)
}

// ensureGame returns the descriptor for id, creating it if needed.
func (c *Controller) ensureGame(id int64, speed gtp2ogs.Speed) *Game {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.games[id]; ok {
		return g
	}
	g := newGame(c, id, speed)
	c.games[id] = g
	c.log.Infof("game %d connected (%s)", id, speed)
	return g
}

// removeGame drops and tears down a descriptor; no-op if already gone.
func (c *Controller) removeGame(id int64) {
	c.mu.Lock()
	g, ok := c.games[id]
	if ok {
		delete(c.games, id)
	}
	c.mu.Unlock()
	if ok {
		g.teardown()
		c.log.Infof("game %d disconnected", id)
	}
}

// Game returns the live descriptor for id, or nil.
func (c *Controller) Game(id int64) *Game {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.games[id]
}

// handleNotification dispatches by notification type.
func (c *Controller) handleNotification(ctx context.Context, data []byte) {
	typ := gjson.GetBytes(data, "type").String()
	switch {
	case typ == "challenge":
		c.handleChallenge(ctx, data)
	case typ == "friendRequest":
		from := gjson.GetBytes(data, "user.id").Int()
		if err := c.rest.AcceptFriendRequest(ctx, from); err != nil {
			c.log.Warnf("friend request from %d: %v", from, err)
		}
	case ignorableNotifications[typ]:
		// Nothing for a bot to do.
	default:
		c.log.Infof("deleting unhandled notification %q", typ)
		nid := gjson.GetBytes(data, "id").String()
		if err := c.socket.Emit("notification/delete", map[string]any{"notification_id": nid}); err != nil {
			c.log.Warnf("notification/delete: %v", err)
		}
	}
}

// handleChallenge runs the admission policy and accepts or declines.
// An accept-path REST failure falls back to a decline with a message, so
// the challenger is never left hanging.
func (c *Controller) handleChallenge(ctx context.Context, data []byte) {
	ch := parseChallenge(data)
	rej := policy.Evaluate(ch, c.counts(), c.opts.Policy)
	if rej == nil {
		if err := c.rest.AcceptChallenge(ctx, ch.ID); err != nil {
			c.log.Errorf("accept challenge %d: %v", ch.ID, err)
			if err := c.rest.DeclineChallenge(ctx, ch.ID, "unable to accept the challenge right now", nil); err != nil {
				c.log.Errorf("decline challenge %d: %v", ch.ID, err)
			}
			return
		}
		c.log.Infof("accepted challenge %d from %s", ch.ID, ch.Username)
		return
	}

	c.log.Infof("declined challenge %d from %s: %s", ch.ID, ch.Username, rej.Code)
	if err := c.rest.DeclineChallenge(ctx, ch.ID, rej.Message, rej); err != nil {
		c.log.Errorf("decline challenge %d: %v", ch.ID, err)
	}
}

// parseChallenge reduces the notification payload to the admission
// context.
func parseChallenge(data []byte) gtp2ogs.Challenge {
	get := func(path string) gjson.Result { return gjson.GetBytes(data, path) }
	tc := get("time_control")
	return gtp2ogs.Challenge{
		ID:       get("challenge_id").Int(),
		UserID:   get("user.id").Int(),
		Username: get("user.username").String(),
		Width:    int(get("width").Int()),
		Height:   int(get("height").Int()),
		Handicap: int(get("handicap").Int()),
		Ranked:   get("ranked").Bool(),
		TimeControl: gtp2ogs.TimeControl{
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
		},
	}
}

// handlePong updates the clock drift estimate from a net/pong exchange.
func (c *Controller) handlePong(data []byte) {
	client := gjson.GetBytes(data, "client").Int()
	server := gjson.GetBytes(data, "server").Int()
	nowMS := time.Now().UnixMilli()
	latency := nowMS - client
	drift := time.Duration(nowMS-latency/2-server) * time.Millisecond

	c.mu.Lock()
	c.clockDrift = drift
	c.mu.Unlock()
}

func (c *Controller) sendPing() {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return
	}
	_ = c.socket.Emit("net/ping", map[string]any{"client": time.Now().UnixMilli()})
}

// ClockDrift returns the current server clock drift estimate.
func (c *Controller) ClockDrift() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clockDrift
}

// counts tallies live descriptors per speed.
func (c *Controller) counts() policy.Counts {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n policy.Counts
	for _, g := range c.games {
		switch g.speed {
		case gtp2ogs.SpeedBlitz:
			n.Blitz++
		case gtp2ogs.SpeedCorrespondence:
			n.Correspondence++
		default:
			n.Live++
		}
	}
	return n
}

// reportStatus sends bot/status when the counts changed since the last
// report. Skipping intermediate equal values is fine; the report is
// monotone with respect to the latest observed counts.
func (c *Controller) reportStatus() {
	counts := c.counts()

	c.mu.Lock()
	if !c.connected || (c.reported && counts == c.lastCounts) {
		c.mu.Unlock()
		return
	}
	c.lastCounts = counts
	c.reported = true
	c.mu.Unlock()

	err := c.socket.Emit("bot/status", map[string]any{
		"ongoing_blitz_count":          counts.Blitz,
		"ongoing_live_count":           counts.Live,
		"ongoing_correspondence_count": counts.Correspondence,
	})
	if err != nil {
		c.log.Warnf("bot/status: %v", err)
	}
}

// dumpStatus logs one status line including per-pool availability.
func (c *Controller) dumpStatus() {
	counts := c.counts()
	line := fmt.Sprintf("games: blitz=%d live=%d correspondence=%d",
		counts.Blitz, counts.Live, counts.Correspondence)
	for role, p := range c.pools {
		line += fmt.Sprintf(" %s-avail=%d", role, p.Available())
	}
	c.log.Info(line)
}

// teardownAll force-drops every descriptor.
func (c *Controller) teardownAll() {
	c.mu.Lock()
	games := make([]*Game, 0, len(c.games))
	for _, g := range c.games {
		games = append(games, g)
	}
	c.games = make(map[int64]*Game)
	c.mu.Unlock()
	for _, g := range games {
		g.teardown()
	}
}
