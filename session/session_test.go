package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/poonpunokok/gtp2ogs"
	"github.com/poonpunokok/gtp2ogs/policy"
	"github.com/poonpunokok/gtp2ogs/pool"
)

type stubEmit struct {
	event   string
	payload []byte
}

// stubSocket records emissions and lets tests fire inbound events.
type stubSocket struct {
	mu       sync.Mutex
	handlers map[string]func([]byte)
	emitted  []stubEmit
	ackData  []byte
}

func newStubSocket() *stubSocket {
	return &stubSocket{
		handlers: make(map[string]func([]byte)),
		ackData:  []byte(`{"id": 5, "username": "testbot"}`),
	}
}

func (s *stubSocket) Handle(event string, fn func(data []byte)) {
	s.mu.Lock()
	s.handlers[event] = fn
	s.mu.Unlock()
}

func (s *stubSocket) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.emitted = append(s.emitted, stubEmit{event: event, payload: data})
	s.mu.Unlock()
	return nil
}

func (s *stubSocket) Call(_ context.Context, _ string, _ any) ([]byte, error) {
	return s.ackData, nil
}

func (s *stubSocket) fire(event string, data string) {
	s.mu.Lock()
	fn := s.handlers[event]
	s.mu.Unlock()
	if fn != nil {
		fn([]byte(data))
	}
}

// lastEmit returns the most recent emission of the event, if any.
func (s *stubSocket) lastEmit(event string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.emitted) - 1; i >= 0; i-- {
		if s.emitted[i].event == event {
			return s.emitted[i].payload, true
		}
	}
	return nil, false
}

func (s *stubSocket) countEmits(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.emitted {
		if e.event == event {
			n++
		}
	}
	return n
}

// waitEmit polls for an emission of the event.
func (s *stubSocket) waitEmit(t *testing.T, event string) []byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if data, ok := s.lastEmit(event); ok {
			return data
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %q emission", event)
	return nil
}

type declineCall struct {
	id      int64
	message string
	rej     *policy.Rejection
}

type stubRest struct {
	mu         sync.Mutex
	accepted   []int64
	declined   []declineCall
	friends    []int64
	failAccept bool

	// block, when set, stalls AcceptChallenge until closed, standing in
	// for a slow server with retries.
	block chan struct{}
}

func (r *stubRest) AcceptChallenge(_ context.Context, id int64) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAccept {
		return errors.New("boom")
	}
	r.accepted = append(r.accepted, id)
	return nil
}

func (r *stubRest) acceptedIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.accepted...)
}

func (r *stubRest) DeclineChallenge(_ context.Context, id int64, message string, rej *policy.Rejection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.declined = append(r.declined, declineCall{id: id, message: message, rej: rej})
	return nil
}

func (r *stubRest) AcceptFriendRequest(_ context.Context, fromUser int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.friends = append(r.friends, fromUser)
	return nil
}

func allowAllPolicy() policy.Config {
	return policy.Config{
		AllowedBoardSizes: policy.BoardSizes{Mode: policy.BoardSizesSquare},
		AllowUnranked:     true,
		AllowHandicap:     true,
		Live: &policy.SpeedSettings{
			ConcurrentGames: 5,
			PerMoveTime:     policy.Range{Min: 0, Max: 3600},
			MainTime:        policy.Range{Min: 0, Max: 86400},
			Periods:         policy.Range{Min: 0, Max: 300},
		},
	}
}

func newTestController(t *testing.T, opts Options, pools map[pool.Role]*pool.Pool) (*Controller, *stubSocket, *stubRest) {
	t.Helper()
	if opts.Policy.Live == nil && opts.Policy.Blitz == nil && opts.Policy.Correspondence == nil {
		opts.Policy = allowAllPolicy()
	}
	if pools == nil {
		pools = map[pool.Role]*pool.Pool{}
	}
	sock := newStubSocket()
	rest := &stubRest{}
	log := logrus.New()
	log.SetOutput(io.Discard)

	c := New(sock, rest, pools, opts, log)
	c.runCtx = context.Background()
	c.mu.Lock()
	c.connected = true
	c.identity = Identity{ID: 5, Username: "testbot"}
	c.mu.Unlock()
	return c, sock, rest
}

const challengeJSON = `{
	"type": "challenge", "id": "n1", "challenge_id": 42,
	"user": {"id": 1001, "username": "challenger"},
	"width": 19, "height": %d, "handicap": 0, "ranked": true,
	"time_control": {
		"system": "fischer", "speed": "live",
		"time_increment": 30, "initial_time": 600, "max_time": 600
	}
}`

func TestChallengeAccepted(t *testing.T) {
	c, _, rest := newTestController(t, Options{}, nil)
	c.handleNotification(context.Background(), []byte(fmt.Sprintf(challengeJSON, 19)))

	if len(rest.accepted) != 1 || rest.accepted[0] != 42 {
		t.Errorf("accepted = %v, want [42]", rest.accepted)
	}
	if len(rest.declined) != 0 {
		t.Errorf("declined = %v", rest.declined)
	}
}

func TestChallengeDeclinedWithCode(t *testing.T) {
	c, _, rest := newTestController(t, Options{}, nil)
	c.handleNotification(context.Background(), []byte(fmt.Sprintf(challengeJSON, 13)))

	if len(rest.declined) != 1 {
		t.Fatalf("declined = %v", rest.declined)
	}
	d := rest.declined[0]
	if d.id != 42 || d.rej == nil || d.rej.Code != policy.CodeBoardSizeNotSquare {
		t.Errorf("decline = %+v", d)
	}
	if d.message == "" {
		t.Error("decline carries no message")
	}
}

func TestAcceptFailureFallsBackToDecline(t *testing.T) {
	c, _, rest := newTestController(t, Options{}, nil)
	rest.failAccept = true
	c.handleNotification(context.Background(), []byte(fmt.Sprintf(challengeJSON, 19)))

	if len(rest.declined) != 1 {
		t.Fatalf("declined = %v, want fallback decline", rest.declined)
	}
	d := rest.declined[0]
	if d.rej != nil {
		t.Errorf("fallback decline carries a rejection: %+v", d.rej)
	}
	if d.message == "" {
		t.Error("fallback decline carries no message")
	}
}

func TestFriendRequestAutoAccepted(t *testing.T) {
	c, _, rest := newTestController(t, Options{}, nil)
	c.handleNotification(context.Background(),
		[]byte(`{"type": "friendRequest", "user": {"id": 777}}`))

	if len(rest.friends) != 1 || rest.friends[0] != 777 {
		t.Errorf("friends = %v, want [777]", rest.friends)
	}
}

func TestIgnorableNotificationsDropped(t *testing.T) {
	c, sock, rest := newTestController(t, Options{}, nil)
	for _, typ := range []string{
		"delete", "gameStarted", "gameEnded", "gameDeclined",
		"gameResumedFromStoneRemoval", "tournamentStarted",
		"tournamentEnded", "aiReviewDone",
	} {
		c.handleNotification(context.Background(),
			[]byte(`{"type": "`+typ+`", "id": "n9"}`))
	}
	if len(rest.accepted)+len(rest.declined)+len(rest.friends) != 0 {
		t.Error("ignorable notification triggered a REST call")
	}
	if n := sock.countEmits("notification/delete"); n != 0 {
		t.Errorf("ignorable notification deleted %d times", n)
	}
}

func TestUnknownNotificationDeleted(t *testing.T) {
	c, sock, _ := newTestController(t, Options{}, nil)
	c.handleNotification(context.Background(),
		[]byte(`{"type": "lodestone", "id": "n7"}`))

	data := sock.waitEmit(t, "notification/delete")
	if got := gjson.GetBytes(data, "notification_id").String(); got != "n7" {
		t.Errorf("notification_id = %q, want n7", got)
	}
}

func TestActiveGameIdempotent(t *testing.T) {
	c, sock, _ := newTestController(t, Options{}, nil)
	payload := `{"id": 100, "phase": "play", "time_control": {"speed": "live"}}`
	c.handleActiveGame([]byte(payload))
	c.handleActiveGame([]byte(payload))

	c.mu.Lock()
	n := len(c.games)
	c.mu.Unlock()
	if n != 1 {
		t.Errorf("descriptors = %d, want 1", n)
	}
	if got := sock.countEmits("game/connect"); got != 1 {
		t.Errorf("game/connect emitted %d times, want 1", got)
	}
}

func TestFinishedGameNeverSeenGetsGraceWindow(t *testing.T) {
	c, sock, _ := newTestController(t, Options{FinishGrace: 50 * time.Millisecond}, nil)
	c.handleActiveGame([]byte(`{"id": 200, "phase": "finished", "time_control": {"speed": "live"}}`))

	// A descriptor exists during the grace window so late gamedata still
	// has a consumer.
	if c.Game(200) == nil {
		t.Fatal("no descriptor during grace window")
	}

	deadline := time.Now().Add(5 * time.Second)
	for c.Game(200) != nil {
		if time.Now().After(deadline) {
			t.Fatal("descriptor never torn down after grace")
		}
		time.Sleep(10 * time.Millisecond)
	}
	sock.waitEmit(t, "game/disconnect")
}

func TestStatusReportDiffing(t *testing.T) {
	c, sock, _ := newTestController(t, Options{}, nil)
	c.ensureGame(1, gtp2ogs.SpeedLive)
	c.ensureGame(2, gtp2ogs.SpeedBlitz)

	c.reportStatus()
	data := sock.waitEmit(t, "bot/status")
	if gjson.GetBytes(data, "ongoing_live_count").Int() != 1 ||
		gjson.GetBytes(data, "ongoing_blitz_count").Int() != 1 ||
		gjson.GetBytes(data, "ongoing_correspondence_count").Int() != 0 {
		t.Errorf("bot/status = %s", data)
	}

	// Unchanged counts are not re-reported.
	c.reportStatus()
	if n := sock.countEmits("bot/status"); n != 1 {
		t.Errorf("bot/status emitted %d times, want 1", n)
	}

	c.ensureGame(3, gtp2ogs.SpeedCorrespondence)
	c.reportStatus()
	if n := sock.countEmits("bot/status"); n != 2 {
		t.Errorf("bot/status emitted %d times after change, want 2", n)
	}
}

func TestHandleConnectAuthenticates(t *testing.T) {
	c, sock, _ := newTestController(t, Options{Hidden: true, Username: "testbot"}, nil)
	c.mu.Lock()
	c.connected = false
	c.identity = Identity{}
	c.mu.Unlock()

	c.handleConnect(context.Background())

	id := c.Identity()
	if id.ID != 5 || id.Username != "testbot" {
		t.Errorf("identity = %+v", id)
	}
	if _, ok := sock.lastEmit("bot/hidden"); !ok {
		t.Error("bot/hidden not sent for a hidden bot")
	}
}

func TestHandleConnectAuthFailure(t *testing.T) {
	c, sock, _ := newTestController(t, Options{Username: "nosuchbot"}, nil)
	sock.ackData = []byte(`{}`) // no id in the ack: unknown account

	c.handleConnect(context.Background())

	select {
	case err := <-c.fatal:
		if !errors.Is(err, gtp2ogs.ErrAuthFailed) {
			t.Errorf("fatal err = %v, want ErrAuthFailed", err)
		}
	default:
		t.Fatal("no fatal error delivered")
	}
}

func TestDisconnectTearsDownDescriptors(t *testing.T) {
	c, sock, _ := newTestController(t, Options{}, nil)
	c.ensureGame(1, gtp2ogs.SpeedLive)
	c.ensureGame(2, gtp2ogs.SpeedLive)

	c.handleDisconnect()

	c.mu.Lock()
	n := len(c.games)
	connected := c.connected
	c.mu.Unlock()
	if n != 0 || connected {
		t.Errorf("after disconnect: %d descriptors, connected=%v", n, connected)
	}
	if got := sock.countEmits("game/disconnect"); got != 2 {
		t.Errorf("game/disconnect emitted %d times, want 2", got)
	}
}

func TestBindRegistersHandlersBeforeRun(t *testing.T) {
	sock := newStubSocket()
	rest := &stubRest{}
	log := logrus.New()
	log.SetOutput(io.Discard)
	c := New(sock, rest, map[pool.Role]*pool.Pool{}, Options{Username: "testbot"}, log)
	c.Bind(context.Background())

	// A connect arriving before Run's loop has started must still reach
	// the controller and authenticate.
	sock.fire("connect", "")

	deadline := time.Now().Add(5 * time.Second)
	for c.Identity().ID != 5 {
		if time.Now().After(deadline) {
			t.Fatal("connect fired before Run was never authenticated")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNotificationDispatchNotBlockedByRest(t *testing.T) {
	sock := newStubSocket()
	rest := &stubRest{block: make(chan struct{})}
	log := logrus.New()
	log.SetOutput(io.Discard)
	c := New(sock, rest, map[pool.Role]*pool.Pool{}, Options{Policy: allowAllPolicy()}, log)
	c.Bind(context.Background())
	c.mu.Lock()
	c.connected = true
	c.identity = Identity{ID: 5, Username: "testbot"}
	c.mu.Unlock()

	// The read loop delivers events synchronously; a stalled REST call
	// must not hold it up.
	delivered := make(chan struct{})
	go func() {
		sock.fire("notification", fmt.Sprintf(challengeJSON, 19))
		close(delivered)
	}()
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("event dispatch blocked on a REST call")
	}

	close(rest.block)
	deadline := time.Now().Add(5 * time.Second)
	for len(rest.acceptedIDs()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("challenge never accepted once REST recovered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPongUpdatesDrift(t *testing.T) {
	c, _, _ := newTestController(t, Options{}, nil)
	nowMS := time.Now().UnixMilli()
	// Server clock 3s behind ours, zero latency.
	payload := fmt.Sprintf(`{"client": %d, "server": %d}`, nowMS, nowMS-3000)
	c.handlePong([]byte(payload))

	drift := c.ClockDrift()
	if drift < 2500*time.Millisecond || drift > 3500*time.Millisecond {
		t.Errorf("drift = %v, want ~3s", drift)
	}
}
