// Package ogs implements the server-facing collaborators: the websocket
// event socket the session controller consumes and the REST client used
// for challenge accept/decline and friend requests.
package ogs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Socket wire format: every frame is one JSON object.
//
//	{"event": "...", "data": ...}            event, either direction
//	{"event": "...", "data": ..., "id": n}   outbound call expecting an ack
//	{"ack": n, "data": ...}                  inbound ack for call n
type Socket struct {
	url  string
	log  logrus.FieldLogger
	conn *websocket.Conn

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]func(data []byte)

	ackMu  sync.Mutex
	acks   map[int64]chan []byte
	nextID atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

const (
	pingInterval = 20 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// ErrSocketClosed is returned by Call and Emit after the connection ends.
var ErrSocketClosed = errors.New("ogs: socket closed")

// Dial connects the event socket. Call Handle to register event
// handlers, then Run to start dispatching.
func Dial(ctx context.Context, url string, log logrus.FieldLogger) (*Socket, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ogs: dial %s: %w (http %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("ogs: dial %s: %w", url, err)
	}
	return &Socket{
		url:      url,
		log:      log.WithField("component", "socket"),
		conn:     conn,
		handlers: make(map[string]func([]byte)),
		acks:     make(map[int64]chan []byte),
		done:     make(chan struct{}),
	}, nil
}

// Handle registers an event handler, replacing any previous one for the
// event. Safe to call while Run is dispatching; game descriptors register
// their per-game events at runtime. The synthetic "connect" event fires
// when Run starts; "disconnect" fires when the read loop ends for any
// reason.
func (s *Socket) Handle(event string, fn func(data []byte)) {
	s.handlersMu.Lock()
	s.handlers[event] = fn
	s.handlersMu.Unlock()
}

func (s *Socket) handler(event string) func(data []byte) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	return s.handlers[event]
}

// Run reads and dispatches frames until the connection ends. It fires
// "connect" first and "disconnect" on the way out.
func (s *Socket) Run() error {
	if fn := s.handler("connect"); fn != nil {
		fn(nil)
	}

	stopPing := make(chan struct{})
	go s.pingLoop(stopPing)
	defer close(stopPing)

	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))

	var readErr error
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		s.dispatch(frame)
	}

	s.shutdown()
	if fn := s.handler("disconnect"); fn != nil {
		fn(nil)
	}
	if websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return readErr
}

func (s *Socket) dispatch(frame []byte) {
	if ack := gjson.GetBytes(frame, "ack"); ack.Exists() {
		s.ackMu.Lock()
		ch, ok := s.acks[ack.Int()]
		if ok {
			delete(s.acks, ack.Int())
		}
		s.ackMu.Unlock()
		if !ok {
			s.log.Debugf("unsolicited ack %d", ack.Int())
			return
		}
		ch <- []byte(gjson.GetBytes(frame, "data").Raw)
		return
	}

	event := gjson.GetBytes(frame, "event").String()
	fn := s.handler(event)
	if fn == nil {
		s.log.Debugf("unhandled event %q", event)
		return
	}
	fn([]byte(gjson.GetBytes(frame, "data").Raw))
}

// Emit sends an event without expecting an ack.
func (s *Socket) Emit(event string, payload any) error {
	return s.write(map[string]any{"event": event, "data": payload})
}

// Call sends an event and blocks until its ack arrives or ctx expires.
// The returned bytes are the ack's raw data payload.
func (s *Socket) Call(ctx context.Context, event string, payload any) ([]byte, error) {
	id := s.nextID.Add(1)
	ch := make(chan []byte, 1)
	s.ackMu.Lock()
	s.acks[id] = ch
	s.ackMu.Unlock()

	err := s.write(map[string]any{"event": event, "data": payload, "id": id})
	if err != nil {
		s.ackMu.Lock()
		delete(s.acks, id)
		s.ackMu.Unlock()
		return nil, err
	}

	select {
	case data, ok := <-ch:
		if !ok {
			return nil, ErrSocketClosed
		}
		return data, nil
	case <-ctx.Done():
		s.ackMu.Lock()
		delete(s.acks, id)
		s.ackMu.Unlock()
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSocketClosed
	}
}

func (s *Socket) write(frame any) error {
	select {
	case <-s.done:
		return ErrSocketClosed
	default:
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("ogs: marshal frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Socket) pingLoop(stop <-chan struct{}) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// Close tears the connection down. Run returns shortly after.
func (s *Socket) Close() error {
	s.shutdown()
	return nil
}

// shutdown closes the connection once and fails pending acks.
func (s *Socket) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		_ = s.conn.Close()

		s.ackMu.Lock()
		for id, ch := range s.acks {
			close(ch)
			delete(s.acks, id)
		}
		s.ackMu.Unlock()
	})
}
