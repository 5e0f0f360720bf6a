//go:build !windows

package gtp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/poonpunokok/gtp2ogs"
)

// State is the adapter lifecycle state.
type State int32

const (
	StateSpawning State = iota
	StateReady
	StateBusy
	StateDead
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Result is the outcome of one GTP command: the response body after the
// '=' marker, or the error that resolved the slot instead.
type Result struct {
	Body string
	Err  error
}

// pendingCmd is one completion slot in the FIFO. The i-th received
// response frame resolves the i-th still-pending slot.
type pendingCmd struct {
	text string
	ch   chan Result
}

// Engine is the process adapter for one spawned GTP engine. It provides
// an in-order, promise-style request/response channel over the engine's
// stdio plus an asynchronous stderr event stream.
//
// All state transitions funnel through one mutex; the read, stderr, and
// wait goroutines never touch each other's state directly.
type Engine struct {
	opts Options
	log  logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu        sync.Mutex
	state     State
	pending   []*pendingCmd
	failed    bool
	ignore    bool
	firstMove bool
	jsonBatch []string
	killTimer *time.Timer

	caps Capabilities

	stderr   chan StderrEvent
	killOnce sync.Once
	readDone chan struct{} // closed when the stdout reader hits EOF
	done     chan struct{} // closed when the process is reaped
}

// Spawn starts an engine subprocess from the given argv and begins
// reading its stdio. The adapter starts in StateSpawning; call Probe to
// complete the handshake and reach StateReady.
func Spawn(command []string, opts ...Option) (*Engine, error) {
	if len(command) == 0 {
		return nil, errors.New("gtp: empty engine command")
	}
	o := resolveOptions(opts...)

	cmd := exec.Command(command[0], command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("gtp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("gtp: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("gtp: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("gtp: start %s: %w", command[0], err)
	}

	e := &Engine{
		opts:      o,
		log:       o.Logger,
		cmd:       cmd,
		stdin:     stdin,
		state:     StateSpawning,
		firstMove: true,
		stderr:    make(chan StderrEvent, o.StderrBuffer),
		readDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}

	if o.JSONTransport {
		go e.readJSON(stdout)
	} else {
		go e.readFrames(stdout)
	}
	go e.readStderr(stderr)
	go e.waitLoop()

	return e, nil
}

// Probe completes the startup handshake: it discovers the engine's
// capability profile via list_commands and, when advertised,
// kata-list_time_settings, then transitions the adapter to StateReady.
//
// On the JSON transport the probe is skipped: the engine answers exactly
// one batch and a discovery exchange would consume the instance. Such
// engines keep the zero capability profile, so the clock translator
// falls back to plain time_settings, which every engine understands.
func (e *Engine) Probe(ctx context.Context) error {
	if e.opts.JSONTransport {
		e.mu.Lock()
		if e.state == StateSpawning {
			e.state = StateReady
		}
		e.mu.Unlock()
		return nil
	}

	body, err := e.Command(ctx, "list_commands")
	if err != nil {
		return fmt.Errorf("gtp: list_commands: %w", err)
	}

	var caps Capabilities
	known := make(map[string]bool)
	for _, line := range strings.Split(body, "\n") {
		known[strings.TrimSpace(line)] = true
	}
	caps.KGSTime = known["kgs-time_settings"]
	caps.KataTime = known["kata-time_settings"]

	if known["kata-list_time_settings"] {
		systems, err := e.Command(ctx, "kata-list_time_settings")
		if err != nil {
			return fmt.Errorf("gtp: kata-list_time_settings: %w", err)
		}
		caps.FischerCapped = strings.Contains(systems, "fischer-capped")
	}

	e.mu.Lock()
	e.caps = caps
	if e.state == StateSpawning {
		e.state = StateReady
	}
	e.mu.Unlock()
	return nil
}

// Command issues one GTP command and blocks until its slot resolves or
// ctx expires. The slot itself always resolves exactly once; on ctx
// expiry the late result is discarded.
func (e *Engine) Command(ctx context.Context, text string) (string, error) {
	select {
	case r := <-e.Submit(text):
		return r.Body, r.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Submit enqueues one GTP command and returns its completion slot.
// The slot resolves with the response body, a command-level error, or
// [gtp2ogs.ErrDeadEngine] if the adapter dies first.
func (e *Engine) Submit(text string) <-chan Result {
	return e.submit(text, false)
}

// SubmitFinal enqueues a command and closes the request stream. Only
// meaningful with the JSON transport, where the batched request object
// is written and stdin is closed; on the raw transport it behaves like
// Submit.
func (e *Engine) SubmitFinal(text string) <-chan Result {
	return e.submit(text, true)
}

func (e *Engine) submit(text string, final bool) <-chan Result {
	ch := make(chan Result, 1)

	e.mu.Lock()
	if e.state == StateDead {
		e.mu.Unlock()
		ch <- Result{Err: gtp2ogs.ErrDeadEngine}
		return ch
	}
	e.pending = append(e.pending, &pendingCmd{text: text, ch: ch})
	e.state = StateBusy

	if e.opts.JSONTransport {
		e.jsonBatch = append(e.jsonBatch, text)
		if !final {
			e.mu.Unlock()
			return ch
		}
		batch := e.jsonBatch
		e.jsonBatch = nil
		e.mu.Unlock()

		data, err := json.Marshal(struct {
			GTPCommands []string `json:"gtp_commands"`
		}{GTPCommands: batch})
		if err == nil {
			_, err = e.stdin.Write(append(data, '\n'))
		}
		if err != nil {
			e.failSubmit(ch, &gtp2ogs.TransportError{Command: text, Err: err})
			return ch
		}
		_ = e.stdin.Close()
		return ch
	}

	e.mu.Unlock()

	e.log.Debugf("gtp> %s", text)
	_, err := io.WriteString(e.stdin, text+"\r\n")
	if err != nil {
		e.failSubmit(ch, &gtp2ogs.TransportError{Command: text, Err: err})
	}
	return ch
}

// failSubmit resolves a just-enqueued slot with a transport error and
// marks the adapter failed. The slot is resolved only if it is still in
// the pending queue; a slot already taken by dispatch or the wait loop
// has been resolved there, and a second send would block.
func (e *Engine) failSubmit(ch chan Result, err error) {
	e.mu.Lock()
	e.failed = true
	owned := false
	for i, p := range e.pending {
		if p.ch == ch {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			owned = true
			break
		}
	}
	if len(e.pending) == 0 && e.state == StateBusy {
		e.state = StateReady
	}
	e.mu.Unlock()
	if owned {
		ch <- Result{Err: err}
	}
}

// Kill shuts the adapter down: it sends quit, suppresses all further
// output, transitions to StateDead, cancels every pending slot with
// ErrDeadEngine, signals the process, and schedules a hard kill after
// the grace period to guarantee reclamation. Idempotent.
func (e *Engine) Kill() {
	e.killOnce.Do(func() {
		e.mu.Lock()
		e.ignore = true
		alreadyDead := e.state == StateDead
		e.state = StateDead
		slots := e.pending
		e.pending = nil
		e.mu.Unlock()

		for _, p := range slots {
			p.ch <- Result{Err: gtp2ogs.ErrDeadEngine}
		}
		if alreadyDead {
			return
		}

		if !e.opts.JSONTransport {
			_, _ = io.WriteString(e.stdin, "quit\r\n")
		}
		_ = e.stdin.Close()
		_ = signalProcess(e.cmd.Process, syscall.SIGTERM)

		e.mu.Lock()
		e.killTimer = time.AfterFunc(e.opts.KillGrace, func() {
			_ = signalProcess(e.cmd.Process, os.Kill)
		})
		e.mu.Unlock()
	})
}

// Done returns a channel closed once the process has been reaped.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Stderr returns the stderr event stream. The channel is closed when the
// engine's stderr closes. Events are dropped when the consumer falls
// behind; the stream is advisory.
func (e *Engine) Stderr() <-chan StderrEvent { return e.stderr }

// State returns the adapter lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Dead reports whether the adapter is terminal.
func (e *Engine) Dead() bool { return e.State() == StateDead }

// Failed reports whether a command-level or protocol-level error has been
// observed. The game layer treats failures past its retry threshold as
// fatal for the affected game.
func (e *Engine) Failed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failed
}

// Caps returns the capability profile discovered by Probe.
func (e *Engine) Caps() Capabilities {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.caps
}

// FirstMove reports whether the adapter has yet to play its first move
// this game. The clock translator adds the startup buffer to the first
// clock computation.
func (e *Engine) FirstMove() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.firstMove
}

// SetFirstMove sets the first-move flag. The pool re-arms it on release
// so a reused instance charges the startup buffer to its next game.
func (e *Engine) SetFirstMove(v bool) {
	e.mu.Lock()
	e.firstMove = v
	e.mu.Unlock()
}

// PID returns the engine process id, for status lines.
func (e *Engine) PID() int {
	if e.cmd.Process == nil {
		return 0
	}
	return e.cmd.Process.Pid
}

// readFrames scans stdout into blank-line-delimited response frames and
// dispatches each to the pending FIFO.
func (e *Engine) readFrames(stdout io.Reader) {
	defer close(e.readDone)
	sc := newFrameScanner(stdout, e.opts.ScannerBuffer)
	for sc.Scan() {
		e.dispatch(sc.Text())
	}
	if err := sc.Err(); err != nil {
		e.log.Debugf("gtp: stdout scanner: %v", err)
	}
}

// jsonReply is the JSON transport's single response object.
type jsonReply struct {
	GTPResponses []string `json:"gtp_responses"`
}

// readJSON accumulates stdout and attempts to parse the entire buffer as
// one JSON value on every arrival; each parsed response string is one
// logical frame, resolved FIFO.
func (e *Engine) readJSON(stdout io.Reader) {
	defer close(e.readDone)
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var reply jsonReply
			if json.Unmarshal(buf, &reply) == nil {
				for _, frame := range reply.GTPResponses {
					e.dispatch(frame)
				}
				buf = buf[:0]
			}
		}
		if err != nil {
			return
		}
	}
}

// dispatch classifies one response frame and resolves the head of the
// pending FIFO with it.
func (e *Engine) dispatch(frame string) {
	trimmed := strings.TrimSpace(frame)
	if trimmed == "" {
		return
	}

	e.mu.Lock()
	if e.ignore {
		e.mu.Unlock()
		return
	}
	if len(e.pending) == 0 {
		e.mu.Unlock()
		e.log.Debugf("gtp: unsolicited engine output: %q", trimmed)
		return
	}
	slot := e.pending[0]
	e.pending = e.pending[1:]

	var res Result
	switch trimmed[0] {
	case '=':
		res.Body = strings.TrimSpace(trimmed[1:])
	case '?':
		res.Err = &gtp2ogs.ProtocolError{Command: slot.text, Reason: strings.TrimSpace(trimmed[1:])}
		e.failed = true
	default:
		res.Err = &gtp2ogs.UnexpectedOutputError{Command: slot.text, Output: trimmed}
		e.failed = true
	}
	if len(e.pending) == 0 && e.state == StateBusy {
		e.state = StateReady
	}
	e.mu.Unlock()

	if res.Err != nil {
		e.log.Warnf("gtp: %v", res.Err)
	} else {
		e.log.Debugf("gtp< %s", res.Body)
	}
	slot.ch <- res
}

// readStderr splits stderr on line terminators and emits trimmed,
// non-empty lines as events, tagging chat-channel lines.
func (e *Engine) readStderr(stderr io.Reader) {
	defer close(e.stderr)
	sc := newLineScanner(stderr, e.opts.ScannerBuffer)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		e.mu.Lock()
		suppressed := e.ignore
		e.mu.Unlock()
		if suppressed {
			continue
		}

		ev := StderrEvent{Line: line}
		if channel, body, ok := ParseChat(line); ok {
			ev.ChatChannel = channel
			ev.ChatBody = body
		}
		select {
		case e.stderr <- ev:
		default:
			// Consumer behind; the stream is advisory.
		}
	}
}

// waitLoop reaps the process and settles whatever is still pending.
// An exit observed before Kill is unexpected: the adapter is marked
// failed and pending slots resolve with the exit error.
//
// The stdout reader must finish first: a complete response the engine
// wrote before exiting still resolves its slot, and cmd.Wait closes the
// pipe, so reaping earlier would discard it.
func (e *Engine) waitLoop() {
	<-e.readDone
	waitErr := e.cmd.Wait()

	e.mu.Lock()
	expected := e.state == StateDead // Kill already ran
	e.state = StateDead
	if e.killTimer != nil {
		e.killTimer.Stop()
	}
	slots := e.pending
	e.pending = nil
	if !expected {
		e.failed = true
	}
	e.mu.Unlock()

	failErr := wrapExit(waitErr)
	for _, p := range slots {
		if expected {
			p.ch <- Result{Err: gtp2ogs.ErrDeadEngine}
		} else {
			p.ch <- Result{Err: failErr}
		}
	}
	if !expected {
		e.log.Warnf("gtp: engine pid %d exited: %v", e.PID(), failErr)
	}
	close(e.done)
}

// wrapExit converts a cmd.Wait error into the adapter's exit error kind.
// A clean exit while work was pending is still EngineExited.
func wrapExit(err error) error {
	if err == nil {
		return gtp2ogs.ErrEngineExited
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &gtp2ogs.ExitError{Code: ee.ExitCode(), Err: err}
	}
	return &gtp2ogs.ExitError{Code: -1, Err: err}
}

// signalProcess sends sig to a process, returning nil if the process
// has already exited (os.ErrProcessDone).
func signalProcess(proc *os.Process, sig os.Signal) error {
	if proc == nil {
		return nil
	}
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
