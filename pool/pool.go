//go:build !windows

// Package pool owns the fixed set of engine subprocesses and hands them
// out to games. Instances are classified by role; every instance's
// process exit is watched and replaced asynchronously, so capacity is
// restored without blocking any game.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/poonpunokok/gtp2ogs/gtp"
)

// Role classifies what a pool's engines are used for. The opening,
// ending, and resignation-check pools are optional.
type Role string

const (
	RoleMain        Role = "main"
	RoleOpening     Role = "opening"
	RoleEnding      Role = "ending"
	RoleResignCheck Role = "resign-check"
)

// ErrClosed is returned by Acquire after Shutdown.
var ErrClosed = errors.New("pool: closed")

// Config describes one pool of identical engine instances.
type Config struct {
	// Command is the engine argv.
	Command []string

	// Size is the number of instances. Values < 1 are treated as 1.
	Size int

	// EngineOptions are passed through to every spawn.
	EngineOptions []gtp.Option
}

// Pool is a bounded set of engine adapters for one role.
type Pool struct {
	role Role
	cfg  Config
	log  logrus.FieldLogger

	mu      sync.Mutex
	idle    []*gtp.Engine
	waiters []chan *gtp.Engine
	closed  bool

	readyErr error
	ready    chan struct{}
}

// New spawns the configured instances in the background. Acquire blocks
// until readiness; the session controller gates authentication on
// Ready so the first accepted game can always be served.
func New(role Role, cfg Config, log logrus.FieldLogger) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	p := &Pool{
		role:  role,
		cfg:   cfg,
		log:   log.WithField("pool", string(role)),
		ready: make(chan struct{}),
	}
	go p.spawnAll()
	return p
}

// spawnAll brings every instance to Ready, completing each handshake
// before the pool reports readiness.
func (p *Pool) spawnAll() {
	var g errgroup.Group
	engines := make([]*gtp.Engine, p.cfg.Size)
	for i := range engines {
		i := i
		g.Go(func() error {
			e, err := p.spawnOne()
			if err != nil {
				return err
			}
			engines[i] = e
			return nil
		})
	}
	err := g.Wait()

	p.mu.Lock()
	p.readyErr = err
	if err == nil {
		for _, e := range engines {
			p.putLocked(e)
		}
	}
	p.mu.Unlock()
	close(p.ready)

	if err == nil {
		for _, e := range engines {
			go p.watch(e)
		}
	}

	if err != nil {
		p.log.Errorf("pool startup failed: %v", err)
		for _, e := range engines {
			if e != nil {
				e.Kill()
			}
		}
	} else {
		p.log.Infof("%d engine(s) ready", p.cfg.Size)
	}
}

// spawnOne starts a single engine and completes its handshake.
func (p *Pool) spawnOne() (*gtp.Engine, error) {
	e, err := gtp.Spawn(p.cfg.Command, p.cfg.EngineOptions...)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", p.role, err)
	}
	if err := e.Probe(context.Background()); err != nil {
		e.Kill()
		return nil, fmt.Errorf("pool %s: handshake: %w", p.role, err)
	}
	p.log.Debugf("engine pid %d ready", e.PID())
	return e, nil
}

// Ready blocks until all configured instances have completed their
// handshake, or returns the startup error.
func (p *Pool) Ready(ctx context.Context) error {
	select {
	case <-p.ready:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Available returns the number of ready, idle instances.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Role returns the pool's role.
func (p *Pool) Role() Role { return p.role }

// Acquire hands out an idle instance, blocking until one is released or
// ctx expires.
func (p *Pool) Acquire(ctx context.Context) (*gtp.Engine, error) {
	if err := p.Ready(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if n := len(p.idle); n > 0 {
		e := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return e, nil
	}
	w := make(chan *gtp.Engine, 1)
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case e, ok := <-w:
		if !ok {
			return nil, ErrClosed
		}
		return e, nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, o := range p.waiters {
			if o == w {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		// The slot may have been handed over before removal.
		select {
		case e, ok := <-w:
			if ok {
				p.Release(e)
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// Release returns an instance to the pool; a live one is re-armed for
// its next game. A dead instance is dropped here and replaced by its
// exit watcher, which fires on process reaping rather than on the
// adapter state, so an engine that answers and then exits is replaced
// even when it is released before the exit is observed.
func (p *Pool) Release(e *gtp.Engine) {
	if e == nil {
		return
	}
	if e.Dead() {
		p.log.Warnf("engine pid %d returned dead", e.PID())
		return
	}
	e.SetFirstMove(true)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		e.Kill()
		return
	}
	p.putLocked(e)
	p.mu.Unlock()
}

// putLocked hands the instance to a waiter or parks it idle.
func (p *Pool) putLocked(e *gtp.Engine) {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w <- e
		return
	}
	p.idle = append(p.idle, e)
}

// watch blocks until the instance's process is reaped, then replaces
// it. The instance may be parked idle, held by a game, or already
// dropped at that point; an idle park is unlinked so a dead engine is
// never handed out after its exit is known.
func (p *Pool) watch(e *gtp.Engine) {
	<-e.Done()

	p.mu.Lock()
	closed := p.closed
	for i, o := range p.idle {
		if o == e {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	if closed {
		return
	}

	p.log.Warnf("engine pid %d exited, respawning", e.PID())
	p.respawn()
}

// respawn replaces a dead instance.
func (p *Pool) respawn() {
	e, err := p.spawnOne()
	if err != nil {
		p.log.Errorf("respawn failed: %v", err)
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		e.Kill()
		return
	}
	p.putLocked(e)
	p.mu.Unlock()
	go p.watch(e)
}

// Shutdown kills every idle instance and fails pending waiters.
// Instances currently held by games are killed by their games.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	for _, e := range idle {
		e.Kill()
	}
}
