package session

import (
	"log/slog"
	"sync"

	"github.com/asheshgoplani/term-engine/internal/logging"
)

var poolLog = logging.ForComponent(logging.CompSession)

// shellPool pre-spawns plain default shells so pool-eligible Spawn calls
// skip PTY startup latency. Only default-configured shells are pooled;
// anything with a custom command, env, or working directory spawns fresh.
type shellPool struct {
	spawn SpawnFunc
	spec  SpawnSpec
	size  int

	mu      sync.Mutex
	idle    []Pty
	filling bool
	closed  bool
}

func newShellPool(spawn SpawnFunc, spec SpawnSpec, size int) *shellPool {
	p := &shellPool{spawn: spawn, spec: spec, size: size}
	if size > 0 {
		p.refill()
	}
	return p
}

// take returns a pre-spawned shell or nil when the pool is empty or
// disabled. A background refill is kicked either way.
func (p *shellPool) take() Pty {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.size <= 0 {
		return nil
	}
	var pt Pty
	if n := len(p.idle); n > 0 {
		pt = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.refillLocked()
	return pt
}

func (p *shellPool) refill() {
	p.mu.Lock()
	p.refillLocked()
	p.mu.Unlock()
}

func (p *shellPool) refillLocked() {
	if p.filling || p.closed || len(p.idle) >= p.size {
		return
	}
	p.filling = true
	go p.fill()
}

func (p *shellPool) fill() {
	for {
		p.mu.Lock()
		if p.closed || len(p.idle) >= p.size {
			p.filling = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		pt, err := p.spawn(p.spec)
		if err != nil {
			poolLog.Warn("pool_spawn_failed", slog.String("error", err.Error()))
			p.mu.Lock()
			p.filling = false
			p.mu.Unlock()
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = pt.Kill()
			_ = pt.Close()
			return
		}
		p.idle = append(p.idle, pt)
		p.mu.Unlock()
	}
}

// drain kills every pooled shell. Idempotent.
func (p *shellPool) drain() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, pt := range idle {
		_ = pt.Kill()
		_ = pt.Close()
	}
}
