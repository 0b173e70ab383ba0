package chipset

import (
	"fmt"
	"io"
	"sync"
)

// LineSet is a small interrupt controller. Devices obtain LineInterrupt
// handles with AllocateLine; drivers attach a handler to a line with Bind.
// A handler runs on every rising edge, on the goroutine that raised it, and
// must not block.
type LineSet struct {
	mu   sync.Mutex
	idle *sync.Cond

	min, max uint32

	lines map[uint32]*lineState
}

type lineState struct {
	level   bool
	handler func()
	gen     uint64
	// running counts handler calls in progress for gen.
	running int
}

// NewLineSet builds a LineSet serving lines min..max inclusive.
func NewLineSet(min, max uint32) *LineSet {
	l := &LineSet{
		min:   min,
		max:   max,
		lines: make(map[uint32]*lineState),
	}
	l.idle = sync.NewCond(&l.mu)
	return l
}

// Available reports whether irq is inside the window and has no handler.
func (l *LineSet) Available(irq uint32) bool {
	if irq < l.min || irq > l.max {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.lines[irq]
	return state == nil || state.handler == nil
}

// AllocateLine returns a LineInterrupt handle for the given IRQ line.
func (l *LineSet) AllocateLine(irq uint32) (LineInterrupt, error) {
	if irq < l.min || irq > l.max {
		return nil, fmt.Errorf("%w: %d not in %d..%d", ErrLineUnavailable, irq, l.min, l.max)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stateLocked(irq)
	return &lineHandle{owner: l, irq: irq}, nil
}

// Bind attaches handler to irq. Closing the returned binding detaches it
// and waits for handler calls already in progress; once Close returns the
// handler is not running and is not started again. Close must not be
// called from the handler.
func (l *LineSet) Bind(irq uint32, handler func()) (io.Closer, error) {
	if handler == nil {
		return nil, fmt.Errorf("chipset: nil handler for line %d", irq)
	}
	if irq < l.min || irq > l.max {
		return nil, fmt.Errorf("%w: %d not in %d..%d", ErrLineUnavailable, irq, l.min, l.max)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.stateLocked(irq)
	if state.handler != nil {
		return nil, fmt.Errorf("%w: %d", ErrLineBusy, irq)
	}
	state.handler = handler
	state.gen++
	state.running = 0
	return &binding{owner: l, irq: irq, gen: state.gen}, nil
}

func (l *LineSet) stateLocked(irq uint32) *lineState {
	state := l.lines[irq]
	if state == nil {
		state = &lineState{}
		l.lines[irq] = state
	}
	return state
}

type binding struct {
	owner *LineSet
	irq   uint32
	gen   uint64
	once  sync.Once
}

func (b *binding) Close() error {
	b.once.Do(func() {
		b.owner.mu.Lock()
		defer b.owner.mu.Unlock()
		state := b.owner.lines[b.irq]
		if state == nil || state.gen != b.gen {
			return
		}
		state.handler = nil
		for state.gen == b.gen && state.running > 0 {
			b.owner.idle.Wait()
		}
	})
	return nil
}

type lineHandle struct {
	owner *LineSet
	irq   uint32
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.irq, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.setLevel(h.irq, true)
	h.owner.setLevel(h.irq, false)
}

func (l *LineSet) setLevel(irq uint32, high bool) {
	l.mu.Lock()
	state := l.stateLocked(irq)
	rising := high && !state.level
	state.level = high
	handler := state.handler
	if !rising || handler == nil {
		l.mu.Unlock()
		return
	}
	gen := state.gen
	state.running++
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		if state.gen == gen {
			state.running--
		}
		l.idle.Broadcast()
		l.mu.Unlock()
	}()
	handler()
}
