package mutator

import "sync"

// WeakRefGate is the global half of the weak-reference access gate. The
// collector disables access when it revokes thread-local mark stacks and
// re-enables it before marking ends; mutators whose thread-local flag is
// cleared block here until the broadcast.
type WeakRefGate struct {
	mu      sync.Mutex
	cond    *sync.Cond
	enabled bool
}

// NewWeakRefGate returns an enabled gate.
func NewWeakRefGate() *WeakRefGate {
	g := &WeakRefGate{enabled: true}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Enabled reports the global flag.
func (g *WeakRefGate) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// Disable closes the gate. New threads started while it is closed must not
// read weak references.
func (g *WeakRefGate) Disable() {
	g.mu.Lock()
	g.enabled = false
	g.mu.Unlock()
}

// Enable opens the gate and wakes every blocked waiter.
func (g *WeakRefGate) Enable() {
	g.mu.Lock()
	g.enabled = true
	g.cond.Broadcast()
	g.mu.Unlock()
}

// WaitUntilEnabled blocks the calling mutator until weak-ref access is
// re-enabled. The thread suspends for the duration: the collector finishes
// marking with a series of checkpoints, and a blocked mutator must not stall
// them.
func (g *WeakRefGate) WaitUntilEnabled(t *Thread) {
	if t.WeakRefAccessEnabled() {
		return
	}
	t.TransitionToSuspended()
	g.mu.Lock()
	for !g.enabled {
		g.cond.Wait()
	}
	g.mu.Unlock()
	t.TransitionToRunnable()
}
