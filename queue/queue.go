// Package queue decides what a claimed action may do on the local
// engine: execute now, or go back to its queue for another engine.
//
// Claiming is global: BRPOP hands each enqueued action key to exactly
// one engine in the pool. Execution capacity is local. The Gate sits
// between the two halves of the dispatcher's retrieve step: after an
// action is popped and rehydrated, the dispatcher asks the Gate for a
// permit before handing the action to its execution goroutine. An
// action refused a permit is pushed back onto its queue, where the
// resulting keyspace notification wakes the pool again.
//
// Queues without an installed Limit are never gated, and a nil *Gate
// admits everything, so the dispatcher carries no "is gating on"
// branching.
package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limit bounds local execution for one queue. The zero value of any
// field disables that bound.
type Limit struct {
	// Queue names the queue list this limit applies to.
	Queue string

	// Concurrency caps in-flight handler executions claimed from this
	// queue. An action claimed while the cap is full is requeued.
	Concurrency int

	// PerSecond sustains at most this many admissions per second,
	// allowing bursts of up to Burst (minimum 1) at once.
	PerSecond float64
	Burst     int

	// UserConcurrency and UserPerSecond bound each origin user inside
	// the queue, so one chatty caller cannot monopolize the engine.
	// User slots are created on first admission and dropped when the
	// user's last permit is released.
	UserConcurrency int
	UserPerSecond   float64
	UserBurst       int
}

func (l Limit) boundsUsers() bool {
	return l.UserConcurrency > 0 || l.UserPerSecond > 0
}

// gatedQueue is the runtime state behind one Limit.
type gatedQueue struct {
	limit    Limit
	limiter  *rate.Limiter
	inflight int

	// users holds only origin users with permits outstanding; idle
	// slots are pruned so user churn cannot grow the map.
	users map[string]*userSlot
}

type userSlot struct {
	limiter  *rate.Limiter
	inflight int
}

func newGatedQueue(l Limit) *gatedQueue {
	gq := &gatedQueue{limit: l}
	if l.PerSecond > 0 {
		gq.limiter = rate.NewLimiter(rate.Limit(l.PerSecond), burstOf(l.Burst))
	}
	return gq
}

func (gq *gatedQueue) slotFor(userID string) *userSlot {
	if slot, ok := gq.users[userID]; ok {
		return slot
	}
	slot := &userSlot{}
	if gq.limit.UserPerSecond > 0 {
		slot.limiter = rate.NewLimiter(rate.Limit(gq.limit.UserPerSecond), burstOf(gq.limit.UserBurst))
	}
	return slot
}

func burstOf(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// Gate admits claimed actions into local execution. It is safe for
// concurrent use. A nil Gate admits everything.
type Gate struct {
	mu     sync.Mutex
	queues map[string]*gatedQueue
}

// NewGate creates a Gate with the given limits installed.
func NewGate(limits ...Limit) *Gate {
	g := &Gate{queues: make(map[string]*gatedQueue, len(limits))}
	for _, l := range limits {
		g.queues[l.Queue] = newGatedQueue(l)
	}
	return g
}

// SetLimit installs or replaces a queue's limit at runtime. Permits
// already outstanding keep counting against the new limit.
func (g *Gate) SetLimit(l Limit) {
	g.mu.Lock()
	defer g.mu.Unlock()

	gq := newGatedQueue(l)
	if prev, ok := g.queues[l.Queue]; ok {
		gq.inflight = prev.inflight
		gq.users = prev.users
	}
	g.queues[l.Queue] = gq
}

// Admit asks whether an action claimed from the queue on behalf of the
// origin user may execute now. On admission it returns a Permit the
// executor must Release when the handler finishes; ok=false means the
// action should be returned to its queue.
//
// User bounds are checked before the queue's rate limiter so that an
// admission refused for one user does not burn a queue token the rest
// of the pool could have used.
func (g *Gate) Admit(queueName, userID string) (permit *Permit, ok bool) {
	if g == nil {
		return nil, true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	gq := g.queues[queueName]
	if gq == nil {
		return nil, true
	}

	if gq.limit.Concurrency > 0 && gq.inflight >= gq.limit.Concurrency {
		return nil, false
	}

	var slot *userSlot
	if userID != "" && gq.limit.boundsUsers() {
		slot = gq.slotFor(userID)
		if gq.limit.UserConcurrency > 0 && slot.inflight >= gq.limit.UserConcurrency {
			return nil, false
		}
		if slot.limiter != nil && !slot.limiter.Allow() {
			return nil, false
		}
	}

	if gq.limiter != nil && !gq.limiter.Allow() {
		return nil, false
	}

	gq.inflight++
	if slot != nil {
		slot.inflight++
		if gq.users == nil {
			gq.users = make(map[string]*userSlot)
		}
		gq.users[userID] = slot
	}

	return &Permit{gate: g, queue: queueName, user: userID}, true
}

// Inflight reports how many permits are outstanding for the queue.
func (g *Gate) Inflight(queueName string) int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if gq := g.queues[queueName]; gq != nil {
		return gq.inflight
	}
	return 0
}

// Permit is one admitted execution. Release hands its capacity back;
// releasing more than once, or releasing a nil permit from an ungated
// queue, is a no-op.
type Permit struct {
	gate  *Gate
	queue string
	user  string
	once  sync.Once
}

// Release returns the permit's capacity to the gate.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() { p.gate.release(p.queue, p.user) })
}

func (g *Gate) release(queueName, userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	gq := g.queues[queueName]
	if gq == nil {
		return
	}
	if gq.inflight > 0 {
		gq.inflight--
	}
	if slot := gq.users[userID]; slot != nil {
		slot.inflight--
		if slot.inflight <= 0 {
			delete(gq.users, userID)
		}
	}
}
