/**
 * OCR Worker Pool — component D.
 *
 * A fixed number of long-lived OCR workers (WorkerSlot, §3), each
 * holding one loaded recognizer. acquire/release is FIFO among waiters,
 * a deadline-aware semaphore without an explicit library dependency —
 * grounded in the teacher's single-mutex-plus-condition-variable shape
 * (internal/queue/redis_consumer.go's worker goroutines), generalized
 * here into an explicit slot pool rather than a fixed goroutine fan-out.
 */
package ocrpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/corvid-labs/extractcore/internal/corerrors"
	"github.com/corvid-labs/extractcore/internal/logging"
)

// State is the closed set of WorkerSlot states.
type State string

const (
	StateIdle      State = "idle"
	StateBusy      State = "busy"
	StateRecycling State = "recycling"
	StateDead      State = "dead"
)

// recycleAfter bounds how many jobs a slot serves before it is proactively
// recycled, consecutiveFailureLimit is the consecutive-error count that
// forces a recycle (any OutcomeError already recycles the slot, and a
// recycled slot's count restarts at zero; a slot is only marked dead when
// its replacement engine cannot be built), and
// ocrWallClockLimit is the per-recognition ceiling (§4.D, §5) past which
// a slot is treated as hung and recycled on release.
const (
	defaultRecycleAfter     = 500
	consecutiveFailureLimit = 3
	ocrWallClockLimit       = 60 * time.Second
)

// Slot is the data model's WorkerSlot (§3).
type Slot struct {
	ID           string
	State        State
	LastUsedAt   time.Time
	JobsServed   int

	engine            Engine
	consecutiveErrors int
}

// EngineFactory builds a fresh Engine for a newly created or replaced
// slot, given the pool's configured language set and the pool's scratch
// root. Every slot receives the same scratch root; the pool does not
// create a separate scratch directory per slot.
type EngineFactory func(lang, scratchDir string) (Engine, error)

// Pool is component D. Safe for concurrent acquire/release.
type Pool struct {
	mu      sync.Mutex
	slots   map[string]*Slot
	waiters []chan *Slot

	lang        string
	scratchRoot string
	factory     EngineFactory
	recycleAfter int

	closed bool
	log    *logging.Logger
}

// New creates a Pool of size slots, each loaded with an Engine built by
// factory for the configured language. If size is 0 the pool starts
// empty and rejects every acquire with PoolUnavailable (§8.11).
func New(size int, lang, scratchRoot string, factory EngineFactory) (*Pool, error) {
	p := &Pool{
		slots:        make(map[string]*Slot),
		lang:         lang,
		scratchRoot:  scratchRoot,
		factory:      factory,
		recycleAfter: defaultRecycleAfter,
		log:          logging.NewLogger("ocrpool"),
	}

	for i := 0; i < size; i++ {
		slot, err := p.newSlot(i)
		if err != nil {
			p.closeAllLocked()
			return nil, fmt.Errorf("initialize ocr slot %d: %w", i, err)
		}
		p.slots[slot.ID] = slot
	}

	return p, nil
}

func (p *Pool) newSlot(index int) (*Slot, error) {
	engine, err := p.factory(p.lang, p.scratchRoot)
	if err != nil {
		return nil, err
	}
	return &Slot{
		ID:         fmt.Sprintf("slot-%d", index),
		State:      StateIdle,
		LastUsedAt: time.Now(),
		engine:     engine,
	}, nil
}

// Acquire blocks until an idle slot is available or ctx's deadline
// fires, whichever comes first, granting slots in FIFO order of
// acquire calls.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, corerrors.NewPoolUnavailable("pool is closing")
	}
	if len(p.slots) == 0 {
		p.mu.Unlock()
		return nil, corerrors.NewPoolUnavailable("pool has no workers")
	}

	if slot := p.findIdleLocked(); slot != nil {
		slot.State = StateBusy
		p.mu.Unlock()
		return slot, nil
	}

	ch := make(chan *Slot, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case slot := <-ch:
		if slot == nil {
			return nil, corerrors.NewPoolUnavailable("pool closed while waiting")
		}
		return slot, nil
	case <-ctx.Done():
		p.removeWaiter(ch)
		return nil, corerrors.NewPoolUnavailable("acquire deadline exceeded")
	}
}

func (p *Pool) findIdleLocked() *Slot {
	for _, s := range p.slots {
		if s.State == StateIdle {
			return s
		}
	}
	return nil
}

func (p *Pool) removeWaiter(ch chan *Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// Outcome tells Release whether the job the slot just ran succeeded.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeError
)

// Release returns a slot to the pool. On OutcomeError, or once a slot
// has served recycleAfter jobs, it is recycled: marked `recycling` and
// replaced asynchronously so the hot path never blocks on
// reinitialization.
func (p *Pool) Release(slot *Slot, outcome Outcome) {
	p.mu.Lock()
	slot.LastUsedAt = time.Now()

	if outcome == OutcomeError {
		slot.consecutiveErrors++
	} else {
		slot.consecutiveErrors = 0
	}

	needsRecycle := slot.consecutiveErrors >= consecutiveFailureLimit ||
		(outcome == OutcomeError) || slot.JobsServed >= p.recycleAfter

	if !needsRecycle {
		if next := p.popWaiterLocked(); next != nil {
			slot.State = StateBusy
			p.mu.Unlock()
			next <- slot
			return
		}
		slot.State = StateIdle
		p.mu.Unlock()
		return
	}

	slot.State = StateRecycling
	p.mu.Unlock()

	go p.recycle(slot)
}

func (p *Pool) popWaiterLocked() chan *Slot {
	if len(p.waiters) == 0 {
		return nil
	}
	ch := p.waiters[0]
	p.waiters = p.waiters[1:]
	return ch
}

// recycle replaces slot's engine off the hot path. While recycling is
// in flight, pool size drops transiently — waiters may briefly see
// fewer idle slots than the configured size.
func (p *Pool) recycle(slot *Slot) {
	if slot.engine != nil {
		slot.engine.Close()
	}

	engine, err := p.factory(p.lang, p.scratchRoot)
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		if engine != nil {
			engine.Close()
		}
		return
	}

	if err != nil {
		p.log.Error("failed to reinitialize recycled slot; marking dead", "slot", slot.ID, "error", err)
		slot.State = StateDead
		delete(p.slots, slot.ID)
		return
	}

	slot.engine = engine
	slot.consecutiveErrors = 0
	slot.JobsServed = 0
	slot.State = StateIdle

	if next := p.popWaiterLocked(); next != nil {
		slot.State = StateBusy
		next <- slot
	}
}

// Recognize performs synchronous recognition on slot using its loaded
// engine. Confidence is normalized to [0,1] by the engine. lang names
// the language the caller expects this recognition to run under; it is
// not used by this call, since the slot's engine is already loaded with
// the pool's configured language set.
//
// A recognition that runs past ocrWallClockLimit is treated as hung: the
// call returns a PoolUnavailable error to the caller immediately rather
// than blocking indefinitely on the underlying engine, and the slot is
// recycled on the caller's subsequent Release (§4.D, §5).
func (p *Pool) Recognize(ctx context.Context, slot *Slot, imagePath, lang string) (text string, confidence float64, err error) {
	deadlineCtx, cancel := context.WithTimeout(ctx, ocrWallClockLimit)
	defer cancel()

	type outcome struct {
		text       string
		confidence float64
		err        error
	}
	done := make(chan outcome, 1)
	go func() {
		t, c, e := slot.engine.Recognize(deadlineCtx, imagePath)
		done <- outcome{t, c, e}
	}()

	select {
	case o := <-done:
		slot.JobsServed++
		return o.text, o.confidence, o.err
	case <-deadlineCtx.Done():
		slot.JobsServed++
		return "", 0, corerrors.NewPoolUnavailable(fmt.Sprintf("slot %s exceeded OCR wall-clock limit", slot.ID))
	}
}

// Stats reports the pool's current size breakdown and waiter count.
type Stats struct {
	Size      int
	Idle      int
	Busy      int
	Recycling int
	Waiters   int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{Waiters: len(p.waiters)}
	for _, s := range p.slots {
		stats.Size++
		switch s.State {
		case StateIdle:
			stats.Idle++
		case StateBusy:
			stats.Busy++
		case StateRecycling:
			stats.Recycling++
		}
	}
	return stats
}

// Close shuts the pool down: wakes every waiter with a nil slot and
// closes every engine.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeAllLocked()
}

func (p *Pool) closeAllLocked() {
	p.closed = true
	for _, w := range p.waiters {
		w <- nil
	}
	p.waiters = nil
	for _, s := range p.slots {
		if s.engine != nil {
			s.engine.Close()
		}
	}
}
