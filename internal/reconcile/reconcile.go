// Package reconcile keeps injected controls attached while the host page
// re-renders. One Reconciler is shared by every downloader on a page: it
// watches structural mutations, ignores the ones postgrab caused itself,
// debounces the rest and asks each registered instance to reinitialize.
package reconcile

import (
	"log"
	"sync"
	"time"

	"github.com/standardbeagle/postgrab/internal/dom"
	"github.com/standardbeagle/postgrab/internal/marker"
)

// DefaultDebounce is the quiet period before a reconciliation runs.
const DefaultDebounce = 1000 * time.Millisecond

// State is the reconciler's position in Idle -> PendingDebounce ->
// Reconciling -> Idle.
type State int

const (
	Idle State = iota
	PendingDebounce
	Reconciling
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PendingDebounce:
		return "pending"
	case Reconciling:
		return "reconciling"
	default:
		return "unknown"
	}
}

// Instance is a consumer that can tear down and recreate its controls.
type Instance interface {
	Reinitialize()
}

// Observable is the page whose mutations are watched.
type Observable interface {
	Observe(fn func([]dom.MutationRecord)) (disconnect func())
}

// Reconciler is safe for concurrent use.
type Reconciler struct {
	target   Observable
	debounce time.Duration

	mu         sync.Mutex
	instances  []Instance
	disconnect func()
	state      State
	timer      *time.Timer
	gen        uint64
	dirty      bool
	runs       int

	// runMu serializes reconciliations.
	runMu sync.Mutex
}

// New creates a Reconciler for target. A non-positive debounce uses
// DefaultDebounce.
func New(target Observable, debounce time.Duration) *Reconciler {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Reconciler{target: target, debounce: debounce}
}

// Register adds inst. Registering twice is a no-op. The first registration
// starts observing the page.
func (r *Reconciler) Register(inst Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.instances {
		if existing == inst {
			return
		}
	}
	r.instances = append(r.instances, inst)
	if r.disconnect == nil {
		r.disconnect = r.target.Observe(r.handle)
		log.Printf("[Reconciler] observing page mutations")
	}
}

// Deregister removes inst; removing an unknown instance is a no-op. When
// the last instance leaves, the observer is disconnected and any pending
// window is dropped.
func (r *Reconciler) Deregister(inst Instance) {
	r.mu.Lock()
	idx := -1
	for i, existing := range r.instances {
		if existing == inst {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return
	}
	r.instances = append(r.instances[:idx], r.instances[idx+1:]...)
	if len(r.instances) > 0 {
		r.mu.Unlock()
		return
	}

	disconnect := r.disconnect
	r.disconnect = nil
	r.stopTimerLocked()
	r.dirty = false
	if r.state == PendingDebounce {
		r.state = Idle
	}
	r.mu.Unlock()

	if disconnect != nil {
		disconnect()
		log.Printf("[Reconciler] last instance left, observer disconnected")
	}
}

// State returns the current state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Reconciliations returns how many reconciliations have completed.
func (r *Reconciler) Reconciliations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

// Observing reports whether the page observer is connected.
func (r *Reconciler) Observing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnect != nil
}

// Registered returns the number of registered instances.
func (r *Reconciler) Registered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

func (r *Reconciler) handle(recs []dom.MutationRecord) {
	if marker.IsEmptyBatch(recs) || marker.IsSelfBatch(recs) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disconnect == nil {
		return
	}
	if r.state == Reconciling {
		r.dirty = true
		return
	}
	r.state = PendingDebounce
	r.armLocked()
}

// armLocked (re)starts the debounce window.
func (r *Reconciler) armLocked() {
	r.stopTimerLocked()
	gen := r.gen
	r.timer = time.AfterFunc(r.debounce, func() { r.fire(gen) })
}

func (r *Reconciler) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
}

func (r *Reconciler) fire(gen uint64) {
	r.mu.Lock()
	if gen != r.gen || r.state != PendingDebounce {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.state = Reconciling
	snapshot := append([]Instance(nil), r.instances...)
	r.mu.Unlock()

	r.runMu.Lock()
	for _, inst := range snapshot {
		inst.Reinitialize()
	}
	r.runMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	if r.dirty && r.disconnect != nil {
		r.dirty = false
		r.state = PendingDebounce
		r.armLocked()
		return
	}
	r.dirty = false
	r.state = Idle
}
