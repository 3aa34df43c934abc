// Package slots implements the model slot table: a state machine per
// model id with serialized loads, LRU eviction gated by live-reference
// pinning, and a cancellable idle sweeper.
package slots

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/oaklatch/llamadash/internal/decoder"
)

// Status is a slot's lifecycle phase.
type Status int

const (
	StatusLoading Status = iota
	StatusReady
	StatusUnloading
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusUnloading:
		return "unloading"
	default:
		return "unknown"
	}
}

// ErrNotLoaded is returned when no slot matches and auto-load was not
// requested.
var ErrNotLoaded = errors.New("slots: model not loaded")

// ErrLoadFailed wraps a decoder failure encountered while loading.
var ErrLoadFailed = errors.New("slots: load failed")

// Info is the read-only view slot_info() exposes.
type Info struct {
	ID          string
	Path        string
	Status      Status
	LastUsedMs  int64
	PinCount    int
}

// LiveRef is a shared-ownership handle to a loaded model + context. The
// slot table itself holds one such reference per Ready slot; every
// additional outstanding LiveRef is a pin that blocks eviction.
type LiveRef struct {
	id      string
	path    string
	model   decoder.Model
	ctx     decoder.Context
	ctxLock *sync.Mutex // shared with every other LiveRef for the same slot

	slot *slot
}

// ID returns the model id this reference belongs to.
func (r *LiveRef) ID() string { return r.id }

// Path returns the file path the model was loaded from.
func (r *LiveRef) Path() string { return r.path }

// Model returns the loaded decoder.Model.
func (r *LiveRef) Model() decoder.Model { return r.model }

// Context returns the loaded decoder.Context.
func (r *LiveRef) Context() decoder.Context { return r.ctx }

// Lock acquires exclusive access to this reference's decoder context; the
// generation engine holds it for a full request's duration.
func (r *LiveRef) Lock() { r.ctxLock.Lock() }

// Unlock releases exclusive access.
func (r *LiveRef) Unlock() { r.ctxLock.Unlock() }

// Release drops this reference's contribution to the slot's pin count.
// Every LiveRef obtained from Resolve or Load must be Released exactly
// once when the caller is done with it.
func (r *LiveRef) Release() {
	if r.slot != nil {
		atomic.AddInt32(&r.slot.externalPins, -1)
	}
}

type slot struct {
	id       string
	path     string
	status   Status
	lastUsed time.Time
	model    decoder.Model
	ctx      decoder.Context
	ctxLock  *sync.Mutex

	// externalPins counts outstanding LiveRefs beyond the slot table's
	// own ownership. Pin count (per spec.md) is this value: the slot's
	// own internal reference is not counted.
	externalPins int32
}

func (s *slot) pinCount() int {
	return int(atomic.LoadInt32(&s.externalPins))
}

// Backend is the subset of decoder.Backend the slot table drives.
type Backend interface {
	LoadModel(path string, params decoder.ModelParams) (decoder.Model, error)
	CreateContext(model decoder.Model, params decoder.ContextParams) (decoder.Context, error)
}

// Table is the id -> Slot map plus its concurrency-control primitives:
// a readers-writer lock protecting the map, and a separate global mutex
// ensuring at most one load executes at any instant across the whole
// table.
type Table struct {
	mu        sync.RWMutex // protects slots
	slots     map[string]*slot
	loadMu    sync.Mutex // at most one load in flight, process-wide

	backend   Backend
	maxModels int // 0 = unlimited

	log logr.Logger

	onEvent func(Event)

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// Event is a lifecycle notification published on load/unload/evict, for
// the event fabric's broadcast hub to relay.
type Event struct {
	Type string // "loaded" | "unloaded" | "evicted"
	ID   string
	Path string
	At   time.Time
}

// New constructs an empty Table. maxModels=0 means unlimited.
func New(backend Backend, maxModels int, log logr.Logger, onEvent func(Event)) *Table {
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Table{
		slots:     make(map[string]*slot),
		backend:   backend,
		maxModels: maxModels,
		log:       log.WithName("slots"),
		onEvent:   onEvent,
	}
}

// IsLoaded reports whether id currently has a Ready slot.
func (t *Table) IsLoaded(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.slots[id]
	return ok && s.status == StatusReady
}

// Resolve returns a pinned LiveRef for id, or for the most-recently-used
// Ready slot when id is empty. Returns ErrNotLoaded if nothing matches.
func (t *Table) Resolve(id string) (*LiveRef, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var target *slot
	if id != "" {
		s, ok := t.slots[id]
		if ok && s.status == StatusReady {
			target = s
		}
	} else {
		for _, s := range t.slots {
			if s.status != StatusReady {
				continue
			}
			if target == nil || s.lastUsed.After(target.lastUsed) {
				target = s
			}
		}
	}
	if target == nil {
		return nil, ErrNotLoaded
	}
	atomic.AddInt32(&target.externalPins, 1)
	return &LiveRef{id: target.id, path: target.path, model: target.model, ctx: target.ctx, ctxLock: target.ctxLock, slot: target}, nil
}

// Touch bumps id's last_used timestamp, if it is currently Ready.
func (t *Table) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.slots[id]; ok && s.status == StatusReady {
		s.lastUsed = time.Now()
	}
}

// SlotInfo returns a snapshot of every slot in the table.
func (t *Table) SlotInfo() []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Info, 0, len(t.slots))
	now := time.Now()
	for _, s := range t.slots {
		out = append(out, Info{
			ID:         s.id,
			Path:       s.path,
			Status:     s.status,
			LastUsedMs: now.Sub(s.lastUsed).Milliseconds(),
			PinCount:   s.pinCount(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load loads the model at path into a new slot. A failure during loading
// removes the slot entirely — it is never parked in an error state. At
// most one load executes at any instant across the whole table.
func (t *Table) Load(path string, id string, modelParams decoder.ModelParams, ctxParams decoder.ContextParams) (*LiveRef, error) {
	t.loadMu.Lock()
	defer t.loadMu.Unlock()

	if id == "" {
		id = filepath.Base(path)
	}

	t.mu.Lock()
	if existing, ok := t.slots[id]; ok && existing.status == StatusReady {
		atomic.AddInt32(&existing.externalPins, 1)
		t.mu.Unlock()
		return &LiveRef{id: existing.id, path: existing.path, model: existing.model, ctx: existing.ctx, ctxLock: existing.ctxLock, slot: existing}, nil
	}
	t.evictForCapacity()
	placeholder := &slot{id: id, path: path, status: StatusLoading, lastUsed: time.Now(), ctxLock: &sync.Mutex{}}
	t.slots[id] = placeholder
	t.mu.Unlock()

	model, err := t.backend.LoadModel(path, modelParams)
	if err != nil {
		t.mu.Lock()
		delete(t.slots, id)
		t.mu.Unlock()
		t.log.Error(err, "model load failed", "id", id, "path", path)
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}

	ctx, err := t.backend.CreateContext(model, ctxParams)
	if err != nil {
		t.mu.Lock()
		delete(t.slots, id)
		t.mu.Unlock()
		t.log.Error(err, "context creation failed", "id", id, "path", path)
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}

	t.mu.Lock()
	placeholder.model = model
	placeholder.ctx = ctx
	placeholder.status = StatusReady
	placeholder.lastUsed = time.Now()
	atomic.AddInt32(&placeholder.externalPins, 1) // caller's reference
	t.mu.Unlock()

	t.log.V(1).Info("model loaded", "id", id, "path", path)
	t.onEvent(Event{Type: "loaded", ID: id, Path: path, At: time.Now()})

	return &LiveRef{id: id, path: path, model: model, ctx: ctx, ctxLock: placeholder.ctxLock, slot: placeholder}, nil
}

// Unload removes id's slot immediately, regardless of pin count — callers
// are expected to have already released their references; any in-flight
// generation holding this slot's context will finish its current decode
// step but further use is undefined per the caller's contract.
func (t *Table) Unload(id string) bool {
	t.mu.Lock()
	s, ok := t.slots[id]
	if ok {
		delete(t.slots, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	if s.ctx != nil {
		s.ctx.Close()
	}
	t.onEvent(Event{Type: "unloaded", ID: id, Path: s.path, At: time.Now()})
	return true
}

// evictForCapacity runs under t.mu (write-locked) before a new Loading
// slot is created. It repeatedly evicts the least-recently-used unpinned
// Ready slot while count(Ready+Loading) >= maxModels. If no victim is
// eligible the load proceeds anyway — a deliberate pressure valve.
func (t *Table) evictForCapacity() {
	if t.maxModels <= 0 {
		return
	}
	for t.liveCount() >= t.maxModels {
		victim := t.pickVictim()
		if victim == nil {
			return
		}
		delete(t.slots, victim.id)
		if victim.ctx != nil {
			victim.ctx.Close()
		}
		t.log.V(1).Info("evicted slot", "id", victim.id)
		t.onEvent(Event{Type: "evicted", ID: victim.id, Path: victim.path, At: time.Now()})
	}
}

func (t *Table) liveCount() int {
	n := 0
	for _, s := range t.slots {
		if s.status == StatusReady || s.status == StatusLoading {
			n++
		}
	}
	return n
}

// pickVictim selects argmin(lastUsed) among Ready slots with pin count 0,
// breaking ties by id lexicographic order.
func (t *Table) pickVictim() *slot {
	var victim *slot
	for _, s := range t.slots {
		if s.status != StatusReady || s.pinCount() > 0 {
			continue
		}
		if victim == nil ||
			s.lastUsed.Before(victim.lastUsed) ||
			(s.lastUsed.Equal(victim.lastUsed) && s.id < victim.id) {
			victim = s
		}
	}
	return victim
}

// sweepInterval implements the idle-sweep interval formula: max(30s, t).
func sweepInterval(idleTimeout time.Duration) time.Duration {
	const floor = 30 * time.Second
	if idleTimeout > floor {
		return idleTimeout
	}
	return floor
}

// StartIdleSweeper starts a background tick that removes every Ready slot
// idle longer than idleTimeout with pin count 0. idleTimeout=0 disables
// the sweeper. The sweeper is cancellable via StopIdleSweeper or by
// cancelling ctx.
func (t *Table) StartIdleSweeper(ctx context.Context, idleTimeout time.Duration) {
	if idleTimeout <= 0 {
		return
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	t.sweepCancel = cancel
	t.sweepDone = make(chan struct{})

	interval := sweepInterval(idleTimeout)
	go func() {
		defer close(t.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				t.sweepOnce(idleTimeout)
			}
		}
	}()
}

func (t *Table) sweepOnce(idleTimeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for id, s := range t.slots {
		if s.status != StatusReady || s.pinCount() > 0 {
			continue
		}
		if now.Sub(s.lastUsed) >= idleTimeout {
			delete(t.slots, id)
			if s.ctx != nil {
				s.ctx.Close()
			}
			t.log.V(1).Info("idle sweep evicted slot", "id", id)
			t.onEvent(Event{Type: "evicted", ID: id, Path: s.path, At: now})
		}
	}
}

// StopIdleSweeper cancels the sweeper goroutine and waits for it to exit.
func (t *Table) StopIdleSweeper() {
	if t.sweepCancel != nil {
		t.sweepCancel()
		<-t.sweepDone
	}
}

// SweepIdle runs one sweep pass synchronously, for callers (and tests)
// that want deterministic control over timing rather than the ticker.
func (t *Table) SweepIdle(idleTimeout time.Duration) {
	t.sweepOnce(idleTimeout)
}
