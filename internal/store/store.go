// Package store holds the server's tags, rules and alarms in memory, keyed
// by id, with per-entity exclusive write locks and lock-free snapshot reads.
//
// Writers follow a copy-on-write discipline: they take the entity's write
// lock, prepare a new copy and put it back, which atomically swaps the
// published snapshot and synchronously notifies the registered listeners on
// the writing goroutine. Readers never block on write locks; they receive
// the last published snapshot.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"plantmon-server/internal/model"
)

// ErrLockNotHeld is returned by put operations whose context does not hold
// the entity's write lock.
var ErrLockNotHeld = errors.New("store: write lock not held")

// UpdateListener receives every non-quiet put, synchronously on the calling
// goroutine, while the entity's write lock is still held. Implementations
// must be fast and must not block the propagation chain for long.
type UpdateListener interface {
	EntityUpdated(ctx context.Context, e model.Entity)
}

type entry struct {
	// writeMu is the entity write lock, held across a whole
	// read-modify-publish chain.
	writeMu sync.Mutex
	// snapMu guards only the snapshot pointer swap.
	snapMu sync.RWMutex
	snap   model.Entity
}

func (e *entry) snapshot() model.Entity {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snap
}

func (e *entry) swap(next model.Entity) {
	e.snapMu.Lock()
	e.snap = next
	e.snapMu.Unlock()
}

// Store is the keyed entity store.
type Store struct {
	mu      sync.RWMutex
	entries map[int64]*entry

	listenerMu sync.RWMutex
	listeners  []UpdateListener

	log zerolog.Logger
}

// New constructs an empty store.
func New(log zerolog.Logger) *Store {
	return &Store{
		entries: make(map[int64]*entry),
		log:     log,
	}
}

// Register appends an update listener. Notification order is registration
// order. Meant to be called during wiring, before updates flow.
func (s *Store) Register(l UpdateListener) {
	if l == nil {
		return
	}
	s.listenerMu.Lock()
	s.listeners = append(s.listeners, l)
	s.listenerMu.Unlock()
}

// Insert adds a new entity. The stored state is a copy of e.
func (s *Store) Insert(e model.Entity) error {
	if e == nil {
		return errors.New("store: nil entity")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.Key()]; ok {
		return fmt.Errorf("%w: id %d", model.ErrAlreadyExists, e.Key())
	}
	s.entries[e.Key()] = &entry{snap: e.CloneEntity()}
	return nil
}

// Remove deletes an entity. Callers removing a live entity should hold its
// write lock so no chain is mid-flight on it.
func (s *Store) Remove(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return model.NotFound(id)
	}
	delete(s.entries, id)
	return nil
}

// Has reports whether the id is known.
func (s *Store) Has(id int64) bool {
	s.mu.RLock()
	_, ok := s.entries[id]
	s.mu.RUnlock()
	return ok
}

// Len returns the number of stored entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Keys returns all known ids in ascending order.
func (s *Store) Keys() []int64 {
	s.mu.RLock()
	keys := make([]int64, 0, len(s.entries))
	for id := range s.entries {
		keys = append(keys, id)
	}
	s.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (s *Store) entry(id int64) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, model.NotFound(id)
	}
	return e, nil
}

// Get returns the current snapshot. Callers must treat it as read-only;
// mutation requires GetCopy + write lock + put.
func (s *Store) Get(id int64) (model.Entity, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	return e.snapshot(), nil
}

// GetCopy returns an independent deep copy of the current snapshot.
func (s *Store) GetCopy(id int64) (model.Entity, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	return e.snapshot().CloneEntity(), nil
}

// Tag returns the current snapshot as a tag.
func (s *Store) Tag(id int64) (*model.Tag, error) {
	e, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	t, ok := e.(*model.Tag)
	if !ok {
		return nil, fmt.Errorf("store: entity %d is not a tag", id)
	}
	return t, nil
}

// TagCopy returns an independent copy of a tag.
func (s *Store) TagCopy(id int64) (*model.Tag, error) {
	t, err := s.Tag(id)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// Alarm returns the current snapshot as an alarm.
func (s *Store) Alarm(id int64) (*model.Alarm, error) {
	e, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	a, ok := e.(*model.Alarm)
	if !ok {
		return nil, fmt.Errorf("store: entity %d is not an alarm", id)
	}
	return a, nil
}

// AlarmCopy returns an independent copy of an alarm.
func (s *Store) AlarmCopy(id int64) (*model.Alarm, error) {
	a, err := s.Alarm(id)
	if err != nil {
		return nil, err
	}
	return a.Clone(), nil
}

// AcquireWriteLock takes the exclusive write lock for id, blocking until it
// is available. Acquisition is re-entrant within one logical execution
// context: thread the returned context through nested store calls, and a
// nested acquire for an id already held by that context is a no-op whose
// unlock releases nothing. The outermost frame owns the release.
func (s *Store) AcquireWriteLock(ctx context.Context, id int64) (context.Context, UnlockFunc, error) {
	e, err := s.entry(id)
	if err != nil {
		return ctx, func() {}, err
	}
	if ls := heldLocks(ctx); ls != nil && ls.holds(id) {
		s.log.Debug().Int64("id", id).Msg("store: write lock already held by this context")
		return ctx, func() {}, nil
	}
	e.writeMu.Lock()
	ctx, ls := withLockSet(ctx)
	ls.add(id)
	released := false
	unlock := func() {
		if released {
			return
		}
		released = true
		ls.remove(id)
		e.writeMu.Unlock()
	}
	return ctx, unlock, nil
}

// HoldsWriteLock reports whether ctx holds the write lock for id.
func (s *Store) HoldsWriteLock(ctx context.Context, id int64) bool {
	ls := heldLocks(ctx)
	return ls != nil && ls.holds(id)
}

// Put publishes a new state for the entity and synchronously notifies all
// registered listeners on the calling goroutine. The context must hold the
// entity's write lock. The stored state is a copy of e.
func (s *Store) Put(ctx context.Context, e model.Entity) error {
	return s.put(ctx, e, true)
}

// PutQuiet publishes a new state without notifying listeners. Used for
// internal bookkeeping writes that must not re-trigger propagation.
func (s *Store) PutQuiet(ctx context.Context, e model.Entity) error {
	return s.put(ctx, e, false)
}

func (s *Store) put(ctx context.Context, ent model.Entity, notify bool) error {
	if ent == nil {
		return errors.New("store: nil entity")
	}
	id := ent.Key()
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	if !s.HoldsWriteLock(ctx, id) {
		return fmt.Errorf("%w: id %d", ErrLockNotHeld, id)
	}
	snap := ent.CloneEntity()
	e.swap(snap)
	if notify {
		s.notify(ctx, snap)
	}
	return nil
}

func (s *Store) notify(ctx context.Context, e model.Entity) {
	s.listenerMu.RLock()
	listeners := append([]UpdateListener(nil), s.listeners...)
	s.listenerMu.RUnlock()
	for _, l := range listeners {
		s.dispatch(ctx, l, e)
	}
}

// dispatch contains listener panics so they cannot unwind into the callers'
// lock handling; remaining listeners still run.
func (s *Store) dispatch(ctx context.Context, l UpdateListener, e model.Entity) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Int64("id", e.Key()).Interface("panic", r).Msg("store: update listener panicked")
		}
	}()
	l.EntityUpdated(ctx, e)
}

// Counts is the per-variant entity census used for gauges.
type Counts struct {
	DataTags    int
	RuleTags    int
	ControlTags int
	Alarms      int
}

// Census walks the store and counts entities per variant.
func (s *Store) Census() Counts {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var c Counts
	for _, e := range entries {
		switch v := e.snapshot().(type) {
		case *model.Tag:
			switch v.Kind {
			case model.KindRule:
				c.RuleTags++
			case model.KindControl:
				c.ControlTags++
			default:
				c.DataTags++
			}
		case *model.Alarm:
			c.Alarms++
		}
	}
	return c
}
