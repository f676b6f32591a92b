package store

import "context"

// UnlockFunc releases a write lock. It must be called on all exit paths
// (usually deferred) and is safe to call more than once; only the first
// call releases.
type UnlockFunc func()

type lockSetKey struct{}

// lockSet tracks the entity write locks held by one logical execution
// context. It is confined to the goroutine currently driving that context:
// the propagation chain hands the context from frame to frame but never
// shares it between concurrently running goroutines.
type lockSet struct {
	held map[int64]struct{}
}

func (ls *lockSet) holds(id int64) bool {
	_, ok := ls.held[id]
	return ok
}

func (ls *lockSet) add(id int64) { ls.held[id] = struct{}{} }

func (ls *lockSet) remove(id int64) { delete(ls.held, id) }

// heldLocks extracts the lock set carried by ctx, nil if none.
func heldLocks(ctx context.Context) *lockSet {
	ls, _ := ctx.Value(lockSetKey{}).(*lockSet)
	return ls
}

// withLockSet returns a context carrying a lock set, reusing the existing
// one when present.
func withLockSet(ctx context.Context) (context.Context, *lockSet) {
	if ls := heldLocks(ctx); ls != nil {
		return ctx, ls
	}
	ls := &lockSet{held: make(map[int64]struct{}, 2)}
	return context.WithValue(ctx, lockSetKey{}, ls), ls
}
