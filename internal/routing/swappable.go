package routing

import (
	"sync/atomic"
)

// RetireFunc is called once a replaced snapshot has no remaining leases.
type RetireFunc func(old *AppRouter)

// generation is one installed snapshot plus its lease count. The router's
// own reference counts as one; retire runs when the count reaches zero.
type generation struct {
	snap   *AppRouter
	refs   atomic.Int64
	retire RetireFunc
}

func newGeneration(snap *AppRouter, retire RetireFunc) *generation {
	g := &generation{snap: snap, retire: retire}
	g.refs.Store(1)
	return g
}

func (g *generation) acquire() bool {
	for {
		n := g.refs.Load()
		if n <= 0 {
			return false
		}
		if g.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (g *generation) release() {
	if g.refs.Add(-1) == 0 && g.retire != nil {
		g.retire(g.snap)
	}
}

// Lease pins a snapshot for the duration of one request.
type Lease struct {
	gen      *generation
	released atomic.Bool
}

// Snapshot returns the leased snapshot.
func (l *Lease) Snapshot() *AppRouter { return l.gen.snap }

// Release drops the lease. Safe to call more than once.
func (l *Lease) Release() {
	if l.released.CompareAndSwap(false, true) {
		l.gen.release()
	}
}

// SwappableRouter holds the current snapshot for one host. Readers never
// block writers and always see either the old or the new snapshot in full.
type SwappableRouter struct {
	cur    atomic.Pointer[generation]
	retire RetireFunc
}

// NewSwappableRouter installs snap as the initial snapshot. retire may be nil.
func NewSwappableRouter(snap *AppRouter, retire RetireFunc) *SwappableRouter {
	r := &SwappableRouter{retire: retire}
	r.cur.Store(newGeneration(snap, retire))
	return r
}

// Load leases the current snapshot. Callers must Release the lease.
func (r *SwappableRouter) Load() *Lease {
	for {
		g := r.cur.Load()
		if g.acquire() {
			return &Lease{gen: g}
		}
	}
}

// Current returns the installed snapshot without leasing it.
func (r *SwappableRouter) Current() *AppRouter {
	return r.cur.Load().snap
}

// Update installs snap and returns the snapshot it replaced. The old
// snapshot is retired once its last lease is released.
func (r *SwappableRouter) Update(snap *AppRouter) *AppRouter {
	old := r.cur.Swap(newGeneration(snap, r.retire))
	old.release()
	return old.snap
}
