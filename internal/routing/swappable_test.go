package routing

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotFor(t *testing.T, host, body string) *AppRouter {
	t.Helper()
	snap, err := Build(Spec{
		Host:   host,
		Routes: []RouteSpec{{Method: "GET", Path: "/", Handler: "index"}},
		Code:   fmt.Sprintf(`export function index() { return { body: %q }; }`, body),
	})
	require.NoError(t, err)
	return snap
}

func TestLeaseDelaysRetire(t *testing.T) {
	var retired []*AppRouter
	v1 := snapshotFor(t, "a.test", "v1")
	v2 := snapshotFor(t, "a.test", "v2")
	r := NewSwappableRouter(v1, func(old *AppRouter) { retired = append(retired, old) })

	lease := r.Load()
	assert.Same(t, v1, lease.Snapshot())

	prev := r.Update(v2)
	assert.Same(t, v1, prev)
	assert.Same(t, v2, r.Current())
	assert.Empty(t, retired, "v1 is still leased")

	// the in-flight lease still sees v1
	assert.Same(t, v1, lease.Snapshot())

	lease.Release()
	lease.Release()
	require.Len(t, retired, 1)
	assert.Same(t, v1, retired[0])

	next := r.Load()
	assert.Same(t, v2, next.Snapshot())
	next.Release()
	assert.Len(t, retired, 1)
}

func TestUpdateWithoutLeasesRetiresImmediately(t *testing.T) {
	var count atomic.Int32
	r := NewSwappableRouter(snapshotFor(t, "a.test", "v1"), func(*AppRouter) { count.Add(1) })
	r.Update(snapshotFor(t, "a.test", "v2"))
	r.Update(snapshotFor(t, "a.test", "v3"))
	assert.Equal(t, int32(2), count.Load())
}

func TestConcurrentLoadAndUpdate(t *testing.T) {
	snaps := []*AppRouter{
		snapshotFor(t, "a.test", "v1"),
		snapshotFor(t, "a.test", "v2"),
	}
	valid := map[*AppRouter]bool{snaps[0]: true, snaps[1]: true}

	var retired atomic.Int32
	r := NewSwappableRouter(snaps[0], func(*AppRouter) { retired.Add(1) })

	const readers = 8
	const updates = 500
	var wg sync.WaitGroup
	stop := make(chan struct{})
	var bad atomic.Int32

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				l := r.Load()
				if !valid[l.Snapshot()] {
					bad.Add(1)
				}
				if _, err := l.Snapshot().Match("GET", "/"); err != nil {
					bad.Add(1)
				}
				l.Release()
			}
		}()
	}

	for i := 0; i < updates; i++ {
		r.Update(snaps[(i+1)%2])
	}
	close(stop)
	wg.Wait()

	assert.Zero(t, bad.Load())
	assert.Equal(t, int32(updates), retired.Load(), "every replaced generation retires exactly once")
}
