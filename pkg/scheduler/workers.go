package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// workerGroup tracks the worker goroutines spawned for resource queues so
// the registry can report, await and cancel them.
type workerGroup struct {
	ctx    context.Context
	cancel context.CancelFunc

	// stopping is set once shutdown begins. Workers finish the operation
	// in hand but do not start queued ones.
	stopping atomic.Bool

	wg sync.WaitGroup
	mu sync.Mutex
	// active counts live workers per resource. A finishing worker and its
	// successor can briefly overlap after the running flag is cleared.
	active map[int64]int
}

func newWorkerGroup() *workerGroup {
	ctx, cancel := context.WithCancel(context.Background())
	return &workerGroup{
		ctx:    ctx,
		cancel: cancel,
		active: make(map[int64]int),
	}
}

// Go runs fn for resourceID in a tracked goroutine and reports whether it
// did. Once Stop was called no new worker starts, so Wait never races a
// late Add. Callers guarantee that at most one worker per resource is alive.
func (g *workerGroup) Go(resourceID int64, fn func(ctx context.Context)) bool {
	g.mu.Lock()
	if g.stopping.Load() {
		g.mu.Unlock()
		return false
	}
	g.active[resourceID]++
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer func() {
			g.mu.Lock()
			if g.active[resourceID]--; g.active[resourceID] <= 0 {
				delete(g.active, resourceID)
			}
			g.mu.Unlock()
			g.wg.Done()
		}()
		fn(g.ctx)
	}()
	return true
}

// Active returns the resources with a live worker, sorted.
func (g *workerGroup) Active() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]int64, 0, len(g.active))
	for id := range g.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count returns the number of live workers.
func (g *workerGroup) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// Stop marks the group as stopping. Workers started before Stop returns
// are the only ones Wait has to see.
func (g *workerGroup) Stop() {
	g.mu.Lock()
	g.stopping.Store(true)
	g.mu.Unlock()
}

// Stopping reports whether Stop was called.
func (g *workerGroup) Stopping() bool {
	return g.stopping.Load()
}

// Wait blocks until every worker has exited.
func (g *workerGroup) Wait() {
	g.wg.Wait()
}

// WaitContext waits for the workers or until ctx is done. When ctx ends
// first, the context handed to the workers is cancelled so actions that
// honor it can stop.
func (g *workerGroup) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		g.cancel()
		<-done
		return ctx.Err()
	}
}
