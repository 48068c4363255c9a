package agentd

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/coderelay/coderelay/internal/worker"
)

// registry tracks the daemon's live workers and enforces the MaxWorkers
// cap with a weighted semaphore.
type registry struct {
	mu      sync.RWMutex
	workers map[string]*worker.Worker // keyed by task id
	slots   *semaphore.Weighted
}

func newRegistry(maxWorkers int) *registry {
	return &registry{
		workers: make(map[string]*worker.Worker),
		slots:   semaphore.NewWeighted(int64(maxWorkers)),
	}
}

// reserve claims a capacity slot without blocking. The caller must either
// add a worker or release the slot.
func (r *registry) reserve() error {
	if !r.slots.TryAcquire(1) {
		return fmt.Errorf("worker capacity exhausted")
	}
	return nil
}

func (r *registry) release() {
	r.slots.Release(1)
}

func (r *registry) add(taskID string, w *worker.Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[taskID]; exists {
		return fmt.Errorf("task %s already has a worker", taskID)
	}
	r.workers[taskID] = w
	return nil
}

func (r *registry) get(taskID string) (*worker.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[taskID]
	return w, ok
}

// remove drops a worker and frees its capacity slot. Idempotent.
func (r *registry) remove(taskID string) {
	r.mu.Lock()
	_, ok := r.workers[taskID]
	delete(r.workers, taskID)
	r.mu.Unlock()
	if ok {
		r.slots.Release(1)
	}
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// stopAll terminates every live worker, used on shutdown.
func (r *registry) stopAll(ctx context.Context) {
	r.mu.RLock()
	workers := make([]*worker.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			_ = w.Stop()
		}(w)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
