package store

import (
	"runtime"
	"sync"
)

// Pool is one of the store's two fixed-size executor pools (spec.md §4.5):
// a larger remote pool for slow/network ImageServer reads and a smaller
// local pool that isolates cheap in-process tile synthesis
// (GeneratingImageServer) from remote-latency queueing. The shape mirrors
// the teacher's fetch queue worker loop (fixed goroutines draining a job
// channel, shut down via a closed signal rather than closing the channel
// itself, so in-flight Submit calls never panic on a closed send).
type Pool struct {
	jobs      chan *Worker
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// remotePoolSize implements spec.md §4.5: clamp(availableProcessors*4, 8, 32).
func remotePoolSize() int {
	n := runtime.NumCPU() * 4
	if n < 8 {
		return 8
	}
	if n > 32 {
		return 32
	}
	return n
}

// localPoolSize implements spec.md §4.5: one worker per available processor.
func localPoolSize() int {
	return runtime.NumCPU()
}

// NewPool starts size goroutines consuming submitted Workers.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		jobs:   make(chan *Worker, size*4),
		closed: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.loop()
	}
	return p
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.closed:
			return
		case w := <-p.jobs:
			if w == nil {
				continue
			}
			w.run()
		}
	}
}

// Submit enqueues w for execution. It never blocks: it returns false,
// inserting nothing, both when the pool has been closed (spec.md §4.5:
// "After close(), submission is a no-op returning absent") and when the
// pool's job buffer is momentarily saturated. Callers that dispatch while
// holding the façade monitor (Store.mu) depend on this never blocking —
// a blocking Submit there can deadlock against a pool worker that is
// itself waiting on Store.mu inside workerComplete (spec.md §5: the
// façade monitor is never held across a pool submission that could
// recursively re-enter the façade).
func (p *Pool) Submit(w *Worker) bool {
	select {
	case <-p.closed:
		return false
	default:
	}
	select {
	case p.jobs <- w:
		return true
	default:
		return false
	}
}

// Close shuts the pool down, cancelling nothing in flight explicitly (the
// store cancels workers itself before closing pools) and waiting for all
// worker goroutines to drain. Close is idempotent.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
	p.wg.Wait()
}
