package server

import (
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// flushInterval is how often a worker flushes even without being woken.
const flushInterval = 10 * time.Millisecond

// writeWorker flushes the outgoing queues of a fixed set of sessions on its
// own goroutine.
type writeWorker struct {
	mu       sync.Mutex
	sessions map[*session]struct{}

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newWriteWorker() *writeWorker {
	w := &writeWorker{
		sessions: make(map[*session]struct{}),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *writeWorker) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *writeWorker) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sessions)
}

func (w *writeWorker) add(s *session) {
	w.mu.Lock()
	w.sessions[s] = struct{}{}
	w.mu.Unlock()
}

func (w *writeWorker) remove(s *session) {
	w.mu.Lock()
	delete(w.sessions, s)
	w.mu.Unlock()
}

func (w *writeWorker) snapshot() []*session {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*session, 0, len(w.sessions))
	for s := range w.sessions {
		out = append(out, s)
	}
	return out
}

func (w *writeWorker) run() {
	defer close(w.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.quit:
			w.flush()
			return
		case <-w.wake:
		case <-ticker.C:
		}
		w.flush()
	}
}

// flush writes every session's queue concurrently. A slow session only
// delays the sessions of this worker until its write fails or completes.
func (w *writeWorker) flush() {
	var g errgroup.Group
	for _, s := range w.snapshot() {
		g.Go(func() error {
			s.tryFlush()
			return nil
		})
	}
	_ = g.Wait()
}

func (w *writeWorker) stop() {
	close(w.quit)
	<-w.done
}

// scheduler spreads sessions over write workers, at most perWorker sessions
// each, starting a new worker when all are full.
type scheduler struct {
	mu        sync.Mutex
	perWorker int
	workers   []*writeWorker
	metrics   *Metrics
}

func newScheduler(perWorker int, metrics *Metrics) *scheduler {
	return &scheduler{perWorker: perWorker, metrics: metrics}
}

func (sc *scheduler) assign(s *session) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	var target *writeWorker
	for _, w := range sc.workers {
		if w.len() < sc.perWorker {
			target = w
			break
		}
	}
	if target == nil {
		target = newWriteWorker()
		sc.workers = append(sc.workers, target)
		sc.metrics.writeWorkers.Set(float64(len(sc.workers)))
	}

	target.add(s)
	s.worker.Store(target)
	target.notify()
}

func (sc *scheduler) release(s *session) {
	w := s.worker.Swap(nil)
	if w != nil {
		w.remove(s)
	}
}

// workerCount returns the number of running workers.
func (sc *scheduler) workerCount() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.workers)
}

// stop flushes one last time and stops every worker.
func (sc *scheduler) stop() {
	sc.mu.Lock()
	workers := sc.workers
	sc.workers = nil
	sc.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
	sc.metrics.writeWorkers.Set(0)
}
