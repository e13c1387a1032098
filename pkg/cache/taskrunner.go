package cache

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// taskRunner is the single-worker FIFO background executor described in
// §4.7: exactly one worker goroutine ever runs submitted tasks, in
// submission order, off the caller's goroutine. No pack example supplies a
// task-queue abstraction (the nearest candidate, deepfabric-thinkbasekv's
// pkg/engine/bg, is a badger-specific wrapper, not a FIFO executor), so this
// is built directly on stdlib concurrency primitives — a mutex-guarded
// slice queue plus a condition variable, the idiomatic Go shape for an
// unbounded producer/single-consumer queue.
//
// The worker never propagates a panic: log-and-swallow, per §4.7.
type taskRunner struct {
	log *logrus.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	wg     sync.WaitGroup
}

func newTaskRunner(log *logrus.Logger) *taskRunner {
	tr := &taskRunner{log: log}
	tr.cond = sync.NewCond(&tr.mu)
	tr.wg.Add(1)

	go tr.loop()

	return tr
}

// submit enqueues task. It will eventually run on the single worker
// goroutine, after any tasks already queued.
func (tr *taskRunner) submit(task func()) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.closed {
		return
	}

	tr.queue = append(tr.queue, task)
	tr.cond.Signal()
}

func (tr *taskRunner) loop() {
	defer tr.wg.Done()

	for {
		tr.mu.Lock()

		for len(tr.queue) == 0 && !tr.closed {
			tr.cond.Wait()
		}

		if len(tr.queue) == 0 {
			tr.mu.Unlock()

			return
		}

		task := tr.queue[0]
		tr.queue = tr.queue[1:]
		tr.mu.Unlock()

		tr.runSafely(task)
	}
}

func (tr *taskRunner) runSafely(task func()) {
	defer func() {
		if r := recover(); r != nil {
			tr.log.WithField("panic", r).Error("cache: background task panicked")
		}
	}()

	task()
}

// stop drains the queue, then blocks until the worker goroutine exits.
func (tr *taskRunner) stop() {
	tr.mu.Lock()
	tr.closed = true
	tr.cond.Broadcast()
	tr.mu.Unlock()

	tr.wg.Wait()
}
