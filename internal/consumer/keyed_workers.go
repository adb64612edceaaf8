package consumer

import (
	"context"
	"errors"
	"sync"
)

// DefaultQueueSize per-key backlog before Submit blocks the caller
const DefaultQueueSize = 64

var errWorkersClosed = errors.New("consumer workers closed")

// keyedWorkers runs jobs with the same key one at a time in submission order, and jobs with
// different keys in parallel. A key's goroutine lives until Close.
type keyedWorkers struct {
	size int

	mu     sync.Mutex
	queues map[string]chan func()
	closed bool
	quit   chan struct{}
	wg     sync.WaitGroup
}

func newKeyedWorkers(size int) *keyedWorkers {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &keyedWorkers{
		size:   size,
		queues: make(map[string]chan func()),
		quit:   make(chan struct{}),
	}
}

// Submit queues job behind earlier jobs of key. It blocks only while key's own backlog is full.
func (w *keyedWorkers) Submit(ctx context.Context, key string, job func()) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errWorkersClosed
	}
	q, ok := w.queues[key]
	if !ok {
		q = make(chan func(), w.size)
		w.queues[key] = q
		w.wg.Add(1)
		go w.drain(q)
	}
	w.mu.Unlock()

	select {
	case q <- job:
		return nil
	case <-w.quit:
		return errWorkersClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *keyedWorkers) drain(q chan func()) {
	defer w.wg.Done()
	for {
		select {
		case <-w.quit:
			return
		case job := <-q:
			job()
		}
	}
}

// Close stops every key's goroutine after its running job; queued jobs are dropped
func (w *keyedWorkers) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.quit)
	w.mu.Unlock()
	w.wg.Wait()
}

// Len number of keys with a live goroutine
func (w *keyedWorkers) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queues)
}
