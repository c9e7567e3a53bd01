// Package worker runs keyed jobs. Jobs sharing a key run one at a time, in
// submission order; jobs with different keys run in parallel.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("worker lanes stopped")

// Job is a unit of work.
type Job func(ctx context.Context)

// Lanes keeps one queue per active key, drained by its own goroutine. The
// goroutine exits once the queue is empty, so idle keys cost nothing.
type Lanes struct {
	slots  chan struct{}
	log    *slog.Logger
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[string][]Job
	closed bool
}

// NewLanes returns lanes that run at most n jobs at the same time.
func NewLanes(n int, log *slog.Logger) *Lanes {
	if n <= 0 {
		n = 1
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Lanes{
		slots:  make(chan struct{}, n),
		log:    log.With("component", "lanes"),
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[string][]Job),
	}
}

// Submit queues job behind the other jobs of key. It never blocks.
func (l *Lanes) Submit(key string, job Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrStopped
	}
	q, active := l.queues[key]
	l.queues[key] = append(q, job)
	if !active {
		l.wg.Add(1)
		go l.drain(key)
	}
	return nil
}

func (l *Lanes) drain(key string) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		q := l.queues[key]
		if len(q) == 0 {
			delete(l.queues, key)
			l.mu.Unlock()
			return
		}
		job := q[0]
		q[0] = nil
		l.queues[key] = q[1:]
		l.mu.Unlock()

		l.exec(key, job)
	}
}

func (l *Lanes) exec(key string, job Job) {
	l.slots <- struct{}{}
	defer func() {
		<-l.slots
		if r := recover(); r != nil {
			l.log.Error("job panicked", "key", key, "panic", r)
		}
	}()
	job(l.ctx)
}

// active returns the number of keys with queued or running jobs.
func (l *Lanes) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues)
}

// Stop rejects new jobs, drains queued ones and waits for them to finish.
// Jobs observe a cancelled context once ctx expires.
func (l *Lanes) Stop(ctx context.Context) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		l.cancel()
		<-done
	}
	l.cancel()
}
