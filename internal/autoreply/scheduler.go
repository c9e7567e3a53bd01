package autoreply

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// FireFunc runs when a chat's debounce window elapses.
type FireFunc func(connectionID int64, chatID string)

// Scheduler keeps one debounce timer per chat. Scheduling again restarts
// the window; a timer cancelled after it already fired is a no-op.
type Scheduler struct {
	window time.Duration
	fire   FireFunc

	mu      sync.Mutex
	timers  map[string]*pending
	gen     uint64
	stopped bool
	running sync.WaitGroup
}

type pending struct {
	timer        *time.Timer
	gen          uint64
	connectionID int64
}

// NewScheduler creates a scheduler with the given coalescing window.
func NewScheduler(window time.Duration, fire FireFunc) *Scheduler {
	return &Scheduler{
		window: window,
		fire:   fire,
		timers: make(map[string]*pending),
	}
}

// Schedule (re)starts the window for a chat.
func (s *Scheduler) Schedule(connectionID int64, chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if p, ok := s.timers[chatID]; ok {
		p.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timers[chatID] = &pending{
		timer:        time.AfterFunc(s.window, func() { s.expire(chatID, gen) }),
		gen:          gen,
		connectionID: connectionID,
	}
}

func (s *Scheduler) expire(chatID string, gen uint64) {
	s.mu.Lock()
	p, ok := s.timers[chatID]
	if !ok || p.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, chatID)
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	s.fire(p.connectionID, chatID)
}

// Cancel drops the pending timer of a chat and reports whether one existed.
func (s *Scheduler) Cancel(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.timers[chatID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(s.timers, chatID)
	return true
}

// CancelConnection drops every pending timer of a connection.
func (s *Scheduler) CancelConnection(connectionID int64) int {
	prefix := fmt.Sprintf("%d:", connectionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, p := range s.timers {
		if strings.HasPrefix(key, prefix) {
			p.timer.Stop()
			delete(s.timers, key)
			n++
		}
	}
	return n
}

// Pending reports whether a chat has an armed timer.
func (s *Scheduler) Pending(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[chatID]
	return ok
}

// Stop cancels every timer and waits for callbacks already running. Later
// Schedule calls are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for key, p := range s.timers {
		p.timer.Stop()
		delete(s.timers, key)
	}
	s.mu.Unlock()
	s.running.Wait()
}
