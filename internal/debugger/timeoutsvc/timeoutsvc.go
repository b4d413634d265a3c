// Package timeoutsvc arms and cancels per-command deadline timers, firing a
// callback at most once per armed command even under concurrent Cancel/fire
// races.
package timeoutsvc

import (
	"sync"
	"time"
)

// Service tracks one timer per in-flight command ID.
type Service struct {
	mu     sync.Mutex
	timers map[string]*timerEntry
}

type timerEntry struct {
	timer *time.Timer
	fired bool
}

// New creates an empty timeout service.
func New() *Service {
	return &Service{timers: make(map[string]*timerEntry)}
}

// Arm schedules onTimeout to run after d unless Cancel(commandID) is called
// first. Re-arming an already-armed commandID replaces its timer.
func (s *Service) Arm(commandID string, d time.Duration, onTimeout func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.timers[commandID]; ok {
		existing.timer.Stop()
	}

	entry := &timerEntry{}
	entry.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		cur, ok := s.timers[commandID]
		if !ok || cur != entry || cur.fired {
			s.mu.Unlock()
			return
		}
		cur.fired = true
		delete(s.timers, commandID)
		s.mu.Unlock()
		onTimeout()
	})
	s.timers[commandID] = entry
}

// Cancel stops commandID's timer if it hasn't fired yet, returning true if
// it successfully prevented the timeout from firing.
func (s *Service) Cancel(commandID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.timers[commandID]
	if !ok {
		return false
	}
	delete(s.timers, commandID)
	return entry.timer.Stop()
}

// Pending returns the number of armed, not-yet-fired timers.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
