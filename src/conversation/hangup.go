package conversation

import (
	"sync"
	"time"

	"github.com/square-key-labs/callbridge-ai/src/logger"
)

// HangupFunc issues the real hangup instruction to the telephony platform.
type HangupFunc func(callSID string) error

// Scheduler delays hangups behind a short grace window so the final
// utterance finishes transmitting before the line drops. Scheduling is
// idempotent per call while a timer is pending.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer

	grace  time.Duration
	hangup HangupFunc
	log    *logger.Logger
}

// NewScheduler creates a scheduler firing hangup after grace.
func NewScheduler(grace time.Duration, hangup HangupFunc) *Scheduler {
	if grace <= 0 {
		grace = 3 * time.Second
	}
	return &Scheduler{
		timers: make(map[string]*time.Timer),
		grace:  grace,
		hangup: hangup,
		log:    logger.WithPrefix("Hangup"),
	}
}

// Schedule arms the grace timer for a call. A second call while a timer is
// pending is a no-op and returns false.
func (s *Scheduler) Schedule(callID, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.timers[callID]; ok {
		return false
	}
	s.log.Info("Hangup scheduled (call=%s reason=%s grace=%s)", callID, reason, s.grace)
	s.timers[callID] = time.AfterFunc(s.grace, func() { s.fire(callID) })
	return true
}

// Cancel stops a pending hangup, for calls that end another way first.
func (s *Scheduler) Cancel(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer, ok := s.timers[callID]
	if !ok {
		return false
	}
	delete(s.timers, callID)
	timer.Stop()
	s.log.Debug("Hangup cancelled (call=%s)", callID)
	return true
}

// Scheduled reports whether a hangup timer is pending for the call.
func (s *Scheduler) Scheduled(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[callID]
	return ok
}

// Shutdown stops every pending timer without hanging anything up.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for callID, timer := range s.timers {
		timer.Stop()
		delete(s.timers, callID)
	}
}

func (s *Scheduler) fire(callID string) {
	s.mu.Lock()
	_, ok := s.timers[callID]
	delete(s.timers, callID)
	s.mu.Unlock()
	if !ok {
		// Cancelled between the timer firing and acquiring the lock.
		return
	}

	if err := s.hangup(callID); err != nil {
		s.log.Error("Hangup failed (call=%s): %v", callID, err)
		return
	}
	s.log.Info("Hangup issued (call=%s)", callID)
}
