package callstate

import (
	"context"
	"sync"
	"time"

	"github.com/square-key-labs/callbridge-ai/src/logger"
)

// Store is the call-state registry. It owns every Session exclusively;
// callers read copies and mutate through its methods.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	retention time.Duration
	log       *logger.Logger
}

// NewStore creates a registry that garbage-collects sessions a retention
// window after creation.
func NewStore(retention time.Duration) *Store {
	return &Store{
		sessions:  make(map[string]*Session),
		retention: retention,
		log:       logger.WithPrefix("CallState"),
	}
}

// Put registers a session under its CallSID, stamping CreatedAt and the
// initial status if unset. Re-putting an existing SID replaces the record.
func (s *Store) Put(sess Session) {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	if sess.Status == "" {
		sess.Status = StatusInitiated
	}

	s.mu.Lock()
	s.sessions[sess.CallSID] = &sess
	s.mu.Unlock()

	s.log.Info("call %s registered (%s)", sess.CallSID, sess.Direction)
}

// Get returns a copy of the session, if present.
func (s *Store) Get(callSID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[callSID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// UpdateStatus records a platform status change. Terminal statuses never
// regress to non-terminal ones (late callbacks arrive out of order).
func (s *Store) UpdateStatus(callSID string, status Status) {
	if status == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[callSID]
	if !ok {
		return
	}
	if sess.Status.IsTerminal() && !status.IsTerminal() {
		return
	}
	sess.Status = status
}

// SetDuration records the call duration in seconds once the platform
// reports it.
func (s *Store) SetDuration(callSID string, seconds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[callSID]; ok && seconds > 0 {
		sess.Duration = seconds
	}
}

// SetVoicemailDetected raises the voicemail flag for the reporting layer.
func (s *Store) SetVoicemailDetected(callSID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[callSID]; ok {
		sess.VoicemailDetected = true
	}
}

// SetIVRDetected raises the automated-menu flag for the reporting layer.
func (s *Store) SetIVRDetected(callSID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[callSID]; ok {
		sess.IVRDetected = true
	}
}

// MarkDegraded records that the AI connection dropped while the call was
// still up.
func (s *Store) MarkDegraded(callSID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[callSID]; ok {
		sess.Degraded = true
	}
}

// Count returns the number of registered sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep drops sessions older than the retention window and returns how many
// were removed.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for sid, sess := range s.sessions {
		if now.Sub(sess.CreatedAt) > s.retention {
			delete(s.sessions, sid)
			removed++
		}
	}
	if removed > 0 {
		s.log.Debug("swept %d expired call sessions", removed)
	}
	return removed
}

// Run sweeps on the given interval until ctx is done. Call it on its own
// goroutine.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(time.Now())
		}
	}
}
