package postcall

import (
	"context"
	"sync"
	"time"
)

// Status is the lifecycle of one call summary.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Summary is the post-call result for one call: both transcripts plus the
// structured summary text.
type Summary struct {
	CallSID          string    `json:"callSid"`
	Status           Status    `json:"status"`
	CallerTranscript string    `json:"callerTranscript,omitempty"`
	AITranscript     string    `json:"aiTranscript,omitempty"`
	Text             string    `json:"summary,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	CompletedAt      time.Time `json:"completedAt,omitempty"`
}

// SummaryStore holds summaries for the retention window.
type SummaryStore struct {
	mu        sync.Mutex
	summaries map[string]*Summary
	retention time.Duration
}

// NewSummaryStore creates a store keeping summaries for retention.
func NewSummaryStore(retention time.Duration) *SummaryStore {
	if retention <= 0 {
		retention = time.Hour
	}
	return &SummaryStore{
		summaries: make(map[string]*Summary),
		retention: retention,
	}
}

// StartProcessing inserts a processing placeholder for a call. Returns
// false when a summary already exists in any status, making the post-call
// trigger idempotent even when stream-stop and AI-disconnect race.
func (s *SummaryStore) StartProcessing(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.summaries[callID]; ok {
		return false
	}
	s.summaries[callID] = &Summary{
		CallSID:   callID,
		Status:    StatusProcessing,
		CreatedAt: time.Now(),
	}
	return true
}

// Complete records a finished summary.
func (s *SummaryStore) Complete(callID, callerTranscript, aiTranscript, text string) {
	s.finish(callID, StatusCompleted, callerTranscript, aiTranscript, text)
}

// Fail records a failed run with explanatory text in place of the summary.
func (s *SummaryStore) Fail(callID, callerTranscript, aiTranscript, text string) {
	s.finish(callID, StatusError, callerTranscript, aiTranscript, text)
}

func (s *SummaryStore) finish(callID string, status Status, callerTranscript, aiTranscript, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.summaries[callID]
	if !ok {
		entry = &Summary{CallSID: callID, CreatedAt: time.Now()}
		s.summaries[callID] = entry
	}
	entry.Status = status
	entry.CallerTranscript = callerTranscript
	entry.AITranscript = aiTranscript
	entry.Text = text
	entry.CompletedAt = time.Now()
}

// Get returns a copy of the summary for a call.
func (s *SummaryStore) Get(callID string) (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.summaries[callID]
	if !ok {
		return Summary{}, false
	}
	return *entry, true
}

// Sweep drops summaries older than the retention window and returns how
// many were removed.
func (s *SummaryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for callID, entry := range s.summaries {
		if now.Sub(entry.CreatedAt) > s.retention {
			delete(s.summaries, callID)
			removed++
		}
	}
	return removed
}

// Run sweeps expired summaries until ctx is cancelled.
func (s *SummaryStore) Run(ctx context.Context, interval time.Duration) {
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
