// Package callstate holds the per-call session records shared by the HTTP
// surface, the bridge, and the background sweeps.
package callstate

import "time"

// Direction of a call relative to this service.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Status mirrors the telephony platform's call lifecycle.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBusy       Status = "busy"
	StatusNoAnswer   Status = "no-answer"
	StatusCanceled   Status = "canceled"
)

// IsTerminal reports whether the call can no longer change status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBusy, StatusNoAnswer, StatusCanceled:
		return true
	}
	return false
}

// StatusFromPlatform maps a telephony status-callback value onto Status.
// Unknown values map to the empty Status.
func StatusFromPlatform(v string) Status {
	switch v {
	case "queued", "initiated":
		return StatusInitiated
	case "ringing":
		return StatusRinging
	case "answered", "in-progress":
		return StatusInProgress
	case "completed":
		return StatusCompleted
	case "busy":
		return StatusBusy
	case "failed":
		return StatusFailed
	case "no-answer":
		return StatusNoAnswer
	case "canceled":
		return StatusCanceled
	}
	return ""
}

// Session is one call's record. Fields are mutated only through the Store so
// concurrent readers always see a consistent copy.
type Session struct {
	CallSID         string    `json:"call_sid"`
	Direction       Direction `json:"direction"`
	BusinessName    string    `json:"business_name,omitempty"`
	TaskDescription string    `json:"task_description,omitempty"`
	Instructions    string    `json:"instructions,omitempty"`
	Voice           string    `json:"voice,omitempty"`
	Status          Status    `json:"status"`
	Duration        int       `json:"duration,omitempty"` // seconds, once known

	VoicemailDetected bool `json:"voicemail_detected,omitempty"`
	IVRDetected       bool `json:"ivr_detected,omitempty"`
	Degraded          bool `json:"degraded,omitempty"` // AI connection lost mid-call

	CreatedAt time.Time `json:"created_at"`
}
