package conversation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/square-key-labs/callbridge-ai/src/callstate"
	"github.com/square-key-labs/callbridge-ai/src/logger"
)

// Phase classifies where a call is in its lifecycle.
type Phase string

const (
	PhaseGreeting     Phase = "greeting"
	PhaseConversation Phase = "conversation"
	PhaseWaiting      Phase = "waiting"
	PhaseVoicemail    Phase = "voicemail"
	PhaseIVR          Phase = "ivr"
	PhaseEnding       Phase = "ending"
)

// Speaker identifies which side of the call a transcribed fragment came from.
type Speaker string

const (
	SpeakerCaller Speaker = "caller" // the human (or machine) on the phone line
	SpeakerAI     Speaker = "ai"
)

// Turn is one transcribed fragment.
type Turn struct {
	Speaker Speaker
	Text    string
	At      time.Time
}

const maxTurnHistory = 32

// State is the conversational state of one call. Mutable only through the
// Tracker.
type State struct {
	Phase             Phase
	Turns             []Turn // bounded ring, newest last
	TurnCount         int    // total recorded, including rotated-out turns
	CallerTurns       int
	AITurns           int
	LastSpeaker       Speaker
	LastSpeakerAt     time.Time
	VoicemailDetected bool
	IVRDetected       bool
	GoodbyeDetected   bool
}

// Tracker owns the per-call conversation states. Voicemail and IVR
// detections are mirrored onto the call registry so the reporting layer
// sees them without reaching into conversation internals.
type Tracker struct {
	mu     sync.Mutex
	states map[string]*State

	store     *callstate.Store
	idleAfter time.Duration
	log       *logger.Logger
}

// NewTracker creates a tracker. Orphaned states are swept after idleAfter
// without a recorded turn.
func NewTracker(store *callstate.Store, idleAfter time.Duration) *Tracker {
	if idleAfter <= 0 {
		idleAfter = 10 * time.Minute
	}
	return &Tracker{
		states:    make(map[string]*State),
		store:     store,
		idleAfter: idleAfter,
		log:       logger.WithPrefix("Conversation"),
	}
}

// RecordTurn appends a transcribed fragment, updates counters and
// re-evaluates the phase. It returns the phase after the turn.
//
// Transition rules:
//   - voicemail / menu / hold phrases from the far end move the phase to
//     voicemail / ivr / waiting and raise the matching detection flags;
//     none of them end the call.
//   - a farewell from either party finalizes `ending`, but only when at
//     least 2 turns preceded the matching one, so a scripted opening line
//     containing a farewell-adjacent word cannot end a call that never
//     happened.
//   - far-end speech with no trigger phrase recovers waiting/voicemail/ivr
//     back to conversation; `ending` is sticky.
func (t *Tracker) RecordTurn(callID string, speaker Speaker, text string) Phase {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return t.Phase(callID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[callID]
	if !ok {
		st = &State{Phase: PhaseGreeting}
		t.states[callID] = st
	}

	priorTurns := st.TurnCount
	now := time.Now()
	if len(st.Turns) >= maxTurnHistory {
		copy(st.Turns, st.Turns[1:])
		st.Turns = st.Turns[:maxTurnHistory-1]
	}
	st.Turns = append(st.Turns, Turn{Speaker: speaker, Text: trimmed, At: now})
	st.TurnCount++
	st.LastSpeaker = speaker
	st.LastSpeakerAt = now
	if speaker == SpeakerCaller {
		st.CallerTurns++
	} else {
		st.AITurns++
	}

	if st.Phase == PhaseEnding {
		return PhaseEnding
	}

	lower := strings.ToLower(trimmed)

	// Machine-state phrases only mean something coming from the far end;
	// the AI describing a voicemail must not re-classify the call.
	if speaker == SpeakerCaller {
		switch {
		case matchesAny(lower, voicemailPhrases):
			st.Phase = PhaseVoicemail
			if !st.VoicemailDetected {
				st.VoicemailDetected = true
				t.store.SetVoicemailDetected(callID)
				t.log.Info("Voicemail detected (call=%s)", callID)
			}
			return st.Phase
		case matchesAny(lower, ivrPhrases):
			st.Phase = PhaseIVR
			if !st.IVRDetected {
				st.IVRDetected = true
				t.store.SetIVRDetected(callID)
				t.log.Info("Automated menu detected (call=%s)", callID)
			}
			return st.Phase
		case matchesAny(lower, holdPhrases):
			st.Phase = PhaseWaiting
			return st.Phase
		}
	}

	if matchesAny(lower, farewellPhrases) && priorTurns >= 2 {
		st.Phase = PhaseEnding
		st.GoodbyeDetected = true
		t.log.Info("Farewell detected (call=%s speaker=%s turns=%d)", callID, speaker, st.TurnCount)
		return st.Phase
	}

	// Ordinary far-end speech means a live conversation, wherever the call
	// thought it was.
	if speaker == SpeakerCaller {
		st.Phase = PhaseConversation
	} else if st.Phase == PhaseGreeting {
		st.Phase = PhaseConversation
	}
	return st.Phase
}

// Phase returns the current phase for a call, PhaseGreeting when no turn
// was ever recorded.
func (t *Tracker) Phase(callID string) Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[callID]; ok {
		return st.Phase
	}
	return PhaseGreeting
}

// Get returns a copy of the call's state.
func (t *Tracker) Get(callID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[callID]
	if !ok {
		return State{}, false
	}
	out := *st
	out.Turns = append([]Turn(nil), st.Turns...)
	return out, true
}

// Remove drops a call's state once the call is over.
func (t *Tracker) Remove(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, callID)
}

// Sweep drops states with no turn recorded for the idle window and returns
// how many were removed.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for callID, st := range t.states {
		idleSince := st.LastSpeakerAt
		if idleSince.IsZero() {
			continue
		}
		if now.Sub(idleSince) > t.idleAfter {
			delete(t.states, callID)
			removed++
		}
	}
	if removed > 0 {
		t.log.Debug("Swept %d idle conversation states", removed)
	}
	return removed
}

// Run sweeps idle states until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(time.Now())
		}
	}
}
