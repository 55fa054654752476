// Package bridge pumps audio and conversation events between one telephony
// media stream and one live AI session. Each accepted stream gets its own
// Handle call; everything per-call (enhancer state, teardown, hangup timer)
// lives inside it.
package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/square-key-labs/callbridge-ai/src/audio"
	"github.com/square-key-labs/callbridge-ai/src/callstate"
	"github.com/square-key-labs/callbridge-ai/src/conversation"
	"github.com/square-key-labs/callbridge-ai/src/logger"
	"github.com/square-key-labs/callbridge-ai/src/postcall"
	"github.com/square-key-labs/callbridge-ai/src/sessions"
	"github.com/square-key-labs/callbridge-ai/src/transports"
)

// Config collects the shared components a Bridge coordinates.
type Config struct {
	Orchestrator *sessions.Orchestrator
	Calls        *callstate.Store
	Tracker      *conversation.Tracker
	Hangups      *conversation.Scheduler
	Capture      *postcall.Capture
	Runner       *postcall.Runner
}

// Bridge wires media streams to AI sessions. One Bridge serves all calls;
// Handle is safe to run concurrently.
type Bridge struct {
	orch    *sessions.Orchestrator
	calls   *callstate.Store
	tracker *conversation.Tracker
	hangups *conversation.Scheduler
	capture *postcall.Capture
	runner  *postcall.Runner
	log     *logger.Logger
}

// New creates a Bridge over the shared call components.
func New(cfg Config) *Bridge {
	return &Bridge{
		orch:    cfg.Orchestrator,
		calls:   cfg.Calls,
		tracker: cfg.Tracker,
		hangups: cfg.Hangups,
		capture: cfg.Capture,
		runner:  cfg.Runner,
		log:     logger.WithPrefix("Bridge"),
	}
}

// Handle runs one media stream to completion: waits for the start event,
// claims or dials the AI session, then pumps both directions until either
// side ends. It always tears down both legs and triggers the post-call
// pipeline exactly once.
func (b *Bridge) Handle(ctx context.Context, conn *transports.MediaConn) {
	defer conn.Close()

	start, err := b.awaitStart(conn)
	if err != nil {
		b.log.Warn("media stream ended before start: %v", err)
		return
	}
	callSID := start.CallSID
	if callSID == "" {
		b.log.Warn("start event carried no call identifier, dropping stream")
		return
	}

	session, err := b.resolveSession(ctx, start)
	if err != nil {
		b.log.Error("no AI session for call %s: %v", callSID, err)
		return
	}
	b.calls.UpdateStatus(callSID, callstate.StatusInProgress)
	b.log.Info("bridging call %s (stream=%s)", callSID, conn.StreamSID())

	var once sync.Once
	finish := func(reason string) {
		once.Do(func() {
			b.log.Info("tearing down call %s: %s", callSID, reason)
			b.hangups.Cancel(callSID)
			session.Close()
			conn.Close()
			b.tracker.Remove(callSID)
			b.runner.Trigger(callSID)
		})
	}

	go b.pumpAI(callSID, session, conn, finish)

	enhancer := audio.NewEnhancer(audio.AIInputRate)
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			finish("media stream closed")
			return
		}
		switch msg.Event {
		case "media":
			b.relayCallerAudio(callSID, session, enhancer, msg.Media)
		case "stop":
			finish("stream stop received")
			return
		case "mark":
			// playback checkpoint echoed back; nothing to do
		}
	}
}

// awaitStart reads until the platform's start event arrives. The connected
// event that precedes it carries nothing the bridge needs.
func (b *Bridge) awaitStart(conn *transports.MediaConn) (*transports.StartPayload, error) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch msg.Event {
		case "start":
			if msg.Start == nil {
				return nil, errors.New("start event missing payload")
			}
			return msg.Start, nil
		case "stop":
			return nil, errors.New("stream stopped before start")
		}
	}
}

// resolveSession finds the AI session for a starting stream: re-key any
// pre-established session onto the real call identifier and claim it, or
// dial a fallback on the live path. The claim hands a session out at most
// once, so a call identifier never drives two AI connections.
func (b *Bridge) resolveSession(ctx context.Context, start *transports.StartPayload) (sessions.Session, error) {
	callSID := start.CallSID
	if key := start.CustomParameters["pendingKey"]; key != "" {
		if !b.orch.Rekey(key, callSID) {
			// Normal when the call-creation handler re-keyed first.
			b.log.Debug("pending key %s already resolved for call %s", key, callSID)
		}
	}

	callCtx, ok := b.calls.Get(callSID)
	if !ok {
		callCtx = callstate.Session{
			CallSID:   callSID,
			Direction: directionFromParams(start.CustomParameters),
			Status:    callstate.StatusInProgress,
		}
		b.calls.Put(callCtx)
	}

	if sess := b.orch.Claim(callSID); sess != nil {
		return sess, nil
	}
	return b.orch.CreateFallback(ctx, callCtx)
}

// relayCallerAudio moves one inbound telephony frame to the AI service:
// capture the raw mulaw, decode and upsample to 16kHz, enhance, send. A bad
// frame is dropped; it never ends the call.
func (b *Bridge) relayCallerAudio(callSID string, session sessions.Session, enhancer *audio.Enhancer, media *transports.MediaPayload) {
	if media == nil || (media.Track != "" && media.Track != "inbound") {
		return
	}
	mulaw, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		b.log.Debug("dropping undecodable caller frame (call=%s): %v", callSID, err)
		return
	}
	if len(mulaw) == 0 {
		return
	}

	b.capture.AppendCaller(callSID, mulaw)
	pcm := enhancer.EnhanceCallerAudio(audio.DecodeMulawTo16k(mulaw))
	if err := session.SendAudio(audio.PCMToBytes(pcm)); err != nil {
		b.log.Debug("dropping caller frame (call=%s): %v", callSID, err)
	}
}

// pumpAI drains the AI session's events into the media stream and the
// conversation tracker. When the event channel closes it tears the call
// down; if the session ended with an error while the call was still up, the
// call is marked degraded first.
func (b *Bridge) pumpAI(callSID string, session sessions.Session, conn *transports.MediaConn, finish func(string)) {
	for ev := range session.Events() {
		if ev.InputTranscript != "" {
			b.recordTurn(callSID, conversation.SpeakerCaller, ev.InputTranscript)
		}
		if ev.OutputTranscript != "" {
			b.recordTurn(callSID, conversation.SpeakerAI, ev.OutputTranscript)
		}
		if ev.Interrupted {
			if err := conn.SendClear(); err != nil {
				b.log.Debug("clear failed (call=%s): %v", callSID, err)
			}
		}
		if len(ev.Audio) > 0 {
			b.relayAIAudio(callSID, conn, ev.Audio)
		}
		if ev.TurnComplete {
			if err := conn.SendMark(uuid.NewString()); err != nil {
				b.log.Debug("mark failed (call=%s): %v", callSID, err)
			}
		}
	}

	if err := session.Err(); err != nil {
		b.calls.MarkDegraded(callSID)
		b.log.Warn("AI session for call %s ended abnormally: %v", callSID, err)
	}
	finish("AI session ended")
}

// relayAIAudio moves one AI audio chunk to the caller: compress peaks,
// downsample 24kHz to the telephony rate, mulaw-encode, capture, send.
func (b *Bridge) relayAIAudio(callSID string, conn *transports.MediaConn, raw []byte) {
	pcm, err := audio.BytesToPCM(raw)
	if err != nil {
		b.log.Warn("dropping malformed AI frame (call=%s): %v", callSID, err)
		return
	}
	mulaw := audio.Encode24kToMulaw(audio.CompressAIAudio(pcm))
	b.capture.AppendAI(callSID, mulaw)
	if err := conn.SendMedia(mulaw); err != nil {
		b.log.Debug("media write failed (call=%s): %v", callSID, err)
	}
}

// recordTurn feeds a transcript fragment to the conversation tracker and
// schedules the grace-period hangup once the call reaches its ending phase.
func (b *Bridge) recordTurn(callSID string, speaker conversation.Speaker, text string) {
	if b.tracker.RecordTurn(callSID, speaker, text) == conversation.PhaseEnding {
		b.hangups.Schedule(callSID, "farewell exchanged")
	}
}

func directionFromParams(params map[string]string) callstate.Direction {
	if params["direction"] == string(callstate.DirectionOutbound) {
		return callstate.DirectionOutbound
	}
	return callstate.DirectionInbound
}
