// Package server is the HTTP surface of the call bridge: the outbound-call
// API, the telephony platform's answer and status webhooks, the media-stream
// WebSocket endpoint, and the per-call status read model.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/square-key-labs/callbridge-ai/src/bridge"
	"github.com/square-key-labs/callbridge-ai/src/callstate"
	"github.com/square-key-labs/callbridge-ai/src/config"
	"github.com/square-key-labs/callbridge-ai/src/conversation"
	"github.com/square-key-labs/callbridge-ai/src/logger"
	"github.com/square-key-labs/callbridge-ai/src/postcall"
	"github.com/square-key-labs/callbridge-ai/src/sessions"
	"github.com/square-key-labs/callbridge-ai/src/services/twilio"
	"github.com/square-key-labs/callbridge-ai/src/transports"
)

// Deps are the shared call components the HTTP surface drives.
type Deps struct {
	Calls        *callstate.Store
	Orchestrator *sessions.Orchestrator
	Summaries    *postcall.SummaryStore
	Hangups      *conversation.Scheduler
	Runner       *postcall.Runner
	Bridge       *bridge.Bridge
	Twilio       *twilio.Client
}

// Server owns the HTTP listener and routes requests into the call components.
type Server struct {
	cfg  *config.Config
	deps Deps
	log  *logger.Logger

	httpServer *http.Server

	connMu sync.Mutex
	conns  map[*transports.MediaConn]struct{}
}

// New builds the server and its routes.
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:   cfg,
		deps:  deps,
		log:   logger.WithPrefix("Server"),
		conns: make(map[*transports.MediaConn]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/calls", s.handleCreateCall)
	mux.HandleFunc("/calls/", s.handleCallStatus)
	mux.HandleFunc("/voice", s.handleVoice)
	mux.HandleFunc("/status", s.handleStatusCallback)
	mux.HandleFunc("/media", s.handleMedia)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}
	return s
}

// Handler returns the route table, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown. It returns nil on a clean shutdown.
func (s *Server) Start() error {
	s.log.Info("Listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes every live media stream.
// Closing a stream tears its bridge down, which triggers that call's
// post-call pipeline.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	s.connMu.Lock()
	conns := make([]*transports.MediaConn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.connMu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	return err
}

// callRequest is the body of POST /calls.
type callRequest struct {
	To           string `json:"to"`
	BusinessName string `json:"business_name,omitempty"`
	Task         string `json:"task"`
	Instructions string `json:"instructions,omitempty"`
	Voice        string `json:"voice,omitempty"`
}

// callResponse acknowledges a placed call.
type callResponse struct {
	CallSID string           `json:"call_sid"`
	Status  callstate.Status `json:"status"`
}

// handleCreateCall places an outbound call. The AI session is pre-established
// before the platform dials so the AI can speak the moment the callee
// answers; pre-establish failure is not fatal, the bridge falls back to an
// on-demand connection on the live media path.
func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.To) == "" {
		http.Error(w, "to is required", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		http.Error(w, "task is required", http.StatusBadRequest)
		return
	}

	callCtx := callstate.Session{
		Direction:       callstate.DirectionOutbound,
		BusinessName:    req.BusinessName,
		TaskDescription: req.Task,
		Instructions:    req.Instructions,
		Voice:           req.Voice,
	}

	tempKey := uuid.NewString()
	preEstablished := true
	if _, err := s.deps.Orchestrator.PreEstablish(r.Context(), tempKey, callCtx); err != nil {
		preEstablished = false
		s.log.Warn("Pre-establish failed, call will connect on demand: %v", err)
	}

	call, err := s.deps.Twilio.MakeCall(r.Context(), twilio.MakeCallParams{
		To:                  req.To,
		From:                s.cfg.TwilioFromNumber,
		URL:                 s.voiceURL(tempKey),
		StatusCallback:      s.cfg.StatusCallbackURL(),
		StatusCallbackEvent: []string{"initiated", "ringing", "answered", "completed"},
		MachineDetection:    "Enable",
	})
	if err != nil {
		// Don't leave the speculative session waiting on the sweep.
		if sess := s.deps.Orchestrator.Claim(tempKey); sess != nil {
			sess.Close()
		}
		s.log.Error("Call creation failed: %v", err)
		http.Error(w, "call creation failed", http.StatusBadGateway)
		return
	}

	status := callstate.StatusFromPlatform(call.Status)
	if status == "" {
		status = callstate.StatusInitiated
	}
	callCtx.CallSID = call.SID
	callCtx.Status = status
	s.deps.Calls.Put(callCtx)
	if preEstablished {
		s.deps.Orchestrator.Rekey(tempKey, call.SID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(callResponse{CallSID: call.SID, Status: status})
}

// summaryView is the read-model shape of a post-call summary.
type summaryView struct {
	Status           postcall.Status `json:"status"`
	Text             string          `json:"text,omitempty"`
	CallerTranscript string          `json:"caller_transcript,omitempty"`
	AITranscript     string          `json:"ai_transcript,omitempty"`
}

// callStatusResponse is the per-call read model: live call state plus the
// post-call summary once one exists.
type callStatusResponse struct {
	callstate.Session
	Summary *summaryView `json:"summary,omitempty"`
}

func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	callSID := strings.TrimPrefix(r.URL.Path, "/calls/")
	if callSID == "" || strings.Contains(callSID, "/") {
		http.NotFound(w, r)
		return
	}

	sess, ok := s.deps.Calls.Get(callSID)
	if !ok {
		http.NotFound(w, r)
		return
	}

	resp := callStatusResponse{Session: sess}
	if sum, ok := s.deps.Summaries.Get(callSID); ok {
		resp.Summary = &summaryView{
			Status:           sum.Status,
			Text:             sum.Text,
			CallerTranscript: sum.CallerTranscript,
			AITranscript:     sum.AITranscript,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleVoice answers the platform's TwiML fetch with a <Connect><Stream>
// pointing at the media endpoint. Outbound calls carry their pending-session
// key through the stream's custom parameters; inbound calls are registered
// here, since this webhook is the first the core hears of them. Signature
// validation happens upstream; anything arriving here is authenticated.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	callSID := r.FormValue("CallSid")
	direction := r.URL.Query().Get("direction")
	pendingKey := r.URL.Query().Get("pendingKey")
	if direction != string(callstate.DirectionOutbound) {
		direction = string(callstate.DirectionInbound)
		pendingKey = ""
	}

	if direction == string(callstate.DirectionInbound) && callSID != "" {
		if _, ok := s.deps.Calls.Get(callSID); !ok {
			s.deps.Calls.Put(callstate.Session{
				CallSID:   callSID,
				Direction: callstate.DirectionInbound,
				Status:    callstate.StatusInProgress,
			})
		}
	}

	s.log.Info("Answer webhook (call=%s direction=%s)", callSID, direction)
	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprint(w, answerTwiML(s.cfg.StreamURL(), direction, pendingKey))
}

// handleStatusCallback ingests the platform's call lifecycle callbacks.
// Events arrive form-encoded and possibly out of order; the store refuses
// terminal-to-non-terminal regressions.
func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	callSID := r.FormValue("CallSid")
	if callSID == "" {
		http.Error(w, "CallSid is required", http.StatusBadRequest)
		return
	}

	status := callstate.StatusFromPlatform(r.FormValue("CallStatus"))
	s.deps.Calls.UpdateStatus(callSID, status)
	if seconds, err := strconv.Atoi(r.FormValue("CallDuration")); err == nil {
		s.deps.Calls.SetDuration(callSID, seconds)
	}
	// Platform-side answering machine detection is a second voicemail signal
	// next to the transcript phrase matching.
	if answeredBy := r.FormValue("AnsweredBy"); strings.HasPrefix(answeredBy, "machine") {
		s.deps.Calls.SetVoicemailDetected(callSID)
	}

	if status.IsTerminal() {
		s.deps.Hangups.Cancel(callSID)
		// A session still parked for a call that will never stream must not
		// wait for the sweep.
		if sess := s.deps.Orchestrator.Claim(callSID); sess != nil {
			sess.Close()
		}
		if status == callstate.StatusCompleted {
			// Backstop when the stream-stop event was lost.
			s.deps.Runner.Trigger(callSID)
		}
		s.log.Info("Call %s reached terminal status %s", callSID, status)
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleMedia upgrades a platform media-stream connection and runs its
// bridge to completion. Connections are tracked so Shutdown can end live
// calls.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	conn, err := transports.Upgrade(w, r)
	if err != nil {
		s.log.Error("Media upgrade failed: %v", err)
		return
	}

	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
	}()

	s.deps.Bridge.Handle(r.Context(), conn)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// voiceURL is the answer-webhook URL for one outbound call, carrying the
// pending-session key so the TwiML can thread it through to the stream.
func (s *Server) voiceURL(pendingKey string) string {
	return s.cfg.VoiceWebhookURL() + "?direction=outbound&pendingKey=" + url.QueryEscape(pendingKey)
}

// answerTwiML renders the TwiML that connects a call's audio to the media
// stream endpoint. Custom parameters reappear verbatim in the stream's start
// event, which is how the bridge learns the direction and pending key.
func answerTwiML(streamURL, direction, pendingKey string) string {
	params := fmt.Sprintf("\n            <Parameter name=%q value=%q/>", "direction", direction)
	if pendingKey != "" {
		params += fmt.Sprintf("\n            <Parameter name=%q value=%q/>", "pendingKey", pendingKey)
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url=%q>%s
        </Stream>
    </Connect>
</Response>`, streamURL, params)
}
