// Command callbridge runs the call bridge: the outbound-call API, the
// telephony platform webhooks and the media-stream endpoint that connects
// phone audio to a live AI session.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/square-key-labs/callbridge-ai/src/bridge"
	"github.com/square-key-labs/callbridge-ai/src/callstate"
	"github.com/square-key-labs/callbridge-ai/src/config"
	"github.com/square-key-labs/callbridge-ai/src/conversation"
	"github.com/square-key-labs/callbridge-ai/src/logger"
	"github.com/square-key-labs/callbridge-ai/src/postcall"
	"github.com/square-key-labs/callbridge-ai/src/server"
	"github.com/square-key-labs/callbridge-ai/src/services/gemini"
	"github.com/square-key-labs/callbridge-ai/src/services/twilio"
	"github.com/square-key-labs/callbridge-ai/src/sessions"
)

const (
	shutdownTimeout = 15 * time.Second
	recapWait       = 10 * time.Second
	hangupTimeout   = 10 * time.Second
)

func main() {
	logger.Init()
	log := logger.WithPrefix("Main")

	cfg, err := config.Load()
	if err != nil {
		log.Error("Configuration invalid: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	twilioClient, err := twilio.New(twilio.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		BaseURL:    cfg.TwilioAPIBase,
	})
	if err != nil {
		log.Error("Telephony client: %v", err)
		os.Exit(1)
	}

	recap, err := gemini.NewRecap(ctx, gemini.RecapConfig{
		APIKey: cfg.GeminiAPIKey,
		Model:  cfg.RecapModel,
	})
	if err != nil {
		log.Error("Recap client: %v", err)
		os.Exit(1)
	}

	calls := callstate.NewStore(cfg.CallRetention)
	capture := postcall.NewCapture(cfg.CaptureMaxSeconds, cfg.CallRetention)
	summaries := postcall.NewSummaryStore(cfg.CallRetention)
	runner := postcall.NewRunner(capture, summaries, calls, recap)
	tracker := conversation.NewTracker(calls, 0)
	hangups := conversation.NewScheduler(cfg.HangupGrace, func(callSID string) error {
		callCtx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
		defer cancel()
		return twilioClient.HangupCall(callCtx, callSID)
	})
	orch := sessions.NewOrchestrator(sessions.Config{
		APIKey:           cfg.GeminiAPIKey,
		Model:            cfg.GeminiModel,
		Voice:            cfg.GeminiVoice,
		HandshakeTimeout: cfg.HandshakeTimeout,
		PendingTTL:       cfg.PendingSessionTTL,
	})
	br := bridge.New(bridge.Config{
		Orchestrator: orch,
		Calls:        calls,
		Tracker:      tracker,
		Hangups:      hangups,
		Capture:      capture,
		Runner:       runner,
	})

	srv := server.New(cfg, server.Deps{
		Calls:        calls,
		Orchestrator: orch,
		Summaries:    summaries,
		Hangups:      hangups,
		Runner:       runner,
		Bridge:       br,
		Twilio:       twilioClient,
	})

	go calls.Run(ctx, cfg.SweepInterval)
	go capture.Run(ctx, cfg.SweepInterval)
	go summaries.Run(ctx, cfg.SweepInterval)
	go tracker.Run(ctx, cfg.SweepInterval)
	go orch.Run(ctx, cfg.SweepInterval)

	go func() {
		if err := srv.Start(); err != nil {
			log.Error("Server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Server shutdown: %v", err)
	}
	hangups.Shutdown()
	orch.Shutdown()
	if !runner.Wait(recapWait) {
		log.Warn("Gave up waiting for post-call summaries after %s", recapWait)
	}
	log.Info("Stopped")
}
