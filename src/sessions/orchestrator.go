package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/square-key-labs/callbridge-ai/src/callstate"
	"github.com/square-key-labs/callbridge-ai/src/logger"
	"github.com/square-key-labs/callbridge-ai/src/services/gemini"
)

// ErrServiceUnavailable reports that a live AI session could not be
// established: the dial failed, the setup was rejected, or the handshake
// timed out.
var ErrServiceUnavailable = errors.New("AI service unavailable")

const defaultPendingTTL = 60 * time.Second

// Session is the live AI connection handle the orchestrator hands out.
type Session interface {
	SendAudio(pcm []byte) error
	Events() <-chan gemini.ServerEvent
	Err() error
	Close() error
}

// ConnectFunc opens one live session. The orchestrator takes it as a
// dependency so tests can substitute a fake without a network.
type ConnectFunc func(ctx context.Context, cfg gemini.LiveConfig) (Session, error)

// DefaultConnect dials the real service.
func DefaultConnect(ctx context.Context, cfg gemini.LiveConfig) (Session, error) {
	return gemini.Connect(ctx, cfg)
}

// Config holds the orchestrator's dial parameters.
type Config struct {
	APIKey           string
	Model            string
	Voice            string // default voice when the call doesn't choose one
	HandshakeTimeout time.Duration
	PendingTTL       time.Duration // how long an unclaimed session survives
	Endpoint         string        // override for tests
	Connect          ConnectFunc   // nil means DefaultConnect
}

type pendingSession struct {
	session   Session
	createdAt time.Time
}

// Orchestrator pre-establishes live AI sessions ahead of the telephony media
// stream and hands each one out exactly once. Sessions are keyed by a
// temporary identifier until the platform confirms the real call identifier,
// then re-keyed; unclaimed sessions are swept after a TTL.
type Orchestrator struct {
	mu      sync.Mutex
	pending map[string]*pendingSession

	connect    ConnectFunc
	apiKey     string
	model      string
	voice      string
	handshake  time.Duration
	pendingTTL time.Duration
	endpoint   string
	log        *logger.Logger
}

// NewOrchestrator creates an orchestrator with the given dial parameters.
func NewOrchestrator(cfg Config) *Orchestrator {
	connect := cfg.Connect
	if connect == nil {
		connect = DefaultConnect
	}
	ttl := cfg.PendingTTL
	if ttl <= 0 {
		ttl = defaultPendingTTL
	}
	return &Orchestrator{
		pending:    make(map[string]*pendingSession),
		connect:    connect,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		voice:      cfg.Voice,
		handshake:  cfg.HandshakeTimeout,
		pendingTTL: ttl,
		endpoint:   cfg.Endpoint,
		log:        logger.WithPrefix("Sessions"),
	}
}

// PreEstablish dials the AI service for a call that is about to be placed
// and parks the ready session under tempKey until the media stream claims
// it. On failure nothing is left behind.
func (o *Orchestrator) PreEstablish(ctx context.Context, tempKey string, callCtx callstate.Session) (Session, error) {
	sess, err := o.dial(ctx, callCtx)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if old, ok := o.pending[tempKey]; ok {
		old.session.Close()
	}
	o.pending[tempKey] = &pendingSession{session: sess, createdAt: time.Now()}
	o.mu.Unlock()

	o.log.Info("Pre-established AI session (key=%s direction=%s)", tempKey, callCtx.Direction)
	return sess, nil
}

// Rekey moves a pending session from the temporary key to the real call
// identifier. Returns false when the temp entry was already claimed or
// swept. A session already parked under realKey is closed first, so a call
// identifier never maps to two live connections.
func (o *Orchestrator) Rekey(tempKey, realKey string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.pending[tempKey]
	if !ok {
		return false
	}
	delete(o.pending, tempKey)
	if old, exists := o.pending[realKey]; exists {
		old.session.Close()
	}
	o.pending[realKey] = entry
	return true
}

// Claim removes and returns the pending session for callKey, or nil. A
// second claim for the same key returns nil.
func (o *Orchestrator) Claim(callKey string) Session {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.pending[callKey]
	if !ok {
		return nil
	}
	delete(o.pending, callKey)
	return entry.session
}

// CreateFallback dials a session on the live media path, for calls that
// arrive with no pre-established session. The result is handed straight to
// the caller, never parked.
func (o *Orchestrator) CreateFallback(ctx context.Context, callCtx callstate.Session) (Session, error) {
	sess, err := o.dial(ctx, callCtx)
	if err != nil {
		return nil, err
	}
	o.log.Info("Created fallback AI session (call=%s direction=%s)", callCtx.CallSID, callCtx.Direction)
	return sess, nil
}

// Pending reports how many unclaimed sessions are parked.
func (o *Orchestrator) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Run sweeps expired pending sessions until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweep(time.Now())
		}
	}
}

// Shutdown closes every pending session.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	sessions := make([]Session, 0, len(o.pending))
	for key, entry := range o.pending {
		sessions = append(sessions, entry.session)
		delete(o.pending, key)
	}
	o.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (o *Orchestrator) sweep(now time.Time) int {
	o.mu.Lock()
	var expired []Session
	for key, entry := range o.pending {
		if now.Sub(entry.createdAt) > o.pendingTTL {
			delete(o.pending, key)
			expired = append(expired, entry.session)
			o.log.Warn("Discarding unclaimed AI session (key=%s age=%s)", key, now.Sub(entry.createdAt).Round(time.Second))
		}
	}
	o.mu.Unlock()

	for _, s := range expired {
		s.Close()
	}
	return len(expired)
}

func (o *Orchestrator) dial(ctx context.Context, callCtx callstate.Session) (Session, error) {
	voice := callCtx.Voice
	if voice == "" {
		voice = o.voice
	}
	sess, err := o.connect(ctx, gemini.LiveConfig{
		APIKey:           o.apiKey,
		Model:            o.model,
		Voice:            voice,
		SystemPrompt:     BuildSystemPrompt(callCtx),
		HandshakeTimeout: o.handshake,
		Endpoint:         o.endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return sess, nil
}
