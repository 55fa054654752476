// Package config loads the bridge configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the call bridge needs at startup.
type Config struct {
	// HTTP / WebSocket surface
	Port       string
	PublicHost string // externally reachable host for TwiML stream URLs, e.g. "calls.example.com"

	// AI service
	GeminiAPIKey string // authenticates the live audio WebSocket and the recap client
	GeminiModel  string
	GeminiVoice  string
	RecapModel   string // model used for post-call transcription and summary

	// Telephony platform
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioAPIBase    string

	// Timing
	HandshakeTimeout  time.Duration // AI setup ack bound
	PendingSessionTTL time.Duration // unclaimed pre-established session lifetime
	HangupGrace       time.Duration // delay between mutual goodbye and hangup
	CallRetention     time.Duration // per-call state GC window (sessions, summaries, idle captures)
	SweepInterval     time.Duration // registry sweep cadence
	CaptureMaxSeconds int           // per-channel audio capture cap
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Port:       envOr("PORT", "8080"),
		PublicHost: os.Getenv("PUBLIC_HOST"),

		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		GeminiModel:  envOr("GEMINI_MODEL", "models/gemini-2.0-flash-live-001"),
		GeminiVoice:  envOr("GEMINI_VOICE", "Puck"),
		RecapModel:   envOr("RECAP_MODEL", "gemini-2.0-flash"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioAPIBase:    envOr("TWILIO_API_BASE", "https://api.twilio.com"),

		HandshakeTimeout:  envDurationOr("HANDSHAKE_TIMEOUT", 30*time.Second),
		PendingSessionTTL: envDurationOr("PENDING_SESSION_TTL", 60*time.Second),
		HangupGrace:       envDurationOr("HANGUP_GRACE", 3*time.Second),
		CallRetention:     envDurationOr("CALL_RETENTION", time.Hour),
		SweepInterval:     envDurationOr("SWEEP_INTERVAL", 30*time.Second),
		CaptureMaxSeconds: envIntOr("CAPTURE_MAX_SECONDS", 60),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every missing or out-of-range setting in a single error.
func (c *Config) Validate() error {
	var missing []string
	if c.PublicHost == "" {
		missing = append(missing, "PUBLIC_HOST")
	}
	if c.GeminiAPIKey == "" {
		missing = append(missing, "GEMINI_API_KEY")
	}
	if c.TwilioAccountSID == "" {
		missing = append(missing, "TWILIO_ACCOUNT_SID")
	}
	if c.TwilioAuthToken == "" {
		missing = append(missing, "TWILIO_AUTH_TOKEN")
	}
	if c.TwilioFromNumber == "" {
		missing = append(missing, "TWILIO_FROM_NUMBER")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("HANDSHAKE_TIMEOUT must be positive, got %v", c.HandshakeTimeout)
	}
	if c.PendingSessionTTL <= 0 {
		return fmt.Errorf("PENDING_SESSION_TTL must be positive, got %v", c.PendingSessionTTL)
	}
	if c.HangupGrace < 0 {
		return fmt.Errorf("HANGUP_GRACE must not be negative, got %v", c.HangupGrace)
	}
	if c.CallRetention <= 0 {
		return fmt.Errorf("CALL_RETENTION must be positive, got %v", c.CallRetention)
	}
	if c.CaptureMaxSeconds <= 0 {
		return fmt.Errorf("CAPTURE_MAX_SECONDS must be positive, got %d", c.CaptureMaxSeconds)
	}
	return nil
}

// StreamURL returns the wss:// URL Twilio should connect its media stream to.
func (c *Config) StreamURL() string {
	return "wss://" + c.PublicHost + "/media"
}

// VoiceWebhookURL returns the answer-webhook URL handed to the platform.
func (c *Config) VoiceWebhookURL() string {
	return "https://" + c.PublicHost + "/voice"
}

// StatusCallbackURL returns the status-callback URL handed to the platform.
func (c *Config) StatusCallbackURL() string {
	return "https://" + c.PublicHost + "/status"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
