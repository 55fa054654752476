package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/callbridge-ai/src/logger"
)

// DefaultLiveEndpoint is the bidirectional streaming endpoint of the
// generative language service.
const DefaultLiveEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

const defaultHandshakeTimeout = 30 * time.Second

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("gemini: live session closed")

// LiveConfig holds everything needed to open one live audio session.
type LiveConfig struct {
	APIKey           string
	Model            string // e.g. "models/gemini-2.0-flash-live-001"
	Voice            string // prebuilt voice name, e.g. "Puck"
	SystemPrompt     string
	HandshakeTimeout time.Duration // 0 means 30s
	Endpoint         string        // override for tests; empty means DefaultLiveEndpoint
}

// ServerEvent is one decoded server message. Audio is 16-bit little-endian
// PCM at 24 kHz; transcript fields carry incremental fragments, not full
// utterances.
type ServerEvent struct {
	Audio            []byte
	Text             string
	InputTranscript  string
	OutputTranscript string
	TurnComplete     bool
	Interrupted      bool
}

// LiveSession is one open bidirectional audio session. Writes are serialized
// internally; decoded server messages arrive on Events until the connection
// drops or Close is called, after which the channel is closed.
type LiveSession struct {
	conn   *websocket.Conn
	log    *logger.Logger
	events chan ServerEvent

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}

	errMu sync.Mutex
	err   error
}

// Connect dials the live endpoint, performs the setup handshake and starts
// the receive loop. The session is ready for audio as soon as Connect
// returns. Handshake failure or timeout closes the connection and returns
// the error; no session leaks.
func Connect(ctx context.Context, cfg LiveConfig) (*LiveSession, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("gemini: model is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultLiveEndpoint
	}
	wsURL := fmt.Sprintf("%s?key=%s", endpoint, url.QueryEscape(cfg.APIKey))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial live service: %w", err)
	}

	s := &LiveSession{
		conn:   conn,
		log:    logger.WithPrefix("GeminiLive"),
		events: make(chan ServerEvent, 64),
		closed: make(chan struct{}),
	}

	if err := conn.WriteJSON(newSetupMessage(cfg)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write setup: %w", err)
	}

	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	var ack serverMessage
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setup handshake: %w", err)
	}
	if ack.SetupComplete == nil {
		conn.Close()
		return nil, fmt.Errorf("setup rejected by service")
	}
	conn.SetReadDeadline(time.Time{})

	s.log.Debug("Live session established (model=%s voice=%s)", cfg.Model, cfg.Voice)
	go s.readLoop()
	return s, nil
}

// SendAudio forwards one chunk of 16 kHz 16-bit little-endian PCM.
func (s *LiveSession) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	var msg realtimeInputMessage
	msg.RealtimeInput.MediaChunks = []inlineBlob{{
		MimeType: "audio/pcm;rate=16000",
		Data:     base64.StdEncoding.EncodeToString(pcm),
	}}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

// Events returns the decoded server message stream. The channel is closed
// when the session ends for any reason; check Err afterwards.
func (s *LiveSession) Events() <-chan ServerEvent {
	return s.events
}

// Err reports the receive-loop error that ended the session, if any.
func (s *LiveSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close shuts the session down. Safe to call from any goroutine, any number
// of times, including concurrently with SendAudio.
func (s *LiveSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		s.conn.Close()
	})
	return nil
}

func (s *LiveSession) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *LiveSession) readLoop() {
	defer close(s.events)
	for {
		var msg serverMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			select {
			case <-s.closed:
				// Local close; not an error.
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.setErr(err)
					s.log.Warn("Live read error: %v", err)
				}
			}
			return
		}

		sc := msg.ServerContent
		if sc == nil {
			continue
		}

		ev := ServerEvent{
			TurnComplete: sc.TurnComplete,
			Interrupted:  sc.Interrupted,
		}
		if sc.InputTranscription != nil {
			ev.InputTranscript = sc.InputTranscription.Text
		}
		if sc.OutputTranscription != nil {
			ev.OutputTranscript = sc.OutputTranscription.Text
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData != nil && strings.HasPrefix(p.InlineData.MimeType, "audio/pcm") {
					raw, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
					if err != nil {
						s.log.Debug("Dropping undecodable audio part: %v", err)
						continue
					}
					ev.Audio = append(ev.Audio, raw...)
				}
				if p.Text != "" {
					ev.Text += p.Text
				}
			}
		}

		select {
		case s.events <- ev:
		case <-s.closed:
			return
		}
	}
}
