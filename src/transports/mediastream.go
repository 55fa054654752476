package transports

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/callbridge-ai/src/logger"
)

// Wire shapes of the telephony platform's media stream protocol. One JSON
// text frame per event; audio payloads are base64 mu-law at 8 kHz.

// StreamMessage is one inbound event from the platform.
type StreamMessage struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
}

// MediaPayload carries one audio chunk.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StartPayload announces the stream and identifies the call.
type StartPayload struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFormat describes the stream's audio encoding.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MarkPayload echoes a playback marker.
type MarkPayload struct {
	Name string `json:"name"`
}

// StopPayload closes the stream.
type StopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // platform connects from its own infrastructure, not a browser
	},
}

// Upgrade turns an HTTP request into a media stream connection.
func Upgrade(w http.ResponseWriter, r *http.Request) (*MediaConn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade media stream: %w", err)
	}
	return NewMediaConn(conn), nil
}

// MediaConn wraps one platform media stream connection. Reads happen from a
// single goroutine via ReadMessage; writes are serialized internally and may
// come from any goroutine.
type MediaConn struct {
	conn *websocket.Conn
	log  *logger.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}

	mu        sync.Mutex
	streamSID string
	callSID   string
}

// NewMediaConn wraps an already-upgraded WebSocket connection.
func NewMediaConn(conn *websocket.Conn) *MediaConn {
	return &MediaConn{
		conn:   conn,
		log:    logger.WithPrefix("MediaStream"),
		closed: make(chan struct{}),
	}
}

// ReadMessage returns the next decoded event, skipping frames that do not
// parse. It returns an error once the connection is gone.
func (m *MediaConn) ReadMessage() (*StreamMessage, error) {
	for {
		_, raw, err := m.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		var msg StreamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			m.log.Debug("Dropping unparseable frame: %v", err)
			continue
		}
		if msg.Event == "start" && msg.Start != nil {
			m.mu.Lock()
			m.streamSID = msg.Start.StreamSID
			m.callSID = msg.Start.CallSID
			m.mu.Unlock()
		}
		return &msg, nil
	}
}

// StreamSID returns the stream identifier, empty before the start event.
func (m *MediaConn) StreamSID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamSID
}

// CallSID returns the call identifier, empty before the start event.
func (m *MediaConn) CallSID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callSID
}

// SendMedia sends one mu-law audio chunk to the platform.
func (m *MediaConn) SendMedia(mulaw []byte) error {
	streamSID := m.StreamSID()
	if streamSID == "" {
		return fmt.Errorf("media stream not started")
	}
	return m.writeJSON(StreamMessage{
		Event:     "media",
		StreamSID: streamSID,
		Media:     &MediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
}

// SendClear tells the platform to flush queued playback. Used when the
// caller talks over the AI so stale audio stops immediately.
func (m *MediaConn) SendClear() error {
	streamSID := m.StreamSID()
	if streamSID == "" {
		return fmt.Errorf("media stream not started")
	}
	return m.writeJSON(StreamMessage{Event: "clear", StreamSID: streamSID})
}

// SendMark asks the platform to echo a marker once queued audio before it
// has played out.
func (m *MediaConn) SendMark(name string) error {
	streamSID := m.StreamSID()
	if streamSID == "" {
		return fmt.Errorf("media stream not started")
	}
	return m.writeJSON(StreamMessage{
		Event:     "mark",
		StreamSID: streamSID,
		Mark:      &MarkPayload{Name: name},
	})
}

// Close shuts the connection down. Safe to call multiple times from any
// goroutine.
func (m *MediaConn) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.writeMu.Lock()
		m.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		m.conn.Close()
	})
	return nil
}

func (m *MediaConn) writeJSON(msg StreamMessage) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	select {
	case <-m.closed:
		return fmt.Errorf("media stream closed")
	default:
	}
	return m.conn.WriteJSON(msg)
}
