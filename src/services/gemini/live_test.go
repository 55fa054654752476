package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{}

// fakeLiveServer accepts one connection, performs the setup handshake and
// then hands the connection to fn.
func fakeLiveServer(t *testing.T, fn func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var setup setupMessage
		if err := conn.ReadJSON(&setup); err != nil {
			t.Errorf("read setup: %v", err)
			return
		}
		if setup.Setup.Model == "" {
			t.Errorf("setup message missing model")
		}
		if setup.Setup.InputAudioTranscription == nil || setup.Setup.OutputAudioTranscription == nil {
			t.Errorf("setup message did not enable transcription")
		}
		if err := conn.WriteJSON(serverMessage{SetupComplete: &struct{}{}}); err != nil {
			return
		}
		if fn != nil {
			fn(conn)
		}
	}))
}

func wsEndpoint(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func testConfig(ts *httptest.Server) LiveConfig {
	return LiveConfig{
		APIKey:           "test-key",
		Model:            "models/test-live",
		Voice:            "Puck",
		SystemPrompt:     "You are on a phone call.",
		HandshakeTimeout: 2 * time.Second,
		Endpoint:         wsEndpoint(ts),
	}
}

func TestConnectHandshakeAndAudioRoundTrip(t *testing.T) {
	sent := []byte{1, 2, 3, 4, 5, 6}
	reply := []byte{10, 20, 30, 40}

	ts := fakeLiveServer(t, func(conn *websocket.Conn) {
		var in realtimeInputMessage
		if err := conn.ReadJSON(&in); err != nil {
			t.Errorf("read audio: %v", err)
			return
		}
		if len(in.RealtimeInput.MediaChunks) != 1 {
			t.Errorf("chunks=%d, want 1", len(in.RealtimeInput.MediaChunks))
			return
		}
		chunk := in.RealtimeInput.MediaChunks[0]
		if chunk.MimeType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType=%q, want audio/pcm;rate=16000", chunk.MimeType)
		}
		got, err := base64.StdEncoding.DecodeString(chunk.Data)
		if err != nil || !bytes.Equal(got, sent) {
			t.Errorf("payload=%v (err=%v), want %v", got, err, sent)
		}

		conn.WriteJSON(serverMessage{ServerContent: &serverContent{
			ModelTurn: &contentPayload{Parts: []partPayload{{
				InlineData: &inlineBlob{
					MimeType: "audio/pcm;rate=24000",
					Data:     base64.StdEncoding.EncodeToString(reply),
				},
			}}},
			TurnComplete:        true,
			OutputTranscription: &transcription{Text: "hello there"},
		}})

		// Hold the connection open until the client closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer ts.Close()

	session, err := Connect(context.Background(), testConfig(ts))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := session.SendAudio(sent); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case ev := <-session.Events():
		if !bytes.Equal(ev.Audio, reply) {
			t.Errorf("Audio=%v, want %v", ev.Audio, reply)
		}
		if !ev.TurnComplete {
			t.Errorf("TurnComplete=false, want true")
		}
		if ev.OutputTranscript != "hello there" {
			t.Errorf("OutputTranscript=%q, want %q", ev.OutputTranscript, "hello there")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no server event received")
	}

	session.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-session.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("events channel still open after Close")
		}
	}
}

func TestConnectTimesOutWithoutSetupAck(t *testing.T) {
	// Server that never acks: upgrade, read setup, then sit silent.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
		time.Sleep(3 * time.Second)
	}))
	defer ts.Close()

	cfg := testConfig(ts)
	cfg.HandshakeTimeout = 150 * time.Millisecond

	start := time.Now()
	if _, err := Connect(context.Background(), cfg); err == nil {
		t.Fatalf("Connect succeeded without setup ack")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("handshake timeout took %v, want well under 2s", elapsed)
	}
}

func TestConnectRejectsNonSetupReply(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
		conn.WriteJSON(serverMessage{ServerContent: &serverContent{}})
		conn.ReadMessage()
	}))
	defer ts.Close()

	if _, err := Connect(context.Background(), testConfig(ts)); err == nil {
		t.Fatalf("Connect accepted a non-setupComplete reply")
	}
}

func TestSendAudioAfterClose(t *testing.T) {
	ts := fakeLiveServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer ts.Close()

	session, err := Connect(context.Background(), testConfig(ts))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	session.Close()
	session.Close() // double close must be safe

	if err := session.SendAudio([]byte{1, 2}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("SendAudio after close: err=%v, want ErrSessionClosed", err)
	}
}

func TestInterruptionAndCallerTranscriptEvents(t *testing.T) {
	ts := fakeLiveServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(serverMessage{ServerContent: &serverContent{
			InputTranscription: &transcription{Text: "stop talking"},
			Interrupted:        true,
		}})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer ts.Close()

	session, err := Connect(context.Background(), testConfig(ts))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer session.Close()

	select {
	case ev := <-session.Events():
		if !ev.Interrupted {
			t.Errorf("Interrupted=false, want true")
		}
		if ev.InputTranscript != "stop talking" {
			t.Errorf("InputTranscript=%q, want %q", ev.InputTranscript, "stop talking")
		}
		if len(ev.Audio) != 0 {
			t.Errorf("unexpected audio bytes: %v", ev.Audio)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no server event received")
	}
}
