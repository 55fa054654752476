package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/square-key-labs/callbridge-ai/src/callstate"
	"github.com/square-key-labs/callbridge-ai/src/services/gemini"
)

type fakeSession struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeSession) SendAudio(pcm []byte) error         { return nil }
func (f *fakeSession) Events() <-chan gemini.ServerEvent  { return nil }
func (f *fakeSession) Err() error                         { return nil }
func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testOrchestrator(connect ConnectFunc) *Orchestrator {
	return NewOrchestrator(Config{
		APIKey:     "test-key",
		Model:      "models/test-live",
		Voice:      "Puck",
		PendingTTL: time.Minute,
		Connect:    connect,
	})
}

func outboundCall(sid string) callstate.Session {
	return callstate.Session{
		CallSID:         sid,
		Direction:       callstate.DirectionOutbound,
		BusinessName:    "Harbor Dental",
		TaskDescription: "Book a cleaning appointment for next week.",
	}
}

func TestPreEstablishRekeyClaimHandsOutSameSessionOnce(t *testing.T) {
	fake := &fakeSession{}
	o := testOrchestrator(func(ctx context.Context, cfg gemini.LiveConfig) (Session, error) {
		return fake, nil
	})

	if _, err := o.PreEstablish(context.Background(), "temp-1", outboundCall("")); err != nil {
		t.Fatalf("PreEstablish: %v", err)
	}
	if !o.Rekey("temp-1", "CA100") {
		t.Fatalf("Rekey returned false for a live temp entry")
	}

	claimed := o.Claim("CA100")
	if claimed == nil {
		t.Fatalf("Claim returned nil for a re-keyed session")
	}
	if claimed.(*fakeSession) != fake {
		t.Errorf("Claim returned a different session than was pre-established")
	}
	if again := o.Claim("CA100"); again != nil {
		t.Errorf("second Claim returned %v, want nil", again)
	}
	if n := o.Pending(); n != 0 {
		t.Errorf("Pending()=%d after claim, want 0", n)
	}
}

func TestPreEstablishFailureWrapsServiceUnavailable(t *testing.T) {
	o := testOrchestrator(func(ctx context.Context, cfg gemini.LiveConfig) (Session, error) {
		return nil, fmt.Errorf("dial tcp: connection refused")
	})

	_, err := o.PreEstablish(context.Background(), "temp-1", outboundCall(""))
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("err=%v, want ErrServiceUnavailable in chain", err)
	}
	if n := o.Pending(); n != 0 {
		t.Errorf("Pending()=%d after failed pre-establish, want 0", n)
	}
}

func TestRekeyMissingTempKey(t *testing.T) {
	o := testOrchestrator(func(ctx context.Context, cfg gemini.LiveConfig) (Session, error) {
		return &fakeSession{}, nil
	})
	if o.Rekey("never-created", "CA1") {
		t.Fatalf("Rekey returned true for an unknown temp key")
	}
}

func TestRekeyCollisionClosesDisplacedSession(t *testing.T) {
	first := &fakeSession{}
	second := &fakeSession{}
	handles := []Session{first, second}
	o := testOrchestrator(func(ctx context.Context, cfg gemini.LiveConfig) (Session, error) {
		s := handles[0]
		handles = handles[1:]
		return s, nil
	})

	if _, err := o.PreEstablish(context.Background(), "CA200", outboundCall("CA200")); err != nil {
		t.Fatalf("PreEstablish: %v", err)
	}
	if _, err := o.PreEstablish(context.Background(), "temp-2", outboundCall("")); err != nil {
		t.Fatalf("PreEstablish: %v", err)
	}

	if !o.Rekey("temp-2", "CA200") {
		t.Fatalf("Rekey returned false")
	}
	if !first.isClosed() {
		t.Errorf("displaced session was not closed")
	}
	if got := o.Claim("CA200"); got.(*fakeSession) != second {
		t.Errorf("Claim returned the displaced session")
	}
}

func TestCreateFallbackIsNotParked(t *testing.T) {
	o := testOrchestrator(func(ctx context.Context, cfg gemini.LiveConfig) (Session, error) {
		return &fakeSession{}, nil
	})

	sess, err := o.CreateFallback(context.Background(), outboundCall("CA300"))
	if err != nil {
		t.Fatalf("CreateFallback: %v", err)
	}
	if sess == nil {
		t.Fatalf("CreateFallback returned nil session")
	}
	if n := o.Pending(); n != 0 {
		t.Errorf("Pending()=%d after fallback, want 0", n)
	}
}

func TestSweepClosesOnlyExpiredSessions(t *testing.T) {
	var created []*fakeSession
	o := testOrchestrator(func(ctx context.Context, cfg gemini.LiveConfig) (Session, error) {
		s := &fakeSession{}
		created = append(created, s)
		return s, nil
	})

	if _, err := o.PreEstablish(context.Background(), "old", outboundCall("")); err != nil {
		t.Fatalf("PreEstablish: %v", err)
	}

	if n := o.sweep(time.Now()); n != 0 {
		t.Fatalf("sweep removed %d fresh sessions, want 0", n)
	}
	if n := o.sweep(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("sweep removed %d, want 1", n)
	}
	if !created[0].isClosed() {
		t.Errorf("swept session was not closed")
	}
	if n := o.Pending(); n != 0 {
		t.Errorf("Pending()=%d after sweep, want 0", n)
	}
}

func TestShutdownClosesEverything(t *testing.T) {
	var created []*fakeSession
	o := testOrchestrator(func(ctx context.Context, cfg gemini.LiveConfig) (Session, error) {
		s := &fakeSession{}
		created = append(created, s)
		return s, nil
	})

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("temp-%d", i)
		if _, err := o.PreEstablish(context.Background(), key, outboundCall("")); err != nil {
			t.Fatalf("PreEstablish: %v", err)
		}
	}
	o.Shutdown()

	if n := o.Pending(); n != 0 {
		t.Errorf("Pending()=%d after shutdown, want 0", n)
	}
	for i, s := range created {
		if !s.isClosed() {
			t.Errorf("session %d not closed by shutdown", i)
		}
	}
}

func TestDialAppliesVoiceDefaultAndPrompt(t *testing.T) {
	var got gemini.LiveConfig
	o := testOrchestrator(func(ctx context.Context, cfg gemini.LiveConfig) (Session, error) {
		got = cfg
		return &fakeSession{}, nil
	})

	call := outboundCall("CA400")
	if _, err := o.CreateFallback(context.Background(), call); err != nil {
		t.Fatalf("CreateFallback: %v", err)
	}
	if got.Voice != "Puck" {
		t.Errorf("Voice=%q, want default %q", got.Voice, "Puck")
	}
	if !strings.Contains(got.SystemPrompt, "Harbor Dental") {
		t.Errorf("system prompt does not mention the business:\n%s", got.SystemPrompt)
	}
	if !strings.Contains(got.SystemPrompt, "Book a cleaning appointment") {
		t.Errorf("system prompt does not carry the task:\n%s", got.SystemPrompt)
	}

	call.Voice = "Kore"
	if _, err := o.CreateFallback(context.Background(), call); err != nil {
		t.Fatalf("CreateFallback: %v", err)
	}
	if got.Voice != "Kore" {
		t.Errorf("Voice=%q, want per-call override %q", got.Voice, "Kore")
	}
}
