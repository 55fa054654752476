package postcall

import (
	"bytes"
	"testing"
	"time"
)

func TestCaptureCapKeepsOldestAudio(t *testing.T) {
	c := NewCapture(1, time.Hour) // 8000 bytes per channel
	first := bytes.Repeat([]byte{0x11}, 6000)
	second := bytes.Repeat([]byte{0x22}, 4000)

	c.AppendCaller("CA1", first)
	c.AppendCaller("CA1", second)

	caller, ai := c.Take("CA1")
	if len(caller) != 8000 {
		t.Fatalf("len(caller)=%d, want 8000", len(caller))
	}
	if !bytes.Equal(caller[:6000], first) {
		t.Errorf("first chunk was not kept intact")
	}
	if !bytes.Equal(caller[6000:], second[:2000]) {
		t.Errorf("cap did not keep the oldest part of the overflowing chunk")
	}
	if len(ai) != 0 {
		t.Errorf("len(ai)=%d, want 0", len(ai))
	}
}

func TestCaptureDropsEverythingPastTheCap(t *testing.T) {
	c := NewCapture(1, time.Hour)
	c.AppendAI("CA2", bytes.Repeat([]byte{0x33}, 8000))
	c.AppendAI("CA2", bytes.Repeat([]byte{0x44}, 500))

	_, ai := c.Take("CA2")
	if len(ai) != 8000 {
		t.Fatalf("len(ai)=%d, want 8000", len(ai))
	}
	if ai[len(ai)-1] != 0x33 {
		t.Errorf("audio past the cap leaked into the buffer")
	}
}

func TestCaptureChannelsAreIndependent(t *testing.T) {
	c := NewCapture(1, time.Hour)
	c.AppendCaller("CA3", []byte{1, 2, 3})
	c.AppendAI("CA3", []byte{9, 8})

	caller, ai := c.Take("CA3")
	if !bytes.Equal(caller, []byte{1, 2, 3}) {
		t.Errorf("caller=%v, want [1 2 3]", caller)
	}
	if !bytes.Equal(ai, []byte{9, 8}) {
		t.Errorf("ai=%v, want [9 8]", ai)
	}
}

func TestTakeRemovesTheCall(t *testing.T) {
	c := NewCapture(1, time.Hour)
	c.AppendCaller("CA4", []byte{1})

	c.Take("CA4")
	caller, ai := c.Take("CA4")
	if caller != nil || ai != nil {
		t.Errorf("second Take returned %v/%v, want nil/nil", caller, ai)
	}
}

func TestSizesTracksBothChannels(t *testing.T) {
	c := NewCapture(1, time.Hour)
	c.AppendCaller("CA5", make([]byte, 10))
	c.AppendAI("CA5", make([]byte, 4))

	caller, ai := c.Sizes("CA5")
	if caller != 10 || ai != 4 {
		t.Errorf("Sizes=%d/%d, want 10/4", caller, ai)
	}
}

func TestSweepDropsIdleCapture(t *testing.T) {
	c := NewCapture(1, time.Minute)
	c.AppendCaller("CA6", make([]byte, 1600))

	if n := c.Sweep(time.Now()); n != 0 {
		t.Fatalf("Sweep removed %d fresh entries, want 0", n)
	}
	if n := c.Sweep(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("Sweep removed %d idle entries, want 1", n)
	}
	caller, ai := c.Sizes("CA6")
	if caller != 0 || ai != 0 {
		t.Errorf("Sizes=%d/%d after sweep, want 0/0", caller, ai)
	}
}

func TestAppendKeepsCaptureOutOfSweep(t *testing.T) {
	c := NewCapture(1, time.Minute)
	c.AppendCaller("CA7", make([]byte, 100))
	c.mu.Lock()
	c.entries["CA7"].lastWrite = time.Now().Add(-time.Hour)
	c.mu.Unlock()

	// A write on either channel refreshes the entry.
	c.AppendAI("CA7", make([]byte, 100))
	if n := c.Sweep(time.Now()); n != 0 {
		t.Fatalf("Sweep removed %d entries with a fresh write, want 0", n)
	}
}
