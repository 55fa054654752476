package postcall

import (
	"context"
	"sync"
	"time"

	"github.com/square-key-labs/callbridge-ai/src/logger"
)

// mulawBytesPerSecond is the byte rate of 8 kHz mono mu-law.
const mulawBytesPerSecond = 8000

// Capture buffers per-party mu-law audio during a call for post-call
// transcription. Each channel is capped; once full, later audio is dropped
// so the opening of the call survives (the greeting and task statement
// matter more than a long tail of hold music). Entries are normally
// consumed by Take; anything left behind, such as frames written by a
// stream that was still draining when the pipeline ran, goes idle and is
// collected by Sweep.
type Capture struct {
	mu        sync.Mutex
	entries   map[string]*captureEntry
	maxBytes  int
	retention time.Duration
	log       *logger.Logger
}

type captureEntry struct {
	caller        []byte
	ai            []byte
	callerDropped int
	aiDropped     int
	lastWrite     time.Time
}

// NewCapture creates a capture store keeping at most maxSeconds of audio
// per channel. Entries with no writes for retention are dropped by Sweep;
// an active stream refreshes its entry on every frame.
func NewCapture(maxSeconds int, retention time.Duration) *Capture {
	if maxSeconds <= 0 {
		maxSeconds = 60
	}
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Capture{
		entries:   make(map[string]*captureEntry),
		maxBytes:  maxSeconds * mulawBytesPerSecond,
		retention: retention,
		log:       logger.WithPrefix("Capture"),
	}
}

// AppendCaller adds far-end audio for a call.
func (c *Capture) AppendCaller(callID string, mulaw []byte) {
	if len(mulaw) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entry(callID)
	entry.lastWrite = time.Now()
	entry.caller, entry.callerDropped = appendCapped(entry.caller, mulaw, c.maxBytes, entry.callerDropped)
}

// AppendAI adds AI-side audio for a call.
func (c *Capture) AppendAI(callID string, mulaw []byte) {
	if len(mulaw) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entry(callID)
	entry.lastWrite = time.Now()
	entry.ai, entry.aiDropped = appendCapped(entry.ai, mulaw, c.maxBytes, entry.aiDropped)
}

// Take removes and returns both channels for a call. Missing calls return
// nil slices.
func (c *Capture) Take(callID string) (caller, ai []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[callID]
	if !ok {
		return nil, nil
	}
	delete(c.entries, callID)
	if entry.callerDropped > 0 || entry.aiDropped > 0 {
		c.log.Warn("Capture cap hit (call=%s dropped caller=%dB ai=%dB)",
			callID, entry.callerDropped, entry.aiDropped)
	}
	return entry.caller, entry.ai
}

// Sizes reports the buffered byte counts for a call.
func (c *Capture) Sizes(callID string) (caller, ai int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[callID]; ok {
		return len(entry.caller), len(entry.ai)
	}
	return 0, 0
}

// Sweep drops entries with no writes for the retention window and returns
// how many were removed.
func (c *Capture) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for callID, entry := range c.entries {
		if now.Sub(entry.lastWrite) > c.retention {
			delete(c.entries, callID)
			removed++
			c.log.Warn("Dropping idle capture (call=%s caller=%dB ai=%dB)",
				callID, len(entry.caller), len(entry.ai))
		}
	}
	return removed
}

// Run sweeps idle captures until ctx is cancelled.
func (c *Capture) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(time.Now())
		}
	}
}

func (c *Capture) entry(callID string) *captureEntry {
	entry, ok := c.entries[callID]
	if !ok {
		entry = &captureEntry{}
		c.entries[callID] = entry
	}
	return entry
}

func appendCapped(dst, data []byte, max, dropped int) ([]byte, int) {
	room := max - len(dst)
	if room <= 0 {
		return dst, dropped + len(data)
	}
	if len(data) > room {
		return append(dst, data[:room]...), dropped + len(data) - room
	}
	return append(dst, data...), dropped
}
