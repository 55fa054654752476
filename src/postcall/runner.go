package postcall

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/square-key-labs/callbridge-ai/src/audio"
	"github.com/square-key-labs/callbridge-ai/src/callstate"
	"github.com/square-key-labs/callbridge-ai/src/logger"
)

const runTimeout = 2 * time.Minute

// TextGenerator is the slice of the AI text service the pipeline needs.
// Satisfied by gemini.Recap; tests substitute a fake.
type TextGenerator interface {
	TranscribeWAV(ctx context.Context, wav []byte, prompt string) (string, error)
	Generate(ctx context.Context, prompt string) (string, error)
}

// Runner drives the post-call pipeline: transcribe both captured channels
// concurrently, then produce a structured summary. Triggering is idempotent
// per call; a run always leaves the summary completed or errored, never
// processing.
type Runner struct {
	capture   *Capture
	summaries *SummaryStore
	calls     *callstate.Store
	gen       TextGenerator
	wg        sync.WaitGroup
	log       *logger.Logger
}

// NewRunner wires the pipeline against its stores and text service.
func NewRunner(capture *Capture, summaries *SummaryStore, calls *callstate.Store, gen TextGenerator) *Runner {
	return &Runner{
		capture:   capture,
		summaries: summaries,
		calls:     calls,
		gen:       gen,
		log:       logger.WithPrefix("PostCall"),
	}
}

// Trigger starts the pipeline for a call once. Both the telephony
// stream-stop and the AI-side disconnect call this; whichever arrives
// first wins and the loser is a no-op.
func (r *Runner) Trigger(callID string) bool {
	if callID == "" {
		return false
	}
	if !r.summaries.StartProcessing(callID) {
		return false
	}
	r.log.Info("Post-call pipeline started (call=%s)", callID)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(callID)
	}()
	return true
}

// Wait blocks until every running pipeline has finished or the timeout
// elapses, reporting whether all of them finished. Used during shutdown so
// in-flight summaries are not abandoned.
func (r *Runner) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (r *Runner) run(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	callerRaw, aiRaw := r.capture.Take(callID)
	if len(callerRaw) == 0 && len(aiRaw) == 0 {
		r.summaries.Fail(callID, "", "", "No audio was captured for this call.")
		r.log.Warn("Post-call pipeline found no audio (call=%s)", callID)
		return
	}

	var (
		wg         sync.WaitGroup
		callerText string
		aiText     string
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		callerText = r.transcribe(ctx, callID, "caller", callerRaw)
	}()
	go func() {
		defer wg.Done()
		aiText = r.transcribe(ctx, callID, "assistant", aiRaw)
	}()
	wg.Wait()

	sess, _ := r.calls.Get(callID)
	text, err := r.summarize(ctx, sess, callerText, aiText)
	if err != nil {
		r.log.Error("Summarization failed (call=%s): %v", callID, err)
		r.summaries.Fail(callID, callerText, aiText,
			"Summary generation failed; the transcripts above are the best available record.")
		return
	}

	r.summaries.Complete(callID, callerText, aiText, text)
	r.log.Info("Post-call pipeline finished (call=%s summary=%dB)", callID, len(text))
}

// transcribe converts one captured mu-law channel to WAV and asks the text
// service for a verbatim transcript. Failures degrade to an empty
// transcript; a partial record beats no summary at all.
func (r *Runner) transcribe(ctx context.Context, callID, party string, mulaw []byte) string {
	if len(mulaw) == 0 {
		return ""
	}
	pcm := audio.MulawToPCM(mulaw)
	wav := audio.PCMToWAV(audio.PCMToBytes(pcm), audio.TelephonyRate, 16, 1)

	text, err := r.gen.TranscribeWAV(ctx, wav, transcribePrompt(party))
	if err != nil {
		r.log.Warn("Transcription failed (call=%s party=%s): %v", callID, party, err)
		return ""
	}
	return text
}

func (r *Runner) summarize(ctx context.Context, sess callstate.Session, callerText, aiText string) (string, error) {
	if callerText == "" && aiText == "" {
		return "", fmt.Errorf("no transcript available")
	}
	text, err := r.gen.Generate(ctx, buildSummaryPrompt(sess, callerText, aiText))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("empty summary from service")
	}
	return text, nil
}

func transcribePrompt(party string) string {
	return fmt.Sprintf("Transcribe this phone call recording verbatim. "+
		"The audio contains only the %s side of the conversation. "+
		"Return just the spoken words with normal punctuation, no timestamps, "+
		"no speaker labels. If there is no intelligible speech, return nothing.", party)
}

func buildSummaryPrompt(sess callstate.Session, callerText, aiText string) string {
	var b strings.Builder
	b.WriteString("Summarize this phone call in three short sections:\n")
	b.WriteString("1. What happened\n")
	b.WriteString("2. Outcome\n")
	b.WriteString("3. Key details (names, dates, numbers, commitments)\n\n")

	b.WriteString("Call context:\n")
	fmt.Fprintf(&b, "- Direction: %s\n", sess.Direction)
	if sess.BusinessName != "" {
		fmt.Fprintf(&b, "- On behalf of: %s\n", sess.BusinessName)
	}
	if sess.TaskDescription != "" {
		fmt.Fprintf(&b, "- Task: %s\n", sess.TaskDescription)
	}
	if sess.VoicemailDetected {
		b.WriteString("- A voicemail system was detected during the call\n")
	}
	if sess.IVRDetected {
		b.WriteString("- An automated phone menu was detected during the call\n")
	}

	b.WriteString("\nAssistant side transcript:\n")
	b.WriteString(orNone(aiText))
	b.WriteString("\n\nOther party transcript:\n")
	b.WriteString(orNone(callerText))
	return b.String()
}

func orNone(text string) string {
	if strings.TrimSpace(text) == "" {
		return "(no speech captured)"
	}
	return text
}
