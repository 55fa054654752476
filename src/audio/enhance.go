package audio

import "math"

// Caller-audio enhancement tuning. One consolidated set; earlier prototypes
// of this service shipped with slightly different numbers.
const (
	highPassHz = 300.0  // voice band lower edge
	lowPassHz  = 3400.0 // voice band upper edge

	gateFloor = 400.0 // below this amplitude the gate attenuates hard
	gateKnee  = 2.0   // soft knee extends to gateFloor*gateKnee
	gateAtten = 0.1   // attenuation applied under the floor

	agcTargetRMS = 3000.0 // speech loudness target
	agcAttack    = 0.30   // per-chunk easing when pulling gain down
	agcRelease   = 0.05   // per-chunk easing when raising gain
	agcGainMin   = 0.5
	agcGainMax   = 4.0
	agcRMSFloor  = 100.0 // below this the chunk is treated as silence

	softClipStart = 30000.0 // soft clip shoulder
	softClipSlope = 0.25    // slope above the shoulder

	compressThreshold = 20000.0 // AI-audio compressor threshold
	compressRatio     = 2.0
)

// Enhancer cleans up caller audio before it reaches the AI service: band-pass
// to the telephone voice band, noise gate, then AGC. All state (filter
// memories, AGC gain) is scoped to one call; sharing an Enhancer across calls
// corrupts both.
type Enhancer struct {
	sampleRate float64

	// band-pass state
	hpAlpha  float64
	lpAlpha  float64
	hpPrevIn float64
	hpPrev   float64
	lpPrev   float64

	// AGC state
	gain float64
}

// NewEnhancer creates an Enhancer for one call's caller channel. sampleRate
// is the PCM rate the enhancement runs at (16000 on the live path).
func NewEnhancer(sampleRate int) *Enhancer {
	dt := 1.0 / float64(sampleRate)
	hpRC := 1.0 / (2 * math.Pi * highPassHz)
	lpRC := 1.0 / (2 * math.Pi * lowPassHz)

	return &Enhancer{
		sampleRate: float64(sampleRate),
		hpAlpha:    hpRC / (hpRC + dt),
		lpAlpha:    dt / (lpRC + dt),
		gain:       1.0,
	}
}

// EnhanceCallerAudio runs the ordered pipeline: band-pass 300-3400Hz, noise
// gate, AGC with soft-clipped output. Quiet callers in noisy rooms come out
// intelligible; loud ones do not clip.
func (e *Enhancer) EnhanceCallerAudio(pcm []int16) []int16 {
	if len(pcm) == 0 {
		return pcm
	}

	work := make([]float64, len(pcm))
	for i, s := range pcm {
		work[i] = float64(s)
	}

	e.bandPass(work)
	noiseGate(work)
	e.autoGain(work)

	out := make([]int16, len(work))
	for i, s := range work {
		out[i] = clampSample(softClip(s))
	}
	return out
}

// bandPass applies a single-pole high-pass then a single-pole low-pass,
// carrying filter state across chunks so there are no boundary clicks.
func (e *Enhancer) bandPass(samples []float64) {
	for i, x := range samples {
		hp := e.hpAlpha * (e.hpPrev + x - e.hpPrevIn)
		e.hpPrevIn = x
		e.hpPrev = hp

		lp := e.lpPrev + e.lpAlpha*(hp-e.lpPrev)
		e.lpPrev = lp

		samples[i] = lp
	}
}

// noiseGate attenuates samples under the floor hard and ramps the
// attenuation out linearly across the knee.
func noiseGate(samples []float64) {
	knee := gateFloor * gateKnee
	for i, s := range samples {
		mag := math.Abs(s)
		switch {
		case mag < gateFloor:
			samples[i] = s * gateAtten
		case mag < knee:
			t := (mag - gateFloor) / (knee - gateFloor)
			samples[i] = s * (gateAtten + t*(1-gateAtten))
		}
	}
}

// autoGain eases the per-call gain toward targetRMS/chunkRMS, attacking
// faster than it releases, and applies the clamped gain to the chunk.
// Near-silent chunks keep the previous gain so noise is not pumped up
// between words.
func (e *Enhancer) autoGain(samples []float64) {
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	if rms > agcRMSFloor {
		desired := agcTargetRMS / rms
		if desired > agcGainMax {
			desired = agcGainMax
		} else if desired < agcGainMin {
			desired = agcGainMin
		}

		rate := agcRelease
		if desired < e.gain {
			rate = agcAttack
		}
		e.gain += (desired - e.gain) * rate
	}

	for i := range samples {
		samples[i] *= e.gain
	}
}

// CompressAIAudio applies stateless 2:1 soft compression above a fixed
// threshold to the AI's 24kHz output, taming peaks without changing
// perceived loudness.
func CompressAIAudio(pcm []int16) []int16 {
	out := make([]int16, len(pcm))
	for i, s := range pcm {
		v := float64(s)
		mag := math.Abs(v)
		if mag > compressThreshold {
			compressed := compressThreshold + (mag-compressThreshold)/compressRatio
			if v < 0 {
				v = -compressed
			} else {
				v = compressed
			}
		}
		out[i] = clampSample(v)
	}
	return out
}

// softClip bends samples above the shoulder instead of slamming them into
// the rail.
func softClip(s float64) float64 {
	mag := math.Abs(s)
	if mag <= softClipStart {
		return s
	}
	clipped := softClipStart + (mag-softClipStart)*softClipSlope
	if s < 0 {
		return -clipped
	}
	return clipped
}

func clampSample(s float64) int16 {
	if s > 32767 {
		return 32767
	}
	if s < -32768 {
		return -32768
	}
	return int16(s)
}
