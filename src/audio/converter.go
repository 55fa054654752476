// Package audio converts between the telephony platform's 8kHz mulaw frames
// and the AI service's linear PCM formats (16kHz caller->AI, 24kHz AI->caller),
// and applies per-call signal enhancement.
package audio

import (
	"encoding/binary"
	"fmt"
)

// Sample rates of the two peers.
const (
	TelephonyRate = 8000  // mulaw over the media stream
	AIInputRate   = 16000 // PCM the AI service expects
	AIOutputRate  = 24000 // PCM the AI service produces
)

// TranscodeError reports a malformed or truncated audio frame. The bridge
// drops the frame; it must never take the call down.
type TranscodeError struct {
	Op  string
	Err error
}

func (e *TranscodeError) Error() string {
	return fmt.Sprintf("transcode %s: %v", e.Op, e.Err)
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// DecodeMulawTo16k converts one telephony frame to 16kHz PCM for the AI
// service: table decode per byte, then 8kHz->16kHz by linear interpolation.
// Sample duplication is not acceptable here; it aliases audibly on phone
// audio.
func DecodeMulawTo16k(frame []byte) []int16 {
	return Resample(MulawToPCM(frame), TelephonyRate, AIInputRate)
}

// Encode24kToMulaw converts AI-service output to one telephony frame:
// 24kHz->8kHz by averaging each group of three consecutive samples (a cheap
// low-pass that avoids the aliasing a bare decimation introduces), then
// mulaw-encodes each averaged sample.
func Encode24kToMulaw(pcm []int16) []byte {
	return PCMToMulaw(downsampleByThree(pcm))
}

// downsampleByThree averages consecutive triples. A trailing partial group
// is averaged over the samples it has.
func downsampleByThree(pcm []int16) []int16 {
	if len(pcm) == 0 {
		return nil
	}
	out := make([]int16, 0, (len(pcm)+2)/3)
	for i := 0; i < len(pcm); i += 3 {
		end := i + 3
		if end > len(pcm) {
			end = len(pcm)
		}
		sum := 0
		for _, s := range pcm[i:end] {
			sum += int(s)
		}
		out = append(out, int16(sum/(end-i)))
	}
	return out
}

// MulawToPCM converts mulaw audio to linear PCM int16
func MulawToPCM(mulaw []byte) []int16 {
	pcm := make([]int16, len(mulaw))
	for i, val := range mulaw {
		pcm[i] = MulawDecode(val)
	}
	return pcm
}

// PCMToMulaw converts linear PCM int16 to mulaw
func PCMToMulaw(pcm []int16) []byte {
	mulaw := make([]byte, len(pcm))
	for i, val := range pcm {
		mulaw[i] = MulawEncode(val)
	}
	return mulaw
}

// BytesToPCM converts byte array to int16 PCM (little-endian)
func BytesToPCM(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, &TranscodeError{Op: "bytes-to-pcm", Err: fmt.Errorf("odd PCM data length %d", len(data))}
	}
	pcm := make([]int16, len(data)/2)
	for i := 0; i < len(pcm); i++ {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return pcm, nil
}

// PCMToBytes converts int16 PCM to byte array (little-endian)
func PCMToBytes(pcm []int16) []byte {
	data := make([]byte, len(pcm)*2)
	for i, val := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(val))
	}
	return data
}

// Resample performs linear interpolation resampling between arbitrary rates.
func Resample(input []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate {
		return input
	}

	ratio := float64(inputRate) / float64(outputRate)
	outputLen := int(float64(len(input)) / ratio)
	output := make([]int16, outputLen)

	for i := 0; i < outputLen; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx+1 < len(input) {
			// Linear interpolation
			sample1 := float64(input[srcIdx])
			sample2 := float64(input[srcIdx+1])
			output[i] = int16(sample1 + (sample2-sample1)*frac)
		} else if srcIdx < len(input) {
			output[i] = input[srcIdx]
		}
	}

	return output
}

// PCMToWAV wraps raw little-endian PCM bytes with a 44-byte RIFF header so
// the post-call transcription upload is a self-describing file.
func PCMToWAV(pcmData []byte, sampleRate, bitsPerSample, channels int) []byte {
	dataLen := len(pcmData)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	header := make([]byte, 44)

	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataLen))
	copy(header[8:12], "WAVE")

	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(header[20:22], 1)  // PCM format
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], uint16(bitsPerSample))

	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataLen))

	return append(header, pcmData...)
}

// Mulaw encoding/decoding tables and functions
const (
	mulawBias = 0x84
	mulawClip = 32635
)

var mulawDecodeTable = [256]int16{
	-32124, -31100, -30076, -29052, -28028, -27004, -25980, -24956,
	-23932, -22908, -21884, -20860, -19836, -18812, -17788, -16764,
	-15996, -15484, -14972, -14460, -13948, -13436, -12924, -12412,
	-11900, -11388, -10876, -10364, -9852, -9340, -8828, -8316,
	-7932, -7676, -7420, -7164, -6908, -6652, -6396, -6140,
	-5884, -5628, -5372, -5116, -4860, -4604, -4348, -4092,
	-3900, -3772, -3644, -3516, -3388, -3260, -3132, -3004,
	-2876, -2748, -2620, -2492, -2364, -2236, -2108, -1980,
	-1884, -1820, -1756, -1692, -1628, -1564, -1500, -1436,
	-1372, -1308, -1244, -1180, -1116, -1052, -988, -924,
	-876, -844, -812, -780, -748, -716, -684, -652,
	-620, -588, -556, -524, -492, -460, -428, -396,
	-372, -356, -340, -324, -308, -292, -276, -260,
	-244, -228, -212, -196, -180, -164, -148, -132,
	-120, -112, -104, -96, -88, -80, -72, -64,
	-56, -48, -40, -32, -24, -16, -8, 0,
	32124, 31100, 30076, 29052, 28028, 27004, 25980, 24956,
	23932, 22908, 21884, 20860, 19836, 18812, 17788, 16764,
	15996, 15484, 14972, 14460, 13948, 13436, 12924, 12412,
	11900, 11388, 10876, 10364, 9852, 9340, 8828, 8316,
	7932, 7676, 7420, 7164, 6908, 6652, 6396, 6140,
	5884, 5628, 5372, 5116, 4860, 4604, 4348, 4092,
	3900, 3772, 3644, 3516, 3388, 3260, 3132, 3004,
	2876, 2748, 2620, 2492, 2364, 2236, 2108, 1980,
	1884, 1820, 1756, 1692, 1628, 1564, 1500, 1436,
	1372, 1308, 1244, 1180, 1116, 1052, 988, 924,
	876, 844, 812, 780, 748, 716, 684, 652,
	620, 588, 556, 524, 492, 460, 428, 396,
	372, 356, 340, 324, 308, 292, 276, 260,
	244, 228, 212, 196, 180, 164, 148, 132,
	120, 112, 104, 96, 88, 80, 72, 64,
	56, 48, 40, 32, 24, 16, 8, 0,
}

// MulawDecode converts one mulaw byte to a linear sample.
func MulawDecode(mulaw byte) int16 {
	return mulawDecodeTable[mulaw]
}

// MulawEncode converts one linear sample to a mulaw byte.
func MulawEncode(sample int16) byte {
	// Get the sign bit; widen first so -32768 negates cleanly
	pcm := int32(sample)
	sign := uint8(0)
	if pcm < 0 {
		sign = 0x80
		pcm = -pcm
	}

	// Clip the magnitude
	if pcm > mulawClip {
		pcm = mulawClip
	}

	// Add bias
	pcm += mulawBias

	// Find the segment from the highest set bit, then take the four bits
	// below it as the mantissa
	var exponent uint8
	var mantissa uint8

	if pcm >= 0x4000 {
		exponent = 7
		mantissa = uint8((pcm >> 10) & 0x0F)
	} else if pcm >= 0x2000 {
		exponent = 6
		mantissa = uint8((pcm >> 9) & 0x0F)
	} else if pcm >= 0x1000 {
		exponent = 5
		mantissa = uint8((pcm >> 8) & 0x0F)
	} else if pcm >= 0x800 {
		exponent = 4
		mantissa = uint8((pcm >> 7) & 0x0F)
	} else if pcm >= 0x400 {
		exponent = 3
		mantissa = uint8((pcm >> 6) & 0x0F)
	} else if pcm >= 0x200 {
		exponent = 2
		mantissa = uint8((pcm >> 5) & 0x0F)
	} else if pcm >= 0x100 {
		exponent = 1
		mantissa = uint8((pcm >> 4) & 0x0F)
	} else {
		exponent = 0
		mantissa = uint8((pcm >> 3) & 0x0F)
	}

	// Combine sign, exponent, and mantissa
	mulaw := sign | (exponent << 4) | mantissa

	// Invert all bits for mulaw
	return ^mulaw
}
