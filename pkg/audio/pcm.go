// Package audio owns microphone capture and speaker playback of mono PCM16 audio.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	DefaultSampleRateHz = 24000
	BytesPerSample      = 2
)

// Frame is one captured block of mono PCM16 audio. Seq increases monotonically per Recorder.
type Frame struct {
	Seq int64
	PCM []byte
}

// Samples returns the number of whole samples in the frame.
func (f Frame) Samples() int {
	return len(f.PCM) / BytesPerSample
}

// CalculateRMSEnergy computes the root-mean-square energy of PCM16LE audio in [0, 1].
func CalculateRMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		normalized := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(samples))
}

// CalculatePeakAmplitude returns the maximum absolute amplitude in [0, 1].
func CalculatePeakAmplitude(pcm []byte) float64 {
	var maxAbs float64
	for i := 0; i+1 < len(pcm); i += 2 {
		abs := math.Abs(float64(int16(binary.LittleEndian.Uint16(pcm[i:]))))
		if abs > maxAbs {
			maxAbs = abs
		}
	}
	return maxAbs / 32768.0
}

// SamplesDuration converts a sample count to wall time at the given rate.
func SamplesDuration(samples int64, sampleRateHz int) time.Duration {
	if samples <= 0 || sampleRateHz <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(sampleRateHz)
}

// toFloat appends the samples of pcm to dst as values in [-1, 1).
func toFloat(dst []float64, pcm []byte) []float64 {
	for i := 0; i+1 < len(pcm); i += 2 {
		dst = append(dst, float64(int16(binary.LittleEndian.Uint16(pcm[i:])))/32768.0)
	}
	return dst
}

// SineTonePCM16LE renders a test tone, used by the console's speaker check.
func SineTonePCM16LE(freqHz float64, sampleRateHz int, d time.Duration, amplitude float64) []byte {
	if sampleRateHz <= 0 || d <= 0 {
		return nil
	}
	n := int(int64(sampleRateHz) * int64(d) / int64(time.Second))
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amplitude * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRateHz))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*32767)))
	}
	return out
}
