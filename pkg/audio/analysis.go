package audio

import (
	"math"
	"math/cmplx"
	"sync"

	"github.com/mjibson/go-dsp/fft"
)

// FrequencyRange selects the band a snapshot covers.
type FrequencyRange int

const (
	// RangeFull spans 0 Hz up to the Nyquist frequency.
	RangeFull FrequencyRange = iota
	// RangeVoice spans the range that carries speech energy.
	RangeVoice
)

const (
	voiceMinHz  = 80.0
	voiceMaxHz  = 3000.0
	minDecibels = -100.0
	maxDecibels = -30.0

	analysisWindow = 1024
)

// Frequencies computes a normalized magnitude spectrum of samples, grouped into the requested number
// of buckets. Each value is in [0, 1], mapping minDecibels..maxDecibels.
func Frequencies(samples []float64, sampleRateHz int, rng FrequencyRange, buckets int) []float64 {
	out := make([]float64, max(buckets, 0))
	if buckets <= 0 || sampleRateHz <= 0 || len(samples) == 0 {
		return out
	}

	window := analysisWindow
	for window > len(samples) && window > 2 {
		window /= 2
	}
	if len(samples) < window {
		return out
	}
	in := make([]float64, window)
	tail := samples[len(samples)-window:]
	for i, v := range tail {
		// Hann window.
		w := 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(window-1)))
		in[i] = v * w
	}
	spectrum := fft.FFTReal(in)

	binHz := float64(sampleRateHz) / float64(window)
	nyquist := float64(sampleRateHz) / 2
	lo, hi := 0.0, nyquist
	if rng == RangeVoice {
		lo, hi = voiceMinHz, math.Min(voiceMaxHz, nyquist)
	}
	bucketHz := (hi - lo) / float64(buckets)

	counts := make([]int, buckets)
	for k := 1; k < window/2; k++ {
		hz := float64(k) * binHz
		if hz < lo || hz >= hi {
			continue
		}
		idx := int((hz - lo) / bucketHz)
		if idx >= buckets {
			idx = buckets - 1
		}
		mag := cmplx.Abs(spectrum[k]) / float64(window)
		db := minDecibels
		if mag > 0 {
			db = 20 * math.Log10(mag)
		}
		norm := (db - minDecibels) / (maxDecibels - minDecibels)
		out[idx] += math.Max(0, math.Min(1, norm))
		counts[idx]++
	}
	for i := range out {
		if counts[i] > 0 {
			out[i] /= float64(counts[i])
		}
	}
	return out
}

// sampleHistory keeps the most recent samples for analysis.
type sampleHistory struct {
	mu   sync.Mutex
	buf  []float64
	size int
}

func newSampleHistory(size int) *sampleHistory {
	if size <= 0 {
		size = analysisWindow
	}
	return &sampleHistory{size: size}
}

func (h *sampleHistory) add(pcm []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = toFloat(h.buf, pcm)
	if over := len(h.buf) - h.size; over > 0 {
		h.buf = append(h.buf[:0:0], h.buf[over:]...)
	}
}

func (h *sampleHistory) snapshot() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]float64, len(h.buf))
	copy(out, h.buf)
	return out
}

func (h *sampleHistory) reset() {
	h.mu.Lock()
	h.buf = nil
	h.mu.Unlock()
}
