package audio

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// SourceOpener opens a fresh PCM16 stream each time recording starts. Closing the stream must
// unblock pending reads.
type SourceOpener func() (io.ReadCloser, error)

// ReaderSource serves a fixed buffer, mostly for tests and file playback.
func ReaderSource(data []byte) SourceOpener {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

type RecorderConfig struct {
	SampleRateHz int
	// FrameSamples is the frame size; the default is 20ms at SampleRateHz.
	FrameSamples int
	Open         SourceOpener
	Logger       *slog.Logger
}

var ErrAlreadyRecording = errors.New("recorder is already recording")

// Recorder reads a Source into fixed-size frames with increasing Seq numbers.
type Recorder struct {
	cfg     RecorderConfig
	seq     atomic.Int64
	history *sampleHistory

	mu     sync.Mutex
	src    io.ReadCloser
	done   chan struct{}
	closed bool
}

func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = DefaultSampleRateHz
	}
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = cfg.SampleRateHz / 50
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Recorder{cfg: cfg, history: newSampleHistory(analysisWindow)}
}

// Record opens the source and calls fn for every frame on the capture goroutine. fn must not block.
func (r *Recorder) Record(fn func(Frame)) error {
	if fn == nil {
		return errors.New("frame callback must be non-nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("recorder is closed")
	}
	if r.src != nil {
		return ErrAlreadyRecording
	}
	if r.cfg.Open == nil {
		return errors.New("recorder has no source")
	}
	src, err := r.cfg.Open()
	if err != nil {
		return err
	}
	done := make(chan struct{})
	r.src = src
	r.done = done
	go r.loop(src, done, fn)
	return nil
}

func (r *Recorder) loop(src io.ReadCloser, done chan struct{}, fn func(Frame)) {
	defer func() {
		r.mu.Lock()
		if r.src == src {
			r.src = nil
			r.done = nil
			_ = src.Close()
		}
		r.mu.Unlock()
		close(done)
	}()
	size := r.cfg.FrameSamples * BytesPerSample
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(src, buf)
		n -= n % BytesPerSample
		if n > 0 {
			pcm := buf[:n]
			r.history.add(pcm)
			fn(Frame{Seq: r.seq.Add(1), PCM: pcm})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.ErrClosedPipe) {
				r.cfg.Logger.Debug("capture stopped", "error", err)
			}
			return
		}
	}
}

// Pause stops capture and closes the source. It waits until the capture goroutine has exited so no
// frame is delivered after Pause returns.
func (r *Recorder) Pause() error {
	r.mu.Lock()
	src, done := r.src, r.done
	r.src = nil
	r.done = nil
	r.mu.Unlock()
	if src == nil {
		return nil
	}
	err := src.Close()
	<-done
	return err
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src != nil
}

// Frequencies analyzes the most recently captured samples.
func (r *Recorder) Frequencies(rng FrequencyRange, buckets int) []float64 {
	return Frequencies(r.history.snapshot(), r.cfg.SampleRateHz, rng, buckets)
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.Pause()
}
