package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
)

// Sink receives PCM16 audio at the real-time rate. Reset drops anything the device has buffered.
type Sink interface {
	Write(p []byte) error
	Reset() error
	Close() error
}

// DiscardSink swallows audio; used when no speaker is available.
type DiscardSink struct{}

func (DiscardSink) Write([]byte) error { return nil }
func (DiscardSink) Reset() error       { return nil }
func (DiscardSink) Close() error       { return nil }

// FFmpegMicSource opens the default microphone through ffmpeg, producing mono PCM16 at sampleRateHz.
func FFmpegMicSource(sampleRateHz int) SourceOpener {
	return func() (io.ReadCloser, error) {
		if _, err := exec.LookPath("ffmpeg"); err != nil {
			return nil, errors.New("ffmpeg is required for mic capture (install ffmpeg and ensure it is in PATH)")
		}
		args, err := micFFmpegArgs(runtime.GOOS, sampleRateHz)
		if err != nil {
			return nil, err
		}
		cmd := exec.Command("ffmpeg", args...)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
		}
		cmd.Stderr = io.Discard
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start ffmpeg mic capture: %w", err)
		}
		return &processReader{cmd: cmd, stdout: stdout}, nil
	}
}

func micFFmpegArgs(goos string, sampleRateHz int) ([]string, error) {
	if sampleRateHz <= 0 {
		sampleRateHz = DefaultSampleRateHz
	}
	rate := strconv.Itoa(sampleRateHz)
	switch goos {
	case "darwin":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "avfoundation", "-i", ":0",
			"-ac", "1", "-ar", rate,
			"-f", "s16le", "-",
		}, nil
	case "linux":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "pulse", "-i", "default",
			"-ac", "1", "-ar", rate,
			"-f", "s16le", "-",
		}, nil
	default:
		return nil, fmt.Errorf("mic capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
}

type processReader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	once   sync.Once
}

func (p *processReader) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

func (p *processReader) Close() error {
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}

// FFplaySink plays PCM16 through an ffplay child process. Reset restarts the process so buffered
// audio is dropped immediately.
type FFplaySink struct {
	mu         sync.Mutex
	path       string
	sampleRate int
	cmd        *exec.Cmd
	stdin      io.WriteCloser
}

func NewFFplaySink(sampleRateHz int) (*FFplaySink, error) {
	if _, err := exec.LookPath("ffplay"); err != nil {
		return nil, errors.New("ffplay is required for playback (install ffmpeg/ffplay and ensure it is in PATH)")
	}
	if sampleRateHz <= 0 {
		sampleRateHz = DefaultSampleRateHz
	}
	s := &FFplaySink{path: "ffplay", sampleRate: sampleRateHz}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.startLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FFplaySink) startLocked() error {
	cmd := exec.Command(s.path,
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(s.sampleRate),
		"-ch_layout", "mono",
		"-i", "pipe:0",
	)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		// SDL may otherwise pick a silent dummy backend.
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffplay: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	return nil
}

func (s *FFplaySink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return errors.New("ffplay is not running")
	}
	_, err := s.stdin.Write(p)
	return err
}

func (s *FFplaySink) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return s.startLocked()
}

func (s *FFplaySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

func (s *FFplaySink) stopLocked() {
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	s.cmd = nil
	s.stdin = nil
}
