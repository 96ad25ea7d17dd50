// Package turn drives microphone capture against a realtime session in push-to-talk or server VAD
// mode.
package turn

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/vango-go/voicebook/pkg/audio"
	"github.com/vango-go/voicebook/pkg/core"
	"github.com/vango-go/voicebook/pkg/realtime"
)

// Session is the subset of *realtime.Session the controller drives.
type Session interface {
	AppendInputAudio(pcm []byte)
	CreateResponse() error
	CancelResponse(trackID string, sampleOffset int) error
	SessionOptions() realtime.SessionOptions
	UpdateSession(opts realtime.SessionOptions) error
	OnConversationInterrupted(fn func())
	OnStateChanged(fn func(realtime.ConnState))
}

type Capturer interface {
	Record(fn func(audio.Frame)) error
	Pause() error
	Recording() bool
	Close() error
}

type Playback interface {
	Interrupt() (audio.TrackOffset, bool)
}

// Controller owns the capture device for one session.
type Controller struct {
	session  Session
	capture  Capturer
	playback Playback
	logger   *slog.Logger

	mu        sync.Mutex
	connected bool
	talking   bool
	closed    bool
}

// New wires the controller to session events. Call it before Connect so the first state change is
// observed.
func New(session Session, capture Capturer, playback Playback, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{session: session, capture: capture, playback: playback, logger: logger}
	session.OnConversationInterrupted(c.onInterrupted)
	session.OnStateChanged(c.onStateChanged)
	return c
}

func (c *Controller) Mode() realtime.TurnDetection {
	return c.session.SessionOptions().TurnDetection
}

// Talking reports whether push-to-talk capture is active.
func (c *Controller) Talking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.talking
}

// Start begins a push-to-talk turn: playback is interrupted first so the user never talks over the
// assistant.
func (c *Controller) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return err
	}
	if c.Mode() != realtime.TurnDetectionManual {
		return core.NewInvalidStateError("push-to-talk is only available in manual mode")
	}
	if c.talking {
		return nil
	}
	c.interrupt()
	if err := c.record(); err != nil {
		return err
	}
	c.talking = true
	return nil
}

// Stop ends a push-to-talk turn and requests exactly one response.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.talking {
		return nil
	}
	c.talking = false
	if err := c.capture.Pause(); err != nil {
		c.logger.Warn("pause capture failed", "error", err)
	}
	return c.session.CreateResponse()
}

// SetMode pauses capture, reconfigures turn detection and resumes continuous capture in VAD mode.
func (c *Controller) SetMode(ctx context.Context, mode realtime.TurnDetection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.NewInvalidStateError("controller is closed")
	}
	c.talking = false
	if err := c.capture.Pause(); err != nil {
		c.logger.Warn("pause capture failed", "error", err)
	}
	opts := c.session.SessionOptions()
	opts.TurnDetection = mode
	if err := c.session.UpdateSession(opts); err != nil {
		return err
	}
	if mode == realtime.TurnDetectionServerVAD && c.connected {
		return c.record()
	}
	return nil
}

// Close stops capture and releases the device.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.talking = false
	return c.capture.Close()
}

func (c *Controller) usableLocked() error {
	if c.closed {
		return core.NewInvalidStateError("controller is closed")
	}
	if !c.connected {
		return core.NewInvalidStateError("session is not connected")
	}
	return nil
}

func (c *Controller) record() error {
	err := c.capture.Record(func(f audio.Frame) {
		c.session.AppendInputAudio(f.PCM)
	})
	if errors.Is(err, audio.ErrAlreadyRecording) {
		return nil
	}
	return err
}

// interrupt stops the playing track and cancels the response at the offset the user heard. A
// response that has produced no audible track yet is still cancelled.
func (c *Controller) interrupt() {
	var off audio.TrackOffset
	if c.playback != nil {
		if o, ok := c.playback.Interrupt(); ok {
			off = o
		}
	}
	if err := c.session.CancelResponse(off.TrackID, off.Offset); err != nil {
		c.logger.Warn("cancel response failed", "track_id", off.TrackID, "offset", off.Offset, "error", err)
	}
}

func (c *Controller) onInterrupted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.Mode() != realtime.TurnDetectionServerVAD {
		return
	}
	c.interrupt()
}

func (c *Controller) onStateChanged(state realtime.ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	switch state {
	case realtime.Connected:
		c.connected = true
		if c.Mode() == realtime.TurnDetectionServerVAD {
			if err := c.record(); err != nil {
				c.logger.Warn("start capture failed", "error", err)
			}
		}
	case realtime.Closing, realtime.Disconnected:
		c.connected = false
		c.talking = false
		if err := c.capture.Pause(); err != nil {
			c.logger.Warn("pause capture failed", "error", err)
		}
	}
}
