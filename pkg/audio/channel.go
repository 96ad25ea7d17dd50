package audio

import (
	"context"
	"errors"
	"log/slog"
)

// ChannelConfig selects the devices behind a Channel. A nil Open or Sink falls back to ffmpeg/ffplay
// unless the matching Disable flag is set.
type ChannelConfig struct {
	SampleRateHz   int
	Open           SourceOpener
	Sink           Sink
	DisableMic     bool
	DisableSpeaker bool
	Logger         *slog.Logger
}

// Channel pairs one Recorder and one Player at the same sample rate.
type Channel struct {
	Recorder *Recorder
	Player   *Player
}

func NewChannel(ctx context.Context, cfg ChannelConfig) (*Channel, error) {
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = DefaultSampleRateHz
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	open := cfg.Open
	if open == nil && !cfg.DisableMic {
		open = FFmpegMicSource(cfg.SampleRateHz)
	}
	sink := cfg.Sink
	if sink == nil {
		if cfg.DisableSpeaker {
			sink = DiscardSink{}
		} else {
			s, err := NewFFplaySink(cfg.SampleRateHz)
			if err != nil {
				return nil, err
			}
			sink = s
		}
	}

	ch := &Channel{
		Recorder: NewRecorder(RecorderConfig{SampleRateHz: cfg.SampleRateHz, Open: open, Logger: cfg.Logger}),
		Player:   NewPlayer(PlayerConfig{SampleRateHz: cfg.SampleRateHz, Sink: sink, Logger: cfg.Logger}),
	}
	ch.Player.Start(ctx)
	return ch, nil
}

// Close releases both devices.
func (c *Channel) Close() error {
	return errors.Join(c.Recorder.Close(), c.Player.Close())
}
