package devices

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/peerlink/internal/config"
	"github.com/mikeyg42/peerlink/internal/rtcManager"
)

// Capture opens the selected devices through mediadevices and encodes with
// the given codec selector.
type Capture struct {
	selection Selection
	cfg       config.DevicesConfig
	codecs    *mediadevices.CodecSelector
	logger    *zap.Logger

	getUserMedia func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
}

var _ rtcManager.MediaSource = (*Capture)(nil)

func NewCapture(sel Selection, cfg config.DevicesConfig, codecs *mediadevices.CodecSelector, logger *zap.Logger) *Capture {
	if logger == nil {
		logger = zap.L().Named("devices")
	}
	return &Capture{
		selection:    sel,
		cfg:          cfg,
		codecs:       codecs,
		logger:       logger,
		getUserMedia: mediadevices.GetUserMedia,
	}
}

func (c *Capture) constraints() mediadevices.MediaStreamConstraints {
	constraints := mediadevices.MediaStreamConstraints{Codec: c.codecs}

	if cam := c.selection.Camera; cam != nil && !c.cfg.AudioOnly {
		constraints.Video = func(tc *mediadevices.MediaTrackConstraints) {
			tc.DeviceID = prop.String(cam.DeviceID)
			tc.Width = prop.Int(c.cfg.Width)
			tc.Height = prop.Int(c.cfg.Height)
			tc.FrameRate = prop.Float(c.cfg.FrameRate)
			tc.DiscardFramesOlderThan = 500 * time.Millisecond
		}
	}
	if mic := c.selection.Microphone; mic != nil {
		constraints.Audio = func(tc *mediadevices.MediaTrackConstraints) {
			tc.DeviceID = prop.String(mic.DeviceID)
			tc.SampleRate = prop.Int(48000)
			tc.ChannelCount = prop.Int(1)
			tc.Latency = prop.Duration(50 * time.Millisecond)
		}
	}
	return constraints
}

// Acquire opens the devices. mediadevices cannot be interrupted, so ctx is
// only checked before the call.
func (c *Capture) Acquire(ctx context.Context) (rtcManager.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	constraints := c.constraints()
	if constraints.Video == nil && constraints.Audio == nil {
		return nil, ErrNoDevices
	}

	start := time.Now()
	stream, err := c.getUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media (%s): %w", c.selection, err)
	}

	media := &streamMedia{stream: stream}
	c.logger.Info("Local media acquired",
		zap.Int("tracks", len(stream.GetTracks())),
		zap.Bool("video", constraints.Video != nil),
		zap.Duration("took", time.Since(start)))
	return media, nil
}

// streamMedia adapts a mediadevices stream to rtcManager.LocalMedia.
type streamMedia struct {
	stream mediadevices.MediaStream
}

func (s *streamMedia) Tracks() []webrtc.TrackLocal {
	tracks := s.stream.GetTracks()
	out := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
	}
	return out
}

func (s *streamMedia) Stop() {
	for _, t := range s.stream.GetTracks() {
		t.Close()
	}
}
