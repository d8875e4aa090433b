// Package recording keeps a local WebM copy of the partner's stream.
package recording

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/at-wat/ebml-go/webm"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
	"go.uber.org/zap"

	"github.com/mikeyg42/peerlink/internal/config"
	"github.com/mikeyg42/peerlink/internal/rtcManager"
)

var ErrClosed = errors.New("recording: sink closed")

const (
	videoTrackNumber = 1
	audioTrackNumber = 2

	videoClockRate = 90000

	finalizeTimeout = 5 * time.Second
)

// Stats counts the frames written per kind.
type Stats struct {
	VideoFrames int
	AudioFrames int
	Dropped     int
}

// WebMSink depacketizes VP8 and Opus RTP and muxes the frames into one WebM
// file. It is safe for concurrent use by the audio and video pumps.
type WebMSink struct {
	mu     sync.Mutex
	closed bool
	video  *trackWriter
	audio  *trackWriter
	stats  Stats
	file   *signalCloser
	logger *zap.Logger
}

// signalCloser reports when the muxer has released the output.
type signalCloser struct {
	io.WriteCloser
	once sync.Once
	err  error
	done chan struct{}
}

func (c *signalCloser) Close() error {
	c.once.Do(func() {
		c.err = c.WriteCloser.Close()
		close(c.done)
	})
	return c.err
}

var _ rtcManager.RemoteSink = (*WebMSink)(nil)

type trackWriter struct {
	out        webm.BlockWriteCloser
	newBuilder func() *samplebuilder.SampleBuilder
	builder    *samplebuilder.SampleBuilder
	ssrc       uint32
	elapsed    time.Duration
	keyed      bool
	video      bool
}

// Create opens a timestamped file in cfg.Dir and returns a sink writing to it.
func Create(cfg config.RecordingConfig, sessionID string, logger *zap.Logger) (*WebMSink, string, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create recording directory: %w", err)
	}
	safe := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			return r
		}
		return '_'
	}, sessionID)
	name := fmt.Sprintf("peerlink_%s_%s.webm", safe, time.Now().Format("2006-01-02_15-04-05"))
	path := filepath.Join(cfg.Dir, name)

	file, err := os.Create(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create recording file: %w", err)
	}
	sink, err := NewWebMSink(file, cfg, logger)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, "", err
	}
	return sink, path, nil
}

// NewWebMSink writes a two-track WebM stream to w. w is closed by Close.
func NewWebMSink(w io.WriteCloser, cfg config.RecordingConfig, logger *zap.Logger) (*WebMSink, error) {
	if logger == nil {
		logger = zap.L().Named("recording")
	}
	file := &signalCloser{WriteCloser: w, done: make(chan struct{})}
	writers, err := webm.NewSimpleBlockWriter(file, []webm.TrackEntry{
		{
			Name:        "Video",
			TrackNumber: videoTrackNumber,
			TrackUID:    12345,
			CodecID:     "V_VP8",
			TrackType:   1,
			Video: &webm.Video{
				PixelWidth:  uint64(cfg.Width),
				PixelHeight: uint64(cfg.Height),
			},
		},
		{
			Name:        "Audio",
			TrackNumber: audioTrackNumber,
			TrackUID:    67890,
			CodecID:     "A_OPUS",
			TrackType:   2,
			Audio: &webm.Audio{
				SamplingFrequency: float64(cfg.SampleRate),
				Channels:          uint64(cfg.Channels),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create WebM writer: %w", err)
	}

	return &WebMSink{
		video: &trackWriter{
			out:   writers[0],
			video: true,
			newBuilder: func() *samplebuilder.SampleBuilder {
				return samplebuilder.New(cfg.MaxLateness, &codecs.VP8Packet{}, videoClockRate)
			},
		},
		audio: &trackWriter{
			out: writers[1],
			newBuilder: func() *samplebuilder.SampleBuilder {
				return samplebuilder.New(cfg.MaxLateness, &codecs.OpusPacket{}, uint32(cfg.SampleRate))
			},
		},
		file:   file,
		logger: logger,
	}, nil
}

// WriteRTP buffers pkt and writes every frame it completes.
func (s *WebMSink) WriteRTP(kind webrtc.RTPCodecType, pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var tw *trackWriter
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		tw = s.video
	case webrtc.RTPCodecTypeAudio:
		tw = s.audio
	default:
		return nil
	}

	// a rebuilt link starts a new RTP stream
	if tw.builder == nil || tw.ssrc != pkt.SSRC {
		if tw.builder != nil {
			s.logger.Debug("Remote stream restarted", zap.Stringer("kind", kind), zap.Uint32("ssrc", pkt.SSRC))
		}
		tw.builder = tw.newBuilder()
		tw.ssrc = pkt.SSRC
		tw.keyed = false
	}

	tw.builder.Push(pkt)
	for sample := tw.builder.Pop(); sample != nil; sample = tw.builder.Pop() {
		keyframe := false
		if tw.video {
			// VP8 payload header: bit 0 clear marks a key frame
			keyframe = len(sample.Data) > 0 && sample.Data[0]&0x01 == 0
			if !keyframe && !tw.keyed {
				s.stats.Dropped++
				continue
			}
			tw.keyed = true
		}

		if _, err := tw.out.Write(keyframe, int64(tw.elapsed/time.Millisecond), sample.Data); err != nil {
			return fmt.Errorf("failed to write %s frame: %w", kind, err)
		}
		tw.elapsed += sample.Duration

		if tw.video {
			s.stats.VideoFrames++
		} else {
			s.stats.AudioFrames++
		}
	}
	return nil
}

// Stats returns the frame counters so far.
func (s *WebMSink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close finalizes both tracks and returns once the output has been closed.
func (s *WebMSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	err := errors.Join(s.video.out.Close(), s.audio.out.Close())
	// the muxer flushes and closes the output from its own goroutine
	select {
	case <-s.file.done:
	case <-time.After(finalizeTimeout):
		s.logger.Warn("Muxer did not release the output, closing it")
	}
	return errors.Join(err, s.file.Close())
}
