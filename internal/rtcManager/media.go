package rtcManager

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// LocalMedia is the captured audio/video stream owned by the manager.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}

// MediaSource opens the capture devices.
type MediaSource interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}

// RemoteSink consumes packets of the partner's stream, typically a renderer.
type RemoteSink interface {
	WriteRTP(kind webrtc.RTPCodecType, pkt *rtp.Packet) error
}

// RemoteMedia collects the partner's tracks and forwards their packets to a sink.
type RemoteMedia struct {
	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
	sink   RemoteSink
	logger *zap.Logger
}

func newRemoteMedia(sink RemoteSink, logger *zap.Logger) *RemoteMedia {
	return &RemoteMedia{sink: sink, logger: logger}
}

// Tracks returns the remote tracks of the current link.
func (r *RemoteMedia) Tracks() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), r.tracks...)
}

func (r *RemoteMedia) attach(track *webrtc.TrackRemote) {
	r.mu.Lock()
	r.tracks = append(r.tracks, track)
	sink := r.sink
	r.mu.Unlock()

	r.logger.Info("Remote track added",
		zap.String("kind", track.Kind().String()),
		zap.String("codec", track.Codec().MimeType))

	// the track must be read even without a sink so the interceptors keep running
	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					r.logger.Debug("Remote track ended", zap.Error(err))
				}
				return
			}
			if sink == nil {
				continue
			}
			if err := sink.WriteRTP(track.Kind(), pkt); err != nil {
				r.logger.Warn("Remote sink rejected packet", zap.Error(err))
				return
			}
		}
	}()
}

// reset forgets the tracks of a closed link.
func (r *RemoteMedia) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks = nil
}
