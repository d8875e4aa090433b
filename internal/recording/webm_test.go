package recording

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikeyg42/peerlink/internal/config"
)

// memFile collects the muxer output. The muxer writes from its own goroutine.
type memFile struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed chan struct{}
}

func newMemFile() *memFile { return &memFile{closed: make(chan struct{})} }

func (f *memFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Write(p)
}

func (f *memFile) Close() error {
	close(f.closed)
	return nil
}

func (f *memFile) bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.buf.Bytes()...)
}

func vp8Packet(ssrc uint32, seq uint16, ts uint32, key bool) *rtp.Packet {
	header := byte(0x01)
	if key {
		header = 0x00
	}
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
			Marker:         true,
		},
		// payload descriptor with the start-of-partition bit, then the frame
		Payload: []byte{0x10, header, 0x9d, 0x01, 0x2a},
	}
}

func opusPacket(seq uint16, ts uint32) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           7,
		},
		Payload: []byte{0xfc, 0xff, 0xfe},
	}
}

func TestWebMSink_WritesFramesFromKeyframe(t *testing.T) {
	out := newMemFile()
	sink, err := NewWebMSink(out, config.NewDefaultConfig().Recording, zap.NewNop())
	require.NoError(t, err)

	// a delta frame before the first key frame cannot be decoded
	require.NoError(t, sink.WriteRTP(webrtc.RTPCodecTypeVideo, vp8Packet(1, 1, 3000, false)))
	require.NoError(t, sink.WriteRTP(webrtc.RTPCodecTypeVideo, vp8Packet(1, 2, 6000, true)))
	for i := 0; i < 4; i++ {
		require.NoError(t, sink.WriteRTP(webrtc.RTPCodecTypeVideo, vp8Packet(1, uint16(3+i), uint32(9000+3000*i), false)))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, sink.WriteRTP(webrtc.RTPCodecTypeAudio, opusPacket(uint16(10+i), uint32(960*i))))
	}

	stats := sink.Stats()
	assert.Equal(t, 1, stats.Dropped)
	assert.GreaterOrEqual(t, stats.VideoFrames, 4)
	assert.GreaterOrEqual(t, stats.AudioFrames, 4)

	require.NoError(t, sink.Close())
	select {
	case <-out.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("underlying writer not closed")
	}
	assert.True(t, bytes.HasPrefix(out.bytes(), []byte{0x1a, 0x45, 0xdf, 0xa3}), "EBML header")

	assert.ErrorIs(t, sink.WriteRTP(webrtc.RTPCodecTypeAudio, opusPacket(20, 9600)), ErrClosed)
	assert.NoError(t, sink.Close())
}

func TestWebMSink_NewStreamWaitsForKeyframe(t *testing.T) {
	sink, err := NewWebMSink(newMemFile(), config.NewDefaultConfig().Recording, zap.NewNop())
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.WriteRTP(webrtc.RTPCodecTypeVideo, vp8Packet(1, 1, 3000, true)))
	require.NoError(t, sink.WriteRTP(webrtc.RTPCodecTypeVideo, vp8Packet(1, 2, 6000, false)))
	before := sink.Stats()

	// rebuilt link: new SSRC, sequence numbers start over
	require.NoError(t, sink.WriteRTP(webrtc.RTPCodecTypeVideo, vp8Packet(2, 500, 90000, false)))
	require.NoError(t, sink.WriteRTP(webrtc.RTPCodecTypeVideo, vp8Packet(2, 501, 93000, false)))

	after := sink.Stats()
	assert.Greater(t, after.Dropped, before.Dropped)
	assert.Equal(t, before.VideoFrames, after.VideoFrames)

	require.NoError(t, sink.WriteRTP(webrtc.RTPCodecTypeVideo, vp8Packet(2, 502, 96000, true)))
	require.NoError(t, sink.WriteRTP(webrtc.RTPCodecTypeVideo, vp8Packet(2, 503, 99000, false)))
	assert.Greater(t, sink.Stats().VideoFrames, after.VideoFrames)
}

func TestWebMSink_IgnoresUnknownKind(t *testing.T) {
	sink, err := NewWebMSink(newMemFile(), config.NewDefaultConfig().Recording, zap.NewNop())
	require.NoError(t, err)
	defer sink.Close()

	assert.NoError(t, sink.WriteRTP(webrtc.RTPCodecType(0), vp8Packet(1, 1, 0, true)))
	assert.Equal(t, Stats{}, sink.Stats())
}

func TestCreate(t *testing.T) {
	cfg := config.NewDefaultConfig().Recording
	cfg.Dir = filepath.Join(t.TempDir(), "nested")

	sink, path, err := Create(cfg, "S1", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, cfg.Dir, filepath.Dir(path))
	assert.Equal(t, ".webm", filepath.Ext(path))
	require.NoError(t, sink.Close())

	assert.Eventually(t, func() bool {
		info, err := os.Stat(path)
		return err == nil && info.Size() > 0
	}, 2*time.Second, 10*time.Millisecond)
}
