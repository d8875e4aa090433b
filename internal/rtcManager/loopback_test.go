package rtcManager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikeyg42/peerlink/internal/config"
	"github.com/mikeyg42/peerlink/internal/signaling"
)

// loopSignaler delivers one side's messages to the other manager in order.
type loopSignaler struct {
	mu   sync.Mutex
	peer signaling.Handler

	queue chan func(signaling.Handler)
	done  chan struct{}
}

func newLoopSignaler(t *testing.T) *loopSignaler {
	l := &loopSignaler{
		queue: make(chan func(signaling.Handler), 256),
		done:  make(chan struct{}),
	}
	go func() {
		for {
			select {
			case f := <-l.queue:
				l.mu.Lock()
				peer := l.peer
				l.mu.Unlock()
				f(peer)
			case <-l.done:
				return
			}
		}
	}()
	t.Cleanup(func() { close(l.done) })
	return l
}

func (l *loopSignaler) connect(peer signaling.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peer = peer
}

func (l *loopSignaler) post(ctx context.Context, f func(signaling.Handler)) error {
	select {
	case l.queue <- f:
		return nil
	case <-l.done:
		return signaling.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *loopSignaler) Connected() bool { return true }

func (l *loopSignaler) SendOffer(ctx context.Context, id string, offer webrtc.SessionDescription) error {
	return l.post(ctx, func(h signaling.Handler) { h.OnOffer(id, offer) })
}

func (l *loopSignaler) SendAnswer(ctx context.Context, id string, answer webrtc.SessionDescription) error {
	return l.post(ctx, func(h signaling.Handler) { h.OnAnswer(id, answer) })
}

func (l *loopSignaler) SendCandidate(ctx context.Context, id string, c webrtc.ICECandidateInit) error {
	return l.post(ctx, func(h signaling.Handler) { h.OnCandidate(id, c) })
}

func (l *loopSignaler) SendLinkEnd(context.Context, string) error { return nil }

type noICE struct{}

func (noICE) Configuration(context.Context) webrtc.Configuration { return webrtc.Configuration{} }

func waitConnected(t *testing.T, m *Manager) {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if ev.Kind == EventError {
				t.Fatalf("link error: %v", ev.Err)
			}
			if ev.Kind == EventConnectionState && ev.State == webrtc.PeerConnectionStateConnected.String() {
				return
			}
		case <-deadline:
			t.Fatal("link did not connect")
		}
	}
}

func TestLinkOverLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens UDP sockets")
	}

	cfg := config.NewDefaultConfig()
	cfg.Negotiation.JitterMin = 0
	cfg.Negotiation.JitterMax = 10 * time.Millisecond

	factory := PionLinkFactory(nil, func(se *webrtc.SettingEngine) {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	})

	toB, toA := newLoopSignaler(t), newLoopSignaler(t)
	opts := func(name string) []Option {
		return []Option{
			WithLinkFactory(factory),
			WithICEConfigSource(noICE{}),
			WithLogger(zap.NewNop().Named(name)),
		}
	}
	a := NewManager(cfg, toB, &fakeMedia{}, opts("a")...)
	b := NewManager(cfg, toA, &fakeMedia{}, opts("b")...)
	toB.connect(b)
	toA.connect(a)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, a.StartLink(ctx, "S1"))
	require.NoError(t, b.StartLink(ctx, "S1"))
	a.OnRoomReady("S1")
	b.OnRoomReady("S1")

	require.NoError(t, a.InitiateOffer(ctx))

	waitConnected(t, a)
	waitConnected(t, b)
	assert.Equal(t, 0, a.ReconnectAttempts())
	assert.Equal(t, 0, b.ReconnectAttempts())
}
