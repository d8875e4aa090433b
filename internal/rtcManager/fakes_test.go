package rtcManager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mikeyg42/peerlink/internal/config"
	"github.com/mikeyg42/peerlink/internal/metrics"
)

// testSDP is a minimal description that passes validateSDP. version keeps
// successive offers distinguishable.
func testSDP(version int) string {
	return strings.Join([]string{
		"v=0",
		fmt.Sprintf("o=- 4215775240449105457 %d IN IP4 127.0.0.1", version),
		"s=-",
		"t=0 0",
		"a=fingerprint:sha-256 4A:AD:B9:B1:3F:82:18:3B:54:02:12:DF:3E:5D:49:6B:19:E5:7C:AB:4B:E6:57:A9:F4:2B:95:2E:2E:0E:5B:9C",
		"m=video 9 UDP/TLS/RTP/SAVPF 96",
		"c=IN IP4 0.0.0.0",
		"a=ice-ufrag:peer",
		"a=ice-pwd:0123456789abcdef01234567",
		"a=mid:0",
		"a=sendrecv",
		"a=rtpmap:96 VP8/90000",
	}, "\r\n") + "\r\n"
}

func remoteOffer(version int) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP(version)}
}

func remoteAnswer(version int) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP(version)}
}

func candidate(n int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.%d 5000 typ host", n, n),
	}
}

// fakeLink models the signaling state machine of a peer connection.
type fakeLink struct {
	mu         sync.Mutex
	signaling  webrtc.SignalingState
	conn       webrtc.PeerConnectionState
	ice        webrtc.ICEConnectionState
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	stats      webrtc.StatsReport
	offers     int
	restarts   int
	closed     bool

	candidateErr error

	onCandidate func(*webrtc.ICECandidate)
	onConn      func(webrtc.PeerConnectionState)
	onICE       func(webrtc.ICEConnectionState)
}

var _ Link = (*fakeLink)(nil)

func newFakeLink() *fakeLink {
	return &fakeLink{
		signaling: webrtc.SignalingStateStable,
		conn:      webrtc.PeerConnectionStateNew,
		ice:       webrtc.ICEConnectionStateNew,
	}
}

func (l *fakeLink) SignalingState() webrtc.SignalingState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.signaling
}

func (l *fakeLink) ConnectionState() webrtc.PeerConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

func (l *fakeLink) ICEConnectionState() webrtc.ICEConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ice
}

func (l *fakeLink) RemoteDescription() *webrtc.SessionDescription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remote
}

func (l *fakeLink) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return webrtc.SessionDescription{}, errors.New("link closed")
	}
	l.offers++
	if opts != nil && opts.ICERestart {
		l.restarts++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP(100 + l.offers)}, nil
}

func (l *fakeLink) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP(200)}, nil
}

func (l *fakeLink) SetLocalDescription(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case desc.Type == webrtc.SDPTypeOffer &&
		(l.signaling == webrtc.SignalingStateStable || l.signaling == webrtc.SignalingStateHaveLocalOffer):
		l.signaling = webrtc.SignalingStateHaveLocalOffer
	case desc.Type == webrtc.SDPTypeAnswer && l.signaling == webrtc.SignalingStateHaveRemoteOffer:
		l.signaling = webrtc.SignalingStateStable
	case desc.Type == webrtc.SDPTypeRollback && l.signaling == webrtc.SignalingStateHaveLocalOffer:
		l.signaling = webrtc.SignalingStateStable
		l.local = nil
		return nil
	default:
		return fmt.Errorf("cannot set local %s in %s", desc.Type, l.signaling)
	}
	l.local = &desc
	return nil
}

func (l *fakeLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case desc.Type == webrtc.SDPTypeOffer && l.signaling == webrtc.SignalingStateStable:
		l.signaling = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && l.signaling == webrtc.SignalingStateHaveLocalOffer:
		l.signaling = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("cannot set remote %s in %s", desc.Type, l.signaling)
	}
	l.remote = &desc
	return nil
}

func (l *fakeLink) AddICECandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.candidateErr != nil {
		err := l.candidateErr
		l.candidateErr = nil
		return err
	}
	if l.remote == nil {
		return fmt.Errorf("add candidate: %w", webrtc.ErrNoRemoteDescription)
	}
	l.candidates = append(l.candidates, c)
	return nil
}

func (l *fakeLink) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tracks = append(l.tracks, track)
	return nil, nil
}

func (l *fakeLink) GetStats() webrtc.StatsReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func (l *fakeLink) OnICECandidate(f func(*webrtc.ICECandidate)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCandidate = f
}

func (l *fakeLink) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onConn = f
}

func (l *fakeLink) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onICE = f
}

func (l *fakeLink) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.conn = webrtc.PeerConnectionStateClosed
	return nil
}

func (l *fakeLink) setConnection(st webrtc.PeerConnectionState) {
	l.mu.Lock()
	l.conn = st
	f := l.onConn
	l.mu.Unlock()
	if f != nil {
		f(st)
	}
}

func (l *fakeLink) setICE(st webrtc.ICEConnectionState) {
	l.mu.Lock()
	l.ice = st
	f := l.onICE
	l.mu.Unlock()
	if f != nil {
		f(st)
	}
}

func (l *fakeLink) fail() {
	l.setICE(webrtc.ICEConnectionStateFailed)
	l.setConnection(webrtc.PeerConnectionStateFailed)
}

func (l *fakeLink) gatherLocal(c *webrtc.ICECandidate) {
	l.mu.Lock()
	f := l.onCandidate
	l.mu.Unlock()
	if f != nil {
		f(c)
	}
}

func (l *fakeLink) appliedCandidates() []webrtc.ICECandidateInit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), l.candidates...)
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) hasRemote() bool {
	return l.RemoteDescription() != nil
}

type sent struct {
	at        time.Time
	sessionID string
	desc      webrtc.SessionDescription
}

// fakeSignaler records outbound messages against the mock clock.
type fakeSignaler struct {
	mu         sync.Mutex
	clock      clock.Clock
	connected  bool
	failOffers int

	offerAttempts []time.Time
	offers        []sent
	answers       []sent
	candidates    []webrtc.ICECandidateInit
	linkEnds      []string
}

func (f *fakeSignaler) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSignaler) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakeSignaler) SendOffer(_ context.Context, sessionID string, offer webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offerAttempts = append(f.offerAttempts, f.clock.Now())
	if f.failOffers > 0 {
		f.failOffers--
		return errors.New("relay unavailable")
	}
	f.offers = append(f.offers, sent{at: f.clock.Now(), sessionID: sessionID, desc: offer})
	return nil
}

func (f *fakeSignaler) SendAnswer(_ context.Context, sessionID string, answer webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, sent{at: f.clock.Now(), sessionID: sessionID, desc: answer})
	return nil
}

func (f *fakeSignaler) SendCandidate(_ context.Context, _ string, c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeSignaler) SendLinkEnd(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkEnds = append(f.linkEnds, sessionID)
	return nil
}

func (f *fakeSignaler) sentOffers() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.offers...)
}

func (f *fakeSignaler) sentAnswers() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.answers...)
}

func (f *fakeSignaler) attempts() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.offerAttempts...)
}

func (f *fakeSignaler) ended() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.linkEnds...)
}

type fakeLocal struct {
	mu      sync.Mutex
	tracks  []webrtc.TrackLocal
	stopped int
}

func (l *fakeLocal) Tracks() []webrtc.TrackLocal { return l.tracks }

func (l *fakeLocal) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped++
}

func (l *fakeLocal) stops() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// fakeMedia hands out one video track. A non-nil gate blocks Acquire until
// it is closed.
type fakeMedia struct {
	mu       sync.Mutex
	err      error
	gate     chan struct{}
	acquired []*fakeLocal
}

func (f *fakeMedia) Acquire(ctx context.Context) (LocalMedia, error) {
	f.mu.Lock()
	gate, err := f.gate, f.err
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "peerlink")
	if err != nil {
		return nil, err
	}
	local := &fakeLocal{tracks: []webrtc.TrackLocal{track}}
	f.mu.Lock()
	f.acquired = append(f.acquired, local)
	f.mu.Unlock()
	return local, nil
}

func (f *fakeMedia) last() *fakeLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.acquired) == 0 {
		return nil
	}
	return f.acquired[len(f.acquired)-1]
}

type staticICE struct{}

func (staticICE) Configuration(context.Context) webrtc.Configuration {
	return webrtc.Configuration{ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:127.0.0.1:3478"}}}}
}

// harness wires a Manager to fakes and a mock clock. Jitter is disabled so
// offers go out without registering sleep timers.
type harness struct {
	t      *testing.T
	cfg    *config.Config
	clock  *clock.Mock
	sig    *fakeSignaler
	media  *fakeMedia
	mgr    *Manager
	logs   *observer.ObservedLogs
	reg    *prometheus.Registry
	events []Event

	mu    sync.Mutex
	links []*fakeLink
}

func newHarness(t *testing.T, tweak ...func(*config.Config)) *harness {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Negotiation.JitterMin = 0
	cfg.Negotiation.JitterMax = 0
	for _, f := range tweak {
		f(cfg)
	}

	core, logs := observer.New(zap.DebugLevel)
	h := &harness{
		t:     t,
		cfg:   cfg,
		clock: clock.NewMock(),
		media: &fakeMedia{},
		logs:  logs,
		reg:   prometheus.NewRegistry(),
	}
	h.sig = &fakeSignaler{clock: h.clock, connected: true}

	factory := func(webrtc.Configuration) (Link, error) {
		l := newFakeLink()
		h.mu.Lock()
		h.links = append(h.links, l)
		h.mu.Unlock()
		return l, nil
	}
	h.mgr = NewManager(cfg, h.sig, h.media,
		WithClock(h.clock),
		WithLogger(zap.New(core)),
		WithMetrics(metrics.NewCollector(h.reg)),
		WithLinkFactory(factory),
		WithICEConfigSource(staticICE{}),
		WithRandom(func() float64 { return 0 }),
	)
	t.Cleanup(h.mgr.Close)
	return h
}

func (h *harness) start(id string) *fakeLink {
	h.t.Helper()
	require.NoError(h.t, h.mgr.StartLink(context.Background(), id))
	return h.link()
}

func (h *harness) link() *fakeLink {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.links) == 0 {
		return nil
	}
	return h.links[len(h.links)-1]
}

func (h *harness) linkCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.links)
}

// offer runs the offering side to the point where the offer is sent.
func (h *harness) offer(id string) *fakeLink {
	h.t.Helper()
	l := h.start(id)
	h.mgr.OnRoomReady(id)
	require.NoError(h.t, h.mgr.InitiateOffer(context.Background()))
	require.Len(h.t, h.sig.sentOffers(), 1)
	return l
}

func (h *harness) pendingCandidates() int {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()
	if h.mgr.session == nil {
		return 0
	}
	return len(h.mgr.session.pending)
}

// drain moves queued events into h.events without blocking.
func (h *harness) drain() []Event {
	for {
		select {
		case ev, ok := <-h.mgr.Events():
			if !ok {
				return h.events
			}
			h.events = append(h.events, ev)
		default:
			return h.events
		}
	}
}

func (h *harness) eventsOf(kind EventKind) []Event {
	var out []Event
	for _, ev := range h.drain() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// advanceUntil moves the mock clock in steps until cond holds.
func (h *harness) advanceUntil(step time.Duration, cond func() bool) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		if cond() {
			return true
		}
		h.clock.Add(step)
		return cond()
	}, 5*time.Second, time.Millisecond)
}
