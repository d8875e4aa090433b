package rtcManager

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/peerlink/internal/config"
	"github.com/mikeyg42/peerlink/internal/metrics"
	"github.com/mikeyg42/peerlink/internal/signaling"
)

// Manager negotiates and maintains the peer link for one session at a time.
// It implements signaling.Handler.
type Manager struct {
	cfg      *config.Config
	signaler signaling.Signaler
	media    MediaSource
	newLink  LinkFactory
	ice      ICEConfigSource
	metrics  *metrics.Collector
	clock    clock.Clock
	logger   *zap.Logger
	random   func() float64

	mu      sync.Mutex
	session *session
	local   LocalMedia
	remote  *RemoteMedia
	quality Quality
	history *qualityHistory
	events  chan Event
	closed  bool

	// offer cooldowns by session id; they survive StartLink
	offerLimits map[string]*rateLimiterState
}

var _ signaling.Handler = (*Manager)(nil)

type Option func(*Manager)

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithMetrics(c *metrics.Collector) Option { return func(m *Manager) { m.metrics = c } }

func WithLinkFactory(f LinkFactory) Option { return func(m *Manager) { m.newLink = f } }

func WithICEConfigSource(src ICEConfigSource) Option { return func(m *Manager) { m.ice = src } }

// WithRemoteSink forwards the partner's RTP packets to sink.
func WithRemoteSink(sink RemoteSink) Option {
	return func(m *Manager) { m.remote.sink = sink }
}

// WithRandom replaces the jitter source; f returns values in [0, 1).
func WithRandom(f func() float64) Option { return func(m *Manager) { m.random = f } }

func NewManager(cfg *config.Config, signaler signaling.Signaler, media MediaSource, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		signaler: signaler,
		media:    media,
		clock:    clock.New(),
		logger:   zap.L().Named("rtc"),
		random:   rand.Float64,
		history:  newQualityHistory(cfg.Quality.HistorySize),
		events:   make(chan Event, eventBuffer),

		offerLimits: make(map[string]*rateLimiterState),
	}
	m.remote = newRemoteMedia(nil, m.logger)
	for _, opt := range opts {
		opt(m)
	}
	m.remote.logger = m.logger
	if m.newLink == nil {
		m.newLink = PionLinkFactory(nil)
	}
	if m.ice == nil {
		m.ice = NewICEServerSource(cfg.ICE, m.logger)
	}
	return m
}

// Events delivers state, quality and error notifications. The channel is
// closed by Close.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Remote exposes the partner's media for rendering.
func (m *Manager) Remote() *RemoteMedia {
	return m.remote
}

func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.id
}

// StartLink tears down any previous session and builds a fresh link for
// sessionID. Negotiation starts with InitiateOffer or an incoming offer.
func (m *Manager) StartLink(ctx context.Context, sessionID string) error {
	m.Teardown()

	iceCfg := m.ice.Configuration(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.session != nil {
		// a concurrent StartLink won
		return fmt.Errorf("session %s started concurrently", m.session.id)
	}

	s := newSession(sessionID, iceCfg, m.offerLimiterLocked(sessionID), m.cfg.Reconnect.ICERestartThrottle)
	if err := m.buildLinkLocked(s); err != nil {
		s.cancel()
		return err
	}
	m.session = s
	m.logger.Info("Link started",
		zap.String("session", sessionID),
		zap.Int("ice_servers", len(iceCfg.ICEServers)))
	return nil
}

// buildLinkLocked creates the link for s, wires its callbacks, re-attaches
// local media and arms the connection timeout.
func (m *Manager) buildLinkLocked(s *session) error {
	link, err := m.newLink(s.ice)
	if err != nil {
		return fmt.Errorf("failed to create link: %w", err)
	}

	s.gen++
	gen := s.gen
	s.link = link
	s.linkCreated = m.clock.Now()
	s.senders = make(map[webrtc.RTPCodecType]*webrtc.RTPSender)
	s.attached = false

	link.OnICECandidate(func(c *webrtc.ICECandidate) { m.handleLocalCandidate(s, gen, c) })
	link.OnConnectionStateChange(func(st webrtc.PeerConnectionState) { m.handleConnectionState(s, gen, st) })
	link.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) { m.handleICEState(s, gen, st) })
	link.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.mu.Lock()
		ok := m.current(s, gen)
		m.mu.Unlock()
		if ok {
			m.remote.attach(track)
		}
	})

	if m.local != nil {
		if err := m.attachLocked(s); err != nil {
			go link.Close()
			return err
		}
	}

	s.connectTimer = m.clock.AfterFunc(m.cfg.Negotiation.ConnectionTimeout, func() {
		m.onConnectTimeout(s, gen)
	})
	return nil
}

// attachLocked adds the local tracks to the current link once.
func (m *Manager) attachLocked(s *session) error {
	if s.attached || m.local == nil {
		return nil
	}
	for _, track := range m.local.Tracks() {
		sender, err := s.link.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		s.senders[track.Kind()] = sender
	}
	s.attached = true
	return nil
}

// ensureLocalMedia acquires local media when absent and attaches it to the
// link captured at gen.
func (m *Manager) ensureLocalMedia(ctx context.Context, s *session, gen uint64) error {
	m.mu.Lock()
	if m.local != nil {
		defer m.mu.Unlock()
		if !m.current(s, gen) {
			return context.Canceled
		}
		return m.attachLocked(s)
	}
	m.mu.Unlock()

	local, err := m.media.Acquire(ctx)
	if err != nil {
		merr := &MediaAcquisitionError{Err: err}
		m.mu.Lock()
		if m.session == s {
			m.failLocked(s, merr, true)
		}
		m.mu.Unlock()
		return merr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != s || s.ctx.Err() != nil {
		local.Stop()
		return context.Canceled
	}
	if m.local == nil {
		m.local = local
	} else {
		local.Stop()
	}
	if s.gen != gen {
		return context.Canceled
	}
	return m.attachLocked(s)
}

// ReplaceLocalMedia swaps the capture stream after a device change. Tracks
// with a matching sender are replaced in place; new kinds are added and
// need a renegotiation.
func (m *Manager) ReplaceLocalMedia(ctx context.Context) error {
	local, err := m.media.Acquire(ctx)
	if err != nil {
		return &MediaAcquisitionError{Err: err}
	}

	m.mu.Lock()
	old := m.local
	m.local = local
	s := m.session
	var renegotiate bool
	if s != nil && s.attached {
		for _, track := range local.Tracks() {
			if sender := s.senders[track.Kind()]; sender != nil {
				if err := sender.ReplaceTrack(track); err != nil {
					m.logger.Warn("Failed to replace track", zap.Error(err))
				}
				continue
			}
			sender, err := s.link.AddTrack(track)
			if err != nil {
				m.logger.Warn("Failed to add track", zap.Error(err))
				continue
			}
			s.senders[track.Kind()] = sender
			renegotiate = true
		}
	} else if s != nil {
		if err := m.attachLocked(s); err != nil {
			m.logger.Warn("Failed to attach replacement media", zap.Error(err))
		}
	}
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	if renegotiate {
		go func() {
			if err := m.InitiateOffer(s.ctx); err != nil {
				m.logger.Warn("Renegotiation after media change failed", zap.Error(err))
			}
		}()
	}
	return nil
}

// InitiateOffer runs the offering side of the handshake. It is a no-op
// while a negotiation is already in progress.
func (m *Manager) InitiateOffer(ctx context.Context) error {
	m.mu.Lock()
	s := m.session
	if s == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	gen := s.gen
	if st := s.link.SignalingState(); st != webrtc.SignalingStateStable {
		m.mu.Unlock()
		m.logger.Debug("Already negotiating, offer skipped",
			zap.String("session", s.id), zap.Stringer("signaling_state", st))
		return nil
	}
	m.mu.Unlock()

	err := m.initiateOffer(ctx, s, gen, false)
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// superseded by teardown or a rebuild
		return nil
	}
	return err
}

// initiateOffer creates, applies and sends an offer for the link at gen.
// A retry skips the room-ready wait, the jitter and the send cooldown.
func (m *Manager) initiateOffer(ctx context.Context, s *session, gen uint64, retry bool) error {
	ctx, cancel := bindContext(ctx, s)
	defer cancel()
	log := m.logger.With(zap.String("session", s.id))

	if err := m.ensureLocalMedia(ctx, s, gen); err != nil {
		return err
	}

	if !retry {
		m.waitRoomReady(ctx, s)
		n := m.cfg.Negotiation
		jitter := n.JitterMin + time.Duration(m.random()*float64(n.JitterMax-n.JitterMin))
		if err := m.sleep(ctx, jitter); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if !m.current(s, gen) {
		m.mu.Unlock()
		return context.Canceled
	}
	st := s.link.SignalingState()
	if retry && st == webrtc.SignalingStateHaveLocalOffer {
		if err := s.link.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			log.Debug("Rollback unsupported, re-offering in place", zap.Error(err))
		} else {
			st = s.link.SignalingState()
		}
	}
	if st != webrtc.SignalingStateStable && !(retry && st == webrtc.SignalingStateHaveLocalOffer) {
		m.mu.Unlock()
		log.Info("Signaling state changed before offer, aborting", zap.Stringer("signaling_state", st))
		return nil
	}
	offer, err := s.link.CreateOffer(nil)
	if err == nil {
		err = s.link.SetLocalDescription(offer)
	}
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}

	if err := m.sendOffer(ctx, s, offer, !retry); err != nil {
		m.mu.Lock()
		if m.current(s, gen) {
			m.failLocked(s, fmt.Errorf("offer not delivered: %w", err), false)
			m.scheduleReconnectLocked(s, "offer send failed")
		}
		m.mu.Unlock()
		return err
	}
	log.Info("Offer sent", zap.Bool("retry", retry))

	m.mu.Lock()
	if m.current(s, gen) && s.link.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		stopTimer(&s.answerTimer)
		s.answerTimer = m.clock.AfterFunc(m.cfg.Negotiation.OfferAnswerTimeout, func() {
			m.onAnswerTimeout(s, gen)
		})
	}
	m.mu.Unlock()
	return nil
}

// waitRoomReady polls for the room-ready signal and proceeds anyway when
// it does not arrive in time.
func (m *Manager) waitRoomReady(ctx context.Context, s *session) {
	ready := func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return s.roomReady
	}
	if ready() {
		return
	}

	n := m.cfg.Negotiation
	ticker := m.clock.Ticker(n.RoomReadyPollInterval)
	defer ticker.Stop()
	deadline := m.clock.Timer(n.RoomReadyTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			m.logger.Warn("Room not ready, offering anyway",
				zap.String("session", s.id), zap.Duration("waited", n.RoomReadyTimeout))
			return
		case <-ticker.C:
			if ready() {
				return
			}
		}
	}
}

func (m *Manager) onAnswerTimeout(s *session, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current(s, gen) || s.link.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return
	}
	s.answerTimer = nil

	if s.reconnect.attempts >= m.cfg.Reconnect.MaxAttempts {
		m.failLocked(s, ErrAnswerTimeout, true)
		return
	}
	s.reconnect.attempts++
	m.logger.Warn("No answer received, re-offering",
		zap.String("session", s.id), zap.Int("attempt", s.reconnect.attempts))

	go func() {
		if err := m.initiateOffer(s.ctx, s, gen, true); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("Offer retry failed", zap.String("session", s.id), zap.Error(err))
		}
	}()
}

// OnOffer handles a remote offer. An offer arriving while our own offer is
// pending is dropped: the first locally applied offer wins.
func (m *Manager) OnOffer(sessionID string, offer webrtc.SessionDescription) {
	m.mu.Lock()
	s := m.session
	if s == nil || s.id != sessionID {
		m.mu.Unlock()
		m.logger.Debug("Offer for unknown session", zap.String("session", sessionID))
		return
	}
	log := m.logger.With(zap.String("session", s.id))
	if err := validateSDP(offer); err != nil {
		m.mu.Unlock()
		log.Warn("Dropping invalid offer", zap.Error(err))
		return
	}

	switch s.link.SignalingState() {
	case webrtc.SignalingStateHaveLocalOffer:
		m.mu.Unlock()
		m.metrics.GlareDiscarded()
		log.Info("Local offer pending, remote offer discarded")
		return
	case webrtc.SignalingStateHaveRemoteOffer:
		m.mu.Unlock()
		log.Debug("Duplicate offer discarded")
		return
	}
	if s.answering {
		m.mu.Unlock()
		log.Debug("Offer already being answered, duplicate discarded")
		return
	}
	s.answering = true
	gen := s.gen
	m.mu.Unlock()

	go m.answerOffer(s, gen, offer)
}

func (m *Manager) answerOffer(s *session, gen uint64, offer webrtc.SessionDescription) {
	log := m.logger.With(zap.String("session", s.id))
	defer func() {
		m.mu.Lock()
		// a rebuild already reset the flag for its own generation
		if s.gen == gen {
			s.answering = false
		}
		m.mu.Unlock()
	}()

	if err := m.ensureLocalMedia(s.ctx, s, gen); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error("Cannot answer without local media", zap.Error(err))
		}
		return
	}

	m.mu.Lock()
	if !m.current(s, gen) {
		m.mu.Unlock()
		return
	}
	if st := s.link.SignalingState(); st != webrtc.SignalingStateStable {
		m.mu.Unlock()
		log.Info("Signaling state changed while acquiring media, offer discarded",
			zap.Stringer("signaling_state", st))
		return
	}
	if err := s.link.SetRemoteDescription(offer); err != nil {
		m.mu.Unlock()
		log.Warn("Failed to apply remote offer", zap.Error(err))
		return
	}
	m.flushCandidatesLocked(s)

	answer, err := s.link.CreateAnswer(nil)
	if err == nil {
		err = s.link.SetLocalDescription(answer)
	}
	m.mu.Unlock()
	if err != nil {
		log.Error("Failed to create answer", zap.Error(err))
		return
	}

	if err := m.sendAnswer(s.ctx, s, answer); err != nil {
		m.mu.Lock()
		if m.current(s, gen) {
			m.failLocked(s, fmt.Errorf("answer not delivered: %w", err), false)
			m.scheduleReconnectLocked(s, "answer send failed")
		}
		m.mu.Unlock()
		return
	}
	log.Info("Answer sent")
}

// OnAnswer applies the partner's answer to our pending offer.
func (m *Manager) OnAnswer(sessionID string, answer webrtc.SessionDescription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	if s == nil || s.id != sessionID {
		m.logger.Debug("Answer for unknown session", zap.String("session", sessionID))
		return
	}
	log := m.logger.With(zap.String("session", s.id))
	if err := validateSDP(answer); err != nil {
		log.Warn("Dropping invalid answer", zap.Error(err))
		return
	}
	if st := s.link.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		log.Debug("Answer without pending offer ignored", zap.Stringer("signaling_state", st))
		return
	}

	stopTimer(&s.answerTimer)
	if err := s.link.SetRemoteDescription(answer); err != nil {
		log.Warn("Failed to apply remote answer", zap.Error(err))
		return
	}
	m.flushCandidatesLocked(s)
}

// OnRoomReady records that both participants joined the session.
func (m *Manager) OnRoomReady(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.session; s != nil && s.id == sessionID {
		s.roomReady = true
	}
}

func (m *Manager) handleLocalCandidate(s *session, gen uint64, c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	m.mu.Lock()
	ok := m.current(s, gen)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := m.signaler.SendCandidate(s.ctx, s.id, c.ToJSON()); err != nil {
		m.logger.Debug("Failed to trickle local candidate", zap.String("session", s.id), zap.Error(err))
	}
}

func (m *Manager) handleConnectionState(s *session, gen uint64, st webrtc.PeerConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current(s, gen) {
		return
	}
	m.logger.Info("Connection state changed", zap.String("session", s.id), zap.Stringer("state", st))
	m.emitLocked(Event{Kind: EventConnectionState, SessionID: s.id, State: st.String()})

	switch st {
	case webrtc.PeerConnectionStateConnected:
		m.onConnectedLocked(s)
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		m.scheduleReconnectLocked(s, "connection "+st.String())
	}
}

func (m *Manager) handleICEState(s *session, gen uint64, st webrtc.ICEConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current(s, gen) {
		return
	}
	m.logger.Debug("ICE state changed", zap.String("session", s.id), zap.Stringer("state", st))
	m.emitLocked(Event{Kind: EventICEState, SessionID: s.id, State: st.String()})

	if m.assessQualityLocked(s, st) {
		m.scheduleReconnectLocked(s, "ice "+st.String())
	}
}

func (m *Manager) onConnectedLocked(s *session) {
	if s.connectTimer != nil {
		m.metrics.Connected(m.clock.Since(s.linkCreated))
	}
	stopTimer(&s.connectTimer)
	stopTimer(&s.reconnect.timer)
	s.reconnect.attempts = 0
}

// onConnectTimeout fails a link that never reached connected. The error is
// reported as non-fatal and the link goes to the reconnect controller like
// any other failure; only exhausting the reconnect attempts is fatal.
func (m *Manager) onConnectTimeout(s *session, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current(s, gen) {
		return
	}
	s.connectTimer = nil
	if s.link.ConnectionState() == webrtc.PeerConnectionStateConnected {
		return
	}
	m.failLocked(s, ErrConnectionTimeout, false)
	m.scheduleReconnectLocked(s, "connection timeout")
}

// ReconnectAttempts returns the attempt counter of the current session.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return 0
	}
	return m.session.reconnect.attempts
}

// Teardown ends the current session: timers stop, the link closes, local
// media is released and the partner is told the link ended. Calling it
// again is a no-op.
func (m *Manager) Teardown() {
	m.mu.Lock()
	s := m.session
	m.session = nil
	local := m.local
	m.local = nil
	if s != nil {
		s.cancel()
		s.stopTimersLocked()
		s.pending = nil
		m.quality = QualityPoor
		m.history.Clear()
		m.metrics.SetQuality(int(QualityPoor))
	}
	m.mu.Unlock()

	if local != nil {
		local.Stop()
	}
	if s == nil {
		return
	}

	if err := s.link.Close(); err != nil {
		m.logger.Warn("Failed to close link", zap.String("session", s.id), zap.Error(err))
	}
	m.remote.reset()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Signaling.WriteTimeout)
	defer cancel()
	if err := m.signaler.SendLinkEnd(ctx, s.id); err != nil {
		m.logger.Debug("link-end not delivered", zap.String("session", s.id), zap.Error(err))
	}
	m.logger.Info("Link torn down", zap.String("session", s.id))
}

// Close tears down and stops event delivery.
func (m *Manager) Close() {
	m.Teardown()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
}
