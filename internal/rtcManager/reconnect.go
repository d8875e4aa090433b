package rtcManager

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// scheduleReconnectLocked reacts to a failure report. Reports arriving while
// a rebuild is already pending are folded into it.
func (m *Manager) scheduleReconnectLocked(s *session, reason string) {
	rc := &s.reconnect
	log := m.logger.With(zap.String("session", s.id), zap.String("reason", reason))

	if rc.exhausted {
		return
	}
	if rc.timer != nil {
		log.Debug("Reconnect already pending")
		return
	}
	if rc.attempts >= m.cfg.Reconnect.MaxAttempts {
		rc.exhausted = true
		stopTimer(&s.answerTimer)
		stopTimer(&s.restartTimer)
		m.metrics.ReconnectsExhausted()
		m.failLocked(s, ErrReconnectExhausted, true)
		return
	}

	delay := backoffDelay(rc.attempts, m.cfg.Reconnect.InitialDelay, m.cfg.Reconnect.MaxDelay)
	rc.attempts++
	gen := s.gen
	rc.timer = m.clock.AfterFunc(delay, func() { m.runReconnect(s, gen) })

	m.metrics.ReconnectScheduled()
	log.Warn("Reconnect scheduled", zap.Int("attempt", rc.attempts), zap.Duration("delay", delay))
	m.emitLocked(Event{
		Kind:      EventReconnectScheduled,
		SessionID: s.id,
		Attempt:   rc.attempts,
		Delay:     delay,
		State:     reason,
	})
}

// runReconnect rebuilds the link and negotiates again. While the signaling
// channel is down the attempt is deferred without being consumed.
func (m *Manager) runReconnect(s *session, gen uint64) {
	m.mu.Lock()
	if !m.current(s, gen) {
		m.mu.Unlock()
		return
	}
	s.reconnect.timer = nil
	log := m.logger.With(zap.String("session", s.id), zap.Int("attempt", s.reconnect.attempts))

	if !m.signaler.Connected() {
		delay := backoffDelay(s.reconnect.attempts-1, m.cfg.Reconnect.InitialDelay, m.cfg.Reconnect.MaxDelay)
		s.reconnect.timer = m.clock.AfterFunc(delay, func() { m.runReconnect(s, gen) })
		m.mu.Unlock()
		log.Info("Signaling unavailable, reconnect deferred", zap.Duration("delay", delay))
		return
	}

	old := s.link
	stopTimer(&s.answerTimer)
	stopTimer(&s.connectTimer)
	stopTimer(&s.restartTimer)
	s.pending = nil
	s.answering = false
	s.roomReady = false
	m.remote.reset()

	// bump the generation first so the closing link's callbacks are stale
	s.gen++
	err := m.buildLinkLocked(s)
	if err != nil {
		m.failLocked(s, err, false)
		m.scheduleReconnectLocked(s, "rebuild failed")
	}
	newGen := s.gen
	m.mu.Unlock()

	// pion may run state callbacks from Close, so it happens unlocked
	if cerr := old.Close(); cerr != nil {
		log.Debug("Error closing previous link", zap.Error(cerr))
	}
	if err != nil {
		return
	}

	log.Info("Link rebuilt, renegotiating")
	if err := m.initiateOffer(s.ctx, s, newGen, false); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("Renegotiation after rebuild failed", zap.Error(err))
	}
}

// OnNetworkChange schedules an in-place ICE restart once the host network
// has settled. Restarts are throttled per session.
func (m *Manager) OnNetworkChange(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	if s == nil || s.reconnect.exhausted {
		return
	}
	gen := s.gen
	stopTimer(&s.restartTimer)
	s.restartTimer = m.clock.AfterFunc(m.cfg.Reconnect.ICERestartSettleDelay, func() {
		m.restartICE(s, gen, reason)
	})
	m.logger.Debug("Network change observed", zap.String("session", s.id), zap.String("reason", reason))
}

func (m *Manager) restartICE(s *session, gen uint64, reason string) {
	m.mu.Lock()
	if !m.current(s, gen) {
		m.mu.Unlock()
		return
	}
	s.restartTimer = nil
	log := m.logger.With(zap.String("session", s.id), zap.String("reason", reason))

	switch s.link.ConnectionState() {
	case webrtc.PeerConnectionStateConnected, webrtc.PeerConnectionStateConnecting:
	default:
		m.mu.Unlock()
		return
	}
	if s.link.SignalingState() != webrtc.SignalingStateStable {
		m.mu.Unlock()
		log.Debug("Negotiation in progress, ICE restart skipped")
		return
	}
	if !s.restarts.AllowN(m.clock.Now(), 1) {
		m.mu.Unlock()
		log.Debug("ICE restart throttled")
		return
	}

	offer, err := s.link.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err == nil {
		err = s.link.SetLocalDescription(offer)
	}
	m.mu.Unlock()
	if err != nil {
		log.Warn("Failed to create ICE restart offer", zap.Error(err))
		return
	}

	m.metrics.ICERestarted()
	log.Info("Restarting ICE after network change")
	if err := m.sendOffer(s.ctx, s, offer, true); err != nil {
		log.Warn("ICE restart offer not delivered", zap.Error(err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current(s, gen) && s.link.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		stopTimer(&s.answerTimer)
		s.answerTimer = m.clock.AfterFunc(m.cfg.Negotiation.OfferAnswerTimeout, func() {
			m.onAnswerTimeout(s, gen)
		})
	}
}
