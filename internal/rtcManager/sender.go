package rtcManager

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// backoffDelay is min(initial * 2^attempt, max).
func backoffDelay(attempt int, initial, maxDelay time.Duration) time.Duration {
	d := initial
	for i := 0; i < attempt; i++ {
		if d >= maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// sendOffer delivers an offer. An initial send first waits out the cooldown
// since the last delivered offer of the session; retries do not.
func (m *Manager) sendOffer(ctx context.Context, s *session, offer webrtc.SessionDescription, initial bool) error {
	if initial {
		s.limiter.sendMu.Lock()
		defer s.limiter.sendMu.Unlock()

		if last := s.limiter.last(); !last.IsZero() {
			wait := last.Add(m.cfg.Negotiation.RateLimitCooldown).Sub(m.clock.Now())
			if wait > 0 {
				m.logger.Info("Offer cooldown active, delaying send",
					zap.String("session", s.id), zap.Duration("wait", wait))
				if err := m.sleep(ctx, wait); err != nil {
					return err
				}
			}
		}
	}

	err := m.retrySend(ctx, s, "offer", func(ctx context.Context) error {
		return m.signaler.SendOffer(ctx, s.id, offer)
	})
	if err != nil {
		return err
	}
	s.limiter.record(m.clock.Now())
	m.metrics.OfferSent()
	return nil
}

// sendAnswer delivers an answer with the same retry policy and no cooldown.
func (m *Manager) sendAnswer(ctx context.Context, s *session, answer webrtc.SessionDescription) error {
	err := m.retrySend(ctx, s, "answer", func(ctx context.Context) error {
		return m.signaler.SendAnswer(ctx, s.id, answer)
	})
	if err != nil {
		return err
	}
	m.metrics.AnswerSent()
	return nil
}

// retrySend makes up to Retry.MaxAttempts attempts, waiting
// backoffDelay(attempt) between them.
func (m *Manager) retrySend(ctx context.Context, s *session, kind string, send func(context.Context) error) error {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = m.cfg.Retry.InitialDelay
	ebo.MaxInterval = m.cfg.Retry.MaxDelay
	ebo.Multiplier = 2
	ebo.RandomizationFactor = 0
	ebo.MaxElapsedTime = 0
	ebo.Clock = m.clock
	ebo.Reset()

	retries := uint64(0)
	if m.cfg.Retry.MaxAttempts > 1 {
		retries = uint64(m.cfg.Retry.MaxAttempts - 1)
	}
	b := backoff.WithMaxRetries(backoff.WithContext(ebo, ctx), retries)

	attempt := 0
	op := func() error {
		attempt++
		return send(ctx)
	}
	notify := func(err error, wait time.Duration) {
		m.metrics.SendRetried(kind)
		m.logger.Warn("Signaling send failed, retrying",
			zap.String("session", s.id),
			zap.String("kind", kind),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	}
	return backoff.RetryNotifyWithTimer(op, b, notify, &clockTimer{clock: m.clock})
}
