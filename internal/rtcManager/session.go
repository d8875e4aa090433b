package rtcManager

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"golang.org/x/time/rate"
)

// session is the engine state for one session id. Every field is guarded by
// Manager.mu unless noted.
type session struct {
	id     string
	ctx    context.Context // cancelled at teardown
	cancel context.CancelFunc
	ice    webrtc.Configuration

	link        Link
	gen         uint64 // bumped whenever link is replaced
	linkCreated time.Time
	senders     map[webrtc.RTPCodecType]*webrtc.RTPSender
	attached    bool

	roomReady bool
	answering bool
	pending   []webrtc.ICECandidateInit

	answerTimer  *clock.Timer
	connectTimer *clock.Timer
	restartTimer *clock.Timer

	reconnect reconnectState
	limiter   *rateLimiterState // shared by every session with this id
	restarts  *rate.Limiter
}

type reconnectState struct {
	attempts  int
	timer     *clock.Timer
	exhausted bool
}

// rateLimiterState tracks the server-enforced offer cooldown. It has its own
// locks because sends happen outside Manager.mu.
type rateLimiterState struct {
	sendMu sync.Mutex // serializes initial offer sends

	mu          sync.Mutex
	lastOfferAt time.Time
}

func (r *rateLimiterState) last() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastOfferAt
}

func (r *rateLimiterState) record(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastOfferAt = t
}

func newSession(id string, ice webrtc.Configuration, limiter *rateLimiterState, restartEvery time.Duration) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:       id,
		ctx:      ctx,
		cancel:   cancel,
		ice:      ice,
		limiter:  limiter,
		restarts: rate.NewLimiter(rate.Every(restartEvery), 1),
	}
}

// offerLimiterLocked returns the cooldown state for id, creating it on first
// use. Entries of other ids whose cooldown has passed are dropped.
func (m *Manager) offerLimiterLocked(id string) *rateLimiterState {
	now := m.clock.Now()
	for other, l := range m.offerLimits {
		if other != id && now.Sub(l.last()) >= m.cfg.Negotiation.RateLimitCooldown {
			delete(m.offerLimits, other)
		}
	}
	l, ok := m.offerLimits[id]
	if !ok {
		l = &rateLimiterState{}
		m.offerLimits[id] = l
	}
	return l
}

func (s *session) stopTimersLocked() {
	stopTimer(&s.answerTimer)
	stopTimer(&s.connectTimer)
	stopTimer(&s.restartTimer)
	stopTimer(&s.reconnect.timer)
}

// current reports whether a continuation captured at (s, gen) may still act.
func (m *Manager) current(s *session, gen uint64) bool {
	return m.session == s && s.gen == gen && s.ctx.Err() == nil
}

// bindContext returns a context cancelled with either ctx or the session.
func bindContext(ctx context.Context, s *session) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
