package rtcManager

import (
	"errors"
	"strings"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// OnCandidate applies a remote ICE candidate, or queues it until the remote
// description is set.
func (m *Manager) OnCandidate(sessionID string, candidate webrtc.ICECandidateInit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	if s == nil || s.id != sessionID {
		m.logger.Debug("Candidate for unknown session", zap.String("session", sessionID))
		return
	}

	if s.link.RemoteDescription() == nil {
		s.pending = append(s.pending, candidate)
		m.metrics.Candidate("queued")
		return
	}

	if err := s.link.AddICECandidate(candidate); err != nil {
		if missingRemoteDescription(err) {
			s.pending = append(s.pending, candidate)
			m.metrics.Candidate("requeued")
			return
		}
		m.metrics.Candidate("failed")
		m.logger.Warn("Failed to apply remote candidate", zap.String("session", s.id), zap.Error(err))
		return
	}
	m.metrics.Candidate("applied")
}

// flushCandidatesLocked replays queued candidates in arrival order, once.
// Individual failures are logged and skipped.
func (m *Manager) flushCandidatesLocked(s *session) {
	queued := s.pending
	s.pending = nil
	for _, c := range queued {
		if err := s.link.AddICECandidate(c); err != nil {
			m.metrics.Candidate("failed")
			m.logger.Warn("Dropping queued candidate", zap.String("session", s.id), zap.Error(err))
			continue
		}
		m.metrics.Candidate("applied")
	}
	if len(queued) > 0 {
		m.logger.Debug("Flushed queued candidates", zap.String("session", s.id), zap.Int("count", len(queued)))
	}
}

func missingRemoteDescription(err error) bool {
	return errors.Is(err, webrtc.ErrNoRemoteDescription) ||
		strings.Contains(strings.ToLower(err.Error()), "remote description")
}
