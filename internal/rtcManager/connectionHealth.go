package rtcManager

import (
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Quality is the display classification of link health. It never drives
// control decisions.
type Quality int

const (
	QualityPoor Quality = iota
	QualityMedium
	QualityGood
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityMedium:
		return "medium"
	default:
		return "poor"
	}
}

type QualitySample struct {
	Timestamp     time.Time
	Quality       Quality
	ICEState      webrtc.ICEConnectionState
	HasVideo      bool
	HasAudio      bool
	VideoBytes    uint64
	BytesReceived uint64
}

// inboundSummary totals the inbound RTP streams of a stats report.
type inboundSummary struct {
	hasVideo      bool
	hasAudio      bool
	videoBytes    uint64
	bytesReceived uint64
}

func summarizeInbound(report webrtc.StatsReport) inboundSummary {
	var sum inboundSummary
	add := func(stat webrtc.InboundRTPStreamStats) {
		sum.bytesReceived += stat.BytesReceived
		switch stat.Kind {
		case "video":
			sum.hasVideo = true
			sum.videoBytes += stat.BytesReceived
		case "audio":
			sum.hasAudio = true
		}
	}
	for _, s := range report {
		switch stat := s.(type) {
		case webrtc.InboundRTPStreamStats:
			add(stat)
		case *webrtc.InboundRTPStreamStats:
			add(*stat)
		}
	}
	return sum
}

// ClassifyStats grades a stats report: inbound video above goodVideoBytes is
// good, any other inbound audio or video is medium, nothing inbound is poor.
func ClassifyStats(report webrtc.StatsReport, goodVideoBytes uint64) Quality {
	return classify(summarizeInbound(report), goodVideoBytes)
}

func classify(sum inboundSummary, goodVideoBytes uint64) Quality {
	switch {
	case sum.hasVideo && sum.videoBytes > goodVideoBytes:
		return QualityGood
	case sum.hasVideo || sum.hasAudio:
		return QualityMedium
	default:
		return QualityPoor
	}
}

// assessQualityLocked updates the quality for an ICE transition and reports
// whether the transition is a failure the reconnect controller must handle.
func (m *Manager) assessQualityLocked(s *session, state webrtc.ICEConnectionState) (failed bool) {
	sample := QualitySample{Timestamp: m.clock.Now(), ICEState: state}

	switch state {
	case webrtc.ICEConnectionStateConnected:
		sample.Quality = QualityGood
	case webrtc.ICEConnectionStateChecking, webrtc.ICEConnectionStateCompleted:
		sum := summarizeInbound(s.link.GetStats())
		sample.HasVideo = sum.hasVideo
		sample.HasAudio = sum.hasAudio
		sample.VideoBytes = sum.videoBytes
		sample.BytesReceived = sum.bytesReceived
		sample.Quality = classify(sum, m.cfg.Quality.GoodVideoBytes)
	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
		sample.Quality = QualityPoor
		failed = true
	default:
		return false
	}

	if sample.Quality != m.quality {
		m.logger.Info("Link quality changed",
			zap.String("session", s.id),
			zap.Stringer("from", m.quality),
			zap.Stringer("to", sample.Quality),
			zap.Uint64("bytes_received", sample.BytesReceived))
	}
	m.quality = sample.Quality
	m.history.Add(sample)
	m.metrics.SetQuality(int(sample.Quality))
	m.emitLocked(Event{Kind: EventQuality, SessionID: s.id, Quality: sample.Quality, State: state.String()})
	return failed
}

// Quality returns the most recent classification.
func (m *Manager) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

// QualityHistory returns up to n samples of the current session, newest
// first.
func (m *Manager) QualityHistory(n int) []QualitySample {
	return m.history.Recent(n)
}
