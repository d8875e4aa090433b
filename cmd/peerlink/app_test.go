package main

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/peerlink/internal/netwatch"
	"github.com/mikeyg42/peerlink/internal/rtcManager"
)

func TestForwardNetworkChanges_IncludesOffline(t *testing.T) {
	changes := make(chan netwatch.Change, 3)
	changes <- netwatch.Change{Online: true, Reason: "wlan0 up"}
	changes <- netwatch.Change{Online: false, Reason: "wlan0 down"}
	changes <- netwatch.Change{Online: true, Reason: "eth0 addresses changed"}
	close(changes)

	var got []string
	forwardNetworkChanges(changes, func(reason string) { got = append(got, reason) })

	assert.Equal(t, []string{"wlan0 up", "offline: wlan0 down", "eth0 addresses changed"}, got)
}

func TestQualityReports(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	reports := qualityReports([]rtcManager.QualitySample{
		{Timestamp: at, Quality: rtcManager.QualityGood, ICEState: webrtc.ICEConnectionStateConnected, BytesReceived: 42},
	})

	require.Len(t, reports, 1)
	assert.Equal(t, qualityReport{At: at, Quality: "good", ICEState: "connected", BytesReceived: 42}, reports[0])
	assert.NotNil(t, qualityReports(nil))
}
