package netwatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDiff(t *testing.T) {
	prev := Snapshot{
		"eth0":  {"192.168.1.10"},
		"wlan0": {"10.0.0.5"},
	}

	assert.Empty(t, Diff(prev, Snapshot{"eth0": {"192.168.1.10"}, "wlan0": {"10.0.0.5"}}))
	assert.Equal(t, "wlan0 down", Diff(prev, Snapshot{"eth0": {"192.168.1.10"}}))
	assert.Equal(t, "eth0 addresses changed, tun0 up",
		Diff(prev, Snapshot{"eth0": {"192.168.1.11"}, "wlan0": {"10.0.0.5"}, "tun0": {"100.64.0.1"}}))
	assert.Equal(t, "eth0 down, wlan0 down", Diff(prev, Snapshot{}))
}

type scripted struct {
	mu    sync.Mutex
	snap  Snapshot
	err   error
	calls int
}

func (s *scripted) set(snap Snapshot, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap, s.err = snap, err
}

func (s *scripted) list() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.snap, s.err
}

func (s *scripted) scanned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls > 0
}

func TestWatcher_ReportsChanges(t *testing.T) {
	mock := clock.NewMock()
	src := &scripted{snap: Snapshot{"eth0": {"192.168.1.10"}}}
	w := New(2*time.Second, WithLister(src.list), WithClock(mock), WithLogger(zap.NewNop()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	require.Eventually(t, src.scanned, time.Second, time.Millisecond)

	next := func() Change {
		var got Change
		require.Eventually(t, func() bool {
			mock.Add(2 * time.Second)
			select {
			case got = <-w.Changes():
				return true
			default:
				return false
			}
		}, 2*time.Second, time.Millisecond)
		return got
	}

	src.set(Snapshot{"eth0": {"192.168.1.10"}, "wlan0": {"10.0.0.5"}}, nil)
	assert.Equal(t, Change{Online: true, Reason: "wlan0 up"}, next())

	// a failed scan is not a change
	src.set(nil, errors.New("netlink busy"))
	mock.Add(2 * time.Second)

	src.set(Snapshot{}, nil)
	assert.Equal(t, Change{Online: false, Reason: "eth0 down, wlan0 down"}, next())

	cancel()
	require.NoError(t, <-done)
	_, open := <-w.Changes()
	assert.False(t, open)
}

func TestSystemInterfaces(t *testing.T) {
	snap, err := SystemInterfaces()
	require.NoError(t, err)
	for name, addrs := range snap {
		assert.NotEmpty(t, name)
		assert.NotEmpty(t, addrs)
		assert.NotContains(t, addrs, "127.0.0.1")
	}
}
