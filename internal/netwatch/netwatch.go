// Package netwatch polls the host's network interfaces and reports when the
// set of usable addresses changes, so live links can restart ICE.
package netwatch

import (
	"context"
	"fmt"
	"net"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/wlynxg/anet"
	"go.uber.org/zap"
)

// Change describes one observed difference between two polls.
type Change struct {
	// Online is false when no usable interface remains.
	Online bool
	Reason string
}

// Snapshot maps interface names to their sorted unicast addresses.
type Snapshot map[string][]string

// Lister reads the current interface state.
type Lister func() (Snapshot, error)

// SystemInterfaces lists up, non-loopback interfaces and their routable
// addresses. anet works on Android where net.Interfaces is restricted.
func SystemInterfaces() (Snapshot, error) {
	ifaces, err := anet.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	snap := make(Snapshot)
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := anet.InterfaceAddrsByInterface(&iface)
		if err != nil {
			return nil, fmt.Errorf("addresses of %s: %w", iface.Name, err)
		}
		var ips []string
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLinkLocalUnicast() || !ipNet.IP.IsGlobalUnicast() {
				continue
			}
			ips = append(ips, ipNet.IP.String())
		}
		if len(ips) == 0 {
			continue
		}
		sort.Strings(ips)
		snap[iface.Name] = ips
	}
	return snap, nil
}

// Diff names the interfaces that appeared, disappeared or changed address
// between prev and cur. It returns "" when nothing changed.
func Diff(prev, cur Snapshot) string {
	var reasons []string
	for name, addrs := range cur {
		old, ok := prev[name]
		switch {
		case !ok:
			reasons = append(reasons, name+" up")
		case !slices.Equal(old, addrs):
			reasons = append(reasons, name+" addresses changed")
		}
	}
	for name := range prev {
		if _, ok := cur[name]; !ok {
			reasons = append(reasons, name+" down")
		}
	}
	sort.Strings(reasons)
	return strings.Join(reasons, ", ")
}

type Watcher struct {
	interval time.Duration
	list     Lister
	clock    clock.Clock
	logger   *zap.Logger
	changes  chan Change
}

type Option func(*Watcher)

func WithLister(l Lister) Option { return func(w *Watcher) { w.list = l } }

func WithClock(c clock.Clock) Option { return func(w *Watcher) { w.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(w *Watcher) { w.logger = l } }

func New(interval time.Duration, opts ...Option) *Watcher {
	w := &Watcher{
		interval: interval,
		list:     SystemInterfaces,
		clock:    clock.New(),
		logger:   zap.L().Named("netwatch"),
		changes:  make(chan Change, 8),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Changes is closed when Run returns.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.changes)

	prev, err := w.list()
	if err != nil {
		w.logger.Warn("Initial interface scan failed", zap.Error(err))
		prev = Snapshot{}
	}
	w.logger.Debug("Watching network interfaces",
		zap.Int("interfaces", len(prev)), zap.Duration("interval", w.interval))

	ticker := w.clock.Ticker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cur, err := w.list()
			if err != nil {
				w.logger.Debug("Interface scan failed", zap.Error(err))
				continue
			}
			reason := Diff(prev, cur)
			if reason == "" {
				continue
			}
			prev = cur

			change := Change{Online: len(cur) > 0, Reason: reason}
			w.logger.Info("Network change detected",
				zap.String("reason", reason), zap.Bool("online", change.Online))
			select {
			case w.changes <- change:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
