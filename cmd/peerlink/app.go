package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikeyg42/peerlink/internal/config"
	"github.com/mikeyg42/peerlink/internal/devices"
	"github.com/mikeyg42/peerlink/internal/history"
	"github.com/mikeyg42/peerlink/internal/metrics"
	"github.com/mikeyg42/peerlink/internal/netwatch"
	"github.com/mikeyg42/peerlink/internal/recording"
	"github.com/mikeyg42/peerlink/internal/rtcManager"
	"github.com/mikeyg42/peerlink/internal/signaling"
)

// Application holds the long-lived components of one peerlink process.
type Application struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	sessionID string

	signaling *signaling.Client
	ice       *rtcManager.ICEServerSource
	manager   *rtcManager.Manager
	watcher   *netwatch.Watcher

	recorder      *recording.WebMSink
	recordingPath string
	store         recording.ObjectStore
	history       *history.PostgresStore
}

func NewApplication(cfg *config.Config, logger *zap.Logger, sessionID string) (*Application, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	codecs, err := newCodecSelector(cfg.Devices, logger.Named("codecs"))
	if err != nil {
		return nil, err
	}
	selection, err := devices.Choose(mediadevices.EnumerateDevices(), cfg.Devices, logger.Named("devices"))
	if err != nil {
		return nil, fmt.Errorf("failed to select devices: %w", err)
	}
	capture := devices.NewCapture(selection, cfg.Devices, codecs, logger.Named("devices"))

	sig := signaling.NewClient(cfg.Signaling, logger.Named("signaling"))
	ice := rtcManager.NewICEServerSource(cfg.ICE, logger.Named("ice"))
	opts := []rtcManager.Option{
		rtcManager.WithLogger(logger.Named("rtc")),
		rtcManager.WithMetrics(metrics.NewCollector(registry)),
		rtcManager.WithICEConfigSource(ice),
		rtcManager.WithLinkFactory(rtcManager.PionLinkFactory(codecs, portRange(cfg.ICE, logger))),
	}

	var hist *history.PostgresStore
	if cfg.History.DSN != "" {
		hist, err = history.Open(context.Background(), cfg.History, logger.Named("postgres-store"))
		if err != nil {
			return nil, err
		}
	}

	var (
		recorder *recording.WebMSink
		path     string
		store    recording.ObjectStore
	)
	if cfg.Recording.Dir != "" {
		if cfg.Recording.Upload.Endpoint != "" {
			store, err = recording.NewMinIOStore(context.Background(), cfg.Recording.Upload, logger.Named("minio-store"))
		}
		if err == nil {
			recorder, path, err = recording.Create(cfg.Recording, sessionID, logger.Named("recording"))
		}
		if err != nil {
			if hist != nil {
				hist.Close()
			}
			return nil, err
		}
		opts = append(opts, rtcManager.WithRemoteSink(recorder))
		logger.Info("Recording partner stream", zap.String("path", path))
	}

	manager := rtcManager.NewManager(cfg, sig, capture, opts...)
	sig.SetHandler(manager)

	return &Application{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		sessionID: sessionID,
		signaling: sig,
		ice:       ice,
		manager:   manager,
		watcher:   netwatch.New(cfg.Reconnect.NetworkPollInterval, netwatch.WithLogger(logger.Named("netwatch"))),

		recorder:      recorder,
		recordingPath: path,
		store:         store,
		history:       hist,
	}, nil
}

func portRange(cfg config.ICEConfig, logger *zap.Logger) func(*webrtc.SettingEngine) {
	return func(se *webrtc.SettingEngine) {
		if cfg.UDPPortMin == 0 {
			return
		}
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			logger.Warn("Ignoring UDP port range", zap.Error(err))
		}
	}
}

// Run serves until ctx is cancelled or the link fails terminally.
func (app *Application) Run(ctx context.Context, offer bool) error {
	g, ctx := errgroup.WithContext(ctx)

	if app.cfg.Metrics.Enabled {
		srv := &http.Server{Addr: app.cfg.Metrics.Address, Handler: app.routes()}
		g.Go(func() error {
			app.logger.Info("Serving metrics", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error { return app.signaling.Run(ctx) })
	g.Go(func() error { return app.watcher.Run(ctx) })
	g.Go(func() error {
		forwardNetworkChanges(app.watcher.Changes(), app.manager.OnNetworkChange)
		return nil
	})
	g.Go(func() error { return app.watchEvents(ctx) })
	g.Go(func() error { return app.startSession(ctx, app.sessionID, offer) })

	err := g.Wait()
	app.manager.Close()
	if cerr := app.signaling.Close(); cerr != nil {
		app.logger.Debug("Signaling close failed", zap.Error(cerr))
	}
	app.finishRecording()
	app.closeHistory()
	return err
}

// finishRecording finalizes the WebM file and archives it when a bucket is
// configured.
func (app *Application) finishRecording() {
	if app.recorder == nil {
		return
	}
	stats := app.recorder.Stats()
	if err := app.recorder.Close(); err != nil {
		app.logger.Warn("Failed to finalize recording", zap.Error(err))
		return
	}
	app.logger.Info("Recording finished",
		zap.String("path", app.recordingPath),
		zap.Int("video_frames", stats.VideoFrames),
		zap.Int("audio_frames", stats.AudioFrames),
		zap.Int("dropped", stats.Dropped))

	rec := history.Recording{
		SessionID:   app.sessionID,
		Path:        app.recordingPath,
		VideoFrames: stats.VideoFrames,
		AudioFrames: stats.AudioFrames,
		Dropped:     stats.Dropped,
	}
	if app.store != nil {
		key, err := recording.Archive(context.Background(), app.store, app.recordingPath, app.cfg.Recording.Upload, app.logger.Named("recording"))
		if err != nil {
			app.logger.Error("Failed to archive recording", zap.String("path", app.recordingPath), zap.Error(err))
		}
		rec.ObjectKey = key
	}

	if app.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), app.cfg.History.WriteTimeout)
		defer cancel()
		if err := app.history.SaveRecording(ctx, rec); err != nil {
			app.logger.Warn("Failed to store recording metadata", zap.Error(err))
		}
	}
}

// closeHistory logs what the database knows about the session and closes it.
func (app *Application) closeHistory() {
	if app.history == nil {
		return
	}
	defer app.history.Close()

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.History.WriteTimeout)
	defer cancel()
	sum, err := app.history.SessionSummary(ctx, app.sessionID)
	if err != nil {
		app.logger.Debug("No session summary", zap.Error(err))
		return
	}
	app.logger.Info("Session summary",
		zap.String("session", app.sessionID),
		zap.Int("reconnects", sum.Reconnects),
		zap.Int("errors", sum.Errors),
		zap.Bool("failed", sum.Failed),
		zap.Duration("span", sum.Duration()))
}

// startSession waits for the signaling channel, probes the STUN servers and
// opens the link.
func (app *Application) startSession(ctx context.Context, sessionID string, offer bool) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !app.signaling.Connected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	go func() {
		results := rtcManager.ProbeSTUN(app.ice.Configuration(ctx), app.cfg.ICE.ProbeTimeout, app.logger.Named("ice"))
		var reachable int
		for _, r := range results {
			if r.Err == nil {
				reachable++
			}
		}
		app.logger.Info("STUN probe finished", zap.Int("reachable", reachable), zap.Int("probed", len(results)))
	}()

	if err := app.manager.StartLink(ctx, sessionID); err != nil {
		return fmt.Errorf("start link: %w", err)
	}
	if offer {
		if err := app.manager.InitiateOffer(ctx); err != nil {
			return fmt.Errorf("initiate offer: %w", err)
		}
	}
	return nil
}

// watchEvents logs engine events and stops the process on a fatal error.
func (app *Application) watchEvents(ctx context.Context) error {
	events := app.manager.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			log := app.logger.With(zap.Stringer("event", ev.Kind), zap.String("session", ev.SessionID))
			app.recordEvent(ctx, ev)
			switch ev.Kind {
			case rtcManager.EventError:
				if ev.Fatal {
					return fmt.Errorf("link failed: %w", ev.Err)
				}
				log.Warn("Link error", zap.Error(ev.Err))
			case rtcManager.EventReconnectScheduled:
				log.Info("Reconnecting", zap.Int("attempt", ev.Attempt), zap.Duration("delay", ev.Delay))
			case rtcManager.EventQuality:
				log.Info("Link quality", zap.Stringer("quality", ev.Quality))
			default:
				log.Debug("Link state", zap.String("state", ev.State))
			}
		}
	}
}

// forwardNetworkChanges passes every interface change on, offline ones
// included. The manager decides from the link state whether to restart ICE.
func forwardNetworkChanges(changes <-chan netwatch.Change, notify func(reason string)) {
	for change := range changes {
		reason := change.Reason
		if !change.Online {
			reason = "offline: " + reason
		}
		notify(reason)
	}
}

func (app *Application) recordEvent(ctx context.Context, ev rtcManager.Event) {
	if app.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, app.cfg.History.WriteTimeout)
	defer cancel()
	if err := app.history.RecordEvent(ctx, ev); err != nil {
		app.logger.Warn("Failed to store link event", zap.Error(err))
	}
}

type statusResponse struct {
	Session           string          `json:"session"`
	SignalingUp       bool            `json:"signalingConnected"`
	Quality           string          `json:"quality"`
	ReconnectAttempts int             `json:"reconnectAttempts"`
	RecentQuality     []qualityReport `json:"recentQuality"`
}

type qualityReport struct {
	At            time.Time `json:"at"`
	Quality       string    `json:"quality"`
	ICEState      string    `json:"iceState"`
	BytesReceived uint64    `json:"bytesReceived"`
}

// statusQualitySamples caps the quality history reported by /status.
const statusQualitySamples = 10

func qualityReports(samples []rtcManager.QualitySample) []qualityReport {
	out := make([]qualityReport, 0, len(samples))
	for _, s := range samples {
		out = append(out, qualityReport{
			At:            s.Timestamp,
			Quality:       s.Quality.String(),
			ICEState:      s.ICEState.String(),
			BytesReceived: s.BytesReceived,
		})
	}
	return out
}

func (app *Application) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statusResponse{
			Session:           app.manager.SessionID(),
			SignalingUp:       app.signaling.Connected(),
			Quality:           app.manager.Quality().String(),
			ReconnectAttempts: app.manager.ReconnectAttempts(),
			RecentQuality:     qualityReports(app.manager.QualityHistory(statusQualitySamples)),
		})
	})
	return mux
}
