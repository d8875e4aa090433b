package rtcManager

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pion/stun/v3"
	"github.com/pion/turn/v4"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/peerlink/internal/config"
)

// ICEConfigSource supplies the ICE configuration for new links. It never
// fails: on error it falls back to public STUN servers.
type ICEConfigSource interface {
	Configuration(ctx context.Context) webrtc.Configuration
}

// ICEServerSource fetches ICE servers from an HTTP endpoint and optionally
// mints short-lived TURN credentials from a shared secret.
type ICEServerSource struct {
	cfg    config.ICEConfig
	client *resty.Client
	logger *zap.Logger
}

func NewICEServerSource(cfg config.ICEConfig, logger *zap.Logger) *ICEServerSource {
	if logger == nil {
		logger = zap.L().Named("ice")
	}
	return &ICEServerSource{
		cfg:    cfg,
		client: resty.New().SetTimeout(cfg.FetchTimeout),
		logger: logger,
	}
}

// urlList accepts both a single URL and a list, as browsers do.
type urlList []string

func (u *urlList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*u = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("urls must be a string or a list of strings: %w", err)
	}
	*u = many
	return nil
}

type iceConfigResponse struct {
	ICEServers []struct {
		URLs       urlList `json:"urls"`
		Username   string  `json:"username"`
		Credential string  `json:"credential"`
	} `json:"iceServers"`
}

func (s *ICEServerSource) Configuration(ctx context.Context) webrtc.Configuration {
	var servers []webrtc.ICEServer
	if s.cfg.ConfigURL != "" {
		fetched, err := s.fetch(ctx)
		if err != nil {
			s.logger.Warn("ICE config fetch failed, using fallback servers", zap.Error(err))
		}
		servers = fetched
	}
	if len(servers) == 0 {
		servers = []webrtc.ICEServer{{URLs: validURLs(s.cfg.FallbackURLs, s.logger)}}
	}

	if s.cfg.TURNSecret != "" {
		turnServer, err := s.turnServer()
		if err != nil {
			s.logger.Warn("Failed to mint TURN credentials", zap.Error(err))
		} else {
			servers = append(servers, turnServer)
		}
	}
	return webrtc.Configuration{ICEServers: servers}
}

func (s *ICEServerSource) fetch(ctx context.Context) ([]webrtc.ICEServer, error) {
	var body iceConfigResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetResult(&body).
		Get(s.cfg.ConfigURL)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", s.cfg.ConfigURL, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ice config endpoint returned %s", resp.Status())
	}

	var servers []webrtc.ICEServer
	for _, srv := range body.ICEServers {
		urls := validURLs(srv.URLs, s.logger)
		if len(urls) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: urls, Username: srv.Username}
		if srv.Credential != "" {
			server.Credential = srv.Credential
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// turnServer uses the TURN REST convention: username is the expiry
// timestamp, password is an HMAC of it under the shared secret.
func (s *ICEServerSource) turnServer() (webrtc.ICEServer, error) {
	username, password, err := turn.GenerateLongTermCredentials(s.cfg.TURNSecret, s.cfg.TURNTTL)
	if err != nil {
		return webrtc.ICEServer{}, err
	}
	return webrtc.ICEServer{
		URLs:       []string{s.cfg.TURNURL},
		Username:   username,
		Credential: password,
	}, nil
}

func validURLs(urls []string, logger *zap.Logger) []string {
	valid := make([]string, 0, len(urls))
	for _, raw := range urls {
		if _, err := stun.ParseURI(raw); err != nil {
			logger.Warn("Ignoring invalid ICE server URL", zap.String("url", raw), zap.Error(err))
			continue
		}
		valid = append(valid, raw)
	}
	return valid
}

// ProbeResult is the outcome of one STUN binding request.
type ProbeResult struct {
	URL     string
	Mapped  string
	Latency time.Duration
	Err     error
}

// ProbeSTUN sends a binding request to every stun: URL in cfg and reports
// the mapped address each returns within timeout.
func ProbeSTUN(cfg webrtc.Configuration, timeout time.Duration, logger *zap.Logger) []ProbeResult {
	if logger == nil {
		logger = zap.L().Named("ice")
	}
	var results []ProbeResult
	for _, server := range cfg.ICEServers {
		for _, raw := range server.URLs {
			uri, err := stun.ParseURI(raw)
			if err != nil || uri.Scheme != stun.SchemeTypeSTUN {
				continue
			}
			res := probeOne(net.JoinHostPort(uri.Host, strconv.Itoa(uri.Port)), timeout)
			res.URL = raw
			if res.Err != nil {
				logger.Warn("STUN server unreachable", zap.String("url", raw), zap.Error(res.Err))
			} else {
				logger.Info("STUN server responded",
					zap.String("url", raw),
					zap.String("mapped", res.Mapped),
					zap.Duration("latency", res.Latency))
			}
			results = append(results, res)
		}
	}
	return results
}

func probeOne(addr string, timeout time.Duration) ProbeResult {
	c, err := stun.Dial("udp", addr)
	if err != nil {
		return ProbeResult{Err: fmt.Errorf("dial %s: %w", addr, err)}
	}
	defer c.Close()

	done := make(chan ProbeResult, 1)
	start := time.Now()
	go func() {
		var res ProbeResult
		err := c.Do(stun.MustBuild(stun.TransactionID, stun.BindingRequest), func(ev stun.Event) {
			if ev.Error != nil {
				res.Err = ev.Error
				return
			}
			var xorAddr stun.XORMappedAddress
			if err := xorAddr.GetFrom(ev.Message); err != nil {
				res.Err = fmt.Errorf("no mapped address in response: %w", err)
				return
			}
			res.Mapped = xorAddr.String()
		})
		if err != nil {
			res.Err = err
		}
		res.Latency = time.Since(start)
		done <- res
	}()

	select {
	case res := <-done:
		return res
	case <-time.After(timeout):
		return ProbeResult{Latency: timeout, Err: fmt.Errorf("no response from %s within %s", addr, timeout)}
	}
}
