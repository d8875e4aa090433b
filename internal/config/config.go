package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config holds all application configuration
type Config struct {
	Signaling   SignalingConfig   `yaml:"signaling"`
	ICE         ICEConfig         `yaml:"ice"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	Retry       BackoffConfig     `yaml:"retry"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	Quality     QualityConfig     `yaml:"quality"`
	Devices     DevicesConfig     `yaml:"devices"`
	Recording   RecordingConfig   `yaml:"recording"`
	History     HistoryConfig     `yaml:"history"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type SignalingConfig struct {
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	RedialInitial time.Duration `yaml:"redial_initial"`
	RedialMax     time.Duration `yaml:"redial_max"`
}

type ICEConfig struct {
	// ConfigURL serves {"iceServers":[...]}; empty means use the fallback list.
	ConfigURL    string        `yaml:"config_url"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	FallbackURLs []string      `yaml:"fallback_urls"`
	TURNURL      string        `yaml:"turn_url"`
	TURNSecret   string        `yaml:"turn_secret"`
	TURNTTL      time.Duration `yaml:"turn_ttl"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	UDPPortMin   uint16        `yaml:"udp_port_min"`
	UDPPortMax   uint16        `yaml:"udp_port_max"`
}

type NegotiationConfig struct {
	ConnectionTimeout     time.Duration `yaml:"connection_timeout"`
	OfferAnswerTimeout    time.Duration `yaml:"offer_answer_timeout"`
	RateLimitCooldown     time.Duration `yaml:"rate_limit_cooldown"`
	RoomReadyPollInterval time.Duration `yaml:"room_ready_poll_interval"`
	RoomReadyTimeout      time.Duration `yaml:"room_ready_timeout"`
	JitterMin             time.Duration `yaml:"jitter_min"`
	JitterMax             time.Duration `yaml:"jitter_max"`
}

// BackoffConfig bounds the retry loop around outbound offer/answer sends.
type BackoffConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

type ReconnectConfig struct {
	MaxAttempts           int           `yaml:"max_attempts"`
	InitialDelay          time.Duration `yaml:"initial_delay"`
	MaxDelay              time.Duration `yaml:"max_delay"`
	ICERestartSettleDelay time.Duration `yaml:"ice_restart_settle_delay"`
	ICERestartThrottle    time.Duration `yaml:"ice_restart_throttle"`
	NetworkPollInterval   time.Duration `yaml:"network_poll_interval"`
}

type QualityConfig struct {
	GoodVideoBytes uint64 `yaml:"good_video_bytes"`
	HistorySize    int    `yaml:"history_size"`
}

type DevicesConfig struct {
	CameraID     string  `yaml:"camera_id"`
	MicrophoneID string  `yaml:"microphone_id"`
	AllowVirtual bool    `yaml:"allow_virtual"`
	AudioOnly    bool    `yaml:"audio_only"`
	Width        int     `yaml:"width"`
	Height       int     `yaml:"height"`
	FrameRate    float32 `yaml:"frame_rate"`
	VideoBitRate int     `yaml:"video_bitrate"`
	AudioBitRate int     `yaml:"audio_bitrate"`
}

// RecordingConfig controls the WebM copy of the partner's stream. An empty
// Dir disables recording.
type RecordingConfig struct {
	Dir         string `yaml:"dir"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	SampleRate  int    `yaml:"sample_rate"`
	Channels    int    `yaml:"channels"`
	MaxLateness uint16 `yaml:"max_lateness"`

	Upload UploadConfig `yaml:"upload"`
}

// UploadConfig points at an S3-compatible bucket that receives finished
// recordings. An empty Endpoint disables uploading.
type UploadConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UseSSL          bool          `yaml:"use_ssl"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Prefix          string        `yaml:"prefix"`
	KeepLocal       bool          `yaml:"keep_local"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	Timeout         time.Duration `yaml:"timeout"`
}

// HistoryConfig points at the PostgreSQL database that keeps link events.
// An empty DSN disables it.
type HistoryConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Signaling: SignalingConfig{
			URL:           "ws://localhost:7000/ws",
			DialTimeout:   10 * time.Second,
			WriteTimeout:  5 * time.Second,
			PingInterval:  25 * time.Second,
			RedialInitial: time.Second,
			RedialMax:     30 * time.Second,
		},
		ICE: ICEConfig{
			FetchTimeout: 5 * time.Second,
			FallbackURLs: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			TURNTTL:      12 * time.Hour,
			ProbeTimeout: 3 * time.Second,
		},
		Negotiation: NegotiationConfig{
			ConnectionTimeout:     30 * time.Second,
			OfferAnswerTimeout:    10 * time.Second,
			RateLimitCooldown:     13 * time.Second, // server allows 5 offers/minute
			RoomReadyPollInterval: 500 * time.Millisecond,
			RoomReadyTimeout:      10 * time.Second,
			JitterMin:             500 * time.Millisecond,
			JitterMax:             2500 * time.Millisecond,
		},
		Retry: BackoffConfig{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts:           5,
			InitialDelay:          time.Second,
			MaxDelay:              30 * time.Second,
			ICERestartSettleDelay: 2 * time.Second,
			ICERestartThrottle:    5 * time.Second,
			NetworkPollInterval:   2 * time.Second,
		},
		Quality: QualityConfig{
			GoodVideoBytes: 100_000,
			HistorySize:    10,
		},
		Devices: DevicesConfig{
			AllowVirtual: true,
			Width:        640,
			Height:       480,
			FrameRate:    30,
			VideoBitRate: 500_000,
			AudioBitRate: 32_000,
		},
		Recording: RecordingConfig{
			Width:       640,
			Height:      480,
			SampleRate:  48000,
			Channels:    2,
			MaxLateness: 128,
			Upload: UploadConfig{
				UseSSL:       true,
				Bucket:       "peerlink-recordings",
				Region:       "us-east-1",
				Prefix:       "recordings",
				KeepLocal:    true,
				MaxRetries:   3,
				RetryBackoff: 500 * time.Millisecond,
				Timeout:      2 * time.Minute,
			},
		},
		History: HistoryConfig{
			MaxOpenConns:    4,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectTimeout:  5 * time.Second,
			WriteTimeout:    2 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Address: ":9102",
		},
	}
}

// Load builds the configuration: defaults, then an optional .env file, then
// an optional YAML file, then PEERLINK_* environment overrides.
func Load(path string) (*Config, error) {
	// a missing .env is normal outside development
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := NewDefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("PEERLINK_SIGNALING_URL"); v != "" {
		c.Signaling.URL = v
	}
	if v := os.Getenv("PEERLINK_SIGNALING_TOKEN"); v != "" {
		c.Signaling.Token = v
	}
	if v := os.Getenv("PEERLINK_ICE_CONFIG_URL"); v != "" {
		c.ICE.ConfigURL = v
	}
	if v := os.Getenv("PEERLINK_TURN_URL"); v != "" {
		c.ICE.TURNURL = v
	}
	if v := os.Getenv("PEERLINK_TURN_SECRET"); v != "" {
		c.ICE.TURNSecret = v
	}
	if v := os.Getenv("PEERLINK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PEERLINK_METRICS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PEERLINK_METRICS_ENABLED: %w", err)
		}
		c.Metrics.Enabled = enabled
	}
	if v := os.Getenv("PEERLINK_CAMERA_ID"); v != "" {
		c.Devices.CameraID = v
	}
	if v := os.Getenv("PEERLINK_MICROPHONE_ID"); v != "" {
		c.Devices.MicrophoneID = v
	}
	if v := os.Getenv("PEERLINK_RECORDING_DIR"); v != "" {
		c.Recording.Dir = v
	}
	if v := os.Getenv("PEERLINK_HISTORY_DSN"); v != "" {
		c.History.DSN = v
	}
	if v := os.Getenv("PEERLINK_S3_ENDPOINT"); v != "" {
		c.Recording.Upload.Endpoint = v
	}
	if v := os.Getenv("PEERLINK_S3_ACCESS_KEY"); v != "" {
		c.Recording.Upload.AccessKeyID = v
	}
	if v := os.Getenv("PEERLINK_S3_SECRET_KEY"); v != "" {
		c.Recording.Upload.SecretAccessKey = v
	}
	return nil
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Signaling.URL == "" {
		return fmt.Errorf("signaling.url must not be empty")
	}
	if c.Signaling.WriteTimeout <= 0 {
		return fmt.Errorf("signaling.write_timeout must be > 0")
	}
	if c.Signaling.RedialInitial <= 0 || c.Signaling.RedialMax < c.Signaling.RedialInitial {
		return fmt.Errorf("signaling.redial_initial must be > 0 and <= redial_max")
	}

	if c.ICE.ConfigURL == "" && len(c.ICE.FallbackURLs) == 0 {
		return fmt.Errorf("ice.fallback_urls must not be empty when ice.config_url is unset")
	}
	if c.ICE.TURNSecret != "" && c.ICE.TURNURL == "" {
		return fmt.Errorf("ice.turn_url is required when ice.turn_secret is set")
	}
	if c.ICE.UDPPortMin > 0 || c.ICE.UDPPortMax > 0 {
		if c.ICE.UDPPortMin == 0 || c.ICE.UDPPortMax == 0 {
			return fmt.Errorf("ice.udp_port_min and udp_port_max must both be set when one is set")
		}
		if c.ICE.UDPPortMin >= c.ICE.UDPPortMax {
			return fmt.Errorf("ice.udp_port_min must be < udp_port_max")
		}
	}

	n := c.Negotiation
	if n.ConnectionTimeout <= 0 {
		return fmt.Errorf("negotiation.connection_timeout must be > 0")
	}
	if n.OfferAnswerTimeout <= 0 {
		return fmt.Errorf("negotiation.offer_answer_timeout must be > 0")
	}
	if n.RateLimitCooldown < 0 {
		return fmt.Errorf("negotiation.rate_limit_cooldown must be >= 0")
	}
	if n.RoomReadyPollInterval <= 0 {
		return fmt.Errorf("negotiation.room_ready_poll_interval must be > 0")
	}
	if n.JitterMin < 0 || n.JitterMax < n.JitterMin {
		return fmt.Errorf("negotiation.jitter_min must be >= 0 and <= jitter_max")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry.initial_delay must be > 0 and <= max_delay")
	}

	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must be >= 0")
	}
	if c.Reconnect.InitialDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return fmt.Errorf("reconnect.initial_delay must be > 0 and <= max_delay")
	}
	if c.Reconnect.ICERestartThrottle <= 0 {
		return fmt.Errorf("reconnect.ice_restart_throttle must be > 0")
	}

	if c.Quality.HistorySize <= 0 {
		return fmt.Errorf("quality.history_size must be > 0")
	}

	if !c.Devices.AudioOnly && (c.Devices.Width <= 0 || c.Devices.Height <= 0) {
		return fmt.Errorf("invalid video dimensions: %dx%d", c.Devices.Width, c.Devices.Height)
	}

	if r := c.Recording; r.Dir != "" {
		if r.Width <= 0 || r.Height <= 0 {
			return fmt.Errorf("invalid recording dimensions: %dx%d", r.Width, r.Height)
		}
		if r.SampleRate <= 0 || r.Channels <= 0 {
			return fmt.Errorf("recording.sample_rate and recording.channels must be > 0")
		}
		if r.MaxLateness == 0 {
			return fmt.Errorf("recording.max_lateness must be > 0")
		}
	}
	if u := c.Recording.Upload; u.Endpoint != "" {
		if c.Recording.Dir == "" {
			return fmt.Errorf("recording.upload requires recording.dir")
		}
		if u.Bucket == "" {
			return fmt.Errorf("recording.upload.bucket must not be empty")
		}
		if u.MaxRetries < 0 || u.Timeout <= 0 {
			return fmt.Errorf("recording.upload.max_retries must be >= 0 and timeout > 0")
		}
	}

	if h := c.History; h.DSN != "" {
		if h.MaxOpenConns <= 0 {
			return fmt.Errorf("history.max_open_conns must be > 0")
		}
		if h.ConnectTimeout <= 0 || h.WriteTimeout <= 0 {
			return fmt.Errorf("history.connect_timeout and history.write_timeout must be > 0")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address must not be empty when metrics.enabled=true")
	}
	return nil
}
