package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"lanvoice/pkg/retry"
	"lanvoice/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Session struct {
		PeerID string `yaml:"peer_id"`
		Host   bool   `yaml:"host"`
		// HostID names the room's host when the relay does not announce it.
		HostID      string `yaml:"host_id"`
		EventBuffer int    `yaml:"event_buffer"`
	} `yaml:"session"`

	Signal struct {
		URL            string        `yaml:"url"`
		ListenAddress  string        `yaml:"listen_address"`
		Room           string        `yaml:"room"`
		DialTimeout    time.Duration `yaml:"dial_timeout"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		SendQueue      int           `yaml:"send_queue"`
		MaxMessageSize int64         `yaml:"max_message_size"`
	} `yaml:"signal"`

	Reconnect struct {
		InitialDelay  time.Duration `yaml:"initial_delay"`
		MaxDelay      time.Duration `yaml:"max_delay"`
		Multiplier    float64       `yaml:"multiplier"`
		Randomization float64       `yaml:"randomization"`
	} `yaml:"reconnect"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		// NegotiationTimeout force-fails a negotiation that has not connected
		// in time. Zero disables it.
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	} `yaml:"webrtc"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsAddress    string `yaml:"metrics_address"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`
		// HTTP limits upgrade and health requests per client IP.
		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`
		WebSocket struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent_connections"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
// Session identity is checked separately by ValidateSession because the
// stand-alone relay has none.
func (c *Config) Validate() error {
	// Signal
	if c.Signal.DialTimeout <= 0 {
		return fmt.Errorf("signal.dial_timeout must be > 0")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.SendQueue <= 0 {
		return fmt.Errorf("signal.send_queue must be > 0")
	}
	if c.Signal.MaxMessageSize <= 0 {
		return fmt.Errorf("signal.max_message_size must be > 0")
	}
	if err := validation.ValidateRoomName(c.Signal.Room); err != nil {
		return fmt.Errorf("signal.room: %w", err)
	}

	// Reconnect
	if c.Reconnect.InitialDelay <= 0 {
		return fmt.Errorf("reconnect.initial_delay must be > 0")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return fmt.Errorf("reconnect.max_delay must be >= reconnect.initial_delay")
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be >= 1")
	}
	if c.Reconnect.Randomization < 0 || c.Reconnect.Randomization > 1 {
		return fmt.Errorf("reconnect.randomization must be within [0, 1]")
	}

	// WebRTC
	for _, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers entries must have at least one url")
		}
		for _, u := range s.URLs {
			if err := validation.ValidateICEServerURL(u); err != nil {
				return fmt.Errorf("webrtc.ice_servers: %w", err)
			}
		}
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.NegotiationTimeout < 0 {
		return fmt.Errorf("webrtc.negotiation_timeout must be >= 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.MetricsAddress == "" {
		return fmt.Errorf("monitoring.metrics_address must not be empty when prometheus_enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	return nil
}

// ValidateSession checks the participant-side settings needed to start a
// session: who we are and where the relay is.
func (c *Config) ValidateSession() error {
	if err := validation.ValidatePeerID(c.Session.PeerID); err != nil {
		return fmt.Errorf("session.peer_id: %w", err)
	}
	if c.Session.HostID != "" {
		if err := validation.ValidatePeerID(c.Session.HostID); err != nil {
			return fmt.Errorf("session.host_id: %w", err)
		}
	}
	if c.Session.EventBuffer <= 0 {
		return fmt.Errorf("session.event_buffer must be > 0")
	}
	if err := validation.ValidateSignalURL(c.Signal.URL); err != nil {
		return fmt.Errorf("signal.url: %w", err)
	}
	return nil
}

// ReconnectPolicy converts the reconnect section into a retry configuration
// with an unlimited attempt count.
func (c *Config) ReconnectPolicy() retry.Config {
	return retry.Config{
		Enabled:       true,
		MaxAttempts:   retry.Unlimited,
		InitialDelay:  c.Reconnect.InitialDelay,
		MaxDelay:      c.Reconnect.MaxDelay,
		Multiplier:    c.Reconnect.Multiplier,
		Randomization: c.Reconnect.Randomization,
	}
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Session.EventBuffer = 128

	// Android hotspots hand out 192.168.43.0/24 with the host at .1
	cfg.Signal.URL = "ws://192.168.43.1:3000/ws"
	cfg.Signal.ListenAddress = ":3000"
	cfg.Signal.Room = "default"
	cfg.Signal.DialTimeout = 10 * time.Second
	cfg.Signal.PingInterval = 20 * time.Second
	cfg.Signal.PongTimeout = 45 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendQueue = 256
	cfg.Signal.MaxMessageSize = 64 * 1024

	cfg.Reconnect.InitialDelay = time.Second
	cfg.Reconnect.MaxDelay = 5 * time.Second
	cfg.Reconnect.Multiplier = 2.0
	cfg.Reconnect.Randomization = 0.5

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
		{URLs: []string{"stun:stun2.l.google.com:19302"}},
	}

	cfg.Monitoring.PrometheusEnabled = false
	cfg.Monitoring.MetricsAddress = ":9090"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 5
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "lanvoice"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if id := os.Getenv("LANVOICE_PEER_ID"); id != "" {
		c.Session.PeerID = id
	}
	if host := os.Getenv("LANVOICE_HOST"); host != "" {
		if v, err := strconv.ParseBool(host); err == nil {
			c.Session.Host = v
		}
	}
	if url := os.Getenv("LANVOICE_SIGNAL_URL"); url != "" {
		c.Signal.URL = url
	}
	if addr := os.Getenv("LANVOICE_LISTEN_ADDRESS"); addr != "" {
		c.Signal.ListenAddress = addr
	}
	if level := os.Getenv("LANVOICE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
