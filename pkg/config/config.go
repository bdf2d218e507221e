package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Path         string        `yaml:"path"`
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"signal"`

	Layout struct {
		DefaultMode             string        `yaml:"default_mode"`
		MaxPinned               int           `yaml:"max_pinned"`
		MaxMosaicStreams        int           `yaml:"max_mosaic_streams"`
		MaxThumbnailStreams     int           `yaml:"max_thumbnail_streams"`
		ThumbnailSize           int           `yaml:"thumbnail_size"`
		StripThreshold          int           `yaml:"strip_threshold"`
		AspectMin               float64       `yaml:"aspect_min"`
		AspectMax               float64       `yaml:"aspect_max"`
		DefaultDebounce         time.Duration `yaml:"default_debounce"`
		SingleStreamDebounce    time.Duration `yaml:"single_stream_debounce"`
		AutoPinLocalScreenShare bool          `yaml:"auto_pin_local_screen_share"`
		BackCameraFeatured      bool          `yaml:"back_camera_featured"`
		LayoutCacheTTL          time.Duration `yaml:"layout_cache_ttl"`
	} `yaml:"layout"`

	WebRTC struct {
		VideoTimeout            time.Duration `yaml:"video_timeout"`
		KeyframeRequestInterval time.Duration `yaml:"keyframe_request_interval"`
		ICEServers              []string      `yaml:"ice_servers"`
		PortMin                 uint16        `yaml:"port_min"`
		PortMax                 uint16        `yaml:"port_max"`
	} `yaml:"webrtc"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		PrometheusPort    int           `yaml:"prometheus_port"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled      bool          `yaml:"enabled"`
		Address      string        `yaml:"address"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		SnapshotTTL  time.Duration `yaml:"snapshot_ttl"`
		EventChannel string        `yaml:"event_channel"`
		// WriteInterval batches snapshot writes. Zero writes every snapshot
		// immediately.
		WriteInterval  time.Duration `yaml:"write_interval"`
		WriteBatchSize int           `yaml:"write_batch_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret       string        `yaml:"jwt_secret"`
		AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
		RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxConcurrent        int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Backup struct {
		Enabled        bool          `yaml:"enabled"`
		Directory      string        `yaml:"directory"`
		Interval       time.Duration `yaml:"interval"`
		Retention      time.Duration `yaml:"retention"`
		RestoreOnStart bool          `yaml:"restore_on_start"`
		// MaxRestoreAge skips restoring a backup older than this. Zero
		// restores any age.
		MaxRestoreAge time.Duration `yaml:"max_restore_age"`
	} `yaml:"backup"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Path == "" {
		return fmt.Errorf("signal.path must not be empty")
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

	// Layout
	if c.Layout.DefaultMode != "auto" && c.Layout.DefaultMode != "manual" {
		return fmt.Errorf("layout.default_mode must be auto or manual")
	}
	if c.Layout.MaxPinned < 1 {
		return fmt.Errorf("layout.max_pinned must be >= 1")
	}
	if c.Layout.MaxMosaicStreams < 1 {
		return fmt.Errorf("layout.max_mosaic_streams must be >= 1")
	}
	if c.Layout.MaxThumbnailStreams < 0 {
		return fmt.Errorf("layout.max_thumbnail_streams must be >= 0")
	}
	if c.Layout.ThumbnailSize < 0 {
		return fmt.Errorf("layout.thumbnail_size must be >= 0")
	}
	if c.Layout.StripThreshold < 0 {
		return fmt.Errorf("layout.strip_threshold must be >= 0")
	}
	if c.Layout.AspectMin <= 0 || c.Layout.AspectMax < c.Layout.AspectMin {
		return fmt.Errorf("layout.aspect_min must be > 0 and <= layout.aspect_max")
	}
	if c.Layout.DefaultDebounce < 0 || c.Layout.SingleStreamDebounce < 0 {
		return fmt.Errorf("layout debounce delays must be >= 0")
	}
	if c.Layout.LayoutCacheTTL < 0 {
		return fmt.Errorf("layout cache ttl must be >= 0")
	}

	// WebRTC
	if c.WebRTC.VideoTimeout <= 0 {
		return fmt.Errorf("webrtc.video_timeout must be > 0")
	}
	if c.WebRTC.KeyframeRequestInterval < 0 {
		return fmt.Errorf("webrtc.keyframe_request_interval must be >= 0")
	}
	if c.WebRTC.PortMax < c.WebRTC.PortMin {
		return fmt.Errorf("webrtc.port_max must be >= webrtc.port_min")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}
	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.EventChannel == "" {
			return fmt.Errorf("redis.event_channel must not be empty when redis.enabled=true")
		}
	}
	if c.Redis.SnapshotTTL < 0 {
		return fmt.Errorf("redis.snapshot_ttl must be >= 0")
	}
	if c.Redis.WriteInterval < 0 {
		return fmt.Errorf("redis.write_interval must be >= 0")
	}
	if c.Redis.WriteInterval > 0 && c.Redis.WriteBatchSize <= 0 {
		return fmt.Errorf("redis.write_batch_size must be > 0 when redis.write_interval is set")
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		return fmt.Errorf("auth.refresh_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
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
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	// Backup
	if c.Backup.Enabled {
		if c.Backup.Directory == "" {
			return fmt.Errorf("backup.directory must not be empty when backup is enabled")
		}
		if c.Backup.Interval <= 0 {
			return fmt.Errorf("backup.interval must be > 0 when backup is enabled")
		}
	}
	if c.Backup.Retention < 0 || c.Backup.MaxRestoreAge < 0 {
		return fmt.Errorf("backup.retention and backup.max_restore_age must be >= 0")
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

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second

	cfg.Layout.DefaultMode = "auto"
	cfg.Layout.MaxPinned = 2
	cfg.Layout.MaxMosaicStreams = 8
	cfg.Layout.MaxThumbnailStreams = 3
	cfg.Layout.ThumbnailSize = 160
	cfg.Layout.StripThreshold = 0
	cfg.Layout.AspectMin = 1.33
	cfg.Layout.AspectMax = 1.77
	cfg.Layout.DefaultDebounce = 100 * time.Millisecond
	cfg.Layout.SingleStreamDebounce = 5 * time.Second
	cfg.Layout.AutoPinLocalScreenShare = true
	cfg.Layout.BackCameraFeatured = false
	cfg.Layout.LayoutCacheTTL = 30 * time.Second

	cfg.WebRTC.VideoTimeout = 3 * time.Second
	cfg.WebRTC.KeyframeRequestInterval = time.Second
	cfg.WebRTC.ICEServers = []string{"stun:stun.l.google.com:19302"}

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090
	cfg.Monitoring.MetricsInterval = 30 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.SnapshotTTL = 24 * time.Hour
	cfg.Redis.EventChannel = "callgrid:events"
	cfg.Redis.WriteInterval = 50 * time.Millisecond
	cfg.Redis.WriteBatchSize = 64

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.RefreshTokenTTL = 7 * 24 * time.Hour // 7 days
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 20
	cfg.RateLimiting.WebSocket.Burst = 40
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Backup.Enabled = false
	cfg.Backup.Directory = "./data/backups"
	cfg.Backup.Interval = 5 * time.Minute
	cfg.Backup.Retention = 24 * time.Hour
	cfg.Backup.RestoreOnStart = true
	cfg.Backup.MaxRestoreAge = time.Hour

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "callgrid"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CALLGRID_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("CALLGRID_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("CALLGRID_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("CALLGRID_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if dir := os.Getenv("CALLGRID_BACKUP_DIR"); dir != "" {
		c.Backup.Directory = dir
		c.Backup.Enabled = true
	}
	if v := os.Getenv("CALLGRID_MAX_PINNED"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Layout.MaxPinned = n
		}
	}
}
