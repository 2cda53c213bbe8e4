package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	LogLevel   string `mapstructure:"log_level"`
	Secret     string `mapstructure:"secret"`
	APIKey     string `mapstructure:"api_key"`
	InstanceID string `mapstructure:"instance_id"`

	Transport TransportConfig `mapstructure:"transport"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Limits    LimitsConfig    `mapstructure:"limits"`
}

type TransportConfig struct {
	ReadLimit    int64         `mapstructure:"read_limit"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	InboundQueue int           `mapstructure:"inbound_queue"`
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
}

type PresenceConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	TypingTTL     time.Duration `mapstructure:"typing_ttl"`
	Debounce      time.Duration `mapstructure:"debounce"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type ClusterConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	DedupWindow       time.Duration `mapstructure:"dedup_window"`
	PeerTimeoutFactor int           `mapstructure:"peer_timeout_factor"`
}

// PeerTimeout is how long a silent peer keeps its contribution.
func (c ClusterConfig) PeerTimeout() time.Duration {
	return time.Duration(c.PeerTimeoutFactor) * c.ReconcileInterval
}

type BridgeConfig struct {
	Driver        string        `mapstructure:"driver"`
	URL           string        `mapstructure:"url"`
	Bucket        string        `mapstructure:"bucket"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffCap    time.Duration `mapstructure:"backoff_cap"`
	BackoffJitter float64       `mapstructure:"backoff_jitter"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
}

type AuthConfig struct {
	JWTSecret       string   `mapstructure:"jwt_secret"`
	Admins          []string `mapstructure:"admins"`
	AdminRoomPrefix string   `mapstructure:"admin_room_prefix"`
}

type LimitsConfig struct {
	EventsPerSecond int `mapstructure:"events_per_second"`
}

const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverNATS   = "nats"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "")
	v.SetDefault("api_key", "")
	v.SetDefault("instance_id", "")

	v.SetDefault("transport.read_limit", 32768)
	v.SetDefault("transport.send_buffer", 256)
	v.SetDefault("transport.inbound_queue", 64)
	v.SetDefault("transport.send_timeout", "2s")
	v.SetDefault("transport.write_timeout", "5s")
	v.SetDefault("transport.ping_period", "54s")

	v.SetDefault("presence.idle_timeout", "60s")
	v.SetDefault("presence.typing_ttl", "5s")
	v.SetDefault("presence.debounce", "2s")
	v.SetDefault("presence.retention", "24h")
	v.SetDefault("presence.sweep_interval", "1s")

	v.SetDefault("cluster.reconcile_interval", "30s")
	v.SetDefault("cluster.dedup_window", "10s")
	v.SetDefault("cluster.peer_timeout_factor", 3)

	v.SetDefault("bridge.driver", DriverMemory)
	v.SetDefault("bridge.url", "")
	v.SetDefault("bridge.bucket", "pulse")
	v.SetDefault("bridge.backoff_base", "1s")
	v.SetDefault("bridge.backoff_cap", "30s")
	v.SetDefault("bridge.backoff_jitter", 0.2)
	v.SetDefault("bridge.ping_interval", "5s")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.admins", []string{})
	v.SetDefault("auth.admin_room_prefix", "admin")

	v.SetDefault("limits.events_per_second", 50)
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Bridge: %s\n", cfg.Mode, cfg.Port, cfg.Bridge.Driver)
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Transport.SendBuffer <= 0 {
		errs = append(errs, errors.New("transport.send_buffer must be positive"))
	}
	if c.Transport.InboundQueue <= 0 {
		errs = append(errs, errors.New("transport.inbound_queue must be positive"))
	}
	if c.Transport.SendTimeout <= 0 {
		errs = append(errs, errors.New("transport.send_timeout must be positive"))
	}
	if c.Presence.IdleTimeout <= 0 {
		errs = append(errs, errors.New("presence.idle_timeout must be positive"))
	}
	if c.Presence.TypingTTL <= 0 {
		errs = append(errs, errors.New("presence.typing_ttl must be positive"))
	}
	if c.Cluster.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("cluster.reconcile_interval must be positive"))
	}
	if c.Cluster.DedupWindow <= 0 {
		errs = append(errs, errors.New("cluster.dedup_window must be positive"))
	}
	if c.Cluster.PeerTimeoutFactor < 2 {
		errs = append(errs, errors.New("cluster.peer_timeout_factor must be at least 2"))
	}
	switch c.Bridge.Driver {
	case DriverMemory:
	case DriverRedis, DriverNATS:
		if c.Bridge.URL == "" {
			errs = append(errs, fmt.Errorf("bridge.url is required for driver %q", c.Bridge.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bridge.driver %q", c.Bridge.Driver))
	}
	if c.Bridge.BackoffJitter < 0 || c.Bridge.BackoffJitter >= 1 {
		errs = append(errs, errors.New("bridge.backoff_jitter must be in [0, 1)"))
	}
	return errors.Join(errs...)
}
