// Package config loads settings from an optional YAML file and FANLINE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"go-fanline/internal/logger"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	DB      DBConfig      `mapstructure:"db"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Room    RoomConfig    `mapstructure:"room"`
	Push    PushConfig    `mapstructure:"push"`
	Timers  TimersConfig  `mapstructure:"timers"`
	Log     logger.Config `mapstructure:"log"`
	Cluster ClusterConfig `mapstructure:"cluster"`
}

type ServerConfig struct {
	Addr     string        `mapstructure:"addr"`
	PongWait time.Duration `mapstructure:"pong_wait"`
}

type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type RoomConfig struct {
	URL       string        `mapstructure:"url"`
	APIKey    string        `mapstructure:"api_key"`
	APISecret string        `mapstructure:"api_secret"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type PushConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type TimersConfig struct {
	AcceptanceWindow  time.Duration `mapstructure:"acceptance_window"`
	RingTimeout       time.Duration `mapstructure:"ring_timeout"`
	AutoOfferDebounce time.Duration `mapstructure:"auto_offer_debounce"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	PresenceTTL       time.Duration `mapstructure:"presence_ttl"`
	PresenceSweep     time.Duration `mapstructure:"presence_sweep"`
}

type ClusterConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

var ErrMissing = errors.New("config: required setting missing")

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.pong_wait", 60*time.Second)
	v.SetDefault("db.dsn", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "fanline")
	v.SetDefault("room.url", "")
	v.SetDefault("room.api_key", "")
	v.SetDefault("room.api_secret", "")
	v.SetDefault("room.ttl", 2*time.Hour)
	v.SetDefault("push.webhook_url", "")
	v.SetDefault("push.timeout", 5*time.Second)
	v.SetDefault("timers.acceptance_window", 30*time.Second)
	v.SetDefault("timers.ring_timeout", 30*time.Second)
	v.SetDefault("timers.auto_offer_debounce", 3*time.Second)
	v.SetDefault("timers.sweep_interval", time.Minute)
	v.SetDefault("timers.presence_ttl", 90*time.Second)
	v.SetDefault("timers.presence_sweep", 30*time.Second)
	v.SetDefault("log.service", "fanline")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("cluster.enabled", false)
}

// Load reads path (if not empty) and the environment. FANLINE_DB_DSN
// overrides db.dsn, and so on. When memory is false the database DSN and
// the JWT secret are required.
func Load(path string, memory bool) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FANLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(memory); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate(memory bool) error {
	if c.Auth.JWTSecret == "" {
		if !memory {
			return fmt.Errorf("%w: auth.jwt_secret (FANLINE_AUTH_JWT_SECRET)", ErrMissing)
		}
		c.Auth.JWTSecret = "dev-secret"
	}
	if c.DB.DSN == "" && !memory {
		return fmt.Errorf("%w: db.dsn (FANLINE_DB_DSN)", ErrMissing)
	}
	if c.Room.APISecret == "" {
		c.Room.APISecret = c.Auth.JWTSecret
	}
	return nil
}
