package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/jwalitptl/notify-sync/pkg/validator"
)

// EnvPrefix is the prefix of environment overrides, e.g. NOTIFY_API_BASE_URL.
const EnvPrefix = "NOTIFY"

const (
	TransportSocketIO = "socketio"
	TransportRedis    = "redis"
	TransportNone     = "none"
)

type Config struct {
	API     APIConfig     `mapstructure:"api" split_words:"true"`
	Push    PushConfig    `mapstructure:"push" split_words:"true"`
	Redis   RedisConfig   `mapstructure:"redis" split_words:"true"`
	Session SessionConfig `mapstructure:"session" split_words:"true"`
	Sync    SyncConfig    `mapstructure:"sync" split_words:"true"`
	Server  ServerConfig  `mapstructure:"server" split_words:"true"`
	Log     LogConfig     `mapstructure:"log" split_words:"true"`
}

type APIConfig struct {
	BaseURL           string        `mapstructure:"base_url" split_words:"true" validate:"required,url"`
	Timeout           time.Duration `mapstructure:"timeout" split_words:"true" validate:"min=0"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" split_words:"true" validate:"min=0"`
	Burst             int           `mapstructure:"burst" split_words:"true" validate:"min=0"`
	MaxRetries        int           `mapstructure:"max_retries" split_words:"true" validate:"min=0,max=10"`
	BreakerFailures   int           `mapstructure:"breaker_failures" split_words:"true" validate:"min=0"`
	BreakerTimeout    time.Duration `mapstructure:"breaker_timeout" split_words:"true"`
}

type PushConfig struct {
	Transport string `mapstructure:"transport" split_words:"true" validate:"oneof=socketio redis none"`
	// URL defaults to the API base URL.
	URL              string        `mapstructure:"url" split_words:"true" validate:"omitempty,url"`
	Path             string        `mapstructure:"path" split_words:"true"`
	Namespace        string        `mapstructure:"namespace" split_words:"true"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" split_words:"true"`
	ReconnectInitial time.Duration `mapstructure:"reconnect_initial" split_words:"true"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max" split_words:"true"`
	// TopicPrefix is prepended to event names on the redis transport.
	TopicPrefix string `mapstructure:"topic_prefix" split_words:"true"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url" split_words:"true"`
	MaxRetries   int           `mapstructure:"max_retries" split_words:"true"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" split_words:"true"`
	PoolSize     int           `mapstructure:"pool_size" split_words:"true"`
	MinIdleConns int           `mapstructure:"min_idle_conns" split_words:"true"`
}

// SessionConfig says where the access token comes from. A token set here
// wins over the keyring.
type SessionConfig struct {
	Token           string `mapstructure:"token" split_words:"true"`
	UserID          string `mapstructure:"user_id" split_words:"true"`
	Keyring         bool   `mapstructure:"keyring" split_words:"true"`
	KeyringDir      string `mapstructure:"keyring_dir" split_words:"true"`
	KeyringPassword string `mapstructure:"keyring_password" split_words:"true"`
}

type SyncConfig struct {
	PageSize          int           `mapstructure:"page_size" split_words:"true" validate:"min=1,max=100"`
	Filter            string        `mapstructure:"filter" split_words:"true" validate:"oneof=all unread"`
	Search            string        `mapstructure:"search" split_words:"true"`
	RollbackOnFailure bool          `mapstructure:"rollback_on_failure" split_words:"true"`
	AnnounceSuccess   bool          `mapstructure:"announce_success" split_words:"true"`
	TombstoneTTL      time.Duration `mapstructure:"tombstone_ttl" split_words:"true"`
	ToastBuffer       int           `mapstructure:"toast_buffer" split_words:"true" validate:"min=1"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host" split_words:"true"`
	Port            int           `mapstructure:"port" split_words:"true" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" split_words:"true"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" split_words:"true"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" split_words:"true"`
}

type LogConfig struct {
	Level string `mapstructure:"level" split_words:"true" validate:"omitempty,oneof=trace debug info warn error fatal"`
	JSON  bool   `mapstructure:"json" split_words:"true"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PushURL is the push endpoint, falling back to the API base URL.
func (c *Config) PushURL() string {
	if c.Push.URL != "" {
		return c.Push.URL
	}
	return c.API.BaseURL
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.max_retries", 2)
	v.SetDefault("api.breaker_failures", 5)
	v.SetDefault("api.breaker_timeout", 30*time.Second)

	v.SetDefault("push.transport", TransportSocketIO)
	v.SetDefault("push.path", "/socket.io/")
	v.SetDefault("push.namespace", "/")
	v.SetDefault("push.handshake_timeout", 10*time.Second)
	v.SetDefault("push.reconnect_initial", time.Second)
	v.SetDefault("push.reconnect_max", 30*time.Second)

	v.SetDefault("sync.page_size", 10)
	v.SetDefault("sync.filter", "all")
	v.SetDefault("sync.tombstone_ttl", 5*time.Minute)
	v.SetDefault("sync.toast_buffer", 32)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8089)
	v.SetDefault("server.read_timeout", 10*time.Second)
	// Zero keeps the snapshot stream open past any fixed deadline.
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("log.level", "info")
}

// LoadConfig reads config.yaml from path, or from . and ./config when path
// is empty, then applies NOTIFY_* environment overrides. A missing file is
// not an error when the environment supplies everything required.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &config); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	config.Push.Transport = strings.ToLower(config.Push.Transport)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Validate(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Push.Transport == TransportRedis && c.Redis.URL == "" {
		return errors.New("invalid config: redis.url is required for the redis push transport")
	}
	if c.Session.Keyring && c.Session.Token != "" {
		return errors.New("invalid config: session.token and session.keyring are mutually exclusive")
	}
	return nil
}
