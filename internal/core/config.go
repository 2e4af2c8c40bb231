package core

import (
	"time"
)

const (
	// DefaultAppPrefix is the application half of every hook name.
	DefaultAppPrefix = "HJB"
	// DefaultServicePrefix is the queue-manager half of every hook name.
	DefaultServicePrefix = "QueueManager"
	// DefaultMinPlaytimeSecs is the lower bound of the derived play duration.
	DefaultMinPlaytimeSecs = 5
	// DefaultMaxPlaytimeSecs is the upper bound of the derived play duration.
	DefaultMaxPlaytimeSecs = 15
	// DefaultPollInterval is the client playback polling cadence.
	DefaultPollInterval = 1500 * time.Millisecond
	// DefaultServerPort is the port the session server listens on.
	DefaultServerPort = 8090
	// DefaultFloodLimitPerMinute caps advance requests per viewer.
	DefaultFloodLimitPerMinute = 6
)

type Config struct {
	App    AppConfig
	Queue  QueueConfig
	Broker BrokerConfig
	Redis  RedisConfig
	Player PlayerConfig
	Server ServerConfig
	Log    LogConfig
}

type AppConfig struct {
	Prefix string
}

type QueueConfig struct {
	ServicePrefix       string
	MinPlaytimeSecs     int
	MaxPlaytimeSecs     int
	FloodLimitPerMinute int
}

type BrokerConfig struct {
	// URL is the AMQP connection string. Empty means the server runs on the
	// in-memory broker (single-process mode).
	URL string
}

type RedisConfig struct {
	// Addr is the pub/sub adapter address. Empty disables cross-instance
	// fan-out; the hub then runs in local-only mode.
	Addr string
}

type PlayerConfig struct {
	ExchangeURL  string
	ProviderURL  string
	TokenPath    string
	PollInterval time.Duration

	// Exchange credentials for the server-mediated /token endpoint.
	ClientID     string
	ClientSecret string
	TokenURL     string
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Prefix: DefaultAppPrefix,
		},
		Queue: QueueConfig{
			ServicePrefix:       DefaultServicePrefix,
			MinPlaytimeSecs:     DefaultMinPlaytimeSecs,
			MaxPlaytimeSecs:     DefaultMaxPlaytimeSecs,
			FloodLimitPerMinute: DefaultFloodLimitPerMinute,
		},
		Broker: BrokerConfig{},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Player: PlayerConfig{
			ExchangeURL:  "http://localhost:8090",
			ProviderURL:  "https://api.spotify.com/v1",
			TokenPath:    "./refresh_token",
			PollInterval: DefaultPollInterval,
			TokenURL:     "https://accounts.spotify.com/api/token",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         DefaultServerPort,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
