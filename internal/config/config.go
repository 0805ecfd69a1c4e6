package config

import "time"

// Config is the root configuration for a polls-live process.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	User     UserConfig     `yaml:"user"`
	API      APIConfig      `yaml:"api"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Session  SessionConfig  `yaml:"session"`
	Journal  JournalConfig  `yaml:"journal"`
	Health   HealthConfig   `yaml:"health"`
	Hub      HubConfig      `yaml:"hub"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// InstanceConfig identifies this process. ID defaults to a random UUID.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// UserConfig is the identity used for votes and likes.
type UserConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds REST API settings.
type APIConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RateLimit  float64       `yaml:"rate_limit"` // requests per second, 0 disables
	RateBurst  int           `yaml:"rate_burst"`
}

// RealtimeConfig holds websocket connection manager settings.
type RealtimeConfig struct {
	URL                  string        `yaml:"url"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	BufferSize           int           `yaml:"buffer_size"`
}

// SessionConfig holds snapshot and resync settings.
type SessionConfig struct {
	ResyncOnReconnect *bool         `yaml:"resync_on_reconnect"`
	ResyncInterval    time.Duration `yaml:"resync_interval"` // 0 disables periodic refetch
	SnapshotTimeout   time.Duration `yaml:"snapshot_timeout"`
}

// ResyncEnabled reports whether the snapshot is refetched after a reconnect.
func (s SessionConfig) ResyncEnabled() bool {
	return s.ResyncOnReconnect == nil || *s.ResyncOnReconnect
}

// JournalConfig holds the optional event journal settings.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// HealthConfig holds the health/debug HTTP server settings.
type HealthConfig struct {
	Port int `yaml:"port"`
}

// HubConfig holds settings for the development broadcast hub.
type HubConfig struct {
	Port         int           `yaml:"port"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig selects the log handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json, pretty
}
