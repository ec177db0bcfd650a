package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Heartbeat HeartbeatConfig
	Relay     RelayConfig
	History   HistoryConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
	// AllowAnonymous lets a socket without a resolvable identity connect; it
	// is registered but excluded from user lookups until identified.
	AllowAnonymous bool `mapstructure:"allowAnonymous"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type RelayConfig struct {
	// EchoToSender controls whether the sender of a chat-message receives its
	// own forwarded frame back.
	EchoToSender bool `mapstructure:"echoToSender"`
}

type HistoryConfig struct {
	// Limit bounds the in-memory ring of finished call sessions.
	Limit int `mapstructure:"limit"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}
