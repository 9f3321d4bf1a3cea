package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the game core server.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Server     Server     `yaml:"server"`
	Session    Session    `yaml:"session"`
	Dispatcher Dispatcher `yaml:"dispatcher"`
	Actor      Actor      `yaml:"actor"`
	Security   Security   `yaml:"security"`
	Storage    Storage    `yaml:"storage"`
}

// Server holds listener and framing parameters.
type Server struct {
	ID          int32  `yaml:"id"` // instance id, stamped on sessions and login replies
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
	MaxFrame    uint32 `yaml:"max_frame"`    // bytes, frames above this are rejected
	MaxSessions int    `yaml:"max_sessions"` // connects beyond this are refused
}

// Addr returns the host:port listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.Port)
}

// Session holds per-connection timeouts and the reconnect grace window.
type Session struct {
	IdleReadTimeout time.Duration `yaml:"idle_read_timeout"` // no-read disconnect (default: 120s)
	ReconnectGrace  time.Duration `yaml:"reconnect_grace"`   // default: 30s
	SendQueueSize   int           `yaml:"send_queue_size"`   // per-session outbox capacity (default: 256)
	WriteTimeout    time.Duration `yaml:"write_timeout"`     // per-write deadline (default: 5s)
	ReapInterval    time.Duration `yaml:"reap_interval"`     // expired-session sweep (default: 5s)
}

// Dispatcher holds request pipeline parameters.
type Dispatcher struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"` // per-request deadline (default: 5s)
	AsyncWorkers   int           `yaml:"async_workers"`   // pool bound for RunOn=Async handlers
}

// Actor holds actor runtime residency and persistence parameters.
type Actor struct {
	MaxResident     int           `yaml:"max_resident"` // soft cap, LRU eviction above it
	HardLimit       int           `yaml:"hard_limit"`   // reject cap; 0 means 2*max_resident
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	MinResidency    time.Duration `yaml:"min_residency"` // no eviction before this age
	SaveInterval    time.Duration `yaml:"save_interval"`
	MailboxCapacity int           `yaml:"mailbox_capacity"`
	TickInterval    time.Duration `yaml:"tick_interval"` // 0 disables entity ticks
	DrainPolicy     string        `yaml:"drain_policy"`  // "process" or "reject"
}

// Security holds authentication and request signing parameters.
type Security struct {
	AuthRequiredByDefault bool   `yaml:"auth_required_by_default"`
	AutoCreateAccounts    bool   `yaml:"auto_create_accounts"` // unknown logins register on first use
	RequestSignEnabled    bool   `yaml:"request_sign_enabled"`
	SignKey               string `yaml:"sign_key"`                // hex-encoded HMAC key
	TimestampToleranceSec int    `yaml:"timestamp_tolerance_sec"` // seconds
}

// Storage selects the state backend and holds its connection parameters.
type Storage struct {
	Backend  string   `yaml:"backend"` // "memory", "postgres" or "redis"
	Postgres Database `yaml:"postgres"`
	Redis    Redis    `yaml:"redis"`
}

// Database holds PostgreSQL connection parameters.
type Database struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (d Database) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// Redis holds Redis connection parameters.
type Redis struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// Default returns Config with sensible defaults.
func Default() Config {
	return Config{
		LogLevel: "info",
		Server: Server{
			ID:          1,
			BindAddress: "0.0.0.0",
			Port:        7777,
			MaxFrame:    64 * 1024,
			MaxSessions: 10000,
		},
		Session: Session{
			IdleReadTimeout: 120 * time.Second,
			ReconnectGrace:  30 * time.Second,
			SendQueueSize:   256,
			WriteTimeout:    5 * time.Second,
			ReapInterval:    5 * time.Second,
		},
		Dispatcher: Dispatcher{
			DefaultTimeout: 5 * time.Second,
			AsyncWorkers:   64,
		},
		Actor: Actor{
			MaxResident:     5000,
			HardLimit:       0,
			IdleTimeout:     30 * time.Minute,
			MinResidency:    time.Minute,
			SaveInterval:    60 * time.Second,
			MailboxCapacity: 1000,
			TickInterval:    0,
			DrainPolicy:     "process",
		},
		Security: Security{
			AuthRequiredByDefault: true,
			AutoCreateAccounts:    true,
			RequestSignEnabled:    false,
			TimestampToleranceSec: 300,
		},
		Storage: Storage{
			Backend: "memory",
			Postgres: Database{
				Host:     "127.0.0.1",
				Port:     5432,
				User:     "gamecore",
				Password: "gamecore",
				DBName:   "gamecore",
				SSLMode:  "disable",
			},
			Redis: Redis{
				Addr: "127.0.0.1:6379",
			},
		},
	}
}

// Load loads config from a YAML file.
// If the file doesn't exist, returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
