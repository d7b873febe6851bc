// Package config defines server and client configuration and how it is loaded.
package config

import (
	"errors"
	"time"
)

// Sentinel error kinds for this package.
var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrLoadConfig    = errors.New("load config failed")
)

// Config is the whole process configuration. A process uses either the
// Server or the Client section.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	Server   Server `koanf:"server"`
	Client   Client `koanf:"client"`
}

type Server struct {
	// Addr is the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`
	// DatabaseURL selects the Postgres store; empty keeps everything in memory.
	DatabaseURL string `koanf:"database_url"`
	// JWTSecret signs session tokens.
	JWTSecret  string        `koanf:"jwt_secret"`
	SessionTTL time.Duration `koanf:"session_ttl"`
	// PublicBaseURL prefixes invite links.
	PublicBaseURL string `koanf:"public_base_url"`

	BattleDuration  time.Duration `koanf:"battle_duration"`
	Countdown       time.Duration `koanf:"countdown"`
	RevealHold      time.Duration `koanf:"reveal_hold"`
	// AIDelay is how long Pip takes to submit once a battle goes active.
	AIDelay time.Duration `koanf:"ai_delay"`
	// JudgeLatency simulates the generation and judging service.
	JudgeLatency    time.Duration `koanf:"judge_latency"`
	InvitationTTL   time.Duration `koanf:"invitation_ttl"`
	QueueStaleAfter time.Duration `koanf:"queue_stale_after"`
	// MaintenanceInterval is how often expired invitations and stale queue
	// entries are swept.
	MaintenanceInterval time.Duration `koanf:"maintenance_interval"`
	CatalogSeed         uint64        `koanf:"catalog_seed"`
}

type Client struct {
	// BaseURL is the server's HTTP origin; websocket URLs are derived from it.
	BaseURL string `koanf:"base_url"`
	Token   string `koanf:"token"`
	// StoragePath is the SQLite file backing durable client state.
	StoragePath string `koanf:"storage_path"`

	// Grace delays before REST reconciliation runs.
	AnonymousGrace     time.Duration `koanf:"anonymous_grace"`
	AuthenticatedGrace time.Duration `koanf:"authenticated_grace"`

	ReconnectInitial  time.Duration `koanf:"reconnect_initial"`
	ReconnectMax      time.Duration `koanf:"reconnect_max"`
	ReconnectAttempts int           `koanf:"reconnect_attempts"`

	KeepaliveInterval    time.Duration `koanf:"keepalive_interval"`
	SubmitConfirmTimeout time.Duration `koanf:"submit_confirm_timeout"`
	// SearchTimeout ends an active-user search nobody answered.
	SearchTimeout time.Duration `koanf:"search_timeout"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel: "info",
		Server: Server{
			Addr:                ":8080",
			JWTSecret:           "dev-only-secret-change-me",
			SessionTTL:          30 * 24 * time.Hour,
			PublicBaseURL:       "http://localhost:8080",
			BattleDuration:      90 * time.Second,
			Countdown:           3 * time.Second,
			RevealHold:          5 * time.Second,
			AIDelay:             4 * time.Second,
			JudgeLatency:        time.Second,
			InvitationTTL:       72 * time.Hour,
			QueueStaleAfter:     30 * time.Second,
			MaintenanceInterval: time.Minute,
			CatalogSeed:         1,
		},
		Client: Client{
			BaseURL:              "http://localhost:8080",
			StoragePath:          "prompt-battle.db",
			AnonymousGrace:       500 * time.Millisecond,
			AuthenticatedGrace:   2 * time.Second,
			ReconnectInitial:     250 * time.Millisecond,
			ReconnectMax:         5 * time.Second,
			ReconnectAttempts:    8,
			KeepaliveInterval:    10 * time.Second,
			SubmitConfirmTimeout: 2 * time.Second,
			SearchTimeout:        2 * time.Minute,
		},
	}
}
