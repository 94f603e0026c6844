// Package config provides the configuration schema and loader for the Viva
// oral-examination server.
package config

import "time"

// LogLevel controls log verbosity for the Viva server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SpeechBackend selects the real-time speech provider used as the examiner.
type SpeechBackend string

const (
	BackendOpenAIRealtime SpeechBackend = "openai-realtime"
	BackendGeminiLive     SpeechBackend = "gemini-live"
)

// IsValid reports whether b is a recognised speech backend.
func (b SpeechBackend) IsValid() bool {
	return b == BackendOpenAIRealtime || b == BackendGeminiLive
}

// Config is the root configuration structure for Viva.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Speech   SpeechConfig   `yaml:"speech"`
	Session  SessionConfig  `yaml:"session"`
}

// ServerConfig holds network and logging settings for the Viva server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	// URL is the pgx connection string (postgres://...).
	URL string `yaml:"url"`
}

// AuthConfig holds bearer-credential verification settings.
type AuthConfig struct {
	// JWTSecret is the HMAC secret used to verify candidate tokens.
	JWTSecret string `yaml:"jwt_secret"`

	// Issuer, when non-empty, must match the token's iss claim.
	Issuer string `yaml:"issuer"`
}

// SpeechConfig selects and configures the examiner speech provider.
type SpeechConfig struct {
	// Backend selects the provider implementation.
	Backend SpeechBackend `yaml:"backend"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// Model selects a specific model within the provider. Leave empty to use
	// the provider's built-in default.
	Model string `yaml:"model"`

	// BaseURL overrides the provider's default WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Voice selects the examiner voice. Empty uses the provider default.
	Voice string `yaml:"voice"`

	// SetupTimeout bounds how long a session open may wait for the provider's
	// setup acknowledgement.
	SetupTimeout time.Duration `yaml:"setup_timeout"`
}

// SessionConfig holds session-lifecycle policy. All thresholds are policy,
// not mechanism; deployments tune them without code changes.
type SessionConfig struct {
	// GracePeriod is how long a disconnected session remains resumable.
	GracePeriod time.Duration `yaml:"grace_period"`

	// PauseBudget is the maximum duration of a single pause before the
	// upstream handle is released.
	PauseBudget time.Duration `yaml:"pause_budget"`

	// IdleTimeout is the advisory no-audio window. Firing is logged and
	// surfaced but never ends the session.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxChunkBytes is the ceiling on a single encoded audio chunk.
	MaxChunkBytes int `yaml:"max_chunk_bytes"`

	// MaxChunksPerSecond caps audio-chunk arrivals in any trailing second.
	MaxChunksPerSecond int `yaml:"max_chunks_per_second"`

	// WarningThresholds lists remaining-time marks at which the client is
	// warned, largest first.
	WarningThresholds []time.Duration `yaml:"warning_thresholds"`

	// MinEvaluableDuration is the minimum elapsed time for a completed
	// session to be eligible for scoring. Shorter sessions are persisted as
	// completed_unscored.
	MinEvaluableDuration time.Duration `yaml:"min_evaluable_duration"`

	// MaxSessions caps concurrently live sessions per process. Zero means
	// unlimited.
	MaxSessions int `yaml:"max_sessions"`
}

// Defaults returns a Config populated with production defaults. Loading
// applies file values on top of these.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Speech: SpeechConfig{
			Backend:      BackendOpenAIRealtime,
			SetupTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			GracePeriod:          5 * time.Second,
			PauseBudget:          60 * time.Second,
			IdleTimeout:          30 * time.Second,
			MaxChunkBytes:        100 * 1024,
			MaxChunksPerSecond:   50,
			WarningThresholds:    []time.Duration{60 * time.Second, 30 * time.Second},
			MinEvaluableDuration: 120 * time.Second,
			MaxSessions:          256,
		},
	}
}
