// Package config provides the configuration schema, loader, and provider
// registry for turnlog.
package config

import "time"

// LogLevel controls log verbosity.
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

// SinkKind selects a metrics store implementation.
type SinkKind string

const (
	SinkXLSX     SinkKind = "xlsx"
	SinkCSV      SinkKind = "csv"
	SinkJSONL    SinkKind = "jsonl"
	SinkPostgres SinkKind = "postgres"
)

// IsValid reports whether k names a built-in sink.
func (k SinkKind) IsValid() bool {
	switch k {
	case SinkXLSX, SinkCSV, SinkJSONL, SinkPostgres:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LiveKit   LiveKitConfig   `yaml:"livekit"`
	Providers ProvidersConfig `yaml:"providers"`
	Session   SessionConfig   `yaml:"session"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds the HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr serves /metrics, /healthz, /readyz and /turns/pending.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`
}

// LiveKitConfig locates the media room the agent joins.
type LiveKitConfig struct {
	// URL is the LiveKit server's WebSocket URL (e.g. "wss://my.livekit.cloud").
	URL string `yaml:"url"`

	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`

	// Room is the room name to join.
	Room string `yaml:"room"`

	// Identity is the agent's participant identity.
	Identity string `yaml:"identity"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	LLM          ProviderEntry `yaml:"llm"`
	STT          ProviderEntry `yaml:"stt"`
	TTS          ProviderEntry `yaml:"tts"`
	VAD          ProviderEntry `yaml:"vad"`
	TurnDetector ProviderEntry `yaml:"turn_detector"`

	// LLMFallbacks and TTSFallbacks are tried in order when the primary
	// backend fails to start a stream or its circuit breaker is open.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g. "groq",
	// "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// SessionConfig shapes the conversation the agent holds.
type SessionConfig struct {
	// Instructions is the LLM system prompt.
	Instructions string `yaml:"instructions"`

	// Greeting is spoken once when the session starts. Set to "-" to disable.
	Greeting string `yaml:"greeting"`

	// MinEndpointingDelay and MaxEndpointingDelay bound how long the agent
	// waits after the user stops speaking before it commits the turn.
	MinEndpointingDelay time.Duration `yaml:"min_endpointing_delay"`
	MaxEndpointingDelay time.Duration `yaml:"max_endpointing_delay"`

	// AllowInterruptions lets user speech cancel an in-flight reply.
	// Defaults to true.
	AllowInterruptions *bool `yaml:"allow_interruptions"`

	Voice VoiceConfig `yaml:"voice"`
}

// InterruptionsAllowed returns the effective AllowInterruptions value.
func (s SessionConfig) InterruptionsAllowed() bool {
	return s.AllowInterruptions == nil || *s.AllowInterruptions
}

// VoiceConfig specifies the TTS voice.
type VoiceConfig struct {
	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// SpeedFactor adjusts speaking rate in the range [0.5, 2.0]. 0 means
	// provider default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// MetricsConfig selects where per-turn latency rows are written.
type MetricsConfig struct {
	// Sink is the primary store. Defaults to xlsx.
	Sink SinkKind `yaml:"sink"`

	// Path is the file for file-backed sinks.
	Path string `yaml:"path"`

	// Sheet is the worksheet name for the xlsx sink.
	Sheet string `yaml:"sheet"`

	// PostgresDSN is the connection string for the postgres sink.
	PostgresDSN string `yaml:"postgres_dsn"`

	// ExtraSinks receive every row in addition to the primary sink.
	ExtraSinks []SinkEntry `yaml:"extra_sinks"`
}

// SinkEntry configures one metrics store.
type SinkEntry struct {
	Name  SinkKind `yaml:"name"`
	Path  string   `yaml:"path"`
	Sheet string   `yaml:"sheet"`
	DSN   string   `yaml:"dsn"`
}

// Primary returns the primary sink as a [SinkEntry].
func (m MetricsConfig) Primary() SinkEntry {
	return SinkEntry{Name: m.Sink, Path: m.Path, Sheet: m.Sheet, DSN: m.PostgresDSN}
}

// All returns the primary sink followed by every extra sink.
func (m MetricsConfig) All() []SinkEntry {
	return append([]SinkEntry{m.Primary()}, m.ExtraSinks...)
}
