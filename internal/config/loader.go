package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr          = ":9090"
	DefaultIdentity            = "turnlog-agent"
	DefaultInstructions        = "You are a voice assistant created by LiveKit. Use short, polite, and clear answers."
	DefaultGreeting            = "Hi there! How can I help you today?"
	DefaultMinEndpointingDelay = 500 * time.Millisecond
	DefaultMaxEndpointingDelay = 5 * time.Second
	DefaultMetricsPath         = "metrics_log.xlsx"
	DefaultMetricsSheet        = "Metrics"

	// NoGreeting as session.greeting disables the greeting.
	NoGreeting = "-"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":           {"openai", "groq", "anthropic", "ollama", "gemini", "deepseek", "mistral", "llamacpp", "llamafile"},
	"stt":           {"deepgram"},
	"tts":           {"elevenlabs"},
	"vad":           {"energy"},
	"turn_detector": {"heuristic"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// against the environment, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.LiveKit.Identity == "" {
		cfg.LiveKit.Identity = DefaultIdentity
	}
	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = "energy"
	}
	if cfg.Providers.TurnDetector.Name == "" {
		cfg.Providers.TurnDetector.Name = "heuristic"
	}

	s := &cfg.Session
	if s.Instructions == "" {
		s.Instructions = DefaultInstructions
	}
	if s.Greeting == "" {
		s.Greeting = DefaultGreeting
	}
	if s.MinEndpointingDelay == 0 {
		s.MinEndpointingDelay = DefaultMinEndpointingDelay
	}
	if s.MaxEndpointingDelay == 0 {
		s.MaxEndpointingDelay = DefaultMaxEndpointingDelay
	}
	if s.AllowInterruptions == nil {
		allow := true
		s.AllowInterruptions = &allow
	}

	m := &cfg.Metrics
	if m.Sink == "" {
		m.Sink = SinkXLSX
	}
	if m.Sink != SinkPostgres && m.Path == "" {
		m.Path = defaultPath(m.Sink)
	}
	if m.Sheet == "" {
		m.Sheet = DefaultMetricsSheet
	}
	m.Path = expandHome(m.Path)
	for i := range m.ExtraSinks {
		e := &m.ExtraSinks[i]
		if e.Name != SinkPostgres && e.Path == "" {
			e.Path = defaultPath(e.Name)
		}
		if e.Sheet == "" {
			e.Sheet = DefaultMetricsSheet
		}
		e.Path = expandHome(e.Path)
	}
}

// defaultPath swaps the default file's extension to match kind.
func defaultPath(kind SinkKind) string {
	if kind == SinkXLSX || kind == "" {
		return DefaultMetricsPath
	}
	return strings.TrimSuffix(DefaultMetricsPath, filepath.Ext(DefaultMetricsPath)) + "." + string(kind)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	lk := cfg.LiveKit
	if lk.URL == "" {
		errs = append(errs, errors.New("livekit.url is required"))
	}
	if lk.APIKey == "" || lk.APISecret == "" {
		errs = append(errs, errors.New("livekit.api_key and livekit.api_secret are required"))
	}
	if lk.Room == "" {
		errs = append(errs, errors.New("livekit.room is required"))
	}

	required := []struct {
		kind string
		name string
	}{
		{"llm", cfg.Providers.LLM.Name},
		{"stt", cfg.Providers.STT.Name},
		{"tts", cfg.Providers.TTS.Name},
	}
	for _, r := range required {
		if r.name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", r.kind))
		}
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("turn_detector", cfg.Providers.TurnDetector.Name)
	for i, e := range cfg.Providers.LLMFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", e.Name)
	}
	for i, e := range cfg.Providers.TTSFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
		}
		validateProviderName("tts", e.Name)
	}

	s := cfg.Session
	if s.MinEndpointingDelay < 0 || s.MaxEndpointingDelay < 0 {
		errs = append(errs, errors.New("session endpointing delays must not be negative"))
	}
	if s.MaxEndpointingDelay != 0 && s.MinEndpointingDelay > s.MaxEndpointingDelay {
		errs = append(errs, fmt.Errorf("session.min_endpointing_delay %s exceeds max_endpointing_delay %s", s.MinEndpointingDelay, s.MaxEndpointingDelay))
	}
	if f := s.Voice.SpeedFactor; f != 0 && (f < 0.5 || f > 2.0) {
		errs = append(errs, fmt.Errorf("session.voice.speed_factor %.2f is out of range [0.5, 2.0]", f))
	}
	if s.Voice.VoiceID == "" && cfg.Providers.TTS.Name != "" {
		slog.Warn("config: session.voice.voice_id is empty; the tts provider default will be used")
	}

	for i, e := range cfg.Metrics.All() {
		prefix := "metrics"
		if i > 0 {
			prefix = fmt.Sprintf("metrics.extra_sinks[%d]", i-1)
		}
		errs = append(errs, validateSink(prefix, e)...)
	}

	return errors.Join(errs...)
}

func validateSink(prefix string, e SinkEntry) []error {
	var errs []error
	switch {
	case e.Name == "":
		errs = append(errs, fmt.Errorf("%s sink name is required", prefix))
	case !e.Name.IsValid():
		errs = append(errs, fmt.Errorf("%s sink %q is invalid; valid values: xlsx, csv, jsonl, postgres", prefix, e.Name))
	case e.Name == SinkPostgres && e.DSN == "":
		errs = append(errs, fmt.Errorf("%s: sink postgres requires a dsn", prefix))
	case e.Name != SinkPostgres && e.Path == "":
		errs = append(errs, fmt.Errorf("%s: sink %s requires a path", prefix, e.Name))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("config: unknown provider name, possibly a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
