package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r on top of [Defaults] and
// validates the result. Environment variable references ($VAR or ${VAR}) in
// the document are expanded before decoding, so secrets can stay out of the
// file itself.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := Defaults()
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("server.listen_addr must not be empty"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, fmt.Errorf("server.tls requires both cert_file and key_file"))
		}
	}

	if !cfg.Speech.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("speech.backend %q is invalid; valid values: openai-realtime, gemini-live", cfg.Speech.Backend))
	}
	if cfg.Speech.SetupTimeout <= 0 {
		errs = append(errs, fmt.Errorf("speech.setup_timeout must be positive"))
	}

	if cfg.Session.GracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("session.grace_period must be positive"))
	}
	if cfg.Session.PauseBudget <= 0 {
		errs = append(errs, fmt.Errorf("session.pause_budget must be positive"))
	}
	if cfg.Session.MaxChunkBytes <= 0 {
		errs = append(errs, fmt.Errorf("session.max_chunk_bytes must be positive"))
	}
	if cfg.Session.MaxChunksPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("session.max_chunks_per_second must be positive"))
	}
	if cfg.Session.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("session.max_sessions must not be negative"))
	}
	for _, w := range cfg.Session.WarningThresholds {
		if w <= 0 {
			errs = append(errs, fmt.Errorf("session.warning_thresholds entries must be positive, got %s", w))
		}
	}
	if !sort.SliceIsSorted(cfg.Session.WarningThresholds, func(i, j int) bool {
		return cfg.Session.WarningThresholds[i] > cfg.Session.WarningThresholds[j]
	}) {
		errs = append(errs, fmt.Errorf("session.warning_thresholds must be ordered largest first"))
	}

	return errors.Join(errs...)
}
