package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"assemblyai", "deepgram"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadOrInit loads the file at path. When it does not exist a default
// configuration with empty API keys is written there and returned, and
// created reports true so the caller can tell the operator to fill it in.
func LoadOrInit(path string) (cfg *Config, created bool, err error) {
	cfg, err = Load(path)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return cfg, false, err
	}
	cfg = &Config{}
	ApplyDefaults(cfg)
	if err := Save(path, cfg); err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
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

// Save writes cfg to path as YAML. The file is replaced atomically and is
// only readable by its owner since it holds API keys.
func Save(path string, cfg *Config) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("config: encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("config: encode yaml: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".supportline-*.yaml")
	if err != nil {
		return fmt.Errorf("config: save %q: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("config: save %q: %w", path, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("config: save %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: save %q: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("config: save %q: %w", path, err)
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	if cfg.Providers.STT.APIKey == "" {
		slog.Warn("providers.stt.api_key is empty; the session cannot be started until it is set")
	}
	if cfg.Providers.LLM.APIKey == "" && NeedsAPIKey(cfg.Providers.LLM.Name) {
		slog.Warn("providers.llm.api_key is empty; responses will fail until it is set",
			"provider", cfg.Providers.LLM.Name)
	}

	// Audio
	a := cfg.Audio
	if a.Backend != "" && !a.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: default, wavfile", a.Backend))
	}
	if a.Backend == AudioBackendWAVFile && a.DeviceID == "" {
		errs = append(errs, errors.New("audio.device_id must name a WAV file when audio.backend is wavfile"))
	}
	if a.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	} else if a.SampleRate != 0 && a.SampleRate != DefaultSampleRate {
		slog.Warn("audio.sample_rate differs from 16000; the transcription service may reject the stream",
			"sample_rate", a.SampleRate)
	}
	if a.FrameMS != 0 && (a.FrameMS < 10 || a.FrameMS > 500) {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is out of range [10, 500]", a.FrameMS))
	}

	// Conversation
	c := cfg.Conversation
	if c.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("conversation.max_turns %d must not be negative", c.MaxTurns))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, fmt.Errorf("conversation.temperature %.2f is out of range [0, 2]", c.Temperature))
	}
	if c.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("conversation.max_tokens %d must not be negative", c.MaxTokens))
	}
	if c.QueueWait < 0 {
		errs = append(errs, fmt.Errorf("conversation.queue_wait %s must not be negative", c.QueueWait))
	}
	if c.CloseGrace < 0 {
		errs = append(errs, fmt.Errorf("conversation.close_grace %s must not be negative", c.CloseGrace))
	}

	return errors.Join(errs...)
}

// NeedsAPIKey reports whether the named LLM provider is a hosted service
// that requires an API key.
func NeedsAPIKey(name string) bool {
	switch name {
	case "ollama", "llamacpp", "llamafile":
		return false
	}
	return true
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
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
