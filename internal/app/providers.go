package app

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/supportline/internal/config"
	"github.com/MrWong99/supportline/internal/display"
	"github.com/MrWong99/supportline/internal/observe"
	"github.com/MrWong99/supportline/internal/pipeline"
	"github.com/MrWong99/supportline/pkg/audio"
	"github.com/MrWong99/supportline/pkg/audio/capture"
	"github.com/MrWong99/supportline/pkg/audio/wavfile"
	"github.com/MrWong99/supportline/pkg/provider/llm"
	"github.com/MrWong99/supportline/pkg/provider/llm/anyllm"
	"github.com/MrWong99/supportline/pkg/provider/llm/openai"
	"github.com/MrWong99/supportline/pkg/provider/stt"
	"github.com/MrWong99/supportline/pkg/provider/stt/assemblyai"
	"github.com/MrWong99/supportline/pkg/provider/stt/deepgram"
)

// Providers holds one interface value per provider slot. Populated from the
// config registry by [BuildProviders] or assembled by hand in tests.
type Providers struct {
	STT     stt.Provider
	STTName string

	LLM     llm.Provider
	LLMName string

	Audio audio.DeviceProvider
}

// RegisterBuiltins wires all built-in provider factories into reg. Each
// factory receives its config block and constructs the provider from the
// real implementation packages.
func RegisterBuiltins(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("assemblyai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []assemblyai.Option
		if entry.BaseURL != "" {
			opts = append(opts, assemblyai.WithEndpoint(entry.BaseURL))
		}
		if ms := optInt(entry.Options, "min_end_of_turn_silence_ms"); ms > 0 {
			opts = append(opts, assemblyai.WithMinEndOfTurnSilence(ms))
		}
		if d := optDuration(entry.Options, "close_grace"); d > 0 {
			opts = append(opts, assemblyai.WithCloseGrace(d))
		}
		return assemblyai.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "close_grace"); d > 0 {
			opts = append(opts, deepgram.WithCloseGrace(d))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	// openai talks to the chat completions API directly; set
	// options.backend: anyllm to route it through any-llm-go instead.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		if optString(entry.Options, "backend") == "anyllm" {
			return newAnyLLM("openai", entry)
		}
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if n := optInt(entry.Options, "max_retries"); n > 0 {
			opts = append(opts, openai.WithMaxRetries(n))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, name := range anyllm.Supported {
		if name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			return newAnyLLM(name, entry)
		})
	}

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio(config.AudioBackendDefault, func(ac config.AudioConfig) (audio.DeviceProvider, error) {
		var opts []capture.Option
		if _, ok := ac.Options["stall_timeout"]; ok {
			opts = append(opts, capture.WithStallTimeout(optDuration(ac.Options, "stall_timeout")))
		}
		return capture.New(opts...)
	})

	reg.RegisterAudio(config.AudioBackendWAVFile, func(ac config.AudioConfig) (audio.DeviceProvider, error) {
		return wavfile.New(ac.DeviceID, wavfile.WithRealtime(optBool(ac.Options, "realtime", true)))
	})
}

// newAnyLLM builds an any-llm-go backed provider. Without an API key the
// library falls back to the vendor's environment variable.
func newAnyLLM(name string, entry config.ProviderEntry) (llm.Provider, error) {
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	model := entry.Model
	if model == "" && name == "openai" {
		model = config.DefaultLLMModel
	}
	return anyllm.New(name, model, opts...)
}

// BuildProviders instantiates the providers named in cfg using the registry.
// Unlike the generation and transcription services, the audio backend touches
// local hardware, so an unavailable sound server fails here instead of at the
// first session start. A transcription block without an API key leaves the
// STT slot empty; the session manager reports it when a session is started.
func BuildProviders(reg *config.Registry, cfg *config.Config) (*Providers, error) {
	ps := &Providers{
		STTName: cfg.Providers.STT.Name,
		LLMName: cfg.Providers.LLM.Name,
	}

	var errs []error
	var err error
	if ps.STT, err = buildSTT(reg, cfg); err != nil {
		errs = append(errs, err)
	}
	if ps.LLM, err = buildLLM(reg, cfg); err != nil {
		errs = append(errs, err)
	}
	if ps.Audio, err = buildAudio(reg, cfg); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return ps, nil
}

func buildSTT(reg *config.Registry, cfg *config.Config) (stt.Provider, error) {
	entry := withCloseGrace(cfg.Providers.STT, cfg.Conversation.CloseGrace)
	if entry.APIKey == "" {
		slog.Warn("stt provider has no api key; sessions cannot start until it is configured",
			"name", entry.Name)
		return nil, nil
	}
	p, err := reg.CreateSTT(entry)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", entry.Name)
	return p, nil
}

func buildLLM(reg *config.Registry, cfg *config.Config) (llm.Provider, error) {
	entry := cfg.Providers.LLM
	p, err := reg.CreateLLM(entry)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)
	return p, nil
}

func buildAudio(reg *config.Registry, cfg *config.Config) (audio.DeviceProvider, error) {
	p, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio backend %q: %w", cfg.Audio.Backend, err)
	}
	slog.Info("provider created", "kind", "audio", "name", string(cfg.Audio.Backend))
	return p, nil
}

// audioBackendChanged reports whether a config edit needs a new capture
// backend. Device, rate and frame changes only reshape the next Open.
func audioBackendChanged(old, new config.AudioConfig) bool {
	if old.Backend != new.Backend || !reflect.DeepEqual(old.Options, new.Options) {
		return true
	}
	return new.Backend == config.AudioBackendWAVFile && old.DeviceID != new.DeviceID
}

// withCloseGrace returns entry with conversation.close_grace as its
// close_grace option unless the provider block sets one itself.
func withCloseGrace(entry config.ProviderEntry, d time.Duration) config.ProviderEntry {
	if d <= 0 {
		return entry
	}
	if _, ok := entry.Options["close_grace"]; ok {
		return entry
	}
	opts := make(map[string]any, len(entry.Options)+1)
	maps.Copy(opts, entry.Options)
	opts["close_grace"] = d.String()
	entry.Options = opts
	return entry
}

// Close releases the audio backend.
func (p *Providers) Close() error {
	if p.Audio == nil {
		return nil
	}
	return p.Audio.Close()
}

// PipelineConfig maps the configuration file onto a [pipeline.Config].
func PipelineConfig(cfg *config.Config, ps *Providers, bus *display.Bus, metrics *observe.Metrics) pipeline.Config {
	rate := cfg.Audio.SampleRate
	if rate == 0 {
		rate = config.DefaultSampleRate
	}
	frameMS := cfg.Audio.FrameMS
	if frameMS == 0 {
		frameMS = config.DefaultFrameMS
	}
	conv := cfg.Conversation

	pc := pipeline.Config{
		DeviceID: cfg.Audio.DeviceID,
		Capture: audio.CaptureConfig{
			SampleRate:   rate,
			FrameSamples: rate * frameMS / 1000,
		},
		STTName: ps.STTName,
		Stream: stt.StreamConfig{
			SampleRate:  rate,
			Channels:    1,
			FormatTurns: conv.FormatTurnsEnabled(),
			Keyterms:    conv.Keyterms,
		},
		LLMName:      ps.LLMName,
		SystemPrompt: conv.SystemPrompt,
		MaxTurns:     conv.MaxTurns,
		Temperature:  conv.Temperature,
		MaxTokens:    conv.MaxTokens,
		QueueWait:    conv.QueueWait,
		Bus:          bus,
		Metrics:      metrics,
	}
	// Assign interfaces only when set so that nil stays a nil interface and
	// pipeline.New reports the missing dependency.
	if ps.Audio != nil {
		pc.Devices = ps.Audio
	}
	if ps.STT != nil {
		pc.STT = ps.STT
	}
	if ps.LLM != nil {
		pc.LLM = ps.LLM
	}
	return pc
}

// ── Option helpers ────────────────────────────────────────────────────────────

// optString extracts a string value from an Options map. Returns "" if the map
// is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer. YAML decodes whole numbers as int; floats are
// truncated.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// optBool extracts a boolean, returning def when the key is absent or not a
// boolean.
func optBool(opts map[string]any, key string, def bool) bool {
	if b, ok := opts[key].(bool); ok {
		return b
	}
	return def
}

// optDuration accepts a Go duration string ("750ms") or a number of
// milliseconds.
func optDuration(opts map[string]any, key string) time.Duration {
	if s := optString(opts, key); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			slog.Warn("ignoring invalid duration option", "key", key, "value", s, "err", err)
			return 0
		}
		return d
	}
	return time.Duration(optInt(opts, key)) * time.Millisecond
}
