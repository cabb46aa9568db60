// Package config provides the configuration schema, loader, and provider registry
// for the Supportline assistant.
package config

import "time"

// LogLevel controls log verbosity for Supportline.
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

// AudioBackend selects where captured frames come from.
type AudioBackend string

const (
	// AudioBackendDefault captures from the platform audio system.
	AudioBackendDefault AudioBackend = "default"

	// AudioBackendWAVFile replays a WAV file at real-time pace.
	AudioBackendWAVFile AudioBackend = "wavfile"
)

// IsValid reports whether b is a recognised audio backend.
func (b AudioBackend) IsValid() bool {
	return b == AudioBackendDefault || b == AudioBackendWAVFile
}

// Config is the root configuration structure for Supportline.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Audio        AudioConfig        `yaml:"audio"`
	Conversation ConversationConfig `yaml:"conversation"`
}

// ServerConfig holds logging and ops endpoint settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the ops and control HTTP server
	// (e.g., "127.0.0.1:9090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// LogLevel controls verbosity. It is applied live when the file changes.
	LogLevel LogLevel `yaml:"log_level,omitempty"`
}

// ProvidersConfig declares which provider implementation serves each pipeline
// stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "assemblyai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key,omitempty"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url,omitempty"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini", "nova-3").
	Model string `yaml:"model,omitempty"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options,omitempty"`
}

// AudioConfig selects and shapes the capture device.
type AudioConfig struct {
	// Backend is "default" (platform capture) or "wavfile".
	Backend AudioBackend `yaml:"backend,omitempty"`

	// DeviceID selects the input device. Empty uses the system default. For
	// the wavfile backend it is the path of the file to replay.
	DeviceID string `yaml:"device_id,omitempty"`

	// SampleRate in Hz. Default 16000.
	SampleRate int `yaml:"sample_rate,omitempty"`

	// FrameMS is the frame length in milliseconds. Default 50.
	FrameMS int `yaml:"frame_ms,omitempty"`

	// Options holds backend-specific values (e.g., "loop" for wavfile).
	Options map[string]any `yaml:"options,omitempty"`
}

// ConversationConfig shapes the assistant's behaviour.
type ConversationConfig struct {
	// AssistantName labels assistant turns in the transcript. Default "TJ".
	AssistantName string `yaml:"assistant_name,omitempty"`

	// SystemPrompt opens every conversation. Default [DefaultSystemPrompt].
	SystemPrompt string `yaml:"system_prompt,omitempty"`

	// MaxTurns is the number of exchanges kept in the history. Default 10.
	MaxTurns int `yaml:"max_turns,omitempty"`

	// Temperature for generation, in [0, 2]. Default 0.5.
	Temperature float64 `yaml:"temperature,omitempty"`

	// MaxTokens bounds each response. Default 150.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// FormatTurns asks the transcription service for punctuated finals.
	// Default true.
	FormatTurns *bool `yaml:"format_turns,omitempty"`

	// Keyterms bias recognition towards product names and model numbers.
	Keyterms []string `yaml:"keyterms,omitempty"`

	// QueueWait bounds each wait of the generator on the utterance queue.
	QueueWait time.Duration `yaml:"queue_wait,omitempty"`

	// CloseGrace bounds the transcription close handshake.
	CloseGrace time.Duration `yaml:"close_grace,omitempty"`
}

// FormatTurnsEnabled reports the effective format_turns setting.
func (c ConversationConfig) FormatTurnsEnabled() bool {
	return c.FormatTurns == nil || *c.FormatTurns
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultSTTProvider   = "assemblyai"
	DefaultLLMProvider   = "openai"
	DefaultLLMModel      = "gpt-4o-mini"
	DefaultAssistantName = "TJ"
	DefaultSampleRate    = 16000
	DefaultFrameMS       = 50
	DefaultMaxTurns      = 10
	DefaultTemperature   = 0.5
	DefaultMaxTokens     = 150
)

// DefaultSystemPrompt is the Apple technical support persona used when the
// configuration does not provide one.
const DefaultSystemPrompt = `Act as an Apple Technical Customer Support Advisor named TJ.
You are a technical expert on Apple products. Provide solutions and help with issues, questions and troubleshooting for any Apple product, in a way that satisfies the customer. Sound exactly like a human: professional, calm and empathetic. Stay in character.

Follow this flow when attending to a customer:
1. Greet the customer.
2. Ask for their first and last name, then their Apple ID email.
3. Ask, "What can I help you with today?"
4. Confirm and restate the issue back to them.
5. Ask clarifying questions if needed.
6. Guide the customer step by step in short, clear instructions. Speak simply for elderly customers.
7. Provide a resolution or next steps.
8. Log a short case note in this format:
Issue: [summary]
Steps taken: [summary]
Outcome: [resolved/escalated/transferred]
9. Always end the conversation with a polite closing, even if there is no resolution.

Your responses should be human and never robotic. If a customer is upset, show calm empathy and reassure them that you will do all you can within your scope to help.

Only support iOS issues (Apple ID, iCloud, billing, app issues, iPhone and iPad help). If a request is out of scope (for example carrier, Mac or Apple TV), politely refer the customer to the right support channel.`

// ApplyDefaults fills unset fields with their defaults. Load and
// LoadFromReader call it before validation.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.STT.Name == "" {
		cfg.Providers.STT.Name = DefaultSTTProvider
	}
	if cfg.Providers.LLM.Name == "" {
		cfg.Providers.LLM.Name = DefaultLLMProvider
	}
	if cfg.Providers.LLM.Model == "" && cfg.Providers.LLM.Name == DefaultLLMProvider {
		cfg.Providers.LLM.Model = DefaultLLMModel
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = AudioBackendDefault
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.FrameMS == 0 {
		cfg.Audio.FrameMS = DefaultFrameMS
	}
	c := &cfg.Conversation
	if c.AssistantName == "" {
		c.AssistantName = DefaultAssistantName
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.MaxTurns == 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.Temperature == 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
}
