package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only the log level is applied live; everything else takes effect when the
// next session starts, except the listen address which needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ListenAddrChanged is set when server.listen_addr changed. The ops
	// server keeps its old address until the process restarts.
	ListenAddrChanged bool

	// STTChanged and LLMChanged are set when a provider entry changed.
	STTChanged bool
	LLMChanged bool

	// AudioChanged is set when the backend, device or frame shape changed.
	AudioChanged bool

	// ConversationChanged is set when the prompt or generation settings
	// changed.
	ConversationChanged bool
}

// NextSession reports whether any change only applies to the next session.
func (d ConfigDiff) NextSession() bool {
	return d.STTChanged || d.LLMChanged || d.AudioChanged || d.ConversationChanged
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ListenAddrChanged && !d.NextSession()
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ListenAddrChanged = old.Server.ListenAddr != new.Server.ListenAddr

	d.STTChanged = !reflect.DeepEqual(old.Providers.STT, new.Providers.STT)
	d.LLMChanged = !reflect.DeepEqual(old.Providers.LLM, new.Providers.LLM)
	d.AudioChanged = !reflect.DeepEqual(old.Audio, new.Audio)
	d.ConversationChanged = !reflect.DeepEqual(old.Conversation, new.Conversation)

	return d
}
