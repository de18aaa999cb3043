package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VoiceChanged bool
	NewVoice     VoiceConfig
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart: telephony
// credentials, provider selection, and database DSN all require a process
// restart to re-dial/re-connect, so they are intentionally not diffed here.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Voice != new.Voice {
		d.VoiceChanged = true
		d.NewVoice = new.Voice
	}

	return d
}
