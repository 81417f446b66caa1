package config

import "reflect"

// Section names reported in [ConfigDiff.RestartRequired].
const (
	SectionLLM       = "llm"
	SectionChat      = "chat"
	SectionPlugins   = "plugins"
	SectionHistory   = "history"
	SectionTelemetry = "telemetry"
)

// ConfigDiff describes what changed between two configs. Only the log level
// can be applied to a running session; every other changed section is listed
// in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	sections := []struct {
		name     string
		old, new any
	}{
		{SectionLLM, old.LLM, new.LLM},
		{SectionChat, old.Chat, new.Chat},
		{SectionPlugins, old.Plugins, new.Plugins},
		{SectionHistory, old.History, new.History},
		{SectionTelemetry, old.Telemetry, new.Telemetry},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
