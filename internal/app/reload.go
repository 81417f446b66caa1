package app

import (
	"log/slog"

	"github.com/MrWong99/mosscap/internal/config"
)

// OnConfigChange returns a [config.Watcher] callback that applies log level
// changes to level. Changes to any other section only take effect after a
// restart and are logged as such.
func OnConfigChange(level *slog.LevelVar) func(old, new *config.Config) {
	return func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(d.NewLogLevel.Level())
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changed, restart to apply", "sections", d.RestartRequired)
		}
	}
}
