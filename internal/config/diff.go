package config

// ConfigDiff describes what changed between two configs. Only fields that
// can be safely hot-reloaded without restarting the process are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DispatchChanged bool
	GatewayChanged  bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Dispatch != new.Dispatch {
		d.DispatchChanged = true
	}
	if old.Gateway != new.Gateway {
		d.GatewayChanged = true
	}

	return d
}
