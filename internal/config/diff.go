package config

import "reflect"

// ConfigDiff describes what changed between two configs. Session and log
// level changes apply to the running agent; everything else needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when any field under session: differs.
	SessionChanged bool

	// RestartRequired names the top-level sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// Diff compares old and new.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.SessionChanged = !reflect.DeepEqual(old.Session, new.Session)

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.LiveKit != new.LiveKit {
		d.RestartRequired = append(d.RestartRequired, "livekit")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !reflect.DeepEqual(old.Metrics, new.Metrics) {
		d.RestartRequired = append(d.RestartRequired, "metrics")
	}
	return d
}
