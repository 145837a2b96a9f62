package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything else
// (listen address, data dir, provider wiring) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	AutoReplyChanged bool
	NewAutoReply     bool

	IdleTimeoutChanged bool
	NewIdleTimeoutSec  int
}

// Changed reports whether the diff contains any hot-reloadable change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.AutoReplyChanged || d.IdleTimeoutChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Pipeline.AutoReply != new.Pipeline.AutoReply {
		d.AutoReplyChanged = true
		d.NewAutoReply = new.Pipeline.AutoReply
	}
	if old.Pipeline.SessionIdleTimeoutSec != new.Pipeline.SessionIdleTimeoutSec {
		d.IdleTimeoutChanged = true
		d.NewIdleTimeoutSec = new.Pipeline.SessionIdleTimeoutSec
	}

	return d
}
