package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged lists the changed sections that feed
	// [Config.SessionSettings]. They apply to sessions started after the
	// reload; running calls keep their settings.
	SessionChanged []string

	// RestartRequired lists changed sections that are only read at startup.
	RestartRequired []string
}

// HotReloadable reports whether every change can be applied without a
// restart.
func (d ConfigDiff) HotReloadable() bool { return len(d.RestartRequired) == 0 }

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.SessionChanged) == 0 && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"audio", old.Audio, new.Audio},
		{"vad", old.VAD, new.VAD},
		{"recognition", old.Recognition, new.Recognition},
		{"dialogue", old.Dialogue, new.Dialogue},
		{"latency", old.Latency, new.Latency},
		{"qualification", old.Qualification, new.Qualification},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			d.SessionChanged = append(d.SessionChanged, s.name)
		}
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"providers", old.Providers, new.Providers},
		{"synthesis", old.Synthesis, new.Synthesis},
		{"events", old.Events, new.Events},
		{"store", old.Store, new.Store},
		{"observe", old.Observe, new.Observe},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}

	return d
}
