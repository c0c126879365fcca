package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RealtimeChanged is true when the engine tuning block differs. The new
	// values apply to the next session built by the factory.
	RealtimeChanged bool

	// RestartRequired lists top-level sections that changed but cannot be
	// applied to a running process, such as the listener address, the
	// provider selection or the session sample rate.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.RealtimeChanged = !reflect.DeepEqual(old.Realtime, new.Realtime)
	if old.Realtime.SampleRate != new.Realtime.SampleRate {
		d.RestartRequired = append(d.RestartRequired, "realtime.sample_rate")
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.LogFormat != new.Server.LogFormat {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameProvider(old.Provider, new.Provider) || !slices.EqualFunc(old.Fallbacks, new.Fallbacks, sameProvider) {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if !reflect.DeepEqual(old.Reconnect, new.Reconnect) {
		d.RestartRequired = append(d.RestartRequired, "reconnect")
	}
	if old.Transcript != new.Transcript {
		d.RestartRequired = append(d.RestartRequired, "transcript")
	}
	return d
}

// Changed reports whether the diff carries any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.RealtimeChanged || len(d.RestartRequired) > 0
}

func sameProvider(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		maps.EqualFunc(a.Options, b.Options, func(x, y any) bool { return reflect.DeepEqual(x, y) })
}
