package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs. Only sections that
// are safe to hot-reload are tracked: sessions read these knobs once at
// start, so a reload affects the next session, never a running one.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ArbitratorChanged bool
	ReflexChanged     bool
	PolicyChanged     bool
	FallbackChanged   bool
	SessionChanged    bool
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.ArbitratorChanged || d.ReflexChanged ||
		d.PolicyChanged || d.FallbackChanged || d.SessionChanged
}

// Sections lists the changed section names, for log lines.
func (d ConfigDiff) Sections() []string {
	var s []string
	if d.LogLevelChanged {
		s = append(s, "server.log_level")
	}
	if d.ArbitratorChanged {
		s = append(s, "arbitrator")
	}
	if d.ReflexChanged {
		s = append(s, "reflex")
	}
	if d.PolicyChanged {
		s = append(s, "policy")
	}
	if d.FallbackChanged {
		s = append(s, "fallback")
	}
	if d.SessionChanged {
		s = append(s, "session")
	}
	return s
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ArbitratorChanged = old.Arbitrator != new.Arbitrator
	d.ReflexChanged = old.Reflex.Voice != new.Reflex.Voice ||
		!slices.Equal(old.Reflex.Phrases, new.Reflex.Phrases)
	d.PolicyChanged = !policyEqual(old.Policy, new.Policy)
	d.FallbackChanged = !fallbackEqual(old.Fallback, new.Fallback)
	d.SessionChanged = old.Session != new.Session

	return d
}

func policyEqual(a, b PolicyConfig) bool {
	return a.EnablePIIRedaction == b.EnablePIIRedaction &&
		a.PIIRedactionMode == b.PIIRedactionMode &&
		a.CancelOutputThreshold == b.CancelOutputThreshold &&
		a.EvaluateDeltas == b.EvaluateDeltas &&
		slices.Equal(a.ModerationCategories, b.ModerationCategories)
}

func fallbackEqual(a, b FallbackConfig) bool {
	return a.Mode == b.Mode && a.Voice == b.Voice &&
		maps.EqualFunc(a.Phrases, b.Phrases, slices.Equal[[]string])
}
