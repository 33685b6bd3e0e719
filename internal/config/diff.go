package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PitchChanged is true if the pitch target or tolerance changed.
	PitchChanged       bool
	NewTargetFrequency float64
	NewToleranceCents  float64

	// CoherenceChanged is true if any scorer tuning value changed.
	CoherenceChanged bool
	NewCoherence     CoherenceConfig

	// RestartRequired lists sections that changed but only take effect
	// after a restart.
	RestartRequired []string
}

// Changed reports whether anything hot-reloadable changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PitchChanged || d.CoherenceChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Pitch.TargetFrequency != new.Pitch.TargetFrequency ||
		old.Pitch.ToleranceCents != new.Pitch.ToleranceCents {
		d.PitchChanged = true
		d.NewTargetFrequency = new.Pitch.TargetFrequency
		d.NewToleranceCents = new.Pitch.ToleranceCents
	}

	oc, nc := old.Coherence, new.Coherence
	if oc.ExpectedVariance != nc.ExpectedVariance ||
		oc.ExpectedCV != nc.ExpectedCV ||
		oc.Smoothing != nc.Smoothing {
		d.CoherenceChanged = true
		d.NewCoherence = nc
	}

	// Everything else is wired at startup.
	oldPitch, newPitch := old.Pitch, new.Pitch
	oldPitch.TargetFrequency, oldPitch.ToleranceCents = 0, 0
	newPitch.TargetFrequency, newPitch.ToleranceCents = 0, 0
	restart := []struct {
		name    string
		changed bool
	}{
		{"server", !sameServer(old.Server, new.Server)},
		{"audio", old.Audio != new.Audio},
		{"analysis", old.Analysis != new.Analysis},
		{"pitch", oldPitch != newPitch},
		{"formant", old.Formant != new.Formant},
		{"coherence", oc.Window != nc.Window || oc.Grace != nc.Grace},
		{"session", !sameSession(old.Session, new.Session)},
		{"calibration", !sameCalibration(old.Calibration, new.Calibration)},
		{"telemetry", old.Telemetry != new.Telemetry},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartRequired = append(d.RestartRequired, r.name)
		}
	}
	return d
}

func sameServer(a, b ServerConfig) bool {
	if a.ListenAddr != b.ListenAddr || a.ShutdownTimeout != b.ShutdownTimeout {
		return false
	}
	if (a.TLS == nil) != (b.TLS == nil) || (a.TLS != nil && *a.TLS != *b.TLS) {
		return false
	}
	return slices.Equal(a.OriginPatterns, b.OriginPatterns)
}

func sameSession(a, b SessionConfig) bool {
	pa, pb := -1, -1
	if a.PracticeCycles != nil {
		pa = *a.PracticeCycles
	}
	if b.PracticeCycles != nil {
		pb = *b.PracticeCycles
	}
	return pa == pb &&
		a.DefaultMode == b.DefaultMode &&
		a.FirstBreathMultiplier == b.FirstBreathMultiplier &&
		a.TickInterval == b.TickInterval
}

func sameCalibration(a, b CalibrationConfig) bool {
	if a.UserID != b.UserID ||
		a.NoiseDuration != b.NoiseDuration ||
		a.VoiceDuration != b.VoiceDuration ||
		a.VoiceRMS != b.VoiceRMS ||
		a.CircuitBreaker != b.CircuitBreaker ||
		len(a.Stores) != len(b.Stores) {
		return false
	}
	for i := range a.Stores {
		if a.Stores[i].Name != b.Stores[i].Name ||
			a.Stores[i].Dir != b.Stores[i].Dir ||
			a.Stores[i].DSN != b.Stores[i].DSN {
			return false
		}
	}
	return true
}
