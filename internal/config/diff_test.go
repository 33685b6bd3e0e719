package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/vocalis/internal/config"
)

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mutate      func(*config.Config)
		wantLog     bool
		wantPitch   bool
		wantCoh     bool
		wantRestart []string
	}{
		{name: "identical", mutate: func(*config.Config) {}},
		{
			name:    "log level",
			mutate:  func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			wantLog: true,
		},
		{
			name:      "pitch target",
			mutate:    func(c *config.Config) { c.Pitch.TargetFrequency = 98 },
			wantPitch: true,
		},
		{
			name:      "pitch tolerance",
			mutate:    func(c *config.Config) { c.Pitch.ToleranceCents = 25 },
			wantPitch: true,
		},
		{
			name:    "coherence tuning",
			mutate:  func(c *config.Config) { c.Coherence.ExpectedCV = 0.3 },
			wantCoh: true,
		},
		{
			name:        "coherence window needs restart",
			mutate:      func(c *config.Config) { c.Coherence.Window = 20 },
			wantRestart: []string{"coherence"},
		},
		{
			name:        "pitch threshold needs restart",
			mutate:      func(c *config.Config) { c.Pitch.Threshold = 0.8 },
			wantRestart: []string{"pitch"},
		},
		{
			name: "listen addr and stores",
			mutate: func(c *config.Config) {
				c.Server.ListenAddr = ":1"
				c.Calibration.Stores = append(c.Calibration.Stores, config.StoreEntry{Name: "file", Dir: "/tmp"})
			},
			wantRestart: []string{"server", "calibration"},
		},
		{
			name:        "practice cycles",
			mutate:      func(c *config.Config) { n := 0; c.Session.PracticeCycles = &n },
			wantRestart: []string{"session"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, cur := config.Default(), config.Default()
			tc.mutate(cur)
			d := config.Diff(old, cur)

			if d.LogLevelChanged != tc.wantLog || d.PitchChanged != tc.wantPitch || d.CoherenceChanged != tc.wantCoh {
				t.Errorf("diff = %+v", d)
			}
			if d.Changed() != (tc.wantLog || tc.wantPitch || tc.wantCoh) {
				t.Errorf("Changed() = %v", d.Changed())
			}
			if !slices.Equal(d.RestartRequired, tc.wantRestart) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tc.wantRestart)
			}
		})
	}
}

func TestDiff_CarriesNewValues(t *testing.T) {
	t.Parallel()
	old, cur := config.Default(), config.Default()
	cur.Server.LogLevel = config.LogWarn
	cur.Pitch.TargetFrequency = 98
	cur.Coherence.Smoothing = 0.4

	d := config.Diff(old, cur)
	if d.NewLogLevel != config.LogWarn {
		t.Errorf("NewLogLevel = %q", d.NewLogLevel)
	}
	if d.NewTargetFrequency != 98 || d.NewToleranceCents != cur.Pitch.ToleranceCents {
		t.Errorf("pitch = %v / %v", d.NewTargetFrequency, d.NewToleranceCents)
	}
	if d.NewCoherence.Smoothing != 0.4 {
		t.Errorf("coherence = %+v", d.NewCoherence)
	}
}
