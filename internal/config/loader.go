package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/vocalis/internal/calibration"
	"github.com/MrWong99/vocalis/internal/coherence"
	"github.com/MrWong99/vocalis/internal/cycle"
	"github.com/MrWong99/vocalis/internal/engine"
	"github.com/MrWong99/vocalis/internal/formant"
	"github.com/MrWong99/vocalis/internal/pitch"
	"github.com/MrWong99/vocalis/pkg/audio/stream"
)

// Store names with a built-in factory. Used by [Validate] to warn about
// unrecognised store names.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// ValidStoreNames lists the store names that ship with vocalis.
var ValidStoreNames = []string{StoreMemory, StoreFile, StorePostgres}

// Defaults that have no owning package.
const (
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultSampleRate      = 48000
	DefaultUserID          = "default"
	DefaultServiceName     = "vocalis"
	DefaultMetricsPath     = "/metrics"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Unknown keys are rejected. An empty document yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every zero field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.StaleAfter == 0 {
		cfg.Audio.StaleAfter = stream.DefaultStaleAfter
	}

	a := &cfg.Analysis
	if a.PitchInterval == 0 {
		a.PitchInterval = engine.DefaultPitchInterval
	}
	if a.FormantEvery == 0 {
		a.FormantEvery = engine.DefaultFormantEvery
	}
	if a.SnapshotEvery == 0 {
		a.SnapshotEvery = engine.DefaultSnapshotEvery
	}
	if a.Smoothing == 0 {
		a.Smoothing = engine.DefaultSmoothing
	}

	p := &cfg.Pitch
	if p.TargetFrequency == 0 {
		p.TargetFrequency = pitch.DefaultTargetFrequency
	}
	if p.ToleranceCents == 0 {
		p.ToleranceCents = pitch.DefaultToleranceCents
	}
	if p.Threshold == 0 {
		p.Threshold = pitch.DefaultThreshold
	}
	if p.Hysteresis == 0 {
		p.Hysteresis = pitch.DefaultHysteresis
	}
	if p.Hold == 0 {
		p.Hold = pitch.DefaultHold
	}
	if p.SilenceRMS == 0 {
		p.SilenceRMS = pitch.DefaultSilenceRMS
	}

	if cfg.Formant.SilenceRMS == 0 {
		cfg.Formant.SilenceRMS = formant.DefaultSilenceRMS
	}
	if cfg.Formant.Window == 0 {
		cfg.Formant.Window = formant.DefaultWindow
	}

	c := &cfg.Coherence
	if c.Window == 0 {
		c.Window = coherence.DefaultWindow
	}
	if c.ExpectedVariance == 0 {
		c.ExpectedVariance = coherence.DefaultExpectedVariance
	}
	if c.ExpectedCV == 0 {
		c.ExpectedCV = coherence.DefaultExpectedCV
	}
	if c.Smoothing == 0 {
		c.Smoothing = coherence.DefaultSmoothing
	}
	if c.Grace == 0 {
		c.Grace = coherence.DefaultGrace
	}

	ss := &cfg.Session
	if ss.DefaultMode == "" {
		ss.DefaultMode = cycle.Traditional.String()
	}
	if ss.PracticeCycles == nil {
		n := cycle.DefaultPracticeCycles
		ss.PracticeCycles = &n
	}
	if ss.FirstBreathMultiplier == 0 {
		ss.FirstBreathMultiplier = cycle.DefaultFirstBreathMultiplier
	}
	if ss.TickInterval == 0 {
		ss.TickInterval = cycle.DefaultTickInterval
	}

	cal := &cfg.Calibration
	if cal.UserID == "" {
		cal.UserID = DefaultUserID
	}
	if len(cal.Stores) == 0 {
		cal.Stores = []StoreEntry{{Name: StoreMemory}}
	}
	if cal.NoiseDuration == 0 {
		cal.NoiseDuration = calibration.DefaultNoiseDuration
	}
	if cal.VoiceDuration == 0 {
		cal.VoiceDuration = calibration.DefaultVoiceDuration
	}
	if cal.VoiceRMS == 0 {
		cal.VoiceRMS = calibration.DefaultVoiceRMS
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	if cfg.Telemetry.MetricsPath == "" {
		cfg.Telemetry.MetricsPath = DefaultMetricsPath
	}
}

// Validate checks that cfg contains a coherent set of values. It expects
// defaults to have been applied and returns a joined error listing all
// validation failures found.
func Validate(cfg *Config) error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		bad("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		bad("server.tls requires both cert_file and key_file")
	}
	if cfg.Server.ShutdownTimeout < 0 {
		bad("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout)
	}

	// Audio
	if sr := cfg.Audio.SampleRate; sr < 8000 || sr > 192000 {
		bad("audio.sample_rate %d is out of range [8000, 192000]", sr)
	}
	if cfg.Audio.StaleAfter < 0 {
		bad("audio.stale_after %s must not be negative", cfg.Audio.StaleAfter)
	}

	// Analysis
	a := cfg.Analysis
	if a.PitchInterval < time.Millisecond {
		bad("analysis.pitch_interval %s must be at least 1ms", a.PitchInterval)
	}
	if a.FormantEvery < 1 {
		bad("analysis.formant_every %d must be positive", a.FormantEvery)
	}
	if a.SnapshotEvery < 1 {
		bad("analysis.snapshot_every %d must be positive", a.SnapshotEvery)
	}
	if !inRange(a.Smoothing, 0, 1) || a.Smoothing == 1 {
		bad("analysis.smoothing %.2f is out of range [0, 1)", a.Smoothing)
	}

	// Pitch
	p := cfg.Pitch
	if !positive(p.TargetFrequency) {
		bad("pitch.target_frequency %.2f must be positive", p.TargetFrequency)
	}
	if !positive(p.ToleranceCents) {
		bad("pitch.tolerance_cents %.2f must be positive", p.ToleranceCents)
	}
	if !inRange(p.Threshold, 0, 1) || p.Threshold == 0 {
		bad("pitch.threshold %.2f is out of range (0, 1]", p.Threshold)
	}
	if !inRange(p.Hysteresis, 0, p.Threshold) || p.Hysteresis == p.Threshold {
		bad("pitch.hysteresis %.2f must be in [0, threshold)", p.Hysteresis)
	}
	if p.Hold < 0 {
		bad("pitch.hold %s must not be negative", p.Hold)
	}
	if !inRange(p.SilenceRMS, 0, 1) {
		bad("pitch.silence_rms %.4f is out of range [0, 1]", p.SilenceRMS)
	}

	// Formant
	if !inRange(cfg.Formant.SilenceRMS, 0, 1) {
		bad("formant.silence_rms %.4f is out of range [0, 1]", cfg.Formant.SilenceRMS)
	}
	if cfg.Formant.Window < 1 {
		bad("formant.window %d must be positive", cfg.Formant.Window)
	}

	// Coherence
	c := cfg.Coherence
	if c.Window < coherence.MinWindow || c.Window > coherence.MaxWindow {
		bad("coherence.window %d is out of range [%d, %d]", c.Window, coherence.MinWindow, coherence.MaxWindow)
	}
	if !positive(c.ExpectedVariance) {
		bad("coherence.expected_variance %.2f must be positive", c.ExpectedVariance)
	}
	if !positive(c.ExpectedCV) {
		bad("coherence.expected_cv %.2f must be positive", c.ExpectedCV)
	}
	if !inRange(c.Smoothing, 0, 1) || c.Smoothing == 0 {
		bad("coherence.smoothing %.2f is out of range (0, 1]", c.Smoothing)
	}
	if c.Grace < 0 {
		bad("coherence.grace %s must not be negative", c.Grace)
	}

	// Session
	ss := cfg.Session
	if _, err := cycle.ParseTimingMode(ss.DefaultMode); err != nil {
		bad("session.default_mode %q is invalid; valid values: traditional, extended, long_breath", ss.DefaultMode)
	}
	if n := ss.PracticeCycles; n != nil && (*n < 0 || *n >= cycle.MaxCycles) {
		bad("session.practice_cycles %d is out of range [0, %d)", *n, cycle.MaxCycles)
	}
	if !inRange(ss.FirstBreathMultiplier, 1, 10) {
		bad("session.first_breath_multiplier %.2f is out of range [1, 10]", ss.FirstBreathMultiplier)
	}
	if ss.TickInterval < time.Millisecond {
		bad("session.tick_interval %s must be at least 1ms", ss.TickInterval)
	}

	// Calibration
	cal := cfg.Calibration
	if !calibration.ValidUserID(cal.UserID) {
		bad("calibration.user_id %q is invalid; use 1-128 of [A-Za-z0-9._-]", cal.UserID)
	}
	seen := make(map[string]int, len(cal.Stores))
	for i, st := range cal.Stores {
		prefix := fmt.Sprintf("calibration.stores[%d]", i)
		if st.Name == "" {
			bad("%s.name is required", prefix)
			continue
		}
		if prev, ok := seen[st.Name]; ok {
			bad("%s.name %q is a duplicate of calibration.stores[%d]", prefix, st.Name, prev)
		}
		seen[st.Name] = i
		switch st.Name {
		case StoreFile:
			if st.Dir == "" {
				bad("%s.dir is required for the file store", prefix)
			}
		case StorePostgres:
			if st.DSN == "" {
				bad("%s.dsn is required for the postgres store", prefix)
			}
		}
		validateStoreName(st.Name)
	}
	if cal.NoiseDuration <= 0 || cal.VoiceDuration <= 0 {
		bad("calibration noise_duration and voice_duration must be positive")
	}
	if !inRange(cal.VoiceRMS, 0, 1) {
		bad("calibration.voice_rms %.4f is out of range [0, 1]", cal.VoiceRMS)
	}
	if cb := cal.CircuitBreaker; cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeout < 0 {
		bad("calibration.circuit_breaker values must not be negative")
	}

	// Telemetry
	if !inRange(cfg.Telemetry.TraceSampleRatio, 0, 1) {
		bad("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", cfg.Telemetry.TraceSampleRatio)
	}
	if len(cfg.Telemetry.MetricsPath) == 0 || cfg.Telemetry.MetricsPath[0] != '/' {
		bad("telemetry.metrics_path %q must start with /", cfg.Telemetry.MetricsPath)
	}

	return errors.Join(errs...)
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

func inRange(v, lo, hi float64) bool {
	return !math.IsNaN(v) && v >= lo && v <= hi
}

// validateStoreName logs a warning if name is not one of [ValidStoreNames].
// Third-party stores may still be registered under other names.
func validateStoreName(name string) {
	if slices.Contains(ValidStoreNames, name) {
		return
	}
	slog.Warn("unknown calibration store name, may be a typo or third-party store",
		"name", name,
		"known", ValidStoreNames,
	)
}
