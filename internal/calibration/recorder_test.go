package calibration_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/vocalis/internal/calibration"
	"github.com/MrWong99/vocalis/internal/formant"
	"github.com/MrWong99/vocalis/internal/spectral/spectraltest"
	"github.com/MrWong99/vocalis/pkg/audio"
	"github.com/MrWong99/vocalis/pkg/types"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// feed pushes n frames spread evenly across d, advancing the clock.
func feed(t *testing.T, r *calibration.Recorder, clk *fakeClock, d time.Duration, n int, frame func(i int) audio.Frame) {
	t.Helper()
	step := d / time.Duration(n)
	for i := range n {
		if _, err := r.ProcessFrame(frame(i)); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		clk.Advance(step)
	}
}

// finish crosses the end of the Mm phase.
func finish(r *calibration.Recorder) (*calibration.Profile, error) {
	return r.ProcessFrame(spectraltest.SilentFrame())
}

func TestRecorder_FullRun(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Unix(0, 0)}
	r := calibration.NewRecorder(calibration.WithRecorderClock(clk.Now))
	r.Start()

	ahRatios := []float64{1.7, 1.8, 1.9}
	ooRatios := []float64{0.8, 0.9, 1.0}

	feed(t, r, clk, time.Second, 10, func(int) audio.Frame { return spectraltest.SilentFrame() })
	feed(t, r, clk, 5*time.Second, 40, func(i int) audio.Frame {
		return spectraltest.VowelFrame(ahRatios[i%3], 0.2)
	})
	feed(t, r, clk, 5*time.Second, 40, func(i int) audio.Frame {
		return spectraltest.VowelFrame(ooRatios[i%3], 0.2)
	})
	feed(t, r, clk, 5*time.Second, 40, func(int) audio.Frame { return spectraltest.HumFrame(0.2) })

	p, err := finish(r)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if p == nil {
		t.Fatal("expected a profile")
	}
	if math.Abs(p.AhRatio-1.8) > 0.01 || math.Abs(p.OoRatio-0.9) > 0.01 {
		t.Errorf("ratios = %v/%v, want ~1.8/~0.9", p.AhRatio, p.OoRatio)
	}
	if p.MmFlatness < 0.9 {
		t.Errorf("mmFlatness = %v, want ~1", p.MmFlatness)
	}
	if p.NoiseFloor != 0 {
		t.Errorf("noiseFloor = %v, want 0 for silent noise phase", p.NoiseFloor)
	}
	for _, ph := range types.Phonemes {
		if p.Baseline(ph) == nil {
			t.Errorf("missing MFCC baseline for %v", ph)
		}
	}
	if r.Phase() != calibration.PhaseIdle || r.Profile() != p {
		t.Errorf("after completion: phase %v, profile %p", r.Phase(), r.Profile())
	}

	// The produced profile calibrates the classifier.
	c := formant.NewClassifier()
	c.SetCalibration(p)
	got := c.Analyze(spectraltest.VowelFrame(1.75, 0.2))
	if got.Phoneme != types.Ah || got.Confidence <= 0.5 {
		t.Errorf("classified %+v, want Ah with confidence > 0.5", got)
	}
}

func TestRecorder_InsufficientSamples(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Unix(0, 0)}
	r := calibration.NewRecorder(calibration.WithRecorderClock(clk.Now))
	r.Start()

	feed(t, r, clk, time.Second, 5, func(int) audio.Frame { return spectraltest.SilentFrame() })
	// Only three voiced Ah frames.
	feed(t, r, clk, 5*time.Second, 10, func(i int) audio.Frame {
		if i < 3 {
			return spectraltest.VowelFrame(1.8, 0.2)
		}
		return spectraltest.SilentFrame()
	})
	feed(t, r, clk, 5*time.Second, 10, func(int) audio.Frame { return spectraltest.VowelFrame(0.9, 0.2) })
	feed(t, r, clk, 5*time.Second, 10, func(int) audio.Frame { return spectraltest.HumFrame(0.2) })

	p, err := finish(r)
	var ise *calibration.InsufficientSamplesError
	if !errors.As(err, &ise) {
		t.Fatalf("err = %v, want InsufficientSamplesError", err)
	}
	if !ise.Retryable() || ise.Phoneme != types.Ah || ise.Got != 3 {
		t.Errorf("error = %+v", ise)
	}
	if p != nil || r.Profile() != nil {
		t.Error("no profile may be produced on failure")
	}
	if r.Phase() != calibration.PhaseIdle {
		t.Errorf("phase = %v, want idle", r.Phase())
	}
}

func TestRecorder_Cancel(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Unix(0, 0)}
	r := calibration.NewRecorder(calibration.WithRecorderClock(clk.Now))
	r.Start()
	feed(t, r, clk, 2*time.Second, 20, func(int) audio.Frame { return spectraltest.VowelFrame(1.8, 0.2) })
	r.Cancel()

	if r.Phase() != calibration.PhaseIdle {
		t.Fatalf("phase = %v, want idle", r.Phase())
	}
	if fb := r.Feedback(); fb.SamplesCollected != 0 {
		t.Errorf("feedback not cleared: %+v", fb)
	}
	// Frames after cancel are ignored.
	clk.Advance(time.Minute)
	if p, err := r.ProcessFrame(spectraltest.VowelFrame(1.8, 0.2)); p != nil || err != nil {
		t.Fatalf("ProcessFrame after cancel = %v, %v", p, err)
	}
}

func TestRecorder_BoundaryFrameBelongsToNextPhase(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Unix(0, 0)}
	r := calibration.NewRecorder(calibration.WithRecorderClock(clk.Now))
	r.Start()
	clk.Advance(time.Second)
	if _, err := r.ProcessFrame(spectraltest.VowelFrame(1.8, 0.2)); err != nil {
		t.Fatal(err)
	}
	fb := r.Feedback()
	if fb.Phase != calibration.PhaseAh || fb.SamplesCollected != 1 {
		t.Fatalf("feedback = %+v, want first Ah sample", fb)
	}
	if !fb.VoiceDetected || fb.PhaseProgress != 0 {
		t.Errorf("feedback = %+v", fb)
	}
}

func TestRecorder_StalledClockSkipsPhases(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Unix(0, 0)}
	r := calibration.NewRecorder(calibration.WithRecorderClock(clk.Now))
	r.Start()
	clk.Advance(time.Hour)
	_, err := r.ProcessFrame(spectraltest.VowelFrame(1.8, 0.2))
	var ise *calibration.InsufficientSamplesError
	if !errors.As(err, &ise) {
		t.Fatalf("err = %v, want InsufficientSamplesError", err)
	}
}

func TestPhase_String(t *testing.T) {
	t.Parallel()
	want := []string{"idle", "noise", "ah", "oo", "mm", "complete"}
	for i, w := range want {
		if got := calibration.Phase(i).String(); got != w {
			t.Errorf("Phase(%d) = %q, want %q", i, got, w)
		}
	}
}
