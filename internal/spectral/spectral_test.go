package spectral_test

import (
	"math"
	"testing"

	"github.com/MrWong99/vocalis/internal/spectral"
	"github.com/MrWong99/vocalis/internal/spectral/spectraltest"
	"github.com/MrWong99/vocalis/pkg/audio"
)

func TestExtract_Ratio(t *testing.T) {
	t.Parallel()
	for _, ratio := range []float64{0.9, 1.2, 1.75, 2.4} {
		f := spectral.Extract(spectraltest.VowelFrame(ratio, 0.2))
		if math.Abs(f.Ratio-ratio) > 1e-3 {
			t.Errorf("ratio %v: extracted %v", ratio, f.Ratio)
		}
		if f.Flatness > 0.05 {
			t.Errorf("ratio %v: flatness %v, want peaky spectrum", ratio, f.Flatness)
		}
	}
}

func TestExtract_FlatSpectrum(t *testing.T) {
	t.Parallel()
	f := spectral.Extract(spectraltest.HumFrame(0.2))
	if f.Flatness < 0.99 {
		t.Errorf("flatness = %v, want ~1", f.Flatness)
	}
	// Not an integer number of periods, so allow some slack.
	if math.Abs(f.RMS-0.2/math.Sqrt2) > 5e-3 {
		t.Errorf("RMS = %v, want %v", f.RMS, 0.2/math.Sqrt2)
	}
}

func TestExtract_NoSpectrum(t *testing.T) {
	t.Parallel()
	f := spectral.Extract(audio.Frame{TimeDomain: spectraltest.Tone(200, 0.5), SampleRate: 48000})
	if f.RMS == 0 || f.Ratio != 0 || f.Flatness != 0 {
		t.Errorf("unexpected features %+v", f)
	}
}

func TestMFCC_Deterministic(t *testing.T) {
	t.Parallel()
	m := spectral.NewMFCC(spectraltest.SampleRate, spectraltest.Bins)
	frame := spectraltest.VowelFrame(1.8, 0.2)

	a, ok := m.Compute(frame.FrequencyDomain)
	if !ok {
		t.Fatal("Compute rejected a matching spectrum")
	}
	b, _ := m.Compute(frame.FrequencyDomain)
	if a != b {
		t.Error("MFCC is not deterministic")
	}
	for i, c := range a {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			t.Fatalf("coefficient %d not finite: %v", i, c)
		}
	}

	other, _ := m.Compute(spectraltest.HumFrame(0.2).FrequencyDomain)
	if other == a {
		t.Error("different spectra produced identical MFCCs")
	}
}

func TestMFCC_WrongLayout(t *testing.T) {
	t.Parallel()
	m := spectral.NewMFCC(48000, 1024)
	if _, ok := m.Compute(make([]float32, 512)); ok {
		t.Fatal("expected rejection of mismatched spectrum")
	}
	if !m.Matches(48000, 1024) || m.Matches(44100, 1024) {
		t.Error("Matches reports wrong layout")
	}
}

func TestDistanceConfidence(t *testing.T) {
	t.Parallel()
	var mean, variance spectral.Vector
	for i := range variance {
		variance[i] = 1
	}
	if d := spectral.Distance(mean, mean, variance); d != 0 {
		t.Errorf("self distance = %v", d)
	}
	if c := spectral.Confidence(0); c != 1 {
		t.Errorf("Confidence(0) = %v, want 1", c)
	}

	far := mean
	for i := range far {
		far[i] = 3
	}
	if c := spectral.Confidence(spectral.Distance(far, mean, variance)); c != 0.25 {
		t.Errorf("Confidence at distance 3 = %v, want 0.25", c)
	}
}

func TestDCTII_Basis(t *testing.T) {
	t.Parallel()
	const n = spectral.NumMelFilters
	d := spectral.DCTII(spectral.NumCoefficients, n)

	// A cosine at DCT-II frequency 3 lands entirely in coefficient 3.
	in := make([]float64, n)
	for i := range in {
		in[i] = math.Cos(math.Pi * 3 * float64(2*i+1) / (2 * n))
	}
	for k := range spectral.NumCoefficients {
		var got float64
		for i, x := range in {
			got += d.At(k, i) * x
		}
		want := 0.0
		if k == 3 {
			want = math.Sqrt(n / 2.0)
		}
		if math.Abs(got-want) > 1e-9 {
			t.Errorf("coefficient %d = %v, want %v", k, got, want)
		}
	}

	// Rows are orthonormal.
	for a := range spectral.NumCoefficients {
		for b := range spectral.NumCoefficients {
			var dot float64
			for i := range n {
				dot += d.At(a, i) * d.At(b, i)
			}
			want := 0.0
			if a == b {
				want = 1
			}
			if math.Abs(dot-want) > 1e-9 {
				t.Fatalf("rows %d,%d dot = %v, want %v", a, b, dot, want)
			}
		}
	}
}
