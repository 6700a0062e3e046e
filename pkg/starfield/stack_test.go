package starfield

import (
	"math"
	"testing"

	"github.com/abworrall/starstack/pkg/pmath"
)

func resampled(f *Frame) ResampledFrame {
	return ResampledFrame{Frame: f, Data: f.pix, Mask: NewMask(f.pix.Dx(), f.pix.Dy())}
}

func unitWeights(n int) WeightSet {
	ws := make(WeightSet, n)
	for i := range ws {
		ws[i] = FrameWeight{Weight: 1.0 / float64(n), Scale: 1.0}
	}
	return ws
}

func TestCombineWeightedSum(t *testing.T) {
	// Three flat frames at different levels; no sky, no clipping
	a := newTestFrame("a", 4, 4, 100)
	b := newTestFrame("b", 4, 4, 200)
	c := newTestFrame("c", 4, 4, 300)
	ws := WeightSet{
		{Weight: 0.5, Scale: 1.0},
		{Weight: 0.3, Scale: 1.0},
		{Weight: 0.2, Scale: 1.0},
	}

	si, err := Stacker{Cfg: testConfig(t)}.Combine(
		[]ResampledFrame{resampled(a), resampled(b), resampled(c)}, ws)
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}

	want := 0.5*100 + 0.3*200 + 0.2*300
	if got := si.Data.Get(1, 1); math.Abs(got-want) > 1e-9 {
		t.Fatalf("stack pixel = %f, want %f", got, want)
	}
	if si.Sky != 0 {
		t.Fatalf("zero-sky frames gave combined sky %f", si.Sky)
	}
}

func TestCombineSkyFormula(t *testing.T) {
	a := newTestFrame("a", 4, 4, 100)
	b := newTestFrame("b", 4, 4, 100)
	a.Gain, b.Gain = 2.0, 2.0
	a.Sky, b.Sky = 400, 900
	ws := WeightSet{{Weight: 0.6, Scale: 1.0}, {Weight: 0.4, Scale: 1.0}}

	si, err := Stacker{Cfg: testConfig(t)}.Combine([]ResampledFrame{resampled(a), resampled(b)}, ws)
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}

	want := si.Gain * (math.Pow(0.6*math.Sqrt(400/2.0), 2) + math.Pow(0.4*math.Sqrt(900/2.0), 2))
	if math.Abs(si.Sky-want) > 1e-9 {
		t.Fatalf("combined sky = %f, want %f", si.Sky, want)
	}

	// And the synthetic sky is added onto every pixel
	base := 0.6*100 + 0.4*100
	if got := si.Data.Get(0, 0); math.Abs(got-(base+si.Sky)) > 1e-9 {
		t.Fatalf("stack pixel = %f, want %f", got, base+si.Sky)
	}
}

func TestCombineRdNoise(t *testing.T) {
	mk := func(rdB float64) float64 {
		a := newTestFrame("a", 2, 2, 10)
		b := newTestFrame("b", 2, 2, 10)
		a.RdNoise, b.RdNoise = 4.0, rdB
		ws := WeightSet{{Weight: 0.5, Scale: 1.0}, {Weight: 0.5, Scale: 2.0}}

		si, err := Stacker{Cfg: testConfig(t)}.Combine([]ResampledFrame{resampled(a), resampled(b)}, ws)
		if err != nil {
			t.Fatalf("Combine: %v", err)
		}
		return si.RdNoise
	}

	got := mk(6.0)
	want := math.Sqrt(math.Pow(0.5*4.0/1.0, 2) + math.Pow(0.5*6.0/2.0, 2))
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("combined rdnoise = %f, want %f", got, want)
	}

	// Monotonically non-decreasing in any single frame's read noise
	if mk(8.0) < got {
		t.Fatalf("rdnoise decreased when a frame's read noise rose")
	}
}

func TestCombineRdNoiseFloor(t *testing.T) {
	a := newTestFrame("a", 2, 2, 10)
	a.RdNoise = 0.0
	ws := WeightSet{{Weight: 1.0, Scale: 1.0}}

	si, err := Stacker{Cfg: testConfig(t)}.Combine([]ResampledFrame{resampled(a)}, ws)
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}
	if si.RdNoise != 0.01 {
		t.Fatalf("combined rdnoise = %f, want the 0.01 floor", si.RdNoise)
	}
}

func TestCombineDynamicRangeGuard(t *testing.T) {
	a := newTestFrame("a", 2, 2, 80000)
	a.Gain = 3.0
	ws := WeightSet{{Weight: 1.0, Scale: 1.0}}

	gainIn := 3.0 * 1.0 / 1.0 // w*s sums for a single unit-weight frame
	si, err := Stacker{Cfg: testConfig(t)}.Combine([]ResampledFrame{resampled(a)}, ws)
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}

	_, max := si.Data.MinMax()
	// Bad pixel saturation runs after the guard, so only good pixels count
	if math.Abs(max-50000.0) > 1e-6 {
		t.Fatalf("guarded stack max = %f, want 50000", max)
	}

	rescale := 50000.0 / 80000.0
	if math.Abs(si.Gain-gainIn/rescale) > 1e-9 {
		t.Fatalf("guarded gain = %f, want %f", si.Gain, gainIn/rescale)
	}
}

func TestCombineSaturatesBadPixels(t *testing.T) {
	a := newTestFrame("a", 3, 3, 1000)
	rf := resampled(a)
	rf.Mask.SetBad(1, 1)
	ws := WeightSet{{Weight: 1.0, Scale: 1.0}}

	si, err := Stacker{Cfg: testConfig(t)}.Combine([]ResampledFrame{rf}, ws)
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}

	if !si.Mask.Bad(1, 1) {
		t.Fatalf("combined mask lost the bad pixel")
	}
	if got := si.Data.Get(1, 1); got != si.MaskLevel {
		t.Fatalf("bad pixel at %f, want mask level %f", got, si.MaskLevel)
	}
	if si.MaskLevel != 1000+10000 {
		t.Fatalf("mask level = %f, want max+10000", si.MaskLevel)
	}
	if si.Data.Get(0, 0) != 1000 {
		t.Fatalf("good pixel altered: %f", si.Data.Get(0, 0))
	}
}

func TestCombineClipsOutlier(t *testing.T) {
	frames := []ResampledFrame{}
	for i := 0; i < 10; i++ {
		level := 100.0
		if i == 9 {
			level = 9000.0
		}
		frames = append(frames, resampled(newTestFrame(string(rune('a'+i)), 2, 2, level)))
	}

	si, err := Stacker{Cfg: testConfig(t)}.Combine(frames, unitWeights(10))
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}

	// The outlier frame is rejected, leaving 9 frames at weight 1/10
	want := 9.0 * (1.0 / 10.0) * 100
	if got := si.Data.Get(0, 0); math.Abs(got-want) > 1e-9 {
		t.Fatalf("clipped stack pixel = %f, want %f", got, want)
	}
}

func TestCombineZeroWeightFatal(t *testing.T) {
	a := newTestFrame("a", 2, 2, 10)
	if _, err := (Stacker{Cfg: testConfig(t)}.Combine([]ResampledFrame{resampled(a)},
		WeightSet{{Weight: 0, Scale: 1}})); err == nil {
		t.Fatalf("expected zero-total-weight error")
	}
}

func TestCombineMissingStatsFatal(t *testing.T) {
	a := newTestFrame("a", 2, 2, 10)
	a.Gain = 0
	if _, err := (Stacker{Cfg: testConfig(t)}.Combine([]ResampledFrame{resampled(a)},
		unitWeights(1))); err == nil {
		t.Fatalf("expected missing-statistics error")
	}
}

// Three synthetic frames, identity plus two integer shifts, combined
// with no clipping: the stack is the weighted sum of the shifted
// rasters.
func TestEndToEndWeightedShiftedSum(t *testing.T) {
	mkRamp := func(id string) *Frame {
		f := newTestFrame(id, 10, 10, 0)
		for y := 0; y < 10; y++ {
			for x := 0; x < 10; x++ {
				f.pix.Set(x, y, float64(17*y+3*x+50))
			}
		}
		return f
	}

	ref := mkRamp("ref")
	b := mkRamp("b")
	b.Transform = pmath.Translation(1, 0)
	c := mkRamp("c")
	c.Transform = pmath.Translation(0, 2)

	cfg := testConfig(t)
	cfg.Trim = false
	ts := newTestStore(ref, b, c)

	frames, _, err := Aligner{Cfg: cfg}.AlignAll(ts)
	if err != nil {
		t.Fatalf("AlignAll: %v", err)
	}

	ws := WeightSet{
		{Weight: 0.5, Scale: 1.0},
		{Weight: 0.3, Scale: 1.0},
		{Weight: 0.2, Scale: 1.0},
	}
	si, err := Stacker{Cfg: cfg}.Combine(frames, ws)
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}
	if si.Sky != 0 {
		t.Fatalf("combined sky = %f, want 0", si.Sky)
	}

	// Compare on the interior, clear of the resampling border
	for y := 0; y < 7; y++ {
		for x := 0; x < 8; x++ {
			want := 0.5*ref.pix.Get(x, y) + 0.3*b.pix.Get(x+1, y) + 0.2*c.pix.Get(x, y+2)
			if got := si.Data.Get(x, y); math.Abs(got-want) > 1e-9 {
				t.Fatalf("stack(%d,%d) = %f, want %f", x, y, got, want)
			}
		}
	}
}
