package pmath

import (
	"math"
	"testing"
)

func TestBilinearExactPixels(t *testing.T) {
	fg := NewFloatGrid(3, 3)
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			fg.Set(x, y, float64(10*y+x))
		}
	}

	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			got := fg.Bilinear(float64(x), float64(y))
			if got != fg.Get(x, y) {
				t.Fatalf("Bilinear(%d,%d) = %f, want %f", x, y, got, fg.Get(x, y))
			}
		}
	}
}

func TestBilinearInterpolates(t *testing.T) {
	fg := NewFloatGrid(2, 2)
	fg.Set(0, 0, 0)
	fg.Set(1, 0, 10)
	fg.Set(0, 1, 20)
	fg.Set(1, 1, 30)

	if got := fg.Bilinear(0.5, 0.5); math.Abs(got-15.0) > 1e-12 {
		t.Fatalf("center sample = %f, want 15", got)
	}
	if got := fg.Bilinear(0.5, 0.0); math.Abs(got-5.0) > 1e-12 {
		t.Fatalf("top edge sample = %f, want 5", got)
	}
}

func TestBilinearZeroFillOutside(t *testing.T) {
	fg := NewFloatGrid(2, 2)
	fg.Fill(8.0)

	// Half a pixel off the left edge: one column is the 0 fill
	if got := fg.Bilinear(-0.5, 0.0); math.Abs(got-4.0) > 1e-12 {
		t.Fatalf("edge sample = %f, want 4", got)
	}
	if got := fg.Bilinear(-2.0, -2.0); got != 0.0 {
		t.Fatalf("far outside sample = %f, want 0", got)
	}
}

func TestCrop(t *testing.T) {
	fg := NewFloatGrid(4, 4)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			fg.Set(x, y, float64(10*y+x))
		}
	}

	g2 := fg.Crop(1, 2, 2, 2)
	if g2.Dx() != 2 || g2.Dy() != 2 {
		t.Fatalf("crop shape %dx%d, want 2x2", g2.Dx(), g2.Dy())
	}
	if g2.Get(0, 0) != 21 || g2.Get(1, 1) != 32 {
		t.Fatalf("crop values wrong: %f, %f", g2.Get(0, 0), g2.Get(1, 1))
	}
}

func TestAff3Apply(t *testing.T) {
	m := Translation(3, -2)
	x, y := m.Apply(10, 10)
	if x != 13 || y != 8 {
		t.Fatalf("translation applied to (10,10) gave (%f,%f)", x, y)
	}

	if !Identity().IsIdentity(1e-9) {
		t.Fatalf("identity not detected as identity")
	}
	if !m.IsTranslation(1e-9) {
		t.Fatalf("pure shift not detected as translation")
	}

	rot := Aff3{0, -1, 0,   1, 0, 0}
	if rot.IsTranslation(1e-9) {
		t.Fatalf("rotation detected as translation")
	}
}
