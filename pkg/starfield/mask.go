package starfield

import (
	"fmt"

	"github.com/abworrall/starstack/pkg/pmath"
)

// A Mask is a per-frame boolean raster marking unusable pixels.
// The internal convention is fixed: 1 (true) = bad, 0 (false) = good.
// External tools that speak the inverted -1=bad/+1=good weight-map
// convention are converted at the boundary, never mixed internally.
type Mask struct {
	stride int
	bad    []bool
}

func NewMask(w, h int) *Mask {
	return &Mask{stride: w, bad: make([]bool, w*h)}
}

func (m *Mask)Dx() int              { return m.stride }
func (m *Mask)Dy() int              { return len(m.bad) / m.stride }
func (m *Mask)Bad(x, y int) bool    { return m.bad[m.stride*y + x] }
func (m *Mask)SetBad(x, y int)      { m.bad[m.stride*y + x] = true }

func (m *Mask)Clone() *Mask {
	m2 := Mask{stride: m.stride, bad: make([]bool, len(m.bad))}
	copy(m2.bad, m.bad)
	return &m2
}

func (m *Mask)NumBad() int {
	n := 0
	for _, b := range m.bad {
		if b { n++ }
	}
	return n
}

// Crop returns the sub-mask [x0,x0+w) x [y0,y0+h).
func (m *Mask)Crop(x0, y0, w, h int) *Mask {
	m2 := NewMask(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if m.Bad(x0+x, y0+y) {
				m2.SetBad(x, y)
			}
		}
	}
	return m2
}

// ToWeightGrid converts to the external +1=good/-1=bad convention.
func (m *Mask)ToWeightGrid() *pmath.FloatGrid {
	fg := pmath.NewFloatGrid(m.Dx(), m.Dy())
	for y := 0; y < m.Dy(); y++ {
		for x := 0; x < m.Dx(); x++ {
			if m.Bad(x, y) {
				fg.Set(x, y, -1.0)
			} else {
				fg.Set(x, y, 1.0)
			}
		}
	}
	return fg
}

// MaskFromWeightGrid converts from the external +1=good/-1=bad
// convention: anything below zero is bad.
func MaskFromWeightGrid(fg *pmath.FloatGrid) *Mask {
	m := NewMask(fg.Dx(), fg.Dy())
	for y := 0; y < fg.Dy(); y++ {
		for x := 0; x < fg.Dx(); x++ {
			if fg.Get(x, y) < 0 {
				m.SetBad(x, y)
			}
		}
	}
	return m
}

// The two combination policies differ on purpose, and which one a run
// gets depends on whether photometric scaling preceded combination.
//
// Unscaled path: a pixel is bad if any contributing frame says so.
// Scaled path: per-frame down-weighting already happened inside the
// weighted combiner, so authority over badness is delegated to its
// rejection bookkeeping, and a pixel is only bad if every frame's
// bookkeeping rejected it.

// CombineAnyBad merges per-frame bad pixel masks: output bad iff at
// least one input is bad.
func CombineAnyBad(masks []*Mask) (*Mask, error) {
	if err := checkMaskShapes(masks); err != nil {
		return nil, err
	}

	out := NewMask(masks[0].Dx(), masks[0].Dy())
	for _, m := range masks {
		for i, b := range m.bad {
			if b {
				out.bad[i] = true
			}
		}
	}
	return out, nil
}

// CombineAllBad merges the combiner's per-frame rejection
// bookkeeping: output bad iff every input marks the pixel bad.
func CombineAllBad(masks []*Mask) (*Mask, error) {
	if err := checkMaskShapes(masks); err != nil {
		return nil, err
	}

	out := NewMask(masks[0].Dx(), masks[0].Dy())
	for i := range out.bad {
		out.bad[i] = true
	}
	for _, m := range masks {
		for i, b := range m.bad {
			if !b {
				out.bad[i] = false
			}
		}
	}
	return out, nil
}

// CombineMasks picks the policy from whether intensity scaling was
// applied before combination.
func CombineMasks(masks []*Mask, scaled bool) (*Mask, error) {
	if scaled {
		return CombineAllBad(masks)
	}
	return CombineAnyBad(masks)
}

func checkMaskShapes(masks []*Mask) error {
	if len(masks) == 0 {
		return ComputationError{Stage: "mask combine", Detail: "no masks to combine"}
	}
	for i, m := range masks {
		if m.Dx() != masks[0].Dx() || m.Dy() != masks[0].Dy() {
			return ComputationError{
				Stage:  "mask combine",
				Detail: fmt.Sprintf("mask %d shape %dx%d != %dx%d", i, m.Dx(), m.Dy(), masks[0].Dx(), masks[0].Dy()),
			}
		}
	}
	return nil
}
