package pmath

import (
	"fmt"
	"math"
)

// A FloatGrid is a single-channel raster of float64 pixel values (ADU),
// with some operations. Origin is top-left.
type FloatGrid struct {
	stride int
	values []float64
}

func NewFloatGrid(w, h int) *FloatGrid {
	return &FloatGrid{
		stride: w,
		values: make([]float64, w*h),
	}
}

func (fg *FloatGrid)NewFromThis() *FloatGrid  { return NewFloatGrid(fg.Dx(), fg.Dy()) }
func (fg *FloatGrid)Set(x, y int, v float64)  { fg.values[fg.stride*y + x] = v }
func (fg *FloatGrid)Get(x, y int) float64     { return fg.values[fg.stride*y + x] }
func (fg *FloatGrid)Dx() int                  { return fg.stride }
func (fg *FloatGrid)Dy() int                  { return len(fg.values) / fg.stride }
func (fg *FloatGrid)Values() []float64        { return fg.values }

func (g1 *FloatGrid)Copy() *FloatGrid {
	g2 := FloatGrid{stride: g1.stride, values: make([]float64, len(g1.values))}
	copy(g2.values, g1.values)
	return &g2
}

func (fg *FloatGrid)Fill(v float64) {
	for i := range fg.values {
		fg.values[i] = v
	}
}

// In returns whether (x,y) is inside the grid.
func (fg *FloatGrid)In(x, y int) bool {
	return x >= 0 && y >= 0 && x < fg.Dx() && y < fg.Dy()
}

// Bilinear samples the grid at a fractional pixel position, filling
// with the constant 0 for any contributing pixel outside the grid.
func (fg *FloatGrid)Bilinear(x, y float64) float64 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := x - float64(x0)
	fy := y - float64(y0)

	at := func(xi, yi int) float64 {
		if !fg.In(xi, yi) {
			return 0.0
		}
		return fg.Get(xi, yi)
	}

	v0 := at(x0, y0)*(1.0-fx) + at(x0+1, y0)*fx
	v1 := at(x0, y0+1)*(1.0-fx) + at(x0+1, y0+1)*fx
	return v0*(1.0-fy) + v1*fy
}

func (fg *FloatGrid)MinMax() (float64, float64) {
	min := math.MaxFloat64
	max := -1.0 * min

	for i := 0; i < len(fg.values); i++ {
		if fg.values[i] > max { max = fg.values[i] }
		if fg.values[i] < min { min = fg.values[i] }
	}
	return min, max
}

// Crop returns the sub-grid [x0,x0+w) x [y0,y0+h).
func (fg *FloatGrid)Crop(x0, y0, w, h int) *FloatGrid {
	g2 := NewFloatGrid(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g2.Set(x, y, fg.Get(x0+x, y0+y))
		}
	}
	return g2
}

func (fg *FloatGrid)Stats() string {
	min, max := fg.MinMax()
	return fmt.Sprintf("fg[%dx%d, vals{%f,%f}]", fg.Dx(), fg.Dy(), min, max)
}
