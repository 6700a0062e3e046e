package starfield

import (
	"image"
	"image/color"
	"math"

	"github.com/fogleman/gg"

	"github.com/abworrall/starstack/pkg/pmath"
)

// WritePreview saves a titled grayscale render of a grid, normalized
// to its value range with a sqrt stretch so faint structure is
// visible. Purely diagnostic output.
func WritePreview(fg *pmath.FloatGrid, title, filename string) error {
	min, max := fg.MinMax()
	span := max - min
	if span <= 0 {
		span = 1
	}

	img := image.NewRGBA64(image.Rectangle{Max: image.Point{fg.Dx(), fg.Dy()}})
	for x := 0; x < fg.Dx(); x++ {
		for y := 0; y < fg.Dy(); y++ {
			gray := math.Sqrt((fg.Get(x, y) - min) / span)
			col := color.RGBA64{uint16(gray * 65535.0), uint16(gray * 65535.0), uint16(gray * 65535.0), 0xFFFF}
			img.Set(x, y, col)
		}
	}

	dc := gg.NewContextForImage(img)
	dc.SetRGB(1, 1, 1)
	dc.DrawString(title, 20, 20)
	return dc.SavePNG(filename)
}
