package starfield

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/abworrall/starstack/pkg/pmath"
)

// A ResampledFrame is a frame's data and mask resampled onto the
// reference pixel grid.
type ResampledFrame struct {
	Frame *Frame
	Data  *pmath.FloatGrid
	Mask  *Mask
}

type Aligner struct {
	Cfg Config
}

const translationEps = 1e-3

// AlignAll resamples every frame (and its bad pixel mask) onto the
// reference grid. Pixel data gets linear interpolation with
// constant-0 fill outside the frame; the mask gets semantics that can
// only grow the bad set. With trimming enabled, all frames are then
// cropped to the intersection of their integer-shift footprints, and
// the returned point is the trim offset (zero when trimming is off).
//
// Post-condition: every returned frame shares one raster shape. The
// returned slice is in original frame order.
func (a Aligner)AlignAll(ts *TransformStore) ([]ResampledFrame, image.Point, error) {
	refPix, err := ts.Ref().Pixels()
	if err != nil {
		return nil, image.Point{}, err
	}
	w, h := refPix.Dx(), refPix.Dy()

	out := make([]ResampledFrame, ts.Len())

	var g errgroup.Group
	g.SetLimit(4)
	for i := 0; i < ts.Len(); i++ {
		i := i
		g.Go(func() error {
			rf, err := a.alignOne(ts.Entry(i).Frame, w, h)
			if err != nil {
				return err
			}
			out[i] = rf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, image.Point{}, err
	}

	if !a.Cfg.Trim {
		return out, image.Point{}, nil
	}

	trim, err := commonFootprint(ts, w, h)
	if err != nil {
		return nil, image.Point{}, err
	}
	for i := range out {
		out[i].Data = out[i].Data.Crop(trim.Min.X, trim.Min.Y, trim.Dx(), trim.Dy())
		out[i].Mask = out[i].Mask.Crop(trim.Min.X, trim.Min.Y, trim.Dx(), trim.Dy())
	}

	logger.Info().Str("trim", trim.String()).Msg("frames trimmed to common footprint")
	return out, trim.Min, nil
}

func (a Aligner)alignOne(f *Frame, w, h int) (ResampledFrame, error) {
	if !f.Transform.IsTranslation(translationEps) {
		return ResampledFrame{}, ComputationError{
			Stage:  "align",
			Detail: fmt.Sprintf("frame %s: transform has a non-identity linear part, only (dx,dy) shifts are resampled: %s", f.ID, f.Transform),
		}
	}

	pix, err := f.Pixels()
	if err != nil {
		return ResampledFrame{}, err
	}
	mask, err := f.BadPixels()
	if err != nil {
		return ResampledFrame{}, err
	}

	data := pmath.NewFloatGrid(w, h)
	rmask := NewMask(w, h)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			fx, fy := f.Transform.Apply(float64(x), float64(y))
			data.Set(x, y, pix.Bilinear(fx, fy))

			// A resampled pixel is bad if any source pixel actually
			// feeding its interpolation is bad, or lies outside the
			// frame (the 0 fill is not real data). Neighbors with
			// zero interpolation weight contribute nothing, so an
			// integer shift never contaminates its own border. Good
			// pixels never un-mark bad ones.
			x0, y0 := int(math.Floor(fx)), int(math.Floor(fy))
			gx, gy := fx-float64(x0), fy-float64(y0)
			for _, n := range []struct {
				x, y int
				wgt  float64
			}{
				{x0, y0, (1 - gx) * (1 - gy)},
				{x0 + 1, y0, gx * (1 - gy)},
				{x0, y0 + 1, (1 - gx) * gy},
				{x0 + 1, y0 + 1, gx * gy},
			} {
				if n.wgt == 0 {
					continue
				}
				if n.x < 0 || n.y < 0 || n.x >= pix.Dx() || n.y >= pix.Dy() || mask.Bad(n.x, n.y) {
					rmask.SetBad(x, y)
					break
				}
			}
		}
	}

	return ResampledFrame{Frame: f, Data: data, Mask: rmask}, nil
}

// commonFootprint intersects each frame's valid area on the reference
// grid, using integer-rounded shifts.
func commonFootprint(ts *TransformStore, w, h int) (image.Rectangle, error) {
	rect := image.Rect(0, 0, w, h)

	for i := 0; i < ts.Len(); i++ {
		f := ts.Entry(i).Frame
		dx, dy := f.Transform.Shift()
		rx, ry := int(math.Round(dx)), int(math.Round(dy))

		// Reference pixel x maps to frame pixel x+rx; valid while
		// 0 <= x+rx < w
		valid := image.Rect(-rx, -ry, w-rx, h-ry)
		rect = rect.Intersect(valid)
		if rect.Empty() {
			return rect, ComputationError{
				Stage:  "align",
				Detail: fmt.Sprintf("no common footprint after frame %s (shift %d,%d)", f.ID, rx, ry),
			}
		}
	}
	return rect, nil
}
