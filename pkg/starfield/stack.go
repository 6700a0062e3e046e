package starfield

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"

	"golang.org/x/image/tiff"
	"gopkg.in/yaml.v2"
	"gonum.org/v1/gonum/stat"

	"github.com/abworrall/starstack/pkg/pmath"
)

const (
	// Above this the fitting engine's fixed-point arithmetic clips,
	// so the stack is rescaled back under it
	maxStackLevel = 50000.0

	// Bad pixels are pushed this far above the brightest good pixel,
	// so downstream stages treat them as saturated
	maskLevelMargin = 10000.0

	// A zero read noise breaks fixed-width option files and the
	// fitting engine
	minCombinedRdNoise = 0.01
)

// A StackImage is the noise-weighted co-addition of all aligned
// frames, with its recomputed header-level statistics.
type StackImage struct {
	Data       *pmath.FloatGrid
	Mask       *Mask   // the combined bad pixel mask
	Gain       float64 // e-/ADU
	RdNoise    float64 // e-
	Sky        float64 // ADU
	MaskLevel  float64 // ADU value written over bad pixels
	TrimOffset image.Point
}

type Stacker struct {
	Cfg Config
}

// Combine performs the weighted, outlier-rejecting combination:
//
//	stack(x,y) = sum_i w_i * s_i * (frame_i(x,y) + z_i)
//
// with iterative sigma clipping excluding flagged pixels from the
// sum, then recomputes the stack-level gain, read noise and sky, and
// saturates bad pixels above the brightest good one.
func (st Stacker)Combine(frames []ResampledFrame, ws WeightSet) (*StackImage, error) {
	if len(frames) == 0 || len(frames) != len(ws) {
		return nil, ComputationError{Stage: "stack", Detail: fmt.Sprintf("%d frames vs %d weights", len(frames), len(ws))}
	}
	if ws.TotalWeight() <= 0 {
		return nil, ComputationError{Stage: "stack", Detail: "zero total weight"}
	}
	for i, rf := range frames {
		f := rf.Frame
		if f.Gain <= 0 || !isFinite(f.Gain) || !isFinite(f.RdNoise) || !isFinite(f.Sky) {
			return nil, ComputationError{
				Stage:  "stack",
				Detail: fmt.Sprintf("frame %s: missing or non-finite statistics (gain=%f rdnoise=%f sky=%f)", f.ID, f.Gain, f.RdNoise, f.Sky),
			}
		}
		if rf.Data.Dx() != frames[0].Data.Dx() || rf.Data.Dy() != frames[0].Data.Dy() {
			return nil, ComputationError{Stage: "stack", Detail: fmt.Sprintf("frame %d not on the common grid", i)}
		}
	}

	scaled := false
	for _, fw := range ws {
		if fw.Scale != 1.0 {
			scaled = true
		}
	}

	w, h := frames[0].Data.Dx(), frames[0].Data.Dy()
	data := pmath.NewFloatGrid(w, h)

	// Per-frame rejection bookkeeping: bad where a frame did not
	// contribute to the sum (flagged, neutralized, or clipped)
	rej := make([]*Mask, len(frames))
	for i := range rej {
		rej[i] = NewMask(w, h)
	}

	vals := make([]float64, 0, len(frames))
	wgts := make([]float64, 0, len(frames))
	idxs := make([]int, 0, len(frames))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			vals, wgts, idxs = vals[:0], wgts[:0], idxs[:0]

			for i, rf := range frames {
				if ws[i].Weight <= 0 || rf.Mask.Bad(x, y) {
					rej[i].SetBad(x, y)
					continue
				}
				vals = append(vals, ws[i].Scale*(rf.Data.Get(x, y)+ws[i].Zero))
				wgts = append(wgts, ws[i].Weight)
				idxs = append(idxs, i)
			}

			clipped := st.sigmaClip(vals)
			sum := 0.0
			for k := range vals {
				if clipped[k] {
					rej[idxs[k]].SetBad(x, y)
					continue
				}
				sum += wgts[k] * vals[k]
			}
			data.Set(x, y, sum)
		}
	}

	// The combined mask policy depends on whether scaling was
	// applied; the asymmetry is deliberate (see CombineMasks)
	var maskInput []*Mask
	if scaled {
		maskInput = rej
	} else {
		maskInput = make([]*Mask, len(frames))
		for i, rf := range frames {
			maskInput[i] = rf.Mask
		}
	}
	combined, err := CombineMasks(maskInput, scaled)
	if err != nil {
		return nil, err
	}

	si := &StackImage{Data: data, Mask: combined}

	// Recompute header-level statistics for the weighted sum
	sumWS, sumWS2, sumRd2, sumSky := 0.0, 0.0, 0.0, 0.0
	for i, rf := range frames {
		fw := ws[i]
		if fw.Weight <= 0 {
			continue
		}
		sumWS += fw.Weight * fw.Scale
		sumWS2 += (fw.Weight * fw.Scale) * (fw.Weight * fw.Scale)
		rd := fw.Weight * rf.Frame.RdNoise / fw.Scale
		sumRd2 += rd * rd
		sky := fw.Weight * math.Sqrt(math.Max(rf.Frame.Sky, 0)/rf.Frame.Gain) / fw.Scale
		sumSky += sky * sky
	}

	si.Gain = frames[0].Frame.Gain * sumWS / sumWS2
	si.RdNoise = math.Sqrt(sumRd2)
	if si.RdNoise < minCombinedRdNoise {
		si.RdNoise = minCombinedRdNoise
	}

	// Add a synthetic sky so the background is Poisson-consistent at
	// the recomputed gain and read noise
	si.Sky = si.Gain * sumSky
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			data.Set(x, y, data.Get(x, y)+si.Sky)
		}
	}

	// Dynamic range guard
	_, max := data.MinMax()
	if max > maxStackLevel {
		rescale := maxStackLevel / max
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				data.Set(x, y, data.Get(x, y)*rescale)
			}
		}
		si.Gain /= rescale // read noise already in electrons, unchanged
		si.Sky *= rescale
		_, max = data.MinMax()
		logger.Info().Float64("rescale", rescale).Float64("gain", si.Gain).
			Msg("stack rescaled under dynamic range ceiling")
	}

	// Saturate bad pixels strictly above the brightest good pixel
	si.MaskLevel = max + maskLevelMargin
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if combined.Bad(x, y) {
				data.Set(x, y, si.MaskLevel)
			}
		}
	}

	logger.Info().Float64("gain", si.Gain).Float64("rdnoise", si.RdNoise).
		Float64("sky", si.Sky).Int("badpix", combined.NumBad()).Msg("stack combined")

	return si, nil
}

// sigmaClip iterates a mean/stddev over the contributions at one
// pixel, marking outliers. The clip decision is on the value
// distribution alone; the frame weights only enter the final sum.
// Returns a parallel flag slice.
func (st Stacker)sigmaClip(vals []float64) []bool {
	clipped := make([]bool, len(vals))
	if len(vals) < 3 {
		return clipped
	}

	kept := make([]float64, 0, len(vals))

	for it := 0; it < st.Cfg.ClipIters; it++ {
		kept = kept[:0]
		for k := range vals {
			if !clipped[k] {
				kept = append(kept, vals[k])
			}
		}
		if len(kept) < 3 {
			break
		}

		mean, sigma := stat.MeanStdDev(kept, nil)
		if sigma <= 0 || !isFinite(sigma) {
			break
		}

		any := false
		for k := range vals {
			if !clipped[k] && math.Abs(vals[k]-mean) > st.Cfg.ClipKappa*sigma {
				clipped[k] = true
				any = true
			}
		}
		if !any {
			break
		}
	}
	return clipped
}

// stackInfo is the YAML sidecar carrying the recomputed header-level
// statistics alongside the stack pixels.
type stackInfo struct {
	Gain      float64
	RdNoise   float64 `yaml:"rdnoise"`
	Sky       float64
	MaskLevel float64 `yaml:"masklevel"`
	TrimX     int     `yaml:"trimx"`
	TrimY     int     `yaml:"trimy"`
}

// Write puts the stack on disk: pixel TIFF, companion weight-map
// TIFF, and the info sidecar. Everything is written and closed before
// the detection stage starts.
func (si *StackImage)Write(cfg Config) error {
	if err := writeTIFFGrid(cfg.StackPath(), si.Data); err != nil {
		return err
	}

	wmap := pmath.NewFloatGrid(si.Mask.Dx(), si.Mask.Dy())
	for y := 0; y < si.Mask.Dy(); y++ {
		for x := 0; x < si.Mask.Dx(); x++ {
			if !si.Mask.Bad(x, y) {
				wmap.Set(x, y, 65535)
			}
		}
	}
	if err := writeTIFFGrid(cfg.WeightMapPath(), wmap); err != nil {
		return err
	}

	info := stackInfo{
		Gain: si.Gain, RdNoise: si.RdNoise, Sky: si.Sky, MaskLevel: si.MaskLevel,
		TrimX: si.TrimOffset.X, TrimY: si.TrimOffset.Y,
	}
	contents, err := yaml.Marshal(info)
	if err != nil {
		return fmt.Errorf("stack info marshal: %v", err)
	}
	if err := os.WriteFile(cfg.StackInfoPath(), contents, 0644); err != nil {
		return fmt.Errorf("write '%s': %v", cfg.StackInfoPath(), err)
	}
	return nil
}

// writeTIFFGrid writes a FloatGrid as a 16-bit grayscale TIFF,
// clamping to the uint16 range.
func writeTIFFGrid(filename string, fg *pmath.FloatGrid) error {
	img := image.NewGray16(image.Rect(0, 0, fg.Dx(), fg.Dy()))
	for y := 0; y < fg.Dy(); y++ {
		for x := 0; x < fg.Dx(); x++ {
			v := fg.Get(x, y)
			if v < 0 { v = 0 }
			if v > 65535 { v = 65535 }
			img.SetGray16(x, y, color.Gray16{Y: uint16(v + 0.5)})
		}
	}

	writer, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("open+w '%s': %v", filename, err)
	}
	defer writer.Close()

	if err := tiff.Encode(writer, img, nil); err != nil {
		return fmt.Errorf("tiff encode '%s': %v", filename, err)
	}
	return nil
}
