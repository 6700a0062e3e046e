package starfield

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/skypies/util/histogram"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

// A FrameWeight is the per-frame (weight, scale, zero-offset) triple
// used by the stacker. Scale is the multiplicative photometric-level
// correction relative to the reference; zero is the additive
// background-leveling correction.
type FrameWeight struct {
	Weight float64
	Scale  float64
	Zero   float64
}

// A WeightSet holds one FrameWeight per frame, in frame order. A
// neutralized frame (see degenerateScale) keeps its slot so the
// per-frame arrays stay aligned.
type WeightSet []FrameWeight

func (ws WeightSet)TotalWeight() float64 {
	tot := 0.0
	for _, fw := range ws {
		tot += fw.Weight
	}
	return tot
}

// Scale bounds for the degenerate-frame rule. A frame outside them is
// neutralized (scale=1, weight=0) rather than dropped.
const (
	minScale        = 1e-5
	maxInverseScale = 900.0
)

func degenerateScale(s float64) bool {
	return !(s >= minScale) || 1.0/s > maxInverseScale
}

type WeightCalculator struct {
	Cfg Config
}

// Compute derives each frame's sky statistics and its
// (weight, scale, zero) triple. Weight grows with effective depth and
// inverse noise variance; it only needs to be internally consistent,
// so the reference frame gets weight 1. Per-frame work fans out
// across workers and is regathered in frame order.
func (wc WeightCalculator)Compute(ts *TransformStore) (WeightSet, error) {
	n := ts.Len()
	ws := make(WeightSet, n)

	var g errgroup.Group
	g.SetLimit(4)

	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			frame := ts.Entry(i).Frame
			if err := wc.frameSkyStats(frame); err != nil {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ref := ts.Ref()
	refDepth := ref.ExpTime / noiseVarianceADU(ref)

	for i := 0; i < n; i++ {
		entry := ts.Entry(i)
		frame := entry.Frame

		weight := (frame.ExpTime / noiseVarianceADU(frame)) / refDepth
		scale := wc.frameScale(entry, ref)

		if !isFinite(weight) || !isFinite(scale) || weight < 0 {
			return nil, ComputationError{
				Stage:  "weights",
				Detail: fmt.Sprintf("frame %s: non-finite weight/scale (w=%f s=%f)", frame.ID, weight, scale),
			}
		}

		if degenerateScale(scale) {
			logger.Warn().Str("frame", frame.ID).Float64("scale", scale).
				Msg("degenerate scale, frame neutralized")
			scale, weight = 1.0, 0.0
		}

		ws[i] = FrameWeight{Weight: weight, Scale: scale, Zero: -frame.Sky}
	}

	if ws.TotalWeight() <= 0 {
		return nil, ComputationError{Stage: "weights", Detail: "zero total weight across all frames"}
	}

	return ws, nil
}

// frameScale: prefer the magnitude offset carried on the transform
// list row; otherwise normalize by exposure time.
func (wc WeightCalculator)frameScale(entry TransformEntry, ref *Frame) float64 {
	if entry.HasMagOff {
		return math.Pow(10, 0.4*entry.MagOffset)
	}
	return ref.ExpTime / entry.Frame.ExpTime
}

// noiseVarianceADU is the per-pixel background variance in ADU^2:
// read noise plus sky Poisson noise at the frame's gain.
func noiseVarianceADU(f *Frame) float64 {
	rd := f.RdNoise / f.Gain
	return rd*rd + math.Max(f.Sky, 0)/f.Gain
}

// frameSkyStats estimates the frame's sky level and sigma from a
// subsample of below-saturation pixels, with iterated sigma clipping.
func (wc WeightCalculator)frameSkyStats(f *Frame) error {
	pix, err := f.Pixels()
	if err != nil {
		return err
	}

	// Subsample on a grid; the sky doesn't need every pixel
	step := 1
	for (pix.Dx()/step)*(pix.Dy()/step) > 100000 {
		step++
	}

	samples := []float64{}
	for y := 0; y < pix.Dy(); y += step {
		for x := 0; x < pix.Dx(); x += step {
			if v := pix.Get(x, y); v < f.Saturation {
				samples = append(samples, v)
			}
		}
	}
	if len(samples) < 2 {
		return ComputationError{Stage: "weights", Detail: fmt.Sprintf("frame %s: no usable sky pixels", f.ID)}
	}

	mean, sigma := clippedMeanStdDev(samples, wc.Cfg.ClipKappa, wc.Cfg.ClipIters)
	if !isFinite(mean) || !isFinite(sigma) {
		return ComputationError{Stage: "weights", Detail: fmt.Sprintf("frame %s: non-finite sky statistics", f.ID)}
	}

	f.Sky = mean
	f.SkySigma = sigma

	// Diagnostic histogram of sky residuals, in tenths of a sigma
	h := histogram.Histogram{NumBuckets: 64, ValMin: -32, ValMax: 32}
	if sigma > 0 {
		for _, v := range samples {
			h.Add(histogram.ScalarVal(int((v - mean) / sigma * 10.0)))
		}
	}
	logger.Debug().Str("frame", f.ID).Float64("sky", mean).Float64("sigma", sigma).
		Msgf("sky residuals: %v", h)

	return nil
}

// clippedMeanStdDev iterates mean/stddev, discarding samples more
// than kappa sigma from the mean each round.
func clippedMeanStdDev(samples []float64, kappa float64, iters int) (float64, float64) {
	mean, sigma := stat.MeanStdDev(samples, nil)

	for it := 0; it < iters; it++ {
		kept := samples[:0:0]
		for _, v := range samples {
			if math.Abs(v-mean) <= kappa*sigma {
				kept = append(kept, v)
			}
		}
		if len(kept) < 2 || len(kept) == len(samples) {
			break
		}
		samples = kept
		mean, sigma = stat.MeanStdDev(samples, nil)
	}
	return mean, sigma
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ReadWeightFiles loads the per-frame (weight, scale, zero) files
// written by a previous weights stage, so later stages can resume
// without recomputing. The zero offset is the negated sky level, so
// each frame's sky is recovered from it; the stacker's synthetic sky
// needs it even on a resumed run.
func ReadWeightFiles(ts *TransformStore) (WeightSet, error) {
	ws := make(WeightSet, ts.Len())
	for i := 0; i < ts.Len(); i++ {
		frame := ts.Entry(i).Frame
		contents, err := os.ReadFile(frame.WeightFilePath())
		if err != nil {
			return nil, PrerequisiteMissingError{Frame: frame.ID, Path: frame.WeightFilePath()}
		}

		fields := strings.Fields(string(contents))
		if len(fields) != 3 {
			return nil, ComputationError{
				Stage:  "weights",
				Detail: fmt.Sprintf("weight file '%s' has %d fields, want 3", frame.WeightFilePath(), len(fields)),
			}
		}
		nums := make([]float64, 3)
		for j, tok := range fields {
			if nums[j], err = strconv.ParseFloat(tok, 64); err != nil {
				return nil, ComputationError{
					Stage:  "weights",
					Detail: fmt.Sprintf("weight file '%s': bad number '%s'", frame.WeightFilePath(), tok),
				}
			}
		}
		ws[i] = FrameWeight{Weight: nums[0], Scale: nums[1], Zero: nums[2]}
		frame.Sky = -nums[2]
	}
	return ws, nil
}

// WriteWeightFiles writes each frame's (weight, scale, zero) in the
// fixed-width decimal layout the downstream engines read.
func WriteWeightFiles(ts *TransformStore, ws WeightSet) error {
	for i := 0; i < ts.Len(); i++ {
		frame := ts.Entry(i).Frame
		fw := ws[i]
		line := fmt.Sprintf("%10.6f%10.5f%10.2f\n", fw.Weight, fw.Scale, fw.Zero)
		if err := os.WriteFile(frame.WeightFilePath(), []byte(line), 0644); err != nil {
			return fmt.Errorf("write weight file '%s': %v", frame.WeightFilePath(), err)
		}
	}
	return nil
}
