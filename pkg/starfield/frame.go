package starfield

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/tiff"
	"gopkg.in/yaml.v2"

	"github.com/abworrall/starstack/pkg/pmath"
)

// A Frame is one calibrated exposure of the field, plus the per-frame
// calibration numbers the stacker needs. It is captured once at run
// start and immutable afterwards; pixel data is loaded lazily.
type Frame struct {
	ID         string  // artifact basename, e.g. "obj021"
	Dir        string  // where this frame's artifacts live

	Gain       float64 // e-/ADU
	RdNoise    float64 // e-
	Sky        float64 // ADU, estimated by the weight calculator
	SkySigma   float64 // ADU
	Saturation float64 // ADU
	ExpTime    float64 // seconds

	Transform  pmath.Aff3  // maps reference coords into this frame

	pix  *pmath.FloatGrid
	mask *Mask
}

func (f *Frame)String() string {
	return fmt.Sprintf("%s: gain=%.2f rdnoise=%.2f sky=%.1f+/-%.1f exp=%.1fs xform%s",
		f.ID, f.Gain, f.RdNoise, f.Sky, f.SkySigma, f.ExpTime, f.Transform)
}

// Per-frame artifact paths. The suffix scheme is fixed: it is the
// contract with the external engines.
func (f *Frame)path(ext string) string      { return filepath.Join(f.Dir, f.ID+ext) }
func (f *Frame)PixelPath() string           { return f.path(".tif") }
func (f *Frame)MaskPath() string            { return f.path(".bpm.tif") }
func (f *Frame)InfoPath() string            { return f.path(".info") }
func (f *Frame)FitOptionPath() string       { return f.path(".opt") }
func (f *Frame)DetectOptionPath() string    { return f.path(".det") }
func (f *Frame)AperturePhotPath() string    { return f.path(".ap") }
func (f *Frame)ClassPath() string           { return f.path(".cls") }
func (f *Frame)PSFModelPath() string        { return f.path(".psf") }
func (f *Frame)SourceListPath() string      { return f.path(".src") }
func (f *Frame)LogPath() string             { return f.path(".log") }
func (f *Frame)FittedPhotPath() string      { return f.path(".fit") }
func (f *Frame)CommonListPath() string      { return f.path(".cmn") }
func (f *Frame)WeightFilePath() string      { return f.path(".wgt") }

// frameInfo is the YAML sidecar holding the per-frame calibration.
type frameInfo struct {
	Gain       float64
	RdNoise    float64 `yaml:"rdnoise"`
	Saturation float64
	ExpTime    float64 `yaml:"exptime"`
}

// NewFrame captures a frame from its on-disk artifacts. The info
// sidecar is authoritative for gain/rdnoise/saturation; exposure time
// falls back to the pixel file's EXIF tag, then to 1s.
func NewFrame(dir, id string, defaultSaturation float64) (*Frame, error) {
	f := &Frame{ID: id, Dir: dir, Transform: pmath.Identity(), Saturation: defaultSaturation}

	contents, err := os.ReadFile(f.InfoPath())
	if err != nil {
		return nil, PrerequisiteMissingError{Frame: id, Path: f.InfoPath()}
	}

	info := frameInfo{}
	if err := yaml.Unmarshal(contents, &info); err != nil {
		return nil, fmt.Errorf("frame info '%s': %w", f.InfoPath(), err)
	}
	if info.Gain <= 0 {
		return nil, ComputationError{Stage: "frame " + id, Detail: fmt.Sprintf("non-positive gain %f in '%s'", info.Gain, f.InfoPath())}
	}

	f.Gain = info.Gain
	f.RdNoise = info.RdNoise
	if info.Saturation > 0 {
		f.Saturation = info.Saturation
	}
	f.ExpTime = info.ExpTime
	if f.ExpTime <= 0 {
		f.ExpTime = exifExposureSecs(f.PixelPath())
	}
	if f.ExpTime <= 0 {
		f.ExpTime = 1.0
	}

	return f, nil
}

// Pixels loads (once) and returns the frame's raster, in ADU.
func (f *Frame)Pixels() (*pmath.FloatGrid, error) {
	if f.pix != nil {
		return f.pix, nil
	}

	fg, err := loadTIFFGrid(f.PixelPath())
	if err != nil {
		return nil, fmt.Errorf("frame %s pixels: %w", f.ID, err)
	}
	f.pix = fg
	return fg, nil
}

// BadPixels loads (once) and returns the frame's bad pixel mask,
// using the internal 1=bad/0=good convention. A missing mask file
// means an all-good mask.
func (f *Frame)BadPixels() (*Mask, error) {
	if f.mask != nil {
		return f.mask, nil
	}

	pix, err := f.Pixels()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(f.MaskPath()); err != nil {
		logger.Debug().Str("frame", f.ID).Msg("no bad pixel mask file, assuming all good")
		f.mask = NewMask(pix.Dx(), pix.Dy())
		return f.mask, nil
	}

	fg, err := loadTIFFGrid(f.MaskPath())
	if err != nil {
		return nil, fmt.Errorf("frame %s mask: %w", f.ID, err)
	}
	if fg.Dx() != pix.Dx() || fg.Dy() != pix.Dy() {
		return nil, ComputationError{
			Stage:  "frame " + f.ID,
			Detail: fmt.Sprintf("mask shape %dx%d != pixel shape %dx%d", fg.Dx(), fg.Dy(), pix.Dx(), pix.Dy()),
		}
	}

	// In the mask file, any nonzero sample means bad
	m := NewMask(fg.Dx(), fg.Dy())
	for y := 0; y < fg.Dy(); y++ {
		for x := 0; x < fg.Dx(); x++ {
			if fg.Get(x, y) != 0 {
				m.SetBad(x, y)
			}
		}
	}
	f.mask = m
	return m, nil
}

// loadTIFFGrid reads a grayscale TIFF into a FloatGrid of ADU. Color
// inputs collapse to their 16-bit red channel, which for grayscale
// data is the sample value.
func loadTIFFGrid(filename string) (*pmath.FloatGrid, error) {
	reader, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open+r '%s': %v", filename, err)
	}
	defer reader.Close()

	img, err := tiff.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("tiff loading '%s': %v", filename, err)
	}

	bounds := img.Bounds()
	fg := pmath.NewFloatGrid(bounds.Dx(), bounds.Dy())
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, _, _, _ := img.At(x, y).RGBA()
			fg.Set(x-bounds.Min.X, y-bounds.Min.Y, float64(r))
		}
	}
	return fg, nil
}

// exifExposureSecs tries to pull an exposure time out of the pixel
// file's EXIF block. Returns 0 if there isn't one.
func exifExposureSecs(filename string) float64 {
	reader, err := os.Open(filename)
	if err != nil {
		return 0
	}
	defer reader.Close()

	ex, err := exif.Decode(reader)
	if err != nil {
		return 0
	}

	tag, err := ex.Get(exif.ExposureTime)
	if err != nil {
		return 0
	}
	num, denom, err := tag.Rat2(0)
	if err != nil || denom == 0 {
		return 0
	}
	return float64(num) / float64(denom)
}
