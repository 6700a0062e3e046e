package starfield

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/abworrall/starstack/pkg/pmath"
)

// A TransformEntry pairs a frame with how it sits relative to the
// reference frame. Entry 0 is the reference itself.
type TransformEntry struct {
	Frame     *Frame
	FitRadius float64 // optional, 0 when absent
	MagOffset float64 // optional trailing field: frame-to-reference magnitude offset
	HasMagOff bool
}

// TransformStore holds the per-frame geometric transforms, in the
// frame order of the transform list file. That order matters: it is
// the combination order for the stacker.
type TransformStore struct {
	entries []TransformEntry
	byID    map[string]int
}

func (ts *TransformStore)Len() int                   { return len(ts.entries) }
func (ts *TransformStore)Entry(i int) TransformEntry { return ts.entries[i] }
func (ts *TransformStore)Ref() *Frame                { return ts.entries[0].Frame }

func (ts *TransformStore)Frames() []*Frame {
	frames := make([]*Frame, len(ts.entries))
	for i, e := range ts.entries {
		frames[i] = e.Frame
	}
	return frames
}

func (ts *TransformStore)ByID(id string) (*Frame, bool) {
	i, ok := ts.byID[id]
	if !ok {
		return nil, false
	}
	return ts.entries[i].Frame, true
}

// Map sends a reference-frame position into frame i's coordinates.
func (ts *TransformStore)Map(i int, x, y float64) (float64, float64) {
	return ts.entries[i].Frame.Transform.Apply(x, y)
}

const identityEps = 1e-6

// LoadTransformStore parses the transform list file. One row per
// frame: quoted filename, dx, dy, four linear coefficients, then an
// optional fit radius and an optional magnitude offset. Row 0 must be
// the reference frame with the identity transform.
func LoadTransformStore(cfg Config) (*TransformStore, error) {
	file, err := os.Open(cfg.TransformFile)
	if err != nil {
		return nil, ConfigurationError{Field: "transformfile", Path: cfg.TransformFile, Err: err}
	}
	defer file.Close()

	ts := &TransformStore{byID: map[string]int{}}

	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		entry, xform, err := parseTransformRow(line)
		if err != nil {
			return nil, fmt.Errorf("transform list '%s' line %d: %w", cfg.TransformFile, lineNo, err)
		}

		id := strings.TrimSuffix(filepath.Base(entry.filename), filepath.Ext(entry.filename))
		frame, err := NewFrame(cfg.WorkDir, id, cfg.Saturation)
		if err != nil {
			return nil, err
		}
		frame.Transform = xform

		if len(ts.entries) == 0 && !xform.IsIdentity(identityEps) {
			return nil, ComputationError{
				Stage:  "transform list",
				Detail: fmt.Sprintf("reference row '%s' is not the identity: %s", entry.filename, xform),
			}
		}

		ts.byID[id] = len(ts.entries)
		ts.entries = append(ts.entries, TransformEntry{
			Frame:     frame,
			FitRadius: entry.fitRadius,
			MagOffset: entry.magOffset,
			HasMagOff: entry.hasMagOff,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("transform list '%s': %v", cfg.TransformFile, err)
	}
	if len(ts.entries) == 0 {
		return nil, ComputationError{Stage: "transform list", Detail: fmt.Sprintf("'%s' has no rows", cfg.TransformFile)}
	}

	logger.Info().Int("frames", ts.Len()).Str("ref", ts.Ref().ID).Msg("transform list loaded")
	return ts, nil
}

type transformRow struct {
	filename  string
	fitRadius float64
	magOffset float64
	hasMagOff bool
}

func parseTransformRow(line string) (transformRow, pmath.Aff3, error) {
	row := transformRow{}

	fields := strings.Fields(line)
	if len(fields) < 7 {
		return row, pmath.Aff3{}, fmt.Errorf("want >=7 fields, got %d", len(fields))
	}

	row.filename = strings.Trim(fields[0], `'"`)

	nums := make([]float64, 0, len(fields)-1)
	for _, tok := range fields[1:] {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return row, pmath.Aff3{}, fmt.Errorf("bad number '%s': %v", tok, err)
		}
		nums = append(nums, v)
	}

	dx, dy := nums[0], nums[1]
	xform := pmath.Aff3{nums[2], nums[3], dx,   nums[4], nums[5], dy}

	if len(nums) > 6 {
		row.fitRadius = nums[6]
	}
	if len(nums) > 7 {
		row.magOffset = nums[7]
		row.hasMagOff = true
	}

	return row, xform, nil
}
