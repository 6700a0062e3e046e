package starfield

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Sentinel magnitude for a star the fit could not measure on a frame.
const (
	missingMag    = 99.9999
	missingMagErr = 9.9999
)

type MagErr struct {
	Mag float64
	Err float64
}

// A CatalogRow is one star: its position on the stack, one
// magnitude+error pair per frame, the fit quality numbers, and the
// optional classification enrichment.
type CatalogRow struct {
	ID        int
	X, Y      float64
	Mags      []MagErr // one per frame, in frame order
	Chi       float64
	Sharp     float64
	HasClass  bool
	Class     int
	ClassProb float64
}

type StarCatalog struct {
	Header []string // 3 lines copied verbatim from the fit engine output
	Rows   []CatalogRow
}

// MergeStats reports how the optional enrichment joined up.
type MergeStats struct {
	Defaulted int // master stars with no classification row
	Stray     int // classification rows matching no master star
}

// MagnitudeMerger joins the per-frame fitted magnitudes into one
// catalog row per star. The join key is the master star id; row order
// is the master list order. Classification enrichment tolerates
// partial matches: mismatches are logged, never fatal.
type MagnitudeMerger struct {
	Cfg Config
}

func (m MagnitudeMerger)Merge(ts *TransformStore, stack *Frame) (*StarCatalog, MergeStats, error) {
	stats := MergeStats{}

	_, master, err := readFittedPhot(stack.FittedPhotPath())
	if err != nil {
		return nil, stats, err
	}

	// The catalog header comes verbatim from a per-frame output
	header, _, err := readFittedPhot(ts.Entry(0).Frame.FittedPhotPath())
	if err != nil {
		return nil, stats, err
	}

	perFrame := make([]map[int]fitRow, ts.Len())
	for i := 0; i < ts.Len(); i++ {
		_, rows, err := readFittedPhot(ts.Entry(i).Frame.FittedPhotPath())
		if err != nil {
			return nil, stats, err
		}
		perFrame[i] = map[int]fitRow{}
		for _, r := range rows {
			perFrame[i][r.ID] = r
		}
	}

	cat := &StarCatalog{Header: header}
	for _, ms := range master {
		row := CatalogRow{ID: ms.ID, X: ms.X, Y: ms.Y, Chi: ms.Chi, Sharp: ms.Sharp}
		for i := range perFrame {
			if fr, ok := perFrame[i][ms.ID]; ok {
				row.Mags = append(row.Mags, MagErr{fr.Mag, fr.MagErr})
			} else {
				row.Mags = append(row.Mags, MagErr{missingMag, missingMagErr})
			}
		}
		cat.Rows = append(cat.Rows, row)
	}

	// Optional classification enrichment
	clsPath := stack.ClassPath()
	if (Artifact{Name: "classification", Path: clsPath}).Found() {
		cls, err := readClassification(clsPath)
		if err != nil {
			return nil, stats, err
		}

		matched := map[int]bool{}
		for i := range cat.Rows {
			if c, ok := cls[cat.Rows[i].ID]; ok {
				cat.Rows[i].HasClass = true
				cat.Rows[i].Class = c.flag
				cat.Rows[i].ClassProb = c.prob
				matched[cat.Rows[i].ID] = true
			} else {
				stats.Defaulted++
			}
		}
		stats.Stray = len(cls) - len(matched)

		if stats.Defaulted > 0 || stats.Stray > 0 {
			logger.Warn().Int("unmatched", stats.Defaulted).Int("stray", stats.Stray).
				Msg("classification only partially matched the master list")
		}
	}

	logger.Info().Int("stars", len(cat.Rows)).Int("frames", ts.Len()).Msg("magnitudes merged")
	return cat, stats, nil
}

// Write emits the fixed-width catalog.
func (c *StarCatalog)Write(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("open+w '%s': %v", path, err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for _, line := range c.Header {
		fmt.Fprintln(w, line)
	}
	for _, row := range c.Rows {
		fmt.Fprintf(w, "%7d%9.3f%9.3f", row.ID, row.X, row.Y)
		for _, me := range row.Mags {
			fmt.Fprintf(w, "%9.4f%9.4f", me.Mag, me.Err)
		}
		fmt.Fprintf(w, "%9.4f%9.4f", row.Chi, row.Sharp)
		if row.HasClass {
			fmt.Fprintf(w, "%4d%7.2f", row.Class, row.ClassProb)
		}
		fmt.Fprintln(w)
	}
	return w.Flush()
}

type fitRow struct {
	ID     int
	X, Y   float64
	Mag    float64
	MagErr float64
	Chi    float64
	Sharp  float64
}

// readFittedPhot parses a fit engine output file: a 3-line header,
// then one row per star: id, x, y, mag, magerr, chi, sharp.
func readFittedPhot(path string) ([]string, []fitRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, PrerequisiteMissingError{Frame: strings.TrimSuffix(path, ".fit"), Path: path}
	}
	defer file.Close()

	header := []string{}
	rows := []fitRow{}

	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if lineNo <= 3 {
			header = append(header, line)
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 7 {
			continue
		}

		id, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		nums := make([]float64, 6)
		ok := true
		for i := 0; i < 6; i++ {
			if nums[i], err = strconv.ParseFloat(fields[i+1], 64); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		rows = append(rows, fitRow{
			ID: id, X: nums[0], Y: nums[1], Mag: nums[2], MagErr: nums[3], Chi: nums[4], Sharp: nums[5],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read '%s': %v", path, err)
	}
	if len(header) < 3 {
		return nil, nil, ComputationError{Stage: "merge", Detail: fmt.Sprintf("'%s' too short for a 3-line header", path)}
	}
	return header, rows, nil
}

type classRow struct {
	flag int
	prob float64
}

// readClassification parses "id flag probability" rows; anything
// unparseable is skipped.
func readClassification(path string) (map[int]classRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open+r '%s': %v", path, err)
	}
	defer file.Close()

	cls := map[int]classRow{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		id, err1 := strconv.Atoi(fields[0])
		flag, err2 := strconv.Atoi(fields[1])
		prob, err3 := strconv.ParseFloat(fields[2], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		cls[id] = classRow{flag: flag, prob: prob}
	}
	return cls, scanner.Err()
}
