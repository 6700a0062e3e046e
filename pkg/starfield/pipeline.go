package starfield

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// Pipeline sequences the stages: weights, align+stack, detect, fit,
// merge. Execution is strictly sequential - each stage's outputs are
// fully written and closed before the next one starts, and each stage
// can be re-run on its own after an operator fixes whatever halted it.
type Pipeline struct {
	Cfg    Config
	Runner Runner
}

func NewPipeline(cfg Config) Pipeline {
	return Pipeline{Cfg: cfg, Runner: ExecRunner{}}
}

func (p Pipeline)Run(ctx context.Context) error {
	for _, stage := range []struct {
		name string
		run  func(context.Context) error
	}{
		{"weights", p.RunWeights},
		{"stack", p.RunStack},
		{"detect", p.RunDetect},
		{"fit", p.RunFit},
		{"merge", p.RunMerge},
	} {
		logger.Info().Str("stage", stage.name).Msg("stage starting")
		if err := stage.run(ctx); err != nil {
			return fmt.Errorf("stage %s: %w", stage.name, err)
		}
	}
	return nil
}

// RunWeights computes per-frame sky statistics and writes the
// (weight, scale, zero) files.
func (p Pipeline)RunWeights(ctx context.Context) error {
	ts, err := LoadTransformStore(p.Cfg)
	if err != nil {
		return err
	}

	ws, err := WeightCalculator{Cfg: p.Cfg}.Compute(ts)
	if err != nil {
		return err
	}
	return WriteWeightFiles(ts, ws)
}

// RunAlign resamples all frames onto the reference grid and reports
// the common footprint. Diagnostic: the stack stage re-aligns in
// memory, so nothing is written unless previews are enabled.
func (p Pipeline)RunAlign(ctx context.Context) error {
	ts, err := LoadTransformStore(p.Cfg)
	if err != nil {
		return err
	}

	frames, trim, err := Aligner{Cfg: p.Cfg}.AlignAll(ts)
	if err != nil {
		return err
	}

	logger.Info().Int("frames", len(frames)).
		Int("dx", frames[0].Data.Dx()).Int("dy", frames[0].Data.Dy()).
		Str("trim", trim.String()).Msg("alignment ok")

	if p.Cfg.Previews {
		for _, rf := range frames {
			name := filepath.Join(p.Cfg.WorkDir, fmt.Sprintf("aligned-%s.png", rf.Frame.ID))
			if err := WritePreview(rf.Data, rf.Frame.ID, name); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunStack aligns the frames, combines them under the weights written
// by the weights stage, and writes the stack, its weight map, and its
// info sidecar.
func (p Pipeline)RunStack(ctx context.Context) error {
	ts, err := LoadTransformStore(p.Cfg)
	if err != nil {
		return err
	}
	ws, err := ReadWeightFiles(ts)
	if err != nil {
		return err
	}

	frames, trim, err := Aligner{Cfg: p.Cfg}.AlignAll(ts)
	if err != nil {
		return err
	}

	si, err := Stacker{Cfg: p.Cfg}.Combine(frames, ws)
	if err != nil {
		return err
	}
	si.TrimOffset = trim

	if err := si.Write(p.Cfg); err != nil {
		return err
	}

	if p.Cfg.Previews {
		stackPNG := filepath.Join(p.Cfg.WorkDir, p.Cfg.Field+"-stack.png")
		if err := WritePreview(si.Data, p.Cfg.Field+" stack", stackPNG); err != nil {
			return err
		}
		maskPNG := filepath.Join(p.Cfg.WorkDir, p.Cfg.Field+"-mask.png")
		if err := WritePreview(si.Mask.ToWeightGrid(), p.Cfg.Field+" mask", maskPNG); err != nil {
			return err
		}
	}
	return nil
}

func (p Pipeline)RunDetect(ctx context.Context) error {
	stack, err := p.stackFrame()
	if err != nil {
		return err
	}
	_, err = DetectionDriver{Cfg: p.Cfg, Runner: p.Runner}.Run(ctx, stack)
	return err
}

func (p Pipeline)RunFit(ctx context.Context) error {
	ts, err := LoadTransformStore(p.Cfg)
	if err != nil {
		return err
	}
	stack, err := p.stackFrame()
	if err != nil {
		return err
	}
	return SimultaneousFitDriver{Cfg: p.Cfg, Store: ts, Runner: p.Runner}.Run(ctx, stack)
}

func (p Pipeline)RunMerge(ctx context.Context) error {
	ts, err := LoadTransformStore(p.Cfg)
	if err != nil {
		return err
	}
	stack, err := p.stackFrame()
	if err != nil {
		return err
	}

	cat, _, err := MagnitudeMerger{Cfg: p.Cfg}.Merge(ts, stack)
	if err != nil {
		return err
	}
	if err := cat.Write(p.Cfg.CatalogPath()); err != nil {
		return err
	}
	logger.Info().Str("catalog", p.Cfg.CatalogPath()).Msg("catalog written")
	return nil
}

// stackFrame builds the pseudo-frame for the combined image from the
// stack info sidecar written by the stack stage.
func (p Pipeline)stackFrame() (*Frame, error) {
	f := &Frame{ID: p.Cfg.Field + "_stk", Dir: p.Cfg.WorkDir}

	contents, err := os.ReadFile(p.Cfg.StackInfoPath())
	if err != nil {
		return nil, PrerequisiteMissingError{Frame: f.ID, Path: p.Cfg.StackInfoPath()}
	}
	info := stackInfo{}
	if err := yaml.Unmarshal(contents, &info); err != nil {
		return nil, fmt.Errorf("stack info '%s': %w", p.Cfg.StackInfoPath(), err)
	}

	f.Gain = info.Gain
	f.RdNoise = info.RdNoise
	f.Sky = info.Sky
	f.Saturation = info.MaskLevel
	f.ExpTime = 1.0
	return f, nil
}
