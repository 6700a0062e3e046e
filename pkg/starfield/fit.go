package starfield

import (
	"context"
)

// SimultaneousFitDriver invokes the external multi-frame constrained
// PSF fitting engine. Positions are held fixed across frames via the
// geometric transforms; the engine rewrites each frame's
// fitted-photometry file in place.
//
// Every per-frame prerequisite is checked explicitly first, so a
// failed run halts with the exact missing filename and an operator
// can repair it and resume at this stage.
type SimultaneousFitDriver struct {
	Cfg    Config
	Store  *TransformStore
	Runner Runner
}

func (d SimultaneousFitDriver)Run(ctx context.Context, stack *Frame) error {
	for i := 0; i < d.Store.Len(); i++ {
		f := d.Store.Entry(i).Frame
		if err := RequireAll(f.ID, FitPrerequisites(f)); err != nil {
			return err
		}
	}
	if err := RequireAll(stack.ID, []Artifact{
		{"stack pixels", stack.PixelPath()},
		{"PSF model", stack.PSFModelPath()},
		{"master star list", stack.SourceListPath()},
	}); err != nil {
		return err
	}

	res, err := invokeEngine(ctx, d.Runner, d.Cfg, "fit", "fit", d.Cfg.Engines.Fit,
		fitAnswers(d.Cfg, d.Store, stack))
	if err != nil {
		return err
	}

	// The engine's only success signal is the rewritten
	// fitted-photometry files: the stack's (the merge's master list)
	// and every frame's
	if fitted := (Artifact{Name: "fitted photometry", Path: stack.FittedPhotPath()}); !fitted.Found() {
		return EngineError{Engine: "fit", Stage: "fit", Stderr: res.Stderr,
			Err: PrerequisiteMissingError{Frame: stack.ID, Path: fitted.Path}}
	}
	for i := 0; i < d.Store.Len(); i++ {
		f := d.Store.Entry(i).Frame
		if fitted := (Artifact{Name: "fitted photometry", Path: f.FittedPhotPath()}); !fitted.Found() {
			return EngineError{Engine: "fit", Stage: "fit", Stderr: res.Stderr,
				Err: PrerequisiteMissingError{Frame: f.ID, Path: fitted.Path}}
		}
	}

	logger.Info().Int("frames", d.Store.Len()).Msg("simultaneous fit complete")
	return nil
}
