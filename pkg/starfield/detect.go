package starfield

import (
	"context"
)

// MinSpatialOrder is the lowest spatial PSF variation order the
// detection engine accepts: a linearly-varying model.
const MinSpatialOrder = 1

// detectState is where the bounded-retry driver is in its run.
type detectState int

const (
	detectInit detectState = iota
	detectRun
	detectRetry
	detectAccept
	detectFail
)

// DetectionDriver runs the external detection/PSF-model engine on the
// stack. If the engine fails to converge at the configured spatial
// order (no model artifact produced), it gets exactly one more try at
// the minimum order; a second failure is pipeline-fatal.
type DetectionDriver struct {
	Cfg    Config
	Runner Runner
}

// DetectResult reports what the accepted detection run produced.
type DetectResult struct {
	StarList     string // the combined-frame star list path
	PSFModel     string
	SpatialOrder int // the order the engine converged at
}

func (d DetectionDriver)Run(ctx context.Context, stack *Frame) (DetectResult, error) {
	model := Artifact{Name: "PSF model", Path: stack.PSFModelPath()}
	starList := Artifact{Name: "star list", Path: stack.SourceListPath()}

	state := detectInit
	order := d.Cfg.SpatialOrder
	var lastStderr string

	for {
		switch state {

		case detectInit:
			if err := RequireAll(stack.ID, []Artifact{{"stack pixels", stack.PixelPath()}}); err != nil {
				return DetectResult{}, err
			}
			state = detectRun

		case detectRun, detectRetry:
			res, err := invokeEngine(ctx, d.Runner, d.Cfg, "detect", "detect", d.Cfg.Engines.Detect,
				detectAnswers(d.Cfg, stack, order))
			if err != nil {
				return DetectResult{}, err
			}
			lastStderr = res.Stderr

			if model.Found() {
				state = detectAccept
			} else if state == detectRun {
				// Every run gets exactly one retry at the minimum
				// order, even when it started there
				logger.Warn().Int("order", order).
					Msg("detection engine did not converge; retrying at the minimum spatial order")
				order = MinSpatialOrder
				state = detectRetry
			} else {
				state = detectFail
			}

		case detectAccept:
			if !starList.Found() {
				return DetectResult{}, EngineError{Engine: "detect", Stage: "detect",
					Stderr: lastStderr, Err: PrerequisiteMissingError{Frame: stack.ID, Path: starList.Path}}
			}
			logger.Info().Int("order", order).Str("starlist", starList.Path).Msg("detection accepted")
			return DetectResult{StarList: starList.Path, PSFModel: model.Path, SpatialOrder: order}, nil

		case detectFail:
			return DetectResult{}, EngineError{Engine: "detect", Stage: "detect",
				Stderr: lastStderr, Err: PrerequisiteMissingError{Frame: stack.ID, Path: model.Path}}
		}
	}
}
