package starfield

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// The external engines are interactive programs driven by feeding a
// fixed, newline-terminated sequence of answers on stdin. The
// sequence is generated deterministically from configuration; the
// answer file is written so an operator can inspect a failed run, and
// deleted again on both success and failure.
//
// There is no exit-code protocol. Beyond a timeout, the only failure
// signal is the expected output artifact being absent or empty
// afterwards; callers check that themselves.

type RunRequest struct {
	Argv  []string
	Stdin string
	Dir   string
}

type RunResult struct {
	Stdout string
	Stderr string
}

// A Runner executes one engine invocation. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

type ExecRunner struct{}

func (ExecRunner)Run(ctx context.Context, req RunRequest) (RunResult, error) {
	cmd := exec.CommandContext(ctx, req.Argv[0], req.Argv[1:]...)
	cmd.Dir = req.Dir
	cmd.Stdin = strings.NewReader(req.Stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return RunResult{Stdout: stdout.String(), Stderr: stderr.String()}, err
}

// invokeEngine writes the answer file, feeds the engine, and cleans
// the answer file up whatever happens. A timeout is an EngineError; a
// plain nonzero exit is only logged, since the artifact check decides
// success.
func invokeEngine(ctx context.Context, r Runner, cfg Config, engine, stage, binary, answers string) (RunResult, error) {
	answerFile := filepath.Join(cfg.ScriptDir, fmt.Sprintf("%s.%s.cmd", cfg.Field, stage))
	if err := os.WriteFile(answerFile, []byte(answers), 0644); err != nil {
		return RunResult{}, fmt.Errorf("write answer file '%s': %v", answerFile, err)
	}
	defer os.Remove(answerFile)

	ctx, cancel := context.WithTimeout(ctx, cfg.EngineTimeout())
	defer cancel()

	logger.Info().Str("engine", engine).Str("stage", stage).Str("binary", binary).Msg("invoking engine")
	res, err := r.Run(ctx, RunRequest{Argv: []string{binary}, Stdin: answers, Dir: cfg.WorkDir})

	if ctx.Err() != nil {
		return res, EngineError{Engine: engine, Stage: stage, Stderr: res.Stderr, Err: ctx.Err()}
	}
	if err != nil {
		logger.Warn().Str("engine", engine).Str("stage", stage).Err(err).
			Msg("engine exited abnormally; deferring to the output artifact check")
	}
	return res, nil
}

// answerSeq accumulates the newline-terminated answer sequence for
// one engine session.
type answerSeq struct {
	b strings.Builder
}

func (a *answerSeq)Line(format string, args ...interface{}) {
	fmt.Fprintf(&a.b, format, args...)
	a.b.WriteByte('\n')
}

func (a *answerSeq)String() string { return a.b.String() }

// detectAnswers drives the detection engine over the stack: set
// options, find sources with the configured inner iteration bound,
// then build the spatially-varying PSF model.
func detectAnswers(cfg Config, stack *Frame, order int) string {
	a := &answerSeq{}
	a.Line("OPTIONS")
	a.Line("VA=%d", order)
	a.Line("IT=%d", cfg.InnerIters)
	a.Line("HI=%.1f", cfg.Saturation)
	a.Line("")
	a.Line("ATTACH %s", filepath.Base(stack.PixelPath()))
	a.Line("FIND")
	a.Line("%s", filepath.Base(stack.SourceListPath()))
	a.Line("PSF")
	a.Line("%s", filepath.Base(stack.PSFModelPath()))
	a.Line("EXIT")
	return a.String()
}

// fitAnswers drives the simultaneous multi-frame fit: the transform
// list, the master star list from the stack, then an input/output pair
// per image - the stack first, whose fitted photometry becomes the
// master list for the merge, then every frame. Positions stay fixed
// via the transforms; the engine rewrites each fitted-photometry file
// in place.
func fitAnswers(cfg Config, ts *TransformStore, stack *Frame) string {
	a := &answerSeq{}
	a.Line("%s", filepath.Base(cfg.TransformFile))
	a.Line("%s", filepath.Base(stack.SourceListPath()))
	a.Line("%s %s", filepath.Base(stack.PixelPath()), filepath.Base(stack.FittedPhotPath()))
	for i := 0; i < ts.Len(); i++ {
		f := ts.Entry(i).Frame
		a.Line("%s %s", filepath.Base(f.PixelPath()), filepath.Base(f.FittedPhotPath()))
	}
	a.Line("")
	a.Line("EXIT")
	return a.String()
}
