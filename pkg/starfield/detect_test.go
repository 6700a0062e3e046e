package starfield

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
)

func detectFixture(t *testing.T) (Config, *Frame) {
	t.Helper()
	cfg := testConfig(t)
	cfg.Engines.Detect = "/bin/psfdetect"
	cfg.SpatialOrder = 2

	stack := &Frame{ID: cfg.Field + "_stk", Dir: cfg.WorkDir}
	touch(t, stack.PixelPath())
	return cfg, stack
}

func TestDetectAcceptsFirstTry(t *testing.T) {
	cfg, stack := detectFixture(t)
	runner := &fakeRunner{onCall: func(call int, req RunRequest) {
		touch(t, stack.PSFModelPath())
		touch(t, stack.SourceListPath())
	}}

	res, err := DetectionDriver{Cfg: cfg, Runner: runner}.Run(context.Background(), stack)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runner.calls != 1 {
		t.Fatalf("engine invoked %d times, want 1", runner.calls)
	}
	if res.SpatialOrder != 2 {
		t.Fatalf("accepted order = %d, want the configured 2", res.SpatialOrder)
	}
	if res.StarList != stack.SourceListPath() {
		t.Fatalf("star list = %s", res.StarList)
	}

	// The answer sequence carries the configured order
	if !strings.Contains(runner.lastReq.Stdin, "VA=2\n") {
		t.Fatalf("answer sequence missing spatial order: %q", runner.lastReq.Stdin)
	}
}

func TestDetectRetriesAtMinimumOrder(t *testing.T) {
	cfg, stack := detectFixture(t)

	// First invocation produces nothing; second converges
	runner := &fakeRunner{onCall: func(call int, req RunRequest) {
		if call == 2 {
			touch(t, stack.PSFModelPath())
			touch(t, stack.SourceListPath())
		}
	}}

	res, err := DetectionDriver{Cfg: cfg, Runner: runner}.Run(context.Background(), stack)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runner.calls != 2 {
		t.Fatalf("engine invoked %d times, want 2", runner.calls)
	}
	if res.SpatialOrder != MinSpatialOrder {
		t.Fatalf("accepted order = %d, want minimum %d", res.SpatialOrder, MinSpatialOrder)
	}
	if !strings.Contains(runner.lastReq.Stdin, "VA=1\n") {
		t.Fatalf("retry did not lower the order: %q", runner.lastReq.Stdin)
	}
}

func TestDetectRetriesWhenAlreadyAtMinimumOrder(t *testing.T) {
	cfg, stack := detectFixture(t)
	cfg.SpatialOrder = MinSpatialOrder

	runner := &fakeRunner{onCall: func(call int, req RunRequest) {
		if call == 2 {
			touch(t, stack.PSFModelPath())
			touch(t, stack.SourceListPath())
		}
	}}

	res, err := DetectionDriver{Cfg: cfg, Runner: runner}.Run(context.Background(), stack)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runner.calls != 2 {
		t.Fatalf("engine invoked %d times, want the retry even at minimum order", runner.calls)
	}
	if res.SpatialOrder != MinSpatialOrder {
		t.Fatalf("accepted order = %d, want %d", res.SpatialOrder, MinSpatialOrder)
	}
}

func TestDetectTwoFailuresFatal(t *testing.T) {
	cfg, stack := detectFixture(t)
	runner := &fakeRunner{stderr: "did not converge"}

	_, err := DetectionDriver{Cfg: cfg, Runner: runner}.Run(context.Background(), stack)
	if err == nil {
		t.Fatalf("expected failure after two attempts")
	}
	if runner.calls != 2 {
		t.Fatalf("engine invoked %d times, want 2", runner.calls)
	}

	var engErr EngineError
	if !errors.As(err, &engErr) {
		t.Fatalf("want EngineError, got %T: %v", err, err)
	}
	if engErr.Stderr != "did not converge" {
		t.Fatalf("stderr not captured: %q", engErr.Stderr)
	}
}

func TestDetectMissingStackFatal(t *testing.T) {
	cfg, stack := detectFixture(t)
	if err := os.Remove(stack.PixelPath()); err != nil {
		t.Fatalf("fixture: %v", err)
	}

	runner := &fakeRunner{}
	_, err := DetectionDriver{Cfg: cfg, Runner: runner}.Run(context.Background(), stack)

	var missing PrerequisiteMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("want PrerequisiteMissingError, got %v", err)
	}
	if missing.Path != stack.PixelPath() {
		t.Fatalf("error names '%s', want '%s'", missing.Path, stack.PixelPath())
	}
	if runner.calls != 0 {
		t.Fatalf("engine should not run without the stack")
	}
}
