package starfield

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/abworrall/starstack/pkg/pmath"
)

// newTestStore builds a TransformStore straight from frames, skipping
// the on-disk transform list.
func newTestStore(frames ...*Frame) *TransformStore {
	ts := &TransformStore{byID: map[string]int{}}
	for i, f := range frames {
		ts.byID[f.ID] = i
		ts.entries = append(ts.entries, TransformEntry{Frame: f})
	}
	return ts
}

// newTestFrame builds an in-memory frame with a flat raster at the
// given level. Gain 1 e-/ADU, no read noise, no sky.
func newTestFrame(id string, w, h int, level float64) *Frame {
	f := &Frame{
		ID: id, Gain: 1.0, ExpTime: 1.0, Saturation: 45000,
		Transform: pmath.Identity(),
	}
	f.pix = pmath.NewFloatGrid(w, h)
	f.pix.Fill(level)
	return f
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := NewConfig()
	cfg.Field = "test"
	cfg.WorkDir = t.TempDir()
	cfg.ScriptDir = t.TempDir()
	cfg.EngineTimeoutSecs = 60
	return cfg
}

func writeTestFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// fakeRunner stands in for the external engines: each invocation
// calls onCall with the 1-based call count, which fakes whatever
// artifacts the test wants.
type fakeRunner struct {
	calls   int
	lastReq RunRequest
	onCall  func(call int, req RunRequest)
	stderr  string
}

func (r *fakeRunner)Run(ctx context.Context, req RunRequest) (RunResult, error) {
	r.calls++
	r.lastReq = req
	if r.onCall != nil {
		r.onCall(r.calls, req)
	}
	return RunResult{Stderr: r.stderr}, nil
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	writeTestFile(t, path, "x\n")
}
