package starfield

import (
	"os"
)

// The engines signal success purely through files: an expected output
// that is absent or empty after an invocation is the failure signal.
// The same check gates stage entry, so a halted run resumes cleanly.

type Artifact struct {
	Name string // what the file is, for error messages
	Path string
}

// Found reports whether the artifact exists and is non-empty.
func (a Artifact)Found() bool {
	item, err := os.Stat(a.Path)
	return err == nil && item.Size() > 0
}

// RequireAll checks each artifact individually, halting at the first
// missing one so the error names it exactly.
func RequireAll(frameID string, artifacts []Artifact) error {
	for _, a := range artifacts {
		if !a.Found() {
			return PrerequisiteMissingError{Frame: frameID, Path: a.Path}
		}
	}
	return nil
}

// FitPrerequisites lists every per-frame artifact the simultaneous
// fit engine needs to exist before it is invoked.
func FitPrerequisites(f *Frame) []Artifact {
	return []Artifact{
		{"pixel data", f.PixelPath()},
		{"fitting options", f.FitOptionPath()},
		{"detection options", f.DetectOptionPath()},
		{"aperture photometry", f.AperturePhotPath()},
		{"source list", f.SourceListPath()},
		{"processing log", f.LogPath()},
	}
}
