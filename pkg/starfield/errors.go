package starfield

import (
	"fmt"
)

// Every fatal error names the specific file or stage that failed, so
// an operator can fix it and resume the run at that stage.

// ConfigurationError: a directory, script, or engine binary named in
// the run configuration is missing or unusable.
type ConfigurationError struct {
	Field string
	Path  string
	Err   error
}

func (e ConfigurationError)Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration %s ('%s'): %v", e.Field, e.Path, e.Err)
	}
	return fmt.Sprintf("configuration %s ('%s') invalid", e.Field, e.Path)
}
func (e ConfigurationError)Unwrap() error { return e.Err }

// PrerequisiteMissingError: a required per-frame artifact is absent.
// Checks run per file, and the first failure halts the run.
type PrerequisiteMissingError struct {
	Frame string
	Path  string
}

func (e PrerequisiteMissingError)Error() string {
	return fmt.Sprintf("frame %s: required artifact missing: '%s'", e.Frame, e.Path)
}

// ComputationError: degenerate weights or scales, zero total weight,
// or non-finite statistics.
type ComputationError struct {
	Stage  string
	Detail string
}

func (e ComputationError)Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Detail)
}

// EngineError: an external engine ran but did not produce its
// expected output. Stderr is captured when available.
type EngineError struct {
	Engine string
	Stage  string
	Stderr string
	Err    error
}

func (e EngineError)Error() string {
	msg := fmt.Sprintf("%s engine failed during %s", e.Engine, e.Stage)
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	if e.Stderr != "" {
		msg += fmt.Sprintf(" (stderr: %s)", e.Stderr)
	}
	return msg
}
func (e EngineError)Unwrap() error { return e.Err }
