package starfield

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

/* Example config file ...

field: m92
workdir: /data/m92/night1
scriptdir: /data/m92/scripts
transformfile: m92.xfm
engines:
  detect: /usr/local/astro/bin/psfdetect
  fit: /usr/local/astro/bin/framefit
saturation: 45000
spatialorder: 2
inneriters: 5
enginetimeoutsecs: 3600
clipkappa: 2.5
trim: true
previews: false

*/

type EngineConfig struct {
	Detect string  // binary for source detection + PSF modelling
	Fit    string  // binary for simultaneous multi-frame fitting
}

type Config struct {
	Field         string  // basename for run-level output files
	WorkDir       string  // where per-frame artifacts live
	ScriptDir     string  // where generated engine answer files go
	TransformFile string  // relative to WorkDir unless absolute

	Engines       EngineConfig

	Saturation    float64 // ADU; pixels at/above this are unusable
	SpatialOrder  int     // spatial PSF variation order handed to the detect engine
	InnerIters    int     // detect engine's own iterative-source-finding bound
	EngineTimeoutSecs int

	ClipKappa     float64 // sigma-clip threshold in the stacker
	ClipIters     int

	Trim          bool    // trim the stack to the common footprint
	Previews      bool    // write grayscale preview PNGs of stack + mask
}

func NewConfig() Config {
	return Config{
		Saturation:   45000,
		SpatialOrder: 2,
		InnerIters:   5,
		ClipKappa:    2.5,
		ClipIters:    3,
		Trim:         true,
	}
}

func LoadConfig(filename string) (Config, error) {
	c := NewConfig()

	contents, err := os.ReadFile(filename)
	if err != nil {
		return c, ConfigurationError{Field: "configfile", Path: filename, Err: err}
	}
	if err := yaml.Unmarshal(contents, &c); err != nil {
		return c, ConfigurationError{Field: "configfile", Path: filename, Err: err}
	}

	return c, c.Finalize()
}

// Finalize does sanity checks and other post-processing. Components
// receive the finalized Config by value; there is no ambient state.
func (c *Config)Finalize() error {
	if c.Field == "" {
		return ConfigurationError{Field: "field", Path: "", Err: fmt.Errorf("empty")}
	}

	for _, dir := range []struct{ name, path string }{
		{"workdir", c.WorkDir},
		{"scriptdir", c.ScriptDir},
	} {
		if item, err := os.Stat(dir.path); err != nil {
			return ConfigurationError{Field: dir.name, Path: dir.path, Err: err}
		} else if !item.IsDir() {
			return ConfigurationError{Field: dir.name, Path: dir.path, Err: fmt.Errorf("not a directory")}
		}
	}

	for _, eng := range []struct{ name, path string }{
		{"engines.detect", c.Engines.Detect},
		{"engines.fit", c.Engines.Fit},
	} {
		if eng.path == "" {
			return ConfigurationError{Field: eng.name, Path: "", Err: fmt.Errorf("empty")}
		}
		if _, err := os.Stat(eng.path); err != nil {
			return ConfigurationError{Field: eng.name, Path: eng.path, Err: err}
		}
	}

	if c.TransformFile == "" {
		c.TransformFile = c.Field + ".xfm"
	}
	if !filepath.IsAbs(c.TransformFile) {
		c.TransformFile = filepath.Join(c.WorkDir, c.TransformFile)
	}

	// The detect engine misbehaves outside this range
	if c.InnerIters < 1  { c.InnerIters = 1 }
	if c.InnerIters > 10 { c.InnerIters = 10 }

	if c.SpatialOrder < MinSpatialOrder { c.SpatialOrder = MinSpatialOrder }
	if c.EngineTimeoutSecs <= 0 { c.EngineTimeoutSecs = 3600 }
	if c.ClipKappa <= 0 { c.ClipKappa = 2.5 }
	if c.ClipIters <= 0 { c.ClipIters = 3 }

	return nil
}

func (c Config)EngineTimeout() time.Duration {
	return time.Duration(c.EngineTimeoutSecs) * time.Second
}

// Run-level output files
func (c Config)StackPath() string     { return filepath.Join(c.WorkDir, c.Field+"_stk.tif") }
func (c Config)WeightMapPath() string { return filepath.Join(c.WorkDir, c.Field+"_stk.wmap.tif") }
func (c Config)StackInfoPath() string { return filepath.Join(c.WorkDir, c.Field+"_stk.info") }
func (c Config)CatalogPath() string   { return filepath.Join(c.WorkDir, c.Field+".cat") }
