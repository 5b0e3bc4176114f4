package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setWorkspace(t *testing.T) {
	t.Helper()
	t.Setenv("FIM_WORKSPACE__INPUTS", "/data/in")
	t.Setenv("FIM_WORKSPACE__OUTPUTS", "/data/out")
}

func TestLoadDefaults(t *testing.T) {
	setWorkspace(t)

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "/data/in", cfg.Workspace.Inputs)
	assert.Equal(t, "/data/out", cfg.Workspace.Outputs)
	assert.Equal(t, runtime.NumCPU(), cfg.Jobs)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Empty(t, cfg.HTTP.Addr)
	assert.Equal(t, 0.0, cfg.Stage.MinM)
	assert.Equal(t, 25.0, cfg.Stage.MaxM)
	assert.Equal(t, 0.3048, cfg.Stage.IntervalM)
	assert.Equal(t, 30.0, cfg.Partition.BufferM)
	assert.Equal(t, "levpa_id", cfg.Partition.BranchAttr)
	assert.Equal(t, 32, cfg.Raster.CacheEntries)
	assert.Equal(t, "d8", cfg.Router.Mode)
	assert.Equal(t, 60*time.Second, cfg.Router.Timeout)
	assert.Equal(t, 100.0, cfg.Crosswalk.MaxDistanceM)
	assert.Equal(t, 0.1, cfg.Crosswalk.MinLengthKM)
	assert.Equal(t, 0.06, cfg.Roughness.Default)
	assert.Empty(t, cfg.Roughness.ByOrder)
	assert.Equal(t, 10.0, cfg.Calibration.PropagateKM)
	assert.Equal(t, 2, cfg.Calibration.MinPoints)
	assert.Equal(t, 10*time.Second, cfg.Shutdown.Timeout)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workspace:
  inputs: /huc/in
  outputs: /huc/out
jobs: 4
stage:
  max_m: 12.0
router:
  mode: remote
  url: http://router:9000
  timeout: 90s
roughness:
  by_order:
    1: 0.08
    2: 0.05
`), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "/huc/in", cfg.Workspace.Inputs)
	assert.Equal(t, 4, cfg.Jobs)
	assert.Equal(t, 12.0, cfg.Stage.MaxM)
	assert.Equal(t, 0.3048, cfg.Stage.IntervalM, "unset keys keep defaults")
	assert.Equal(t, "remote", cfg.Router.Mode)
	assert.Equal(t, "http://router:9000", cfg.Router.URL)
	assert.Equal(t, 90*time.Second, cfg.Router.Timeout)
	assert.Equal(t, map[int]float64{1: 0.08, 2: 0.05}, cfg.Roughness.ByOrder)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workspace:
  inputs: /huc/in
  outputs: /huc/out
jobs: 4
`), 0o644))

	t.Setenv("FIM_JOBS", "8")
	t.Setenv("FIM_STAGE__MAX_M", "10.5")
	t.Setenv("FIM_LOG__FORMAT", "text")

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Jobs)
	assert.Equal(t, 10.5, cfg.Stage.MaxM)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestFlagsOverrideEnv(t *testing.T) {
	setWorkspace(t)
	t.Setenv("FIM_JOBS", "8")
	t.Setenv("FIM_ROUTER__MODE", "remote")
	t.Setenv("FIM_ROUTER__URL", "http://router:9000")

	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.Int("jobs", 0, "")
	fs.String("router-mode", "", "")
	require.NoError(t, fs.Parse([]string{"--jobs=2"}))

	cfg, err := Load("", fs)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Jobs, "explicit flag beats env")
	assert.Equal(t, "remote", cfg.Router.Mode, "unset flag leaves env value alone")
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file")
}

func TestValidateRejectsBadValues(t *testing.T) {
	setWorkspace(t)
	base, err := Load("", nil)
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing inputs", func(c *Config) { c.Workspace.Inputs = "" }, "workspace.inputs"},
		{"missing outputs", func(c *Config) { c.Workspace.Outputs = "" }, "workspace.outputs"},
		{"zero jobs", func(c *Config) { c.Jobs = 0 }, "jobs"},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"unknown log level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"zero stage interval", func(c *Config) { c.Stage.IntervalM = 0 }, "stage.interval_m"},
		{"inverted stage range", func(c *Config) { c.Stage.MaxM = c.Stage.MinM }, "stage range"},
		{"negative buffer", func(c *Config) { c.Partition.BufferM = -1 }, "partition.buffer_m"},
		{"zero cache", func(c *Config) { c.Raster.CacheEntries = 0 }, "raster.cache_entries"},
		{"unknown router mode", func(c *Config) { c.Router.Mode = "taudem" }, "router.mode"},
		{"remote without url", func(c *Config) { c.Router.Mode = "remote" }, "router.url"},
		{"zero match distance", func(c *Config) { c.Crosswalk.MaxDistanceM = 0 }, "crosswalk.max_distance_m"},
		{"zero default roughness", func(c *Config) { c.Roughness.Default = 0 }, "roughness.default"},
		{"negative order roughness", func(c *Config) { c.Roughness.ByOrder = map[int]float64{2: -0.01} }, "by_order"},
		{"channel without overbank", func(c *Config) { c.Roughness.ChannelN = 0.06 }, "set together"},
		{"zero propagate distance", func(c *Config) { c.Calibration.PropagateKM = 0 }, "calibration.propagate_km"},
		{"zero min points", func(c *Config) { c.Calibration.MinPoints = 0 }, "calibration.min_points"},
		{"zero shutdown timeout", func(c *Config) { c.Shutdown.Timeout = 0 }, "shutdown.timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := *base
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
