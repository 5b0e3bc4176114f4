// Package config loads pipeline settings in layers: built-in defaults,
// then an optional YAML file, then FIM_-prefixed environment variables,
// then CLI flags. Later layers win. Env keys use double underscores for
// nesting, so FIM_STAGE__MAX_M sets stage.max_m.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Config holds every pipeline setting.
type Config struct {
	Workspace struct {
		Inputs  string `koanf:"inputs"`
		Outputs string `koanf:"outputs"`
	} `koanf:"workspace"`

	// Jobs bounds branch-level and catchment-level parallelism.
	Jobs int `koanf:"jobs"`

	Log struct {
		Level  string `koanf:"level"`
		Format string `koanf:"format"`
	} `koanf:"log"`

	HTTP struct {
		// Addr enables the progress/metrics server when non-empty.
		Addr string `koanf:"addr"`
	} `koanf:"http"`

	Stage struct {
		MinM      float64 `koanf:"min_m"`
		MaxM      float64 `koanf:"max_m"`
		IntervalM float64 `koanf:"interval_m"`
	} `koanf:"stage"`

	Partition struct {
		BufferM    float64 `koanf:"buffer_m"`
		BranchAttr string  `koanf:"branch_id_attribute"`
	} `koanf:"partition"`

	Raster struct {
		CacheEntries int `koanf:"cache_entries"`
	} `koanf:"raster"`

	Router struct {
		Mode    string        `koanf:"mode"` // d8 or remote
		URL     string        `koanf:"url"`
		Timeout time.Duration `koanf:"timeout"`
	} `koanf:"router"`

	Crosswalk struct {
		MaxDistanceM float64 `koanf:"max_distance_m"`
		MinLengthKM  float64 `koanf:"min_length_km"`
	} `koanf:"crosswalk"`

	Bankfull struct {
		FlowsCSV string `koanf:"flows_csv"`
	} `koanf:"bankfull"`

	Roughness struct {
		OverridesCSV string          `koanf:"overrides_csv"`
		Default      float64         `koanf:"default"`
		ByOrder      map[int]float64 `koanf:"by_order"`
		ChannelN     float64         `koanf:"channel_n"`
		OverbankN    float64         `koanf:"overbank_n"`
	} `koanf:"roughness"`

	Calibration struct {
		DB          string  `koanf:"db"`
		PropagateKM float64 `koanf:"propagate_km"`
		MinPoints   int     `koanf:"min_points"`
	} `koanf:"calibration"`

	Shutdown struct {
		Timeout time.Duration `koanf:"timeout"`
	} `koanf:"shutdown"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"jobs":                          runtime.NumCPU(),
		"log.level":                     "info",
		"log.format":                    "json",
		"http.addr":                     "",
		"stage.min_m":                   0.0,
		"stage.max_m":                   25.0,
		"stage.interval_m":              0.3048,
		"partition.buffer_m":            30.0,
		"partition.branch_id_attribute": "levpa_id",
		"raster.cache_entries":          32,
		"router.mode":                   "d8",
		"router.timeout":                "60s",
		"crosswalk.max_distance_m":      100.0,
		"crosswalk.min_length_km":       0.1,
		"roughness.default":             0.06,
		"calibration.propagate_km":      10.0,
		"calibration.min_points":        2,
		"shutdown.timeout":              "10s",
	}
}

// flagKeys maps CLI flag names onto config keys. Flags not listed here
// (cobra's own, for example) are ignored by the config layer.
var flagKeys = map[string]string{
	"inputs":         "workspace.inputs",
	"outputs":        "workspace.outputs",
	"jobs":           "jobs",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"http-addr":      "http.addr",
	"router-mode":    "router.mode",
	"router-url":     "router.url",
	"calibration-db": "calibration.db",
}

// Load builds a Config from defaults, the YAML file at cfgFile (skipped
// when empty), FIM_ environment variables, and explicitly set flags.
// Pass nil flags when no CLI flag set applies.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", cfgFile, err)
		}
	}

	if err := k.Load(env.Provider("FIM_", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(s, "FIM_"), "__", "."))
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints after all layers are applied.
func (c *Config) Validate() error {
	if c.Workspace.Inputs == "" {
		return errors.New("workspace.inputs is required")
	}
	if c.Workspace.Outputs == "" {
		return errors.New("workspace.outputs is required")
	}
	if c.Jobs < 1 {
		return errors.New("jobs must be at least 1")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q must be json or text", c.Log.Format)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be debug, info, warn, or error", c.Log.Level)
	}
	if c.Stage.IntervalM <= 0 {
		return errors.New("stage.interval_m must be positive")
	}
	if c.Stage.MinM < 0 || c.Stage.MaxM <= c.Stage.MinM {
		return errors.New("stage range must satisfy 0 <= min_m < max_m")
	}
	if c.Partition.BufferM < 0 {
		return errors.New("partition.buffer_m must not be negative")
	}
	if c.Partition.BranchAttr == "" {
		return errors.New("partition.branch_id_attribute is required")
	}
	if c.Raster.CacheEntries < 1 {
		return errors.New("raster.cache_entries must be at least 1")
	}
	switch c.Router.Mode {
	case "d8":
	case "remote":
		if c.Router.URL == "" {
			return errors.New("router.url is required when router.mode is remote")
		}
	default:
		return fmt.Errorf("router.mode %q must be d8 or remote", c.Router.Mode)
	}
	if c.Router.Timeout <= 0 {
		return errors.New("router.timeout must be positive")
	}
	if c.Crosswalk.MaxDistanceM <= 0 {
		return errors.New("crosswalk.max_distance_m must be positive")
	}
	if c.Crosswalk.MinLengthKM < 0 {
		return errors.New("crosswalk.min_length_km must not be negative")
	}
	if c.Roughness.Default <= 0 {
		return errors.New("roughness.default must be positive")
	}
	for order, n := range c.Roughness.ByOrder {
		if n <= 0 {
			return fmt.Errorf("roughness.by_order[%d] must be positive", order)
		}
	}
	if (c.Roughness.ChannelN > 0) != (c.Roughness.OverbankN > 0) {
		return errors.New("roughness.channel_n and roughness.overbank_n must be set together")
	}
	if c.Calibration.PropagateKM <= 0 {
		return errors.New("calibration.propagate_km must be positive")
	}
	if c.Calibration.MinPoints < 1 {
		return errors.New("calibration.min_points must be at least 1")
	}
	if c.Shutdown.Timeout <= 0 {
		return errors.New("shutdown.timeout must be positive")
	}
	return nil
}
