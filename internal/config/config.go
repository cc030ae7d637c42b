package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// WorkDirEnvVar, when set, rebases any of cache_dir/results_dir/reports_dir
// that are relative paths onto it (spec.md §6: "base paths; may be
// overridden by an environment variable pointing at a working directory").
const WorkDirEnvVar = "PIPEFLOW_WORKDIR"

// Configuration is the immutable snapshot of the global configuration map,
// loaded once at startup and never mutated afterward (spec.md §9's "loaded
// once" note). mapstructure tags match the snake_case keys spec.md §6 names.
type Configuration struct {
	CacheDir            string  `mapstructure:"cache_dir"`
	ResultsDir          string  `mapstructure:"results_dir"`
	ReportsDir          string  `mapstructure:"reports_dir"`
	UseCaching          bool    `mapstructure:"use_caching"`
	ReportsDBName       string  `mapstructure:"reports_db_name"`
	ShowRuntimeGT       float64 `mapstructure:"show_runtime_gt"`
	ShowRuntimeLogLevel string  `mapstructure:"show_runtime_log_level"`
}

// LoadOptions parameterize Load. ConfigFile is optional — spec.md §6's
// configuration source may be entirely environment/flag driven. Overrides
// are applied with the highest priority, above the file and environment,
// matching cmd/pipelinectl's viper.BindPFlags usage.
type LoadOptions struct {
	ConfigFile string
	Overrides  map[string]any
}

// Load reads the global configuration (spec.md §6), grounded on
// openconfig-ygot's gnmidiff/cmd/root.go viper wiring
// (SetConfigFile+ReadInConfig, then AutomaticEnv, then flag overrides last),
// validates the merged map against configurationSchema, and returns an
// immutable Configuration. Once returned, the Configuration is never
// mutated — callers needing different settings call Load again.
func Load(opts LoadOptions) (*Configuration, error) {
	v := viper.New()
	v.SetDefault("use_caching", true)
	v.SetDefault("reports_db_name", "reports.db")
	v.SetDefault("show_runtime_gt", 0)
	v.SetDefault("show_runtime_log_level", "info")

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", opts.ConfigFile, err)
		}
	}

	v.SetEnvPrefix("PIPEFLOW")
	v.AutomaticEnv()

	for key, val := range opts.Overrides {
		v.Set(key, val)
	}

	if err := validate(v.AllSettings()); err != nil {
		return nil, err
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}

	if workdir := os.Getenv(WorkDirEnvVar); workdir != "" {
		cfg.CacheDir = rebase(workdir, cfg.CacheDir)
		cfg.ResultsDir = rebase(workdir, cfg.ResultsDir)
		cfg.ReportsDir = rebase(workdir, cfg.ReportsDir)
	}

	return &cfg, nil
}

func rebase(workdir, dir string) string {
	if dir == "" || filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(workdir, dir)
}

// validate checks raw against configurationSchema. raw is round-tripped
// through encoding/json first so every value jsonschema inspects has the
// types its Validate expects (map[string]any/[]any/string/float64/bool/nil,
// the shapes encoding/json itself produces) — viper.AllSettings() can
// otherwise hand back ints, []string, or nested viper-specific types that
// the schema library's type switches don't recognize.
func validate(raw map[string]any) error {
	schema, err := compileSchema([]byte(configurationSchema))
	if err != nil {
		return fmt.Errorf("config: compiling schema: %w", err)
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("config: marshaling configuration for validation: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return fmt.Errorf("config: decoding configuration for validation: %w", err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("config: invalid configuration: %w", err)
	}
	return nil
}
