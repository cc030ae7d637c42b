package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opal-lang/pipeflow/internal/config"
	"github.com/opal-lang/pipeflow/internal/engine"
	"github.com/opal-lang/pipeflow/internal/hashing"
	"github.com/opal-lang/pipeflow/internal/layout"
	"github.com/opal-lang/pipeflow/internal/sink"
)

// sharedOptions loads the global Configuration (spec.md §6) and a
// RunConfiguration from the bound flags, then assembles the
// engine.BuildOptions every subcommand shares: a FileSink writer so a `run`
// is observable end to end, and the same Roots/Factory/logger a `cache` or
// `graph` invocation needs to address the identical on-disk paths.
func sharedOptions(cmd *cobra.Command) (engine.BuildOptions, *config.Configuration, error) {
	overrides := map[string]any{
		"cache_dir":   viper.GetString("cache-dir"),
		"results_dir": viper.GetString("results-dir"),
		"reports_dir": viper.GetString("reports-dir"),
		"use_caching": viper.GetBool("use-caching"),
	}
	cfg, err := config.Load(config.LoadOptions{ConfigFile: viper.GetString("config"), Overrides: overrides})
	if err != nil {
		return engine.BuildOptions{}, nil, err
	}

	fields := map[string]any{}
	for _, kv := range viper.GetStringSlice("param") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return engine.BuildOptions{}, nil, fmt.Errorf("pipelinectl: --param %q must be key=value", kv)
		}
		fields[k] = v
	}
	runCfg, err := config.NewRunConfiguration(fields)
	if err != nil {
		return engine.BuildOptions{}, nil, err
	}

	logger := slog.Default()
	writer := sink.NewFileSink(cfg.ResultsDir, cfg.ReportsDir, cfg.ReportsDBName, "pipelinectl", runCfg.ConfigID(), viper.GetBool("debug"))

	opts := engine.BuildOptions{
		Roots: layout.Roots{
			CacheDir:   cfg.CacheDir,
			ResultsDir: cfg.ResultsDir,
			ReportsDir: cfg.ReportsDir,
		},
		ConfigID:  runCfg.ConfigID(),
		Factory:   hashing.NewFactory(logger),
		Writer:    writer,
		MaxSaved:  viper.GetInt("max-saved"),
		CacheRoot: cfg.CacheDir,
		Logger:    logger,
	}
	return opts, cfg, nil
}
