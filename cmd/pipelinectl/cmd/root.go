package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Execute builds the pipelinectl command tree and runs it, grounded on
// gnmidiff/cmd/root.go's viper wiring: a config file read first, then flags
// bound on top of it, then the environment.
func Execute() {
	rootCmd := &cobra.Command{
		Use:   "pipelinectl",
		Short: "Operate a pipeflow pipeline's cache, reports, and element graph",
	}

	cfgFile := rootCmd.PersistentFlags().String("config", "", "Path to a pipeflow configuration file")
	rootCmd.PersistentFlags().String("cache-dir", "./.pipelinectl/cache", "Cache root directory")
	rootCmd.PersistentFlags().String("results-dir", "./.pipelinectl/results", "Results root directory")
	rootCmd.PersistentFlags().String("reports-dir", "./.pipelinectl/reports", "Reports root directory")
	rootCmd.PersistentFlags().Bool("use-caching", true, "Whether the engine consults cached output")
	rootCmd.PersistentFlags().Int("max-saved", 10, "Maximum cached instances retained per element")
	rootCmd.PersistentFlags().String("instance", "", "Instance ID to operate on")
	rootCmd.PersistentFlags().Bool("debug", false, "Use the debug reports-directory suffix")
	rootCmd.PersistentFlags().StringSlice("param", nil, "key=value run-configuration field, repeatable")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if *cfgFile != "" {
			viper.SetConfigFile(*cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("pipelinectl: reading config: %w", err)
			}
		}
		viper.BindPFlags(cmd.Flags())
		viper.AutomaticEnv()
		return nil
	}

	rootCmd.AddCommand(newRunCmd(), newCacheCmd(), newGraphCmd(), newWatchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
