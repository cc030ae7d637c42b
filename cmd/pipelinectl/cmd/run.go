package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opal-lang/pipeflow/internal/engine"
)

func newRunCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run [args...]",
		Short: "Runs the bundled reference pipeline over its arguments",
		RunE:  runPipeline,
	}
	run.Flags().String("until-step", "", "Stop once the step matching this composite-name suffix is reached")
	run.Flags().Bool("force", false, "Ignore cached output and recompute every step")
	run.Flags().StringSlice("force-step", nil, "Recompute this step's output even if cached, repeatable")
	return run
}

func runPipeline(cmd *cobra.Command, args []string) error {
	opts, _, err := sharedOptions(cmd)
	if err != nil {
		return err
	}

	built, err := engine.Build(referencePipeline(), opts)
	if err != nil {
		return err
	}
	pipeline, ok := built.(*engine.Pipeline)
	if !ok {
		return fmt.Errorf("pipelinectl: reference pipeline did not build into a Pipeline")
	}

	input := make([]any, len(args))
	for i, a := range args {
		input[i] = a
	}

	out, err := pipeline.Run(input, viper.GetString("instance"), viper.GetString("until-step"), viper.GetBool("force"), viper.GetStringSlice("force-step"))
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}
