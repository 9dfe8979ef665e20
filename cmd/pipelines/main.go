package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pipelines/internal/app"
	"pipelines/internal/config"
	pipelineerrors "pipelines/internal/errors"
)

// version is set at build time via ldflags
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "pipelines",
	Short: "Pipelines - containerized test runs with exported results",
	Long: `Pipelines builds a container environment from a source tree, restores
dependencies, runs the test suite and exports test results, logs and the exit
code to the host - even when the tests fail.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Run the test pipeline and export its results",
	Long: `Test builds the environment, runs the test command, exports the results
directory together with stdout, stderr and the exit code, and only then fails
if the tests failed.

Container engines capture into /tmp/exit_code, /tmp/last_command, /tmp/stdout
and /tmp/stderr inside the container. With --engine host these files live in a
private temporary directory per run, so concurrent runs on one machine do not
overwrite each other. Read the exported copies in the output directory instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.Test(cmd.Context(), optionsFromFlags(cmd))
	},
}

var buildEnvCmd = &cobra.Command{
	Use:   "build-env",
	Short: "Build the test environment and restore dependencies",
	Long: `Build-env builds the container environment and restores dependencies
without running the tests. Restore output is written to the log.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.BuildEnv(cmd.Context(), optionsFromFlags(cmd))
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "pipelines %s\n", version)
	},
}

func optionsFromFlags(cmd *cobra.Command) app.Options {
	file, _ := cmd.Flags().GetString("file")
	source, _ := cmd.Flags().GetString("source")
	output, _ := cmd.Flags().GetString("output")
	engineName, _ := cmd.Flags().GetString("engine")
	label, _ := cmd.Flags().GetString("label")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	return app.Options{
		File: file,
		Overrides: config.Overrides{
			Source: source,
			Output: output,
			Engine: engineName,
		},
		Label:  label,
		DryRun: dryRun,
	}
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("file", "f", "", "Path to the pipeline YAML file (default: ./pipeline.yaml if present)")
	cmd.Flags().String("source", "", "Override the source directory (spec.source.path)")
	cmd.Flags().String("engine", "", "Override the engine: dagger, docker or host (spec.engine). "+
		"The host engine writes test captures to a private temporary directory instead of /tmp/exit_code, /tmp/last_command, /tmp/stdout and /tmp/stderr")
	cmd.Flags().Bool("dry-run", false, "Print the planned operations without contacting an engine")
}

func init() {
	addRunFlags(testCmd)
	testCmd.Flags().String("output", "", "Override the host output directory (spec.output.dir)")
	testCmd.Flags().String("label", "", "Label of the test step shown in failures and commit statuses")
	rootCmd.AddCommand(testCmd)

	addRunFlags(buildEnvCmd)
	rootCmd.AddCommand(buildEnvCmd)

	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		pipelineerrors.HandleError(err)
		os.Exit(1)
	}
}
