package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "distillflow",
	Short: "distillflow - resumable, back-pressured dataflow pipelines",
	Long: `distillflow runs bounded-memory, checkpointed data pipelines for
large-scale record transformation workloads.

Features:
  - At-most-once operator invocation across crashes, via a durable manifest
  - Bounded-memory streaming between nodes, sequential or concurrent
  - Resume from the last durable checkpoint after a crash or cancellation
  - Prometheus metrics, OpenTelemetry tracing, and SSE progress streaming

Environment Variables (applied only on top of a loaded config file; with no
config file found, the built-in defaults are used and these are ignored):
  DISTILLFLOW_PIPELINE_INTERMEDIATE_DIR   Override pipeline.intermediate_dir
  DISTILLFLOW_PIPELINE_RESULTS_DIR        Override pipeline.results_dir`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Disable the default cobra completion command to avoid duplicate name conflict.
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: distillflow.yaml in $HOME, then in the current directory)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose output")

	// Bind to viper
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig reads in config file and ENV variables if set.
// Config loading priority: CLI flags > environment variables > config file > defaults.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("distillflow")
	}

	// Read environment variables with DISTILLFLOW_ prefix
	viper.SetEnvPrefix("DISTILLFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
