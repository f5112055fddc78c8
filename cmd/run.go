package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Siddhant-K-code/distillflow/pkg/config"
	"github.com/Siddhant-K-code/distillflow/pkg/hooks"
	"github.com/Siddhant-K-code/distillflow/pkg/metrics"
	"github.com/Siddhant-K-code/distillflow/pkg/pipeline"
	"github.com/Siddhant-K-code/distillflow/pkg/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create and run a pipeline from scratch",
	Long: `Plans a new pipeline's topology, writes its runtime manifest, and
drives it to completion.

Example:
  distillflow run --pipeline-id clean-1 --input jsonl://in.jsonl --output jsonl://out.jsonl \
    --stage clean:trim:text --stage upper:upper:text`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	addPipelineFlags(runCmd)
	runCmd.Flags().Bool("require-durable", false, "fail if any intermediate stream is memory-backed")
}

// addPipelineFlags registers the flags shared by `run` and `resume`.
func addPipelineFlags(cmd *cobra.Command) {
	cmd.Flags().String("pipeline-id", "", "pipeline identifier (required)")
	_ = cmd.MarkFlagRequired("pipeline-id")
	cmd.Flags().String("input", "", "boundary input stream URI (e.g. jsonl://in.jsonl)")
	cmd.Flags().String("output", "", "boundary output stream URI (e.g. jsonl://out.jsonl)")
	cmd.Flags().StringArray("stage", nil, "node_id:op:field, repeatable, in topology order")
	cmd.Flags().Int("batch-size", 0, "records per batch (0 = config default)")
	cmd.Flags().Int("parallel-size", 0, "workers per node (0 = config default)")
	cmd.Flags().Bool("streaming", false, "run nodes concurrently joined by bridges instead of sequentially")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return err
	}

	pipelineID, _ := cmd.Flags().GetString("pipeline-id")
	input, _ := cmd.Flags().GetString("input")
	output, _ := cmd.Flags().GetString("output")
	stageSpecs, _ := cmd.Flags().GetStringArray("stage")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	parallelSize, _ := cmd.Flags().GetInt("parallel-size")
	streaming, _ := cmd.Flags().GetBool("streaming")
	requireDurable, _ := cmd.Flags().GetBool("require-durable")

	if batchSize == 0 {
		batchSize = cfg.Defaults.BatchSize
	}
	if parallelSize == 0 {
		parallelSize = cfg.Defaults.ParallelSize
	}

	stages, err := parseStages(stageSpecs, batchSize, parallelSize)
	if err != nil {
		return err
	}
	if len(stages) == 0 {
		return fmt.Errorf("at least one --stage is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installSignalHandler(cancel)

	h, shutdown, err := buildHooks(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdown()

	bar := newRunProgressBar(pipelineID)
	defer func() { _ = bar.Finish() }()

	p := pipeline.New(pipeline.Config{
		PipelineID:        pipelineID,
		IntermediateDir:   cfg.Pipeline.IntermediateDir,
		ResultsDir:        cfg.Pipeline.ResultsDir,
		DefaultScheme:     cfg.Pipeline.DefaultScheme,
		BoundaryInputURI:  input,
		BoundaryOutputURI: output,
		Streaming:         streaming,
		Hooks:             hooks.Multi(h, barHook{bar: bar}),
	}, stages)

	if err := p.Create(ctx, requireDurable); err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Running pipeline %s (%d stages, streaming=%v)...\n", pipelineID, len(stages), streaming)
	if err := p.Run(ctx); err != nil {
		return fmt.Errorf("pipeline %s failed: %w", pipelineID, err)
	}

	fmt.Fprintf(os.Stderr, "\nPipeline %s completed\n", pipelineID)
	return nil
}

// installSignalHandler wires the signal.Notify call for run and resume
// (serve installs its own for shutdown): a first interrupt requests graceful
// cancellation, a second forces exit.
func installSignalHandler(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted, cancelling pipeline...")
		cancel()
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nForced exit")
		os.Exit(1)
	}()
}

// buildHooks composes metrics and telemetry into one hooks.Hooks per the
// loaded config, returning a shutdown func that must be deferred.
func buildHooks(ctx context.Context, cfg *config.Config) (hooks.Hooks, func(), error) {
	var composed []hooks.Hooks
	shutdowns := []func(){}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		composed = append(composed, m)
	}

	tp, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Tracing.Enabled,
		Exporter:    cfg.Telemetry.Tracing.Exporter,
		Endpoint:    cfg.Telemetry.Tracing.Endpoint,
		SampleRate:  cfg.Telemetry.Tracing.SampleRate,
		ServiceName: "distillflow",
		Insecure:    cfg.Telemetry.Tracing.Insecure,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init telemetry: %w", err)
	}
	composed = append(composed, tp)
	shutdowns = append(shutdowns, func() { _ = tp.Shutdown(context.Background()) })

	shutdown := func() {
		for _, s := range shutdowns {
			s()
		}
	}
	return hooks.Multi(composed...), shutdown, nil
}

func loadEffectiveConfig() (*config.Config, error) {
	if viper.ConfigFileUsed() == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(viper.GetViper())
}

func newRunProgressBar(pipelineID string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(
		-1,
		progressbar.OptionSetDescription(pipelineID),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("records"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// barHook drives the CLI progress bar from the pipeline's OnProgress
// notifications; it ignores status and error events.
type barHook struct {
	hooks.Noop
	bar *progressbar.ProgressBar
}

func (b barHook) OnProgress(pipelineID, nodeID string, progress int64) {
	_ = b.bar.Set64(progress)
}
