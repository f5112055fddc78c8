package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Siddhant-K-code/distillflow/pkg/hooks"
	"github.com/Siddhant-K-code/distillflow/pkg/pipeline"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a previously created pipeline from its manifest",
	Long: `Reads a pipeline's runtime manifest and checkpoint file, reconstructs
its topology and per-node progress, skips any node already completed, and
drives the remainder to completion.

Example:
  distillflow resume --pipeline-id clean-1 --stage clean:trim:text --stage upper:upper:text`,
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
	addPipelineFlags(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return err
	}

	pipelineID, _ := cmd.Flags().GetString("pipeline-id")
	stageSpecs, _ := cmd.Flags().GetStringArray("stage")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	parallelSize, _ := cmd.Flags().GetInt("parallel-size")

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
		return fmt.Errorf("at least one --stage is required, matching the topology this pipeline was created with")
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
		PipelineID:      pipelineID,
		IntermediateDir: cfg.Pipeline.IntermediateDir,
		ResultsDir:      cfg.Pipeline.ResultsDir,
		DefaultScheme:   cfg.Pipeline.DefaultScheme,
		Hooks:           hooks.Multi(h, barHook{bar: bar}),
	}, stages)

	if err := p.Resume(ctx); err != nil {
		return fmt.Errorf("resume pipeline %s: %w", pipelineID, err)
	}

	for i := range stages {
		if p.StageFinished(i) {
			fmt.Fprintf(os.Stderr, "stage %s already completed, skipping\n", stages[i].NodeID)
		}
	}

	fmt.Fprintf(os.Stderr, "Resuming pipeline %s...\n", pipelineID)
	if err := p.Run(ctx); err != nil {
		return fmt.Errorf("pipeline %s failed: %w", pipelineID, err)
	}

	fmt.Fprintf(os.Stderr, "\nPipeline %s completed\n", pipelineID)
	return nil
}
