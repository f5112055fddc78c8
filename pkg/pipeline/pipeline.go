// Package pipeline plans a linear chain of nodes from an operator list and
// boundary URIs, welds intermediate URIs, persists a runtime manifest, and
// drives execution in sequential or streaming mode, owning resume logic.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Siddhant-K-code/distillflow/pkg/checkpoint"
	"github.com/Siddhant-K-code/distillflow/pkg/hooks"
	"github.com/Siddhant-K-code/distillflow/pkg/node"
	"github.com/Siddhant-K-code/distillflow/pkg/operator"
	"github.com/Siddhant-K-code/distillflow/pkg/streambus"
)

// Status reuses node.Status for the pipeline's own lifecycle, which Run sets.
type Status = node.Status

// StageConfig declares one node's operator and scheduling parameters before
// topology welding assigns its input/output URIs.
type StageConfig struct {
	NodeID       string
	Adapter      *operator.Adapter
	BatchSize    int
	ParallelSize int
	// InputURI/OutputURI are explicit per-node overrides (path priority P1).
	// Leave empty to let welding assign one.
	InputURI  string
	OutputURI string
	Extra     map[string]any
}

// Config configures a Pipeline's construction.
type Config struct {
	PipelineID string
	// IntermediateDir is the base directory auto-generated intermediate
	// URIs are welded under. Defaults to "tmp/".
	IntermediateDir string
	// ResultsDir holds the manifest and checkpoint files. Defaults to
	// "tmp/results/".
	ResultsDir string
	// DefaultScheme names the stream codec used for auto-generated
	// intermediate URIs ("jsonl", "csv", or "memory"). Defaults to "jsonl".
	DefaultScheme string
	// BoundaryInputURI/BoundaryOutputURI are the pipeline's overall input
	// and output URIs, applied to the first/last node only (path priority
	// P2) when that node has no explicit override.
	BoundaryInputURI  string
	BoundaryOutputURI string
	// Streaming selects streaming mode (concurrent nodes joined by
	// streaming bridges) over sequential mode.
	Streaming bool
	Hooks     hooks.Hooks
	Logger    *slog.Logger
}

// Pipeline is the topology planner and lifecycle controller for a linear
// chain of nodes.
type Pipeline struct {
	cfg     Config
	factory *streambus.Factory
	store   *checkpoint.Store
	hooks   hooks.Hooks
	logger  *slog.Logger

	stages  []StageConfig
	streams []streambus.Stream // len(stages)+1: streams[i] is stage i's input, streams[i+1] its output
	nodes   []*node.Node
	// finished[i] records whether a prior run already completed stage i,
	// i.e. whether Resume found stage i's output sealed; Run skips these nodes entirely
	// rather than relying on the freshly materialized Node's own status,
	// which always starts at StatusPending until Open is called.
	finished []bool

	mu     sync.Mutex
	status Status
}

// New constructs a Pipeline for the given stages, not yet planned.
func New(cfg Config, stages []StageConfig) *Pipeline {
	if cfg.IntermediateDir == "" {
		cfg.IntermediateDir = "tmp/"
	}
	if cfg.ResultsDir == "" {
		cfg.ResultsDir = "tmp/results/"
	}
	if cfg.DefaultScheme == "" {
		cfg.DefaultScheme = "jsonl"
	}
	if cfg.Hooks == nil {
		cfg.Hooks = hooks.Noop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Pipeline{
		cfg:     cfg,
		factory: streambus.NewFactory(),
		store:   checkpoint.NewStore(cfg.ResultsDir, cfg.PipelineID),
		hooks:   cfg.Hooks,
		logger:  cfg.Logger,
		stages:  stages,
		status:  node.StatusPending,
	}
}

// weldURI implements the path-priority policy (spec §4.3): an explicit
// per-node URI wins; otherwise the pipeline boundary URI applies to the
// first/last node only; otherwise an auto-generated intermediate URI.
func (p *Pipeline) weldURI(explicit string, isBoundary bool, boundaryURI string, stageIdx int, suffix string) string {
	if explicit != "" {
		return explicit
	}
	if isBoundary && boundaryURI != "" {
		return boundaryURI
	}
	ext := map[string]string{"jsonl": ".jsonl", "csv": ".csv", "memory": ""}[p.cfg.DefaultScheme]
	base := filepath.Join(p.cfg.IntermediateDir, p.cfg.PipelineID, fmt.Sprintf("%s-%s", suffix, p.stages[stageIdx].NodeID))
	if p.cfg.DefaultScheme == "memory" {
		return "memory://" + base
	}
	return p.cfg.DefaultScheme + "://" + base + ext
}

// plan welds every node's input/output URI per path priority and builds
// this Pipeline's stream handles (not yet opened).
func (p *Pipeline) plan() error {
	p.streams = make([]streambus.Stream, len(p.stages)+1)

	first, err := p.factory.New(p.weldURI(p.firstInputURI(), true, p.cfg.BoundaryInputURI, 0, "in"))
	if err != nil {
		return fmt.Errorf("pipeline %s: weld input: %w", p.cfg.PipelineID, err)
	}
	p.streams[0] = first

	for i := range p.stages {
		isLast := i == len(p.stages)-1
		var uri string
		if isLast {
			uri = p.weldURI(p.stages[i].OutputURI, true, p.cfg.BoundaryOutputURI, i, "out")
		} else {
			uri = p.weldURI(p.stages[i].OutputURI, false, "", i, "out")
		}
		s, err := p.factory.New(uri)
		if err != nil {
			return fmt.Errorf("pipeline %s: weld node %s output: %w", p.cfg.PipelineID, p.stages[i].NodeID, err)
		}
		p.streams[i+1] = s
	}
	return nil
}

func (p *Pipeline) firstInputURI() string {
	if len(p.stages) == 0 {
		return ""
	}
	return p.stages[0].InputURI
}

// Create allocates the results directory (clearing prior artifacts for this
// pipeline_id), plans and welds the topology, materializes nodes, deletes
// stale intermediate payloads, and writes the manifest. It is an error for
// any welded intermediate URI to be memory-backed when durability will be
// required on resume — callers that intend to resume must weld durable URIs.
func (p *Pipeline) Create(ctx context.Context, requireDurableIntermediates bool) error {
	if err := p.store.Init(); err != nil {
		return err
	}
	if err := p.plan(); err != nil {
		return err
	}

	if requireDurableIntermediates {
		for i := 1; i < len(p.streams)-1; i++ {
			durable, err := p.factory.IsDurable(p.streams[i].URI())
			if err != nil {
				return err
			}
			if !durable {
				return &streambus.Error{Kind: streambus.KindConfiguration, Detail: p.streams[i].URI(),
					Err: fmt.Errorf("pipeline %s: intermediate stream is memory-backed but recovery was requested", p.cfg.PipelineID)}
			}
		}
	}

	// Only intermediate and output streams are cleared of stale artifacts
	// from a previous failed Create; the pipeline's boundary input stream
	// is the caller's data and must not be touched.
	for i := 1; i < len(p.streams); i++ {
		if err := p.streams[i].Clear(); err != nil {
			return fmt.Errorf("pipeline %s: clear stale stream %s: %w", p.cfg.PipelineID, p.streams[i].URI(), err)
		}
	}

	// Auto-welded intermediates are written under this directory.
	if err := os.MkdirAll(filepath.Join(p.cfg.IntermediateDir, p.cfg.PipelineID), 0o755); err != nil {
		return fmt.Errorf("pipeline %s: create intermediate dir: %w", p.cfg.PipelineID, err)
	}

	p.finished = make([]bool, len(p.stages))
	p.materializeNodes(0)

	if err := p.writeManifest(); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) materializeNodes(resumeFromStage int) {
	p.nodes = make([]*node.Node, len(p.stages))
	for i, stage := range p.stages {
		ncfg := node.Config{
			NodeID:       stage.NodeID,
			PipelineID:   p.cfg.PipelineID,
			BatchSize:    stage.BatchSize,
			ParallelSize: stage.ParallelSize,
			Extra:        stage.Extra,
		}
		p.nodes[i] = node.New(ncfg, stage.Adapter, p.streams[i], p.streams[i+1], p.store, p.hooks, p.logger)
	}
}

func (p *Pipeline) writeManifest() error {
	entries := make([]checkpoint.NodeEntry, len(p.stages))
	for i, stage := range p.stages {
		status, progress, _ := p.nodes[i].Snapshot()
		if p.finished != nil && p.finished[i] {
			status, progress = node.StatusCompleted, p.store.Progress(stage.NodeID)
		}
		entries[i] = checkpoint.NodeEntry{
			NodeID:       stage.NodeID,
			InputURI:     p.streams[i].URI(),
			OutputURI:    p.streams[i+1].URI(),
			BatchSize:    stage.BatchSize,
			ParallelSize: stage.ParallelSize,
			Progress:     progress,
			Status:       string(status),
			Extra:        stage.Extra,
		}
	}
	return p.store.WriteManifest(&checkpoint.Manifest{
		PipelineID: p.cfg.PipelineID,
		Status:     string(p.Status()),
		Streaming:  p.cfg.Streaming,
		Nodes:      entries,
	})
}

// Resume reads the manifest, reconstructs the same topology using its
// authoritative URIs (overriding any conflicting URIs configured in code),
// applies each node's durable progress as its resume offset, marks nodes
// whose output is already sealed as finished so Run skips them, and unseals
// the output of every other node.
func (p *Pipeline) Resume(ctx context.Context) error {
	manifest, err := p.store.ReadManifest()
	if err != nil {
		return fmt.Errorf("pipeline %s: resume: %w", p.cfg.PipelineID, err)
	}
	if err := p.store.LoadCheckpoints(); err != nil {
		return fmt.Errorf("pipeline %s: resume: %w", p.cfg.PipelineID, err)
	}

	if len(manifest.Nodes) != len(p.stages) {
		return fmt.Errorf("pipeline %s: resume: manifest has %d nodes, configured topology has %d",
			p.cfg.PipelineID, len(manifest.Nodes), len(p.stages))
	}

	p.streams = make([]streambus.Stream, len(p.stages)+1)
	in, err := p.factory.New(manifest.Nodes[0].InputURI)
	if err != nil {
		return fmt.Errorf("pipeline %s: resume: reconstruct input stream: %w", p.cfg.PipelineID, err)
	}
	p.streams[0] = in

	for i, entry := range manifest.Nodes {
		out, err := p.factory.New(entry.OutputURI)
		if err != nil {
			return fmt.Errorf("pipeline %s: resume: reconstruct node %s output: %w", p.cfg.PipelineID, entry.NodeID, err)
		}
		p.streams[i+1] = out
		p.stages[i].BatchSize = entry.BatchSize
		p.stages[i].ParallelSize = entry.ParallelSize
		p.stages[i].Extra = entry.Extra
	}

	p.materializeNodes(0)

	p.finished = make([]bool, len(p.stages))
	for i, entry := range manifest.Nodes {
		if p.streams[i+1].Sealed() {
			p.finished[i] = true
			continue
		}
		if err := p.streams[i+1].Unseal(); err != nil {
			return fmt.Errorf("pipeline %s: resume: unseal node %s output: %w", p.cfg.PipelineID, entry.NodeID, err)
		}
	}

	p.cfg.Streaming = manifest.Streaming
	return nil
}

// Status returns the pipeline's status as set by Run: pending before Run,
// running while it executes, then failed if Run returned an error and
// completed otherwise.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Pipeline) setStatus(s Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

// Nodes exposes the materialized nodes in topology order, for inspection by
// callers (e.g. a CLI progress bar).
func (p *Pipeline) Nodes() []*node.Node { return p.nodes }

// StageFinished reports whether stage i was already StatusCompleted as of
// the last Create/Resume, i.e. whether Run will skip it.
func (p *Pipeline) StageFinished(i int) bool {
	return p.finished != nil && i < len(p.finished) && p.finished[i]
}
