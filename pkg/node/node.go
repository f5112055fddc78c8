// Package node implements the execution container that owns one operator,
// binds an input and output stream, and drives the read-invoke-write-
// checkpoint loop under either a sequential or parallel scheduler.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Siddhant-K-code/distillflow/pkg/checkpoint"
	"github.com/Siddhant-K-code/distillflow/pkg/hooks"
	"github.com/Siddhant-K-code/distillflow/pkg/operator"
	"github.com/Siddhant-K-code/distillflow/pkg/record"
	"github.com/Siddhant-K-code/distillflow/pkg/runctx"
	"github.com/Siddhant-K-code/distillflow/pkg/streambus"
)

// defaultEmptyReadRetry is the engine's poll cadence when a Read returns an
// empty batch from a stream that is not yet sealed (see emptyReadRetryDelay).
const defaultEmptyReadRetry = 50 * time.Millisecond

// Status enumerates a node's lifecycle state machine.
type Status string

const (
	StatusPending   Status = "pending"
	StatusResuming  Status = "resuming"
	StatusRunning   Status = "running"
	StatusCanceling Status = "canceling"
	StatusCanceled  Status = "canceled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Config holds a node's scheduling parameters and identity, the durable
// subset of which is mirrored in the runtime manifest's NodeEntry.
type Config struct {
	NodeID       string
	PipelineID   string
	BatchSize    int
	ParallelSize int
	Extra        map[string]any
}

// DefaultConfig returns single-threaded, batch-size-100 defaults.
func DefaultConfig(nodeID, pipelineID string) Config {
	return Config{NodeID: nodeID, PipelineID: pipelineID, BatchSize: 100, ParallelSize: 1}
}

// engine is the internal scheduling strategy a Node delegates its run loop
// to, selected by Config.ParallelSize at Open.
type engine interface {
	run(ctx context.Context, n *Node) error
}

// Node drives one operator against one input/output stream pair.
type Node struct {
	cfg      Config
	adapter  *operator.Adapter
	in       streambus.Stream
	out      streambus.Stream
	store    *checkpoint.Store
	hooks    hooks.Hooks
	logger   *slog.Logger
	readCfg  streambus.ReaderConfig
	writeCfg streambus.WriterConfig

	status    atomic.Value // Status
	progress  atomic.Int64
	cancelled atomic.Bool

	reader streambus.Reader
	writer streambus.Writer
	engine engine

	runCtx *runctx.Context
}

// New constructs an unopened Node bound to in/out streams and a checkpoint
// store shared with the owning pipeline.
func New(cfg Config, adapter *operator.Adapter, in, out streambus.Stream, store *checkpoint.Store, h hooks.Hooks, logger *slog.Logger) *Node {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ParallelSize <= 0 {
		cfg.ParallelSize = 1
	}
	if h == nil {
		h = hooks.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	n := &Node{
		cfg:      cfg,
		adapter:  adapter,
		in:       in,
		out:      out,
		store:    store,
		hooks:    h,
		logger:   logger,
		writeCfg: streambus.DefaultWriterConfig(),
	}
	n.setStatus(StatusPending)
	return n
}

// WithReaderConfig overrides the reader config (e.g. Timeout) before Open.
func (n *Node) WithReaderConfig(cfg streambus.ReaderConfig) *Node {
	n.readCfg = cfg
	return n
}

// WithWriterConfig overrides the writer config (e.g. Async, QueueSize)
// before Open.
func (n *Node) WithWriterConfig(cfg streambus.WriterConfig) *Node {
	n.writeCfg = cfg
	return n
}

func (n *Node) setStatus(s Status) {
	n.status.Store(s)
	n.hooks.OnNodeStatus(n.cfg.PipelineID, n.cfg.NodeID, hooks.NodeStatus(s))
}

// Status returns the node's current lifecycle state.
func (n *Node) Status() Status { return n.status.Load().(Status) }

// Progress returns the physical index of the next input record this node
// will consume (i.e. one past the last input _i whose output was written and
// checkpointed). It is the reader offset a resume starts from.
func (n *Node) Progress() int64 { return n.progress.Load() }

// Snapshot returns the (status, progress, uri_pair) triple per spec §4.2.
func (n *Node) Snapshot() (Status, int64, [2]string) {
	return n.Status(), n.Progress(), [2]string{n.in.URI(), n.out.URI()}
}

// Open prepares the node to run: binds reader/writer, positions the reader
// at resumeProgress (transitioning through StatusResuming first if nonzero),
// and selects the sequential or parallel engine per Config.ParallelSize.
func (n *Node) Open(ctx context.Context, resumeProgress int64) error {
	n.progress.Store(resumeProgress)
	if resumeProgress > 0 {
		n.setStatus(StatusResuming)
	}

	if err := n.in.Open(ctx); err != nil {
		return n.fail(err)
	}
	if err := n.out.Open(ctx); err != nil {
		return n.fail(err)
	}

	readCfg := n.readCfg
	readCfg.Offset = resumeProgress
	reader, err := n.in.GetReader(readCfg)
	if err != nil {
		return n.fail(err)
	}
	n.reader = reader

	writer, err := n.out.GetWriter(n.writeCfg)
	if err != nil {
		return n.fail(err)
	}
	n.writer = writer

	n.runCtx = runctx.New(n.cfg.NodeID, n.cfg.PipelineID, n.cfg.Extra, &n.cancelled, nil)

	if n.cfg.ParallelSize > 1 {
		n.engine = &parallelEngine{}
	} else {
		n.engine = &sequentialEngine{}
	}

	n.setStatus(StatusRunning)
	return nil
}

// Run drives the node's read-invoke-write-checkpoint loop to completion,
// cancellation, or failure. Close is always invoked before Run returns,
// regardless of outcome.
func (n *Node) Run(ctx context.Context) error {
	err := n.engine.run(ctx, n)

	switch {
	case err != nil:
		if err == context.Canceled || n.cancelled.Load() {
			n.setStatus(StatusCanceled)
		} else {
			n.setStatus(StatusFailed)
			n.hooks.OnError(n.cfg.PipelineID, n.cfg.NodeID, classify(err), err.Error())
		}
	default:
		n.setStatus(StatusCompleted)
	}

	closeErr := n.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// Cancel requests cooperative cancellation; the running engine observes it
// at the next batch boundary.
func (n *Node) Cancel() {
	n.cancelled.Store(true)
	n.setStatus(StatusCanceling)
}

// Close always runs on every exit path: closes the writer (flushing the
// async queue), closes the reader, and seals the output stream only if the
// node reached StatusCompleted.
func (n *Node) Close() error {
	var firstErr error

	if n.writer != nil {
		if err := n.writer.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("node %s: close writer: %w", n.cfg.NodeID, err)
		}
	}
	if n.reader != nil {
		if err := n.reader.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("node %s: close reader: %w", n.cfg.NodeID, err)
		}
	}
	if n.Status() == StatusCompleted {
		if err := n.out.Seal(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("node %s: seal output: %w", n.cfg.NodeID, err)
		}
	}
	return firstErr
}

func (n *Node) fail(err error) error {
	n.setStatus(StatusFailed)
	n.hooks.OnError(n.cfg.PipelineID, n.cfg.NodeID, classify(err), err.Error())
	return err
}

func classify(err error) streambus.Kind {
	var sErr *streambus.Error
	if ok := asStreambusError(err, &sErr); ok {
		return sErr.Kind
	}
	return streambus.KindOperator
}

func asStreambusError(err error, target **streambus.Error) bool {
	for err != nil {
		if e, ok := err.(*streambus.Error); ok {
			*target = e
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// checkpointAndAdvance persists progress after a successful write and
// updates the node's in-memory counter, notifying hooks.
func (n *Node) checkpointAndAdvance(progress int64) error {
	if err := n.store.Checkpoint(n.cfg.NodeID, progress); err != nil {
		return fmt.Errorf("node %s: checkpoint: %w", n.cfg.NodeID, err)
	}
	n.progress.Store(progress)
	n.hooks.OnProgress(n.cfg.PipelineID, n.cfg.NodeID, progress)
	return nil
}

// emptyReadRetryDelay returns the pause between Read attempts when a batch
// comes back empty from a stream that is not yet sealed. A streaming
// bridge's reader anneals a startup race for a bounded ~500ms (see
// streambus.AnnealingAttempts/AnnealingInterval) and then yields an empty,
// nil-error batch regardless of whether the upstream producer is actually
// done; an empty read is therefore only true end-of-stream when the input
// is Sealed(), never on its own. The engine owns retrying past that bound
// for as long as the upstream keeps running.
func (n *Node) emptyReadRetryDelay() time.Duration {
	if n.writeCfg.RetryInterval > 0 {
		return n.writeCfg.RetryInterval
	}
	return defaultEmptyReadRetry
}

// awaitEmptyReadRetry blocks briefly before the engine retries a Read that
// came back empty on an unsealed input, or returns context.Canceled /
// ctx.Err() immediately if cancellation has been requested in the meantime.
func (n *Node) awaitEmptyReadRetry(ctx context.Context) error {
	if n.cancelled.Load() {
		return context.Canceled
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(n.emptyReadRetryDelay()):
		return nil
	}
}

// indexBatch pairs a freshly-read batch of unboxed-on-write (still-boxed as
// read) records with their physical indices, unboxing each for the operator
// and preserving the index for InvokeTagged to re-derive output indices.
func indexBatch(batch []record.Record) ([]operator.IndexedRecord, error) {
	out := make([]operator.IndexedRecord, len(batch))
	for i, rec := range batch {
		idx, ok := rec.Index()
		if !ok {
			return nil, fmt.Errorf("node: record %d missing physical index on read", i)
		}
		out[i] = operator.IndexedRecord{Index: idx, Record: rec.Unbox()}
	}
	return out, nil
}
