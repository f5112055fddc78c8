// Package streambus implements the stream bus: addressable, resumable I/O
// endpoints for records, identified by a URI. It supplies reader and writer
// handles, records a seal marker when fully written, and supports
// random-access positioning by logical record index.
package streambus

import (
	"context"
	"time"

	"github.com/Siddhant-K-code/distillflow/pkg/record"
)

// Lifecycle enumerates a stream's state machine.
type Lifecycle int

const (
	Unopened Lifecycle = iota
	Open
	Sealed
)

func (l Lifecycle) String() string {
	switch l {
	case Unopened:
		return "unopened"
	case Open:
		return "open"
	case Sealed:
		return "sealed"
	default:
		return "unknown"
	}
}

// ReaderConfig configures a Reader obtained from Stream.GetReader.
type ReaderConfig struct {
	// Offset is the physical index the first record returned by Read must
	// carry. Zero means start from the beginning.
	Offset int64
	// Timeout bounds how long Read blocks for data on an unsealed stream
	// before returning ErrTimeoutExceeded. Zero means block indefinitely
	// (bounded only by ctx).
	Timeout time.Duration
}

// DefaultReaderConfig returns reader defaults: no offset, no timeout.
func DefaultReaderConfig() ReaderConfig {
	return ReaderConfig{}
}

// WriterConfig configures a Writer obtained from Stream.GetWriter.
type WriterConfig struct {
	// Async enables the asynchronous batch writer. When false, Write
	// performs a synchronous physical write per call.
	Async bool
	// QueueSize bounds the async writer's internal channel. Writers block
	// when it is full; this is the sole memory-safety backpressure valve.
	QueueSize int
	// FlushBatchSize is the number of records the async writer accumulates
	// before triggering a physical flush.
	FlushBatchSize int
	// FlushInterval is the maximum time the async writer waits since the
	// last flush before flushing whatever has accumulated.
	FlushInterval time.Duration
	// RetryInterval is the pause a node takes before retrying a Read that
	// came back empty from an unsealed input. The streaming bridge's
	// annealing retries use AnnealingInterval, not this value.
	RetryInterval time.Duration
}

// DefaultWriterConfig returns synchronous-writer defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize:      1000,
		FlushBatchSize: 100,
		FlushInterval:  200 * time.Millisecond,
		RetryInterval:  50 * time.Millisecond,
	}
}

// Reader reads batches of boxed-then-unboxed records from a stream.
type Reader interface {
	// Read returns up to batchSize records. It returns an empty (possibly
	// nil) slice and a nil error once the stream is sealed and fully drained.
	// On a resumed reader, the first call verifies the first record's _i
	// equals the requested Offset, failing with ErrCheckpointMismatch
	// otherwise.
	Read(ctx context.Context, batchSize int) ([]record.Record, error)
	Close() error
}

// Writer writes already-boxed batches of records to a stream. It appends;
// it never rewrites prior records. At most one Writer may be active per
// Stream at a time.
type Writer interface {
	Write(ctx context.Context, records []record.Record) error
	// Close flushes the async queue (if any), syncs, and releases the
	// writer slot. It does not seal: sealing is the owning Node's
	// decision (only on a completed run), made via Stream.Seal.
	Close() error
}

// Stream is the uniform contract the pipeline/node layers consume,
// regardless of backing codec (JSONL, CSV, in-memory, streaming bridge).
type Stream interface {
	// URI returns the identity this stream was constructed from.
	URI() string

	// Open prepares the stream for reading and/or writing. Idempotent.
	Open(ctx context.Context) error

	// GetReader returns a Reader positioned per cfg.
	GetReader(cfg ReaderConfig) (Reader, error)

	// GetWriter returns a Writer. Fails if another Writer is already active.
	GetWriter(cfg WriterConfig) (Writer, error)

	// Seal marks the stream fully written; it is filesystem-visible for
	// file-backed streams (a sibling .done file) and an in-memory flag
	// otherwise.
	Seal() error

	// Unseal removes the seal marker, allowing append-resume.
	Unseal() error

	// Sealed reports whether the stream currently carries a seal marker.
	Sealed() bool

	// Clear destroys the stream's payload and seal marker, resetting
	// RecordCount to zero. Used when a pipeline's create() clears stale
	// intermediate artifacts.
	Clear() error

	// RecordCount returns the current physical record count. Monotonic
	// while the stream is being written.
	RecordCount() int64
}
