package streambus

import (
	"context"
	"time"

	"github.com/Siddhant-K-code/distillflow/pkg/record"
)

// Streaming-bridge annealing parameters (spec §4.1 "zero-progress annealing").
const (
	AnnealingAttempts = 5
	AnnealingInterval = 100 * time.Millisecond
)

// bridgeStream is the streaming bridge used to connect adjacent nodes in
// streaming mode: a memory stream with the same seal semantics as file
// streams, written through an async writer whose queue holds at most
// queueSize records. The records handed over are kept in the underlying
// memory stream's slice for the stream's lifetime; reading them does not
// release them, so the bridge's memory grows with the number of records
// that pass through it. Its reader retries a
// bounded number of times before yielding an empty-but-unsealed read to the
// caller, defeating the race where a downstream node starts before the
// upstream has produced its first batch.
type bridgeStream struct {
	*memoryStream
	queueSize int
}

func newBridgeStream(name string, queueSize int) *bridgeStream {
	if queueSize <= 0 {
		queueSize = 1000
	}
	return &bridgeStream{memoryStream: newMemoryStream(name), queueSize: queueSize}
}

func (s *bridgeStream) URI() string { return "bridge://" + s.name }

// GetWriter always runs in async mode with a queue of at most the bridge's
// queue size, regardless of what the caller asks for. The queue bounds
// records waiting to be appended, not records already appended.
func (s *bridgeStream) GetWriter(cfg WriterConfig) (Writer, error) {
	cfg.Async = true
	if cfg.QueueSize <= 0 || cfg.QueueSize > s.queueSize {
		cfg.QueueSize = s.queueSize
	}
	return s.memoryStream.GetWriter(cfg)
}

// GetReader wraps the plain in-memory reader with bounded zero-progress
// annealing instead of the unbounded poll-until-timeout-or-sealed loop.
func (s *bridgeStream) GetReader(cfg ReaderConfig) (Reader, error) {
	inner, err := s.memoryStream.GetReader(cfg)
	if err != nil {
		return nil, err
	}
	return &annealingReader{inner: inner.(*memoryReader)}, nil
}

type annealingReader struct {
	inner *memoryReader
}

func (r *annealingReader) Read(ctx context.Context, batchSize int) ([]record.Record, error) {
	for attempt := 0; ; attempt++ {
		batch, sealed := r.inner.stream.snapshot(r.inner.next, batchSize)
		if len(batch) > 0 {
			return r.inner.verifyAndAdvance(batch)
		}
		if sealed {
			return nil, nil
		}
		if attempt >= AnnealingAttempts {
			// Exhausted the annealing budget: yield empty to the caller,
			// who is expected to retry (e.g. the node's read-loop treats
			// an empty-but-unsealed read as "try again"), not treat this
			// as end-of-stream.
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(AnnealingInterval):
		}
	}
}

func (r *annealingReader) Close() error { return r.inner.Close() }
