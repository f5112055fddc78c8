package streambus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Siddhant-K-code/distillflow/pkg/record"
)

// memoryStream is an in-memory, mutex-protected queue used for memory://
// URIs. It backs bridgeStream as well (see bridge.go), sharing the same
// seal/read semantics as file-backed streams.
type memoryStream struct {
	name string

	mu         sync.Mutex
	records    []record.Record
	sealed     bool
	writerLive bool
}

func newMemoryStream(name string) *memoryStream {
	return &memoryStream{name: name}
}

func (s *memoryStream) URI() string { return "memory://" + s.name }

func (s *memoryStream) Open(ctx context.Context) error { return nil }

func (s *memoryStream) Sealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}

func (s *memoryStream) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	return nil
}

func (s *memoryStream) Unseal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = false
	return nil
}

func (s *memoryStream) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.sealed = false
	return nil
}

func (s *memoryStream) RecordCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.records))
}

func (s *memoryStream) snapshot(from int, batchSize int) ([]record.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := from + batchSize
	if end > len(s.records) {
		end = len(s.records)
	}
	if end <= from {
		return nil, s.sealed
	}
	out := make([]record.Record, end-from)
	copy(out, s.records[from:end])
	return out, s.sealed
}

func (s *memoryStream) GetReader(cfg ReaderConfig) (Reader, error) {
	return &memoryReader{stream: s, cfg: cfg, next: int(cfg.Offset), pollEvery: pollInterval(cfg)}, nil
}

func pollInterval(cfg ReaderConfig) time.Duration {
	return 10 * time.Millisecond
}

func (s *memoryStream) GetWriter(cfg WriterConfig) (Writer, error) {
	s.mu.Lock()
	if s.writerLive {
		s.mu.Unlock()
		return nil, newError(KindConfiguration, s.name, fmt.Errorf("memory: writer already active"))
	}
	s.writerLive = true
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		s.writerLive = false
		s.mu.Unlock()
	}

	phys := &memoryPhysicalWriter{stream: s}
	if cfg.Async {
		return newAsyncWriter(phys, cfg, release), nil
	}
	return &syncWriterAdapter{phys: phys, release: release}, nil
}

type memoryPhysicalWriter struct {
	stream *memoryStream
}

func (w *memoryPhysicalWriter) writeBatch(records []record.Record) error {
	w.stream.mu.Lock()
	w.stream.records = append(w.stream.records, records...)
	w.stream.mu.Unlock()
	return nil
}

func (w *memoryPhysicalWriter) sync() error      { return nil }
func (w *memoryPhysicalWriter) closeFile() error { return nil }

type memoryReader struct {
	stream    *memoryStream
	cfg       ReaderConfig
	next      int // next slice index to read
	checked   bool
	pollEvery time.Duration
}

func (r *memoryReader) Read(ctx context.Context, batchSize int) ([]record.Record, error) {
	deadline := time.Time{}
	if r.cfg.Timeout > 0 {
		deadline = time.Now().Add(r.cfg.Timeout)
	}

	for {
		batch, sealed := r.stream.snapshot(r.next, batchSize)
		if len(batch) > 0 {
			return r.verifyAndAdvance(batch)
		}
		if sealed {
			return nil, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, newError(KindTransientIO, r.stream.name, ErrTimeoutExceeded)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.pollEvery):
		}
	}
}

// verifyAndAdvance checks a freshly-snapshotted, non-empty batch's leading _i
// against the expected resume offset (once, on the first non-empty batch)
// and advances the reader's cursor.
func (r *memoryReader) verifyAndAdvance(batch []record.Record) ([]record.Record, error) {
	if !r.checked {
		idx, ok := batch[0].Index()
		if !ok || idx != r.cfg.Offset {
			return nil, newError(KindCheckpoint, r.stream.name,
				fmt.Errorf("%w: expected _i=%d, got %d (ok=%v)", ErrCheckpointMismatch, r.cfg.Offset, idx, ok))
		}
		r.checked = true
	}
	r.next += len(batch)
	return batch, nil
}

func (r *memoryReader) Close() error { return nil }
