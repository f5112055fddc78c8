package streambus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Siddhant-K-code/distillflow/pkg/record"
)

// jsonlStream is a file-backed stream codec: one JSON object per line, UTF-8,
// LF-terminated, with _i as an integer sibling field (no nested envelope).
type jsonlStream struct {
	path string

	mu          sync.Mutex
	opened      bool
	recordCount atomic.Int64
	writerLive  atomic.Bool
}

func newJSONLStream(path string) *jsonlStream {
	return &jsonlStream{path: path}
}

func (s *jsonlStream) URI() string { return "jsonl://" + s.path }

func (s *jsonlStream) donePath() string { return s.path + ".done" }

func (s *jsonlStream) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}
	count, err := countJSONLLines(s.path)
	if err != nil {
		return newError(KindFatal, s.path, err)
	}
	s.recordCount.Store(count)
	s.opened = true
	return nil
}

func countJSONLLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var n int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		n++
	}
	return n, scanner.Err()
}

func (s *jsonlStream) Sealed() bool {
	_, err := os.Stat(s.donePath())
	return err == nil
}

func (s *jsonlStream) Seal() error {
	content := fmt.Sprintf("%d %s\n", s.RecordCount(), time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(s.donePath(), []byte(content), 0o644); err != nil {
		return newError(KindFatal, s.donePath(), err)
	}
	return nil
}

func (s *jsonlStream) Unseal() error {
	err := os.Remove(s.donePath())
	if err != nil && !os.IsNotExist(err) {
		return newError(KindFatal, s.donePath(), err)
	}
	return nil
}

func (s *jsonlStream) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return newError(KindFatal, s.path, err)
	}
	if err := os.Remove(s.donePath()); err != nil && !os.IsNotExist(err) {
		return newError(KindFatal, s.donePath(), err)
	}
	s.recordCount.Store(0)
	return nil
}

func (s *jsonlStream) RecordCount() int64 { return s.recordCount.Load() }

func (s *jsonlStream) GetReader(cfg ReaderConfig) (Reader, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			// Nothing written yet; an empty reader that treats Sealed()
			// lazily is still correct for bridge-free file streams.
			f = nil
		} else {
			return nil, newError(KindFatal, s.path, err)
		}
	}

	r := &jsonlReader{
		stream: s,
		file:   f,
		cfg:    cfg,
		next:   cfg.Offset,
	}
	if f != nil {
		r.scanner = bufio.NewScanner(f)
		r.scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	}
	return r, nil
}

type jsonlReader struct {
	stream  *jsonlStream
	file    *os.File
	scanner *bufio.Scanner
	cfg     ReaderConfig
	next    int64 // expected physical index of the next record read
	skipped int64 // lines skipped to reach cfg.Offset
	checked bool  // whether we've verified the first record's _i
}

func (r *jsonlReader) Read(ctx context.Context, batchSize int) ([]record.Record, error) {
	if r.scanner == nil {
		// Nothing on disk yet; wait for the stream to become sealed, or
		// for data to appear, bounded by cfg.Timeout.
		return r.waitAndRetry(ctx, batchSize)
	}

	out := make([]record.Record, 0, batchSize)
	for len(out) < batchSize {
		if !r.skipToOffset() {
			break
		}
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return nil, newError(KindFatal, r.stream.path, err)
			}
			break
		}
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, idx, err := decodeJSONLine(line)
		if err != nil {
			return nil, newError(KindFatal, r.stream.path, err)
		}
		if !r.checked {
			if idx != r.cfg.Offset {
				return nil, newError(KindCheckpoint, r.stream.path,
					fmt.Errorf("%w: expected _i=%d, got %d", ErrCheckpointMismatch, r.cfg.Offset, idx))
			}
			r.checked = true
		}
		r.next = idx + 1
		out = append(out, rec)
	}

	if len(out) == 0 && !r.checked && r.skipped < r.cfg.Offset && r.stream.Sealed() {
		// The sealed payload ends before the resume offset: no record can
		// carry the expected _i.
		return nil, newError(KindCheckpoint, r.stream.path,
			fmt.Errorf("%w: expected _i=%d, sealed stream holds %d records", ErrCheckpointMismatch, r.cfg.Offset, r.skipped))
	}
	if len(out) == 0 && !r.stream.Sealed() {
		return r.waitAndRetry(ctx, batchSize)
	}
	return out, nil
}

// skipToOffset discards lines until we've positioned at cfg.Offset, used
// only on the very first Read call of a resumed reader.
func (r *jsonlReader) skipToOffset() bool {
	for r.skipped < r.cfg.Offset {
		if !r.scanner.Scan() {
			return false
		}
		if len(r.scanner.Bytes()) == 0 {
			continue
		}
		r.skipped++
	}
	return true
}

func (r *jsonlReader) waitAndRetry(ctx context.Context, batchSize int) ([]record.Record, error) {
	deadline := time.Time{}
	if r.cfg.Timeout > 0 {
		deadline = time.Now().Add(r.cfg.Timeout)
	}
	for {
		if r.stream.Sealed() {
			return nil, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, newError(KindTransientIO, r.stream.path, ErrTimeoutExceeded)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
		if r.file == nil {
			f, err := os.Open(r.stream.path)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, newError(KindFatal, r.stream.path, err)
			}
			r.file = f
			r.scanner = bufio.NewScanner(f)
			r.scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		}
		return r.Read(ctx, batchSize)
	}
}

func (r *jsonlReader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func decodeJSONLine(line []byte) (record.Record, int64, error) {
	var rec record.Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, 0, err
	}
	idx, ok := rec.Index()
	if !ok {
		return nil, 0, fmt.Errorf("jsonl record missing or malformed %s field", record.IndexKey)
	}
	return rec, idx, nil
}

func (s *jsonlStream) GetWriter(cfg WriterConfig) (Writer, error) {
	if !s.writerLive.CompareAndSwap(false, true) {
		return nil, newError(KindConfiguration, s.path, fmt.Errorf("jsonl: writer already active"))
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.writerLive.Store(false)
		return nil, newError(KindFatal, s.path, err)
	}

	phys := &jsonlPhysicalWriter{stream: s, file: f}
	if cfg.Async {
		return newAsyncWriter(phys, cfg, func() { s.writerLive.Store(false) }), nil
	}
	return &syncWriterAdapter{phys: phys, release: func() { s.writerLive.Store(false) }}, nil
}

// jsonlPhysicalWriter performs the actual append + fsync for one flush.
type jsonlPhysicalWriter struct {
	stream *jsonlStream
	file   *os.File
}

func (w *jsonlPhysicalWriter) writeBatch(records []record.Record) error {
	buf := make([]byte, 0, 256*len(records))
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("jsonl: marshal record: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if _, err := w.file.Write(buf); err != nil {
		return newError(KindFatal, w.stream.path, err)
	}
	w.stream.recordCount.Add(int64(len(records)))
	return nil
}

func (w *jsonlPhysicalWriter) sync() error {
	return w.file.Sync()
}

func (w *jsonlPhysicalWriter) closeFile() error {
	return w.file.Close()
}
