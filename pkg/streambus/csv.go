package streambus

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Siddhant-K-code/distillflow/pkg/record"
)

// csvStream is a file-backed stream codec: header row first, _i as a column,
// using encoding/csv so embedded newlines inside quoted fields are handled
// correctly for both writing and resume-time row counting.
type csvStream struct {
	path string

	mu          sync.Mutex
	opened      bool
	header      []string
	recordCount atomic.Int64
	writerLive  atomic.Bool
}

func newCSVStream(path string) *csvStream {
	return &csvStream{path: path}
}

func (s *csvStream) URI() string    { return "csv://" + s.path }
func (s *csvStream) donePath() string { return s.path + ".done" }

func (s *csvStream) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}
	header, count, err := readCSVHeaderAndCount(s.path)
	if err != nil {
		return newError(KindFatal, s.path, err)
	}
	s.header = header
	s.recordCount.Store(count)
	s.opened = true
	return nil
}

func readCSVHeaderAndCount(path string) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	header, err := r.Read()
	if err == io.EOF {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	var n int64
	for {
		if _, err := r.Read(); err == io.EOF {
			break
		} else if err != nil {
			return nil, 0, err
		}
		n++
	}
	return header, n, nil
}

func (s *csvStream) Sealed() bool {
	_, err := os.Stat(s.donePath())
	return err == nil
}

func (s *csvStream) Seal() error {
	content := fmt.Sprintf("%d %s\n", s.RecordCount(), time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(s.donePath(), []byte(content), 0o644); err != nil {
		return newError(KindFatal, s.donePath(), err)
	}
	return nil
}

func (s *csvStream) Unseal() error {
	err := os.Remove(s.donePath())
	if err != nil && !os.IsNotExist(err) {
		return newError(KindFatal, s.donePath(), err)
	}
	return nil
}

func (s *csvStream) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return newError(KindFatal, s.path, err)
	}
	if err := os.Remove(s.donePath()); err != nil && !os.IsNotExist(err) {
		return newError(KindFatal, s.donePath(), err)
	}
	s.header = nil
	s.recordCount.Store(0)
	return nil
}

func (s *csvStream) RecordCount() int64 { return s.recordCount.Load() }

func (s *csvStream) GetReader(cfg ReaderConfig) (Reader, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, newError(KindFatal, s.path, err)
		}
		f = nil
	}

	r := &csvReader{stream: s, file: f, cfg: cfg}
	if f != nil {
		cr := csv.NewReader(bufio.NewReader(f))
		header, herr := cr.Read()
		if herr != nil && herr != io.EOF {
			return nil, newError(KindFatal, s.path, herr)
		}
		r.csvr = cr
		r.header = header
	}
	return r, nil
}

type csvReader struct {
	stream  *csvStream
	file    *os.File
	csvr    *csv.Reader
	header  []string
	cfg     ReaderConfig
	skipped int64
	checked bool
}

func (r *csvReader) Read(ctx context.Context, batchSize int) ([]record.Record, error) {
	if r.csvr == nil {
		return r.waitAndRetry(ctx, batchSize)
	}

	out := make([]record.Record, 0, batchSize)
	for len(out) < batchSize {
		if r.skipped < r.cfg.Offset {
			if _, err := r.csvr.Read(); err == io.EOF {
				break
			} else if err != nil {
				return nil, newError(KindFatal, r.stream.path, err)
			}
			r.skipped++
			continue
		}

		row, err := r.csvr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, newError(KindFatal, r.stream.path, err)
		}

		rec, idx, err := decodeCSVRow(r.header, row)
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
		out = append(out, rec)
	}

	if len(out) == 0 && !r.stream.Sealed() {
		return r.waitAndRetry(ctx, batchSize)
	}
	return out, nil
}

func (r *csvReader) waitAndRetry(ctx context.Context, batchSize int) ([]record.Record, error) {
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
			cr := csv.NewReader(bufio.NewReader(f))
			header, herr := cr.Read()
			if herr != nil && herr != io.EOF {
				return nil, newError(KindFatal, r.stream.path, herr)
			}
			r.csvr = cr
			r.header = header
		}
		return r.Read(ctx, batchSize)
	}
}

func (r *csvReader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func decodeCSVRow(header []string, row []string) (record.Record, int64, error) {
	rec := make(record.Record, len(header))
	for i, col := range header {
		if i < len(row) {
			rec[col] = row[i]
		} else {
			rec[col] = ""
		}
	}

	raw, ok := rec[record.IndexKey]
	if !ok {
		return nil, 0, fmt.Errorf("csv record missing %s column", record.IndexKey)
	}
	s, ok := raw.(string)
	if !ok {
		return nil, 0, fmt.Errorf("csv record has non-string %s column", record.IndexKey)
	}
	idx, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("csv record has malformed %s %q: %w", record.IndexKey, s, err)
	}
	rec[record.IndexKey] = idx
	return rec, idx, nil
}

func (s *csvStream) GetWriter(cfg WriterConfig) (Writer, error) {
	if !s.writerLive.CompareAndSwap(false, true) {
		return nil, newError(KindConfiguration, s.path, fmt.Errorf("csv: writer already active"))
	}

	needsHeader := s.header == nil
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.writerLive.Store(false)
		return nil, newError(KindFatal, s.path, err)
	}

	phys := &csvPhysicalWriter{stream: s, file: f, w: csv.NewWriter(f), needsHeader: needsHeader}
	if cfg.Async {
		return newAsyncWriter(phys, cfg, func() { s.writerLive.Store(false) }), nil
	}
	return &syncWriterAdapter{phys: phys, release: func() { s.writerLive.Store(false) }}, nil
}

// csvPhysicalWriter performs the actual append for one flush. The header is
// derived from the first batch's fields (sorted, with _i first) the first
// time a new file is written.
type csvPhysicalWriter struct {
	stream      *csvStream
	file        *os.File
	w           *csv.Writer
	needsHeader bool
}

func (w *csvPhysicalWriter) writeBatch(records []record.Record) error {
	if len(records) == 0 {
		return nil
	}
	if w.stream.header == nil {
		w.stream.header = deriveCSVHeader(records[0])
	}
	if w.needsHeader {
		if err := w.w.Write(w.stream.header); err != nil {
			return newError(KindFatal, w.stream.path, err)
		}
		w.needsHeader = false
	}

	for _, rec := range records {
		row := make([]string, len(w.stream.header))
		for i, col := range w.stream.header {
			row[i] = csvCellString(rec[col])
		}
		if err := w.w.Write(row); err != nil {
			return newError(KindFatal, w.stream.path, err)
		}
	}
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		return newError(KindFatal, w.stream.path, err)
	}
	w.stream.recordCount.Add(int64(len(records)))
	return nil
}

func deriveCSVHeader(first record.Record) []string {
	keys := make([]string, 0, len(first))
	for k := range first {
		if k == record.IndexKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return append([]string{record.IndexKey}, keys...)
}

func csvCellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

func (w *csvPhysicalWriter) sync() error      { return w.file.Sync() }
func (w *csvPhysicalWriter) closeFile() error { return w.file.Close() }
