package streambus

import (
	"context"
	"sync"
	"time"

	"github.com/Siddhant-K-code/distillflow/pkg/record"
)

// physicalWriter performs the actual codec-specific append for one flush.
// Implemented per-codec (jsonlPhysicalWriter, csvPhysicalWriter).
type physicalWriter interface {
	writeBatch(records []record.Record) error
	sync() error
	closeFile() error
}

// syncWriterAdapter is the Writer used when WriterConfig.Async is false: one
// physical write per Write call, no background worker.
type syncWriterAdapter struct {
	phys    physicalWriter
	release func()
	mu      sync.Mutex
	closed  bool
}

func (w *syncWriterAdapter) Write(ctx context.Context, records []record.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(records) == 0 {
		return nil
	}
	return w.phys.writeBatch(records)
}

func (w *syncWriterAdapter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.release()

	if err := w.phys.sync(); err != nil {
		_ = w.phys.closeFile()
		return err
	}
	return w.phys.closeFile()
}

// asyncWriter implements the stream bus's asynchronous batch writer: Write
// enqueues records onto a bounded channel; a single background worker
// accumulates until flushBatchSize records have arrived or flushInterval has
// elapsed since the last flush, then performs one physical write. Producers
// block when the channel is full — this is the sole mechanism enforcing
// end-to-end memory safety (spec §4.1, §5 "Suspension points").
type asyncWriter struct {
	phys    physicalWriter
	release func()

	queue      chan record.Record
	flushBatch int
	flushEvery time.Duration

	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func newAsyncWriter(phys physicalWriter, cfg WriterConfig, release func()) *asyncWriter {
	flushBatch := cfg.FlushBatchSize
	if flushBatch <= 0 {
		flushBatch = 100
	}
	flushEvery := cfg.FlushInterval
	if flushEvery <= 0 {
		flushEvery = 200 * time.Millisecond
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}

	w := &asyncWriter{
		phys:       phys,
		release:    release,
		queue:      make(chan record.Record, queueSize),
		flushBatch: flushBatch,
		flushEvery: flushEvery,
		done:       make(chan struct{}),
	}
	go w.run()
	return w
}

// Write enqueues records one at a time, blocking (ErrBackpressureBlocked is
// informational only — this blocking *is* the backpressure mechanism, not a
// failure) when the bounded queue is full.
func (w *asyncWriter) Write(ctx context.Context, records []record.Record) error {
	if err := w.loadErr(); err != nil {
		return err
	}
	for _, rec := range records {
		select {
		case w.queue <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (w *asyncWriter) run() {
	defer close(w.done)

	batch := make([]record.Record, 0, w.flushBatch)
	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.phys.writeBatch(batch); err != nil {
			w.storeErr(err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-w.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= w.flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close closes the queue, waits for the worker to drain and exit, syncs,
// and releases the writer slot. It does not seal.
func (w *asyncWriter) Close() error {
	w.closeOnce.Do(func() {
		close(w.queue)
	})
	<-w.done
	defer w.release()

	if err := w.phys.sync(); err != nil {
		w.storeErr(err)
	}
	closeErr := w.phys.closeFile()

	if err := w.loadErr(); err != nil {
		return err
	}
	return closeErr
}

func (w *asyncWriter) storeErr(err error) {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

func (w *asyncWriter) loadErr() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}
