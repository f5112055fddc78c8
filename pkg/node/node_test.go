package node

import (
	"context"
	"testing"
	"time"

	"github.com/Siddhant-K-code/distillflow/pkg/checkpoint"
	"github.com/Siddhant-K-code/distillflow/pkg/hooks"
	"github.com/Siddhant-K-code/distillflow/pkg/operator"
	"github.com/Siddhant-K-code/distillflow/pkg/operator/builtin"
	"github.com/Siddhant-K-code/distillflow/pkg/record"
	"github.com/Siddhant-K-code/distillflow/pkg/runctx"
	"github.com/Siddhant-K-code/distillflow/pkg/streambus"
)

func newTestStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	s := checkpoint.NewStore(t.TempDir(), "p1")
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func memStream(name string) streambus.Stream {
	f := streambus.NewFactory()
	s, _ := f.New("memory://" + name)
	return s
}

func writeSeedRecords(t *testing.T, s streambus.Stream, recs []record.Record) {
	t.Helper()
	_ = s.Open(context.Background())
	w, err := s.GetWriter(streambus.DefaultWriterConfig())
	if err != nil {
		t.Fatalf("GetWriter: %v", err)
	}
	if err := w.Write(context.Background(), recs); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}
}

func readAllFrom(t *testing.T, s streambus.Stream, offset int64) []record.Record {
	t.Helper()
	r, err := s.GetReader(streambus.ReaderConfig{Offset: offset})
	if err != nil {
		t.Fatalf("GetReader: %v", err)
	}
	defer r.Close()

	var out []record.Record
	for {
		batch, err := r.Read(context.Background(), 10)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if len(batch) == 0 {
			break
		}
		out = append(out, batch...)
	}
	return out
}

func TestSequentialNodeStraightJSONL(t *testing.T) {
	in := memStream("in")
	out := memStream("out")
	writeSeedRecords(t, in, []record.Record{
		record.Record{"v": 1}.WithIndex(0),
		record.Record{"v": 2}.WithIndex(1),
		record.Record{"v": 3}.WithIndex(2),
	})

	timesTen := builtin.Map(func(r record.Record) record.Record {
		return record.Record{"v": r["v"].(int) * 10}
	})

	adapter := operator.NewItemAdapter(timesTen)
	store := newTestStore(t)
	cfg := DefaultConfig("n1", "p1")
	cfg.BatchSize = 2

	n := New(cfg, adapter, in, out, store, hooks.Noop{}, nil)
	if err := n.Open(context.Background(), 0); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := n.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n.Status() != StatusCompleted {
		t.Fatalf("expected StatusCompleted, got %s", n.Status())
	}
	if !out.Sealed() {
		t.Fatalf("expected output sealed")
	}
	if n.Progress() != 3 {
		t.Fatalf("expected progress=3, got %d", n.Progress())
	}

	got := readAllFrom(t, out, 0)
	want := []int{10, 20, 30}
	if len(got) != 3 {
		t.Fatalf("expected 3 output records, got %d", len(got))
	}
	for i, r := range got {
		idx, _ := r.Index()
		if idx != int64(i) {
			t.Errorf("record %d: expected _i=%d, got %d", i, i, idx)
		}
		// Memory streams hand back the values as written, so v stays an int
		// here; a JSONL stream would decode it as float64.
		if r["v"] != want[i] {
			t.Errorf("record %d: expected v=%d, got %v", i, want[i], r["v"])
		}
	}
}

func TestSequentialNodeExplode(t *testing.T) {
	in := memStream("in")
	out := memStream("out")
	writeSeedRecords(t, in, []record.Record{
		record.Record{"v": "a"}.WithIndex(0),
		record.Record{"v": "b"}.WithIndex(1),
		record.Record{"v": "c"}.WithIndex(2),
	})

	explode := builtin.Explode(func(r record.Record) []record.Record {
		return []record.Record{
			{"text": r["v"], "n": 0},
			{"text": r["v"], "n": 1},
		}
	})

	adapter := operator.NewItemAdapter(explode)
	store := newTestStore(t)
	cfg := DefaultConfig("n1", "p1")
	cfg.BatchSize = 10

	n := New(cfg, adapter, in, out, store, hooks.Noop{}, nil)
	if err := n.Open(context.Background(), 0); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := n.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := readAllFrom(t, out, 0)
	want := []int64{0, 1, 10000, 10001, 20000, 20001}
	if len(got) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(got))
	}
	for i, r := range got {
		idx, _ := r.Index()
		if idx != want[i] {
			t.Errorf("record %d: expected _i=%d, got %d", i, want[i], idx)
		}
	}
}

func TestNodeResumeOffsetMatchesCheckpointedProgress(t *testing.T) {
	in := memStream("in")
	out := memStream("out")
	writeSeedRecords(t, in, []record.Record{
		record.Record{"v": 1}.WithIndex(0),
		record.Record{"v": 2}.WithIndex(1),
		record.Record{"v": 3}.WithIndex(2),
	})
	// The interrupted run had already written _i=0 to the output when its
	// checkpoint recorded progress 1; resume appends after it, unsealed.
	writeSeedRecords(t, out, []record.Record{record.Record{"v": 1}.WithIndex(0)})
	if err := out.Unseal(); err != nil {
		t.Fatalf("Unseal: %v", err)
	}

	identity := operator.Func(func(ctx *runctx.Context, items []record.Record) ([]record.Record, error) {
		return items, nil
	})
	store := newTestStore(t)
	cfg := DefaultConfig("n1", "p1")
	cfg.BatchSize = 10

	n := New(cfg, operator.NewBatchAdapter(identity), in, out, store, hooks.Noop{}, nil)
	if err := n.Open(context.Background(), 1); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if n.Status() != StatusResuming && n.Status() != StatusRunning {
		t.Fatalf("expected resuming/running after Open with nonzero resume, got %s", n.Status())
	}
	if err := n.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := readAllFrom(t, out, 1)
	if len(got) != 2 {
		t.Fatalf("expected 2 records resumed from offset 1, got %d", len(got))
	}
	idx, _ := got[0].Index()
	if idx != 1 {
		t.Fatalf("expected first resumed output record to have _i=1, got %d", idx)
	}
}

// TestSequentialNodeOutlastsBridgeAnnealingBudget writes to the node's input
// only after the streaming bridge's annealing budget (streambus
// .AnnealingAttempts * streambus.AnnealingInterval) has already elapsed. The
// bridge reader yields an empty, unsealed batch once that budget expires
// (spec §4.1 "zero-progress annealing" is a bounded defeat of the *startup*
// race only); the node must keep retrying on Sealed()==false rather than
// treating that empty batch as end-of-stream and completing with a
// truncated, wrongly-sealed output.
func TestSequentialNodeOutlastsBridgeAnnealingBudget(t *testing.T) {
	factory := streambus.NewFactory()
	in := factory.NewBridge("bridge-slow-upstream", 16)
	out := memStream("out")

	if err := in.Open(context.Background()); err != nil {
		t.Fatalf("Open bridge: %v", err)
	}

	delay := streambus.AnnealingInterval*time.Duration(streambus.AnnealingAttempts) + 200*time.Millisecond
	writeErrs := make(chan error, 1)
	go func() {
		time.Sleep(delay)
		w, err := in.GetWriter(streambus.DefaultWriterConfig())
		if err != nil {
			writeErrs <- err
			return
		}
		recs := []record.Record{
			record.Record{"v": 1}.WithIndex(0),
			record.Record{"v": 2}.WithIndex(1),
		}
		if err := w.Write(context.Background(), recs); err != nil {
			writeErrs <- err
			return
		}
		if err := w.Close(); err != nil {
			writeErrs <- err
			return
		}
		writeErrs <- in.Seal()
	}()

	identity := operator.Func(func(ctx *runctx.Context, items []record.Record) ([]record.Record, error) {
		return items, nil
	})
	store := newTestStore(t)
	n := New(DefaultConfig("n1", "p1"), operator.NewBatchAdapter(identity), in, out, store, hooks.Noop{}, nil)
	if err := n.Open(context.Background(), 0); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := n.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := <-writeErrs; err != nil {
		t.Fatalf("delayed upstream write: %v", err)
	}

	if n.Status() != StatusCompleted {
		t.Fatalf("expected StatusCompleted once the delayed upstream actually sealed, got %s", n.Status())
	}
	got := readAllFrom(t, out, 0)
	if len(got) != 2 {
		t.Fatalf("node completed before the delayed upstream write landed: got %d records, want 2", len(got))
	}
}

func TestNodeFailureDoesNotSealOutput(t *testing.T) {
	in := memStream("in")
	out := memStream("out")
	writeSeedRecords(t, in, []record.Record{record.Record{"v": 1}.WithIndex(0)})

	boom := operator.Func(func(ctx *runctx.Context, items []record.Record) ([]record.Record, error) {
		return nil, context.DeadlineExceeded
	})
	store := newTestStore(t)
	n := New(DefaultConfig("n1", "p1"), operator.NewBatchAdapter(boom), in, out, store, hooks.Noop{}, nil)
	if err := n.Open(context.Background(), 0); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := n.Run(context.Background()); err == nil {
		t.Fatalf("expected Run to surface the operator error")
	}
	if n.Status() != StatusFailed {
		t.Fatalf("expected StatusFailed, got %s", n.Status())
	}
	if out.Sealed() {
		t.Fatalf("failed node must not seal its output")
	}
}

func TestParallelNodeMonotonicOrdering(t *testing.T) {
	in := memStream("in")
	out := memStream("out")
	recs := make([]record.Record, 0, 20)
	for i := 0; i < 20; i++ {
		recs = append(recs, record.Record{"v": i}.WithIndex(int64(i)))
	}
	writeSeedRecords(t, in, recs)

	// Ten batches of two run concurrently, so they may finish out of order;
	// the heap-ordered writer must still emit them in _i order.
	identity := operator.Func(func(ctx *runctx.Context, items []record.Record) ([]record.Record, error) {
		return items, nil
	})

	store := newTestStore(t)
	cfg := DefaultConfig("n1", "p1")
	cfg.BatchSize = 2
	cfg.ParallelSize = 4

	n := New(cfg, operator.NewBatchAdapter(identity), in, out, store, hooks.Noop{}, nil)
	if err := n.Open(context.Background(), 0); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := n.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := readAllFrom(t, out, 0)
	if len(got) != 20 {
		t.Fatalf("expected 20 records, got %d", len(got))
	}
	for i, r := range got {
		idx, _ := r.Index()
		if idx != int64(i) {
			t.Fatalf("record %d: expected monotonic _i=%d, got %d", i, i, idx)
		}
	}
}
