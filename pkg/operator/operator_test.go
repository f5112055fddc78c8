package operator

import (
	"errors"
	"testing"

	"github.com/Siddhant-K-code/distillflow/pkg/record"
	"github.com/Siddhant-K-code/distillflow/pkg/runctx"
)

func testCtx() *runctx.Context {
	return runctx.New("node-1", "pipeline-1", nil, nil, nil)
}

func TestBatchAdapterInvoke(t *testing.T) {
	double := Func(func(ctx *runctx.Context, items []record.Record) ([]record.Record, error) {
		out := make([]record.Record, len(items))
		for i, it := range items {
			v, _ := it["v"].(int)
			out[i] = record.Record{"v": v * 2}
		}
		return out, nil
	})

	adapter := NewBatchAdapter(double)
	in := []record.Record{{"v": 1}, {"v": 2}, {"v": 3}}
	got, err := adapter.Invoke(testCtx(), in)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(got) != 3 || got[0]["v"] != 2 || got[2]["v"] != 6 {
		t.Fatalf("unexpected output: %+v", got)
	}
}

func TestBatchAdapterPropagatesError(t *testing.T) {
	wantErr := errors.New("boom")
	failing := Func(func(ctx *runctx.Context, items []record.Record) ([]record.Record, error) {
		return nil, wantErr
	})
	_, err := NewBatchAdapter(failing).Invoke(testCtx(), []record.Record{{"v": 1}})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestItemAdapterPreservesOrder(t *testing.T) {
	square := ItemFunc(func(ctx *runctx.Context, item record.Record) ([]record.Record, error) {
		v := item["v"].(int)
		return []record.Record{{"v": v * v}}, nil
	})

	adapter := NewItemAdapter(square)
	in := make([]record.Record, 50)
	for i := range in {
		in[i] = record.Record{"v": i}
	}

	got, err := adapter.Invoke(testCtx(), in)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(got) != 50 {
		t.Fatalf("expected 50 results, got %d", len(got))
	}
	for i, r := range got {
		if r["v"] != i*i {
			t.Fatalf("result %d out of order: got %v, want %d", i, r["v"], i*i)
		}
	}
}

func TestItemAdapterExplode(t *testing.T) {
	explode := ItemFunc(func(ctx *runctx.Context, item record.Record) ([]record.Record, error) {
		return []record.Record{
			{"text": "a"},
			{"text": "b"},
		}, nil
	})

	got, err := NewItemAdapter(explode).Invoke(testCtx(), []record.Record{{"v": 1}, {"v": 2}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 exploded records, got %d", len(got))
	}
}

func TestItemAdapterPropagatesError(t *testing.T) {
	wantErr := errors.New("item boom")
	failing := ItemFunc(func(ctx *runctx.Context, item record.Record) ([]record.Record, error) {
		return nil, wantErr
	})
	_, err := NewItemAdapter(failing).Invoke(testCtx(), []record.Record{{"v": 1}})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestItemAdapterEmptyBatch(t *testing.T) {
	noop := ItemFunc(func(ctx *runctx.Context, item record.Record) ([]record.Record, error) {
		return nil, nil
	})
	got, err := NewItemAdapter(noop).Invoke(testCtx(), nil)
	if err != nil || got != nil {
		t.Fatalf("expected nil, nil for empty batch, got %v, %v", got, err)
	}
}

func TestInvokeTaggedBatchOperatorPreservesIndex(t *testing.T) {
	double := Func(func(ctx *runctx.Context, items []record.Record) ([]record.Record, error) {
		out := make([]record.Record, len(items))
		for i, it := range items {
			out[i] = record.Record{"v": it["v"].(int) * 2}
		}
		return out, nil
	})

	in := []IndexedRecord{
		{Index: 0, Record: record.Record{"v": 1}},
		{Index: 1, Record: record.Record{"v": 2}},
		{Index: 2, Record: record.Record{"v": 3}},
	}
	got, err := NewBatchAdapter(double).InvokeTagged(testCtx(), in)
	if err != nil {
		t.Fatalf("InvokeTagged: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	for i, r := range got {
		idx, _ := r.Index()
		if idx != int64(i) {
			t.Errorf("record %d: expected _i=%d, got %d", i, i, idx)
		}
	}
}

func TestInvokeTaggedBatchOperatorCardinalityMismatch(t *testing.T) {
	bad := Func(func(ctx *runctx.Context, items []record.Record) ([]record.Record, error) {
		return items[:1], nil
	})
	in := []IndexedRecord{
		{Index: 0, Record: record.Record{"v": 1}},
		{Index: 1, Record: record.Record{"v": 2}},
	}
	if _, err := NewBatchAdapter(bad).InvokeTagged(testCtx(), in); err == nil {
		t.Fatalf("expected an error for a non-1:1 batch operator")
	}
}

func TestInvokeTaggedItemOperator1To1(t *testing.T) {
	square := ItemFunc(func(ctx *runctx.Context, item record.Record) ([]record.Record, error) {
		v := item["v"].(int)
		return []record.Record{{"v": v * v}}, nil
	})

	in := []IndexedRecord{
		{Index: 5, Record: record.Record{"v": 2}},
	}
	got, err := NewItemAdapter(square).InvokeTagged(testCtx(), in)
	if err != nil {
		t.Fatalf("InvokeTagged: %v", err)
	}
	idx, _ := got[0].Index()
	if idx != 5 {
		t.Fatalf("expected 1:1 output to keep parent index 5, got %d", idx)
	}
}

func TestInvokeTaggedItemOperatorExplode(t *testing.T) {
	explode := ItemFunc(func(ctx *runctx.Context, item record.Record) ([]record.Record, error) {
		return []record.Record{{"text": "a"}, {"text": "b"}}, nil
	})

	in := []IndexedRecord{
		{Index: 0, Record: record.Record{"v": 1}},
		{Index: 1, Record: record.Record{"v": 2}},
		{Index: 2, Record: record.Record{"v": 3}},
	}
	got, err := NewItemAdapter(explode).InvokeTagged(testCtx(), in)
	if err != nil {
		t.Fatalf("InvokeTagged: %v", err)
	}

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

