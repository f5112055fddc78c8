// Package operator defines the contract the runtime asks user code to
// satisfy, and the adapter that exposes either variant uniformly to the node
// engines.
package operator

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/Siddhant-K-code/distillflow/pkg/record"
	"github.com/Siddhant-K-code/distillflow/pkg/runctx"
)

// BatchOperator transforms a batch of unboxed records into its replacement
// batch. Invoke accepts output of any length, but InvokeTagged (the node
// engines' path) requires exactly one output per input, in order; use an
// ItemOperator for 1:N or for dropping records. The operator
// must not set or mutate record.IndexKey. Implementations must be stateless
// across invocations or internally thread-safe: the parallel engine may call
// Process concurrently from multiple goroutines.
type BatchOperator interface {
	Process(ctx *runctx.Context, items []record.Record) ([]record.Record, error)
}

// ItemOperator transforms one unboxed record at a time, returning its
// replacement item(s). The adapter fans this out across a batch-local worker
// pool; operators need not handle concurrency themselves across distinct
// items, but a single ItemOperator value may still be invoked concurrently
// from multiple goroutines and must tolerate it.
type ItemOperator interface {
	ProcessItem(ctx *runctx.Context, item record.Record) ([]record.Record, error)
}

// Func adapts a plain function to BatchOperator, mirroring http.HandlerFunc.
type Func func(ctx *runctx.Context, items []record.Record) ([]record.Record, error)

// Process implements BatchOperator.
func (f Func) Process(ctx *runctx.Context, items []record.Record) ([]record.Record, error) {
	return f(ctx, items)
}

// ItemFunc adapts a plain function to ItemOperator.
type ItemFunc func(ctx *runctx.Context, item record.Record) ([]record.Record, error)

// ProcessItem implements ItemOperator.
func (f ItemFunc) ProcessItem(ctx *runctx.Context, item record.Record) ([]record.Record, error) {
	return f(ctx, item)
}

// Adapter exposes either a BatchOperator or an ItemOperator through one
// uniform batch interface. It is bound once at Node.Open to the concrete
// variant (no per-call capability sniffing on the hot path).
type Adapter struct {
	batch BatchOperator
	item  ItemOperator
}

// NewBatchAdapter binds a BatchOperator.
func NewBatchAdapter(op BatchOperator) *Adapter { return &Adapter{batch: op} }

// NewItemAdapter binds an ItemOperator.
func NewItemAdapter(op ItemOperator) *Adapter { return &Adapter{item: op} }

// itemResult pairs an item's ordinal position in the input batch with its
// output, so Invoke can reassemble results in input order despite fanning
// the work out across a worker pool.
type itemResult struct {
	pos  int
	recs []record.Record
	err  error
}

// Invoke runs the bound operator over items, returning the replacement
// batch. For an ItemOperator, items are fanned out across a batch-local
// worker pool sized min(len(items), runtime.NumCPU()*2), independent of the
// node-level parallel engine's own worker pool.
func (a *Adapter) Invoke(ctx *runctx.Context, items []record.Record) ([]record.Record, error) {
	if a.batch != nil {
		return a.batch.Process(ctx, items)
	}
	return a.invokeItems(ctx, items)
}

func (a *Adapter) invokeItems(ctx *runctx.Context, items []record.Record) ([]record.Record, error) {
	if len(items) == 0 {
		return nil, nil
	}

	workers := len(items)
	if max := runtime.NumCPU() * 2; workers > max {
		workers = max
	}
	if workers < 1 {
		workers = 1
	}

	in := make(chan int)
	out := make(chan itemResult, len(items))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pos := range in {
				recs, err := a.item.ProcessItem(ctx, items[pos])
				out <- itemResult{pos: pos, recs: recs, err: err}
			}
		}()
	}

	go func() {
		defer close(in)
		for i := range items {
			in <- i
		}
	}()

	go func() {
		wg.Wait()
		close(out)
	}()

	results := make([][]record.Record, len(items))
	for r := range out {
		if r.err != nil {
			return nil, r.err
		}
		results[r.pos] = r.recs
	}

	var combined []record.Record
	for _, recs := range results {
		combined = append(combined, recs...)
	}
	return combined, nil
}

// IndexedRecord pairs an unboxed input record with its physical index, so
// InvokeTagged can derive correct 1:1/1:N output indices regardless of
// which operator variant is bound.
type IndexedRecord struct {
	Index  int64
	Record record.Record
}

// InvokeTagged runs the bound operator and returns boxed (already carrying
// record.IndexKey) output records, ready to write.
//
// For a BatchOperator, output must be equal-cardinality with items (the
// preferred, 1:1 path): each output record is tagged with its corresponding
// input's index, in order.
//
// For an ItemOperator, each item is invoked independently (fanned out across
// a batch-local worker pool) and its own output list may be any length: a
// single result is tagged with the input's index unchanged; multiple
// results are tagged via record.DeriveChildIndex, realizing 1:N explode.
func (a *Adapter) InvokeTagged(ctx *runctx.Context, items []IndexedRecord) ([]record.Record, error) {
	if a.batch != nil {
		return a.invokeBatchTagged(ctx, items)
	}
	return a.invokeItemsTagged(ctx, items)
}

func (a *Adapter) invokeBatchTagged(ctx *runctx.Context, items []IndexedRecord) ([]record.Record, error) {
	unboxed := make([]record.Record, len(items))
	for i, it := range items {
		unboxed[i] = it.Record
	}

	out, err := a.batch.Process(ctx, unboxed)
	if err != nil {
		return nil, err
	}
	if len(out) != len(items) {
		return nil, fmt.Errorf("operator: batch operator returned %d records for %d inputs; batch operators must be 1:1 (use an ItemOperator for 1:N)", len(out), len(items))
	}

	tagged := make([]record.Record, len(out))
	for i, rec := range out {
		tagged[i] = rec.WithIndex(items[i].Index)
	}
	return tagged, nil
}

func (a *Adapter) invokeItemsTagged(ctx *runctx.Context, items []IndexedRecord) ([]record.Record, error) {
	if len(items) == 0 {
		return nil, nil
	}

	workers := len(items)
	if max := runtime.NumCPU() * 2; workers > max {
		workers = max
	}
	if workers < 1 {
		workers = 1
	}

	type taggedResult struct {
		pos   int
		batch []record.Record
		err   error
	}

	in := make(chan int)
	out := make(chan taggedResult, len(items))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pos := range in {
				it := items[pos]
				recs, err := a.item.ProcessItem(ctx, it.Record)
				if err != nil {
					out <- taggedResult{pos: pos, err: err}
					continue
				}

				tagged := make([]record.Record, len(recs))
				if len(recs) == 1 {
					tagged[0] = recs[0].WithIndex(it.Index)
				} else {
					for j, rec := range recs {
						idx, derr := record.DeriveChildIndex(it.Index, j)
						if derr != nil {
							out <- taggedResult{pos: pos, err: derr}
							tagged = nil
							break
						}
						tagged[j] = rec.WithIndex(idx)
					}
				}
				if tagged != nil {
					out <- taggedResult{pos: pos, batch: tagged}
				}
			}
		}()
	}

	go func() {
		defer close(in)
		for i := range items {
			in <- i
		}
	}()

	go func() {
		wg.Wait()
		close(out)
	}()

	results := make([][]record.Record, len(items))
	for r := range out {
		if r.err != nil {
			return nil, r.err
		}
		results[r.pos] = r.batch
	}

	var combined []record.Record
	for _, recs := range results {
		combined = append(combined, recs...)
	}
	return combined, nil
}
