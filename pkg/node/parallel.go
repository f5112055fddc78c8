package node

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/Siddhant-K-code/distillflow/pkg/operator"
	"github.com/Siddhant-K-code/distillflow/pkg/record"
)

// completedBatch is one dispatched batch's result, ready to write once its
// place in the monotonic sequence arrives.
type completedBatch struct {
	firstInputIndex int64
	lastInputIndex  int64
	records         []record.Record
	err             error
}

// batchHeap orders completedBatch entries by firstInputIndex, so the writer
// can drain whichever prefix of dispatch order has become contiguous,
// without requiring strict dispatch-order delivery from the worker pool.
type batchHeap []*completedBatch

func (h batchHeap) Len() int            { return len(h) }
func (h batchHeap) Less(i, j int) bool  { return h[i].firstInputIndex < h[j].firstInputIndex }
func (h batchHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *batchHeap) Push(x any)         { *h = append(*h, x.(*completedBatch)) }
func (h *batchHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// parallelEngine dispatches each batch to its own goroutine, with at most
// 2x Config.ParallelSize batches in flight at once, then serializes
// writes through a min-heap keyed by each batch's first input index so the
// output stream's _i sequence stays monotonic even though batch completion
// order may not match dispatch order.
type parallelEngine struct{}

func (e *parallelEngine) run(ctx context.Context, n *Node) error {
	maxInFlight := n.cfg.ParallelSize * 2
	sem := make(chan struct{}, maxInFlight)
	results := make(chan *completedBatch, maxInFlight)

	var wg sync.WaitGroup
	var dispatchErr error
	var dispatchErrOnce sync.Once

	readLoop := func() {
		defer func() {
			wg.Wait()
			close(results)
		}()
		for {
			if n.cancelled.Load() {
				dispatchErrOnce.Do(func() { dispatchErr = context.Canceled })
				return
			}
			batch, err := n.reader.Read(ctx, n.cfg.BatchSize)
			if err != nil {
				dispatchErrOnce.Do(func() { dispatchErr = fmt.Errorf("node %s: read: %w", n.cfg.NodeID, err) })
				return
			}
			if len(batch) == 0 {
				// See sequentialEngine.run: an empty batch is only true
				// end-of-stream once the input is Sealed(). A streaming
				// bridge's reader can yield empty before the upstream node
				// has actually finished (its annealing budget is bounded,
				// the upstream's run time is not), so retry instead of
				// dispatching completion.
				if n.in.Sealed() {
					break
				}
				if err := n.awaitEmptyReadRetry(ctx); err != nil {
					dispatchErrOnce.Do(func() { dispatchErr = err })
					return
				}
				continue
			}

			indexed, err := indexBatch(batch)
			if err != nil {
				dispatchErrOnce.Do(func() { dispatchErr = fmt.Errorf("node %s: %w", n.cfg.NodeID, err) })
				return
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				dispatchErrOnce.Do(func() { dispatchErr = ctx.Err() })
				return
			}

			wg.Add(1)
			go func(indexed []operator.IndexedRecord) {
				defer wg.Done()
				defer func() { <-sem }()

				tagged, err := n.adapter.InvokeTagged(n.runCtx, indexed)
				cb := &completedBatch{
					firstInputIndex: indexed[0].Index,
					lastInputIndex:  indexed[len(indexed)-1].Index,
					records:         tagged,
					err:             err,
				}
				select {
				case results <- cb:
				case <-ctx.Done():
				}
			}(indexed)
		}
	}
	go readLoop()

	writeErr := e.writeInOrder(ctx, n, results)

	if writeErr != nil {
		return writeErr
	}
	return dispatchErr
}

// writeInOrder drains completed batches from the heap, flushing only the
// contiguous monotonic prefix (by input index) as it becomes available.
func (e *parallelEngine) writeInOrder(ctx context.Context, n *Node, results <-chan *completedBatch) error {
	h := &batchHeap{}
	heap.Init(h)

	expectedNext := n.Progress()

	for cb := range results {
		if cb.err != nil {
			return fmt.Errorf("node %s: operator: %w", n.cfg.NodeID, cb.err)
		}
		heap.Push(h, cb)

		for h.Len() > 0 && (*h)[0].firstInputIndex == expectedNext {
			next := heap.Pop(h).(*completedBatch)
			if err := n.writer.Write(ctx, next.records); err != nil {
				return fmt.Errorf("node %s: write: %w", n.cfg.NodeID, err)
			}
			expectedNext = next.lastInputIndex + 1
			if err := n.checkpointAndAdvance(expectedNext); err != nil {
				return err
			}
		}
	}

	if h.Len() > 0 {
		return fmt.Errorf("node %s: %d batch(es) never reached contiguity with expected input index %d",
			n.cfg.NodeID, h.Len(), expectedNext)
	}
	return nil
}
