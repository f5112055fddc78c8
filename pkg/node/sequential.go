package node

import (
	"context"
	"fmt"
)

// sequentialEngine implements the node's default engine: read a batch,
// invoke the operator, write the result, checkpoint, repeat until the
// reader reports end-of-stream.
type sequentialEngine struct{}

func (e *sequentialEngine) run(ctx context.Context, n *Node) error {
	for {
		if n.cancelled.Load() {
			return context.Canceled
		}

		batch, err := n.reader.Read(ctx, n.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("node %s: read: %w", n.cfg.NodeID, err)
		}
		if len(batch) == 0 {
			// An empty batch only means end-of-stream once the input is
			// actually Sealed(); a streaming bridge's reader can yield an
			// empty batch after its annealing budget expires even while
			// the upstream node is still running (spec §4.1 "zero-progress
			// annealing"). Treating that as completion would seal this
			// node's own output while the true upstream is still writing.
			if n.in.Sealed() {
				return nil
			}
			if err := n.awaitEmptyReadRetry(ctx); err != nil {
				return err
			}
			continue
		}

		indexed, err := indexBatch(batch)
		if err != nil {
			return fmt.Errorf("node %s: %w", n.cfg.NodeID, err)
		}

		tagged, err := n.adapter.InvokeTagged(n.runCtx, indexed)
		if err != nil {
			return fmt.Errorf("node %s: operator: %w", n.cfg.NodeID, err)
		}

		if err := n.writer.Write(ctx, tagged); err != nil {
			return fmt.Errorf("node %s: write: %w", n.cfg.NodeID, err)
		}

		progress := indexed[len(indexed)-1].Index + 1
		if err := n.checkpointAndAdvance(progress); err != nil {
			return err
		}
	}
}
