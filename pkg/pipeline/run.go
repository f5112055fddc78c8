package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/Siddhant-K-code/distillflow/pkg/node"
	"github.com/Siddhant-K-code/distillflow/pkg/streambus"
)

// Run drives every node to completion. In sequential mode, nodes execute one
// at a time in topology order so each fully drains its input before the next
// starts; in streaming mode, all nodes run concurrently, handed off through
// streaming bridges opened in place of file-backed intermediates, so a
// downstream node can begin consuming before its upstream neighbor finishes.
//
// On any node's failure, sibling nodes are canceled and Run returns the
// first error encountered; the manifest reflects each node's terminal state
// so a subsequent Resume restarts only the unfinished nodes.
func (p *Pipeline) Run(ctx context.Context) error {
	p.setStatus(node.StatusRunning)

	var err error
	if p.cfg.Streaming {
		err = p.runStreaming(ctx)
	} else {
		err = p.runSequential(ctx)
	}

	if err != nil {
		p.setStatus(node.StatusFailed)
		p.hooks.OnError(p.cfg.PipelineID, "", streambus.KindOperator, err.Error())
	} else {
		p.setStatus(node.StatusCompleted)
	}
	if manifestErr := p.writeManifest(); manifestErr != nil && err == nil {
		err = manifestErr
	}
	return err
}

// runSequential executes each unfinished node to completion before opening
// the next, persisting the manifest after every node so a crash mid-pipeline
// leaves an accurate record of which nodes are done.
func (p *Pipeline) runSequential(ctx context.Context) error {
	for i, n := range p.nodes {
		if p.finished != nil && p.finished[i] {
			continue
		}
		resumeOffset := p.store.Progress(p.stages[i].NodeID)
		if err := n.Open(ctx, resumeOffset); err != nil {
			return fmt.Errorf("pipeline %s: open node %s: %w", p.cfg.PipelineID, p.stages[i].NodeID, err)
		}
		if err := n.Run(ctx); err != nil {
			return fmt.Errorf("pipeline %s: run node %s: %w", p.cfg.PipelineID, p.stages[i].NodeID, err)
		}
		if err := p.writeManifest(); err != nil {
			return err
		}
	}
	return nil
}

// runStreaming rewelds every intermediate stream to an in-memory bridge and
// runs all nodes concurrently; the first node failure cancels its siblings
// and the error is returned once every node goroutine has exited.
func (p *Pipeline) runStreaming(ctx context.Context) error {
	factory := p.factory
	for i := 1; i < len(p.streams)-1; i++ {
		p.streams[i] = factory.NewBridge(fmt.Sprintf("%s-bridge-%d", p.cfg.PipelineID, i), defaultBridgeQueueSize)
	}
	p.materializeNodes(0)

	var wg sync.WaitGroup
	errs := make(chan error, len(p.nodes))
	cancel := func() {
		for _, n := range p.nodes {
			n.Cancel()
		}
	}

	for i, n := range p.nodes {
		if p.finished != nil && p.finished[i] {
			continue
		}
		resumeOffset := p.store.Progress(p.stages[i].NodeID)
		if err := n.Open(ctx, resumeOffset); err != nil {
			return fmt.Errorf("pipeline %s: open node %s: %w", p.cfg.PipelineID, p.stages[i].NodeID, err)
		}

		wg.Add(1)
		go func(n *node.Node, nodeID string) {
			defer wg.Done()
			if err := n.Run(ctx); err != nil {
				errs <- fmt.Errorf("pipeline %s: run node %s: %w", p.cfg.PipelineID, nodeID, err)
				cancel()
			}
		}(n, p.stages[i].NodeID)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		return err
	}
	return nil
}

const defaultBridgeQueueSize = 256
