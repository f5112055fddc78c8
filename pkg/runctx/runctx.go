// Package runctx defines the per-invocation context passed to operators: the
// only handle an operator has back into the pipeline/node running it.
package runctx

import "sync/atomic"

// Stats is usage an operator reports about one invocation, passed to the
// Context's UsageReporter (e.g. for cost accounting) without the runtime
// interpreting its fields.
type Stats struct {
	// Name identifies the kind of usage being reported (e.g. "llm_tokens").
	Name string
	// Count is the reported quantity.
	Count int64
	// Extra carries arbitrary additional fields verbatim.
	Extra map[string]any
}

// UsageReporter receives Stats reported by operators via Context.ReportUsage.
// This module has no implementation of it: Node.Open builds its Context with
// a nil reporter, so ReportUsage is a no-op for operators run by a node.
type UsageReporter interface {
	ReportUsage(nodeID string, stats Stats)
}

// Context is the value an operator receives alongside its batch/item. It is
// built once per Node.Open and reused across invocations; operators must not
// retain it past the call that received it if IsCancelled() could change
// concurrently with their own goroutines (it is safe to read concurrently).
type Context struct {
	nodeID     string
	pipelineID string
	extra      map[string]any
	cancelled  *atomic.Bool
	reporter   UsageReporter
}

// New constructs a Context. cancelled is a shared flag the owning node flips
// on cancellation; reporter may be nil, in which case ReportUsage is a no-op.
func New(nodeID, pipelineID string, extra map[string]any, cancelled *atomic.Bool, reporter UsageReporter) *Context {
	return &Context{
		nodeID:     nodeID,
		pipelineID: pipelineID,
		extra:      extra,
		cancelled:  cancelled,
		reporter:   reporter,
	}
}

// NodeID returns the identifier of the node invoking the operator.
func (c *Context) NodeID() string { return c.nodeID }

// PipelineID returns the identifier of the owning pipeline run.
func (c *Context) PipelineID() string { return c.pipelineID }

// Extra returns the per-node extra parameters, passed through verbatim from
// the manifest; the runtime never interprets these.
func (c *Context) Extra() map[string]any { return c.extra }

// IsCancelled reports whether the owning pipeline has requested cancellation.
// Long-running operators should poll this between units of work.
func (c *Context) IsCancelled() bool {
	if c.cancelled == nil {
		return false
	}
	return c.cancelled.Load()
}

// ReportUsage forwards stats to the configured reporter, if any.
func (c *Context) ReportUsage(stats Stats) {
	if c.reporter == nil {
		return
	}
	c.reporter.ReportUsage(c.nodeID, stats)
}
