package runctx

import (
	"sync/atomic"
	"testing"
)

type fakeReporter struct {
	nodeID string
	stats  Stats
	calls  int
}

func (f *fakeReporter) ReportUsage(nodeID string, stats Stats) {
	f.nodeID = nodeID
	f.stats = stats
	f.calls++
}

func TestContextAccessors(t *testing.T) {
	var cancelled atomic.Bool
	extra := map[string]any{"model": "gpt-x"}
	rep := &fakeReporter{}

	ctx := New("node-1", "pipeline-1", extra, &cancelled, rep)

	if ctx.NodeID() != "node-1" {
		t.Errorf("NodeID() = %q, want node-1", ctx.NodeID())
	}
	if ctx.PipelineID() != "pipeline-1" {
		t.Errorf("PipelineID() = %q, want pipeline-1", ctx.PipelineID())
	}
	if ctx.Extra()["model"] != "gpt-x" {
		t.Errorf("Extra()[model] = %v, want gpt-x", ctx.Extra()["model"])
	}
	if ctx.IsCancelled() {
		t.Errorf("IsCancelled() = true before cancel")
	}

	cancelled.Store(true)
	if !ctx.IsCancelled() {
		t.Errorf("IsCancelled() = false after cancel")
	}

	ctx.ReportUsage(Stats{Name: "tokens", Count: 42})
	if rep.calls != 1 || rep.nodeID != "node-1" || rep.stats.Count != 42 {
		t.Errorf("ReportUsage did not forward correctly: %+v", rep)
	}
}

func TestContextNilReporterIsNoOp(t *testing.T) {
	ctx := New("n", "p", nil, nil, nil)
	ctx.ReportUsage(Stats{Name: "x", Count: 1})
	if ctx.IsCancelled() {
		t.Errorf("IsCancelled() with nil flag should be false")
	}
}
