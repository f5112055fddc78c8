// Package hooks defines the observer interface the pipeline and node layers
// notify on lifecycle transitions and errors, and a composer for wiring
// several observers (metrics, telemetry, SSE) to the same pipeline run.
package hooks

import "github.com/Siddhant-K-code/distillflow/pkg/streambus"

// NodeStatus mirrors pkg/node.Status without importing it, avoiding an
// import cycle (node depends on hooks, not the reverse).
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusResuming  NodeStatus = "resuming"
	StatusRunning   NodeStatus = "running"
	StatusCanceling NodeStatus = "canceling"
	StatusCanceled  NodeStatus = "canceled"
	StatusCompleted NodeStatus = "completed"
	StatusFailed    NodeStatus = "failed"
)

// Hooks receives lifecycle and error notifications. Every method has a
// default no-op via Noop, so implementations only need to override what they
// care about by embedding Noop.
type Hooks interface {
	// OnNodeStatus fires whenever a node transitions status.
	OnNodeStatus(pipelineID, nodeID string, status NodeStatus)
	// OnProgress fires after every durable checkpoint write, reporting the
	// node's new progress (physical index of the next input record to
	// consume), once per written batch.
	OnProgress(pipelineID, nodeID string, progress int64)
	// OnError fires for every error the pipeline or a node encounters,
	// before propagating it, per the error taxonomy's Kind.
	OnError(pipelineID, nodeID string, kind streambus.Kind, detail string)
}

// Noop implements Hooks with no-ops; embed it to satisfy the interface while
// overriding only the methods of interest.
type Noop struct{}

func (Noop) OnNodeStatus(pipelineID, nodeID string, status NodeStatus)            {}
func (Noop) OnProgress(pipelineID, nodeID string, progress int64)                 {}
func (Noop) OnError(pipelineID, nodeID string, kind streambus.Kind, detail string) {}

// multi fans every call out to a fixed list of Hooks.
type multi struct {
	hooks []Hooks
}

// Multi composes several Hooks into one, invoking each in order. A nil entry
// in hs is skipped.
func Multi(hs ...Hooks) Hooks {
	filtered := make([]Hooks, 0, len(hs))
	for _, h := range hs {
		if h != nil {
			filtered = append(filtered, h)
		}
	}
	return &multi{hooks: filtered}
}

func (m *multi) OnNodeStatus(pipelineID, nodeID string, status NodeStatus) {
	for _, h := range m.hooks {
		h.OnNodeStatus(pipelineID, nodeID, status)
	}
}

func (m *multi) OnProgress(pipelineID, nodeID string, progress int64) {
	for _, h := range m.hooks {
		h.OnProgress(pipelineID, nodeID, progress)
	}
}

func (m *multi) OnError(pipelineID, nodeID string, kind streambus.Kind, detail string) {
	for _, h := range m.hooks {
		h.OnError(pipelineID, nodeID, kind, detail)
	}
}
