// Package sse provides Server-Sent Events support for streaming pipeline
// and node progress to clients via `distillflow serve`'s events endpoint.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Siddhant-K-code/distillflow/pkg/hooks"
	"github.com/Siddhant-K-code/distillflow/pkg/streambus"
)

// StatusEvent is sent whenever a node transitions status.
type StatusEvent struct {
	PipelineID string `json:"pipeline_id"`
	NodeID     string `json:"node_id"`
	Status     string `json:"status"`
}

// ProgressEvent is sent as a node durably checkpoints progress.
type ProgressEvent struct {
	PipelineID string `json:"pipeline_id"`
	NodeID     string `json:"node_id"`
	Progress   int64  `json:"progress"`
}

// ErrorEvent is sent when a node or pipeline encounters an error.
type ErrorEvent struct {
	PipelineID string `json:"pipeline_id"`
	NodeID     string `json:"node_id,omitempty"`
	Kind       string `json:"kind"`
	Detail     string `json:"detail"`
}

// Writer wraps an http.ResponseWriter for SSE output. It sets the required
// headers and provides methods to send typed events, and implements
// hooks.Hooks directly so a pipeline run can stream its own lifecycle.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares the response for SSE streaming. Returns nil if the
// ResponseWriter does not support flushing.
func NewWriter(w http.ResponseWriter) *Writer {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{w: w, flusher: flusher}
}

// OnNodeStatus implements hooks.Hooks.
func (s *Writer) OnNodeStatus(pipelineID, nodeID string, status hooks.NodeStatus) {
	_ = s.sendEvent("status", StatusEvent{PipelineID: pipelineID, NodeID: nodeID, Status: string(status)})
}

// OnProgress implements hooks.Hooks.
func (s *Writer) OnProgress(pipelineID, nodeID string, progress int64) {
	_ = s.sendEvent("progress", ProgressEvent{PipelineID: pipelineID, NodeID: nodeID, Progress: progress})
}

// OnError implements hooks.Hooks.
func (s *Writer) OnError(pipelineID, nodeID string, kind streambus.Kind, detail string) {
	_ = s.sendEvent("error", ErrorEvent{PipelineID: pipelineID, NodeID: nodeID, Kind: kind.String(), Detail: detail})
}

// sendEvent writes a single SSE event and flushes.
func (s *Writer) sendEvent(eventType string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}
