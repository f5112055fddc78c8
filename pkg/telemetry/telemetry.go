// Package telemetry provides OpenTelemetry distributed tracing for
// distillflow, exporting to OTLP or stdout. It offers span helpers for a
// node's run (StartNodeRun/EndNodeRun) and for one batch (StartBatch), and
// implements hooks.Hooks by annotating a node's open run span. The node
// engines do not call the span helpers, so the hook methods record nothing
// unless a caller has opened a run span with StartNodeRun.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Siddhant-K-code/distillflow/pkg/hooks"
	"github.com/Siddhant-K-code/distillflow/pkg/streambus"
)

const tracerName = "github.com/Siddhant-K-code/distillflow"

// Config holds tracing configuration.
type Config struct {
	Enabled     bool
	Exporter    string // "otlp", "stdout", or "none"
	Endpoint    string
	SampleRate  float64
	ServiceName string
	Insecure    bool
}

// DefaultConfig returns tracing defaults (disabled).
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    "otlp",
		Endpoint:    "localhost:4317",
		SampleRate:  1.0,
		ServiceName: "distillflow",
		Insecure:    true,
	}
}

// Provider wraps the OTEL TracerProvider and tracks one open span per
// running node, so OnError (which has no span argument) can record onto the
// right one.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer

	mu        sync.Mutex
	nodeSpans map[string]trace.Span // pipeline_id/node_id -> open run span
}

// Init sets up the global TracerProvider based on the config. Returns a
// Provider that must be shut down with Shutdown().
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return noopProvider(), nil
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	case "none", "":
		return noopProvider(), nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout, none)", cfg.Exporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("0.1.0"),
		),
		resource.WithProcessRuntimeDescription(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		tp:        tp,
		tracer:    tp.Tracer(tracerName),
		nodeSpans: make(map[string]trace.Span),
	}, nil
}

func noopProvider() *Provider {
	return &Provider{
		tracer:    noop.NewTracerProvider().Tracer(tracerName),
		nodeSpans: make(map[string]trace.Span),
	}
}

// Shutdown flushes pending spans and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the distillflow tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

func nodeKey(pipelineID, nodeID string) string { return pipelineID + "/" + nodeID }

// StartNodeRun opens the span for a node's entire run, remembered by
// pipeline_id/node_id so OnError can attach to it later.
func (p *Provider) StartNodeRun(ctx context.Context, pipelineID, nodeID string) context.Context {
	ctx, span := p.tracer.Start(ctx, "distillflow.node.run",
		trace.WithAttributes(
			attribute.String("distillflow.pipeline_id", pipelineID),
			attribute.String("distillflow.node_id", nodeID),
		),
	)
	p.mu.Lock()
	p.nodeSpans[nodeKey(pipelineID, nodeID)] = span
	p.mu.Unlock()
	return ctx
}

// EndNodeRun ends and forgets the run span for pipeline_id/node_id.
func (p *Provider) EndNodeRun(pipelineID, nodeID string) {
	key := nodeKey(pipelineID, nodeID)
	p.mu.Lock()
	span, ok := p.nodeSpans[key]
	delete(p.nodeSpans, key)
	p.mu.Unlock()
	if ok {
		span.End()
	}
}

// StartBatch creates a child span for one batch's read-invoke-write-
// checkpoint cycle.
func (p *Provider) StartBatch(ctx context.Context, nodeID string, size int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "distillflow.node.batch",
		trace.WithAttributes(
			attribute.String("distillflow.node_id", nodeID),
			attribute.Int("distillflow.batch.size", size),
		),
	)
}

// OnProgress implements hooks.Hooks, annotating the node's run span with
// the latest checkpointed progress.
func (p *Provider) OnProgress(pipelineID, nodeID string, progress int64) {
	p.mu.Lock()
	span, ok := p.nodeSpans[nodeKey(pipelineID, nodeID)]
	p.mu.Unlock()
	if ok {
		span.SetAttributes(attribute.Int64("distillflow.node.progress", progress))
	}
}

// OnNodeStatus implements hooks.Hooks, recording the transition as a span
// event on the node's open run span, if any. It does not open or close spans;
// the caller of StartNodeRun/EndNodeRun owns the span lifetime.
func (p *Provider) OnNodeStatus(pipelineID, nodeID string, status hooks.NodeStatus) {
	p.mu.Lock()
	span, ok := p.nodeSpans[nodeKey(pipelineID, nodeID)]
	p.mu.Unlock()
	if ok {
		span.AddEvent("status", trace.WithAttributes(attribute.String("distillflow.node.status", string(status))))
	}
}

// OnError implements hooks.Hooks, recording the error on the node's open
// run span, if one exists.
func (p *Provider) OnError(pipelineID, nodeID string, kind streambus.Kind, detail string) {
	p.mu.Lock()
	span, ok := p.nodeSpans[nodeKey(pipelineID, nodeID)]
	p.mu.Unlock()
	if ok {
		span.RecordError(fmt.Errorf("%s: %s", kind, detail))
		span.SetAttributes(attribute.Bool("error", true), attribute.String("distillflow.error.kind", kind.String()))
	}
}
