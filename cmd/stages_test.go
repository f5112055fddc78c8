package cmd

import (
	"testing"

	"github.com/Siddhant-K-code/distillflow/pkg/record"
	"github.com/Siddhant-K-code/distillflow/pkg/runctx"
)

func TestParseStagesBuildsTopologyInOrder(t *testing.T) {
	stages, err := parseStages([]string{"clean:trim:text", "upper:upper:text"}, 50, 2)
	if err != nil {
		t.Fatalf("parseStages failed: %v", err)
	}
	if len(stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(stages))
	}
	if stages[0].NodeID != "clean" || stages[1].NodeID != "upper" {
		t.Errorf("unexpected node order: %+v", stages)
	}
	if stages[0].BatchSize != 50 || stages[0].ParallelSize != 2 {
		t.Errorf("unexpected scheduling params: %+v", stages[0])
	}
}

func TestParseStagesRejectsMalformedSpec(t *testing.T) {
	if _, err := parseStages([]string{"onlyonefield"}, 1, 1); err == nil {
		t.Error("expected error for malformed --stage spec")
	}
}

func TestParseStagesRejectsUnknownOp(t *testing.T) {
	if _, err := parseStages([]string{"n:frobnicate:field"}, 1, 1); err == nil {
		t.Error("expected error for unknown op")
	}
}

func TestBuildAdapterUpperInvokesItemOperator(t *testing.T) {
	adapter, err := buildAdapter("upper", "text")
	if err != nil {
		t.Fatalf("buildAdapter failed: %v", err)
	}
	ctx := runctx.New("n1", "p1", nil, nil, nil)
	out, err := adapter.Invoke(ctx, []record.Record{{"text": "hello"}})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if len(out) != 1 || out[0]["text"] != "HELLO" {
		t.Errorf("unexpected output: %+v", out)
	}
}

func TestBuildAdapterNonemptyFiltersBatch(t *testing.T) {
	adapter, err := buildAdapter("nonempty", "text")
	if err != nil {
		t.Fatalf("buildAdapter failed: %v", err)
	}
	ctx := runctx.New("n1", "p1", nil, nil, nil)
	out, err := adapter.Invoke(ctx, []record.Record{{"text": "a"}, {"text": ""}, {"text": "  "}})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if len(out) != 1 {
		t.Errorf("expected 1 surviving record, got %d", len(out))
	}
}

func TestBuildAdapterSplitlinesExplodes(t *testing.T) {
	adapter, err := buildAdapter("splitlines", "text")
	if err != nil {
		t.Fatalf("buildAdapter failed: %v", err)
	}
	ctx := runctx.New("n1", "p1", nil, nil, nil)
	out, err := adapter.Invoke(ctx, []record.Record{{"text": "a\nb\nc"}})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if len(out) != 3 {
		t.Errorf("expected 3 exploded records, got %d", len(out))
	}
}
