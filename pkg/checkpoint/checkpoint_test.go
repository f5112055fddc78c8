package checkpoint

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestInitCreatesCleanDir(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, "p1")
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := s.ReadManifest(); !errors.Is(err, ErrManifestNotFound) {
		t.Fatalf("expected ErrManifestNotFound on fresh store, got %v", err)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, "p1")
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	want := &Manifest{
		PipelineID: "p1",
		Status:     "running",
		Streaming:  false,
		Nodes: []NodeEntry{
			{NodeID: "n1", InputURI: "jsonl://in", OutputURI: "jsonl://out", BatchSize: 100, ParallelSize: 1, Progress: 0, Status: "pending"},
		},
	}
	if err := s.WriteManifest(want); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}

	got, err := s.ReadManifest()
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if got.PipelineID != want.PipelineID || len(got.Nodes) != 1 || got.Nodes[0].NodeID != "n1" {
		t.Fatalf("manifest round trip mismatch: %+v", got)
	}
}

func TestCheckpointPersistsAcrossStores(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, "p1")
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.Checkpoint("n1", 300); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := s.Checkpoint("n2", 150); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	reopened := NewStore(dir, "p1")
	if err := reopened.LoadCheckpoints(); err != nil {
		t.Fatalf("LoadCheckpoints: %v", err)
	}
	if got := reopened.Progress("n1"); got != 300 {
		t.Fatalf("Progress(n1) = %d, want 300", got)
	}
	if got := reopened.Progress("n2"); got != 150 {
		t.Fatalf("Progress(n2) = %d, want 150", got)
	}
	if got := reopened.Progress("unknown"); got != 0 {
		t.Fatalf("Progress(unknown) = %d, want 0", got)
	}
}

func TestCheckpointAtomicFileNoTempLeftover(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, "p1")
	_ = s.Init()
	if err := s.Checkpoint("n1", 10); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if _, err := filepathGlobOne(filepath.Join(s.Dir(), "checkpoint.json.tmp")); err == nil {
		t.Fatalf("expected temp file to be renamed away")
	}
}

func filepathGlobOne(pattern string) (string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", errors.New("no match")
	}
	return matches[0], nil
}
