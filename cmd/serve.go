package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Siddhant-K-code/distillflow/pkg/config"
	"github.com/Siddhant-K-code/distillflow/pkg/hooks"
	"github.com/Siddhant-K-code/distillflow/pkg/metrics"
	"github.com/Siddhant-K-code/distillflow/pkg/pipeline"
	"github.com/Siddhant-K-code/distillflow/pkg/sse"
	"github.com/Siddhant-K-code/distillflow/pkg/streambus"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the distillflow HTTP server",
	Long: `Starts an HTTP server that accepts pipeline run requests and streams
their progress over Server-Sent Events.

Example:
  distillflow serve --port 8080

The server exposes:
  POST /v1/pipelines             - create and run a pipeline
  GET  /v1/pipelines/{id}/events - SSE stream of that pipeline's progress
  GET  /health                   - health check
  GET  /metrics                  - Prometheus metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntP("port", "p", 0, "HTTP server port (0 = config default)")
	serveCmd.Flags().String("host", "", "HTTP server host (empty = config default)")
}

// broadcaster is a hooks.Hooks implementation that fans every notification
// out to all SSE clients currently subscribed to its pipeline_id, and also
// forwards to a wrapped Hooks (metrics/telemetry).
type broadcaster struct {
	inner hooks.Hooks

	mu      sync.Mutex
	writers map[string][]*sse.Writer
}

func newBroadcaster(inner hooks.Hooks) *broadcaster {
	return &broadcaster{inner: inner, writers: make(map[string][]*sse.Writer)}
}

func (b *broadcaster) subscribe(pipelineID string, w *sse.Writer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writers[pipelineID] = append(b.writers[pipelineID], w)
}

func (b *broadcaster) unsubscribe(pipelineID string, w *sse.Writer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ws := b.writers[pipelineID]
	for i, existing := range ws {
		if existing == w {
			b.writers[pipelineID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
}

func (b *broadcaster) subscribers(pipelineID string) []*sse.Writer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*sse.Writer, len(b.writers[pipelineID]))
	copy(out, b.writers[pipelineID])
	return out
}

func (b *broadcaster) OnNodeStatus(pipelineID, nodeID string, status hooks.NodeStatus) {
	b.inner.OnNodeStatus(pipelineID, nodeID, status)
	for _, w := range b.subscribers(pipelineID) {
		w.OnNodeStatus(pipelineID, nodeID, status)
	}
}

func (b *broadcaster) OnProgress(pipelineID, nodeID string, progress int64) {
	b.inner.OnProgress(pipelineID, nodeID, progress)
	for _, w := range b.subscribers(pipelineID) {
		w.OnProgress(pipelineID, nodeID, progress)
	}
}

func (b *broadcaster) OnError(pipelineID, nodeID string, kind streambus.Kind, detail string) {
	b.inner.OnError(pipelineID, nodeID, kind, detail)
	for _, w := range b.subscribers(pipelineID) {
		w.OnError(pipelineID, nodeID, kind, detail)
	}
}

// Server holds the HTTP server state.
type Server struct {
	cfg         *config.Config
	metrics     *metrics.Metrics
	broadcaster *broadcaster

	mu        sync.Mutex
	pipelines map[string]*pipeline.Pipeline
}

// CreatePipelineRequest is the JSON request body for POST /v1/pipelines.
type CreatePipelineRequest struct {
	PipelineID   string   `json:"pipeline_id"`
	Input        string   `json:"input"`
	Output       string   `json:"output"`
	Stages       []string `json:"stages"`
	BatchSize    int      `json:"batch_size,omitempty"`
	ParallelSize int      `json:"parallel_size,omitempty"`
	Streaming    bool     `json:"streaming,omitempty"`
}

// CreatePipelineResponse is the JSON response for POST /v1/pipelines.
type CreatePipelineResponse struct {
	PipelineID string `json:"pipeline_id"`
	Status     string `json:"status"`
	EventsURL  string `json:"events_url"`
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return err
	}

	port, _ := cmd.Flags().GetInt("port")
	if port == 0 {
		port = cfg.Server.Port
	}
	host, _ := cmd.Flags().GetString("host")
	if host == "" {
		host = cfg.Server.Host
	}

	m := metrics.New()
	srv := &Server{
		cfg:         cfg,
		metrics:     m,
		broadcaster: newBroadcaster(m),
		pipelines:   make(map[string]*pipeline.Pipeline),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/pipelines", srv.handleCreatePipeline)
	mux.HandleFunc("/v1/pipelines/", srv.handlePipelineEvents)
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		m.Handler().ServeHTTP(w, r)
	})

	addr := fmt.Sprintf("%s:%d", host, port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-quit
		fmt.Fprintln(os.Stderr, "\nShutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "server shutdown error: %v\n", err)
		}
		close(done)
	}()

	fmt.Printf("distillflow server starting on %s\n", addr)
	fmt.Println("Endpoints:")
	fmt.Printf("  POST http://%s/v1/pipelines\n", addr)
	fmt.Printf("  GET  http://%s/v1/pipelines/{id}/events\n", addr)
	fmt.Printf("  GET  http://%s/health\n", addr)
	fmt.Printf("  GET  http://%s/metrics\n", addr)
	fmt.Println()

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	<-done
	fmt.Println("Server stopped")
	return nil
}

func (s *Server) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CreatePipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if req.PipelineID == "" {
		http.Error(w, "pipeline_id is required", http.StatusBadRequest)
		return
	}

	batchSize := req.BatchSize
	if batchSize == 0 {
		batchSize = s.cfg.Defaults.BatchSize
	}
	parallelSize := req.ParallelSize
	if parallelSize == 0 {
		parallelSize = s.cfg.Defaults.ParallelSize
	}

	stages, err := parseStages(req.Stages, batchSize, parallelSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(stages) == 0 {
		http.Error(w, "stages must be non-empty", http.StatusBadRequest)
		return
	}

	p := pipeline.New(pipeline.Config{
		PipelineID:        req.PipelineID,
		IntermediateDir:   s.cfg.Pipeline.IntermediateDir,
		ResultsDir:        s.cfg.Pipeline.ResultsDir,
		DefaultScheme:     s.cfg.Pipeline.DefaultScheme,
		BoundaryInputURI:  req.Input,
		BoundaryOutputURI: req.Output,
		Streaming:         req.Streaming,
		Hooks:             s.broadcaster,
	}, stages)

	if err := p.Create(r.Context(), false); err != nil {
		http.Error(w, fmt.Sprintf("create pipeline: %v", err), http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.pipelines[req.PipelineID] = p
	s.mu.Unlock()

	go func() {
		// Run already reports failures through the broadcaster (it is this
		// pipeline's Hooks); just log locally so operators see it server-side.
		if err := p.Run(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "pipeline %s failed: %v\n", req.PipelineID, err)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(CreatePipelineResponse{
		PipelineID: req.PipelineID,
		Status:     string(p.Status()),
		EventsURL:  fmt.Sprintf("/v1/pipelines/%s/events", req.PipelineID),
	})
}

func (s *Server) handlePipelineEvents(w http.ResponseWriter, r *http.Request) {
	pipelineID, ok := pipelineIDFromEventsPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	writer := sse.NewWriter(w)
	if writer == nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	p, known := s.pipelines[pipelineID]
	s.mu.Unlock()
	if known {
		writer.OnNodeStatus(pipelineID, "", hooks.NodeStatus(p.Status()))
	}

	s.broadcaster.subscribe(pipelineID, writer)
	defer s.broadcaster.unsubscribe(pipelineID, writer)

	<-r.Context().Done()
}

func pipelineIDFromEventsPath(path string) (string, bool) {
	const prefix = "/v1/pipelines/"
	const suffix = "/events"
	if len(path) <= len(prefix)+len(suffix) {
		return "", false
	}
	if path[:len(prefix)] != prefix || path[len(path)-len(suffix):] != suffix {
		return "", false
	}
	return path[len(prefix) : len(path)-len(suffix)], true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
