// Package transport provides a minimal HTTP binding of adapters.TaskAPI,
// standing in for the real supervisor RPC endpoint in integration tests
// and single-binary deployments of cmd/workerd.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flowmesh/workercore/chunkgraph"
	"github.com/flowmesh/workercore/subtask"
	"github.com/flowmesh/workercore/xlog"
)

// WireResult is the JSON wire form of a subtask.Result exchanged between
// HTTPTaskAPI and Server. time.Time and error serialize poorly as-is, so
// they're flattened to strings.
type WireResult struct {
	SubtaskID string  `json:"subtask_id"`
	Status    string  `json:"status"`
	Progress  float64 `json:"progress"`
	Error     string  `json:"error,omitempty"`
	Traceback string  `json:"traceback,omitempty"`
	DataSize  int64   `json:"data_size"`
	StartTime string  `json:"start_time,omitempty"`
	EndTime   string  `json:"end_time,omitempty"`
}

func toWire(r *subtask.Result) WireResult {
	w := WireResult{
		SubtaskID: r.SubtaskID,
		Status:    r.Status.String(),
		Progress:  r.Progress,
		Traceback: r.Traceback,
		DataSize:  r.DataSize,
	}
	if r.Error != nil {
		w.Error = r.Error.Error()
	}
	if !r.StartTime.IsZero() {
		w.StartTime = r.StartTime.Format(time.RFC3339Nano)
	}
	if !r.EndTime.IsZero() {
		w.EndTime = r.EndTime.Format(time.RFC3339Nano)
	}
	return w
}

// WireChunk is the JSON wire form of a chunkgraph.Chunk whose operand is
// a Fetch or FetchShuffle. Compute chunks carry a Go callback and have no
// wire representation; a subtask submitted over HTTP is necessarily a
// fetch/publish pipeline, not an arbitrary kernel invocation.
type WireChunk struct {
	Key        string   `json:"key"`
	Kind       string   `json:"kind"` // "fetch" or "fetch_shuffle"
	MapperKeys []string `json:"mapper_keys,omitempty"`
	GPU        bool     `json:"gpu,omitempty"`
}

// WireSubtask is the JSON wire form of a subtask.Subtask accepted by
// Server's subtask-submission endpoint.
type WireSubtask struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	Priority   int         `json:"priority"`
	Retryable  bool        `json:"retryable"`
	MaxRetry   int         `json:"max_retry"`
	Chunks     []WireChunk `json:"chunks"`
	Edges      [][2]string `json:"edges,omitempty"`
	ResultKeys []string    `json:"result_keys"`
}

// ToSubtask builds a subtask.Subtask for band from w's chunk graph.
func (w WireSubtask) ToSubtask(band subtask.Band) (*subtask.Subtask, error) {
	g := chunkgraph.NewGraph()
	chunks := make(map[string]*chunkgraph.Chunk, len(w.Chunks))

	for _, wc := range w.Chunks {
		c := &chunkgraph.Chunk{Key: wc.Key}
		switch wc.Kind {
		case "fetch":
			c.Op = &chunkgraph.FetchOperand{OpKey: wc.Key, Output: c, IsGPU: wc.GPU}
		case "fetch_shuffle":
			c.Op = &chunkgraph.FetchShuffleOperand{OpKey: wc.Key, Output: c, MapperKeys: wc.MapperKeys, IsGPU: wc.GPU}
		default:
			return nil, fmt.Errorf("transport: unsupported chunk kind %q", wc.Kind)
		}
		chunks[wc.Key] = c
		g.AddChunk(c)
	}

	for _, e := range w.Edges {
		from, ok := chunks[e[0]]
		if !ok {
			return nil, fmt.Errorf("transport: edge references unknown chunk %q", e[0])
		}
		to, ok := chunks[e[1]]
		if !ok {
			return nil, fmt.Errorf("transport: edge references unknown chunk %q", e[1])
		}
		g.AddEdge(from, to)
	}

	resultChunks := make([]*chunkgraph.Chunk, 0, len(w.ResultKeys))
	for _, k := range w.ResultKeys {
		c, ok := chunks[k]
		if !ok {
			return nil, fmt.Errorf("transport: result key %q is not a declared chunk", k)
		}
		resultChunks = append(resultChunks, c)
	}
	g.SetResultChunks(resultChunks)

	return &subtask.Subtask{
		ID:         w.ID,
		SessionID:  w.SessionID,
		ChunkGraph: g,
		Band:       band,
		Priority:   w.Priority,
		Retryable:  w.Retryable,
		MaxRetry:   w.MaxRetry,
	}, nil
}

// ResultHandler is called by Server when a subtask result arrives. A real
// supervisor would route this into its task graph; tests use it to
// capture results directly.
type ResultHandler func(ctx context.Context, w WireResult) error

// Server exposes adapters.TaskAPI.SetSubtaskResult as an HTTP endpoint
// using a gorilla/mux router.
type Server struct {
	router  *mux.Router
	handler ResultHandler
	log     *xlog.Logger
}

// NewServer builds a Server that invokes handler for every posted result.
func NewServer(handler ResultHandler, log *xlog.Logger) *Server {
	s := &Server{router: mux.NewRouter(), handler: handler, log: log}
	s.router.HandleFunc("/subtasks/{id}/result", s.handleSetResult).Methods(http.MethodPost)
	return s
}

// Router returns the underlying mux.Router for embedding in an
// *http.Server or a larger mux tree.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) handleSetResult(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var payload WireResult
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("decode result: %v", err), http.StatusBadRequest)
		return
	}
	if payload.SubtaskID == "" {
		payload.SubtaskID = vars["id"]
	}

	if err := s.handler(r.Context(), payload); err != nil {
		if s.log != nil {
			s.log.Error("set subtask result failed", "subtask_id", payload.SubtaskID, "err", err)
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HTTPTaskAPI implements adapters.TaskAPI by POSTing results to a
// supervisor Server over HTTP.
type HTTPTaskAPI struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPTaskAPI builds a client reporting results to baseURL.
func NewHTTPTaskAPI(baseURL string) *HTTPTaskAPI {
	return &HTTPTaskAPI{BaseURL: baseURL, Client: &http.Client{Timeout: 10 * time.Second}}
}

// SetSubtaskResult implements adapters.TaskAPI.
func (c *HTTPTaskAPI) SetSubtaskResult(ctx context.Context, result *subtask.Result) error {
	body, err := json.Marshal(toWire(result))
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	url := fmt.Sprintf("%s/subtasks/%s/result", c.BaseURL, result.SubtaskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("supervisor returned status %d", resp.StatusCode)
	}
	return nil
}
