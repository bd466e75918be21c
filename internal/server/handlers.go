package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mcpbridge/mcpbridge/internal/pipeline"
)

func (s *BridgeServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type detectionsRequest struct {
	Tools []pipeline.ToolCandidate `json:"tools"`
}

// handleDetections merges a detection batch from the page observer. Existing
// ids are retained even when absent from this delivery.
func (s *BridgeServer) handleDetections(w http.ResponseWriter, r *http.Request) {
	if !s.requireControl(w, r) {
		return
	}
	var req detectionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	s.store.UpdateCandidates(req.Tools)
	writeJSON(w, http.StatusAccepted, map[string]int{"received": len(req.Tools)})
}

// handleExecute is the manual enqueue path. Idempotent: repeated calls for a
// queued, running, or invalid id change nothing.
func (s *BridgeServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	if !s.requireControl(w, r) {
		return
	}
	id := chi.URLParam(r, "id")
	if _, ok := s.store.Record(id); !ok {
		writeErr(w, http.StatusNotFound, "unknown_tool", "no detected tool with that id")
		return
	}
	s.store.Enqueue(id)
	rec, _ := s.store.Record(id)
	writeJSON(w, http.StatusAccepted, toolView(rec))
}

func (s *BridgeServer) handleAttach(w http.ResponseWriter, r *http.Request) {
	if !s.requireControl(w, r) {
		return
	}
	id := chi.URLParam(r, "id")
	rec, ok := s.store.Record(id)
	if !ok {
		writeErr(w, http.StatusNotFound, "unknown_tool", "no detected tool with that id")
		return
	}
	if rec.Status != pipeline.StatusDone || rec.Result == "" {
		writeErr(w, http.StatusConflict, "no_result", "tool has no result to attach")
		return
	}
	// Detached from the request context: the attach chain outlives this
	// handler's response.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.driver.AttachResult(ctx, id)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "attaching"})
}

func (s *BridgeServer) handleClear(w http.ResponseWriter, r *http.Request) {
	if !s.requireControl(w, r) {
		return
	}
	s.store.Clear()
	w.WriteHeader(http.StatusNoContent)
}

type settingsRequest struct {
	AutoExecute *bool `json:"autoExecute,omitempty"`
	AutoSubmit  *bool `json:"autoSubmit,omitempty"`
}

func (s *BridgeServer) handleSettings(w http.ResponseWriter, r *http.Request) {
	if !s.requireControl(w, r) {
		return
	}
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.AutoExecute != nil {
		s.store.SetAutoExecute(*req.AutoExecute)
	}
	if req.AutoSubmit != nil {
		s.store.SetAutoSubmit(*req.AutoSubmit)
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"autoExecute": s.store.AutoExecuteEnabled(),
		"autoSubmit":  s.store.AutoSubmitEnabled(),
	})
}

type toolStateView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Args      any    `json:"args"`
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	Attaching bool   `json:"attaching"`
}

type stateResponse struct {
	Tools       []toolStateView `json:"tools"`
	Queue       []string        `json:"queue"`
	Processing  bool            `json:"processing"`
	AutoExecute bool            `json:"autoExecute"`
	AutoSubmit  bool            `json:"autoSubmit"`
}

func toolView(rec pipeline.ExecutionRecord) toolStateView {
	return toolStateView{
		ID:        rec.Candidate.ID,
		Name:      rec.Candidate.Name,
		Args:      rec.Candidate.Args,
		Status:    rec.Status.String(),
		Result:    rec.Result,
		Attaching: rec.Attaching,
	}
}

func (s *BridgeServer) handleState(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	resp := stateResponse{
		Tools:       make([]toolStateView, 0, len(snap.Tools)),
		Queue:       snap.Queue,
		Processing:  snap.Processing,
		AutoExecute: snap.AutoExecute,
		AutoSubmit:  snap.AutoSubmit,
	}
	for _, rec := range snap.Tools {
		resp.Tools = append(resp.Tools, toolView(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *BridgeServer) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeErr(w, http.StatusServiceUnavailable, "no_mcp_server", "no MCP server configured")
		return
	}
	tools, err := s.catalog.ListTools(r.Context())
	if err != nil {
		s.logger.Warn("catalog fetch failed", zap.Error(err))
		writeErr(w, http.StatusBadGateway, "mcp_unreachable", "failed to list tools from MCP server")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

const commandHeartbeat = 15 * time.Second

// handleCommands is the long-lived SSE stream carrying page commands
// (insert/submit/attach) and state-change notifications to the extension.
func (s *BridgeServer) handleCommands(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "no_streaming", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	cmds, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	heartbeat := time.NewTicker(commandHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case cmd := <-cmds:
			data, err := json.Marshal(cmd)
			if err != nil {
				s.logger.Error("command marshal failed", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", cmd.Type, data)
			flusher.Flush()
		}
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
