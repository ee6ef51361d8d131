package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"askbridge/internal/tracker"
	"askbridge/internal/version"
)

const (
	maxRequestBody    = 1 << 20
	promptSendTimeout = 15 * time.Second
)

type submitRequest struct {
	Backend        string `json:"backend"`
	Payload        string `json:"payload"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type submitResponse struct {
	RequestID string `json:"request_id"`
	Backend   string `json:"backend"`
}

type requestResponse struct {
	RequestID   string     `json:"request_id"`
	Backend     string     `json:"backend"`
	State       string     `json:"state"`
	SoftMatch   bool       `json:"soft_match,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ElapsedMS   int64      `json:"elapsed_ms"`
}

type backendSummary struct {
	Name      string `json:"name"`
	SessionID string `json:"session_id,omitempty"`
	Offset    int64  `json:"offset"`
	Pending   int    `json:"pending"`
	MarkerTag string `json:"marker_tag"`
	CanSend   bool   `json:"can_send"`
}

type statusResponse struct {
	Version    string          `json:"version"`
	ServerTime time.Time       `json:"server_time"`
	UptimeSecs int64           `json:"uptime_seconds"`
	Backends   int             `json:"backends"`
	Metrics    json.RawMessage `json:"metrics,omitempty"`
}

func (server *Server) handleRequests(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, http.MethodPost)
	}

	var submit submitRequest
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := decoder.Decode(&submit); err != nil {
		return &apiError{Status: http.StatusBadRequest, Message: "invalid json: " + err.Error()}
	}
	if strings.TrimSpace(submit.Payload) == "" {
		return &apiError{Status: http.StatusUnprocessableEntity, Message: "payload required"}
	}
	backend := server.backend(submit.Backend)
	if backend == nil {
		return &apiError{Status: http.StatusBadRequest, Message: "unknown backend: " + submit.Backend}
	}

	timeout := backend.DefaultTimeout
	if submit.TimeoutSeconds > 0 {
		timeout = time.Duration(submit.TimeoutSeconds) * time.Second
	}

	id := server.generator.Next()
	var watermark int64
	if backend.Loop != nil {
		watermark = backend.Loop.Watermark()
	}
	server.tracker.Register(id, backend.Name, submit.Payload, timeout, watermark)

	if backend.Sender != nil {
		prompt := backend.Marker.WrapPrompt(submit.Payload, id)
		ctx, cancel := context.WithTimeout(r.Context(), promptSendTimeout)
		defer cancel()
		if err := backend.Sender.Send(ctx, prompt); err != nil {
			server.tracker.MarkFailed(id, "prompt delivery failed: "+err.Error())
			return &apiError{Status: http.StatusBadGateway, Message: "prompt delivery failed"}
		}
	}

	writeJSON(w, http.StatusAccepted, submitResponse{RequestID: id, Backend: backend.Name})
	return nil
}

func (server *Server) handleRequestByID(w http.ResponseWriter, r *http.Request) *apiError {
	id := strings.TrimPrefix(r.URL.Path, "/v1/requests/")
	if id == "" || strings.Contains(id, "/") {
		return &apiError{Status: http.StatusNotFound, Message: "not found"}
	}

	switch r.Method {
	case http.MethodGet:
		snapshot, ok := server.tracker.Get(id)
		if !ok {
			return &apiError{Status: http.StatusNotFound, Message: "unknown request: " + id}
		}
		writeJSON(w, http.StatusOK, buildRequestResponse(snapshot))
		return nil
	case http.MethodDelete:
		if err := server.tracker.Cancel(id); err != nil {
			if errors.Is(err, tracker.ErrUnknownRequest) {
				return &apiError{Status: http.StatusNotFound, Message: "unknown request: " + id}
			}
			return &apiError{Status: http.StatusInternalServerError, Message: err.Error()}
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"request_id": id, "status": "cancelling"})
		return nil
	default:
		return methodNotAllowed(w, "GET, DELETE")
	}
}

func (server *Server) handleBackends(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, http.MethodGet)
	}
	summaries := make([]backendSummary, 0)
	for _, backend := range server.backendList() {
		summary := backendSummary{
			Name:      backend.Name,
			MarkerTag: backend.Marker.DoneTag,
			Pending:   server.tracker.PendingCount(backend.Name),
			CanSend:   backend.Sender != nil,
		}
		if backend.Loop != nil {
			baseline := backend.Loop.Baseline()
			summary.SessionID = baseline.SessionID
			summary.Offset = baseline.Offset
		}
		summaries = append(summaries, summary)
	}
	writeJSON(w, http.StatusOK, summaries)
	return nil
}

func (server *Server) handleStatus(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, http.MethodGet)
	}
	now := time.Now().UTC()
	response := statusResponse{
		Version:    version.Version,
		ServerTime: now,
		UptimeSecs: int64(now.Sub(server.startedAt).Seconds()),
		Backends:   len(server.backendList()),
	}
	if server.metrics != nil {
		if payload, err := json.Marshal(server.metrics.Snapshot()); err == nil {
			response.Metrics = payload
		}
	}
	writeJSON(w, http.StatusOK, response)
	return nil
}

func (server *Server) handleLogs(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, http.MethodGet)
	}
	if server.logger == nil || server.logger.Buffer() == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return nil
	}
	entries := server.logger.Buffer().List()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return &apiError{Status: http.StatusBadRequest, Message: "invalid limit"}
		}
		if limit < len(entries) {
			entries = entries[len(entries)-limit:]
		}
	}
	writeJSON(w, http.StatusOK, entries)
	return nil
}

func (server *Server) handleMetrics(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, http.MethodGet)
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if server.metrics != nil {
		_ = server.metrics.WritePrometheus(w)
	}
	return nil
}

func buildRequestResponse(snapshot tracker.Snapshot) requestResponse {
	return requestResponse{
		RequestID:   snapshot.ID,
		Backend:     snapshot.Backend,
		State:       string(snapshot.State),
		SoftMatch:   snapshot.SoftMatch,
		Result:      snapshot.Result,
		Error:       snapshot.Error,
		SubmittedAt: snapshot.SubmittedAt,
		CompletedAt: snapshot.CompletedAt,
		ElapsedMS:   snapshot.Elapsed.Milliseconds(),
	}
}
