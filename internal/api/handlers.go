package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fedlink/fedlink/internal/broker"
	"github.com/fedlink/fedlink/internal/coordinator"
	"github.com/fedlink/fedlink/internal/events"
)

// handleBroadcast fans a query out to the targeted clients.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	taskID, err := s.coord.Broadcast(r.Context(), req.QueryText, req.QueryVector, req.TargetClients)
	if err != nil {
		if errors.Is(err, broker.ErrInvalidTarget) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("broadcast failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "broadcast failed")
		return
	}

	s.writeJSON(w, http.StatusCreated, BroadcastResponse{TaskID: taskID})
}

// handlePoll returns the client's oldest undelivered task, or null when the
// queue is empty. Empty is the normal steady state, never an error.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "client_id")
	if clientID == "" {
		s.writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}

	task, err := s.coord.Poll(r.Context(), clientID)
	if err != nil {
		s.logger.Error("poll failed", "client", clientID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "poll failed")
		return
	}

	resp := PollResponse{}
	if task != nil {
		resp.Task = &TaskPayload{
			TaskID:      task.ID,
			QueryText:   task.QueryText,
			QueryVector: task.QueryVector,
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleInsight accepts a sanitized insight for a delivered task.
func (s *Server) handleInsight(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")

	var req InsightRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ClientID == "" {
		s.writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}
	if math.IsNaN(req.SimilarityScore) || math.IsInf(req.SimilarityScore, 0) {
		s.writeError(w, http.StatusBadRequest, "similarity_score must be a finite number")
		return
	}

	err := s.coord.SubmitInsight(r.Context(), req.ClientID, taskID, req.SanitizedInsight, req.SimilarityScore)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, StatusResponse{Status: "accepted"})
	case errors.Is(err, coordinator.ErrInvalidPayload):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, broker.ErrUnknownTask):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, broker.ErrInvalidTarget):
		s.writeError(w, http.StatusForbidden, err.Error())
	default:
		s.logger.Error("insight submission failed", "task", taskID, "client", req.ClientID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "insight submission failed")
	}
}

// handleAck marks a task done for a client. Acks are idempotent; unknown
// task or client combinations are a no-op and still succeed.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")

	var req AckRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ClientID == "" {
		s.writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}

	_ = s.coord.Acknowledge(r.Context(), req.ClientID, taskID)
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: "acknowledged"})
}

// handleConsensus returns every insight accepted so far for a task.
func (s *Server) handleConsensus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")

	insights, err := s.coord.Insights(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, broker.ErrUnknownTask) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("consensus lookup failed", "task", taskID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "consensus lookup failed")
		return
	}

	resp := ConsensusResponse{
		TaskID:   taskID,
		Insights: make([]InsightPayload, 0, len(insights)),
	}
	for _, in := range insights {
		resp.Insights = append(resp.Insights, InsightPayload{
			ClientID:         in.SubmittedBy,
			SanitizedInsight: in.Payload,
			SimilarityScore:  in.Similarity,
			SubmittedAt:      in.SubmittedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthzResponse{
		Status:           "ok",
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
		OutstandingTasks: s.coord.Outstanding(),
	})
}

// handleEvents streams task lifecycle events over SSE. Clients that
// reconnect with a Last-Event-ID header get the buffered backlog first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))

	// Replay the backlog before switching to live delivery.
	var replayed int64
	for _, ev := range s.hub.SnapshotSince(lastID) {
		writeSSE(w, ev)
		replayed = ev.ID
	}
	flusher.Flush()

	ch, cancel := s.hub.Subscribe()
	defer cancel()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			// Skip events already sent during replay.
			if ev.ID <= replayed {
				continue
			}
			writeSSE(w, ev)
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev events.Event) {
	fmt.Fprintf(w, "id: %d\n", ev.ID)
	fmt.Fprintf(w, "event: %s\n", ev.Type)
	fmt.Fprintf(w, "data: %s\n\n", ev.Data)
}

func parseLastEventID(header string) int64 {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	id, err := strconv.ParseInt(header, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

// decodeBody unmarshals a JSON request body, rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
