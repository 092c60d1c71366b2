package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fedlink/fedlink/internal/broker"
	"github.com/fedlink/fedlink/internal/coordinator"
	"github.com/fedlink/fedlink/internal/events"
)

const validInsight = `{"condition":"hypertension","treatment":"ACE inhibitor therapy","outcome":"improved blood pressure control"}`

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := broker.NewMemory(broker.MemoryConfig{}, logger)
	hub := events.NewHub(64)
	coord := coordinator.New(b, nil, hub, logger)

	srv := New(cfg, coord, hub, logger)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeResp(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestTaskRoundTrip(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, Config{})

	// Broadcast to a single client.
	resp := postJSON(t, ts.URL+"/api/v1/query/broadcast", BroadcastRequest{
		QueryText:     "outcomes for ACE inhibitors in stage 2 hypertension",
		QueryVector:   []float64{0.1, 0.2, 0.3},
		TargetClients: []string{"hospital-a"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("broadcast status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	var created BroadcastResponse
	decodeResp(t, resp, &created)
	if created.TaskID == "" {
		t.Fatal("broadcast returned empty task_id")
	}

	// Poll delivers the task.
	resp, err := http.Get(ts.URL + "/api/v1/client/hospital-a/poll")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	var polled PollResponse
	decodeResp(t, resp, &polled)
	if polled.Task == nil {
		t.Fatal("poll returned null task, want delivery")
	}
	if polled.Task.TaskID != created.TaskID {
		t.Fatalf("polled task_id = %q, want %q", polled.Task.TaskID, created.TaskID)
	}
	if len(polled.Task.QueryVector) != 3 {
		t.Fatalf("query_vector length = %d, want 3", len(polled.Task.QueryVector))
	}

	// Submit an insight.
	resp = postJSON(t, ts.URL+"/api/v1/query/"+created.TaskID+"/insight", InsightRequest{
		ClientID:         "hospital-a",
		SanitizedInsight: json.RawMessage(validInsight),
		SimilarityScore:  0.91,
	})
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("insight status = %d, body %s", resp.StatusCode, body)
	}
	resp.Body.Close()

	// Consensus shows it.
	resp, err = http.Get(ts.URL + "/api/v1/query/" + created.TaskID + "/consensus")
	if err != nil {
		t.Fatalf("consensus: %v", err)
	}
	var consensus ConsensusResponse
	decodeResp(t, resp, &consensus)
	if len(consensus.Insights) != 1 {
		t.Fatalf("consensus insights = %d, want 1", len(consensus.Insights))
	}
	if consensus.Insights[0].ClientID != "hospital-a" {
		t.Fatalf("insight client_id = %q", consensus.Insights[0].ClientID)
	}

	// Ack settles the task.
	resp = postJSON(t, ts.URL+"/api/v1/query/"+created.TaskID+"/ack", AckRequest{ClientID: "hospital-a"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Queue is drained.
	resp, err = http.Get(ts.URL + "/api/v1/client/hospital-a/poll")
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	var empty PollResponse
	decodeResp(t, resp, &empty)
	if empty.Task != nil {
		t.Fatalf("poll after ack returned task %q, want null", empty.Task.TaskID)
	}
}

func TestBroadcastRejectsBlankTarget(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, Config{})

	resp := postJSON(t, ts.URL+"/api/v1/query/broadcast", BroadcastRequest{
		QueryText:     "q",
		QueryVector:   []float64{1},
		TargetClients: []string{"hospital-a", ""},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	// Fail-atomically: the valid target must not have been enqueued.
	pollResp, err := http.Get(ts.URL + "/api/v1/client/hospital-a/poll")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	var polled PollResponse
	decodeResp(t, pollResp, &polled)
	if polled.Task != nil {
		t.Fatal("rejected broadcast left a queue entry behind")
	}
}

func TestBroadcastRejectsMalformedBody(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, Config{})

	resp, err := http.Post(ts.URL+"/api/v1/query/broadcast", "application/json",
		bytes.NewReader([]byte(`{"query_text": "q", "unexpected": true}`)))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestInsightValidation(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, Config{})

	resp := postJSON(t, ts.URL+"/api/v1/query/broadcast", BroadcastRequest{
		QueryText:     "q",
		QueryVector:   []float64{1},
		TargetClients: []string{"hospital-a"},
	})
	var created BroadcastResponse
	decodeResp(t, resp, &created)

	pollResp, err := http.Get(ts.URL + "/api/v1/client/hospital-a/poll")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	io.Copy(io.Discard, pollResp.Body)
	pollResp.Body.Close()

	tests := []struct {
		name string
		req  InsightRequest
		want int
	}{
		{
			name: "missing required fields",
			req: InsightRequest{
				ClientID:         "hospital-a",
				SanitizedInsight: json.RawMessage(`{"condition":"x"}`),
				SimilarityScore:  0.5,
			},
			want: http.StatusBadRequest,
		},
		{
			name: "unknown fields in payload",
			req: InsightRequest{
				ClientID:         "hospital-a",
				SanitizedInsight: json.RawMessage(`{"condition":"a","treatment":"b","outcome":"c","patient_name":"leak"}`),
				SimilarityScore:  0.5,
			},
			want: http.StatusBadRequest,
		},
		{
			name: "similarity out of range",
			req: InsightRequest{
				ClientID:         "hospital-a",
				SanitizedInsight: json.RawMessage(validInsight),
				SimilarityScore:  1.5,
			},
			want: http.StatusBadRequest,
		},
		{
			name: "missing client_id",
			req: InsightRequest{
				SanitizedInsight: json.RawMessage(validInsight),
				SimilarityScore:  0.5,
			},
			want: http.StatusBadRequest,
		},
		{
			name: "untargeted client",
			req: InsightRequest{
				ClientID:         "hospital-z",
				SanitizedInsight: json.RawMessage(validInsight),
				SimilarityScore:  0.5,
			},
			want: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/api/v1/query/"+created.TaskID+"/insight", tt.req)
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				body, _ := io.ReadAll(resp.Body)
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tt.want, body)
			}
		})
	}

	// None of the rejected payloads may appear in consensus.
	resp, err = http.Get(ts.URL + "/api/v1/query/" + created.TaskID + "/consensus")
	if err != nil {
		t.Fatalf("consensus: %v", err)
	}
	var consensus ConsensusResponse
	decodeResp(t, resp, &consensus)
	if len(consensus.Insights) != 0 {
		t.Fatalf("consensus has %d insights after only invalid submissions", len(consensus.Insights))
	}
}

func TestInsightBeforeDeliveryIsNotFound(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, Config{})

	resp := postJSON(t, ts.URL+"/api/v1/query/broadcast", BroadcastRequest{
		QueryText:     "q",
		QueryVector:   []float64{1},
		TargetClients: []string{"hospital-a"},
	})
	var created BroadcastResponse
	decodeResp(t, resp, &created)

	// No poll happened, so the task was never delivered to this client.
	resp = postJSON(t, ts.URL+"/api/v1/query/"+created.TaskID+"/insight", InsightRequest{
		ClientID:         "hospital-a",
		SanitizedInsight: json.RawMessage(validInsight),
		SimilarityScore:  0.5,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestAckIsIdempotentOverHTTP(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, Config{})

	// Acking a task that never existed still returns 200.
	resp := postJSON(t, ts.URL+"/api/v1/query/no-such-task/ack", AckRequest{ClientID: "hospital-a"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var status StatusResponse
	decodeResp(t, resp, &status)
	if status.Status != "acknowledged" {
		t.Fatalf("status = %q, want acknowledged", status.Status)
	}
}

func TestPollQueueIsolation(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, Config{})

	resp := postJSON(t, ts.URL+"/api/v1/query/broadcast", BroadcastRequest{
		QueryText:     "q",
		QueryVector:   []float64{1},
		TargetClients: []string{"hospital-a"},
	})
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	// A client outside the target set sees an empty queue.
	pollResp, err := http.Get(ts.URL + "/api/v1/client/hospital-b/poll")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	var polled PollResponse
	decodeResp(t, pollResp, &polled)
	if polled.Task != nil {
		t.Fatal("untargeted client received a task")
	}
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, Config{APIKey: "secret-token"})

	// /healthz stays open.
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	// API routes require the token.
	resp, err = http.Get(ts.URL + "/api/v1/client/hospital-a/poll")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/client/hospital-a/poll", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authenticated poll: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestHealthzReportsOutstanding(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, Config{})

	for i := 0; i < 3; i++ {
		resp := postJSON(t, ts.URL+"/api/v1/query/broadcast", BroadcastRequest{
			QueryText:     fmt.Sprintf("q%d", i),
			QueryVector:   []float64{1},
			TargetClients: []string{"hospital-a"},
		})
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	var health HealthzResponse
	decodeResp(t, resp, &health)
	if health.Status != "ok" {
		t.Fatalf("status = %q, want ok", health.Status)
	}
	if health.OutstandingTasks != 3 {
		t.Fatalf("outstanding = %d, want 3", health.OutstandingTasks)
	}
}

func TestEventsStreamReplaysBacklog(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, Config{})

	resp := postJSON(t, ts.URL+"/api/v1/query/broadcast", BroadcastRequest{
		QueryText:     "q",
		QueryVector:   []float64{1},
		TargetClients: []string{"hospital-a"},
	})
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	stream, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer stream.Body.Close()

	if got := stream.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q", got)
	}

	// The broadcast above is already in the ring buffer, so it must arrive
	// as replay without any live publish.
	scanner := bufio.NewScanner(stream.Body)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), "event: task.broadcast") {
			return
		}
	}
	t.Fatal("task.broadcast never arrived on the event stream")
}
