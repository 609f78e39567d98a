package web

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicewire/voicewire/internal/activity"
	"github.com/voicewire/voicewire/internal/mcp"
	"github.com/voicewire/voicewire/internal/observability"
	"github.com/voicewire/voicewire/internal/orchestrator"
	"github.com/voicewire/voicewire/internal/sessions"
	"github.com/voicewire/voicewire/internal/storage"
	"github.com/voicewire/voicewire/pkg/models"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

// fakeProcessor scripts orchestrator outcomes.
type fakeProcessor struct {
	result     *models.OrchestrationResult
	err        error
	confirmErr error
	events     []*models.ProgressEvent
	lastQuery  string
	lastUser   string
}

func (p *fakeProcessor) ProcessQuery(_ context.Context, userID, query string, _ models.SessionMode, emit func(*models.ProgressEvent)) (*models.OrchestrationResult, error) {
	p.lastUser = userID
	p.lastQuery = query
	if p.err != nil {
		return nil, p.err
	}
	for _, ev := range p.events {
		if emit != nil {
			emit(ev)
		}
	}
	return p.result, nil
}

func (p *fakeProcessor) Confirm(_ context.Context, _, _ string, _ func(*models.ProgressEvent)) (*models.OrchestrationResult, error) {
	if p.confirmErr != nil {
		return nil, p.confirmErr
	}
	return p.result, nil
}

type staticCatalog map[string][]mcp.ToolSchema

func (c staticCatalog) Snapshot(context.Context, string) (map[string][]mcp.ToolSchema, error) {
	return c, nil
}

func newTestServer(t *testing.T, processor QueryProcessor) *Server {
	t.Helper()
	logger := testLogger()
	feed := activity.NewFeed(sessions.NewMemoryStore(), storage.NewMemoryEventStore(), logger)
	catalog := staticCatalog{"calendar": {{Name: "list_events"}}}
	return NewServer(processor, catalog, storage.NewMemoryStatusStore(), feed, logger, prometheus.NewRegistry())
}

func postJSON(t *testing.T, handler http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

var authed = map[string]string{"X-User-ID": "u1"}

func TestQueryEndpoint(t *testing.T) {
	processor := &fakeProcessor{result: &models.OrchestrationResult{Success: true, Reply: "Done."}}
	server := newTestServer(t, processor)

	rec := postJSON(t, server, "/voice/query", `{"query": "schedule standup"}`, authed)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"reply":"Done."`) {
		t.Errorf("body = %s", rec.Body)
	}
	if processor.lastUser != "u1" || processor.lastQuery != "schedule standup" {
		t.Errorf("processor saw %q / %q", processor.lastUser, processor.lastQuery)
	}
}

func TestQueryRequiresUser(t *testing.T) {
	server := newTestServer(t, &fakeProcessor{})
	rec := postJSON(t, server, "/voice/query", `{"query": "hi"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestQueryTooLong(t *testing.T) {
	server := newTestServer(t, &fakeProcessor{})
	long := strings.Repeat("a", 501)
	rec := postJSON(t, server, "/voice/query", `{"query": "`+long+`"}`, authed)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestQueryAtLimitAccepted(t *testing.T) {
	processor := &fakeProcessor{result: &models.OrchestrationResult{Success: true}}
	server := newTestServer(t, processor)
	rec := postJSON(t, server, "/voice/query", `{"query": "`+strings.Repeat("a", 500)+`"}`, authed)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestQueryMalformedBody(t *testing.T) {
	server := newTestServer(t, &fakeProcessor{})
	rec := postJSON(t, server, "/voice/query", `{not json`, authed)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"error":"invalid_request"`) {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestQuerySessionBusy(t *testing.T) {
	server := newTestServer(t, &fakeProcessor{err: orchestrator.ErrSessionBusy})
	rec := postJSON(t, server, "/voice/query", `{"query": "hi there"}`, authed)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "session_busy") {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestQueryStream(t *testing.T) {
	now := time.Now()
	processor := &fakeProcessor{
		result: &models.OrchestrationResult{Success: true},
		events: []*models.ProgressEvent{
			{Kind: models.ProgressAnalyzing, Message: "Understanding your request", At: now},
			{Kind: models.ProgressExecuting, Message: "Running calendar.create_event", At: now},
			{Kind: models.ProgressDone, At: now, Payload: &models.OrchestrationResult{Success: true}},
		},
	}
	server := newTestServer(t, processor)

	rec := postJSON(t, server, "/voice/query/stream", `{"query": "schedule standup"}`, authed)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("X-Accel-Buffering"); got != "no" {
		t.Errorf("X-Accel-Buffering = %q", got)
	}

	var names []string
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		if after, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			names = append(names, after)
		}
	}
	want := []string{"progress", "progress", "done"}
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestQueryStreamErrorBeforeEvents(t *testing.T) {
	server := newTestServer(t, &fakeProcessor{err: errors.New("llm unreachable")})
	rec := postJSON(t, server, "/voice/query/stream", `{"query": "schedule standup"}`, authed)

	body := rec.Body.String()
	if !strings.Contains(body, "event: error") || !strings.Contains(body, "event: done") {
		t.Errorf("body = %s", body)
	}
}

func TestConfirmEndpoint(t *testing.T) {
	processor := &fakeProcessor{result: &models.OrchestrationResult{Success: true, Reply: "Deleted."}}
	server := newTestServer(t, processor)

	rec := postJSON(t, server, "/voice/confirm", `{"confirmationID": "c1", "response": "APPROVED"}`, authed)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	rejecting := newTestServer(t, &fakeProcessor{confirmErr: errors.New("does not authorize")})
	rec = postJSON(t, rejecting, "/voice/confirm", `{"confirmationID": "c1", "response": "ok"}`, authed)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}

	rec = postJSON(t, server, "/voice/confirm", `{"response": "yes"}`, authed)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing id: status = %d, want 400", rec.Code)
	}
}

func TestCapabilitiesEndpoint(t *testing.T) {
	server := newTestServer(t, &fakeProcessor{})
	req := httptest.NewRequest(http.MethodGet, "/voice/capabilities", nil)
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"provider":"calendar"`) || !strings.Contains(body, "list_events") {
		t.Errorf("body = %s", body)
	}
}

func TestActivityEndpoint(t *testing.T) {
	server := newTestServer(t, &fakeProcessor{})
	req := httptest.NewRequest(http.MethodGet, "/activity?limit=10", nil)
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"items":[]`) {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	server := newTestServer(t, &fakeProcessor{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rec.Code)
	}
}
