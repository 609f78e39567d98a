package orchestrator

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/voicewire/voicewire/internal/mcp"
	"github.com/voicewire/voicewire/internal/observability"
	"github.com/voicewire/voicewire/pkg/models"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

type recordedCall struct {
	Provider string
	Tool     string
	Args     map[string]any
}

// fakeCaller scripts tool responses by "provider.tool" and records calls.
type fakeCaller struct {
	mu       sync.Mutex
	handlers map[string]func(args map[string]any) (any, error)
	calls    []recordedCall
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{handlers: make(map[string]func(args map[string]any) (any, error))}
}

func (c *fakeCaller) on(provider, tool string, fn func(args map[string]any) (any, error)) {
	c.handlers[provider+"."+tool] = fn
}

func (c *fakeCaller) CallTool(_ context.Context, _, provider, tool string, args map[string]any) (any, error) {
	c.mu.Lock()
	c.calls = append(c.calls, recordedCall{Provider: provider, Tool: tool, Args: args})
	c.mu.Unlock()

	fn, ok := c.handlers[provider+"."+tool]
	if !ok {
		return nil, errors.New("unexpected tool call: " + provider + "." + tool)
	}
	return fn(args)
}

func (c *fakeCaller) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// fakeCatalog serves static schemas.
type fakeCatalog struct {
	tools map[string][]mcp.ToolSchema
}

func (c *fakeCatalog) Snapshot(context.Context, string) (map[string][]mcp.ToolSchema, error) {
	return c.tools, nil
}

func (c *fakeCatalog) Find(_ context.Context, _, provider, tool string) (mcp.ToolSchema, bool) {
	for _, schema := range c.tools[provider] {
		if schema.Name == tool {
			return schema, true
		}
	}
	return mcp.ToolSchema{}, false
}

func calendarCatalog() *fakeCatalog {
	return &fakeCatalog{tools: map[string][]mcp.ToolSchema{
		"calendar": {
			{Name: "list_events"},
			{Name: "create_event"},
			{Name: "delete_event"},
		},
	}}
}

func newTestExecutor(caller ToolCaller, catalog Catalog) *Executor {
	return NewExecutor(caller, catalog, testLogger(), nil)
}

func plan(steps ...models.PlanStep) *models.Plan {
	return &models.Plan{Steps: steps}
}

func TestExecuteSingleStep(t *testing.T) {
	caller := newFakeCaller()
	caller.on("calendar", "create_event", func(args map[string]any) (any, error) {
		if args["title"] != "Standup" {
			t.Errorf("title = %v", args["title"])
		}
		return map[string]any{"id": "e1"}, nil
	})
	exec := newTestExecutor(caller, calendarCatalog())

	steps, ok := exec.Execute(context.Background(), "u1", "schedule standup", "", plan(
		models.PlanStep{Provider: "calendar", Tool: "create_event", Params: map[string]any{"title": "Standup"}},
	), nil)

	if !ok || len(steps) != 1 || !steps[0].Success {
		t.Fatalf("steps = %+v, ok = %v", steps, ok)
	}
	data := steps[0].Data.(map[string]any)
	if data["id"] != "e1" {
		t.Errorf("data = %v", data)
	}
}

func TestExecuteChainsResults(t *testing.T) {
	caller := newFakeCaller()
	caller.on("calendar", "list_events", func(map[string]any) (any, error) {
		return map[string]any{"events": []any{map[string]any{"id": "e1"}}}, nil
	})
	caller.on("calendar", "delete_event", func(args map[string]any) (any, error) {
		if args["eventId"] != "e1" {
			t.Errorf("eventId = %v", args["eventId"])
		}
		return map[string]any{"deleted": true}, nil
	})
	exec := newTestExecutor(caller, calendarCatalog())

	steps, ok := exec.Execute(context.Background(), "u1", "delete my meeting", "", plan(
		models.PlanStep{Provider: "calendar", Tool: "list_events", Params: map[string]any{}},
		models.PlanStep{Provider: "calendar", Tool: "delete_event", Params: map[string]any{
			"eventId": "{{results[0].events[0].id}}",
		}},
	), nil)

	if !ok || len(steps) != 2 {
		t.Fatalf("steps = %d, ok = %v", len(steps), ok)
	}
}

func TestExecuteShortCircuitsOnFailure(t *testing.T) {
	caller := newFakeCaller()
	caller.on("calendar", "list_events", func(map[string]any) (any, error) {
		return nil, errors.New("backend exploded")
	})
	exec := newTestExecutor(caller, calendarCatalog())

	var events []models.ProgressKind
	steps, ok := exec.Execute(context.Background(), "u1", "tidy up", "", plan(
		models.PlanStep{Provider: "calendar", Tool: "list_events"},
		models.PlanStep{Provider: "calendar", Tool: "delete_event"},
	), func(ev *models.ProgressEvent) { events = append(events, ev.Kind) })

	if ok {
		t.Error("ok = true, want false")
	}
	if len(steps) != 1 {
		t.Fatalf("steps = %d, want 1 (short circuit)", len(steps))
	}
	if steps[0].Error == "" {
		t.Error("missing error text")
	}
	sawError := false
	for _, kind := range events {
		if kind == models.ProgressError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("no error progress event emitted")
	}
}

func TestExecuteIteration(t *testing.T) {
	caller := newFakeCaller()
	caller.on("calendar", "list_events", func(map[string]any) (any, error) {
		return map[string]any{"events": []any{
			map[string]any{"id": "e1"},
			map[string]any{"id": "e2"},
			map[string]any{"id": "e3"},
		}}, nil
	})
	caller.on("calendar", "delete_event", func(args map[string]any) (any, error) {
		if args["eventId"] == "e2" {
			return nil, errors.New("gone already")
		}
		return map[string]any{"deleted": true}, nil
	})
	exec := newTestExecutor(caller, calendarCatalog())

	steps, ok := exec.Execute(context.Background(), "u1", "delete all my events", "", plan(
		models.PlanStep{Provider: "calendar", Tool: "list_events", Params: map[string]any{}},
		models.PlanStep{Provider: "calendar", Tool: "delete_event",
			Params:      map[string]any{"eventId": "_currentItem.id"},
			IterateOver: "{{results[0].events}}"},
	), nil)

	if !ok {
		t.Fatal("ok = false, want true (partial success)")
	}
	iter, isIter := steps[1].Data.(models.IterationData)
	if !isIter {
		t.Fatalf("Data = %T", steps[1].Data)
	}
	if iter.IterationCount != 3 || iter.SuccessCount != 2 {
		t.Errorf("iteration = %+v", iter)
	}
	if !steps[1].Success {
		t.Error("aggregate Success = false with 2 successes")
	}
	if len(iter.PerItem) != 3 || iter.PerItem[1].Error == "" {
		t.Errorf("per item = %+v", iter.PerItem)
	}
}

func TestExecuteIterationAliasesID(t *testing.T) {
	caller := newFakeCaller()
	caller.on("calendar", "delete_event", func(args map[string]any) (any, error) {
		if args["eventId"] != "e9" {
			t.Errorf("eventId = %v, want aliased e9", args["eventId"])
		}
		return "ok", nil
	})
	caller.on("calendar", "list_events", func(map[string]any) (any, error) {
		return map[string]any{"events": []any{map[string]any{"id": "e9"}}}, nil
	})
	exec := newTestExecutor(caller, calendarCatalog())

	_, ok := exec.Execute(context.Background(), "u1", "clear my calendar for today", "", plan(
		models.PlanStep{Provider: "calendar", Tool: "list_events", Params: map[string]any{}},
		models.PlanStep{Provider: "calendar", Tool: "delete_event",
			Params:      map[string]any{},
			IterateOver: "{{results[0].events}}"},
	), nil)
	if !ok {
		t.Fatal("ok = false")
	}
}

func TestExecuteEmptyIteration(t *testing.T) {
	caller := newFakeCaller()
	caller.on("calendar", "list_events", func(map[string]any) (any, error) {
		return map[string]any{"events": []any{}}, nil
	})
	exec := newTestExecutor(caller, calendarCatalog())

	steps, ok := exec.Execute(context.Background(), "u1", "delete everything next month", "", plan(
		models.PlanStep{Provider: "calendar", Tool: "list_events", Params: map[string]any{}},
		models.PlanStep{Provider: "calendar", Tool: "delete_event",
			IterateOver: "{{results[0].events}}"},
	), nil)

	if !ok {
		// the listing succeeded, so the run still counts a success
		t.Error("ok = false, want true")
	}
	if len(steps) != 2 {
		t.Fatalf("steps = %d", len(steps))
	}
	if steps[1].Success || steps[1].Error != "no items to iterate over" {
		t.Errorf("iteration step = %+v", steps[1])
	}
}

func TestExecuteRetriesEmptyListing(t *testing.T) {
	caller := newFakeCaller()
	first := true
	caller.on("calendar", "list_events", func(args map[string]any) (any, error) {
		if first {
			first = false
			return map[string]any{"events": []any{}}, nil
		}
		if args["timeMin"] != "today" || args["timeMax"] != "in 7 days" {
			t.Errorf("retry window = %v / %v", args["timeMin"], args["timeMax"])
		}
		return map[string]any{"events": []any{map[string]any{"id": "e1"}}}, nil
	})
	exec := newTestExecutor(caller, calendarCatalog())

	steps, ok := exec.Execute(context.Background(), "u1", "what's on my calendar today", "", plan(
		models.PlanStep{Provider: "calendar", Tool: "list_events", Params: map[string]any{
			"timeMin": "2026-08-24T00:00:00Z",
			"timeMax": "2026-08-24T23:59:59Z",
		}},
	), nil)

	if !ok {
		t.Fatal("ok = false")
	}
	if caller.callCount() != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", caller.callCount())
	}
	data := steps[0].Data.(map[string]any)
	if len(data["events"].([]any)) != 1 {
		t.Errorf("data = %v", data)
	}
}

func TestExecuteRetriesWhenContextMentionsCreatedItems(t *testing.T) {
	caller := newFakeCaller()
	first := true
	caller.on("calendar", "list_events", func(args map[string]any) (any, error) {
		if first {
			first = false
			return map[string]any{"events": []any{}}, nil
		}
		if args["timeMin"] != "today" || args["timeMax"] != "in 7 days" {
			t.Errorf("retry window = %v / %v", args["timeMin"], args["timeMax"])
		}
		return map[string]any{"events": []any{map[string]any{"id": "e1"}}}, nil
	})
	exec := newTestExecutor(caller, calendarCatalog())

	// the follow-up query itself has no time cue; the cue comes from the
	// conversation history
	contextBlock := "User: schedule an empty meeting\nAssistant: Created 'empty meeting' for tomorrow at 3pm."
	_, ok := exec.Execute(context.Background(), "u1", "update it to 5pm", contextBlock, plan(
		models.PlanStep{Provider: "calendar", Tool: "list_events", Params: map[string]any{
			"timeMin": "2026-08-25T15:00:00Z",
			"timeMax": "2026-08-25T15:30:00Z",
		}},
	), nil)

	if !ok {
		t.Fatal("ok = false")
	}
	if caller.callCount() != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", caller.callCount())
	}
}

func TestExecuteNoRetryWithoutRecentCue(t *testing.T) {
	caller := newFakeCaller()
	caller.on("calendar", "list_events", func(map[string]any) (any, error) {
		return map[string]any{"events": []any{}}, nil
	})
	exec := newTestExecutor(caller, calendarCatalog())

	_, _ = exec.Execute(context.Background(), "u1", "show my events for march 2030", "", plan(
		models.PlanStep{Provider: "calendar", Tool: "list_events", Params: map[string]any{
			"timeMin": "2030-03-01T00:00:00Z",
		}},
	), nil)

	if caller.callCount() != 1 {
		t.Errorf("calls = %d, want 1", caller.callCount())
	}
}

func TestExecuteIterationEmitsPerItemProgress(t *testing.T) {
	caller := newFakeCaller()
	caller.on("calendar", "list_events", func(map[string]any) (any, error) {
		return map[string]any{"events": []any{
			map[string]any{"id": "e1"},
			map[string]any{"id": "e2"},
			map[string]any{"id": "e3"},
		}}, nil
	})
	caller.on("calendar", "delete_event", func(args map[string]any) (any, error) {
		if args["eventId"] == "e2" {
			return nil, errors.New("gone already")
		}
		return map[string]any{"deleted": true}, nil
	})
	exec := newTestExecutor(caller, calendarCatalog())

	var events []*models.ProgressEvent
	_, ok := exec.Execute(context.Background(), "u1", "delete all my events", "", plan(
		models.PlanStep{Provider: "calendar", Tool: "list_events", Params: map[string]any{}},
		models.PlanStep{Provider: "calendar", Tool: "delete_event",
			Params:      map[string]any{},
			IterateOver: "{{results[0].events}}"},
	), func(ev *models.ProgressEvent) { events = append(events, ev) })

	if !ok {
		t.Fatal("ok = false")
	}
	var perItem []models.ProgressKind
	for _, ev := range events {
		if strings.Contains(ev.Message, " item ") {
			perItem = append(perItem, ev.Kind)
		}
	}
	if len(perItem) != 3 {
		t.Fatalf("per-item events = %d, want 3", len(perItem))
	}
	want := []models.ProgressKind{models.ProgressCompleted, models.ProgressError, models.ProgressCompleted}
	for i, kind := range want {
		if perItem[i] != kind {
			t.Errorf("per-item event %d = %s, want %s", i, perItem[i], kind)
		}
	}
}

func TestExecuteUnwrapsEnvelope(t *testing.T) {
	caller := newFakeCaller()
	caller.on("calendar", "create_event", func(map[string]any) (any, error) {
		return map[string]any{"success": true, "data": map[string]any{"id": "e5"}}, nil
	})
	exec := newTestExecutor(caller, calendarCatalog())

	steps, _ := exec.Execute(context.Background(), "u1", "book a slot", "", plan(
		models.PlanStep{Provider: "calendar", Tool: "create_event", Params: map[string]any{"title": "x"}},
	), nil)

	data := steps[0].Data.(map[string]any)
	if data["id"] != "e5" {
		t.Errorf("Data = %v, want unwrapped payload", steps[0].Data)
	}
}

func TestValidateArgsRejectsBadParams(t *testing.T) {
	catalog := &fakeCatalog{tools: map[string][]mcp.ToolSchema{
		"calendar": {{
			Name: "create_event",
			RawSchema: []byte(`{
				"type": "object",
				"properties": {"title": {"type": "string"}},
				"required": ["title"]
			}`),
		}},
	}}
	caller := newFakeCaller()
	exec := newTestExecutor(caller, catalog)

	steps, ok := exec.Execute(context.Background(), "u1", "book it", "", plan(
		models.PlanStep{Provider: "calendar", Tool: "create_event", Params: map[string]any{"start": "3pm"}},
	), nil)

	if ok {
		t.Error("ok = true, want false")
	}
	if steps[0].Success || steps[0].Error == "" {
		t.Errorf("step = %+v", steps[0])
	}
	if caller.callCount() != 0 {
		t.Errorf("tool was called despite invalid args")
	}
}

func TestZeroResult(t *testing.T) {
	tests := []struct {
		name string
		data any
		want bool
	}{
		{"nil", nil, true},
		{"empty array", []any{}, true},
		{"map with empty arrays", map[string]any{"events": []any{}}, true},
		{"map with items", map[string]any{"events": []any{1}}, false},
		{"map without arrays", map[string]any{"id": "x"}, false},
		{"scalar", "hello", false},
		{"wrapped empty", map[string]any{"success": true, "data": []any{}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := zeroResult(tt.data); got != tt.want {
				t.Errorf("zeroResult(%v) = %v, want %v", tt.data, got, tt.want)
			}
		})
	}
}
