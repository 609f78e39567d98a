package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/voicewire/voicewire/internal/mcp"
	"github.com/voicewire/voicewire/internal/observability"
	"github.com/voicewire/voicewire/pkg/models"
)

// Words in the query that suggest the user means items near the present.
// A zero-result list call under one of these gets a single retry with a
// broadened time window.
var recentWords = []string{"today", "recent", "upcoming", "latest", "this week", "now"}

// contextItemWords flag a conversation that just created or found items, so
// an empty follow-up listing earns the broadened retry even when the query
// itself carries no time cue.
var contextItemWords = []string{"created", "found", "scheduled", "added"}

// ToolCaller invokes tools on a user's connected providers. *mcp.Manager
// satisfies it.
type ToolCaller interface {
	CallTool(ctx context.Context, userID, provider, tool string, args map[string]any) (any, error)
}

// Catalog exposes the user's discovered tool schemas. *mcp.Registry
// satisfies it.
type Catalog interface {
	Snapshot(ctx context.Context, userID string) (map[string][]mcp.ToolSchema, error)
	Find(ctx context.Context, userID, provider, tool string) (mcp.ToolSchema, bool)
}

// Executor runs a plan's steps in order against the MCP manager.
type Executor struct {
	manager  ToolCaller
	registry Catalog
	logger   *observability.Logger
	metrics  *observability.Metrics

	// continueOnItemFailure keeps iterating after a per-item error so one
	// bad element does not abandon the rest of the fan-out.
	continueOnItemFailure bool
}

// NewExecutor creates an executor over the given manager and registry.
func NewExecutor(manager ToolCaller, registry Catalog, logger *observability.Logger, metrics *observability.Metrics) *Executor {
	return &Executor{
		manager:               manager,
		registry:              registry,
		logger:                logger.WithFields("component", "executor"),
		metrics:               metrics,
		continueOnItemFailure: true,
	}
}

// Execute runs every step, feeding each step's unwrapped result into the
// template context of later steps. It stops at the first failed step;
// overall success means at least one step succeeded. contextBlock is the
// rendered conversation history and feeds the empty-listing retry cue.
func (e *Executor) Execute(ctx context.Context, userID, query, contextBlock string, plan *models.Plan, emit func(*models.ProgressEvent)) ([]models.StepResult, bool) {
	results := make([]models.StepResult, 0, len(plan.Steps))
	resultData := make([]any, 0, len(plan.Steps))
	anySuccess := false

	for i := range plan.Steps {
		step := &plan.Steps[i]
		progress(emit, models.ProgressExecuting, fmt.Sprintf("Running %s.%s (step %d of %d)", step.Provider, step.Tool, i+1, len(plan.Steps)))

		stepCtx, span := observability.StartSpan(ctx, "executor.step")
		var result models.StepResult
		if step.IterateOver != "" {
			result = e.runIteration(stepCtx, userID, step, resultData, emit)
		} else {
			result = e.runStep(stepCtx, userID, query, contextBlock, step, resultData)
		}
		var stepErr error
		if result.Error != "" {
			stepErr = errors.New(result.Error)
		}
		observability.EndSpan(span, stepErr)

		results = append(results, result)
		resultData = append(resultData, result.Data)
		e.countStep(step, result.Success)

		if result.Success {
			anySuccess = true
			progress(emit, models.ProgressCompleted, fmt.Sprintf("%s.%s done", step.Provider, step.Tool))
			continue
		}

		progress(emit, models.ProgressError, fmt.Sprintf("%s.%s failed: %s", step.Provider, step.Tool, result.Error))
		e.logger.Warn(ctx, "plan step failed",
			"provider", step.Provider, "tool", step.Tool, "error", result.Error)
		break
	}

	return results, anySuccess
}

func (e *Executor) countStep(step *models.PlanStep, ok bool) {
	if e.metrics == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	e.metrics.PlanStepCounter.WithLabelValues(step.Provider, step.Tool, status).Inc()
}

// runStep executes a single non-iterated step: resolve templates, validate
// arguments, call the tool, and retry once with a broadened window when a
// listing came back empty but the query or the conversation context points
// at the present.
func (e *Executor) runStep(ctx context.Context, userID, query, contextBlock string, step *models.PlanStep, resultData []any) models.StepResult {
	start := time.Now()
	result := models.StepResult{Provider: step.Provider, Tool: step.Tool}

	params := resolveParams(step.Params, resultData, nil)
	if err := e.validateArgs(ctx, userID, step.Provider, step.Tool, params); err != nil {
		result.Error = err.Error()
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	data, err := e.manager.CallTool(ctx, userID, step.Provider, step.Tool, params)
	if err == nil && zeroResult(data) && isListing(step.Tool) && (mentionsRecent(query) || mentionsRecentItems(contextBlock)) {
		if broadened, changed := broadenWindow(params); changed {
			e.logger.Debug(ctx, "retrying empty listing with broadened window",
				"provider", step.Provider, "tool", step.Tool)
			data, err = e.manager.CallTool(ctx, userID, step.Provider, step.Tool, broadened)
		}
	}

	result.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = describeError(err)
		return result
	}
	result.Success = true
	result.Data = unwrapEnvelope(data)
	return result
}

// runIteration fans the step out over an array from a previous result,
// emitting one progress event per item. An empty or non-array target is a
// step failure.
func (e *Executor) runIteration(ctx context.Context, userID string, step *models.PlanStep, resultData []any, emit func(*models.ProgressEvent)) models.StepResult {
	start := time.Now()
	result := models.StepResult{Provider: step.Provider, Tool: step.Tool}

	target, _ := resolveReference(step.IterateOver, resultData, nil)
	items, ok := target.([]any)
	if !ok || len(items) == 0 {
		result.Error = "no items to iterate over"
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	iteration := models.IterationData{IterationCount: len(items)}
	for i, item := range items {
		params := itemParams(step.Params, resultData, item)

		itemStart := time.Now()
		per := models.StepResult{Provider: step.Provider, Tool: step.Tool}
		data, err := e.manager.CallTool(ctx, userID, step.Provider, step.Tool, params)
		per.DurationMs = time.Since(itemStart).Milliseconds()
		if err != nil {
			per.Error = describeError(err)
			progress(emit, models.ProgressError, fmt.Sprintf("%s.%s item %d of %d failed: %s", step.Provider, step.Tool, i+1, len(items), per.Error))
		} else {
			per.Success = true
			per.Data = unwrapEnvelope(data)
			iteration.SuccessCount++
			progress(emit, models.ProgressCompleted, fmt.Sprintf("%s.%s item %d of %d done", step.Provider, step.Tool, i+1, len(items)))
		}
		iteration.PerItem = append(iteration.PerItem, per)

		if err != nil && !e.continueOnItemFailure {
			break
		}
	}

	result.DurationMs = time.Since(start).Milliseconds()
	result.Success = iteration.SuccessCount > 0
	result.Data = iteration
	if !result.Success {
		result.Error = fmt.Sprintf("all %d items failed", iteration.IterationCount)
	}
	return result
}

// itemParams merges the iterated item into the step's params. Planner
// literals win over item fields; an item "id" covers a missing "eventId".
func itemParams(base map[string]any, resultData []any, item any) map[string]any {
	merged := make(map[string]any)
	if fields, ok := item.(map[string]any); ok {
		for k, v := range fields {
			merged[k] = v
		}
	}
	for k, v := range resolveParams(base, resultData, item) {
		merged[k] = v
	}
	if _, ok := merged["eventId"]; !ok {
		if fields, ok := item.(map[string]any); ok {
			if id, ok := fields["id"]; ok {
				merged["eventId"] = id
			}
		}
	}
	return merged
}

// validateArgs checks resolved params against the tool's advertised JSON
// schema when one is available. Tools without a schema pass through.
func (e *Executor) validateArgs(ctx context.Context, userID, provider, tool string, params map[string]any) error {
	schema, ok := e.registry.Find(ctx, userID, provider, tool)
	if !ok || len(schema.RawSchema) == 0 {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", bytes.NewReader(schema.RawSchema)); err != nil {
		return nil
	}
	compiled, err := compiler.Compile("tool.json")
	if err != nil {
		return nil
	}

	// round-trip through JSON so params use the decoded types the
	// validator expects
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("arguments for %s are not serializable: %w", tool, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("invalid arguments for %s: %v", tool, err)
	}
	return nil
}

func isListing(tool string) bool {
	lowered := strings.ToLower(tool)
	return strings.HasPrefix(lowered, "list") || strings.HasPrefix(lowered, "search") || strings.HasPrefix(lowered, "find")
}

func mentionsRecent(query string) bool {
	lowered := strings.ToLower(query)
	for _, word := range recentWords {
		if strings.Contains(lowered, word) {
			return true
		}
	}
	return false
}

func mentionsRecentItems(contextBlock string) bool {
	if contextBlock == "" {
		return false
	}
	lowered := strings.ToLower(contextBlock)
	for _, word := range contextItemWords {
		if strings.Contains(lowered, word) {
			return true
		}
	}
	return mentionsRecent(contextBlock)
}

// broadenWindow widens the time bounds a planner tends to over-narrow.
func broadenWindow(params map[string]any) (map[string]any, bool) {
	changed := false
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	if _, ok := out["timeMin"]; ok {
		out["timeMin"] = "today"
		changed = true
	}
	if _, ok := out["timeMax"]; ok {
		out["timeMax"] = "in 7 days"
		changed = true
	}
	return out, changed
}

// zeroResult reports whether a tool result carries no items.
func zeroResult(data any) bool {
	switch v := unwrapEnvelope(data).(type) {
	case nil:
		return true
	case []any:
		return len(v) == 0
	case map[string]any:
		sawArray := false
		for _, inner := range v {
			if arr, ok := inner.([]any); ok {
				sawArray = true
				if len(arr) > 0 {
					return false
				}
			}
		}
		return sawArray
	default:
		return false
	}
}

// unwrapEnvelope strips the common {"success": ..., "data": ...} wrapper
// some servers put around their payloads.
func unwrapEnvelope(data any) any {
	obj, ok := data.(map[string]any)
	if !ok {
		return data
	}
	if _, ok := obj["success"]; !ok {
		return data
	}
	inner, ok := obj["data"]
	if !ok {
		return data
	}
	return inner
}

// describeError prefers the actionable hint over the raw error chain.
func describeError(err error) string {
	if hint := mcp.UserHint(err); hint != "" {
		return hint
	}
	return err.Error()
}

func progress(emit func(*models.ProgressEvent), kind models.ProgressKind, message string) {
	if emit == nil {
		return
	}
	emit(&models.ProgressEvent{Kind: kind, Message: message, At: time.Now()})
}
