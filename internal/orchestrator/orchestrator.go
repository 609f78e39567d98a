package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/voicewire/voicewire/internal/observability"
	"github.com/voicewire/voicewire/internal/planner"
	"github.com/voicewire/voicewire/internal/risk"
	"github.com/voicewire/voicewire/internal/sessions"
	"github.com/voicewire/voicewire/pkg/models"
)

const (
	// defaultQueryTimeout bounds one end-to-end query when the caller did
	// not set a deadline.
	defaultQueryTimeout = 60 * time.Second

	// maxStoredToolResults caps the tool output persisted with a turn.
	maxStoredToolResults = 2000
)

// ErrSessionBusy means another query for the same session is still running.
var ErrSessionBusy = errors.New("a query for this session is already in progress; try again shortly")

// Orchestrator is the facade: it routes a transcribed query, synthesizes a
// plan against the user's connected tools, gates risky plans on
// confirmation, executes, and persists the turn.
type Orchestrator struct {
	sessions *sessions.Manager
	context  *sessions.ContextBuilder
	planner  *planner.Planner
	registry Catalog
	executor *Executor
	assessor *risk.Assessor
	confirms *confirmStore
	logger   *observability.Logger
	metrics  *observability.Metrics
	timeout  time.Duration

	mu       sync.Mutex
	inflight map[string]bool
}

// New wires the orchestrator facade.
func New(sessionMgr *sessions.Manager, contextBuilder *sessions.ContextBuilder, plan *planner.Planner, registry Catalog, executor *Executor, logger *observability.Logger, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		sessions: sessionMgr,
		context:  contextBuilder,
		planner:  plan,
		registry: registry,
		executor: executor,
		assessor: risk.NewAssessor(),
		confirms: newConfirmStore(),
		logger:   logger.WithFields("component", "orchestrator"),
		metrics:  metrics,
		timeout:  defaultQueryTimeout,
		inflight: make(map[string]bool),
	}
}

// SetQueryTimeout overrides the default per-query deadline.
func (o *Orchestrator) SetQueryTimeout(d time.Duration) {
	if d > 0 {
		o.timeout = d
	}
}

// ProcessQuery handles one transcribed utterance end to end. Progress events
// stream through emit (which may be nil); the stream always terminates with
// a done event carrying the final result.
func (o *Orchestrator) ProcessQuery(ctx context.Context, userID, query string, mode models.SessionMode, emit func(*models.ProgressEvent)) (*models.OrchestrationResult, error) {
	start := time.Now()

	session, err := o.sessions.GetOrCreateActive(ctx, userID, mode)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: session: %w", err)
	}
	if !o.acquire(session.ID) {
		return nil, ErrSessionBusy
	}
	defer o.release(session.ID)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	ctx = observability.AddSessionID(observability.AddUserID(ctx, userID), session.ID)

	ctx, span := observability.StartSpan(ctx, "orchestrator.ProcessQuery")
	result, err := o.process(ctx, session, userID, query, emit)
	observability.EndSpan(span, err)
	if err != nil {
		progress(emit, models.ProgressError, describeError(err))
		o.emitDone(emit, nil)
		o.observe(start, "error")
		return nil, err
	}

	result.TotalMs = time.Since(start).Milliseconds()
	o.emitDone(emit, result)
	o.observe(start, outcome(result))
	return result, nil
}

func (o *Orchestrator) process(ctx context.Context, session *models.Session, userID, query string, emit func(*models.ProgressEvent)) (*models.OrchestrationResult, error) {
	contextBlock, err := o.context.Build(ctx, session)
	if err != nil {
		o.logger.Warn(ctx, "context build failed, continuing without history", "error", err)
		contextBlock = ""
	}

	progress(emit, models.ProgressAnalyzing, "Understanding your request")
	intent, err := o.planner.Route(ctx, query, contextBlock)
	if err != nil {
		return nil, err
	}

	if intent.Type == planner.IntentConversational {
		reply, err := o.planner.Reply(ctx, query, contextBlock)
		if err != nil {
			return nil, err
		}
		o.recordTurn(ctx, session.ID, query, reply, nil, 0)
		return &models.OrchestrationResult{Success: true, Reply: reply}, nil
	}

	progress(emit, models.ProgressDiscovering, "Checking your connected services")
	catalog, err := o.registry.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(catalog) == 0 {
		question := "You don't have any services connected yet. Connect a service and try again."
		o.recordTurn(ctx, session.ID, query, question, nil, 0)
		return &models.OrchestrationResult{
			NeedsClarification:    true,
			ClarificationQuestion: question,
		}, nil
	}

	progress(emit, models.ProgressSelecting, "Choosing the right tools")
	plan, err := o.planner.Plan(ctx, query, contextBlock, catalog)
	if err != nil {
		return nil, err
	}
	if plan.NeedsClarification {
		o.recordTurn(ctx, session.ID, query, plan.ClarificationQuestion, nil, 0)
		return &models.OrchestrationResult{
			NeedsClarification:    true,
			ClarificationQuestion: plan.ClarificationQuestion,
		}, nil
	}

	_, overall := o.assessor.AssessPlan(query, stepPointers(plan))
	if overall.RequiresConfirmation() {
		id := o.confirms.Put(&pendingPlan{
			UserID:       userID,
			SessionID:    session.ID,
			Query:        query,
			ContextBlock: contextBlock,
			Plan:         plan,
			Assessment:   overall,
		})
		summary := risk.Summary(overall)
		o.logger.Info(ctx, "plan paused on risk gate", "level", overall.Level.String())
		return &models.OrchestrationResult{
			ConfirmationID: id,
			RiskSummary:    summary,
			Reply:          confirmationPrompt(overall, summary),
		}, nil
	}

	return o.run(ctx, session.ID, userID, query, contextBlock, plan, emit), nil
}

// Confirm resumes a plan paused on the risk gate. A response that does not
// satisfy the gate discards the plan.
func (o *Orchestrator) Confirm(ctx context.Context, confirmationID, response string, emit func(*models.ProgressEvent)) (*models.OrchestrationResult, error) {
	pending, ok := o.confirms.Take(confirmationID)
	if !ok {
		return nil, errors.New("confirmation not found or expired; please repeat the request")
	}

	if !risk.Satisfies(pending.Assessment.Level, response) {
		o.logger.Info(ctx, "confirmation declined, plan discarded",
			"level", pending.Assessment.Level.String())
		return nil, fmt.Errorf("confirmation %q does not authorize a %s action; the plan was discarded",
			strings.TrimSpace(response), pending.Assessment.Level)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	ctx = observability.AddSessionID(observability.AddUserID(ctx, pending.UserID), pending.SessionID)

	start := time.Now()
	result := o.run(ctx, pending.SessionID, pending.UserID, pending.Query, pending.ContextBlock, pending.Plan, emit)
	result.TotalMs = time.Since(start).Milliseconds()
	o.emitDone(emit, result)
	o.observe(start, outcome(result))
	return result, nil
}

// run executes an approved plan and persists the turn.
func (o *Orchestrator) run(ctx context.Context, sessionID, userID, query, contextBlock string, plan *models.Plan, emit func(*models.ProgressEvent)) *models.OrchestrationResult {
	start := time.Now()
	steps, ok := o.executor.Execute(ctx, userID, query, contextBlock, plan, emit)
	reply := buildReply(plan, steps, ok)

	o.recordTurn(ctx, sessionID, query, reply, steps, time.Since(start).Milliseconds())

	return &models.OrchestrationResult{
		Success: ok,
		Reply:   reply,
		Steps:   steps,
	}
}

func (o *Orchestrator) recordTurn(ctx context.Context, sessionID, query, reply string, steps []models.StepResult, durationMs int64) {
	turn := &models.SessionTurn{
		UserQuery:  query,
		Reply:      reply,
		DurationMs: durationMs,
	}
	if len(steps) > 0 {
		turn.ToolResults = compressResults(steps)
	}
	if err := o.sessions.RecordTurn(ctx, sessionID, turn); err != nil {
		o.logger.Error(ctx, "failed to persist turn", "error", err)
	}
}

func (o *Orchestrator) emitDone(emit func(*models.ProgressEvent), result *models.OrchestrationResult) {
	if emit == nil {
		return
	}
	emit(&models.ProgressEvent{Kind: models.ProgressDone, At: time.Now(), Payload: result})
}

func (o *Orchestrator) acquire(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[sessionID] {
		return false
	}
	o.inflight[sessionID] = true
	return true
}

func (o *Orchestrator) release(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, sessionID)
}

func (o *Orchestrator) observe(start time.Time, outcome string) {
	if o.metrics == nil {
		return
	}
	o.metrics.QueryCounter.WithLabelValues(outcome).Inc()
	o.metrics.QueryDuration.Observe(time.Since(start).Seconds())
}

func outcome(result *models.OrchestrationResult) string {
	switch {
	case result.ConfirmationPending():
		return "confirmation"
	case result.NeedsClarification:
		return "clarification"
	case result.Success:
		return "success"
	default:
		return "error"
	}
}

func stepPointers(plan *models.Plan) []*models.PlanStep {
	out := make([]*models.PlanStep, len(plan.Steps))
	for i := range plan.Steps {
		out[i] = &plan.Steps[i]
	}
	return out
}

func confirmationPrompt(assessment *models.RiskAssessment, summary string) string {
	if assessment.RequiresManualApproval() {
		return summary + ` Say "APPROVED" to proceed.`
	}
	return summary + ` Say "confirm" or "yes" to proceed.`
}

// buildReply renders the spoken summary of an executed plan.
func buildReply(plan *models.Plan, steps []models.StepResult, ok bool) string {
	if !ok {
		for _, step := range steps {
			if step.Error != "" {
				return fmt.Sprintf("I couldn't finish that: %s", step.Error)
			}
		}
		return "I couldn't finish that."
	}

	last := steps[len(steps)-1]
	if iter, isIter := last.Data.(models.IterationData); isIter {
		if iter.SuccessCount == iter.IterationCount {
			return fmt.Sprintf("Done. Handled all %d items.", iter.IterationCount)
		}
		return fmt.Sprintf("Partly done. %d of %d items succeeded.", iter.SuccessCount, iter.IterationCount)
	}
	if plan.Rationale != "" {
		return "Done. " + plan.Rationale
	}
	return "Done."
}

// compressResults serializes step outcomes for turn storage, truncated so a
// huge listing cannot bloat the session history.
func compressResults(steps []models.StepResult) string {
	type compact struct {
		Tool    string `json:"tool"`
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
		Data    any    `json:"data,omitempty"`
	}
	out := make([]compact, len(steps))
	for i, step := range steps {
		out[i] = compact{Tool: step.Provider + "." + step.Tool, Success: step.Success, Error: step.Error, Data: step.Data}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return ""
	}
	if len(raw) > maxStoredToolResults {
		return string(raw[:maxStoredToolResults])
	}
	return string(raw)
}
