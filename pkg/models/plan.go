package models

// Plan is an ordered list of tool invocations produced by the planner.
type Plan struct {
	Steps                 []PlanStep `json:"steps"`
	NeedsClarification    bool       `json:"needs_clarification"`
	ClarificationQuestion string     `json:"clarification_question,omitempty"`
	Confidence            float64    `json:"confidence"`
	Rationale             string     `json:"rationale,omitempty"`
}

// PlanStep is one entry of a plan. Params values may be literals or template
// references of the form {{results[i].path}}; IterateOver, when set, points at
// an array in a previous step's result and fans the step out per element.
type PlanStep struct {
	Provider    string         `json:"provider"`
	Tool        string         `json:"tool"`
	Params      map[string]any `json:"params"`
	IterateOver string         `json:"iterate_over,omitempty"`
	Reasoning   string         `json:"reasoning,omitempty"`
}

// StepResult records the outcome of a single executed plan step.
type StepResult struct {
	Success    bool   `json:"success"`
	Provider   string `json:"provider"`
	Tool       string `json:"tool"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// IterationData aggregates per-item results when a step fanned out.
type IterationData struct {
	IterationCount int          `json:"iteration_count"`
	SuccessCount   int          `json:"success_count"`
	PerItem        []StepResult `json:"per_item"`
}

// OrchestrationResult is the final outcome of a processed query.
type OrchestrationResult struct {
	Success               bool         `json:"success"`
	Reply                 string       `json:"reply,omitempty"`
	Steps                 []StepResult `json:"steps,omitempty"`
	TotalMs               int64        `json:"total_ms"`
	NeedsClarification    bool         `json:"needs_clarification,omitempty"`
	ClarificationQuestion string       `json:"clarification_question,omitempty"`
	ConfirmationID        string       `json:"confirmation_id,omitempty"`
	RiskSummary           string       `json:"risk_summary,omitempty"`
}

// ConfirmationPending reports whether the result paused on the risk gate.
func (r *OrchestrationResult) ConfirmationPending() bool {
	return r.ConfirmationID != ""
}
