// Package planner turns transcribed voice queries into executable tool
// plans via a two-stage LLM cascade: an intent router, then a plan
// synthesizer constrained to the user's tool catalog.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voicewire/voicewire/internal/llm"
	"github.com/voicewire/voicewire/internal/mcp"
	"github.com/voicewire/voicewire/internal/observability"
	"github.com/voicewire/voicewire/pkg/models"
)

// planTemperature keeps both stages near-deterministic.
const planTemperature = 0.1

// IntentType is the router's verdict.
type IntentType string

const (
	IntentConversational IntentType = "conversational"
	IntentAction         IntentType = "action"
)

// Intent is the Stage A output.
type Intent struct {
	Type       IntentType `json:"type"`
	Confidence float64    `json:"confidence"`
	Reasoning  string     `json:"reasoning"`
}

// Planner runs the routing and synthesis stages.
type Planner struct {
	client  llm.Client
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New creates a planner over the given LLM client.
func New(client llm.Client, logger *observability.Logger, metrics *observability.Metrics) *Planner {
	return &Planner{
		client:  client,
		logger:  logger.WithFields("component", "planner"),
		metrics: metrics,
	}
}

func (p *Planner) count(stage string, err error) {
	if p.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.LLMRequestCounter.WithLabelValues(stage, status).Inc()
}

// Route classifies the query as conversational or action. Unparseable
// responses default to action; the synthesizer will clarify if needed.
func (p *Planner) Route(ctx context.Context, query, contextBlock string) (*Intent, error) {
	prompt := query
	if contextBlock != "" {
		prompt = fmt.Sprintf("Conversation so far:\n%s\n\nCurrent message: %s", contextBlock, query)
	}

	reply, err := p.client.Complete(ctx, &llm.Request{
		System:      routerSystem,
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: planTemperature,
		MaxTokens:   200,
	})
	p.count("router", err)
	if err != nil {
		return nil, fmt.Errorf("planner: route: %w", err)
	}

	var intent Intent
	if err := decodeStrict(reply, &intent); err != nil || (intent.Type != IntentConversational && intent.Type != IntentAction) {
		p.logger.Warn(ctx, "router reply unparseable, defaulting to action", "reply", reply)
		return &Intent{Type: IntentAction, Confidence: 0, Reasoning: "router reply unparseable"}, nil
	}
	return &intent, nil
}

// Reply produces the short conversational answer for non-action queries.
func (p *Planner) Reply(ctx context.Context, query, contextBlock string) (string, error) {
	prompt := query
	if contextBlock != "" {
		prompt = fmt.Sprintf("Conversation so far:\n%s\n\nCurrent message: %s", contextBlock, query)
	}

	reply, err := p.client.Complete(ctx, &llm.Request{
		System:      replySystem,
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: 0.5,
		MaxTokens:   100,
	})
	p.count("reply", err)
	if err != nil {
		return "", fmt.Errorf("planner: reply: %w", err)
	}
	return strings.TrimSpace(reply), nil
}

// wire format of the Stage B response
type planResponse struct {
	SelectedTools []struct {
		Service     string         `json:"service"`
		Tool        string         `json:"tool"`
		Params      map[string]any `json:"params"`
		IterateOver string         `json:"iterateOver"`
		Reasoning   string         `json:"reasoning"`
	} `json:"selectedTools"`
	ExecutionPlan         string  `json:"executionPlan"`
	Confidence            float64 `json:"confidence"`
	NeedsClarification    bool    `json:"needsClarification"`
	ClarificationQuestion string  `json:"clarificationQuestion"`
}

// Plan synthesizes the tool plan for an action query against the user's
// catalog. Malformed responses and catalog violations degrade to a
// clarification request, never to an invented plan.
func (p *Planner) Plan(ctx context.Context, query, contextBlock string, catalog map[string][]mcp.ToolSchema) (*models.Plan, error) {
	ctx, span := observability.StartSpan(ctx, "planner.Plan")
	defer span.End()

	prompt := buildPlanPrompt(query, contextBlock, catalog)

	reply, err := p.client.Complete(ctx, &llm.Request{
		System:      plannerSystem,
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: planTemperature,
		MaxTokens:   1500,
	})
	p.count("planner", err)
	if err != nil {
		return nil, fmt.Errorf("planner: synthesize: %w", err)
	}

	var resp planResponse
	if err := decodeStrict(reply, &resp); err != nil {
		p.logger.Warn(ctx, "planner reply unparseable", "error", err)
		return clarification("I didn't catch that. Could you rephrase your request?"), nil
	}

	if resp.NeedsClarification {
		question := resp.ClarificationQuestion
		if question == "" {
			question = "Could you give me a bit more detail?"
		}
		return clarification(question), nil
	}
	if len(resp.SelectedTools) == 0 {
		return clarification("I couldn't work out which service to use. Could you rephrase?"), nil
	}

	plan := &models.Plan{
		Confidence: resp.Confidence,
		Rationale:  resp.ExecutionPlan,
	}
	for _, sel := range resp.SelectedTools {
		if !catalogHas(catalog, sel.Service, sel.Tool) {
			p.logger.Warn(ctx, "planner selected an unknown tool",
				"service", sel.Service, "tool", sel.Tool)
			return clarification("I can't do that with your connected services. Could you rephrase?"), nil
		}
		plan.Steps = append(plan.Steps, models.PlanStep{
			Provider:    sel.Service,
			Tool:        sel.Tool,
			Params:      sel.Params,
			IterateOver: sel.IterateOver,
			Reasoning:   sel.Reasoning,
		})
	}
	return plan, nil
}

func clarification(question string) *models.Plan {
	return &models.Plan{NeedsClarification: true, ClarificationQuestion: question}
}

func catalogHas(catalog map[string][]mcp.ToolSchema, service, tool string) bool {
	for _, schema := range catalog[service] {
		if schema.Name == tool {
			return true
		}
	}
	return false
}

// buildPlanPrompt renders the catalog compactly: service, tool, and the
// flattened parameter list.
func buildPlanPrompt(query, contextBlock string, catalog map[string][]mcp.ToolSchema) string {
	type promptParam struct {
		Name     string `json:"name"`
		Type     string `json:"type"`
		Required bool   `json:"required,omitempty"`
	}
	type promptTool struct {
		Name        string        `json:"name"`
		Description string        `json:"description,omitempty"`
		Params      []promptParam `json:"params,omitempty"`
	}

	compact := make(map[string][]promptTool, len(catalog))
	for service, tools := range catalog {
		list := make([]promptTool, 0, len(tools))
		for _, schema := range tools {
			pt := promptTool{Name: schema.Name, Description: schema.Description}
			for _, param := range schema.Params {
				pt.Params = append(pt.Params, promptParam{Name: param.Name, Type: param.Type, Required: param.Required})
			}
			list = append(list, pt)
		}
		compact[service] = list
	}
	catalogJSON, _ := json.Marshal(compact)

	var sb strings.Builder
	sb.WriteString("Available services and tools:\n")
	sb.Write(catalogJSON)
	if contextBlock != "" {
		sb.WriteString("\n\nConversation so far:\n")
		sb.WriteString(contextBlock)
	}
	sb.WriteString("\n\nUser request: ")
	sb.WriteString(query)
	return sb.String()
}
