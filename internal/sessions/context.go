package sessions

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/voicewire/voicewire/internal/llm"
	"github.com/voicewire/voicewire/internal/observability"
	"github.com/voicewire/voicewire/pkg/models"
)

const (
	// maxContextTokens bounds the conversation context handed to the
	// planner.
	maxContextTokens = 2500

	// verbatimTurns is how many recent turns are included verbatim when the
	// budget allows.
	verbatimTurns = 15

	// recentTurns is how many turns follow the summary once the budget is
	// exceeded.
	recentTurns = 5
)

// estimateTokens approximates tokens as ceil(chars / 4).
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Summarizer condenses old conversation turns into a rolling summary.
type Summarizer interface {
	Summarize(ctx context.Context, existing string, turns []*models.SessionTurn) (string, error)
}

// LLMSummarizer implements Summarizer over an LLM client.
type LLMSummarizer struct {
	client  llm.Client
	metrics *observability.Metrics
}

// NewLLMSummarizer creates a summarizer backed by the given client.
func NewLLMSummarizer(client llm.Client, metrics *observability.Metrics) *LLMSummarizer {
	return &LLMSummarizer{client: client, metrics: metrics}
}

const summarizerSystem = `You condense voice assistant conversations. Merge the prior summary and the new turns into a short factual summary. Keep names, dates, ids, and decisions. Reply with the summary only, under 150 words.`

func (s *LLMSummarizer) Summarize(ctx context.Context, existing string, turns []*models.SessionTurn) (string, error) {
	var sb strings.Builder
	if existing != "" {
		sb.WriteString("Prior summary:\n")
		sb.WriteString(existing)
		sb.WriteString("\n\n")
	}
	sb.WriteString("New turns:\n")
	sb.WriteString(renderTurns(turns))

	summary, err := s.client.Complete(ctx, &llm.Request{
		System:      summarizerSystem,
		Messages:    []llm.Message{{Role: "user", Content: sb.String()}},
		Temperature: 0.1,
		MaxTokens:   400,
	})
	if s.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		s.metrics.LLMRequestCounter.WithLabelValues("summarizer", status).Inc()
	}
	if err != nil {
		return "", fmt.Errorf("sessions: summarize: %w", err)
	}
	return strings.TrimSpace(summary), nil
}

// ContextBuilder renders the conversation context string for the planner.
// When the verbatim window exceeds the token budget it switches to a rolling
// summary plus the most recent turns, and schedules summarization of the
// older turns in the background.
type ContextBuilder struct {
	store      Store
	summarizer Summarizer
	logger     *observability.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

// NewContextBuilder creates a context builder. summarizer may be nil, which
// disables background summarization.
func NewContextBuilder(store Store, summarizer Summarizer, logger *observability.Logger) *ContextBuilder {
	return &ContextBuilder{
		store:      store,
		summarizer: summarizer,
		logger:     logger.WithFields("component", "context_builder"),
		inflight:   map[string]bool{},
	}
}

// Build returns the context string for the session's next planning call.
func (b *ContextBuilder) Build(ctx context.Context, session *models.Session) (string, error) {
	turns, err := b.store.Turns(ctx, session.ID, verbatimTurns)
	if err != nil {
		return "", err
	}
	if len(turns) == 0 {
		return "", nil
	}

	verbatim := renderTurns(turns)
	if estimateTokens(verbatim) <= maxContextTokens {
		return verbatim, nil
	}

	recent := turns
	if len(recent) > recentTurns {
		recent = recent[len(recent)-recentTurns:]
	}

	b.scheduleSummarize(session)

	// first overflow: no summary exists yet, so it is just the recent turns
	if session.ContextSummary == "" {
		return renderTurns(recent), nil
	}

	var sb strings.Builder
	sb.WriteString("Previous conversation summary:\n")
	sb.WriteString(session.ContextSummary)
	sb.WriteString("\n\nRecent conversation:\n")
	sb.WriteString(renderTurns(recent))
	return sb.String(), nil
}

// scheduleSummarize kicks off background summarization of turns older than
// the recent window. At most one summarization runs per session.
func (b *ContextBuilder) scheduleSummarize(session *models.Session) {
	if b.summarizer == nil {
		return
	}
	cutoff := session.TurnCount - recentTurns
	if cutoff <= session.LastSummarizedTurn {
		return
	}

	b.mu.Lock()
	if b.inflight[session.ID] {
		b.mu.Unlock()
		return
	}
	b.inflight[session.ID] = true
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.inflight, session.ID)
			b.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := b.summarize(ctx, session.ID, cutoff); err != nil {
			b.logger.Warn(ctx, "summarization failed", "session_id", session.ID, "error", err)
		}
	}()
}

func (b *ContextBuilder) summarize(ctx context.Context, sessionID string, cutoff int) error {
	// reload so concurrent turn appends are not clobbered
	session, err := b.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if cutoff <= session.LastSummarizedTurn {
		return nil
	}

	all, err := b.store.Turns(ctx, sessionID, 0)
	if err != nil {
		return err
	}
	var pending []*models.SessionTurn
	for _, turn := range all {
		if turn.TurnNumber > session.LastSummarizedTurn && turn.TurnNumber <= cutoff {
			pending = append(pending, turn)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	summary, err := b.summarizer.Summarize(ctx, session.ContextSummary, pending)
	if err != nil {
		return err
	}

	session.ContextSummary = summary
	session.LastSummarizedTurn = cutoff
	return b.store.Update(ctx, session)
}

func renderTurns(turns []*models.SessionTurn) string {
	var sb strings.Builder
	for i, turn := range turns {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("User: ")
		sb.WriteString(turn.UserQuery)
		sb.WriteString("\nAssistant: ")
		sb.WriteString(turn.Reply)
	}
	return sb.String()
}
