// Package agent holds the conversational logic: classify the message, pick a
// reply branch and draft the answer, plus the three extraction passes used by
// consolidation.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mohans/asyncchat/convlog"
	"github.com/mohans/asyncchat/llm"
	"github.com/mohans/asyncchat/notes"
)

// Settings are the sampling parameters for each call family.
type Settings struct {
	Model       string
	Temperature float64
	MaxTokens   int

	ExtractModel       string
	ExtractTemperature float64
	ExtractMaxTokens   int
}

// Agent drafts replies and extracts notes through a llm.Generator.
type Agent struct {
	gen      llm.Generator
	settings Settings
	logger   *slog.Logger
}

func New(gen llm.Generator, settings Settings, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{gen: gen, settings: settings, logger: logger}
}

// Analyze classifies the message. Backend failures other than cancellation
// degrade to Unclassified rather than failing the reply.
func (a *Agent) Analyze(ctx context.Context, message string, history []convlog.Turn) (Analysis, error) {
	raw, err := a.gen.Generate(ctx, llm.Request{
		System:      classifySystemPrompt,
		User:        fmt.Sprintf(classifyUserPrompt, message, formatHistory(history)),
		Temperature: a.settings.Temperature,
		MaxTokens:   a.settings.MaxTokens,
		Model:       a.settings.Model,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Analysis{}, ctx.Err()
		}
		a.logger.Warn("intent analysis failed, using fallback", "error", err)
		return Unclassified(), nil
	}
	analysis := ParseAnalysis(raw)
	a.logger.Debug("intent analysed", "intent", analysis.Intent, "mood", analysis.Mood)
	return analysis, nil
}

// Reply runs the two-step flow: analyse, then draft a reply on the chosen branch.
func (a *Agent) Reply(ctx context.Context, message string, history []convlog.Turn) (string, error) {
	analysis, err := a.Analyze(ctx, message, history)
	if err != nil {
		return "", err
	}

	var instruction string
	if analysis.Route() == RouteSpecial {
		switch analysis.Intent {
		case IntentSeekingComfort:
			instruction = comfortInstruction
		case IntentGoodbye:
			instruction = goodbyeInstruction
		}
	}

	answer, err := a.gen.Generate(ctx, llm.Request{
		System:      replySystemPrompt,
		User:        fmt.Sprintf(replyUserPrompt, analysis.Mood, analysis.Intent, formatHistory(history), instruction, message),
		Temperature: a.settings.Temperature,
		MaxTokens:   a.settings.MaxTokens,
		Model:       a.settings.Model,
	})
	if err != nil {
		return "", fmt.Errorf("draft reply: %w", err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", fmt.Errorf("draft reply: %w", llm.ErrEmptyResponse)
	}
	return answer, nil
}

// ReplyStream drafts the reply in a single streamed call, emitting deltas.
func (a *Agent) ReplyStream(ctx context.Context, message string, history []convlog.Turn, emit func(delta string) error) error {
	err := a.gen.Stream(ctx, llm.Request{
		System:      streamSystemPrompt,
		User:        fmt.Sprintf(streamUserPrompt, conversationContext(message, history)),
		Temperature: a.settings.Temperature,
		MaxTokens:   a.settings.MaxTokens,
		Model:       a.settings.Model,
	}, emit)
	if err != nil {
		return fmt.Errorf("stream reply: %w", err)
	}
	return nil
}

// Extract runs one extraction pass over a transcript.
func (a *Agent) Extract(ctx context.Context, kind notes.Type, transcript string) (string, error) {
	prompt, ok := extractPrompts[kind]
	if !ok {
		return "", fmt.Errorf("no extraction prompt for %q", kind)
	}
	out, err := a.gen.Generate(ctx, llm.Request{
		System:      prompt,
		User:        transcript,
		Temperature: a.settings.ExtractTemperature,
		MaxTokens:   a.settings.ExtractMaxTokens,
		Model:       a.settings.ExtractModel,
	})
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", kind, err)
	}
	return strings.TrimSpace(out), nil
}

// Transcript renders turns as the input of the extraction passes.
func Transcript(turns []convlog.Turn) string {
	return "Conversation:\n" + formatHistory(turns)
}

func formatHistory(turns []convlog.Turn) string {
	if len(turns) == 0 {
		return "(none)"
	}
	lines := make([]string, len(turns))
	for i, t := range turns {
		lines[i] = fmt.Sprintf("%s: %s", t.Role, t.Content)
	}
	return strings.Join(lines, "\n")
}

func conversationContext(message string, history []convlog.Turn) string {
	return fmt.Sprintf("Current user message: %s\nConversation history:\n%s", message, formatHistory(history))
}
