// Package facts folds a new
// conversation turn plus a customer's existing facts/summary into an
// updated {facts, summary} pair via the reasoner, so a returning
// customer's personal history stays current without being re-derived
// from scratch on every visit.
package facts

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/wolfman30/clinic-booking-core/internal/reasoner"
	"github.com/wolfman30/clinic-booking-core/pkg/logging"
)

// extractionSystem mirrors EXTRACTION_PROMPT's instructions: record only
// what was explicitly stated, keep facts stable across visits, keep
// summary scoped to the current visit, merge rather than duplicate.
const extractionSystem = "You are a clinical record analyst. Extract FACTS that stay true across future visits (demographics, chronic conditions, allergies, habits, standing medications, family history, recurring symptoms, communication preferences) and write a SUMMARY of this visit only (chief complaint, symptoms and onset, plan, special notes). Record only what was explicitly stated; never guess. If prior facts are supplied, integrate and update them without duplicating. Reply with JSON only: {\"facts\":\"...\",\"summary\":\"...\"}."

// Result is the extractor's output.
type Result struct {
	Facts   string
	Summary string
}

// Extractor wraps a reasoner client with the model id used for extraction.
type Extractor struct {
	reasoner reasoner.Client
	model    string
	logger   *logging.Logger
}

func New(client reasoner.Client, model string, logger *logging.Logger) *Extractor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Extractor{reasoner: client, model: model, logger: logger}
}

// Extract merges newConversation with existingFacts/existingSummary into
// an updated Result. An empty newConversation is a no-op that clamps to
// the existing values.
func (e *Extractor) Extract(ctx context.Context, newConversation, existingFacts, existingSummary string) Result {
	if strings.TrimSpace(newConversation) == "" {
		return Result{Facts: existingFacts, Summary: existingSummary}
	}

	factsPrompt := existingFacts
	if strings.TrimSpace(factsPrompt) == "" {
		factsPrompt = "(none yet)"
	}
	summaryPrompt := existingSummary
	if strings.TrimSpace(summaryPrompt) == "" {
		summaryPrompt = "(none yet)"
	}

	prompt := "New conversation:\n" + strings.TrimSpace(newConversation) +
		"\n\nExisting facts (if any):\n" + factsPrompt +
		"\n\nExisting summary (if any):\n" + summaryPrompt +
		"\n\nExtract and return JSON: {\"facts\":\"merged facts\",\"summary\":\"this visit's summary\"}"

	resp, err := e.reasoner.Complete(ctx, reasoner.Request{
		Model:       e.model,
		System:      []string{extractionSystem},
		Messages:    []reasoner.Message{{Role: reasoner.ChatRoleUser, Content: prompt}},
		MaxTokens:   1024,
		Temperature: 0.1,
	})
	if err != nil {
		e.logger.Warn("facts: reasoner call failed, clamping to existing values", "error", err)
		return Result{Facts: existingFacts, Summary: "processing error: " + err.Error()}
	}

	var out struct {
		Facts   string `json:"facts"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(resp.Text), &out); err == nil {
		facts := out.Facts
		if facts == "" {
			facts = existingFacts
		}
		return Result{Facts: facts, Summary: out.Summary}
	}

	// Malformed JSON: fall back to header-based section recovery.
	facts := extractSection(resp.Text, "facts")
	summary := extractSection(resp.Text, "summary")
	if facts == "" {
		facts = existingFacts
	}
	if summary == "" {
		summary = "could not produce a summary from this conversation."
	}
	e.logger.Warn("facts: reasoner response was not valid JSON, used section recovery")
	return Result{Facts: facts, Summary: summary}
}

// extractSection recovers a field's value from malformed reasoner output
// by looking for a "<section>: ..." header line and collecting the lines
// that follow until the next recognized header.
func extractSection(text, section string) string {
	lines := strings.Split(text, "\n")
	var collected []string
	inSection := false
	for _, line := range lines {
		lower := strings.ToLower(line)
		if strings.Contains(lower, strings.ToLower(section)) && strings.Contains(line, ":") {
			inSection = true
			if idx := strings.Index(line, ":"); idx >= 0 {
				rest := strings.TrimSpace(line[idx+1:])
				if rest != "" {
					collected = append(collected, rest)
				}
			}
			continue
		}
		trimmed := strings.ToLower(strings.TrimSpace(line))
		if inSection && (strings.HasPrefix(trimmed, "summary") || strings.HasPrefix(trimmed, "facts")) {
			break
		}
		if inSection && strings.TrimSpace(line) != "" {
			collected = append(collected, strings.TrimSpace(line))
		}
	}
	return strings.TrimSpace(strings.Join(collected, "\n"))
}

// Merge concatenates old and new facts with a separator, for callers that
// want a simple non-reasoner merge instead of Extract's LLM-backed one.
func Merge(oldFacts, newFacts string) string {
	oldFacts = strings.TrimSpace(oldFacts)
	newFacts = strings.TrimSpace(newFacts)
	if oldFacts == "" {
		return newFacts
	}
	if newFacts == "" {
		return oldFacts
	}
	return oldFacts + "\n\n--- update ---\n" + newFacts
}
