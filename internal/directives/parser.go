package directives

import (
	"context"
	"fmt"
	"strings"
)

// Parsed is the structured result of turning operator text into a
// directive shape. Confirmation is echoed back to the operator.
type Parsed struct {
	Kind             Kind   `json:"kind"`
	Target           string `json:"target"`
	RequiresBaseline bool   `json:"requires_baseline"`
	Confirmation     string `json:"confirmation"`
}

// Parser turns free-form operator text into a Parsed directive. The
// real parse runs in an external service; this interface only consumes
// its output schema.
type Parser interface {
	Parse(ctx context.Context, text string) (Parsed, error)
}

// activityCues are phrasings that imply watching for a change from a
// known state rather than the appearance of an object.
var activityCues = []string{
	"leaves", "leave", "left", "gets up", "stands up", "enters", "enter",
	"exits", "exit", "walks away", "moves", "falls", "opens", "closes",
	"stops", "starts",
}

// KeywordParser is the built-in fallback used when no external command
// parser is configured. It classifies by simple phrase cues and keeps
// the original text as the target.
type KeywordParser struct{}

func (KeywordParser) Parse(_ context.Context, text string) (Parsed, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Parsed{}, fmt.Errorf("empty directive text")
	}
	lower := strings.ToLower(trimmed)

	p := Parsed{
		Kind:   KindObjectDetection,
		Target: trimmed,
	}
	for _, cue := range activityCues {
		if strings.Contains(lower, cue) {
			p.Kind = KindActivityDetection
			p.RequiresBaseline = true
			break
		}
	}
	if strings.Contains(lower, "unusual") || strings.Contains(lower, "anomal") {
		p.Kind = KindAnomaly
	}
	p.Confirmation = fmt.Sprintf("Monitoring active: %s", trimmed)
	return p, nil
}
