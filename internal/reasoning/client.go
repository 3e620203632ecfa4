package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/technosupport/ts-sentinel/internal/directives"
	"github.com/technosupport/ts-sentinel/internal/vision"
)

// ErrUnavailable means reasoning could not produce a usable decision
// this round. It is a soft error: the layered decision runs without
// the reasoning input, never aborting the frame.
var ErrUnavailable = errors.New("reasoning: unavailable")

// Decision is the model's judgement on whether the directive's event
// has occurred given the observation history.
type Decision struct {
	EventOccurred bool   `json:"event_occurred"`
	Confidence    int    `json:"confidence_percentage"`
	Reasoning     string `json:"reasoning"`
	ShouldAlert   bool   `json:"should_alert"`
	AlertPriority string `json:"alert_priority"`
	AlertMessage  string `json:"alert_message"`
}

// TimedObservation pairs an observation with its capture time for the
// chronological context block.
type TimedObservation struct {
	At  time.Time
	Obs *vision.Observation
}

// Client calls the reasoning model. Temperature stays at 0.3: decisions
// must be reproducible, not creative.
type Client struct {
	apiKey string
	url    string
	model  string
	http   *http.Client
}

// NewClient returns nil when no key is configured; callers treat a nil
// client as "reasoning disabled".
func NewClient(apiKey, url string) *Client {
	if apiKey == "" {
		return nil
	}
	return &Client{
		apiKey: apiKey,
		url:    url,
		model:  "claude-sonnet-4-20250514",
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

// AnalyzeProgression asks whether the directive's event has occurred,
// given the baseline, recent history and the current observation.
func (c *Client) AnalyzeProgression(ctx context.Context, d *directives.Directive, baseline string, current *vision.Observation, history []TimedObservation) (*Decision, error) {
	payload := map[string]any{
		"model":       c.model,
		"max_tokens":  1024,
		"temperature": 0.3,
		"messages": []map[string]any{
			{"role": "user", "content": buildContext(d, baseline, current, history)},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var wire struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil || len(wire.Content) == 0 {
		return nil, fmt.Errorf("%w: malformed envelope", ErrUnavailable)
	}
	return ParseDecision(wire.Content[0].Text)
}

// ParseDecision extracts the decision JSON from model text. Malformed
// output yields ErrUnavailable rather than a guessed decision.
func ParseDecision(text string) (*Decision, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in reply", ErrUnavailable)
	}
	var d Decision
	if err := json.Unmarshal([]byte(text[start:end+1]), &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if d.Confidence < 0 {
		d.Confidence = 0
	}
	if d.Confidence > 100 {
		d.Confidence = 100
	}
	d.AlertPriority = normalizePriority(d.AlertPriority)
	return &d, nil
}

// normalizePriority maps model vocabulary onto the pipeline's three
// severities.
func normalizePriority(p string) string {
	switch strings.ToUpper(strings.TrimSpace(p)) {
	case "CRITICAL":
		return "CRITICAL"
	case "HIGH", "MEDIUM", "WARNING":
		return "WARNING"
	default:
		return "INFO"
	}
}

// buildContext renders the observation history into the prompt: the
// baseline, the last five observations in chronological order, then
// the current one with the vision model's own assessment.
func buildContext(d *directives.Directive, baseline string, current *vision.Observation, history []TimedObservation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are monitoring a camera for this instruction: %q (type: %s).\n\n", d.Target, d.Kind)

	if baseline != "" {
		fmt.Fprintf(&b, "ESTABLISHED BASELINE:\n%s\n\n", baseline)
	}

	recent := history
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	if len(recent) > 0 {
		b.WriteString("RECENT OBSERVATIONS (oldest first):\n")
		for _, h := range recent {
			fmt.Fprintf(&b, "- [%s] %s", h.At.Format("15:04:05"), h.Obs.SceneDescription)
			if h.Obs.Activity != "" {
				fmt.Fprintf(&b, " (activity: %s)", h.Obs.Activity)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "CURRENT OBSERVATION:\n%s\n", current.SceneDescription)
	fmt.Fprintf(&b, "Vision assessment: query_match=%t confidence=%d significance=%d",
		current.QueryMatch, current.QueryConfidence, current.Significance)
	if current.StateAnalysis != "" {
		fmt.Fprintf(&b, "\nState vs baseline: %s", current.StateAnalysis)
	}
	b.WriteString("\n\nHas the instructed event occurred? Respond with a single JSON object: ")
	b.WriteString(`{"event_occurred": bool, "confidence_percentage": 0-100, "reasoning": str, "should_alert": bool, "alert_priority": "CRITICAL|WARNING|INFO", "alert_message": str}`)
	return b.String()
}
