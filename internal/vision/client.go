package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/technosupport/ts-sentinel/internal/frames"
)

// ErrRateLimited is returned when the per-minute quota would be
// exceeded. Callers skip the frame; the next tick proceeds normally.
var ErrRateLimited = errors.New("vision: rate limited")

// ErrPersistent marks failures that will not clear on their own: a
// rejected credential or an exhausted daily quota. Callers should stop
// calling until the process restarts with a working key.
var ErrPersistent = errors.New("vision: credential or quota rejected")

// Detection is a single labelled object in a frame.
type Detection struct {
	Label      string    `json:"label"`
	Confidence int       `json:"confidence"`
	BBox       []float64 `json:"bbox,omitempty"`
}

// Observation is the structured result of analysing one frame. Query
// and baseline fields are only meaningful when a directive or baseline
// was supplied with the request.
type Observation struct {
	CameraID         int         `json:"camera_id"`
	Timestamp        time.Time   `json:"timestamp"`
	SceneDescription string      `json:"scene_description"`
	Activity         string      `json:"activity"`
	Detections       []Detection `json:"detections"`
	Significance     int         `json:"significance"`

	QueryMatch      bool   `json:"query_match"`
	QueryConfidence int    `json:"query_confidence"`
	QueryDetails    string `json:"query_details"`

	BaselineMatch   bool     `json:"baseline_match"`
	StateAnalysis   string   `json:"state_analysis"`
	ChangesDetected []string `json:"changes_detected"`
	PersonPresent   bool     `json:"person_present"`
}

// Labels returns the distinct detection labels in order of appearance.
func (o *Observation) Labels() []string {
	seen := make(map[string]bool, len(o.Detections))
	var out []string
	for _, d := range o.Detections {
		if d.Label != "" && !seen[d.Label] {
			seen[d.Label] = true
			out = append(out, d.Label)
		}
	}
	return out
}

// Request carries the optional analysis context for one frame.
type Request struct {
	Target        string
	BaselineState string
}

// Client talks to the vision model over HTTP. A rate.Limiter sized to
// the per-minute quota refuses excess calls instead of queueing them.
type Client struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(apiKey, baseURL string, callsPerMinute int) *Client {
	if callsPerMinute <= 0 {
		callsPerMinute = 30
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   "gemini-2.0-flash",
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(float64(callsPerMinute)/60.0), callsPerMinute),
	}
}

// Analyze sends the frame to the model and parses the response. Returns
// ErrRateLimited without calling out when the quota is exhausted.
func (c *Client) Analyze(ctx context.Context, frame *frames.Frame, req Request) (*Observation, error) {
	if c.apiKey == "" {
		return nil, errors.New("vision: no API key configured")
	}
	if !c.limiter.Allow() {
		return nil, ErrRateLimited
	}

	payload := map[string]any{
		"contents": []map[string]any{
			{
				"parts": []map[string]any{
					{"text": buildPrompt(req)},
					{"inline_data": map[string]string{
						"mime_type": "image/jpeg",
						"data":      frame.Base64,
					}},
				},
			},
		},
		"generationConfig": map[string]any{"temperature": 0.1},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("vision: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("vision: request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w (status %d)", ErrPersistent, resp.StatusCode)
	default:
		return nil, fmt.Errorf("vision: unexpected status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("vision: read response: %w", err)
	}

	var wire struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("vision: decode envelope: %w", err)
	}
	var text string
	if len(wire.Candidates) > 0 && len(wire.Candidates[0].Content.Parts) > 0 {
		text = wire.Candidates[0].Content.Parts[0].Text
	}

	obs := ParseObservation(text)
	obs.CameraID = frame.CameraID
	obs.Timestamp = frame.CapturedAt
	return obs, nil
}

func buildPrompt(req Request) string {
	var b bytes.Buffer
	b.WriteString("Analyze this surveillance camera frame. Respond with a single JSON object with fields: ")
	b.WriteString(`scene_description, activity, detections (list of {label, confidence 0-100, bbox}), significance (0-100)`)
	if req.Target != "" {
		b.WriteString(`, query_match (bool), query_confidence (0-100), query_details`)
		fmt.Fprintf(&b, ". The operator is watching for: %q.", req.Target)
	}
	if req.BaselineState != "" {
		b.WriteString(` Also report baseline_match (bool), state_analysis, changes_detected (list), person_present (bool)`)
		fmt.Fprintf(&b, " against this established baseline: %q.", req.BaselineState)
	}
	b.WriteString(" JSON only, no prose.")
	return b.String()
}
