package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-sentinel/internal/directives"
	"github.com/technosupport/ts-sentinel/internal/vision"
)

func TestParseDecision_Valid(t *testing.T) {
	d, err := ParseDecision(`Based on the progression, here is my assessment:
{"event_occurred": true, "confidence_percentage": 85, "reasoning": "person left the frame", "should_alert": true, "alert_priority": "HIGH", "alert_message": "Person departed"}`)
	require.NoError(t, err)
	assert.True(t, d.EventOccurred)
	assert.Equal(t, 85, d.Confidence)
	assert.True(t, d.ShouldAlert)
	assert.Equal(t, "WARNING", d.AlertPriority, "HIGH normalizes to WARNING")
}

func TestParseDecision_PriorityNormalization(t *testing.T) {
	tests := []struct{ in, want string }{
		{"CRITICAL", "CRITICAL"},
		{"critical", "CRITICAL"},
		{"HIGH", "WARNING"},
		{"MEDIUM", "WARNING"},
		{"LOW", "INFO"},
		{"", "INFO"},
		{"whatever", "INFO"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, normalizePriority(tc.in), "input %q", tc.in)
	}
}

func TestParseDecision_MalformedIsUnavailable(t *testing.T) {
	for _, input := range []string{"", "no json here", `{"event_occurred": }`} {
		_, err := ParseDecision(input)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnavailable), "input %q", input)
	}
}

func TestParseDecision_ClampsConfidence(t *testing.T) {
	d, err := ParseDecision(`{"event_occurred": true, "confidence_percentage": 150, "should_alert": false}`)
	require.NoError(t, err)
	assert.Equal(t, 100, d.Confidence)
}

func TestNewClient_DisabledWithoutKey(t *testing.T) {
	assert.Nil(t, NewClient("", "http://example.invalid"))
	assert.NotNil(t, NewClient("key", "http://example.invalid"))
}

func TestAnalyzeProgression(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{
				{"text": `{"event_occurred": true, "confidence_percentage": 90, "reasoning": "door opened", "should_alert": true, "alert_priority": "CRITICAL", "alert_message": "Door opened"}`},
			},
		})
	}))
	defer srv.Close()

	c := NewClient("test-key", srv.URL)
	d := &directives.Directive{ID: "d1", Kind: directives.KindActivityDetection, Target: "watch the door"}
	now := time.Now()
	current := &vision.Observation{SceneDescription: "Door ajar", QueryConfidence: 40, Significance: 50}
	history := []TimedObservation{
		{At: now.Add(-30 * time.Second), Obs: &vision.Observation{SceneDescription: "Door closed"}},
		{At: now.Add(-15 * time.Second), Obs: &vision.Observation{SceneDescription: "Door closed, shadow near it"}},
	}

	dec, err := c.AnalyzeProgression(context.Background(), d, "Door closed and locked", current, history)
	require.NoError(t, err)
	assert.True(t, dec.EventOccurred)
	assert.Equal(t, 90, dec.Confidence)
	assert.Equal(t, "CRITICAL", dec.AlertPriority)

	// Temperature must stay low for reproducible decisions.
	assert.Equal(t, 0.3, captured["temperature"])

	msgs := captured["messages"].([]any)
	prompt := msgs[0].(map[string]any)["content"].(string)
	assert.Contains(t, prompt, "ESTABLISHED BASELINE")
	assert.Contains(t, prompt, "Door closed, shadow near it")
	assert.Contains(t, prompt, "CURRENT OBSERVATION")
	assert.Contains(t, prompt, "watch the door")
}

func TestAnalyzeProgression_BadStatusIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient("test-key", srv.URL)
	d := &directives.Directive{ID: "d1", Kind: directives.KindSurveillance, Target: "x"}
	_, err := c.AnalyzeProgression(context.Background(), d, "", &vision.Observation{}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestBuildContext_HistoryCappedAtFive(t *testing.T) {
	d := &directives.Directive{ID: "d1", Kind: directives.KindSurveillance, Target: "x"}
	var history []TimedObservation
	for i := 0; i < 8; i++ {
		history = append(history, TimedObservation{
			At:  time.Now(),
			Obs: &vision.Observation{SceneDescription: descN(i)},
		})
	}
	prompt := buildContext(d, "", &vision.Observation{SceneDescription: "current"}, history)

	assert.NotContains(t, prompt, descN(2))
	assert.Contains(t, prompt, descN(3))
	assert.Contains(t, prompt, descN(7))
}

func descN(i int) string {
	return map[int]string{
		0: "zero scene", 1: "one scene", 2: "two scene", 3: "three scene",
		4: "four scene", 5: "five scene", 6: "six scene", 7: "seven scene",
	}[i]
}
