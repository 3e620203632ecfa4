package vision

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	fenceRe         = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

// ParseObservation decodes model output into an Observation, tolerating
// the usual model quirks: markdown code fences, prose around the JSON
// object, trailing commas, missing fields. A completely unusable reply
// degrades to an "Analysis failed" observation with significance 0
// instead of an error, so one bad frame never stalls the loop.
func ParseObservation(text string) *Observation {
	obj := extractJSON(text)
	if obj == "" {
		return failedObservation()
	}
	obj = trailingCommaRe.ReplaceAllString(obj, "$1")

	var loose struct {
		SceneDescription string      `json:"scene_description"`
		Activity         string      `json:"activity"`
		Detections       []Detection `json:"detections"`
		Significance     *int        `json:"significance"`
		QueryMatch       *bool       `json:"query_match"`
		QueryConfidence  *int        `json:"query_confidence"`
		QueryDetails     string      `json:"query_details"`
		BaselineMatch    *bool       `json:"baseline_match"`
		StateAnalysis    string      `json:"state_analysis"`
		ChangesDetected  []string    `json:"changes_detected"`
		PersonPresent    *bool       `json:"person_present"`
	}
	if err := json.Unmarshal([]byte(obj), &loose); err != nil {
		return failedObservation()
	}

	obs := &Observation{
		SceneDescription: loose.SceneDescription,
		Activity:         loose.Activity,
		Detections:       loose.Detections,
		QueryDetails:     loose.QueryDetails,
		StateAnalysis:    loose.StateAnalysis,
		ChangesDetected:  loose.ChangesDetected,
	}

	if obs.SceneDescription == "" {
		// Keep something human-readable even when the model skipped the field.
		desc := strings.TrimSpace(text)
		if len(desc) > 200 {
			desc = desc[:200]
		}
		obs.SceneDescription = desc
	}
	if loose.Significance != nil {
		obs.Significance = clamp(*loose.Significance)
	} else {
		obs.Significance = 50
	}
	if loose.QueryConfidence != nil {
		obs.QueryConfidence = clamp(*loose.QueryConfidence)
	}
	if loose.QueryMatch != nil {
		obs.QueryMatch = *loose.QueryMatch
	} else {
		// The model sometimes reports only a confidence; treat >= 50 as a match.
		obs.QueryMatch = obs.QueryConfidence >= 50
	}
	if obs.QueryMatch && obs.QueryConfidence == 0 {
		obs.QueryConfidence = 1
	}
	if loose.BaselineMatch != nil {
		obs.BaselineMatch = *loose.BaselineMatch
	}
	if loose.PersonPresent != nil {
		obs.PersonPresent = *loose.PersonPresent
	}
	for i := range obs.Detections {
		obs.Detections[i].Confidence = clamp(obs.Detections[i].Confidence)
	}
	return obs
}

// extractJSON pulls the JSON object out of the reply: fenced block
// first, otherwise the outermost brace pair in the raw text.
func extractJSON(text string) string {
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func failedObservation() *Observation {
	return &Observation{
		SceneDescription: "Analysis failed",
		Significance:     0,
	}
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
