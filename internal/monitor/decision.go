package monitor

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/technosupport/ts-sentinel/internal/alerts"
	"github.com/technosupport/ts-sentinel/internal/config"
	"github.com/technosupport/ts-sentinel/internal/directives"
	"github.com/technosupport/ts-sentinel/internal/reasoning"
	"github.com/technosupport/ts-sentinel/internal/vision"
)

// presenceLostConfidence is the fixed confidence of the presence-lost
// override: the event is definitional, not a model estimate.
const presenceLostConfidence = 95

// HazardKeywords short-circuit every threshold: a frame whose
// description or activity mentions any of these alerts immediately at
// CRITICAL. Package-level so a deployment can tune the set.
var HazardKeywords = []string{
	"weapon", "gun", "knife", "violence", "fight", "attack", "threat",
	"dangerous", "hazard", "fire", "smoke", "blood", "injury", "fall",
	"accident", "emergency", "suspicious", "intruder", "break",
	"damage", "vandal", "unusual", "anomaly",
}

// Outcome says what a decision produced for one (frame, directive)
// evaluation. Immediate and SummaryCandidate are mutually exclusive.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeImmediate
	OutcomeSummaryCandidate
)

// Decision is the result of running the layered evaluation.
type Decision struct {
	Outcome    Outcome
	Severity   alerts.Severity
	Source     alerts.Source
	Confidence int
	Message    string
	Reasons    []string
}

// Decide runs the decision layers in strict order for one observation.
// d may be nil (undirected evaluation); baseline and rd may be nil.
//
//	1. hazard keywords           -> immediate CRITICAL
//	2. presence-lost override    -> immediate CRITICAL at fixed confidence
//	3. reasoning override        -> immediate when it out-confides vision
//	4. directive thresholds      -> immediate per directive kind
//	5. undirected significance   -> immediate with no directive
//	6. summary candidacy         -> collect for the periodic digest
func Decide(d *directives.Directive, obs *vision.Observation, baseline *Baseline, rd *reasoning.Decision, th config.Thresholds) Decision {
	if kw := hazardKeyword(obs); kw != "" {
		conf := obs.Significance
		if conf < 60 {
			conf = 60
		}
		return Decision{
			Outcome:    OutcomeImmediate,
			Severity:   alerts.SeverityCritical,
			Source:     alerts.SourceVision,
			Confidence: conf,
			Message:    obs.SceneDescription,
			Reasons:    []string{"hazard_keyword:" + kw},
		}
	}

	if d != nil && d.Kind == directives.KindActivityDetection &&
		baseline != nil && baseline.Established &&
		baseline.PersonWasPresent && !personStillPresent(obs) {
		return Decision{
			Outcome:    OutcomeImmediate,
			Severity:   alerts.SeverityCritical,
			Source:     alerts.SourceOverride,
			Confidence: presenceLostConfidence,
			Message:    fmt.Sprintf("Person no longer present. Baseline: %s", baseline.StateDescription),
			Reasons:    []string{"presence_lost_override"},
		}
	}

	if rd != nil && rd.ShouldAlert && rd.Confidence > obs.QueryConfidence {
		msg := rd.AlertMessage
		if msg == "" {
			msg = rd.Reasoning
		}
		return Decision{
			Outcome:    OutcomeImmediate,
			Severity:   alerts.Severity(rd.AlertPriority),
			Source:     alerts.SourceReasoning,
			Confidence: rd.Confidence,
			Message:    msg,
			Reasons:    []string{"reasoning_override"},
		}
	}

	if d != nil {
		if dec, ok := directiveDecision(d, obs, th); ok {
			return dec
		}
	} else if obs.Significance >= th.UndirectedImmediate {
		return Decision{
			Outcome:    OutcomeImmediate,
			Severity:   severityForScore(obs.Significance),
			Source:     alerts.SourceVision,
			Confidence: obs.Significance,
			Message:    obs.SceneDescription,
			Reasons:    []string{"significance"},
		}
	}

	if obs.Significance >= th.SummaryCollect {
		return Decision{
			Outcome:    OutcomeSummaryCandidate,
			Severity:   severityForScore(obs.Significance),
			Source:     alerts.SourceVision,
			Confidence: obs.Significance,
			Message:    obs.SceneDescription,
			Reasons:    []string{"summary_candidate"},
		}
	}
	return Decision{Outcome: OutcomeNone}
}

// directiveDecision applies the per-kind thresholds (layer 4). ok is
// false when the directive did not fire and lower layers should run.
func directiveDecision(d *directives.Directive, obs *vision.Observation, th config.Thresholds) (Decision, bool) {
	switch d.Kind {
	case directives.KindActivityDetection:
		// Activity matches fire at a lower threshold than object's and
		// are always CRITICAL: activity events are high-priority policy.
		if obs.QueryMatch && obs.QueryConfidence >= th.Activity {
			return Decision{
				Outcome:    OutcomeImmediate,
				Severity:   alerts.SeverityCritical,
				Source:     alerts.SourceVision,
				Confidence: obs.QueryConfidence,
				Message:    changeMessage(obs),
				Reasons:    []string{"directive_match"},
			}, true
		}
	case directives.KindObjectDetection:
		if obs.QueryMatch && obs.QueryConfidence >= th.Object {
			return Decision{
				Outcome:    OutcomeImmediate,
				Severity:   severityForScore(obs.QueryConfidence),
				Source:     alerts.SourceVision,
				Confidence: obs.QueryConfidence,
				Message:    matchMessage(d, obs),
				Reasons:    []string{"directive_match"},
			}, true
		}
	default:
		if obs.QueryConfidence >= th.Object {
			return Decision{
				Outcome:    OutcomeImmediate,
				Severity:   alerts.SeverityWarning,
				Source:     alerts.SourceVision,
				Confidence: obs.QueryConfidence,
				Message:    matchMessage(d, obs),
				Reasons:    []string{"directive_match"},
			}, true
		}
	}
	return Decision{}, false
}

func matchMessage(d *directives.Directive, obs *vision.Observation) string {
	if obs.QueryDetails != "" {
		return obs.QueryDetails
	}
	return fmt.Sprintf("Matched %q: %s", d.Target, obs.SceneDescription)
}

func changeMessage(obs *vision.Observation) string {
	if obs.StateAnalysis != "" {
		return obs.StateAnalysis
	}
	if len(obs.ChangesDetected) > 0 {
		return "Changes: " + strings.Join(obs.ChangesDetected, "; ")
	}
	return obs.SceneDescription
}

// severityForScore maps a 0-100 confidence onto alert severity.
func severityForScore(score int) alerts.Severity {
	switch {
	case score >= 80:
		return alerts.SeverityCritical
	case score >= 60:
		return alerts.SeverityWarning
	default:
		return alerts.SeverityInfo
	}
}

// personStillPresent cross-checks the structured flag against the
// description, since models occasionally leave a stale true flag while
// describing an empty scene. Only the explicit "no person" negation
// counts; looser phrases like "empty chair" describe objects, not the
// person.
func personStillPresent(obs *vision.Observation) bool {
	if strings.Contains(strings.ToLower(obs.SceneDescription), "no person") {
		return false
	}
	return obs.PersonPresent
}

// hazardKeyword returns the first hazard term found as a whole word in
// the description or activity, or "".
func hazardKeyword(obs *vision.Observation) string {
	text := strings.ToLower(obs.SceneDescription + " " + obs.Activity)
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	for _, kw := range HazardKeywords {
		if _, ok := set[kw]; ok {
			return kw
		}
	}
	return ""
}
