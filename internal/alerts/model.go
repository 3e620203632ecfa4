package alerts

import "time"

// Severity ranks an alert for the operator.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
	SeverityInfo     Severity = "INFO"
	SeveritySystem   Severity = "SYSTEM"
)

// Kind distinguishes how an alert was produced.
type Kind string

const (
	KindImmediate Kind = "immediate"
	KindSummary   Kind = "summary"
	KindSystem    Kind = "system"
)

// Source names which decision layer emitted the alert.
type Source string

const (
	SourceVision     Source = "vision"
	SourceReasoning  Source = "reasoning"
	SourceOverride   Source = "override"
	SourceAggregator Source = "aggregator"
	SourceSystem     Source = "system"
)

// Alert is the unit of notification. Immediate and summary alerts are
// disjoint: one evaluated frame produces at most one of the two.
type Alert struct {
	ID              string    `json:"id"`
	CameraID        int       `json:"camera_id"`
	Severity        Severity  `json:"severity"`
	Kind            Kind      `json:"kind"`
	Source          Source    `json:"source"`
	Title           string    `json:"title"`
	Message         string    `json:"message"`
	Confidence      int       `json:"confidence"`
	Timestamp       time.Time `json:"timestamp"`
	DetectedObjects []string  `json:"detected_objects,omitempty"`
	FrameURL        string    `json:"frame_url,omitempty"`
	FrameBase64     string    `json:"frame_base64,omitempty"`
	Reasons         []string  `json:"reasons,omitempty"`
	DirectiveID     string    `json:"directive_id,omitempty"`
	Event           string    `json:"event,omitempty"`
	Acknowledged    bool      `json:"acknowledged"`
}
