package monitor

import (
	"strings"
	"time"
	"unicode"

	"github.com/technosupport/ts-sentinel/internal/vision"
)

// jaccardThreshold is the minimum token overlap for two scene
// descriptions to count as the same stable scene.
const jaccardThreshold = 0.6

// Baseline is the remembered normal state for one directive on one
// camera. Until Established, ConsistencyCount tracks how many
// consecutive frames have agreed.
type Baseline struct {
	Established      bool
	StateDescription string
	PersonWasPresent bool
	EstablishedAt    time.Time
	ConsistencyCount int

	formingDesc   string
	formingPerson bool
}

// BaselineTracker establishes baselines per directive from consecutive
// consistent frames. Not safe for concurrent use; each camera worker
// owns one.
type BaselineTracker struct {
	stabilityFrames int
	states          map[string]*Baseline
}

func NewBaselineTracker(stabilityFrames int) *BaselineTracker {
	if stabilityFrames < 1 {
		stabilityFrames = 3
	}
	return &BaselineTracker{
		stabilityFrames: stabilityFrames,
		states:          make(map[string]*Baseline),
	}
}

// Observe feeds one observation for the directive. Returns the current
// baseline state and whether this observation completed establishment.
func (t *BaselineTracker) Observe(directiveID string, obs *vision.Observation) (*Baseline, bool) {
	b := t.states[directiveID]
	if b == nil {
		b = &Baseline{}
		t.states[directiveID] = b
	}
	if b.Established {
		return b, false
	}

	if b.ConsistencyCount == 0 {
		b.formingDesc = obs.SceneDescription
		b.formingPerson = obs.PersonPresent
		b.ConsistencyCount = 1
		return b, false
	}

	if consistent(b.formingDesc, obs.SceneDescription, b.formingPerson, obs.PersonPresent) {
		b.ConsistencyCount++
	} else {
		// The scene moved; restart the count around what we see now.
		b.formingDesc = obs.SceneDescription
		b.formingPerson = obs.PersonPresent
		b.ConsistencyCount = 1
		return b, false
	}

	if b.ConsistencyCount >= t.stabilityFrames {
		b.Established = true
		b.StateDescription = obs.SceneDescription
		b.PersonWasPresent = obs.PersonPresent
		b.EstablishedAt = obs.Timestamp
		return b, true
	}
	return b, false
}

// Get returns the baseline for a directive, nil when none has started.
func (t *BaselineTracker) Get(directiveID string) *Baseline {
	return t.states[directiveID]
}

// Drop forgets the baseline for a removed directive.
func (t *BaselineTracker) Drop(directiveID string) {
	delete(t.states, directiveID)
}

// TrackedIDs lists directive IDs with any baseline state.
func (t *BaselineTracker) TrackedIDs() []string {
	ids := make([]string, 0, len(t.states))
	for id := range t.states {
		ids = append(ids, id)
	}
	return ids
}

// consistent compares two scene descriptions by token-set Jaccard
// similarity, additionally requiring the person-present flags to agree.
func consistent(a, b string, personA, personB bool) bool {
	if personA != personB {
		return false
	}
	return jaccard(tokenize(a), tokenize(b)) >= jaccardThreshold
}

func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len(w) > 1 {
			out[w] = struct{}{}
		}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
