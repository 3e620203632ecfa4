package monitor

import (
	"github.com/technosupport/ts-sentinel/internal/reasoning"
	"github.com/technosupport/ts-sentinel/internal/vision"
)

// History is a bounded window of recent observations for one directive
// on one camera. Oldest entries fall off as new ones arrive.
type History struct {
	window  int
	entries []reasoning.TimedObservation
}

func NewHistory(window int) *History {
	if window < 1 {
		window = 8
	}
	return &History{window: window}
}

func (h *History) Append(obs *vision.Observation) {
	h.entries = append(h.entries, reasoning.TimedObservation{At: obs.Timestamp, Obs: obs})
	if len(h.entries) > h.window {
		h.entries = h.entries[len(h.entries)-h.window:]
	}
}

// Recent returns the window oldest-first. The slice is shared; callers
// must not mutate it.
func (h *History) Recent() []reasoning.TimedObservation {
	return h.entries
}

func (h *History) Len() int {
	return len(h.entries)
}
