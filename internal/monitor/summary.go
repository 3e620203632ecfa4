package monitor

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/technosupport/ts-sentinel/internal/alerts"
	"github.com/technosupport/ts-sentinel/internal/frames"
	"github.com/technosupport/ts-sentinel/internal/vision"
)

// maxSummaryEvents caps how many per-event lines a digest body lists.
const maxSummaryEvents = 5

type summaryEntry struct {
	obs   *vision.Observation
	frame *frames.Frame
}

// SummaryAggregator buckets below-immediate observations for one
// camera and flushes a digest alert on a fixed interval. An empty
// window flushes nothing. Stopping discards the open bucket: a partial
// window never produces a digest.
type SummaryAggregator struct {
	cameraID   int
	interval   time.Duration
	dispatcher *alerts.Dispatcher

	mu     sync.Mutex
	bucket []summaryEntry

	quit chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

func NewSummaryAggregator(cameraID int, interval time.Duration, dispatcher *alerts.Dispatcher) *SummaryAggregator {
	return &SummaryAggregator{
		cameraID:   cameraID,
		interval:   interval,
		dispatcher: dispatcher,
		quit:       make(chan struct{}),
		now:        time.Now,
	}
}

func (a *SummaryAggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-a.quit:
				return
			case <-ticker.C:
				a.Flush()
			}
		}
	}()
}

func (a *SummaryAggregator) Stop() {
	close(a.quit)
	a.wg.Wait()
	a.mu.Lock()
	a.bucket = nil
	a.mu.Unlock()
}

// Collect adds a summary candidate to the open window.
func (a *SummaryAggregator) Collect(obs *vision.Observation, frame *frames.Frame) {
	a.mu.Lock()
	a.bucket = append(a.bucket, summaryEntry{obs: obs, frame: frame})
	a.mu.Unlock()
}

// Flush publishes the digest for the closed window and opens a new
// one. Exposed for tests and for a final flush on clean shutdown.
func (a *SummaryAggregator) Flush() {
	a.mu.Lock()
	bucket := a.bucket
	a.bucket = nil
	a.mu.Unlock()

	if len(bucket) == 0 {
		return
	}

	peak := bucket[0]
	for _, e := range bucket[1:] {
		if e.obs.Significance > peak.obs.Significance {
			peak = e
		}
	}

	severity := alerts.SeverityWarning
	if peak.obs.Significance >= 80 {
		severity = alerts.SeverityCritical
	}

	objects := make(map[string]bool)
	var lines []string
	for i, e := range bucket {
		for _, label := range e.obs.Labels() {
			objects[label] = true
		}
		if i < maxSummaryEvents {
			lines = append(lines, fmt.Sprintf("%s %s", e.obs.Timestamp.Format("15:04:05"), e.obs.SceneDescription))
		}
	}
	if len(bucket) > maxSummaryEvents {
		lines = append(lines, fmt.Sprintf("... and %d more", len(bucket)-maxSummaryEvents))
	}

	var labels []string
	for l := range objects {
		labels = append(labels, l)
	}

	a.dispatcher.Publish(&alerts.Alert{
		CameraID:        a.cameraID,
		Severity:        severity,
		Kind:            alerts.KindSummary,
		Source:          alerts.SourceAggregator,
		Title:           fmt.Sprintf("Activity summary (%dm) - Camera %d", int(a.interval.Minutes()), a.cameraID),
		Message:         strings.Join(lines, "\n"),
		Confidence:      peak.obs.Significance,
		Timestamp:       a.now(),
		DetectedObjects: labels,
		FrameURL:        peak.frame.URL,
		FrameBase64:     peak.frame.Base64,
		Reasons:         []string{"summary_window"},
	})
}
