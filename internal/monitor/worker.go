package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/technosupport/ts-sentinel/internal/alerts"
	"github.com/technosupport/ts-sentinel/internal/config"
	"github.com/technosupport/ts-sentinel/internal/directives"
	"github.com/technosupport/ts-sentinel/internal/frames"
	"github.com/technosupport/ts-sentinel/internal/metrics"
	"github.com/technosupport/ts-sentinel/internal/reasoning"
	"github.com/technosupport/ts-sentinel/internal/vision"
)

// State is the camera worker lifecycle state.
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateFailed   State = "FAILED"
)

const (
	captureRetryBase    = 1 * time.Second
	captureRetryCap     = 30 * time.Second
	captureRetryBudget  = 6
	remoteFailureNotice = 5
	remoteCallTimeout   = 20 * time.Second
)

// VisionAnalyzer is the frame-analysis dependency. Satisfied by
// *vision.Client; tests inject stubs.
type VisionAnalyzer interface {
	Analyze(ctx context.Context, frame *frames.Frame, req vision.Request) (*vision.Observation, error)
}

// ProgressionAnalyzer is the optional reasoning dependency.
type ProgressionAnalyzer interface {
	AnalyzeProgression(ctx context.Context, d *directives.Directive, baseline string, current *vision.Observation, history []reasoning.TimedObservation) (*reasoning.Decision, error)
}

// StreamPublisher receives the live-feed and analysis push payloads.
type StreamPublisher interface {
	LiveFeed(cameraID int, capturedAt time.Time, frameBase64, summary string)
	Analysis(obs *vision.Observation)
}

// ObservationSink stores the latest observation for UI polling.
type ObservationSink interface {
	SaveObservation(ctx context.Context, obs *vision.Observation) error
}

// WorkerDeps are the collaborators a worker needs. Reasoning, Streams
// and Cache may be nil (feature disabled).
type WorkerDeps struct {
	Source     frames.Source
	Store      *frames.Store
	Vision     VisionAnalyzer
	Reasoning  ProgressionAnalyzer
	Registry   *directives.Registry
	Dispatcher *alerts.Dispatcher
	Aggregator *SummaryAggregator
	Streams    StreamPublisher
	Cache      ObservationSink
	Notices    *alerts.Dedup
	Cfg        *config.Config
}

// Worker runs the capture-analyze-decide loop for one camera. All
// per-camera state (baselines, histories, failure counters) lives here
// and dies with the worker.
type Worker struct {
	cameraID int
	interval time.Duration
	deps     WorkerDeps

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	wg     sync.WaitGroup

	seq            uint64
	tracker        *BaselineTracker
	histories      map[string]*History
	remoteFailures int
	storeWarned    bool

	// Persistent-failure latch: once the vision credential is rejected
	// there is no point retrying until a restart supplies a new one.
	visionDisabled   bool
	disabledNoticeAt time.Time
	noticePeriod     time.Duration
}

func NewWorker(cameraID int, deps WorkerDeps) *Worker {
	fps := deps.Cfg.CameraFPS
	if fps <= 0 {
		fps = 0.033
	}
	return &Worker{
		cameraID:     cameraID,
		interval:     time.Duration(float64(time.Second) / fps),
		deps:         deps,
		state:        StateStopped,
		tracker:      NewBaselineTracker(deps.Cfg.BaselineStabilityFrames),
		histories:    make(map[string]*History),
		noticePeriod: 5 * time.Minute,
	}
}

func (w *Worker) CameraID() int { return w.cameraID }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start brings a stopped (or failed) worker up. Idempotent: starting a
// worker that is already starting or running is a no-op.
func (w *Worker) Start() error {
	w.mu.Lock()
	switch w.state {
	case StateStarting, StateRunning:
		w.mu.Unlock()
		return nil
	case StateStopping:
		w.mu.Unlock()
		return fmt.Errorf("camera %d: still stopping", w.cameraID)
	}
	w.state = StateStarting
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

// Stop shuts the loop down and waits for it. Idempotent.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.state != StateStarting && w.state != StateRunning {
		w.mu.Unlock()
		return
	}
	w.state = StateStopping
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()

	w.mu.Lock()
	w.state = StateStopped
	w.mu.Unlock()
	w.systemNotice("camera_stopped", alerts.SeveritySystem, fmt.Sprintf("Camera %d stopped", w.cameraID))
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	if err := w.deps.Source.Open(); err != nil {
		log.Printf("[ERROR] Worker %d: source open failed: %v", w.cameraID, err)
		w.fail(fmt.Sprintf("source open failed: %v", err))
		return
	}
	defer w.deps.Source.Close()

	metrics.CamerasRunning.Inc()
	defer metrics.CamerasRunning.Dec()

	// Ticks are anchored to the schedule, not to work duration, so a
	// slow analysis round does not slide the capture cadence.
	next := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		frame, err := w.captureWithRetry(ctx)
		if err != nil {
			if errors.Is(err, frames.ErrEndOfStream) {
				log.Printf("Worker %d: source ended", w.cameraID)
				w.setState(StateStopped)
				w.systemNotice("camera_stopped", alerts.SeveritySystem, fmt.Sprintf("Camera %d source ended", w.cameraID))
				return
			}
			if ctx.Err() != nil {
				return
			}
			w.fail(fmt.Sprintf("capture failed after %d attempts: %v", captureRetryBudget, err))
			return
		}

		if w.State() == StateStarting {
			w.setState(StateRunning)
			w.systemNotice("camera_started", alerts.SeveritySystem, fmt.Sprintf("Camera %d running", w.cameraID))
		}
		metrics.FramesCapturedTotal.WithLabelValues(strconv.Itoa(w.cameraID)).Inc()

		w.processFrame(ctx, frame)

		next = next.Add(w.interval)
		now := time.Now()
		for !next.After(now) {
			// Analysis overran one or more slots; skip them rather
			// than bursting to catch up.
			next = next.Add(w.interval)
			metrics.FramesSkippedTotal.WithLabelValues("overrun").Inc()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}
	}
}

func (w *Worker) fail(reason string) {
	w.setState(StateFailed)
	w.systemNotice("camera_failed", alerts.SeverityWarning, fmt.Sprintf("Camera %d failed: %s", w.cameraID, reason))
}

// captureWithRetry pulls the next frame, retrying transient capture
// errors with exponential backoff (1s base, 30s cap, bounded budget).
func (w *Worker) captureWithRetry(ctx context.Context) (*frames.Frame, error) {
	var lastErr error
	delay := captureRetryBase
	for attempt := 0; attempt < captureRetryBudget; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > captureRetryCap {
				delay = captureRetryCap
			}
		}
		data, err := w.deps.Source.Next(ctx)
		if err != nil {
			if errors.Is(err, frames.ErrEndOfStream) || errors.Is(err, context.Canceled) {
				return nil, err
			}
			lastErr = err
			log.Printf("Worker %d: capture attempt %d failed: %v", w.cameraID, attempt+1, err)
			continue
		}
		w.seq++
		return &frames.Frame{
			CameraID:   w.cameraID,
			SequenceNo: w.seq,
			CapturedAt: time.Now(),
			JPEG:       data,
		}, nil
	}
	return nil, lastErr
}

// processFrame stores the frame, runs one evaluation per applicable
// directive (or one undirected evaluation) and publishes the push
// payloads.
func (w *Worker) processFrame(ctx context.Context, frame *frames.Frame) {
	if err := w.deps.Store.Save(frame); err != nil {
		// Keep analysing from memory; storage loss degrades evidence,
		// not detection.
		log.Printf("[ERROR] Worker %d: frame store: %v", w.cameraID, err)
		if !w.storeWarned {
			w.storeWarned = true
			w.systemNotice("storage_degraded", alerts.SeverityWarning, fmt.Sprintf("Camera %d: frame storage failing: %v", w.cameraID, err))
		}
	}

	active := w.deps.Registry.ForCamera(w.cameraID)
	w.pruneRemoved(active)

	var lastObs *vision.Observation
	if len(active) == 0 {
		lastObs = w.evaluate(ctx, nil, frame)
	} else {
		for _, d := range active {
			if obs := w.evaluate(ctx, d, frame); obs != nil {
				lastObs = obs
			}
		}
	}

	if w.deps.Streams != nil {
		summary := ""
		if lastObs != nil {
			summary = lastObs.SceneDescription
		}
		w.deps.Streams.LiveFeed(w.cameraID, frame.CapturedAt, frame.Base64, summary)
		if lastObs != nil {
			w.deps.Streams.Analysis(lastObs)
		}
	}
	if w.deps.Cache != nil && lastObs != nil {
		if err := w.deps.Cache.SaveObservation(ctx, lastObs); err != nil {
			log.Printf("Worker %d: observation cache: %v", w.cameraID, err)
		}
	}
}

// pruneRemoved drops baseline and history state for directives no
// longer covering this camera.
func (w *Worker) pruneRemoved(active []*directives.Directive) {
	keep := make(map[string]bool, len(active))
	for _, d := range active {
		keep[d.ID] = true
	}
	for _, id := range w.tracker.TrackedIDs() {
		if !keep[id] {
			if b := w.tracker.Get(id); b != nil && b.Established {
				w.systemNotice("baseline_cleared", alerts.SeverityInfo,
					fmt.Sprintf("Camera %d: baseline for removed directive %s cleared", w.cameraID, id))
			}
			w.tracker.Drop(id)
			delete(w.histories, id)
		}
	}
}

// evaluate runs vision (and reasoning when warranted) for one
// directive and dispatches whatever the decision layers produce.
// Returns the observation, or nil when the frame was skipped.
func (w *Worker) evaluate(ctx context.Context, d *directives.Directive, frame *frames.Frame) *vision.Observation {
	if w.visionDisabled {
		w.remindVisionDisabled()
		return nil
	}

	req := vision.Request{}
	var baseline *Baseline
	if d != nil {
		req.Target = d.Target
		if d.RequiresBaseline {
			baseline = w.tracker.Get(d.ID)
			if baseline != nil && baseline.Established {
				req.BaselineState = baseline.StateDescription
			}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, remoteCallTimeout)
	obs, err := w.deps.Vision.Analyze(callCtx, frame, req)
	cancel()
	if err != nil {
		w.visionFailed(err)
		return nil
	}
	w.visionSucceeded()

	// Baseline and history advance only after a successful analysis;
	// a cancelled or failed call must not perturb establishment.
	if d != nil && d.RequiresBaseline {
		st, established := w.tracker.Observe(d.ID, obs)
		baseline = st
		if established {
			metrics.BaselinesEstablished.Inc()
			w.systemNotice("baseline_established", alerts.SeveritySystem,
				fmt.Sprintf("Camera %d baseline for %q: %s", w.cameraID, d.Target, st.StateDescription))
		}
	}

	var hist *History
	if d != nil {
		hist = w.histories[d.ID]
		if hist == nil {
			hist = NewHistory(w.deps.Cfg.HistoryWindow)
			w.histories[d.ID] = hist
		}
	}

	// Reasoning runs for every directed evaluation, established baseline
	// or not; progression over raw history is still informative while a
	// baseline is forming.
	var rd *reasoning.Decision
	if d != nil && w.deps.Reasoning != nil {
		baselineDesc := ""
		if baseline != nil && baseline.Established {
			baselineDesc = baseline.StateDescription
		}
		rctx, rcancel := context.WithTimeout(ctx, remoteCallTimeout)
		var rerr error
		rd, rerr = w.deps.Reasoning.AnalyzeProgression(rctx, d, baselineDesc, obs, hist.Recent())
		rcancel()
		if rerr != nil {
			metrics.ReasoningCallsTotal.WithLabelValues("error").Inc()
			log.Printf("Worker %d: reasoning unavailable: %v", w.cameraID, rerr)
			rd = nil
		} else {
			metrics.ReasoningCallsTotal.WithLabelValues("ok").Inc()
		}
	}

	if hist != nil {
		hist.Append(obs)
	}

	w.dispatch(d, frame, obs, baseline, rd)
	return obs
}

// dispatch runs the decision layers and routes the outcome. A panic in
// the decision path is contained to this frame; the worker keeps
// running.
func (w *Worker) dispatch(d *directives.Directive, frame *frames.Frame, obs *vision.Observation, baseline *Baseline, rd *reasoning.Decision) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] Worker %d: decision panic: %v", w.cameraID, r)
			metrics.FramesSkippedTotal.WithLabelValues("decision_panic").Inc()
		}
	}()

	dec := Decide(d, obs, baseline, rd, w.deps.Cfg.Thresholds())
	switch dec.Outcome {
	case OutcomeImmediate:
		a := &alerts.Alert{
			CameraID:        w.cameraID,
			Severity:        dec.Severity,
			Kind:            alerts.KindImmediate,
			Source:          dec.Source,
			Title:           fmt.Sprintf("%s - Camera %d", dec.Severity, w.cameraID),
			Message:         dec.Message,
			Confidence:      dec.Confidence,
			Timestamp:       frame.CapturedAt,
			DetectedObjects: obs.Labels(),
			FrameURL:        frame.URL,
			FrameBase64:     frame.Base64,
			Reasons:         dec.Reasons,
		}
		if d != nil {
			a.DirectiveID = d.ID
		}
		w.deps.Dispatcher.Publish(a)
	case OutcomeSummaryCandidate:
		w.deps.Aggregator.Collect(obs, frame)
	}
}

// visionFailed tracks consecutive remote failures; crossing the
// threshold raises one degraded notice, which Forget re-arms on the
// next success. A persistent failure (bad credential, daily quota)
// latches the worker into not calling at all.
func (w *Worker) visionFailed(err error) {
	if errors.Is(err, vision.ErrPersistent) {
		metrics.VisionCallsTotal.WithLabelValues("persistent").Inc()
		metrics.FramesSkippedTotal.WithLabelValues("vision_persistent").Inc()
		log.Printf("[ERROR] Worker %d: vision credential rejected, suspending calls: %v", w.cameraID, err)
		w.visionDisabled = true
		w.disabledNoticeAt = time.Now()
		w.systemNotice("remote_disabled", alerts.SeverityWarning,
			fmt.Sprintf("Camera %d: vision calls suspended (%v); restart with a working credential", w.cameraID, err))
		return
	}

	outcome := "error"
	if errors.Is(err, vision.ErrRateLimited) {
		outcome = "rate_limited"
	}
	metrics.VisionCallsTotal.WithLabelValues(outcome).Inc()
	metrics.FramesSkippedTotal.WithLabelValues("vision_" + outcome).Inc()
	log.Printf("Worker %d: vision call failed: %v", w.cameraID, err)

	w.remoteFailures++
	if w.remoteFailures == remoteFailureNotice {
		w.systemNotice("remote_degraded", alerts.SeverityWarning,
			fmt.Sprintf("Camera %d: %d consecutive vision failures, analysis degraded", w.cameraID, w.remoteFailures))
	}
}

// remindVisionDisabled re-raises the suspension warning on a fixed
// cadence while the worker sits idle on a dead credential.
func (w *Worker) remindVisionDisabled() {
	metrics.FramesSkippedTotal.WithLabelValues("vision_persistent").Inc()
	if time.Since(w.disabledNoticeAt) < w.noticePeriod {
		return
	}
	w.disabledNoticeAt = time.Now()
	w.systemNotice("remote_disabled", alerts.SeverityWarning,
		fmt.Sprintf("Camera %d: vision calls still suspended; restart with a working credential", w.cameraID))
}

func (w *Worker) visionSucceeded() {
	metrics.VisionCallsTotal.WithLabelValues("ok").Inc()
	if w.remoteFailures >= remoteFailureNotice && w.deps.Notices != nil {
		w.deps.Notices.Forget(w.noticeKey("remote_degraded"))
	}
	w.remoteFailures = 0
}

func (w *Worker) noticeKey(event string) string {
	return fmt.Sprintf("%s:%d", event, w.cameraID)
}

// dedupedEvents are the degradation notices worth suppressing when
// they repeat. Lifecycle transitions always publish: a camera stopped
// and restarted must announce itself both times.
var dedupedEvents = map[string]bool{
	"remote_degraded":  true,
	"storage_degraded": true,
}

// systemNotice publishes a system alert, deduplicated per
// (event, camera) for degradation events when a dedup cache is
// attached.
func (w *Worker) systemNotice(event string, severity alerts.Severity, message string) {
	if dedupedEvents[event] && w.deps.Notices != nil && w.deps.Notices.Suppress(w.noticeKey(event)) {
		return
	}
	w.deps.Dispatcher.Publish(&alerts.Alert{
		CameraID:  w.cameraID,
		Severity:  severity,
		Kind:      alerts.KindSystem,
		Source:    alerts.SourceSystem,
		Event:     event,
		Title:     event,
		Message:   message,
		Timestamp: time.Now(),
	})
}
