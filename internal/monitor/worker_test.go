package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-sentinel/internal/alerts"
	"github.com/technosupport/ts-sentinel/internal/config"
	"github.com/technosupport/ts-sentinel/internal/directives"
	"github.com/technosupport/ts-sentinel/internal/frames"
	"github.com/technosupport/ts-sentinel/internal/reasoning"
	"github.com/technosupport/ts-sentinel/internal/vision"
)

type stubSource struct {
	openErr error
}

func (s *stubSource) Open() error { return s.openErr }
func (s *stubSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []byte{0xff, 0xd8, 0xff, 0xd9}, nil
}
func (s *stubSource) Close() error { return nil }

// scriptedVision replays observations in order, sticking on the last
// one. A nil entry means "fail this call".
type scriptedVision struct {
	mu     sync.Mutex
	script []*vision.Observation
	err    error
	calls  int
}

func (s *scriptedVision) Analyze(ctx context.Context, frame *frames.Frame, req vision.Request) (*vision.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	idx := s.calls - 1
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	obs := *s.script[idx]
	obs.CameraID = frame.CameraID
	obs.Timestamp = frame.CapturedAt
	return &obs, nil
}

func (s *scriptedVision) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// scriptedReasoner returns the same decision on every call and counts
// how often it was consulted.
type scriptedReasoner struct {
	mu    sync.Mutex
	dec   reasoning.Decision
	calls int
}

func (s *scriptedReasoner) AnalyzeProgression(ctx context.Context, d *directives.Directive, baseline string, current *vision.Observation, history []reasoning.TimedObservation) (*reasoning.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	dec := s.dec
	return &dec, nil
}

func (s *scriptedReasoner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("CAMERA_FPS", "50")
	t.Setenv("BASELINE_STABILITY_FRAMES", "3")
	return config.Load()
}

func newTestWorker(t *testing.T, v VisionAnalyzer, reg *directives.Registry) (*Worker, *alerts.Dispatcher) {
	t.Helper()
	disp := alerts.NewDispatcher(200, 0)
	cfg := testConfig(t)
	agg := NewSummaryAggregator(0, time.Hour, disp)
	w := NewWorker(0, WorkerDeps{
		Source:     &stubSource{},
		Store:      frames.NewStore(t.TempDir()),
		Vision:     v,
		Registry:   reg,
		Dispatcher: disp,
		Aggregator: agg,
		Cfg:        cfg,
	})
	return w, disp
}

func queryEvents(disp *alerts.Dispatcher, event string) []*alerts.Alert {
	var out []*alerts.Alert
	for _, a := range disp.Query(alerts.QueryFilter{CameraID: -1, Limit: 0}) {
		if a.Event == event {
			out = append(out, a)
		}
	}
	return out
}

func TestWorker_Lifecycle(t *testing.T) {
	v := &scriptedVision{script: []*vision.Observation{{SceneDescription: "Quiet room", Significance: 5}}}
	w, disp := newTestWorker(t, v, directives.NewRegistry())

	require.Equal(t, StateStopped, w.State())
	require.NoError(t, w.Start())

	assert.Eventually(t, func() bool { return w.State() == StateRunning }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(queryEvents(disp, "camera_started")) == 1 }, 2*time.Second, 10*time.Millisecond)

	// Starting a running worker is a no-op.
	require.NoError(t, w.Start())

	w.Stop()
	assert.Equal(t, StateStopped, w.State())
	assert.Len(t, queryEvents(disp, "camera_stopped"), 1)

	// Stopping again is a no-op.
	w.Stop()
	assert.Len(t, queryEvents(disp, "camera_stopped"), 1)
}

func TestWorker_OpenFailureFails(t *testing.T) {
	v := &scriptedVision{script: []*vision.Observation{{SceneDescription: "n/a"}}}
	w, disp := newTestWorker(t, v, directives.NewRegistry())
	w.deps.Source = &stubSource{openErr: errors.New("device busy")}

	require.NoError(t, w.Start())
	assert.Eventually(t, func() bool { return w.State() == StateFailed }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, queryEvents(disp, "camera_failed"), 1)
}

func TestWorker_UndirectedImmediateAlert(t *testing.T) {
	v := &scriptedVision{script: []*vision.Observation{
		{SceneDescription: "Person climbing through the window", Significance: 75},
	}}
	w, disp := newTestWorker(t, v, directives.NewRegistry())

	require.NoError(t, w.Start())
	defer w.Stop()

	assert.Eventually(t, func() bool {
		got := disp.Query(alerts.QueryFilter{CameraID: 0, Limit: 5})
		for _, a := range got {
			if a.Kind == alerts.KindImmediate && a.Confidence == 75 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorker_BaselineThenPresenceLost(t *testing.T) {
	stable := &vision.Observation{
		SceneDescription: "A patient resting in the hospital bed",
		PersonPresent:    true,
		BaselineMatch:    true,
		Significance:     10,
	}
	gone := &vision.Observation{
		SceneDescription: "The hospital bed is empty, no person visible",
		PersonPresent:    false,
		BaselineMatch:    false,
		QueryConfidence:  30,
		Significance:     20,
	}
	v := &scriptedVision{script: []*vision.Observation{stable, stable, stable, gone}}

	reg := directives.NewRegistry()
	reg.Add(&directives.Directive{
		ID:               "d1",
		Kind:             directives.KindActivityDetection,
		Target:           "alert me if the patient gets up",
		RequiresBaseline: true,
	})

	w, disp := newTestWorker(t, v, reg)
	require.NoError(t, w.Start())
	defer w.Stop()

	assert.Eventually(t, func() bool { return len(queryEvents(disp, "baseline_established")) == 1 }, 3*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		for _, a := range disp.Query(alerts.QueryFilter{CameraID: 0, Severity: alerts.SeverityCritical, Limit: 5}) {
			if a.Source == alerts.SourceOverride && a.Confidence == 95 {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWorker_RemoteDegradedNoticeOnce(t *testing.T) {
	v := &scriptedVision{err: errors.New("upstream 500")}
	w, disp := newTestWorker(t, v, directives.NewRegistry())

	require.NoError(t, w.Start())
	defer w.Stop()

	assert.Eventually(t, func() bool { return v.callCount() >= 10 }, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, queryEvents(disp, "remote_degraded"), 1)

	// Failed analyses never produce event alerts.
	for _, a := range disp.Query(alerts.QueryFilter{CameraID: 0, Limit: 0}) {
		assert.NotEqual(t, alerts.KindImmediate, a.Kind)
	}
}

func TestWorker_RateLimitedFramesAreSkipped(t *testing.T) {
	v := &scriptedVision{err: vision.ErrRateLimited}
	w, disp := newTestWorker(t, v, directives.NewRegistry())

	require.NoError(t, w.Start())
	defer w.Stop()

	assert.Eventually(t, func() bool { return v.callCount() >= 3 }, 2*time.Second, 10*time.Millisecond)
	for _, a := range disp.Query(alerts.QueryFilter{CameraID: 0, Limit: 0}) {
		assert.NotEqual(t, alerts.KindImmediate, a.Kind)
		assert.NotEqual(t, alerts.KindSummary, a.Kind)
	}
}

func TestWorker_ReasoningRunsWhileBaselineForming(t *testing.T) {
	// The reasoner is consulted on every directed evaluation, not only
	// after baseline establishment, so it can override low vision
	// confidence early.
	v := &scriptedVision{script: []*vision.Observation{
		{SceneDescription: "A door slightly more open than before", QueryConfidence: 30, Significance: 20},
	}}
	r := &scriptedReasoner{dec: reasoning.Decision{
		EventOccurred: true,
		Confidence:    92,
		ShouldAlert:   true,
		AlertPriority: "CRITICAL",
		AlertMessage:  "Door has opened progressively over recent frames",
	}}

	reg := directives.NewRegistry()
	reg.Add(&directives.Directive{
		ID:               "d1",
		Kind:             directives.KindActivityDetection,
		Target:           "tell me if the door opens",
		RequiresBaseline: true,
	})

	w, disp := newTestWorker(t, v, reg)
	w.deps.Reasoning = r
	require.NoError(t, w.Start())
	defer w.Stop()

	assert.Eventually(t, func() bool {
		if r.callCount() == 0 {
			return false
		}
		for _, a := range disp.Query(alerts.QueryFilter{CameraID: 0, Limit: 0}) {
			if a.Source == alerts.SourceReasoning && a.Confidence == 92 {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	// In dispatch order the first reasoning override precedes any
	// baseline establishment: the reasoner ran from frame one.
	all := disp.Query(alerts.QueryFilter{CameraID: -1, Limit: 0})
	sawOverride := false
	for i := len(all) - 1; i >= 0; i-- { // ring is newest-first
		a := all[i]
		if a.Event == "baseline_established" {
			break
		}
		if a.Source == alerts.SourceReasoning && a.Confidence == 92 {
			sawOverride = true
			break
		}
	}
	assert.True(t, sawOverride, "reasoning override must fire before establishment")
}

func TestWorker_PersistentVisionFailureSuspendsCalls(t *testing.T) {
	v := &scriptedVision{err: vision.ErrPersistent}
	w, disp := newTestWorker(t, v, directives.NewRegistry())
	w.noticePeriod = 150 * time.Millisecond

	require.NoError(t, w.Start())
	defer w.Stop()

	assert.Eventually(t, func() bool { return len(queryEvents(disp, "remote_disabled")) >= 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, v.callCount(), "a rejected credential stops further calls")

	// The loop keeps ticking without calling out and re-raises the
	// warning on the notice cadence.
	assert.Eventually(t, func() bool { return len(queryEvents(disp, "remote_disabled")) >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, v.callCount())
}

func TestWorker_LifecycleNoticesBypassDedup(t *testing.T) {
	// A camera stopped and restarted inside the dedup TTL must announce
	// both transitions; only degradation notices are suppressed.
	v := &scriptedVision{script: []*vision.Observation{{SceneDescription: "Quiet room", Significance: 5}}}
	w, disp := newTestWorker(t, v, directives.NewRegistry())
	w.deps.Notices = alerts.NewDedup(64, 5*time.Minute)

	require.NoError(t, w.Start())
	assert.Eventually(t, func() bool { return w.State() == StateRunning }, 2*time.Second, 10*time.Millisecond)
	w.Stop()

	require.NoError(t, w.Start())
	assert.Eventually(t, func() bool { return len(queryEvents(disp, "camera_started")) == 2 }, 2*time.Second, 10*time.Millisecond)
	w.Stop()

	assert.Len(t, queryEvents(disp, "camera_started"), 2)
	assert.Len(t, queryEvents(disp, "camera_stopped"), 2)
}

func TestWorker_DirectiveRemovalPrunesBaseline(t *testing.T) {
	stable := &vision.Observation{
		SceneDescription: "A van parked in the loading bay",
		BaselineMatch:    true,
		Significance:     5,
	}
	v := &scriptedVision{script: []*vision.Observation{stable}}

	reg := directives.NewRegistry()
	reg.Add(&directives.Directive{
		ID:               "d1",
		Kind:             directives.KindActivityDetection,
		Target:           "tell me when the van leaves",
		RequiresBaseline: true,
	})

	w, disp := newTestWorker(t, v, reg)
	require.NoError(t, w.Start())
	defer w.Stop()

	assert.Eventually(t, func() bool { return len(queryEvents(disp, "baseline_established")) == 1 }, 3*time.Second, 10*time.Millisecond)

	// Removing the directive discards its baseline, announced with a
	// system notice; re-adding the same directive must establish from
	// scratch.
	reg.Remove("d1")
	assert.Eventually(t, func() bool { return len(queryEvents(disp, "baseline_cleared")) == 1 }, 2*time.Second, 10*time.Millisecond)
	reg.Add(&directives.Directive{
		ID:               "d1",
		Kind:             directives.KindActivityDetection,
		Target:           "tell me when the van leaves",
		RequiresBaseline: true,
	})

	assert.Eventually(t, func() bool { return len(queryEvents(disp, "baseline_established")) == 2 }, 3*time.Second, 10*time.Millisecond)
}
