package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Custom registry keeps the scrape surface to our own series only, no
// default Go runtime collectors from third-party inits.
var registry = prometheus.NewRegistry()

var (
	FramesCapturedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_frames_captured_total",
		Help: "Frames successfully captured per camera",
	}, []string{"camera"})

	FramesSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_frames_skipped_total",
		Help: "Frames skipped before a decision, by reason",
	}, []string{"reason"})

	VisionCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_vision_calls_total",
		Help: "Vision model calls by outcome",
	}, []string{"outcome"})

	ReasoningCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_reasoning_calls_total",
		Help: "Reasoning model calls by outcome",
	}, []string{"outcome"})

	AlertsDispatchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_alerts_dispatched_total",
		Help: "Alerts published, by severity and kind",
	}, []string{"severity", "kind"})

	SubscriberDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_subscriber_drops_total",
		Help: "Alerts dropped from slow subscriber queues",
	})

	CamerasRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_cameras_running",
		Help: "Camera workers currently in the RUNNING state",
	})

	BaselinesEstablished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_baselines_established_total",
		Help: "Baselines that reached stability",
	})
)

func init() {
	registry.MustRegister(
		FramesCapturedTotal,
		FramesSkippedTotal,
		VisionCallsTotal,
		ReasoningCallsTotal,
		AlertsDispatchedTotal,
		SubscriberDropsTotal,
		CamerasRunning,
		BaselinesEstablished,
	)
}

// Handler serves the registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
