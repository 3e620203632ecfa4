package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Thresholds are the decision cut-offs that may be tuned at runtime
// through the optional YAML overlay. All values are percentages 0-100.
type Thresholds struct {
	Object              int `yaml:"object_threshold"`
	Activity            int `yaml:"activity_threshold"`
	UndirectedImmediate int `yaml:"undirected_immediate_threshold"`
	SummaryCollect      int `yaml:"summary_collect_threshold"`
}

// Config holds everything loaded at startup. Thresholds are behind a
// lock because the file watcher can replace them while workers read.
type Config struct {
	CameraFPS       float64
	CameraSources   map[int]string
	VisionAPIKey    string
	VisionBaseURL   string
	VisionRPM       int
	ReasoningAPIKey string
	ReasoningURL    string

	SummaryInterval         time.Duration
	BaselineStabilityFrames int
	HistoryWindow           int
	AlertRingCapacity       int
	AlertReplayCount        int
	FrameStoreRoot          string

	RedisAddr      string
	NATSUrl        string
	NATSSubject    string
	ListenAddr     string
	ThresholdsFile string

	mu         sync.RWMutex
	thresholds Thresholds
}

// Load reads the environment and applies the YAML overlay once if the
// thresholds file exists. Missing keys fall back to defaults.
func Load() *Config {
	cfg := &Config{
		CameraFPS:       getEnvFloat("CAMERA_FPS", 0.033),
		CameraSources:   parseCameraSources(getEnv("CAMERA_SOURCES", "0=./sample_frames")),
		VisionAPIKey:    getEnv("VISION_API_KEY", ""),
		VisionBaseURL:   getEnv("VISION_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		VisionRPM:       getEnvInt("VISION_CALLS_PER_MINUTE", 30),
		ReasoningAPIKey: getEnv("REASONING_API_KEY", ""),
		ReasoningURL:    getEnv("REASONING_URL", "https://api.anthropic.com/v1/messages"),

		SummaryInterval:         time.Duration(getEnvInt("SUMMARY_INTERVAL_SECONDS", 120)) * time.Second,
		BaselineStabilityFrames: getEnvInt("BASELINE_STABILITY_FRAMES", 3),
		HistoryWindow:           getEnvInt("HISTORY_WINDOW", 8),
		AlertRingCapacity:       getEnvInt("ALERT_RING_CAPACITY", 200),
		AlertReplayCount:        getEnvInt("ALERT_REPLAY_COUNT", 20),
		FrameStoreRoot:          getEnv("FRAME_STORE_ROOT", "./event_frames"),

		RedisAddr:      getEnv("REDIS_ADDR", ""),
		NATSUrl:        getEnv("NATS_URL", ""),
		NATSSubject:    getEnv("NATS_SUBJECT", "sentinel.alerts"),
		ListenAddr:     getEnv("LISTEN_ADDR", ":8090"),
		ThresholdsFile: getEnv("THRESHOLDS_FILE", "config/default.yaml"),

		thresholds: Thresholds{
			Object:              getEnvInt("OBJECT_THRESHOLD", 60),
			Activity:            getEnvInt("ACTIVITY_THRESHOLD", 40),
			UndirectedImmediate: getEnvInt("UNDIRECTED_IMMEDIATE_THRESHOLD", 60),
			SummaryCollect:      getEnvInt("SUMMARY_COLLECT_THRESHOLD", 50),
		},
	}

	if err := cfg.ReloadThresholds(); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[Config] Thresholds file %s not applied: %v", cfg.ThresholdsFile, err)
		}
	}
	return cfg
}

// Thresholds returns the current snapshot. Safe for concurrent use.
func (c *Config) Thresholds() Thresholds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.thresholds
}

// ReloadThresholds re-reads the YAML overlay. Zero values in the file
// mean "keep the current setting" so a partial file is fine.
func (c *Config) ReloadThresholds() error {
	data, err := os.ReadFile(c.ThresholdsFile)
	if err != nil {
		return err
	}

	var overlay struct {
		Thresholds Thresholds `yaml:"thresholds"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse %s: %w", c.ThresholdsFile, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if overlay.Thresholds.Object > 0 {
		c.thresholds.Object = overlay.Thresholds.Object
	}
	if overlay.Thresholds.Activity > 0 {
		c.thresholds.Activity = overlay.Thresholds.Activity
	}
	if overlay.Thresholds.UndirectedImmediate > 0 {
		c.thresholds.UndirectedImmediate = overlay.Thresholds.UndirectedImmediate
	}
	if overlay.Thresholds.SummaryCollect > 0 {
		c.thresholds.SummaryCollect = overlay.Thresholds.SummaryCollect
	}
	log.Printf("[Config] Thresholds reloaded: object=%d activity=%d undirected=%d summary=%d",
		c.thresholds.Object, c.thresholds.Activity, c.thresholds.UndirectedImmediate, c.thresholds.SummaryCollect)
	return nil
}

// parseCameraSources parses "0=./frames,1=http://cam1/snap.jpg".
func parseCameraSources(raw string) map[int]string {
	out := make(map[int]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			log.Printf("[Config] Ignoring malformed camera source entry %q", part)
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(kv[0]))
		if err != nil {
			log.Printf("[Config] Ignoring camera source with bad id %q", kv[0])
			continue
		}
		out[id] = strings.TrimSpace(kv[1])
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("[Config] %s=%q is not an integer, using %d", key, v, fallback)
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		log.Printf("[Config] %s=%q is not a number, using %f", key, v, fallback)
	}
	return fallback
}
