package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/technosupport/ts-sentinel/internal/alerts"
	"github.com/technosupport/ts-sentinel/internal/config"
	"github.com/technosupport/ts-sentinel/internal/directives"
	"github.com/technosupport/ts-sentinel/internal/frames"
)

// ErrUnknownCamera is returned for camera IDs outside the configured
// source map. Surfaces as 404 on the HTTP API.
var ErrUnknownCamera = errors.New("unknown camera")

// CameraStatus is the externally visible state of one camera.
type CameraStatus struct {
	ID          int    `json:"id"`
	State       State  `json:"state"`
	Source      string `json:"source"`
	AutoStarted bool   `json:"auto_started"`
}

// Supervisor owns the camera workers. It applies the directive
// lifecycle policy: accepting a directive auto-starts the stopped
// cameras it covers, and removing the last directive for a camera
// stops it again only if the supervisor started it.
type Supervisor struct {
	cfg        *config.Config
	registry   *directives.Registry
	dispatcher *alerts.Dispatcher
	store      *frames.Store

	baseDeps WorkerDeps

	mu      sync.Mutex
	workers map[int]*workerEntry
}

type workerEntry struct {
	worker      *Worker
	aggregator  *SummaryAggregator
	autoStarted bool
}

func NewSupervisor(cfg *config.Config, registry *directives.Registry, dispatcher *alerts.Dispatcher, store *frames.Store, baseDeps WorkerDeps) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		registry:   registry,
		dispatcher: dispatcher,
		store:      store,
		baseDeps:   baseDeps,
		workers:    make(map[int]*workerEntry),
	}
}

// ProcessDirective stores the directive and auto-starts covered
// cameras that are not running. Safe to call twice with the same ID.
func (s *Supervisor) ProcessDirective(d *directives.Directive) *directives.Directive {
	stored := s.registry.Add(d)

	for id := range s.cfg.CameraSources {
		if !stored.AppliesTo(id) {
			continue
		}
		s.mu.Lock()
		entry := s.workers[id]
		needsStart := entry == nil || (entry.worker.State() != StateRunning && entry.worker.State() != StateStarting)
		s.mu.Unlock()
		if needsStart {
			if _, err := s.startCamera(id, true); err != nil {
				log.Printf("[ERROR] Supervisor: auto-start camera %d: %v", id, err)
			}
		}
	}

	s.systemNotice("directive_accepted", fmt.Sprintf("Directive %s accepted: %s", stored.ID, stored.Target))
	return stored
}

// RemoveDirective deletes the directive and stops any auto-started
// camera left with nothing to watch. Operator-started cameras are
// never stopped here.
func (s *Supervisor) RemoveDirective(id string) bool {
	d, ok := s.registry.Get(id)
	if !ok {
		return false
	}
	s.registry.Remove(id)

	s.mu.Lock()
	var toStop []int
	for camID, entry := range s.workers {
		if !entry.autoStarted || !d.AppliesTo(camID) {
			continue
		}
		if len(s.registry.ForCamera(camID)) == 0 {
			toStop = append(toStop, camID)
		}
	}
	s.mu.Unlock()

	for _, camID := range toStop {
		log.Printf("Supervisor: camera %d has no remaining directives, stopping", camID)
		if _, err := s.StopCamera(camID); err != nil {
			log.Printf("[ERROR] Supervisor: auto-stop camera %d: %v", camID, err)
		}
	}

	s.systemNotice("directive_removed", fmt.Sprintf("Directive %s removed: %s", d.ID, d.Target))
	return true
}

// StartCamera is the operator-facing start; it clears any auto-started
// mark so a later directive removal will not stop the camera.
func (s *Supervisor) StartCamera(id int) (State, error) {
	return s.startCamera(id, false)
}

func (s *Supervisor) startCamera(id int, auto bool) (State, error) {
	spec, ok := s.cfg.CameraSources[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownCamera, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.workers[id]
	if entry != nil {
		switch entry.worker.State() {
		case StateRunning, StateStarting:
			if !auto {
				entry.autoStarted = false
			}
			return entry.worker.State(), nil
		default:
			// Stopped or failed worker: rebuild so retry counters and
			// baselines start fresh.
			entry.aggregator.Stop()
			delete(s.workers, id)
		}
	}

	source, err := frames.Open(spec)
	if err != nil {
		return "", err
	}

	agg := NewSummaryAggregator(id, s.cfg.SummaryInterval, s.dispatcher)
	deps := s.baseDeps
	deps.Source = source
	deps.Store = s.store
	deps.Registry = s.registry
	deps.Dispatcher = s.dispatcher
	deps.Aggregator = agg
	deps.Cfg = s.cfg

	w := NewWorker(id, deps)
	if err := w.Start(); err != nil {
		return "", err
	}
	agg.Start()
	s.workers[id] = &workerEntry{worker: w, aggregator: agg, autoStarted: auto}
	return w.State(), nil
}

// StopCamera stops the worker and its aggregator. Stopping an already
// stopped camera is a no-op with the current state returned.
func (s *Supervisor) StopCamera(id int) (State, error) {
	if _, ok := s.cfg.CameraSources[id]; !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownCamera, id)
	}

	s.mu.Lock()
	entry := s.workers[id]
	s.mu.Unlock()
	if entry == nil {
		return StateStopped, nil
	}

	entry.worker.Stop()
	entry.aggregator.Stop()

	s.mu.Lock()
	delete(s.workers, id)
	s.mu.Unlock()
	return StateStopped, nil
}

// Cameras lists every configured camera with its current state.
func (s *Supervisor) Cameras() []CameraStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []CameraStatus
	for id, spec := range s.cfg.CameraSources {
		st := CameraStatus{ID: id, State: StateStopped, Source: spec}
		if entry, ok := s.workers[id]; ok {
			st.State = entry.worker.State()
			st.AutoStarted = entry.autoStarted
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown stops every worker, bounded by the context deadline.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	entries := make([]*workerEntry, 0, len(s.workers))
	ids := make([]int, 0, len(s.workers))
	for id, e := range s.workers {
		entries = append(entries, e)
		ids = append(ids, id)
	}
	s.workers = make(map[int]*workerEntry)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, e := range entries {
			e.worker.Stop()
			e.aggregator.Stop()
		}
		close(done)
	}()
	select {
	case <-done:
		log.Printf("Supervisor: %d camera(s) stopped cleanly", len(ids))
	case <-ctx.Done():
		log.Printf("[ERROR] Supervisor: shutdown deadline exceeded with workers still stopping")
	}
}

func (s *Supervisor) systemNotice(event, message string) {
	s.dispatcher.Publish(&alerts.Alert{
		CameraID:  -1,
		Severity:  alerts.SeveritySystem,
		Kind:      alerts.KindSystem,
		Source:    alerts.SourceSystem,
		Event:     event,
		Title:     event,
		Message:   message,
		Timestamp: time.Now(),
	})
}
