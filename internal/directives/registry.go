package directives

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies what a directive asks the pipeline to watch for.
type Kind string

const (
	KindObjectDetection   Kind = "object_detection"
	KindActivityDetection Kind = "activity_detection"
	KindSurveillance      Kind = "surveillance"
	KindSceneAnalysis     Kind = "scene_analysis"
	KindAnomaly           Kind = "anomaly"
	KindTracking          Kind = "tracking"
)

// Directive is one standing monitoring instruction. CameraScope nil
// means every camera.
type Directive struct {
	ID               string    `json:"id"`
	Kind             Kind      `json:"kind"`
	Target           string    `json:"target"`
	RawText          string    `json:"raw_text"`
	RequiresBaseline bool      `json:"requires_baseline"`
	CameraScope      []int     `json:"camera_scope,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// AppliesTo reports whether the directive covers the given camera.
func (d *Directive) AppliesTo(cameraID int) bool {
	if len(d.CameraScope) == 0 {
		return true
	}
	for _, id := range d.CameraScope {
		if id == cameraID {
			return true
		}
	}
	return false
}

// Registry is the single shared directive store. Every reader — camera
// workers, the decision path, the HTTP surface — sees the same set;
// there is exactly one instance per process, injected everywhere.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Directive
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Directive)}
}

// Add stores the directive, assigning an ID and timestamp if missing.
// Re-adding an existing ID replaces it in place (idempotent accept).
func (r *Registry) Add(d *Directive) *Directive {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	cp := *d
	r.byID[cp.ID] = &cp
	return &cp
}

// Remove deletes by ID. Returns false when the ID was never present,
// which callers surface as 404.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	return true
}

func (r *Registry) Get(id string) (*Directive, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	cp := *d
	return &cp, true
}

// ForCamera returns the directives covering a camera, oldest first.
// The slice and its elements are copies; callers may hold them across
// registry mutations.
func (r *Registry) ForCamera(cameraID int) []*Directive {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Directive
	for _, d := range r.byID {
		if d.AppliesTo(cameraID) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// List returns every directive, oldest first.
func (r *Registry) List() []*Directive {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Directive, 0, len(r.byID))
	for _, d := range r.byID {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
