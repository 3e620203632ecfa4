package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/technosupport/ts-sentinel/internal/alerts"
	"github.com/technosupport/ts-sentinel/internal/directives"
	"github.com/technosupport/ts-sentinel/internal/frames"
	"github.com/technosupport/ts-sentinel/internal/live"
	"github.com/technosupport/ts-sentinel/internal/metrics"
	"github.com/technosupport/ts-sentinel/internal/monitor"
)

// maxAlertPageSize caps one alerts page; larger requested limits are
// clamped, not rejected.
const maxAlertPageSize = 200

// Handler exposes the control surface: directives, cameras, alerts,
// frames and the push streams.
type Handler struct {
	Supervisor *monitor.Supervisor
	Registry   *directives.Registry
	Dispatcher *alerts.Dispatcher
	Store      *frames.Store
	Cache      *live.Cache
	Parser     directives.Parser
	Hub        *Hub

	startedAt time.Time
}

func NewHandler(sup *monitor.Supervisor, reg *directives.Registry, disp *alerts.Dispatcher, store *frames.Store, cache *live.Cache, parser directives.Parser, hub *Hub) *Handler {
	return &Handler{
		Supervisor: sup,
		Registry:   reg,
		Dispatcher: disp,
		Store:      store,
		Cache:      cache,
		Parser:     parser,
		Hub:        hub,
		startedAt:  time.Now(),
	}
}

func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/directives", h.CreateDirective)
		r.Get("/directives", h.ListDirectives)
		r.Delete("/directives/{id}", h.DeleteDirective)

		r.Get("/cameras", h.ListCameras)
		r.Post("/cameras/{id}/start", h.StartCamera)
		r.Post("/cameras/{id}/stop", h.StopCamera)
		r.Get("/cameras/{id}/analysis", h.LatestAnalysis)

		r.Get("/alerts", h.ListAlerts)
		r.Post("/alerts/{id}/acknowledge", h.AcknowledgeAlert)

		r.Get("/frames", h.ListFrames)
		r.Get("/stats/summary", h.StatsSummary)
		r.Get("/system/health", h.SystemHealth)
	})

	r.Get("/ws/live-feed", h.Hub.ServeStream(StreamLiveFeed))
	r.Get("/ws/alerts", h.Hub.ServeStream(StreamAlerts))
	r.Get("/ws/analysis", h.Hub.ServeStream(StreamAnalysis))
	r.Get("/ws/system", h.Hub.ServeStream(StreamSystem))

	r.Handle("/metrics", metrics.Handler())
	return r
}

// getCameraID handles both chi and std mux path params.
func getCameraID(r *http.Request) (int, error) {
	id := chi.URLParam(r, "id")
	if id == "" {
		id = r.PathValue("id")
	}
	return strconv.Atoi(id)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// CreateDirective accepts operator text, parses it into a structured
// directive and activates it.
// POST /api/v1/directives
func (h *Handler) CreateDirective(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text        string `json:"text"`
		CameraScope []int  `json:"camera_scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	parsed, err := h.Parser.Parse(r.Context(), req.Text)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	d := h.Supervisor.ProcessDirective(&directives.Directive{
		Kind:             parsed.Kind,
		Target:           parsed.Target,
		RawText:          req.Text,
		RequiresBaseline: parsed.RequiresBaseline,
		CameraScope:      req.CameraScope,
	})

	writeJSON(w, http.StatusCreated, map[string]any{
		"directive_id":      d.ID,
		"kind":              d.Kind,
		"target":            d.Target,
		"requires_baseline": d.RequiresBaseline,
		"camera_scope":      d.CameraScope,
		"action":            parsed.Confirmation,
	})
}

// GET /api/v1/directives
func (h *Handler) ListDirectives(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"directives": h.Registry.List()})
}

// DELETE /api/v1/directives/{id}
func (h *Handler) DeleteDirective(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.Supervisor.RemoveDirective(id) {
		http.Error(w, "Directive not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/v1/cameras
func (h *Handler) ListCameras(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"cameras": h.Supervisor.Cameras()})
}

// POST /api/v1/cameras/{id}/start
func (h *Handler) StartCamera(w http.ResponseWriter, r *http.Request) {
	id, err := getCameraID(r)
	if err != nil {
		http.Error(w, "Camera ID must be an integer", http.StatusBadRequest)
		return
	}
	state, err := h.Supervisor.StartCamera(id)
	if err != nil {
		if errors.Is(err, monitor.ErrUnknownCamera) {
			http.Error(w, "Camera not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "state": state})
}

// POST /api/v1/cameras/{id}/stop
func (h *Handler) StopCamera(w http.ResponseWriter, r *http.Request) {
	id, err := getCameraID(r)
	if err != nil {
		http.Error(w, "Camera ID must be an integer", http.StatusBadRequest)
		return
	}
	state, err := h.Supervisor.StopCamera(id)
	if err != nil {
		if errors.Is(err, monitor.ErrUnknownCamera) {
			http.Error(w, "Camera not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "state": state})
}

// LatestAnalysis serves the cached most-recent observation.
// GET /api/v1/cameras/{id}/analysis
func (h *Handler) LatestAnalysis(w http.ResponseWriter, r *http.Request) {
	id, err := getCameraID(r)
	if err != nil {
		http.Error(w, "Camera ID must be an integer", http.StatusBadRequest)
		return
	}
	if h.Cache == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	obs, err := h.Cache.LatestObservation(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if obs == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

// GET /api/v1/alerts?since=RFC3339&severity=CRITICAL&camera_id=0&limit=50
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	f := alerts.QueryFilter{CameraID: -1, Limit: 50}

	if raw := r.URL.Query().Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		f.Since = ts
	}
	if raw := r.URL.Query().Get("severity"); raw != "" {
		f.Severity = alerts.Severity(raw)
	}
	if raw := r.URL.Query().Get("camera_id"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "camera_id must be an integer", http.StatusBadRequest)
			return
		}
		f.CameraID = id
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		if n > maxAlertPageSize {
			n = maxAlertPageSize
		}
		f.Limit = n
	}

	found := h.Dispatcher.Query(f)
	writeJSON(w, http.StatusOK, map[string]any{"alerts": found, "count": len(found)})
}

// POST /api/v1/alerts/{id}/acknowledge
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.Dispatcher.Acknowledge(id) {
		http.Error(w, "Alert not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "acknowledged": true})
}

// GET /api/v1/frames?camera_id=0&limit=50&offset=0
func (h *Handler) ListFrames(w http.ResponseWriter, r *http.Request) {
	cameraID := -1
	if raw := r.URL.Query().Get("camera_id"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "camera_id must be an integer", http.StatusBadRequest)
			return
		}
		cameraID = id
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	infos, total, err := h.Store.List(cameraID, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"frames": infos, "total": total})
}

// StatsSummary aggregates alert counts from the ring plus camera and
// stream state.
// GET /api/v1/stats/summary
func (h *Handler) StatsSummary(w http.ResponseWriter, r *http.Request) {
	all := h.Dispatcher.Query(alerts.QueryFilter{CameraID: -1})
	counts := map[alerts.Severity]int{}
	acked := 0
	for _, a := range all {
		counts[a.Severity]++
		if a.Acknowledged {
			acked++
		}
	}

	running := 0
	cams := h.Supervisor.Cameras()
	for _, c := range cams {
		if c.State == monitor.StateRunning {
			running++
		}
	}

	subs, _ := h.Dispatcher.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts_total":       len(all),
		"alerts_by_severity": counts,
		"alerts_acked":       acked,
		"cameras_total":      len(cams),
		"cameras_running":    running,
		"active_directives":  h.Registry.Len(),
		"subscribers":        subs,
	})
}

// GET /api/v1/system/health
func (h *Handler) SystemHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"connections":    h.Hub.ConnectionCounts(),
	})
}
