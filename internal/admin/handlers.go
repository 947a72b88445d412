package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetnotify/internal/detector"
	"fleetnotify/internal/envelope"
	"fleetnotify/internal/maintenance"
	"fleetnotify/internal/queue"
	"fleetnotify/internal/runtime/supervisor"
	"fleetnotify/internal/source"
	"fleetnotify/internal/storage"
	logx "fleetnotify/pkg/logx"
)

// Queue is the queue diagnostics surface. *queue.Queue implements it.
type Queue interface {
	GetPending() []queue.WorkItem
	GetDeadLetters() []queue.WorkItem
	TryRequeueDeadLetter(hash string) bool
	Stats() queue.Stats
}

// ForceNotify is the detector tooling surface. *detector.Detector implements it.
type ForceNotify interface {
	IsForceNotifyEnabled() bool
	ForceNotifySnapshot(fleetID uint64) []detector.ForceNotifyEntry
	RecordManualTrigger(fleetID uint64, vesselID int) (envelope.Envelope, error)
}

// Flusher forces a fleet's held batch out. batching.Policy implements it.
type Flusher interface {
	FlushNow(ctx context.Context, fleetID uint64) error
}

// Deps wires the API to the running daemon. Nil members disable their routes.
type Deps struct {
	Queue    Queue
	Detector ForceNotify
	Flusher  Flusher
	Journal  storage.Store
	Jobs     func() []maintenance.JobInfo
	Tasks    func() []supervisor.TaskStats
	// Health returns the daemon's first fatal error, nil while healthy.
	Health func() error
}

// Handler builds the admin mux; exported for tests and embedding.
func Handler(cfg Config, deps Deps, log logx.Logger) http.Handler {
	a := &api{deps: deps, log: log}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.health)
	mux.Handle("GET /metrics", promhttp.Handler())

	if deps.Queue != nil {
		mux.HandleFunc("GET /v1/stats", a.stats)
		mux.HandleFunc("GET /v1/pending", a.pending)
		mux.HandleFunc("GET /v1/deadletters", a.deadLetters)
		mux.HandleFunc("POST /v1/deadletters/{hash}/requeue", a.requeue)
	}
	if deps.Detector != nil {
		mux.HandleFunc("GET /v1/forcenotify/{fleet}", a.forceNotify)
		mux.HandleFunc("POST /v1/forcenotify/{fleet}/{vessel}/trigger", a.trigger)
	}
	if deps.Flusher != nil {
		mux.HandleFunc("POST /v1/flush/{fleet}", a.flush)
	}
	if deps.Journal != nil {
		mux.HandleFunc("GET /v1/journal", a.journal)
	}
	if deps.Jobs != nil {
		mux.HandleFunc("GET /v1/jobs", func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, http.StatusOK, deps.Jobs()) })
	}
	if deps.Tasks != nil {
		mux.HandleFunc("GET /v1/tasks", func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, http.StatusOK, deps.Tasks()) })
	}

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return withAuth(cfg.Token, mux)
}

type api struct {
	deps Deps
	log  logx.Logger
}

type itemView struct {
	ID            string    `json:"id"`
	Hash          string    `json:"hash"`
	Fleet         string    `json:"fleet"`
	VesselID      int       `json:"vessel_id"`
	VesselName    string    `json:"vessel_name,omitempty"`
	Route         string    `json:"route,omitempty"`
	Status        string    `json:"status"`
	Arrival       time.Time `json:"arrival"`
	State         string    `json:"state"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

func viewItems(items []queue.WorkItem) []itemView {
	out := make([]itemView, 0, len(items))
	for _, it := range items {
		e := it.Envelope
		route := e.RouteName
		if route == "" {
			route = e.RouteID
		}
		out = append(out, itemView{
			ID:            it.ID,
			Hash:          e.Hash,
			Fleet:         strconv.FormatUint(e.FleetID, 16),
			VesselID:      e.VesselID,
			VesselName:    e.VesselName,
			Route:         route,
			Status:        e.Status.String(),
			Arrival:       e.Arrival,
			State:         it.State.String(),
			Attempts:      it.Attempts,
			NextAttemptAt: it.NextAttemptAt,
			LastError:     it.LastError,
		})
	}
	return out
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	if a.deps.Health != nil {
		if err := a.deps.Health(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "failing", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Queue.Stats())
}

func (a *api) pending(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, viewItems(a.deps.Queue.GetPending()))
}

func (a *api) deadLetters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, viewItems(a.deps.Queue.GetDeadLetters()))
}

func (a *api) requeue(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	if !a.deps.Queue.TryRequeueDeadLetter(hash) {
		writeError(w, http.StatusNotFound, errors.New("no dead letter with that hash"))
		return
	}
	a.log.Info("dead letter requeued via admin", logx.String("hash", hash))
	writeJSON(w, http.StatusAccepted, map[string]string{"requeued": hash})
}

func (a *api) forceNotify(w http.ResponseWriter, r *http.Request) {
	fleetID, err := source.ParseFleetID(r.PathValue("fleet"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": a.deps.Detector.IsForceNotifyEnabled(),
		"vessels": a.deps.Detector.ForceNotifySnapshot(fleetID),
	})
}

func (a *api) trigger(w http.ResponseWriter, r *http.Request) {
	fleetID, err := source.ParseFleetID(r.PathValue("fleet"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	vesselID, err := strconv.Atoi(r.PathValue("vessel"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("vessel must be an integer"))
		return
	}
	env, err := a.deps.Detector.RecordManualTrigger(fleetID, vesselID)
	switch {
	case errors.Is(err, detector.ErrUnknownFleet), errors.Is(err, detector.ErrUnknownVessel):
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, detector.ErrNoVoyage), errors.Is(err, envelope.ErrInvalidEnvelope):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"hash": env.Hash, "arrival": env.Arrival})
}

func (a *api) flush(w http.ResponseWriter, r *http.Request) {
	fleetID, err := source.ParseFleetID(r.PathValue("fleet"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.deps.Flusher.FlushNow(r.Context(), fleetID); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"flushed": strconv.FormatUint(fleetID, 16)})
}

func (a *api) journal(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be within 1..1000"))
			return
		}
		limit = n
	}
	entries, err := a.deps.Journal.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []storage.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
