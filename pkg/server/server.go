// Package server exposes the worker over HTTP: a local control API under
// /__sw/ for the page glue, /metrics, and the cache router for every other
// path.
package server

import (
	"encoding/json"
	"io"
	"net/http"

	gojson "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/wurt83ow/gitako-sw/pkg/appcontext"
	"github.com/wurt83ow/gitako-sw/pkg/events"
	"github.com/wurt83ow/gitako-sw/pkg/models"
)

const maxBody = 1 << 20

// NewRouter builds the handler tree for app.
func NewRouter(app *appcontext.App) *mux.Router {
	h := &handlers{app: app}

	r := mux.NewRouter()
	api := r.PathPrefix("/__sw").Subrouter()
	api.HandleFunc("/status", h.status).Methods("GET")
	api.HandleFunc("/queue/{collection}", h.unsynced).Methods("GET")
	api.HandleFunc("/queue/{collection}", h.save).Methods("POST")
	api.HandleFunc("/submit/{formType}", h.submit).Methods("POST")
	api.HandleFunc("/drain", h.drain).Methods("POST")
	api.HandleFunc("/sync/{tag}", h.sync).Methods("POST")
	api.HandleFunc("/online", h.event(events.Online)).Methods("POST")
	api.HandleFunc("/offline", h.event(events.Offline)).Methods("POST")
	api.HandleFunc("/install", h.event(events.Install)).Methods("POST")
	api.HandleFunc("/activate", h.event(events.Activate)).Methods("POST")
	api.HandleFunc("/message", h.event(events.Message)).Methods("POST")
	api.HandleFunc("/push", h.event(events.Push)).Methods("POST")
	api.HandleFunc("/notificationclick/{action}", h.click).Methods("POST")
	api.HandleFunc("/notificationclick", h.click).Methods("POST")

	r.Handle("/metrics", app.Metrics.Handler()).Methods("GET")
	r.PathPrefix("/").Handler(withRequestID(app, app.Router))
	return r
}

type handlers struct {
	app *appcontext.App
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = gojson.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBody))
}

func (h *handlers) collection(w http.ResponseWriter, r *http.Request) (models.Collection, bool) {
	c, ok := models.ParseCollection(mux.Vars(r)["collection"])
	if !ok {
		http.Error(w, "unknown collection", http.StatusNotFound)
	}
	return c, ok
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.app.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) save(w http.ResponseWriter, r *http.Request) {
	c, ok := h.collection(w, r)
	if !ok {
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := h.app.Queue.Save(r.Context(), c, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (h *handlers) unsynced(w http.ResponseWriter, r *http.Request) {
	c, ok := h.collection(w, r)
	if !ok {
		return
	}
	records, err := h.app.Queue.Unsynced(r.Context(), c)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if records == nil {
		records = []models.QueueRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.app.Services.Submit(r.Context(), mux.Vars(r)["formType"], json.RawMessage(body))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type drainResult struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

// drain queues a full drain behind any event already dispatched and reports
// the drain it ran.
func (h *handlers) drain(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Bus.Dispatch(r.Context(), events.Event{Type: events.Drain}); err != nil {
		h.app.Log.Errorf("Failed to handle %s event: %v", events.Drain, err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	info := h.app.SyncInfo.GetSyncInfo()
	writeJSON(w, http.StatusOK, drainResult{Synced: info.Synced, Failed: info.Failed})
}

func (h *handlers) sync(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, events.Event{Type: events.Sync, Tag: mux.Vars(r)["tag"]})
}

func (h *handlers) click(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, events.Event{Type: events.NotificationClick, Action: mux.Vars(r)["action"]})
}

func (h *handlers) event(t events.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		e := events.Event{Type: t}
		if len(body) > 0 {
			e.Data = json.RawMessage(body)
		}
		h.dispatch(w, r, e)
	}
}

func (h *handlers) dispatch(w http.ResponseWriter, r *http.Request, e events.Event) {
	if err := h.app.Bus.Dispatch(r.Context(), e); err != nil {
		h.app.Log.Errorf("Failed to handle %s event: %v", e.Type, err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// withRequestID tags every routed request with an id for the logs.
func withRequestID(app *appcontext.App, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := appcontext.WithRequestID(r.Context(), r.Header.Get("X-Request-Id"))
		id, _ := appcontext.GetRequestID(ctx)
		app.Log.Debugf("[%s] %s %s", id, r.Method, r.URL)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
