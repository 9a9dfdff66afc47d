package precache

import (
	"encoding/json"
	"io"
	"net/http"

	platformerrors "github.com/jmgilman/go/errors"

	"github.com/jmgilman/go/precache/internal/cache"
)

// HeaderSource is the response header reporting where a served response came from.
const HeaderSource = "X-Precache-Source"

// ControlPrefix is the URL prefix of the worker control endpoints.
const ControlPrefix = "/.precache/"

// maxControlBody limits the size of control request bodies.
const maxControlBody = 1 << 10

// Handler exposes a Worker over HTTP.
type Handler struct {
	worker *Worker
	logger *cache.Logger
	mux    *http.ServeMux
}

// NewHandler returns an http.Handler that serves requests through w.
//
// Control endpoints live under ControlPrefix:
//
//	POST /.precache/message   body is a message opcode
//	POST /.precache/install   runs Install
//	POST /.precache/activate  runs Activate and returns the plan
//	GET  /.precache/plan      returns the plan Activate would run
//	GET  /.precache/stats     returns worker counters
//
// Every other request goes through Worker.Fetch.
func NewHandler(w *Worker) *Handler {
	h := &Handler{
		worker: w,
		logger: w.logger.With("component", "handler"),
		mux:    http.NewServeMux(),
	}
	h.mux.HandleFunc("POST "+ControlPrefix+"message", h.handleMessage)
	h.mux.HandleFunc("POST "+ControlPrefix+"install", h.handleInstall)
	h.mux.HandleFunc("POST "+ControlPrefix+"activate", h.handleActivate)
	h.mux.HandleFunc("GET "+ControlPrefix+"plan", h.handlePlan)
	h.mux.HandleFunc("GET "+ControlPrefix+"stats", h.handleStats)
	h.mux.HandleFunc("/", h.handleFetch)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(rw, r)
}

func (h *Handler) handleFetch(rw http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			h.writeError(rw, r, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "failed to read request body"))
			return
		}
		body = data
	}

	resp, err := h.worker.Fetch(r.Context(), Request{
		Method: r.Method,
		URL:    r.URL.RequestURI(),
		Header: r.Header.Clone(),
		Body:   body,
	})
	if err != nil {
		h.writeError(rw, r, err)
		return
	}

	for name, values := range resp.Header {
		rw.Header()[name] = append([]string(nil), values...)
	}
	rw.Header().Set(HeaderSource, string(resp.Source))
	rw.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		if _, err := rw.Write(resp.Body); err != nil {
			h.logger.Debug(r.Context(), "failed to write response", "error", err)
		}
	}
}

func (h *Handler) handleMessage(rw http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		h.writeError(rw, r, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "failed to read message"))
		return
	}
	if err := h.worker.Message(r.Context(), string(data)); err != nil {
		h.writeError(rw, r, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleInstall(rw http.ResponseWriter, r *http.Request) {
	if err := h.worker.Install(r.Context()); err != nil {
		h.writeError(rw, r, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleActivate(rw http.ResponseWriter, r *http.Request) {
	plan, err := h.worker.Activate(r.Context())
	if err != nil {
		h.writeError(rw, r, err)
		return
	}
	h.writeJSON(rw, r, http.StatusOK, plan)
}

func (h *Handler) handlePlan(rw http.ResponseWriter, r *http.Request) {
	plan, err := h.worker.Plan(r.Context())
	if err != nil {
		h.writeError(rw, r, err)
		return
	}
	h.writeJSON(rw, r, http.StatusOK, plan)
}

func (h *Handler) handleStats(rw http.ResponseWriter, r *http.Request) {
	h.writeJSON(rw, r, http.StatusOK, struct {
		State string `json:"state"`
		Stats
	}{
		State: h.worker.State().String(),
		Stats: h.worker.Stats(),
	})
}

func (h *Handler) writeJSON(rw http.ResponseWriter, r *http.Request, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		h.logger.Error(r.Context(), "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(rw http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	} else {
		h.logger.Debug(r.Context(), "request rejected", "path", r.URL.Path, "error", err)
	}
	h.writeJSON(rw, r, status, platformerrors.ToJSON(err))
}

// statusFor maps a platform error code to an HTTP status.
func statusFor(err error) int {
	switch platformerrors.GetCode(err) {
	case platformerrors.CodeNotFound:
		return http.StatusNotFound
	case platformerrors.CodeInvalidInput:
		return http.StatusBadRequest
	case platformerrors.CodeConflict:
		return http.StatusBadGateway
	case platformerrors.CodeNetwork, platformerrors.CodeTimeout:
		return http.StatusBadGateway
	case platformerrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
