package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/esp-provisioning-station/fuse"
	"github.com/ruteri/esp-provisioning-station/interfaces"
	"github.com/ruteri/esp-provisioning-station/provisioner"
	"go.uber.org/atomic"
)

// Provisioner runs the provisioning pipeline once.
type Provisioner interface {
	Run(ctx context.Context) (*provisioner.Record, error)
}

// ProvisionResponse is the body of POST /api/v1/provision.
type ProvisionResponse struct {
	Record *provisioner.Record `json:"record"`
	Error  string              `json:"error,omitempty"`
}

// SerialResponse is the body of GET /api/v1/serial.
type SerialResponse struct {
	Serial string `json:"serial"`
	Next   string `json:"next,omitempty"`
}

// Handler serves the provisioning endpoints.
type Handler struct {
	prov     Provisioner
	serial   interfaces.TokenStore
	records  interfaces.RecordStore
	lenient  bool
	overflow interfaces.OverflowPolicy
	log      *slog.Logger

	busy atomic.Bool
	runs atomic.Int64

	mu   sync.Mutex
	last *provisioner.Record
}

// NewHandler creates a handler running prov. serial is read (never written)
// by the serial endpoint; lenient and overflow must match the sequencer's.
// records may be nil when the station archives nothing.
func NewHandler(prov Provisioner, serial interfaces.TokenStore, records interfaces.RecordStore, lenient bool, overflow interfaces.OverflowPolicy, log *slog.Logger) *Handler {
	return &Handler{
		prov:     prov,
		serial:   serial,
		records:  records,
		lenient:  lenient,
		overflow: overflow,
		log:      log,
	}
}

// HandleProvision runs the pipeline. The run is detached from the request
// context: a client going away must not interrupt a fuse burn.
func (h *Handler) HandleProvision(w http.ResponseWriter, r *http.Request) {
	if !h.busy.CompareAndSwap(false, true) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "provisioning already in progress"})
		return
	}
	defer h.busy.Store(false)

	n := h.runs.Inc()
	h.log.Info("Provisioning requested", "remote", r.RemoteAddr, "run", n)

	record, err := h.prov.Run(context.WithoutCancel(r.Context()))

	h.mu.Lock()
	h.last = record
	h.mu.Unlock()

	if err != nil {
		h.log.Error("Provisioning failed", "err", err)
		writeJSON(w, statusForError(err), ProvisionResponse{Record: record, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ProvisionResponse{Record: record})
}

// HandleStatus returns the last record.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	last := h.last
	h.mu.Unlock()

	if last == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no provisioning run yet"})
		return
	}
	writeJSON(w, http.StatusOK, last)
}

// HandleSerial returns the current serial counter.
func (h *Handler) HandleSerial(w http.ResponseWriter, r *http.Request) {
	raw, err := h.serial.Load(r.Context())
	if err != nil {
		h.log.Error("Failed to load serial number", "err", err, "location", h.serial.LocationURI())
		writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
		return
	}

	s, err := fuse.ParseSerial(string(raw), h.lenient)
	if err != nil {
		writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
		return
	}

	resp := SerialResponse{Serial: s.String()}
	if next, err := fuse.Increment(s, h.overflow); err == nil {
		resp.Next = next.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleRecord returns an archived provisioning record by content ID.
func (h *Handler) HandleRecord(w http.ResponseWriter, r *http.Request) {
	id, err := interfaces.NewContentIDFromHex(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid record id"})
		return
	}
	if h.records == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no record store configured"})
		return
	}

	data, err := h.records.Fetch(r.Context(), id)
	if err != nil {
		h.log.Debug("Failed to fetch record", slog.String("id", id.String()), "err", err)
		writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Busy reports whether a run is in progress.
func (h *Handler) Busy() bool {
	return h.busy.Load()
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, interfaces.ErrExternalTool):
		return http.StatusBadGateway
	case errors.Is(err, interfaces.ErrContentNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
