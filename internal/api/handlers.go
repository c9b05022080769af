package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/starford/yieldkeeper/internal/apperr"
	"github.com/starford/yieldkeeper/internal/journal"
	"github.com/starford/yieldkeeper/internal/keeper"
)

const maxCycleLimit = 200

// StatusReporter exposes the in-memory cycle state. *keeper.Keeper satisfies it.
type StatusReporter interface {
	Status(now time.Time) keeper.Status
}

// Handler holds API route handlers.
type Handler struct {
	status  StatusReporter
	history journal.Store
	now     func() time.Time
}

// NewHandler creates a new Handler. history may be nil when the journal is disabled.
func NewHandler(status StatusReporter, history journal.Store) *Handler {
	return &Handler{
		status:  status,
		history: history,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Health handles GET /health.
//
//	@Summary		Liveness probe
//	@Tags			system
//	@Produce		json
//	@Success		200	{object}	HealthResponse
//	@Router			/health [get]
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Timestamp: h.now()})
}

// Status handles GET /api/status.
//
//	@Summary		Current and next cycle timing
//	@Tags			keeper
//	@Produce		json
//	@Success		200	{object}	StatusResponse
//	@Router			/status [get]
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.status.Status(h.now()))
}

// ListCycles handles GET /api/cycles.
//
//	@Summary		Recent cycles, newest first
//	@Tags			journal
//	@Produce		json
//	@Param			limit	query		int	false	"Max cycles (default 20, max 200)"
//	@Success		200		{object}	CycleListResponse
//	@Failure		503		{object}	errResponse
//	@Router			/cycles [get]
func (h *Handler) ListCycles(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("journal disabled"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit > maxCycleLimit {
		limit = maxCycleLimit
	}

	rows, err := h.history.Recent(limit)
	if err != nil {
		slog.Error("list cycles failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	out := CycleListResponse{Cycles: make([]CycleDTO, 0, len(rows))}
	for _, row := range rows {
		out.Cycles = append(out.Cycles, cycleDTO(row))
	}
	writeJSON(w, http.StatusOK, out)
}

// ListRepayments handles GET /api/cycles/{id}/repayments.
//
//	@Summary		Per-vault outcomes of one cycle
//	@Tags			journal
//	@Produce		json
//	@Param			id	path		int	true	"Cycle ID"
//	@Success		200	{object}	RepaymentListResponse
//	@Failure		400	{object}	errResponse
//	@Failure		404	{object}	errResponse
//	@Failure		503	{object}	errResponse
//	@Router			/cycles/{id}/repayments [get]
func (h *Handler) ListRepayments(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("journal disabled"))
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid cycle id"))
		return
	}

	rows, err := h.history.Repayments(id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("list repayments failed", slog.Int64("cycle", id), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	out := RepaymentListResponse{CycleID: id, Repayments: make([]RepaymentDTO, 0, len(rows))}
	for _, row := range rows {
		out.Repayments = append(out.Repayments, repaymentDTO(row))
	}
	writeJSON(w, http.StatusOK, out)
}
