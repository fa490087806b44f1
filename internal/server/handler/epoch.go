package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

// EpochService is what the epoch endpoints need from the market.
type EpochService interface {
	CurrentEpoch(ctx context.Context) (domain.Epoch, error)
	GetEpoch(ctx context.Context, epochID string) (domain.Epoch, error)
	EpochHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Epoch, error)
	EpochMatches(ctx context.Context, epochID string) ([]domain.Match, error)
	BookSnapshot(ctx context.Context) (domain.BookSnapshot, error)
	TriggerClearing(ctx context.Context, epochID string) (domain.Epoch, error)
}

// EpochHandler serves /api/epochs and /api/book.
type EpochHandler struct {
	epochs  EpochService
	reports domain.EpochArchiver
	logger  *slog.Logger
}

// NewEpochHandler creates an EpochHandler. reports may be nil when archiving
// is disabled.
func NewEpochHandler(epochs EpochService, reports domain.EpochArchiver, logger *slog.Logger) *EpochHandler {
	return &EpochHandler{epochs: epochs, reports: reports, logger: logger.With(slog.String("handler", "epochs"))}
}

// CurrentEpoch returns the active epoch.
// GET /api/epochs/current
func (h *EpochHandler) CurrentEpoch(w http.ResponseWriter, r *http.Request) {
	ep, err := h.epochs.CurrentEpoch(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "current epoch", err)
		return
	}
	writeJSON(w, http.StatusOK, viewEpoch(ep))
}

// GetEpoch returns one epoch with its statistics.
// GET /api/epochs/{id}
func (h *EpochHandler) GetEpoch(w http.ResponseWriter, r *http.Request) {
	ep, err := h.epochs.GetEpoch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get epoch", err)
		return
	}
	writeJSON(w, http.StatusOK, viewEpoch(ep))
}

// ListEpochs returns epochs, newest first.
// GET /api/epochs?limit=50&offset=0
func (h *EpochHandler) ListEpochs(w http.ResponseWriter, r *http.Request) {
	eps, err := h.epochs.EpochHistory(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "list epochs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"epochs": mapViews(eps, viewEpoch)})
}

// EpochMatches returns the matches produced by an epoch's clearing.
// GET /api/epochs/{id}/matches
func (h *EpochHandler) EpochMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := h.epochs.EpochMatches(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "epoch matches", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": mapViews(matches, viewMatch)})
}

// TriggerClearing closes an epoch early. An empty id means the current one.
// POST /api/epochs/{id}/clear
func (h *EpochHandler) TriggerClearing(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "current" {
		id = ""
	}
	ep, err := h.epochs.TriggerClearing(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "trigger clearing", err)
		return
	}
	h.logger.InfoContext(r.Context(), "clearing triggered",
		slog.String("epoch_id", ep.ID),
		slog.String("status", string(ep.Status)),
	)
	writeJSON(w, http.StatusAccepted, viewEpoch(ep))
}

// EpochReport returns the archived report of a finished epoch.
// GET /api/epochs/{id}/report
func (h *EpochHandler) EpochReport(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		writeError(w, http.StatusNotFound, "epoch archiving is disabled")
		return
	}
	rep, err := h.reports.Report(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "epoch report", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"epoch":       viewEpoch(rep.Epoch),
		"matches":     mapViews(rep.Matches, viewMatch),
		"settlements": mapViews(rep.Settlements, viewSettlement),
	})
}

// Book returns the current order book snapshot.
// GET /api/book
func (h *EpochHandler) Book(w http.ResponseWriter, r *http.Request) {
	snap, err := h.epochs.BookSnapshot(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "book snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
