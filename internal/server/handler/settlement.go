package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

// SettlementService is what the settlement endpoints need from the market.
type SettlementService interface {
	GetSettlement(ctx context.Context, id string) (domain.Settlement, error)
	ListSettlements(ctx context.Context, status domain.SettlementStatus, opts domain.ListOpts) ([]domain.Settlement, error)
	EpochSettlements(ctx context.Context, epochID string) ([]domain.Settlement, error)
	ListExhaustedSettlements(ctx context.Context, opts domain.ListOpts) ([]domain.Settlement, error)
}

// SettlementHandler serves /api/settlements.
type SettlementHandler struct {
	settlements SettlementService
	logger      *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler.
func NewSettlementHandler(settlements SettlementService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{settlements: settlements, logger: logger.With(slog.String("handler", "settlements"))}
}

// GetSettlement looks a settlement up by its id or its match id.
// GET /api/settlements/{id}
func (h *SettlementHandler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	st, err := h.settlements.GetSettlement(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get settlement", err)
		return
	}
	writeJSON(w, http.StatusOK, viewSettlement(st))
}

// ListSettlements filters by status, by epoch, or lists exhausted
// settlements with status=exhausted.
// GET /api/settlements?status=failed | ?epoch_id=... | ?status=exhausted
func (h *SettlementHandler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		list []domain.Settlement
		err  error
	)
	switch status := q.Get("status"); {
	case q.Get("epoch_id") != "":
		list, err = h.settlements.EpochSettlements(r.Context(), q.Get("epoch_id"))
	case status == "exhausted":
		list, err = h.settlements.ListExhaustedSettlements(r.Context(), parseListOpts(r))
	case status != "":
		list, err = h.settlements.ListSettlements(r.Context(), domain.SettlementStatus(status), parseListOpts(r))
	default:
		writeError(w, http.StatusBadRequest, "status or epoch_id query parameter required")
		return
	}
	if err != nil {
		writeDomainError(w, r, h.logger, "list settlements", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settlements": mapViews(list, viewSettlement)})
}
