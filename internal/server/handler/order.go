package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

// OrderService is what the order endpoints need from the market.
type OrderService interface {
	SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error)
	CancelOrder(ctx context.Context, orderID string) (domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	OwnerOrders(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Order, error)
}

// OrderHandler serves /api/orders.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, logger: logger.With(slog.String("handler", "orders"))}
}

type submitOrderRequest struct {
	Side       string     `json:"side"`
	Owner      string     `json:"owner"`
	Quantity   string     `json:"quantity"`
	LimitPrice string     `json:"limit_price"`
	EpochID    string     `json:"epoch_id,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// SubmitOrder admits an order into the active epoch.
// POST /api/orders
func (h *OrderHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var body submitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	qty, err := decimal.NewFromString(body.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "quantity must be a decimal string")
		return
	}
	price, err := decimal.NewFromString(body.LimitPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit_price must be a decimal string")
		return
	}

	order, err := h.orders.SubmitOrder(r.Context(), domain.OrderRequest{
		Side:       domain.OrderSide(body.Side),
		Owner:      body.Owner,
		Quantity:   qty,
		LimitPrice: price,
		EpochID:    body.EpochID,
		ExpiresAt:  body.ExpiresAt,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "submit order", err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOrder(order))
}

// CancelOrder withdraws an order before clearing.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.CancelOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "cancel order", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOrder(order))
}

// GetOrder returns one order.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get order", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOrder(order))
}

// ListOrders returns an owner's orders, newest first.
// GET /api/orders?owner=...&limit=50&offset=0
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter required")
		return
	}
	orders, err := h.orders.OwnerOrders(r.Context(), owner, parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "list orders", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": mapViews(orders, viewOrder)})
}
