package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/minimall/ledger/internal/ledger"
	"github.com/minimall/ledger/internal/orders"
	"github.com/minimall/ledger/internal/prepaid"
	"github.com/minimall/ledger/internal/redisx"
	"github.com/minimall/ledger/internal/stock"
)

// Cache is the best-effort key-value slice of Redis the handler uses for the
// idempotency fast path and the status cache. Get reports a hit; Set never
// fails visibly. redisx.KV is the production implementation.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
}

// OrdersHandler exposes order submission and the read-side endpoints.
// Cache is optional; without it every read falls through to the ledger.
type OrdersHandler struct {
	Coord *orders.Coordinator
	Store ledger.Store
	Cache Cache
	Log   *zap.Logger
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Post("/orders", h.submitOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getOrderStatus)
	r.Patch("/orders/{id}/status", h.updateOrderStatus)
	r.Get("/products", h.listProducts)
	r.Get("/customers/{id}/credit", h.listCredit)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps the error taxonomy onto HTTP responses with enough
// structured detail for the client to build an actionable message.
func writeErr(w http.ResponseWriter, err error) {
	var (
		vErr     *orders.ValidationError
		pnfErr   *ledger.ProductNotFoundError
		stockErr *stock.InsufficientStockError
		lotsErr  *prepaid.NoEligibleLotsError
		credErr  *prepaid.InsufficientCreditError
		badTrans *orders.BadTransitionError
		compErr  *orders.CompensationError
	)
	switch {
	case errors.As(err, &vErr) || errors.Is(err, stock.ErrNoItems):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case errors.As(err, &pnfErr):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error(), "product_id": pnfErr.ProductID})
	case errors.Is(err, ledger.ErrOrderNotFound) || errors.Is(err, ledger.ErrLotNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	case errors.As(err, &stockErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   stockErr.Error(),
			"code":    "OUT_OF_STOCK",
			"details": stockErr.Details,
		})
	case errors.As(err, &lotsErr):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "code": "NO_ELIGIBLE_LOTS"})
	case errors.As(err, &credErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     credErr.Error(),
			"code":      "INSUFFICIENT_CREDIT",
			"shortfall": credErr.Shortfall(),
		})
	case errors.As(err, &badTrans):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	case errors.Is(err, ledger.ErrConflict):
		// Retries exhausted; the whole submission is safe to resubmit.
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "busy, please retry", "code": "CONFLICT"})
	case errors.As(err, &compErr):
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error", "code": "RECONCILIATION_REQUIRED"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

func (h *OrdersHandler) submitOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	req.TraceID = middleware.GetReqID(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// Idempotency fast path: a cached external id resolves to its order
	// without entering the coordinator. A miss or a dangling id falls
	// through to Submit, which dedupes against the ledger itself.
	idemKey := fmt.Sprintf(redisx.KeyIdemOrderSubmit, req.ExternalID)
	if h.Cache != nil && req.ExternalID != "" {
		if orderID, ok := h.Cache.Get(ctx, idemKey); ok {
			if o, err := h.Store.Order(ctx, orderID); err == nil {
				writeJSON(w, http.StatusOK, orders.SubmitResult{
					OrderID:    o.ID,
					TotalCents: o.TotalCents,
					DueCents:   o.DueCents,
					Existed:    true,
				})
				return
			}
		}
	}

	res, err := h.Coord.Submit(ctx, req)
	if err != nil {
		writeErr(w, err)
		return
	}

	if h.Cache != nil {
		h.Cache.Set(ctx, idemKey, res.OrderID, redisx.TTLIdempotency)
		if !res.Existed {
			// Only a freshly created order is known to be PENDING; a
			// resubmit must not clobber a status that moved on.
			statusKey := fmt.Sprintf(redisx.KeyOrderStatus, res.OrderID)
			h.Cache.Set(ctx, statusKey, `{"status":"PENDING"}`, redisx.TTLStatusCache)
		}
	}

	code := http.StatusCreated
	if res.Existed {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Store.Order(ctx, orderID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	if h.Cache != nil {
		if s, ok := h.Cache.Get(ctx, key); ok {
			writeJSON(w, http.StatusOK, json.RawMessage(s))
			return
		}
	}

	o, err := h.Store.Order(ctx, orderID)
	if err != nil {
		writeErr(w, err)
		return
	}
	body := map[string]any{"status": o.Status}
	if h.Cache != nil {
		b, _ := json.Marshal(body)
		h.Cache.Set(ctx, key, string(b), redisx.TTLStatusCache)
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *OrdersHandler) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	var req struct {
		Status ledger.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing status"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.Coord.UpdateStatus(ctx, orderID, req.Status); err != nil {
		writeErr(w, err)
		return
	}
	if h.Cache != nil {
		key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
		b, _ := json.Marshal(map[string]any{"status": req.Status})
		h.Cache.Set(ctx, key, string(b), redisx.TTLStatusCache)
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "status": req.Status})
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Store.Products(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *OrdersHandler) listCredit(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "id")
	kind := ledger.CreditKind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = ledger.KindAmount
	}
	productID := r.URL.Query().Get("product_id")
	if kind != ledger.KindAmount && kind != ledger.KindProduct {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown kind"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	lots, err := h.Store.LotsByCustomer(ctx, customerID, kind, productID)
	if err != nil {
		writeErr(w, err)
		return
	}
	var balance int64
	for _, l := range lots {
		balance += l.Balance
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"customer_id": customerID,
		"kind":        kind,
		"balance":     balance,
		"lots":        lots,
	})
}
