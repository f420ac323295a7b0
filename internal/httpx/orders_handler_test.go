package httpx_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/minimall/ledger/internal/httpx"
	"github.com/minimall/ledger/internal/ledger"
	"github.com/minimall/ledger/internal/ledger/memory"
	"github.com/minimall/ledger/internal/orders"
	"github.com/minimall/ledger/internal/prepaid"
	"github.com/minimall/ledger/internal/redisx"
	"github.com/minimall/ledger/internal/stock"
)

type mapCache struct {
	mu sync.Mutex
	m  map[string]string
}

func newMapCache() *mapCache { return &mapCache{m: map[string]string{}} }

func (c *mapCache) Get(ctx context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.m[key]
	return s, ok && s != ""
}

func (c *mapCache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
}

func newServer(t *testing.T) (*httptest.Server, *memory.Store) {
	srv, store, _ := newCachedServer(t, nil)
	return srv, store
}

func newCachedServer(t *testing.T, cache *mapCache) (*httptest.Server, *memory.Store, *mapCache) {
	t.Helper()
	store := memory.New()
	coord := &orders.Coordinator{
		Ledger:  store,
		Stock:   &stock.Reserver{Ledger: store, Backoff: time.Millisecond},
		Prepaid: &prepaid.Allocator{Ledger: store, Backoff: time.Millisecond},
		Service: "test",
	}
	r := httpx.NewRouter(zap.NewNop())
	h := &httpx.OrdersHandler{Coord: coord, Store: store, Log: zap.NewNop()}
	if cache != nil {
		h.Cache = cache
	}
	h.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store, cache
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func submitBody(externalID string, qty int) map[string]any {
	return map[string]any{
		"external_id":    externalID,
		"customer_id":    "c1",
		"items":          []map[string]any{{"product_id": "p1", "qty": qty}},
		"payment_method": "online",
	}
}

func TestSubmitOrder_Created(t *testing.T) {
	srv, store := newServer(t)
	store.PutProduct(ledger.Product{ID: "p1", SKU: "sku-p1", Name: "p1", Stock: 10, PriceCents: 500})

	resp := postJSON(t, srv.URL+"/orders", submitBody("ext-1", 2))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var res orders.SubmitResult
	decode(t, resp, &res)
	assert.NotEmpty(t, res.OrderID)
	assert.Equal(t, int64(1000), res.TotalCents)
	assert.False(t, res.Existed)

	// Resubmit with the same external id returns 200 and the same order.
	resp = postJSON(t, srv.URL+"/orders", submitBody("ext-1", 2))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var again orders.SubmitResult
	decode(t, resp, &again)
	assert.True(t, again.Existed)
	assert.Equal(t, res.OrderID, again.OrderID)
}

func TestSubmitOrder_BadJSON(t *testing.T) {
	srv, _ := newServer(t)

	resp, err := http.Post(srv.URL+"/orders", "application/json", bytes.NewReader([]byte("{nope")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitOrder_ValidationError(t *testing.T) {
	srv, _ := newServer(t)

	body := submitBody("", 1)
	resp := postJSON(t, srv.URL+"/orders", body)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitOrder_OutOfStock(t *testing.T) {
	srv, store := newServer(t)
	store.PutProduct(ledger.Product{ID: "p1", SKU: "sku-p1", Name: "p1", Stock: 1, PriceCents: 500})

	resp := postJSON(t, srv.URL+"/orders", submitBody("ext-1", 2))
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var body struct {
		Code    string           `json:"code"`
		Details []stock.Shortage `json:"details"`
	}
	decode(t, resp, &body)
	assert.Equal(t, "OUT_OF_STOCK", body.Code)
	require.Len(t, body.Details, 1)
	assert.Equal(t, "p1", body.Details[0].ProductID)
	assert.Equal(t, 2, body.Details[0].Required)
	assert.Equal(t, 1, body.Details[0].Available)
}

func TestSubmitOrder_InsufficientCredit(t *testing.T) {
	srv, store := newServer(t)
	store.PutProduct(ledger.Product{ID: "p1", SKU: "sku-p1", Name: "p1", Stock: 10, PriceCents: 500})
	store.PutLot(ledger.CreditLot{
		ID: "l1", CustomerID: "c1", Kind: ledger.KindAmount,
		Original: 100, Balance: 100, Status: ledger.LotActive, CreatedAt: time.Now().UTC(),
	})

	body := submitBody("ext-1", 2)
	body["payment_method"] = "prepaid"
	body["prepaid"] = map[string]any{"kind": "amount"}

	resp := postJSON(t, srv.URL+"/orders", body)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var out struct {
		Code      string `json:"code"`
		Shortfall int64  `json:"shortfall"`
	}
	decode(t, resp, &out)
	assert.Equal(t, "INSUFFICIENT_CREDIT", out.Code)
	assert.Equal(t, int64(900), out.Shortfall)
}

func TestSubmitOrder_IdempotencyFastPath(t *testing.T) {
	srv, store, cache := newCachedServer(t, newMapCache())
	store.PutProduct(ledger.Product{ID: "p1", SKU: "sku-p1", Name: "p1", Stock: 10, PriceCents: 500})
	ctx := context.Background()

	resp := postJSON(t, srv.URL+"/orders", submitBody("ext-1", 2))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var res orders.SubmitResult
	decode(t, resp, &res)

	// The submit must have recorded the external id for the fast path.
	cached, ok := cache.Get(ctx, fmt.Sprintf(redisx.KeyIdemOrderSubmit, "ext-1"))
	require.True(t, ok)
	assert.Equal(t, res.OrderID, cached)

	// A cached external id resolves without creating anything, even when
	// the ledger has never seen that id.
	cache.Set(ctx, fmt.Sprintf(redisx.KeyIdemOrderSubmit, "ext-9"), res.OrderID, 0)
	resp = postJSON(t, srv.URL+"/orders", submitBody("ext-9", 2))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hit orders.SubmitResult
	decode(t, resp, &hit)
	assert.True(t, hit.Existed)
	assert.Equal(t, res.OrderID, hit.OrderID)

	_, err := store.OrderByExternalID(ctx, "ext-9")
	require.ErrorIs(t, err, ledger.ErrOrderNotFound)
	p, _ := store.Product(ctx, "p1")
	assert.Equal(t, 8, p.Stock, "fast-path hit must leave the ledger untouched")
}

func TestSubmitOrder_ResubmitKeepsStatusCacheFresh(t *testing.T) {
	srv, store, cache := newCachedServer(t, newMapCache())
	store.PutProduct(ledger.Product{ID: "p1", SKU: "sku-p1", Name: "p1", Stock: 10, PriceCents: 500})
	ctx := context.Background()

	resp := postJSON(t, srv.URL+"/orders", submitBody("ext-1", 1))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var res orders.SubmitResult
	decode(t, resp, &res)

	b, _ := json.Marshal(map[string]string{"status": "PAID"})
	req, err := http.NewRequest(http.MethodPatch, srv.URL+"/orders/"+res.OrderID+"/status", bytes.NewReader(b))
	require.NoError(t, err)
	patchResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, patchResp.StatusCode)
	patchResp.Body.Close()

	// Clear the fast-path entry so the resubmit reaches the coordinator's
	// own dedupe, then resubmit the same external id.
	cache.Set(ctx, fmt.Sprintf(redisx.KeyIdemOrderSubmit, "ext-1"), "", 0)
	resp = postJSON(t, srv.URL+"/orders", submitBody("ext-1", 1))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var again orders.SubmitResult
	decode(t, resp, &again)
	require.True(t, again.Existed)

	statusKey := fmt.Sprintf(redisx.KeyOrderStatus, res.OrderID)
	cachedStatus, ok := cache.Get(ctx, statusKey)
	require.True(t, ok)
	assert.JSONEq(t, `{"status":"PAID"}`, cachedStatus, "resubmit must not reset the cached status")

	getResp, err := http.Get(srv.URL + "/orders/" + res.OrderID + "/status")
	require.NoError(t, err)
	var body struct {
		Status ledger.Status `json:"status"`
	}
	decode(t, getResp, &body)
	assert.Equal(t, ledger.StatusPaid, body.Status)
}

func TestGetOrder(t *testing.T) {
	srv, store := newServer(t)
	store.PutProduct(ledger.Product{ID: "p1", SKU: "sku-p1", Name: "p1", Stock: 10, PriceCents: 500})

	resp := postJSON(t, srv.URL+"/orders", submitBody("ext-1", 1))
	var res orders.SubmitResult
	decode(t, resp, &res)

	resp, err := http.Get(srv.URL + "/orders/" + res.OrderID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var o ledger.Order
	decode(t, resp, &o)
	assert.Equal(t, "ext-1", o.ExternalID)
	assert.Equal(t, ledger.StatusPending, o.Status)

	resp, err = http.Get(srv.URL + "/orders/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetOrderStatus(t *testing.T) {
	srv, store := newServer(t)
	store.PutProduct(ledger.Product{ID: "p1", SKU: "sku-p1", Name: "p1", Stock: 10, PriceCents: 500})

	resp := postJSON(t, srv.URL+"/orders", submitBody("ext-1", 1))
	var res orders.SubmitResult
	decode(t, resp, &res)

	resp, err := http.Get(srv.URL + "/orders/" + res.OrderID + "/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status ledger.Status `json:"status"`
	}
	decode(t, resp, &body)
	assert.Equal(t, ledger.StatusPending, body.Status)
}

func TestUpdateOrderStatus(t *testing.T) {
	srv, store := newServer(t)
	store.PutProduct(ledger.Product{ID: "p1", SKU: "sku-p1", Name: "p1", Stock: 10, PriceCents: 500})

	resp := postJSON(t, srv.URL+"/orders", submitBody("ext-1", 1))
	var res orders.SubmitResult
	decode(t, resp, &res)

	patch := func(status string) *http.Response {
		b, _ := json.Marshal(map[string]string{"status": status})
		req, err := http.NewRequest(http.MethodPatch, fmt.Sprintf("%s/orders/%s/status", srv.URL, res.OrderID), bytes.NewReader(b))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		r, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return r
	}

	r := patch("PAID")
	require.Equal(t, http.StatusOK, r.StatusCode)
	r.Body.Close()

	// PAID is terminal.
	r = patch("CANCELLED")
	assert.Equal(t, http.StatusConflict, r.StatusCode)
	r.Body.Close()
}

func TestListProducts(t *testing.T) {
	srv, store := newServer(t)
	store.PutProduct(ledger.Product{ID: "p1", SKU: "sku-p1", Name: "p1", Stock: 10, PriceCents: 500})
	store.PutProduct(ledger.Product{ID: "p2", SKU: "sku-p2", Name: "p2", Stock: 0, PriceCents: 300})

	resp, err := http.Get(srv.URL + "/products")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ps []ledger.Product
	decode(t, resp, &ps)
	assert.Len(t, ps, 2)
}

func TestListCredit(t *testing.T) {
	srv, store := newServer(t)
	now := time.Now().UTC()
	store.PutLot(ledger.CreditLot{
		ID: "l1", CustomerID: "c1", Kind: ledger.KindAmount,
		Original: 100, Balance: 60, Status: ledger.LotActive, CreatedAt: now,
	})
	store.PutLot(ledger.CreditLot{
		ID: "l2", CustomerID: "c1", Kind: ledger.KindAmount,
		Original: 50, Balance: 50, Status: ledger.LotActive, CreatedAt: now.Add(time.Minute),
	})

	resp, err := http.Get(srv.URL + "/customers/c1/credit?kind=amount")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Balance int64              `json:"balance"`
		Lots    []ledger.CreditLot `json:"lots"`
	}
	decode(t, resp, &body)
	assert.Equal(t, int64(110), body.Balance)
	assert.Len(t, body.Lots, 2)

	resp, err = http.Get(srv.URL + "/customers/c1/credit?kind=points")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
