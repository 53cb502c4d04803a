package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordersync/internal/consumer"
	"ordersync/internal/metrics"
	"ordersync/internal/model"
	"ordersync/internal/order"
	"ordersync/internal/replica"
	"ordersync/internal/service"
)

type stateLane consumer.State

func (s stateLane) State() consumer.State { return consumer.State(s) }

type brokenCounter struct{}

func (brokenCounter) Count() (int, error) { return 0, errors.New("disk gone") }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func newTestServer(t *testing.T) (*Server, *replica.Memory[int64, model.Item], *replica.Accounts) {
	t.Helper()
	items := replica.NewMemory[int64, model.Item]()
	accounts := replica.NewMemoryAccounts()
	return NewServer(Deps{
		Items:    items,
		Accounts: accounts,
		Lanes:    map[string]Lane{"items": stateLane(consumer.Idle), "accounts": stateLane(consumer.Retrying)},
		Metrics:  metrics.NewRegistry(),
	}), items, accounts
}

func TestStatus_ReportsCountsAndLanes(t *testing.T) {
	s, items, accounts := newTestServer(t)
	h := s.Handler()

	var resp statusResponse
	rec := get(t, h, "/sync/status")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "INCOMPLETE", resp.Status)

	require.NoError(t, items.Upsert(5, model.Item{ID: 5}))
	require.NoError(t, accounts.Upsert(1, model.Account{Email: "ada@example.com"}))
	rec = get(t, h, "/sync/status")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "SYNCHRONIZED", resp.Status)
	assert.Equal(t, map[string]int{"items": 1, "accounts": 1}, resp.Replicas)
	assert.Equal(t, "retrying", resp.Lanes["accounts"])
	assert.Equal(t, "idle", resp.Lanes["items"])
}

func TestStatus_ReplicaErrorIs500(t *testing.T) {
	s := NewServer(Deps{Items: brokenCounter{}, Accounts: replica.NewMemoryAccounts()})
	rec := get(t, s.Handler(), "/sync/status")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "disk gone")
}

func TestAccount_ByEmail(t *testing.T) {
	s, _, accounts := newTestServer(t)
	require.NoError(t, accounts.Upsert(7, model.Account{Email: "ada@example.com"}))
	h := s.Handler()

	var resp accountResponse
	rec := get(t, h, "/sync/accounts/ADA@example.com")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Synchronized)
	assert.Equal(t, int64(7), resp.AccountID)

	rec = get(t, h, "/sync/accounts/ghost@example.com")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Synchronized)
}

func TestHealthAndMetrics(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	s.deps.Metrics.StaleReplica.WithLabelValues("items").Inc()
	rec = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "ordersync_stale_replica_total"))
}

type fakeOrders map[string]order.Order

func (f fakeOrders) Get(_ context.Context, id string) (order.Order, error) {
	o, ok := f[id]
	if !ok {
		return order.Order{}, service.ErrNotFound
	}
	return o, nil
}

func (f fakeOrders) ListByOwner(_ context.Context, owner int64) ([]order.Order, error) {
	var out []order.Order
	for _, o := range f {
		if o.OwnerAccountID == owner {
			out = append(out, o)
		}
	}
	return out, nil
}

func TestOrders_LookupAndList(t *testing.T) {
	p := decimal.RequireFromString("9.99")
	orders := fakeOrders{"o-1": {ID: "o-1", OwnerAccountID: 1, Lines: []order.LineSnapshot{
		{LineID: "l-1", ItemID: 5, Name: "Widget", UnitPrice: p, Quantity: 2, Subtotal: p.Mul(decimal.NewFromInt(2))},
	}}}
	h := NewServer(Deps{Orders: orders, Items: replica.NewMemory[int64, model.Item](), Accounts: replica.NewMemoryAccounts()}).Handler()

	rec := get(t, h, "/orders/o-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "o-1", body["id"])
	assert.Equal(t, "19.98", body["total"])

	assert.Equal(t, http.StatusNotFound, get(t, h, "/orders/missing").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/accounts/abc/orders").Code)

	rec = get(t, h, "/accounts/1/orders")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}
