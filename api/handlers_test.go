/*
handlers_test.go - HTTP tests for the operations API

Tests for:
- Master data and document endpoints
- Position and event read model
- Maintenance endpoints (verify, rebuild, fix) and error mapping
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lot-engine/api"
	"github.com/warp/lot-engine/fifo"
	"github.com/warp/lot-engine/fifo/store"
	"github.com/warp/lot-engine/metrics"
)

type testServer struct {
	t   *testing.T
	eng *fifo.Engine
	mem *store.Memory
	h   *api.Handler
	srv http.Handler
}

func newServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	eng := fifo.NewEngine(mem)
	h := api.NewHandler(eng, zerolog.Nop())
	srv := api.NewRouter(h, api.RouterConfig{Metrics: metrics.New(), Logger: zerolog.Nop()})
	return &testServer{t: t, eng: eng, mem: mem, h: h, srv: srv}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func day(n int) time.Time {
	return time.Date(2025, time.June, n, 0, 0, 0, 0, time.UTC)
}

// seed creates a bar with rum: receipts 10@4 and 10@5, then a sale of 12.
func (s *testServer) seed() {
	s.t.Helper()
	rec := s.do(http.MethodPut, "/api/locations/bar", map[string]any{"name": "Bar", "active": true})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do(http.MethodPut, "/api/items/rum", map[string]any{"name": "Rum", "cost_basis": "4", "sale_price": "9", "active": true})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())

	ctx := context.Background()
	for i, cost := range []int64{4, 5} {
		_, err := s.eng.Apply(ctx, fifo.EventInput{
			ID: fifo.EventID([]string{"r1", "r2"}[i]), Kind: fifo.KindReceipt, Location: "bar", Item: "rum",
			Quantity: decimal.NewFromInt(10), UnitPrice: decimal.NewFromInt(cost), Date: day(i + 1),
		})
		require.NoError(s.t, err)
	}
	_, err := s.eng.Apply(ctx, fifo.EventInput{
		ID: "s1", Kind: fifo.KindSale, Location: "bar", Item: "rum",
		Quantity: decimal.NewFromInt(12), UnitPrice: decimal.NewFromInt(9), Date: day(3),
	})
	require.NoError(s.t, err)
}

// =============================================================================
// HEALTH
// =============================================================================

func TestHealth_LiveAndReady(t *testing.T) {
	s := newServer(t)

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/readyz", nil).Code)

	s.h.Ready = func(context.Context) error { return errors.New("db down") }
	rec := s.do(http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "db down")
}

func TestMetrics_Scrape(t *testing.T) {
	s := newServer(t)
	s.do(http.MethodGet, "/api/items", nil)

	rec := s.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `fifo_http_requests_total{code="200",route="/api/items"} 1`)
}

// =============================================================================
// MASTER DATA
// =============================================================================

func TestSaveItem_ValidatesBody(t *testing.T) {
	s := newServer(t)

	// GIVEN: A body missing name and active
	rec := s.do(http.MethodPut, "/api/items/rum", map[string]any{"cost_basis": "4"})

	// THEN: 400 with the failing fields
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[api.ErrorResponse](t, rec)
	assert.Equal(t, "required", resp.Fields["Name"])
	assert.Equal(t, "required", resp.Fields["Active"])

	rec = s.do(http.MethodPut, "/api/items/rum", map[string]any{"name": "Rum", "active": true, "colour": "gold"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")
}

func TestMasterData_RoundTrip(t *testing.T) {
	s := newServer(t)
	s.seed()

	items := decodeBody[[]api.ItemDTO](t, s.do(http.MethodGet, "/api/items", nil))
	require.Len(t, items, 1)
	assert.Equal(t, "rum", items[0].ID)
	assert.True(t, decimal.NewFromInt(9).Equal(items[0].SalePrice))

	locs := decodeBody[[]api.LocationDTO](t, s.do(http.MethodGet, "/api/locations", nil))
	require.Len(t, locs, 1)
	assert.True(t, locs[0].Active)
}

func TestDocuments_Lifecycle(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodPost, "/api/documents", map[string]any{"id": "po-7", "kind": "purchase_order", "reference": "PO-7"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "open", decodeBody[api.DocumentDTO](t, rec).State)

	rec = s.do(http.MethodPost, "/api/documents/po-7/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decodeBody[api.DocumentDTO](t, rec).State)

	// Completing twice is not a legal transition
	rec = s.do(http.MethodPost, "/api/documents/po-7/complete", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Opening the same ID again does not unfreeze it
	rec = s.do(http.MethodPost, "/api/documents", map[string]any{"id": "po-7", "kind": "purchase_order", "reference": "PO-7"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = s.do(http.MethodGet, "/api/documents/po-7", nil)
	assert.Equal(t, "completed", decodeBody[api.DocumentDTO](t, rec).State)

	rec = s.do(http.MethodPost, "/api/documents/po-7/reopen", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/documents/nope", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/documents", map[string]any{"kind": "invoice"}).Code)
}

// =============================================================================
// READ MODEL
// =============================================================================

func TestGetPosition_AvailableAndLots(t *testing.T) {
	s := newServer(t)
	s.seed()

	rec := s.do(http.MethodGet, "/api/positions/bar/rum", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pos := decodeBody[api.PositionDTO](t, rec)

	assert.True(t, decimal.NewFromInt(8).Equal(pos.Available))
	require.Len(t, pos.Lots, 1, "the first lot is exhausted")
	assert.Equal(t, "r2", pos.Lots[0].EventID)
	assert.True(t, decimal.NewFromInt(8).Equal(pos.Lots[0].Remaining))

	pos = decodeBody[api.PositionDTO](t, s.do(http.MethodGet, "/api/positions/bar/rum?lots=false", nil))
	assert.Empty(t, pos.Lots)
}

func TestGetEvent_WithRecordsAndCost(t *testing.T) {
	s := newServer(t)
	s.seed()

	rec := s.do(http.MethodGet, "/api/events/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ev := decodeBody[api.EventDTO](t, rec)

	require.Len(t, ev.Records, 2)
	assert.Equal(t, 1, ev.Records[0].Sequence)
	assert.True(t, decimal.NewFromInt(10).Equal(ev.Records[0].Quantity))
	assert.True(t, decimal.NewFromInt(2).Equal(ev.Records[1].Quantity))
	require.NotNil(t, ev.Cost)
	assert.True(t, decimal.NewFromInt(50).Equal(*ev.Cost))

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/events/ghost", nil).Code)
}

func TestListEvents_Filters(t *testing.T) {
	s := newServer(t)
	s.seed()

	all := decodeBody[[]api.EventDTO](t, s.do(http.MethodGet, "/api/events?location=bar", nil))
	assert.Len(t, all, 3)

	receipts := decodeBody[[]api.EventDTO](t, s.do(http.MethodGet, "/api/events?kind=receipt", nil))
	require.Len(t, receipts, 2)
	assert.Equal(t, "r1", receipts[0].ID)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/events?kind=refund", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/events?status=pending", nil).Code)
}

// =============================================================================
// MAINTENANCE
// =============================================================================

func TestVerify_CleanThenDrift(t *testing.T) {
	s := newServer(t)
	s.seed()

	rec := s.do(http.MethodPost, "/api/admin/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[api.VerifyResponse](t, rec).Clean)

	// GIVEN: The open lot's remaining drifts
	lots, err := s.eng.LotsFor(context.Background(), "bar", "rum")
	require.NoError(t, err)
	s.mem.Corrupt(func(st fifo.Store) {
		require.NoError(t, st.UpdateLotRemaining(context.Background(), lots[0].LotID, decimal.NewFromInt(7)))
	})

	// WHEN: Verifying the pair
	rec = s.do(http.MethodPost, "/api/admin/verify", map[string]string{"location": "bar", "item": "rum"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[api.VerifyResponse](t, rec)

	// THEN: The lot issue is reported
	assert.False(t, resp.Clean)
	require.NotEmpty(t, resp.LotIssues)
	assert.Equal(t, 1, resp.Counts["remaining_mismatch"])

	// AND: Fix repairs it
	rec = s.do(http.MethodPost, "/api/admin/fix", map[string]string{"location": "bar"})
	require.Equal(t, http.StatusOK, rec.Code)
	fix := decodeBody[api.FixResponse](t, rec)
	assert.Len(t, fix.Fixed, 1)
	assert.True(t, fix.After.Clean)
}

func TestRebuild_DryRunReportsWithoutWriting(t *testing.T) {
	s := newServer(t)
	s.seed()

	rec := s.do(http.MethodPost, "/api/admin/rebuild", map[string]any{"location": "bar", "dry_run": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[api.RebuildResponse](t, rec)

	assert.True(t, resp.DryRun)
	assert.Equal(t, 2, resp.LotsCreated)
	assert.Equal(t, 3, resp.EventsReplayed)
	assert.Empty(t, resp.Shortfalls)
	assert.Empty(t, resp.Changes)

	rec = s.do(http.MethodPost, "/api/admin/rebuild", map[string]any{"dry_run": "yes"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyLast_FromScheduler(t *testing.T) {
	s := newServer(t)
	s.seed()

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/admin/verify/last", nil).Code)

	s.h.Scheduler = api.NewVerifyScheduler(s.eng, 0, zerolog.Nop())
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/admin/verify/last", nil).Code)

	s.h.Scheduler.RunNow(context.Background())
	rec := s.do(http.MethodGet, "/api/admin/verify/last", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[api.VerifyResponse](t, rec)
	assert.True(t, resp.Clean)
	assert.NotEmpty(t, resp.CheckedAt)
}
