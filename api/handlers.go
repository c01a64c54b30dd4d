/*
handlers.go - HTTP handlers for the operations API

PURPOSE:
  Exposes the lot engine's read model, master data and maintenance
  operations over HTTP. Business events (receipts, sales, transfers) are
  applied by the calling system through the engine, never through here.

ENDPOINTS:
  Health:
    GET    /healthz                          Liveness
    GET    /readyz                           Store (and cache) reachable
    GET    /metrics                          Prometheus scrape

  Master data:
    GET    /api/items                        List items
    PUT    /api/items/{id}                   Create or replace an item
    GET    /api/locations                    List locations
    PUT    /api/locations/{id}               Create or replace a location
    POST   /api/documents                    Open a grouping document
    GET    /api/documents/{id}               Get a document
    POST   /api/documents/{id}/complete      Freeze its events
    POST   /api/documents/{id}/reopen        Unfreeze

  Read model:
    GET    /api/positions/{location}/{item}  Available quantity and open lots
    GET    /api/events                       Filter by location, item, kind, status, document
    GET    /api/events/{id}                  Event with its ledger records and cost

  Maintenance:
    POST   /api/admin/verify                 Verify a scope
    GET    /api/admin/verify/last            Last scheduled verify
    POST   /api/admin/rebuild                Rebuild a scope (dry_run supported)
    POST   /api/admin/fix                    Correct simple remaining drift

ERROR HANDLING:
  Errors are returned as JSON with an HTTP status chosen by errorStatus:
  - 400: Malformed body, failed validation
  - 404: Event, lot, transfer or document not found
  - 409: Refused by current state (stock, lot in use, completed document)
  - 422: Other rejected input
  - 503: Positions locked past the deadline
  - 500: Consistency faults and store failures
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/lot-engine/fifo"
	"github.com/warp/lot-engine/logging"
)

const maxBodyBytes = 1 << 20

// Engine is the part of *fifo.Engine the API drives.
type Engine interface {
	Verifier
	Rebuild(ctx context.Context, scope fifo.Scope, opts fifo.RebuildOptions) (fifo.RebuildReport, error)
	Fix(ctx context.Context, scope fifo.Scope) (fifo.FixReport, error)

	AvailableQuantity(ctx context.Context, loc fifo.LocationID, item fifo.ItemID) (decimal.Decimal, error)
	LotsFor(ctx context.Context, loc fifo.LocationID, item fifo.ItemID) ([]fifo.LotView, error)
	Event(ctx context.Context, id fifo.EventID) (fifo.Event, error)
	Records(ctx context.Context, id fifo.EventID) ([]fifo.LedgerRecord, error)
	Events(ctx context.Context, f fifo.EventFilter) ([]fifo.Event, error)

	Items(ctx context.Context) ([]fifo.Item, error)
	SaveItem(ctx context.Context, item fifo.Item) error
	Locations(ctx context.Context) ([]fifo.Location, error)
	SaveLocation(ctx context.Context, loc fifo.Location) error
	OpenDocument(ctx context.Context, id fifo.DocumentID, kind, reference string) (fifo.Document, error)
	Document(ctx context.Context, id fifo.DocumentID) (fifo.Document, error)
	CompleteDocument(ctx context.Context, id fifo.DocumentID) (fifo.Document, error)
	ReopenDocument(ctx context.Context, id fifo.DocumentID) (fifo.Document, error)
}

var _ Engine = (*fifo.Engine)(nil)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    Engine
	Scheduler *VerifyScheduler // optional

	// Ready reports whether backing services answer. Nil means always ready.
	Ready func(ctx context.Context) error

	logger   zerolog.Logger
	validate *validator.Validate
}

// NewHandler creates a handler around an engine.
func NewHandler(engine Engine, logger zerolog.Logger) *Handler {
	return &Handler{
		Engine:   engine,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// =============================================================================
// HEALTH
// =============================================================================

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz reports whether the store is reachable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ready(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Not ready", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// =============================================================================
// MASTER DATA
// =============================================================================

// ListItems returns every item.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.Engine.Items(r.Context())
	if err != nil {
		h.writeEngineError(w, r, "Failed to list items", err)
		return
	}
	dtos := make([]ItemDTO, len(items))
	for i, it := range items {
		dtos[i] = toItemDTO(it)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveItem creates or replaces an item.
func (h *Handler) SaveItem(w http.ResponseWriter, r *http.Request) {
	var req SaveItemRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	if req.CostBasis.IsNegative() || req.SalePrice.IsNegative() {
		writeError(w, http.StatusBadRequest, "cost_basis and sale_price must not be negative", nil)
		return
	}
	item := fifo.Item{
		ID:         fifo.ItemID(chi.URLParam(r, "id")),
		Name:       req.Name,
		CostBasis:  req.CostBasis,
		SalePrice:  req.SalePrice,
		DutyExempt: req.DutyExempt,
		Active:     *req.Active,
	}
	if err := h.Engine.SaveItem(r.Context(), item); err != nil {
		h.writeEngineError(w, r, "Failed to save item", err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(item))
}

// ListLocations returns every location.
func (h *Handler) ListLocations(w http.ResponseWriter, r *http.Request) {
	locs, err := h.Engine.Locations(r.Context())
	if err != nil {
		h.writeEngineError(w, r, "Failed to list locations", err)
		return
	}
	dtos := make([]LocationDTO, len(locs))
	for i, l := range locs {
		dtos[i] = toLocationDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveLocation creates or replaces a location.
func (h *Handler) SaveLocation(w http.ResponseWriter, r *http.Request) {
	var req SaveLocationRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	loc := fifo.Location{
		ID:         fifo.LocationID(chi.URLParam(r, "id")),
		Name:       req.Name,
		DutyExempt: req.DutyExempt,
		Active:     *req.Active,
	}
	if err := h.Engine.SaveLocation(r.Context(), loc); err != nil {
		h.writeEngineError(w, r, "Failed to save location", err)
		return
	}
	writeJSON(w, http.StatusOK, toLocationDTO(loc))
}

// OpenDocument registers a grouping document.
func (h *Handler) OpenDocument(w http.ResponseWriter, r *http.Request) {
	var req OpenDocumentRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	doc, err := h.Engine.OpenDocument(r.Context(), fifo.DocumentID(req.ID), req.Kind, req.Reference)
	if err != nil {
		h.writeEngineError(w, r, "Failed to open document", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDocumentDTO(doc))
}

// GetDocument returns a document.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Engine.Document(r.Context(), fifo.DocumentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, "Failed to get document", err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentDTO(doc))
}

// CompleteDocument freezes a document.
func (h *Handler) CompleteDocument(w http.ResponseWriter, r *http.Request) {
	h.transitionDocument(w, r, h.Engine.CompleteDocument)
}

// ReopenDocument unfreezes a document.
func (h *Handler) ReopenDocument(w http.ResponseWriter, r *http.Request) {
	h.transitionDocument(w, r, h.Engine.ReopenDocument)
}

func (h *Handler) transitionDocument(w http.ResponseWriter, r *http.Request,
	fn func(context.Context, fifo.DocumentID) (fifo.Document, error)) {
	doc, err := fn(r.Context(), fifo.DocumentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, "Failed to change document state", err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentDTO(doc))
}

// =============================================================================
// READ MODEL
// =============================================================================

// GetPosition returns the available quantity and open lots of a pair.
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	loc := fifo.LocationID(chi.URLParam(r, "location"))
	item := fifo.ItemID(chi.URLParam(r, "item"))

	avail, err := h.Engine.AvailableQuantity(r.Context(), loc, item)
	if err != nil {
		h.writeEngineError(w, r, "Failed to read availability", err)
		return
	}
	dto := PositionDTO{Location: string(loc), Item: string(item), Available: avail}

	if r.URL.Query().Get("lots") != "false" {
		lots, err := h.Engine.LotsFor(r.Context(), loc, item)
		if err != nil {
			h.writeEngineError(w, r, "Failed to list lots", err)
			return
		}
		dto.Lots = toLotDTOs(lots)
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListEvents returns events matching the query filters in replay order.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := fifo.EventFilter{
		Scope:      fifo.Scope{Location: fifo.LocationID(q.Get("location")), Item: fifo.ItemID(q.Get("item"))},
		Status:     fifo.EventStatus(q.Get("status")),
		DocumentID: fifo.DocumentID(q.Get("document")),
	}
	if f.Status != "" && f.Status != fifo.StatusApplied && f.Status != fifo.StatusReversed {
		writeError(w, http.StatusBadRequest, "status must be applied or reversed", nil)
		return
	}
	if raw := q.Get("kind"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			kind := fifo.Kind(strings.TrimSpace(k))
			if !kind.Valid() {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown kind %q", kind), nil)
				return
			}
			f.Kinds = append(f.Kinds, kind)
		}
	}

	events, err := h.Engine.Events(r.Context(), f)
	if err != nil {
		h.writeEngineError(w, r, "Failed to list events", err)
		return
	}
	dtos := make([]EventDTO, len(events))
	for i, e := range events {
		dtos[i] = toEventDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetEvent returns one event with its ledger records.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id := fifo.EventID(chi.URLParam(r, "id"))
	ev, err := h.Engine.Event(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, "Failed to get event", err)
		return
	}
	dto := toEventDTO(ev)
	if ev.Kind.IsConsumption() {
		records, err := h.Engine.Records(r.Context(), id)
		if err != nil {
			h.writeEngineError(w, r, "Failed to get ledger records", err)
			return
		}
		dto = withRecords(dto, records)
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// Verify audits a scope.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req ScopeRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	report, err := h.Engine.Verify(r.Context(), req.scope())
	if err != nil {
		h.writeEngineError(w, r, "Verify failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toVerifyResponse(report))
}

// VerifyLast returns the last scheduled verification.
func (h *Handler) VerifyLast(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusNotFound, "Scheduled verification disabled", nil)
		return
	}
	last, ok := h.Scheduler.Last()
	if !ok {
		writeError(w, http.StatusNotFound, "No scheduled verification yet", nil)
		return
	}
	if last.Err != nil {
		writeError(w, http.StatusInternalServerError, "Last scheduled verification failed", last.Err)
		return
	}
	resp := toVerifyResponse(last.Report)
	resp.CheckedAt = last.StartedAt.UTC().Format(time.RFC3339)
	writeJSON(w, http.StatusOK, resp)
}

// Rebuild regenerates derived state for a scope.
func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	var req RebuildRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	report, err := h.Engine.Rebuild(r.Context(), req.scope(), fifo.RebuildOptions{DryRun: req.DryRun})
	if err != nil {
		h.writeEngineError(w, r, "Rebuild failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRebuildResponse(report))
}

// Fix corrects simple remaining-quantity drift in a scope.
func (h *Handler) Fix(w http.ResponseWriter, r *http.Request) {
	var req ScopeRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	report, err := h.Engine.Fix(r.Context(), req.scope())
	if err != nil {
		h.writeEngineError(w, r, "Fix failed", err)
		return
	}
	writeJSON(w, http.StatusOK, FixResponse{
		Fixed:   toIssueDTOs(report.Fixed),
		Skipped: toIssueDTOs(report.Skipped),
		Before:  toVerifyResponse(report.Before),
		After:   toVerifyResponse(report.After),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into dst and validates it. An empty body is
// accepted unless required is set. It writes the error response itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, required bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if !errors.Is(err, io.EOF) || required {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return false
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Fields: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// errorStatus maps an engine error onto an HTTP status.
func errorStatus(err error) int {
	switch {
	case fifo.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, fifo.ErrInsufficientInventory),
		errors.Is(err, fifo.ErrReceiptInUse),
		errors.Is(err, fifo.ErrLotInUse),
		errors.Is(err, fifo.ErrDocumentCompleted),
		errors.Is(err, fifo.ErrInvalidTransition),
		errors.Is(err, fifo.ErrEventReversed),
		errors.Is(err, fifo.ErrDuplicateEvent),
		errors.Is(err, fifo.ErrDuplicateDocument),
		errors.Is(err, fifo.ErrConcurrentModification):
		return http.StatusConflict
	case fifo.IsClientError(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, fifo.ErrLockNotObtained), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		l := logging.WithContext(r.Context(), h.logger)
		l.Error().Err(err).
			Str("path", r.URL.Path).Int("status", status).Msg("api.error")
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
