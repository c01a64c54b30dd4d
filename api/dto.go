/*
dto.go - Data Transfer Objects for the operations API

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the wire contract. Quantities and costs
  travel as decimal strings ("12.5") so no precision is lost in JSON.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call
  Handler.decode, which rejects malformed JSON and failed tags with 400.

SEE ALSO:
  - handlers.go: Uses these types
  - fifo/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/lot-engine/fifo"
)

const dateLayout = "2006-01-02"

// =============================================================================
// MASTER DATA
// =============================================================================

// ItemDTO represents an item in API responses.
type ItemDTO struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	CostBasis  decimal.Decimal `json:"cost_basis"`
	SalePrice  decimal.Decimal `json:"sale_price"`
	DutyExempt bool            `json:"duty_exempt"`
	Active     bool            `json:"active"`
}

// SaveItemRequest creates or replaces an item.
type SaveItemRequest struct {
	Name       string          `json:"name" validate:"required,max=200"`
	CostBasis  decimal.Decimal `json:"cost_basis"`
	SalePrice  decimal.Decimal `json:"sale_price"`
	DutyExempt bool            `json:"duty_exempt"`
	Active     *bool           `json:"active" validate:"required"`
}

// LocationDTO represents a location in API responses.
type LocationDTO struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	DutyExempt bool   `json:"duty_exempt"`
	Active     bool   `json:"active"`
}

// SaveLocationRequest creates or replaces a location.
type SaveLocationRequest struct {
	Name       string `json:"name" validate:"required,max=200"`
	DutyExempt bool   `json:"duty_exempt"`
	Active     *bool  `json:"active" validate:"required"`
}

// DocumentDTO represents a grouping document.
type DocumentDTO struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Reference string `json:"reference,omitempty"`
	State     string `json:"state"`
	UpdatedAt string `json:"updated_at"`
}

// OpenDocumentRequest registers a document.
type OpenDocumentRequest struct {
	ID        string `json:"id" validate:"omitempty,max=100"`
	Kind      string `json:"kind" validate:"required,oneof=purchase_order voyage count adjustment"`
	Reference string `json:"reference" validate:"max=200"`
}

// =============================================================================
// READ MODEL
// =============================================================================

// LotDTO is one lot with stock left.
type LotDTO struct {
	ID        string          `json:"id"`
	Date      string          `json:"date"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	Original  decimal.Decimal `json:"original"`
	Remaining decimal.Decimal `json:"remaining"`
	EventID   string          `json:"event_id"`
}

// PositionDTO is the availability of one (location, item) pair.
type PositionDTO struct {
	Location  string          `json:"location"`
	Item      string          `json:"item"`
	Available decimal.Decimal `json:"available"`
	Lots      []LotDTO        `json:"lots,omitempty"`
}

// EventDTO represents a persisted event.
type EventDTO struct {
	ID         string           `json:"id"`
	Seq        int64            `json:"seq"`
	Kind       string           `json:"kind"`
	Location   string           `json:"location"`
	Item       string           `json:"item"`
	Quantity   decimal.Decimal  `json:"quantity"`
	UnitPrice  decimal.Decimal  `json:"unit_price"`
	Date       string           `json:"date"`
	DutyExempt bool             `json:"duty_exempt,omitempty"`
	TransferID string           `json:"transfer_id,omitempty"`
	DocumentID string           `json:"document_id,omitempty"`
	Note       string           `json:"note,omitempty"`
	Status     string           `json:"status"`
	Revision   int              `json:"revision"`
	Cost       *decimal.Decimal `json:"cost,omitempty"`
	Records    []RecordDTO      `json:"records,omitempty"`
}

// RecordDTO is one ledger record of a consumption.
type RecordDTO struct {
	Sequence int             `json:"sequence"`
	LotID    string          `json:"lot_id"`
	LotDate  string          `json:"lot_date"`
	Quantity decimal.Decimal `json:"quantity"`
	UnitCost decimal.Decimal `json:"unit_cost"`
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// ScopeRequest narrows a maintenance run. Empty fields mean all.
type ScopeRequest struct {
	Location string `json:"location" validate:"max=100"`
	Item     string `json:"item" validate:"max=100"`
}

func (s ScopeRequest) scope() fifo.Scope {
	return fifo.Scope{Location: fifo.LocationID(s.Location), Item: fifo.ItemID(s.Item)}
}

// RebuildRequest starts a rebuild.
type RebuildRequest struct {
	ScopeRequest
	DryRun bool `json:"dry_run"`
}

// IssueDTO is one verifier finding.
type IssueDTO struct {
	Code     string           `json:"code"`
	Location string           `json:"location"`
	Item     string           `json:"item"`
	EventID  string           `json:"event_id,omitempty"`
	LotID    string           `json:"lot_id,omitempty"`
	Expected *decimal.Decimal `json:"expected,omitempty"`
	Actual   *decimal.Decimal `json:"actual,omitempty"`
	Detail   string           `json:"detail,omitempty"`
}

// VerifyResponse is a verify report.
type VerifyResponse struct {
	Scope         string         `json:"scope"`
	Clean         bool           `json:"clean"`
	PairsChecked  int            `json:"pairs_checked"`
	LotsChecked   int            `json:"lots_checked"`
	EventsChecked int            `json:"events_checked"`
	Counts        map[string]int `json:"counts"`
	LotIssues     []IssueDTO     `json:"lot_issues"`
	EventIssues   []IssueDTO     `json:"event_issues"`
	RuleIssues    []IssueDTO     `json:"rule_issues"`
	CheckedAt     string         `json:"checked_at,omitempty"`
}

// ShortfallDTO is an event the rebuild could not satisfy.
type ShortfallDTO struct {
	EventID   string          `json:"event_id"`
	Kind      string          `json:"kind"`
	Location  string          `json:"location"`
	Item      string          `json:"item"`
	Date      string          `json:"date"`
	Requested decimal.Decimal `json:"requested"`
	Available decimal.Decimal `json:"available"`
	Reason    string          `json:"reason"`
}

// LotChangeDTO compares a lot before and after a rebuild.
type LotChangeDTO struct {
	EventID string          `json:"event_id"`
	LotID   string          `json:"lot_id"`
	Before  decimal.Decimal `json:"before"`
	After   decimal.Decimal `json:"after"`
	Created bool            `json:"created,omitempty"`
	Removed bool            `json:"removed,omitempty"`
}

// RebuildResponse is a rebuild report.
type RebuildResponse struct {
	Scope          string         `json:"scope"`
	DryRun         bool           `json:"dry_run"`
	RecordsDeleted int            `json:"records_deleted"`
	LotsDeleted    int            `json:"lots_deleted"`
	LotsCreated    int            `json:"lots_created"`
	EventsReplayed int            `json:"events_replayed"`
	Shortfalls     []ShortfallDTO `json:"shortfalls"`
	Changes        []LotChangeDTO `json:"changes"`
}

// FixResponse is a fix report.
type FixResponse struct {
	Fixed   []IssueDTO     `json:"fixed"`
	Skipped []IssueDTO     `json:"skipped"`
	Before  VerifyResponse `json:"before"`
	After   VerifyResponse `json:"after"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toItemDTO(i fifo.Item) ItemDTO {
	return ItemDTO{
		ID: string(i.ID), Name: i.Name, CostBasis: i.CostBasis, SalePrice: i.SalePrice,
		DutyExempt: i.DutyExempt, Active: i.Active,
	}
}

func toLocationDTO(l fifo.Location) LocationDTO {
	return LocationDTO{ID: string(l.ID), Name: l.Name, DutyExempt: l.DutyExempt, Active: l.Active}
}

func toDocumentDTO(d fifo.Document) DocumentDTO {
	return DocumentDTO{
		ID: string(d.ID), Kind: d.Kind, Reference: d.Reference,
		State: string(d.State), UpdatedAt: d.UpdatedAt.Format(time.RFC3339),
	}
}

func toLotDTOs(views []fifo.LotView) []LotDTO {
	out := make([]LotDTO, len(views))
	for i, v := range views {
		out[i] = LotDTO{
			ID: string(v.LotID), Date: v.Date.Format(dateLayout), UnitCost: v.UnitCost,
			Original: v.Original, Remaining: v.Remaining, EventID: string(v.EventID),
		}
	}
	return out
}

func toEventDTO(e fifo.Event) EventDTO {
	return EventDTO{
		ID: string(e.ID), Seq: e.Seq, Kind: string(e.Kind),
		Location: string(e.Location), Item: string(e.Item),
		Quantity: e.Quantity, UnitPrice: e.UnitPrice, Date: e.Date.Format(dateLayout),
		DutyExempt: e.DutyExempt, TransferID: string(e.TransferID), DocumentID: string(e.DocumentID),
		Note: e.Note, Status: string(e.Status), Revision: e.Revision,
	}
}

func withRecords(dto EventDTO, records []fifo.LedgerRecord) EventDTO {
	if len(records) == 0 {
		return dto
	}
	cost := decimal.Zero
	dto.Records = make([]RecordDTO, len(records))
	for i, r := range records {
		dto.Records[i] = RecordDTO{
			Sequence: r.Sequence, LotID: string(r.LotID), LotDate: r.LotDate.Format(dateLayout),
			Quantity: r.Quantity, UnitCost: r.UnitCost,
		}
		cost = cost.Add(r.Cost())
	}
	dto.Cost = &cost
	return dto
}

func toIssueDTOs(issues []fifo.Issue) []IssueDTO {
	out := make([]IssueDTO, len(issues))
	for i, is := range issues {
		dto := IssueDTO{
			Code: is.Code, Location: string(is.Pair.Location), Item: string(is.Pair.Item),
			EventID: string(is.EventID), LotID: string(is.LotID), Detail: is.Detail,
		}
		if !is.Expected.IsZero() || !is.Actual.IsZero() {
			expected, actual := is.Expected, is.Actual
			dto.Expected, dto.Actual = &expected, &actual
		}
		out[i] = dto
	}
	return out
}

func toVerifyResponse(r fifo.VerifyReport) VerifyResponse {
	return VerifyResponse{
		Scope:         r.Scope.String(),
		Clean:         r.Clean(),
		PairsChecked:  r.PairsChecked,
		LotsChecked:   r.LotsChecked,
		EventsChecked: r.EventsChecked,
		Counts:        r.CountByCode(),
		LotIssues:     toIssueDTOs(r.LotIssues),
		EventIssues:   toIssueDTOs(r.EventIssues),
		RuleIssues:    toIssueDTOs(r.RuleIssues),
	}
}

func toRebuildResponse(r fifo.RebuildReport) RebuildResponse {
	resp := RebuildResponse{
		Scope:          r.Scope.String(),
		DryRun:         r.DryRun,
		RecordsDeleted: r.RecordsDeleted,
		LotsDeleted:    r.LotsDeleted,
		LotsCreated:    r.LotsCreated,
		EventsReplayed: r.EventsReplayed,
		Shortfalls:     make([]ShortfallDTO, len(r.Shortfalls)),
		Changes:        make([]LotChangeDTO, len(r.Changes)),
	}
	for i, s := range r.Shortfalls {
		resp.Shortfalls[i] = ShortfallDTO{
			EventID: string(s.EventID), Kind: string(s.Kind),
			Location: string(s.Pair.Location), Item: string(s.Pair.Item),
			Date: s.Date.Format(dateLayout), Requested: s.Requested, Available: s.Available, Reason: s.Reason,
		}
	}
	for i, c := range r.Changes {
		resp.Changes[i] = LotChangeDTO{
			EventID: string(c.EventID), LotID: string(c.LotID),
			Before: c.Before, After: c.After, Created: c.Created, Removed: c.Removed,
		}
	}
	return resp
}
