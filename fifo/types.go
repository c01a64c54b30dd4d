/*
types.go - Core domain types for the FIFO lot engine

PURPOSE:
  Defines the vocabulary shared by every layer: master data (items,
  locations, documents), inventory events, lots, ledger records and the
  transfer aggregate. Stores persist these types verbatim; the engine is the
  only component that decides how they change.

KEY CONCEPTS:
  Lot:          A quantity received at one location for one item at one
                unit cost on one date. Remaining shrinks as it is consumed.
  LedgerRecord: "Event E took Q units from Lot L at cost C". Immutable.
                Deleted only when the consuming event is reversed.
  Event:        A business fact (receipt, sale, waste, transfer half).
                Events are the source of truth; lots and ledger records are
                derived and can always be rebuilt from applied events.
  Transfer:     One aggregate owning both halves of a location-to-location
                movement. Events only carry the transfer ID.

ORDERING:
  Oldest first means (Date asc, Seq asc). Seq is the store-assigned
  sequence of the provenance event, so a rebuild reproduces the same order
  for lots that share a date.

QUANTITIES:
  All quantities, costs and prices use shopspring/decimal. Tolerance is the
  single epsilon used by every invariant check in the package.

SEE ALSO:
  - store.go: Persistence contracts for these types
  - engine.go: The only writer of events
  - allocator.go: The only writer of ledger records
*/
package fifo

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// ToleranceExp is the decimal exponent of Tolerance: 10^-3.
const ToleranceExp int32 = -3

// tolerance is built once from ToleranceExp and never reassigned.
var tolerance = decimal.New(1, ToleranceExp)

// Tolerance is the epsilon for every quantity comparison that is not
// required to be exact.
func Tolerance() decimal.Decimal { return tolerance }

// CostPrecision is the number of decimal places kept for derived unit costs
// (weighted transfer costs).
const CostPrecision int32 = 6

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	ItemID     string
	LocationID string
	LotID      string
	EventID    string
	RecordID   string
	TransferID string
	DocumentID string
)

// PairKey identifies one (location, item) inventory position. All locking,
// caching and FIFO ordering happens per pair.
type PairKey struct {
	Location LocationID
	Item     ItemID
}

func (k PairKey) String() string {
	return fmt.Sprintf("%s|%s", k.Location, k.Item)
}

// Scope narrows maintenance operations. Empty fields match everything.
type Scope struct {
	Location LocationID
	Item     ItemID
}

// Matches reports whether the pair falls inside the scope.
func (s Scope) Matches(loc LocationID, item ItemID) bool {
	if s.Location != "" && s.Location != loc {
		return false
	}
	if s.Item != "" && s.Item != item {
		return false
	}
	return true
}

// IsAll reports whether the scope covers the whole store.
func (s Scope) IsAll() bool {
	return s.Location == "" && s.Item == ""
}

func (s Scope) String() string {
	loc, item := string(s.Location), string(s.Item)
	if loc == "" {
		loc = "*"
	}
	if item == "" {
		item = "*"
	}
	return loc + "|" + item
}

// =============================================================================
// MASTER DATA
// =============================================================================

// Item is a sellable product.
type Item struct {
	ID         ItemID
	Name       string
	CostBasis  decimal.Decimal // reference cost used by rule checks
	SalePrice  decimal.Decimal // reference sale price used by rule checks
	DutyExempt bool            // may be sold duty-free
	Active     bool
}

// Location is a store, warehouse or vessel.
type Location struct {
	ID         LocationID
	Name       string
	DutyExempt bool // may record duty-free sales
	Active     bool
}

// DocumentState is the lifecycle state of a grouping document.
type DocumentState string

const (
	DocumentOpen      DocumentState = "open"
	DocumentCompleted DocumentState = "completed"
)

// documentTransitions lists the legal state changes.
var documentTransitions = map[DocumentState][]DocumentState{
	DocumentOpen:      {DocumentCompleted},
	DocumentCompleted: {DocumentOpen},
}

// CanTransition reports whether a document may move from one state to another.
func (s DocumentState) CanTransition(to DocumentState) bool {
	for _, next := range documentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Document groups events (a purchase order, a voyage, a count). Events
// attached to a completed document are frozen.
type Document struct {
	ID        DocumentID
	Kind      string
	Reference string
	State     DocumentState
	UpdatedAt time.Time
}

// =============================================================================
// EVENTS
// =============================================================================

// Kind is the type of an inventory event.
type Kind string

const (
	KindReceipt     Kind = "receipt"
	KindSale        Kind = "sale"
	KindWaste       Kind = "waste"
	KindTransferOut Kind = "transfer_out"
	KindTransferIn  Kind = "transfer_in"
)

// IsReceipt reports whether events of this kind create a lot.
func (k Kind) IsReceipt() bool {
	return k == KindReceipt || k == KindTransferIn
}

// IsConsumption reports whether events of this kind allocate from lots.
func (k Kind) IsConsumption() bool {
	return k == KindSale || k == KindWaste || k == KindTransferOut
}

// Valid reports whether the kind is known.
func (k Kind) Valid() bool {
	return k.IsReceipt() || k.IsConsumption()
}

// EventStatus is the lifecycle state of a persisted event.
type EventStatus string

const (
	StatusApplied  EventStatus = "applied"
	StatusReversed EventStatus = "reversed"
)

// Event is a persisted inventory event.
type Event struct {
	ID         EventID
	Seq        int64
	Kind       Kind
	Location   LocationID
	Item       ItemID
	Quantity   decimal.Decimal
	UnitPrice  decimal.Decimal // receipt cost, or sale price for sales
	Date       time.Time
	DutyExempt bool
	TransferID TransferID
	DocumentID DocumentID
	Note       string
	Status     EventStatus
	Revision   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Pair returns the inventory position the event touches.
func (e Event) Pair() PairKey {
	return PairKey{Location: e.Location, Item: e.Item}
}

// EventInput is a proposed event, not yet persisted.
type EventInput struct {
	ID          EventID // optional; generated when empty
	Kind        Kind
	Location    LocationID
	Item        ItemID
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Date        time.Time
	Destination LocationID // transfer_out only
	DutyExempt  bool
	DocumentID  DocumentID
	Note        string
}

// EditParams lists the fields an edit may change. Nil means unchanged.
type EditParams struct {
	Location    *LocationID
	Item        *ItemID
	Quantity    *decimal.Decimal
	UnitPrice   *decimal.Decimal
	Date        *time.Time
	Destination *LocationID
	DutyExempt  *bool
	Note        *string
}

// AppliedEvent is the result of applying an event.
type AppliedEvent struct {
	Event    Event
	Lot      *Lot           // receipts
	Records  []LedgerRecord // consumptions
	Transfer *Transfer      // transfers
	InEvent  *Event         // destination half of a transfer
	InLot    *Lot           // destination lot of a transfer
}

// Cost returns the total cost of goods consumed by the event.
func (a AppliedEvent) Cost() decimal.Decimal {
	return recordsCost(a.Records)
}

// =============================================================================
// LOTS AND LEDGER
// =============================================================================

// Lot is a received quantity at a location.
type Lot struct {
	ID        LotID
	Location  LocationID
	Item      ItemID
	Date      time.Time
	Seq       int64
	UnitCost  decimal.Decimal
	Original  decimal.Decimal
	Remaining decimal.Decimal
	EventID   EventID // provenance
	CreatedAt time.Time
}

// Pair returns the inventory position holding the lot.
func (l Lot) Pair() PairKey {
	return PairKey{Location: l.Location, Item: l.Item}
}

// Consumed returns how much of the lot has been used.
func (l Lot) Consumed() decimal.Decimal {
	return l.Original.Sub(l.Remaining)
}

// Untouched reports whether nothing has been consumed from the lot.
func (l Lot) Untouched() bool {
	return l.Remaining.Equal(l.Original)
}

// LotSpec describes a lot to create.
type LotSpec struct {
	ID       LotID // optional
	Location LocationID
	Item     ItemID
	Date     time.Time
	Seq      int64
	UnitCost decimal.Decimal
	Quantity decimal.Decimal
	EventID  EventID
}

// LotView is the read model returned to callers.
type LotView struct {
	LotID     LotID
	Date      time.Time
	UnitCost  decimal.Decimal
	Original  decimal.Decimal
	Remaining decimal.Decimal
	EventID   EventID
}

// LedgerRecord ties a consuming event to a lot.
type LedgerRecord struct {
	ID       RecordID
	EventID  EventID
	LotID    LotID
	Quantity decimal.Decimal
	UnitCost decimal.Decimal
	Sequence int
	LotDate  time.Time // date of the lot at allocation time
}

// Cost returns quantity x unit cost.
func (r LedgerRecord) Cost() decimal.Decimal {
	return r.Quantity.Mul(r.UnitCost)
}

// =============================================================================
// TRANSFERS
// =============================================================================

// Transfer owns both halves of a location-to-location movement.
type Transfer struct {
	ID          TransferID
	Item        ItemID
	Source      LocationID
	Destination LocationID
	OutEvent    EventID
	InEvent     EventID
	Status      EventStatus
	CreatedAt   time.Time
}

// =============================================================================
// HELPERS
// =============================================================================

// DateOf truncates t to a calendar date in UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// lotBefore is the FIFO ordering: date, then sequence, then ID.
func lotBefore(a, b Lot) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.Before(b.Date)
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}

// eventBefore orders events chronologically for replay.
func eventBefore(a, b Event) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.Before(b.Date)
	}
	return a.Seq < b.Seq
}

func recordsQuantity(records []LedgerRecord) decimal.Decimal {
	total := decimal.Zero
	for _, r := range records {
		total = total.Add(r.Quantity)
	}
	return total
}

func recordsCost(records []LedgerRecord) decimal.Decimal {
	total := decimal.Zero
	for _, r := range records {
		total = total.Add(r.Cost())
	}
	return total
}

// weightedCost is the quantity-weighted unit cost of a set of records.
func weightedCost(records []LedgerRecord) decimal.Decimal {
	qty := recordsQuantity(records)
	if !qty.IsPositive() {
		return decimal.Zero
	}
	return recordsCost(records).DivRound(qty, CostPrecision)
}

// withinTolerance reports |a-b| <= Tolerance.
func withinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}

func toView(l Lot) LotView {
	return LotView{
		LotID:     l.ID,
		Date:      l.Date,
		UnitCost:  l.UnitCost,
		Original:  l.Original,
		Remaining: l.Remaining,
		EventID:   l.EventID,
	}
}
