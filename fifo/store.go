/*
store.go - Persistence contracts for the FIFO lot engine

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never talks SQL; it talks to a Store, and every mutation runs inside
  TxStore.WithTx so that a failure anywhere rolls back every write.

KEY INTERFACES:
  Store:   Master data, events, transfers, lots and ledger records
  TxStore: Store plus WithTx (all-or-nothing unit of work)

ORDERING CONTRACT:
  ListLots returns lots ordered by (Date asc, Seq asc, ID asc).
  ListEvents returns events ordered by (Date asc, Seq asc).
  RecordsForEvent returns records ordered by Sequence asc.

ROW LOCKING:
  LotFilter.ForUpdate asks stores with row locks (PostgreSQL) to lock the
  returned lots until the transaction ends. Stores without row locks
  serialize transactions instead and may ignore the flag.

NOT FOUND:
  Getters return the package sentinel (ErrEventNotFound, ErrLotNotFound,
  ErrUnknownItem, ...) so callers never see driver errors such as
  sql.ErrNoRows.

IMPLEMENTATIONS:
  - fifo/store/memory.go: In-memory, snapshot rollback (tests, dev)
  - store/sqlite: database/sql + go-sqlite3
  - store/postgres: pgx/v5 pool with SELECT ... FOR UPDATE
*/
package fifo

import (
	"context"

	"github.com/shopspring/decimal"
)

// EventFilter selects events. Zero values match everything.
type EventFilter struct {
	Scope
	Kinds      []Kind
	Status     EventStatus
	DocumentID DocumentID
}

// Matches reports whether an event passes the filter.
func (f EventFilter) Matches(e Event) bool {
	if !f.Scope.Matches(e.Location, e.Item) {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.DocumentID != "" && e.DocumentID != f.DocumentID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if e.Kind == k {
			return true
		}
	}
	return false
}

// LotFilter selects lots.
type LotFilter struct {
	Scope
	AvailableOnly bool
	ForUpdate     bool
}

// Matches reports whether a lot passes the filter.
func (f LotFilter) Matches(l Lot) bool {
	if !f.Scope.Matches(l.Location, l.Item) {
		return false
	}
	return !f.AvailableOnly || l.Remaining.IsPositive()
}

// =============================================================================
// STORE
// =============================================================================

// Store persists every engine entity.
type Store interface {
	// Master data
	SaveItem(ctx context.Context, item Item) error
	GetItem(ctx context.Context, id ItemID) (Item, error)
	ListItems(ctx context.Context) ([]Item, error)
	SaveLocation(ctx context.Context, loc Location) error
	GetLocation(ctx context.Context, id LocationID) (Location, error)
	ListLocations(ctx context.Context) ([]Location, error)
	SaveDocument(ctx context.Context, doc Document) error
	GetDocument(ctx context.Context, id DocumentID) (Document, error)

	// Events and transfers
	NextSeq(ctx context.Context) (int64, error)
	InsertEvent(ctx context.Context, e Event) error
	UpdateEvent(ctx context.Context, e Event) error
	GetEvent(ctx context.Context, id EventID) (Event, error)
	ListEvents(ctx context.Context, f EventFilter) ([]Event, error)
	InsertTransfer(ctx context.Context, t Transfer) error
	UpdateTransfer(ctx context.Context, t Transfer) error
	GetTransfer(ctx context.Context, id TransferID) (Transfer, error)

	// Lots
	InsertLot(ctx context.Context, l Lot) error
	GetLot(ctx context.Context, id LotID) (Lot, error)
	LotForEvent(ctx context.Context, id EventID) (Lot, error)
	ListLots(ctx context.Context, f LotFilter) ([]Lot, error)
	UpdateLotRemaining(ctx context.Context, id LotID, remaining decimal.Decimal) error
	// RepriceLot sets the unit cost of a lot and of every record drawn from it.
	RepriceLot(ctx context.Context, id LotID, cost decimal.Decimal) error
	DeleteLot(ctx context.Context, id LotID) error
	DeleteLots(ctx context.Context, s Scope) (int, error)

	// Ledger
	InsertRecord(ctx context.Context, r LedgerRecord) error
	RecordsForEvent(ctx context.Context, id EventID) ([]LedgerRecord, error)
	RecordsForLot(ctx context.Context, id LotID) ([]LedgerRecord, error)
	DeleteRecordsForEvent(ctx context.Context, id EventID) (int, error)
	// DeleteRecords removes records whose lot or event lies in the scope.
	DeleteRecords(ctx context.Context, s Scope) (int, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
